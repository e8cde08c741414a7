package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/polisai/panelflow/pkg/domain"
	"gopkg.in/yaml.v3"
)

// ParsePipelineFile decodes a YAML or JSON pipeline document.
func ParsePipelineFile(data []byte) (PipelineFile, error) {
	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return PipelineFile{}, fmt.Errorf("failed to parse pipeline file: %w", err)
		}
	}
	return file, nil
}

// LoadPipelineFile reads path and converts every pipeline in it. Relative
// corpus folders resolve against the file's directory.
func LoadPipelineFile(path string) ([]domain.Snapshot, error) {
	//nolint:gosec // Pipeline file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}
	file, err := ParsePipelineFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file.ToDomain(filepath.Dir(path))
}

// ToDomain converts every declared pipeline. baseDir anchors relative corpus
// folders; empty leaves them as written.
func (f PipelineFile) ToDomain(baseDir string) ([]domain.Snapshot, error) {
	snaps := make([]domain.Snapshot, 0, len(f.Pipelines))
	for i, spec := range f.Pipelines {
		snap, err := spec.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("pipeline[%d]: %w", i, err)
		}
		if baseDir != "" {
			for _, node := range snap.Nodes {
				if node.Corpus != nil && !filepath.IsAbs(node.Corpus.FolderPath) {
					node.Corpus.FolderPath = filepath.Join(baseDir, node.Corpus.FolderPath)
				}
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// ToDomain converts PipelineSpec to domain.Snapshot.
func (s PipelineSpec) ToDomain() (domain.Snapshot, error) {
	if strings.TrimSpace(s.ID) == "" {
		return domain.Snapshot{}, fmt.Errorf("%w: pipeline id is required", domain.ErrConfigInvalid)
	}

	snap := domain.Snapshot{
		ID:          s.ID,
		WorkspaceID: s.WorkspaceID,
		Nodes:       make(map[domain.NodeID]*domain.Node, len(s.Nodes)),
		Edges:       make([]domain.Edge, 0, len(s.Edges)),
	}

	for _, ns := range s.Nodes {
		id := domain.NodeID(ns.ID)
		if _, dup := snap.Nodes[id]; dup {
			return domain.Snapshot{}, fmt.Errorf("%w: pipeline %s declares node %d twice", domain.ErrConfigInvalid, s.ID, ns.ID)
		}
		node, err := ns.toDomain(s.WorkspaceID)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("pipeline %s node %d: %w", s.ID, ns.ID, err)
		}
		snap.Nodes[id] = node
	}

	for i, es := range s.Edges {
		if es.MaxRetries != nil && *es.MaxRetries < 0 {
			return domain.Snapshot{}, fmt.Errorf("%w: pipeline %s edge[%d]: max_retries must not be negative", domain.ErrConfigInvalid, s.ID, i)
		}
		if es.RetryDelayMS != nil && *es.RetryDelayMS < 0 {
			return domain.Snapshot{}, fmt.Errorf("%w: pipeline %s edge[%d]: retry_delay_ms must not be negative", domain.ErrConfigInvalid, s.ID, i)
		}
		id := es.ID
		if id == "" {
			id = fmt.Sprintf("e%d-%d", es.Source, es.Target)
		}
		snap.Edges = append(snap.Edges, domain.Edge{
			ID:           id,
			Source:       domain.NodeID(es.Source),
			Target:       domain.NodeID(es.Target),
			AutoChain:    es.AutoChain,
			Condition:    es.Condition,
			MaxRetries:   es.MaxRetries,
			RetryDelayMS: es.RetryDelayMS,
		})
	}

	return snap, nil
}

func (ns NodeSpec) toDomain(workspaceID string) (*domain.Node, error) {
	node := &domain.Node{
		ID:      domain.NodeID(ns.ID),
		Label:   ns.Label,
		Output:  ns.Output,
		AgentID: ns.AgentID,
		Prompt:  ns.Prompt,
	}

	switch kind := domain.NodeKind(strings.ToLower(strings.TrimSpace(ns.Kind))); kind {
	case "":
		node.Kind = domain.NodeKindPassive
		if ns.AgentID != "" || ns.Corpus != nil {
			node.Kind = domain.NodeKindActive
		}
	case domain.NodeKindPassive, domain.NodeKindActive:
		node.Kind = kind
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrConfigInvalid, ns.Kind)
	}

	if ns.Corpus != nil {
		if node.Kind != domain.NodeKindActive {
			return nil, fmt.Errorf("%w: only active nodes may declare a corpus", domain.ErrConfigInvalid)
		}
		if strings.TrimSpace(ns.Corpus.Folder) == "" {
			return nil, fmt.Errorf("%w: corpus folder is required", domain.ErrConfigInvalid)
		}
		ws := ns.Corpus.WorkspaceID
		if ws == "" {
			ws = workspaceID
		}
		node.Corpus = &domain.CorpusSpec{
			FolderPath:  ns.Corpus.Folder,
			WorkspaceID: ws,
			Extensions:  append([]string(nil), ns.Corpus.Extensions...),
		}
	}

	return node, nil
}
