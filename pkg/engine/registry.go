package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/panelflow/pkg/domain"
)

// PipelineRegistry holds the current snapshot of every pipeline and
// serializes runs: at most one run per pipeline executes at a time.
// Snapshot updates never affect a run already in progress.
type PipelineRegistry struct {
	mu                sync.RWMutex
	snapshots         map[string]*domain.Snapshot
	runs              map[string]*activeRun
	currentGeneration int64
	executor          *Executor
	logger            *slog.Logger
}

type activeRun struct {
	run    *Run
	cancel context.CancelFunc
	done   chan struct{}
}

func (a *activeRun) finished() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// NewPipelineRegistry creates an empty registry that runs pipelines on executor.
func NewPipelineRegistry(executor *Executor, logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRegistry{
		snapshots: make(map[string]*domain.Snapshot),
		runs:      make(map[string]*activeRun),
		executor:  executor,
		logger:    logger,
	}
}

// UpdateSnapshots atomically replaces the registered pipelines. Every stored
// snapshot is stamped with the new generation.
func (pr *PipelineRegistry) UpdateSnapshots(snapshots []domain.Snapshot) error {
	if err := validateSnapshots(snapshots); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	pr.mu.Lock()
	pr.currentGeneration++
	generation := pr.currentGeneration
	next := make(map[string]*domain.Snapshot, len(snapshots))
	for i := range snapshots {
		snap := snapshots[i]
		snap.Generation = generation
		next[snap.ID] = &snap
	}
	pr.snapshots = next
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		"generation", generation,
		"pipeline_count", len(next),
	)
	return nil
}

// Watch applies every snapshot set published by svc until ctx is done.
// Invalid sets are logged and skipped, keeping the last good state.
func (pr *PipelineRegistry) Watch(ctx context.Context, svc domain.SnapshotService) {
	updates := svc.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snaps, ok := <-updates:
			if !ok {
				return
			}
			if err := pr.UpdateSnapshots(snaps); err != nil {
				pr.logger.Error("rejected pipeline update", "error", err)
			}
		}
	}
}

// Generation returns the number of accepted updates.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.currentGeneration
}

// Snapshot returns the current snapshot of a pipeline.
func (pr *PipelineRegistry) Snapshot(pipelineID string) (*domain.Snapshot, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	snap, ok := pr.snapshots[pipelineID]
	return snap, ok
}

// ListSnapshots returns the registered snapshots ordered by ID.
func (pr *PipelineRegistry) ListSnapshots() []domain.Snapshot {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]domain.Snapshot, 0, len(pr.snapshots))
	for _, snap := range pr.snapshots {
		result = append(result, *snap)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// StartRun begins an asynchronous run of the pipeline's current snapshot. The
// run outlives ctx's cancellation but keeps its values; stop it with StopRun.
func (pr *PipelineRegistry) StartRun(ctx context.Context, pipelineID string) (*Run, error) {
	pr.mu.Lock()
	snap, ok := pr.snapshots[pipelineID]
	if !ok {
		pr.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	if current, ok := pr.runs[pipelineID]; ok && !current.finished() {
		pr.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrRunInProgress, current.run.ID())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeRun{run: NewRun(snap), cancel: cancel, done: make(chan struct{})}
	pr.runs[pipelineID] = active
	pr.mu.Unlock()

	pr.logger.Info("pipeline run started",
		"pipeline_id", pipelineID,
		"run_id", active.run.ID(),
		"generation", snap.Generation,
	)

	go func() {
		defer close(active.done)
		defer cancel()
		_ = pr.executor.Execute(runCtx, active.run, snap)
	}()
	return active.run, nil
}

// CurrentRun returns the state of the most recent run of a pipeline.
func (pr *PipelineRegistry) CurrentRun(pipelineID string) (RunState, bool) {
	pr.mu.RLock()
	active, ok := pr.runs[pipelineID]
	pr.mu.RUnlock()
	if !ok {
		return RunState{}, false
	}
	return active.run.State(), true
}

// StopRun requests cooperative cancellation of the pipeline's active run. The
// run stops before its next node starts.
func (pr *PipelineRegistry) StopRun(pipelineID string) (RunState, error) {
	pr.mu.RLock()
	active, ok := pr.runs[pipelineID]
	pr.mu.RUnlock()
	if !ok || active.finished() {
		return RunState{}, fmt.Errorf("%w: %s", domain.ErrNoActiveRun, pipelineID)
	}

	active.cancel()
	pr.logger.Info("pipeline run stop requested",
		"pipeline_id", pipelineID,
		"run_id", active.run.ID(),
	)
	return active.run.State(), nil
}

// WaitRun blocks until the pipeline's most recent run finishes or ctx is done.
func (pr *PipelineRegistry) WaitRun(ctx context.Context, pipelineID string) (RunState, error) {
	pr.mu.RLock()
	active, ok := pr.runs[pipelineID]
	pr.mu.RUnlock()
	if !ok {
		return RunState{}, fmt.Errorf("%w: %s", domain.ErrNoActiveRun, pipelineID)
	}

	select {
	case <-ctx.Done():
		return active.run.State(), ctx.Err()
	case <-active.done:
		return active.run.State(), nil
	}
}

// NodeCompleted records an out-of-band completion of nodeID and runs the
// auto-chain edges leaving it. A non-nil output replaces the cached output of
// the node first.
func (pr *PipelineRegistry) NodeCompleted(ctx context.Context, pipelineID string, nodeID domain.NodeID, output *string) ([]ChainedExecution, error) {
	snap, ok := pr.Snapshot(pipelineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, pipelineID)
	}
	if _, ok := snap.Node(nodeID); !ok {
		return nil, fmt.Errorf("%w: %d in pipeline %s", domain.ErrNodeNotFound, int(nodeID), pipelineID)
	}
	if output != nil {
		pr.executor.Outputs().Set(nodeID, *output)
	}
	return pr.executor.NodeCompleted(ctx, snap, nodeID), nil
}

// Shutdown stops every active run and waits for them to finish or ctx to end.
func (pr *PipelineRegistry) Shutdown(ctx context.Context) error {
	pr.mu.RLock()
	active := make([]*activeRun, 0, len(pr.runs))
	for _, run := range pr.runs {
		active = append(active, run)
	}
	pr.mu.RUnlock()

	for _, run := range active {
		run.cancel()
	}
	for _, run := range active {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-run.done:
		}
	}
	return nil
}

// validateSnapshots performs structural validation on pipeline snapshots.
// Cycles are left to the run itself, which fails before executing anything.
func validateSnapshots(snapshots []domain.Snapshot) error {
	seenIDs := make(map[string]bool)

	for i, snap := range snapshots {
		if snap.ID == "" {
			return fmt.Errorf("pipeline[%d]: ID is required", i)
		}
		if seenIDs[snap.ID] {
			return fmt.Errorf("pipeline[%d]: duplicate ID %q", i, snap.ID)
		}
		seenIDs[snap.ID] = true

		for id, node := range snap.Nodes {
			if node == nil {
				return fmt.Errorf("pipeline %q: node %d is nil", snap.ID, int(id))
			}
			if node.ID != id {
				return fmt.Errorf("pipeline %q: node keyed %d declares ID %d", snap.ID, int(id), int(node.ID))
			}
			switch node.Kind {
			case domain.NodeKindPassive, domain.NodeKindActive:
			default:
				return fmt.Errorf("pipeline %q node %d: unknown kind %q", snap.ID, int(id), node.Kind)
			}
		}

		for j, edge := range snap.Edges {
			if _, ok := snap.Nodes[edge.Source]; !ok {
				return fmt.Errorf("pipeline %q edge[%d]: source node %d not found", snap.ID, j, int(edge.Source))
			}
			if _, ok := snap.Nodes[edge.Target]; !ok {
				return fmt.Errorf("pipeline %q edge[%d]: target node %d not found", snap.ID, j, int(edge.Target))
			}
		}
	}

	return nil
}
