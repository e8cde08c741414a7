package domain

import (
	"fmt"
	"strings"
)

// NodeID identifies a panel within a pipeline snapshot.
type NodeID int

// String renders the node identifier for logs and span attributes.
func (id NodeID) String() string {
	return fmt.Sprintf("%d", int(id))
}

// NodeKind distinguishes static content panels from agent-backed panels.
type NodeKind string

const (
	// NodeKindPassive nodes carry an already-available static output.
	NodeKindPassive NodeKind = "passive"
	// NodeKindActive nodes require an external agent call to produce output.
	NodeKindActive NodeKind = "active"
)

// Node is one execution unit in the pipeline graph.
type Node struct {
	ID    NodeID
	Kind  NodeKind
	Label string

	// Output is the static text of a passive node.
	Output string

	// AgentID and Prompt address the external agent for active nodes.
	AgentID string
	Prompt  string

	// Corpus marks an active node as a large-corpus summarization task.
	Corpus *CorpusSpec
}

// DisplayLabel returns the label used when the node's output is embedded in a
// downstream prompt.
func (n *Node) DisplayLabel() string {
	if n == nil {
		return ""
	}
	if label := strings.TrimSpace(n.Label); label != "" {
		return label
	}
	return fmt.Sprintf("Node %d", int(n.ID))
}

// IsActive reports whether executing the node requires an agent call.
func (n *Node) IsActive() bool {
	return n != nil && n.Kind == NodeKindActive
}

// CorpusSpec describes the folder a summarization node reduces into one report.
type CorpusSpec struct {
	FolderPath  string
	WorkspaceID string
	Extensions  []string
}

// Edge is a directed dependency from one node's output to another node's input.
type Edge struct {
	ID           string
	Source       NodeID
	Target       NodeID
	AutoChain    bool
	Condition    *string
	MaxRetries   *int
	RetryDelayMS *int
}

// ConditionText returns the edge condition or the empty string when absent.
func (e Edge) ConditionText() string {
	if e.Condition == nil {
		return ""
	}
	return *e.Condition
}

// HasCondition reports whether the edge gates its target on a non-blank condition.
func (e Edge) HasCondition() bool {
	return strings.TrimSpace(e.ConditionText()) != ""
}

// Snapshot is the typed configuration the authoring collaborator hands to the
// engine: every declared node plus the edges between them.
type Snapshot struct {
	ID          string
	WorkspaceID string
	Generation  int64
	Nodes       map[NodeID]*Node
	Edges       []Edge
}

// Node returns the declared node for id.
func (s *Snapshot) Node(id NodeID) (*Node, bool) {
	if s == nil || s.Nodes == nil {
		return nil, false
	}
	n, ok := s.Nodes[id]
	return n, ok
}

// IncomingEdges returns the edges targeting id in declaration order.
func (s *Snapshot) IncomingEdges(id NodeID) []Edge {
	if s == nil {
		return nil
	}
	var incoming []Edge
	for _, e := range s.Edges {
		if e.Target == id {
			incoming = append(incoming, e)
		}
	}
	return incoming
}

// OutgoingEdges returns the edges leaving id in declaration order.
func (s *Snapshot) OutgoingEdges(id NodeID) []Edge {
	if s == nil {
		return nil
	}
	var outgoing []Edge
	for _, e := range s.Edges {
		if e.Source == id {
			outgoing = append(outgoing, e)
		}
	}
	return outgoing
}

// RunStatus is the lifecycle state of one pipeline invocation.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// AgentStatus is the completion status reported by the agent collaborator.
type AgentStatus string

const (
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// AgentResult is the outcome of a single external agent call.
type AgentResult struct {
	Status       AgentStatus `json:"status"`
	OutputText   string      `json:"output_text,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}
