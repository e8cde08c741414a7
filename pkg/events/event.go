package events

import (
	"errors"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/engine/runtime"
)

// Type names a lifecycle callback.
type Type string

const (
	TypeStepStart        Type = "step_start"
	TypeStepComplete     Type = "step_complete"
	TypeStepFail         Type = "step_fail"
	TypePipelineComplete Type = "pipeline_complete"
	TypePipelineFail     Type = "pipeline_fail"
)

// Event is the wire form of one callback.
type Event struct {
	Type       Type            `json:"type"`
	RunID      string          `json:"run_id"`
	Trigger    runtime.Trigger `json:"trigger,omitempty"`
	NodeID     *domain.NodeID  `json:"node_id,omitempty"`
	Label      string          `json:"label,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Retrying   bool            `json:"retrying,omitempty"`
	Output     string          `json:"output,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Stopped    bool            `json:"stopped,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Envelope wraps an event with its identity and ordering.
type Envelope struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

func nodeRef(id domain.NodeID) *domain.NodeID {
	return &id
}

func stepStartEvent(e runtime.StepStart) Event {
	return Event{
		Type:     TypeStepStart,
		RunID:    e.RunID,
		Trigger:  e.Trigger,
		NodeID:   nodeRef(e.NodeID),
		Label:    e.Label,
		Attempt:  e.Attempt,
		Retrying: e.Retrying(),
	}
}

func stepCompleteEvent(e runtime.StepResult) Event {
	return Event{
		Type:       TypeStepComplete,
		RunID:      e.RunID,
		Trigger:    e.Trigger,
		NodeID:     nodeRef(e.NodeID),
		Label:      e.Label,
		Output:     e.Output,
		Skipped:    e.Skipped,
		Attempts:   e.Attempts,
		DurationMS: e.Duration.Milliseconds(),
	}
}

func stepFailEvent(e runtime.StepFailure) Event {
	ev := Event{
		Type:     TypeStepFail,
		RunID:    e.RunID,
		Trigger:  e.Trigger,
		NodeID:   nodeRef(e.NodeID),
		Label:    e.Label,
		Attempts: e.Attempts,
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	return ev
}

func pipelineFailEvent(runID string, err error) Event {
	ev := Event{Type: TypePipelineFail, RunID: runID, Stopped: errors.Is(err, domain.ErrRunStopped)}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
