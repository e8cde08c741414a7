package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrCycleDetected      = errors.New("cycle detected in pipeline graph")
	ErrNodeNotFound       = errors.New("node not found")
	ErrAgentNotConfigured = errors.New("agent not configured")
	ErrAgentFailed        = errors.New("agent call failed")
	ErrRateLimited        = errors.New("agent call rate limited")
	ErrRunStopped         = errors.New("pipeline run stopped")
	ErrRunInProgress      = errors.New("pipeline run already in progress")
	ErrNoActiveRun        = errors.New("no active pipeline run")
	ErrPipelineNotFound   = errors.New("pipeline not found")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrInputTooLarge      = errors.New("agent input too large")
)

// NodeError attaches the failing node to an execution error.
type NodeError struct {
	NodeID  NodeID
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	if e.Attempt > 1 {
		return fmt.Sprintf("node %d failed after %d attempts: %v", int(e.NodeID), e.Attempt, e.Err)
	}
	return fmt.Sprintf("node %d failed: %v", int(e.NodeID), e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// IsConfigurationError reports whether err stems from node configuration and
// must not be retried.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrAgentNotConfigured) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrInputTooLarge)
}

// ErrorResponse defines the standard JSON error model returned by the HTTP API.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., CYCLE_DETECTED, RUN_IN_PROGRESS)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
