// Package runtime defines the contracts shared by the pipeline executor, the
// auto-chain trigger, and their collaborators, keeping business logic decoupled
// from execution mechanics.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
)

// AgentInvoker performs a single language-model call for an agent identity.
// Rate limiting must surface as an error matching domain.ErrRateLimited.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, prompt string) (domain.AgentResult, error)
}

// AgentInvokerFunc adapts a function to AgentInvoker.
type AgentInvokerFunc func(ctx context.Context, agentID, prompt string) (domain.AgentResult, error)

// Invoke calls f.
func (f AgentInvokerFunc) Invoke(ctx context.Context, agentID, prompt string) (domain.AgentResult, error) {
	return f(ctx, agentID, prompt)
}

// Trigger tells observers what started an execution.
type Trigger string

const (
	// TriggerRun marks steps of a full pipeline run.
	TriggerRun Trigger = "run"
	// TriggerAutoChain marks executions started by an auto-chain edge.
	TriggerAutoChain Trigger = "autochain"
)

// StepStart is reported before every attempt of a node. Attempt > 1 means the
// node is being retried.
type StepStart struct {
	RunID   string
	Trigger Trigger
	NodeID  domain.NodeID
	Label   string
	Attempt int
}

// Retrying reports whether this start is a reattempt.
func (s StepStart) Retrying() bool {
	return s.Attempt > 1
}

// StepResult is reported when a node finishes successfully or is skipped.
type StepResult struct {
	RunID    string
	Trigger  Trigger
	NodeID   domain.NodeID
	Label    string
	Output   string
	Skipped  bool
	Attempts int
	Duration time.Duration
}

// StepFailure is reported when a node fails for good.
type StepFailure struct {
	RunID    string
	Trigger  Trigger
	NodeID   domain.NodeID
	Label    string
	Attempts int
	Err      error
}

// Observer receives execution progress. Callbacks run synchronously on the
// executing goroutine and must not block for long.
type Observer interface {
	OnStepStart(StepStart)
	OnStepComplete(StepResult)
	OnStepFail(StepFailure)
	OnPipelineComplete(runID string)
	// OnPipelineFail is also used for stopped runs; err then matches
	// domain.ErrRunStopped.
	OnPipelineFail(runID string, err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

// OnStepStart does nothing.
func (NopObserver) OnStepStart(StepStart) {}

// OnStepComplete does nothing.
func (NopObserver) OnStepComplete(StepResult) {}

// OnStepFail does nothing.
func (NopObserver) OnStepFail(StepFailure) {}

// OnPipelineComplete does nothing.
func (NopObserver) OnPipelineComplete(string) {}

// OnPipelineFail does nothing.
func (NopObserver) OnPipelineFail(string, error) {}

// Observers fans callbacks out to every member in order.
type Observers []Observer

// OnStepStart forwards a step start to each observer.
func (o Observers) OnStepStart(e StepStart) {
	for _, obs := range o {
		obs.OnStepStart(e)
	}
}

// OnStepComplete forwards a step result to each observer.
func (o Observers) OnStepComplete(e StepResult) {
	for _, obs := range o {
		obs.OnStepComplete(e)
	}
}

// OnStepFail forwards a step failure to each observer.
func (o Observers) OnStepFail(e StepFailure) {
	for _, obs := range o {
		obs.OnStepFail(e)
	}
}

// OnPipelineComplete forwards run completion to each observer.
func (o Observers) OnPipelineComplete(runID string) {
	for _, obs := range o {
		obs.OnPipelineComplete(runID)
	}
}

// OnPipelineFail forwards run failure to each observer.
func (o Observers) OnPipelineFail(runID string, err error) {
	for _, obs := range o {
		obs.OnPipelineFail(runID, err)
	}
}

// CorpusSummarizer produces the summary of a node's declared corpus, calling
// the agent as needed.
type CorpusSummarizer interface {
	Summarize(ctx context.Context, node *domain.Node, prompt string) (string, error)
}

// CallAgent invokes agentID and folds a failed AgentResult into an error
// wrapping domain.ErrAgentFailed.
func CallAgent(ctx context.Context, invoker AgentInvoker, agentID, prompt string) (string, error) {
	if agentID == "" {
		return "", domain.ErrAgentNotConfigured
	}
	res, err := invoker.Invoke(ctx, agentID, prompt)
	if err != nil {
		return "", err
	}
	if res.Status != domain.AgentStatusCompleted {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "agent reported failure"
		}
		return "", fmt.Errorf("%w: %s", domain.ErrAgentFailed, msg)
	}
	return res.OutputText, nil
}
