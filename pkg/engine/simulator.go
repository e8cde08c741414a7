package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/engine/runtime"
	"github.com/polisai/panelflow/pkg/storage"
)

// SimulationRequest describes a dry run. Agent calls never leave the process.
type SimulationRequest struct {
	Snapshot *domain.Snapshot
	// Responses maps an agent ID to the text its calls return. Agents without
	// an entry echo a placeholder naming the agent and the prompt size.
	Responses map[string]string
	// Failures makes the first N calls to an agent fail, exercising retries.
	Failures map[string]int
	// Seed pre-populates the output store.
	Seed map[domain.NodeID]string
}

// TraceEntry is one lifecycle callback observed during a simulation.
type TraceEntry struct {
	Event   string        `json:"event"`
	NodeID  domain.NodeID `json:"node_id,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Output  string        `json:"output,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Run     RunState                 `json:"run"`
	Trace   []TraceEntry             `json:"trace"`
	Prompts map[string][]string      `json:"prompts"`
	Outputs map[domain.NodeID]string `json:"outputs"`
}

// Simulator executes snapshots deterministically without side effects: agent
// calls are stubbed, retry waits are skipped, and outputs go to a private
// store.
type Simulator struct {
	logger *slog.Logger
}

// NewSimulator creates a new deterministic pipeline simulator.
func NewSimulator(logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{logger: logger}
}

// Simulate runs req.Snapshot to a terminal state and returns the trace. A
// failed or stopped run is reported in the result, not as an error.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResult, error) {
	if req.Snapshot == nil {
		return nil, fmt.Errorf("%w: simulation requires a snapshot", domain.ErrConfigInvalid)
	}
	s.logger.Info("starting pipeline simulation", "pipeline_id", req.Snapshot.ID)

	outputs := storage.NewMemoryOutputStore()
	for id, out := range req.Seed {
		outputs.Set(id, out)
	}

	stub := &stubAgent{responses: req.Responses, failures: make(map[string]int), prompts: make(map[string][]string)}
	for agent, n := range req.Failures {
		stub.failures[agent] = n
	}
	trace := &traceRecorder{}

	executor := NewExecutor(ExecutorConfig{
		Invoker:    stub,
		Outputs:    outputs,
		Summarizer: stub,
		Observer:   trace,
		Logger:     s.logger,
		Sleep:      func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})

	run, _ := executor.Run(ctx, req.Snapshot)
	return &SimulationResult{
		Run:     run.State(),
		Trace:   trace.entries(),
		Prompts: stub.recorded(),
		Outputs: outputs.Snapshot(),
	}, nil
}

// stubAgent answers agent and corpus calls from canned responses.
type stubAgent struct {
	mu        sync.Mutex
	responses map[string]string
	failures  map[string]int
	prompts   map[string][]string
}

func (a *stubAgent) Invoke(_ context.Context, agentID, prompt string) (domain.AgentResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prompts[agentID] = append(a.prompts[agentID], prompt)
	if a.failures[agentID] > 0 {
		a.failures[agentID]--
		return domain.AgentResult{Status: domain.AgentStatusFailed, ErrorMessage: "simulated failure"}, nil
	}
	out, ok := a.responses[agentID]
	if !ok {
		out = fmt.Sprintf("[simulated %s: %d byte prompt]", agentID, len(prompt))
	}
	return domain.AgentResult{Status: domain.AgentStatusCompleted, OutputText: out}, nil
}

func (a *stubAgent) Summarize(ctx context.Context, node *domain.Node, prompt string) (string, error) {
	return runtime.CallAgent(ctx, a, node.AgentID, prompt)
}

func (a *stubAgent) recorded() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]string, len(a.prompts))
	for k, v := range a.prompts {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// traceRecorder collects callbacks in order.
type traceRecorder struct {
	mu   sync.Mutex
	list []TraceEntry
}

func (r *traceRecorder) add(e TraceEntry) {
	r.mu.Lock()
	r.list = append(r.list, e)
	r.mu.Unlock()
}

func (r *traceRecorder) entries() []TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEntry(nil), r.list...)
}

func (r *traceRecorder) OnStepStart(e runtime.StepStart) {
	r.add(TraceEntry{Event: "step_start", NodeID: e.NodeID, Attempt: e.Attempt})
}

func (r *traceRecorder) OnStepComplete(e runtime.StepResult) {
	r.add(TraceEntry{Event: "step_complete", NodeID: e.NodeID, Attempt: e.Attempts, Output: e.Output, Skipped: e.Skipped})
}

func (r *traceRecorder) OnStepFail(e runtime.StepFailure) {
	r.add(TraceEntry{Event: "step_fail", NodeID: e.NodeID, Attempt: e.Attempts, Error: e.Err.Error()})
}

func (r *traceRecorder) OnPipelineComplete(string) {
	r.add(TraceEntry{Event: "pipeline_complete"})
}

func (r *traceRecorder) OnPipelineFail(_ string, err error) {
	r.add(TraceEntry{Event: "pipeline_fail", Error: err.Error()})
}
