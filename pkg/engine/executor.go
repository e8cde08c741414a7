package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/polisai/panelflow/internal/governance"
	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/engine/expr"
	"github.com/polisai/panelflow/pkg/engine/prompt"
	"github.com/polisai/panelflow/pkg/engine/runtime"
	"github.com/polisai/panelflow/pkg/engine/topo"
	"github.com/polisai/panelflow/pkg/storage"
	"github.com/polisai/panelflow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRetryDelayFloor is the shortest wait between node attempts.
const DefaultRetryDelayFloor = time.Second

// LiveReader re-reads a node's current output from the authoring collaborator
// when the output store has nothing for it.
type LiveReader interface {
	LiveOutput(ctx context.Context, id domain.NodeID) (string, bool)
}

// LiveReaderFunc adapts a function to LiveReader.
type LiveReaderFunc func(ctx context.Context, id domain.NodeID) (string, bool)

// LiveOutput calls f.
func (f LiveReaderFunc) LiveOutput(ctx context.Context, id domain.NodeID) (string, bool) {
	return f(ctx, id)
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Invoker runtime.AgentInvoker
	// Outputs is shared with the auto-chain path. Nil means a fresh memory store.
	Outputs storage.OutputStore
	// Summarizer runs active nodes that declare a corpus.
	Summarizer runtime.CorpusSummarizer
	Observer   runtime.Observer
	// Live backs readiness checks of auto-chain targets.
	Live       LiveReader
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Evaluator  *expr.Evaluator
	Assembler  prompt.Assembler
	Redactions []telemetry.Redaction

	// RetryDelayFloor bounds the per-node retry delay from below. Zero means
	// DefaultRetryDelayFloor.
	RetryDelayFloor time.Duration
	// Sleep waits between node attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor walks pipeline snapshots in dependency order and runs auto-chain
// notifications against the same output store.
type Executor struct {
	invoker    runtime.AgentInvoker
	outputs    storage.OutputStore
	summarizer runtime.CorpusSummarizer
	observer   runtime.Observer
	live       LiveReader
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	eval       *expr.Evaluator
	assembler  prompt.Assembler
	redactions []telemetry.Redaction
	delayFloor time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		invoker:    cfg.Invoker,
		outputs:    cfg.Outputs,
		summarizer: cfg.Summarizer,
		observer:   cfg.Observer,
		live:       cfg.Live,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		eval:       cfg.Evaluator,
		assembler:  cfg.Assembler,
		redactions: cfg.Redactions,
		delayFloor: cfg.RetryDelayFloor,
		sleep:      cfg.Sleep,
	}
	if e.outputs == nil {
		e.outputs = storage.NewMemoryOutputStore()
	}
	if e.observer == nil {
		e.observer = runtime.NopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.eval == nil {
		e.eval = expr.NewEvaluator(expr.Options{})
	}
	if e.delayFloor <= 0 {
		e.delayFloor = DefaultRetryDelayFloor
	}
	return e
}

// Outputs returns the shared panel-output store.
func (e *Executor) Outputs() storage.OutputStore {
	return e.outputs
}

// RunState is a point-in-time view of one pipeline run.
type RunState struct {
	RunID       string           `json:"run_id"`
	PipelineID  string           `json:"pipeline_id"`
	Generation  int64            `json:"generation"`
	Status      domain.RunStatus `json:"status"`
	Order       []domain.NodeID  `json:"order,omitempty"`
	CurrentNode *domain.NodeID   `json:"current_node,omitempty"`
	Skipped     []domain.NodeID  `json:"skipped,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`

	Err error `json:"-"`
}

// Run tracks the state of one pipeline invocation. It is safe for concurrent
// readers while the executor drives it.
type Run struct {
	mu    sync.RWMutex
	state RunState
}

// NewRun creates an idle run for snap.
func NewRun(snap *domain.Snapshot) *Run {
	state := RunState{RunID: uuid.NewString(), Status: domain.RunStatusIdle}
	if snap != nil {
		state.PipelineID = snap.ID
		state.Generation = snap.Generation
	}
	return &Run{state: state}
}

// ID returns the run identifier.
func (r *Run) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.RunID
}

// State returns a copy of the current state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.state
	s.Order = slices.Clone(r.state.Order)
	s.Skipped = slices.Clone(r.state.Skipped)
	if r.state.CurrentNode != nil {
		id := *r.state.CurrentNode
		s.CurrentNode = &id
	}
	return s
}

func (r *Run) update(fn func(s *RunState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

func (r *Run) finish(status domain.RunStatus, err error) {
	now := time.Now()
	r.update(func(s *RunState) {
		s.Status = status
		s.Err = err
		if err != nil {
			s.Error = err.Error()
		}
		s.FinishedAt = &now
	})
}

// Run executes snap to a terminal state and returns the finished run. The
// error is nil only when the run completed.
func (e *Executor) Run(ctx context.Context, snap *domain.Snapshot) (*Run, error) {
	run := NewRun(snap)
	return run, e.Execute(ctx, run, snap)
}

// Execute drives run through snap. Nodes touched by edges run strictly one at
// a time in topological order. A cycle fails the run before anything executes;
// cancelling ctx stops it before the next node starts, keeping the outputs of
// nodes that already completed.
func (e *Executor) Execute(ctx context.Context, run *Run, snap *domain.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", domain.ErrConfigInvalid)
	}
	runID := run.ID()

	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", snap.ID),
		attribute.String("workspace.id", snap.WorkspaceID),
		attribute.Int64("pipeline.generation", snap.Generation),
		attribute.String("run.id", runID),
	))
	defer span.End()

	started := time.Now()
	run.update(func(s *RunState) {
		s.Status = domain.RunStatusRunning
		s.StartedAt = &started
	})
	e.metrics.RunStarted()

	order, err := topo.Order(snap.Edges)
	if err != nil {
		return e.failRun(ctx, span, run, snap, err)
	}
	run.update(func(s *RunState) { s.Order = order })
	span.SetAttributes(attribute.Int("pipeline.node_count", len(order)))

	e.logger.Info("executing pipeline",
		"pipeline_id", snap.ID,
		"run_id", runID,
		"nodes", len(order),
	)

	for _, id := range order {
		if ctx.Err() != nil {
			return e.stopRun(ctx, span, run, snap)
		}

		node, ok := snap.Node(id)
		if !ok {
			return e.failRun(ctx, span, run, snap, &domain.NodeError{NodeID: id, Err: domain.ErrNodeNotFound})
		}
		current := id
		run.update(func(s *RunState) { s.CurrentNode = &current })

		outcome, err := e.runStep(ctx, step{runID: runID, trigger: runtime.TriggerRun, snap: snap, node: node, retry: true})
		if err != nil {
			if ctx.Err() != nil {
				return e.stopRun(ctx, span, run, snap)
			}
			return e.failRun(ctx, span, run, snap, err)
		}
		if outcome.skipped {
			run.update(func(s *RunState) { s.Skipped = append(s.Skipped, id) })
		}
	}

	run.finish(domain.RunStatusCompleted, nil)
	e.recordRun(ctx, snap, domain.RunStatusCompleted)
	e.logger.Info("pipeline execution complete",
		"pipeline_id", snap.ID,
		"run_id", runID,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	e.observer.OnPipelineComplete(runID)
	return nil
}

func (e *Executor) failRun(ctx context.Context, span trace.Span, run *Run, snap *domain.Snapshot, err error) error {
	runID := run.ID()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	run.finish(domain.RunStatusFailed, err)
	e.recordRun(ctx, snap, domain.RunStatusFailed)
	e.logger.Error("pipeline execution failed",
		"pipeline_id", snap.ID,
		"run_id", runID,
		"error", err,
	)
	e.observer.OnPipelineFail(runID, err)
	return err
}

func (e *Executor) stopRun(ctx context.Context, span trace.Span, run *Run, snap *domain.Snapshot) error {
	runID := run.ID()
	err := fmt.Errorf("%w: %w", domain.ErrRunStopped, context.Cause(ctx))
	span.SetAttributes(attribute.String("run.status", string(domain.RunStatusStopped)))

	run.finish(domain.RunStatusStopped, err)
	e.recordRun(ctx, snap, domain.RunStatusStopped)
	e.logger.Warn("pipeline execution stopped",
		"pipeline_id", snap.ID,
		"run_id", runID,
	)
	e.observer.OnPipelineFail(runID, err)
	return err
}

func (e *Executor) recordRun(ctx context.Context, snap *domain.Snapshot, status domain.RunStatus) {
	telemetry.RecordRunMetrics(context.WithoutCancel(ctx), snap.ID, string(status))
	e.metrics.RunFinished(string(status))
}

// step is one execution of a node, either inside a full run or from an
// auto-chain notification.
type step struct {
	runID   string
	trigger runtime.Trigger
	snap    *domain.Snapshot
	node    *domain.Node
	// retry applies the incoming edges' retry policy. Auto-chain executions
	// never retry.
	retry bool
}

type stepOutcome struct {
	output   string
	skipped  bool
	attempts int
}

// runStep executes one node and records its output. Errors other than
// cancellation are *domain.NodeError values already reported to the observer.
func (e *Executor) runStep(ctx context.Context, st step) (stepOutcome, error) {
	node := st.node
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.Int("node.id", int(node.ID)),
		attribute.String("node.kind", string(node.Kind)),
		attribute.String("node.trigger", string(st.trigger)),
		attribute.String("run.id", st.runID),
	))
	defer span.End()

	start := time.Now()
	e.observer.OnStepStart(runtime.StepStart{
		RunID:   st.runID,
		Trigger: st.trigger,
		NodeID:  node.ID,
		Label:   node.DisplayLabel(),
		Attempt: 1,
	})

	if !node.IsActive() {
		e.outputs.Set(node.ID, node.Output)
		return e.completeStep(ctx, span, st, stepOutcome{output: node.Output, attempts: 1}, time.Since(start)), nil
	}

	upstream, pass := e.gate(st.snap, node.ID)
	if !pass {
		e.outputs.Set(node.ID, "")
		e.logger.Info("node skipped by edge conditions",
			"pipeline_id", st.snap.ID,
			"node_id", int(node.ID),
		)
		return e.completeStep(ctx, span, st, stepOutcome{skipped: true, attempts: 1}, time.Since(start)), nil
	}

	if node.AgentID == "" {
		return stepOutcome{}, e.failStep(ctx, span, st, 1, time.Since(start), domain.ErrAgentNotConfigured)
	}

	input := e.assembler.Build(node.Prompt, upstream)
	span.SetAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("agent.id", node.AgentID),
		attribute.Int("agent.prompt_bytes", len(input)),
		attribute.String("agent.prompt", input),
	})...)

	policy := e.retryPolicy(st)
	var output string
	attempts, err := policy.Execute(ctx, func(ctx context.Context, _ int) error {
		out, err := e.invoke(ctx, node, input)
		output = out
		return err
	}, func(n governance.RetryNotice) {
		telemetry.RecordRetryEvent(span, n.Attempt, n.Delay, n.Err)
		e.logger.Warn("retrying node",
			"pipeline_id", st.snap.ID,
			"node_id", int(node.ID),
			"attempt", n.Attempt,
			"delay_ms", n.Delay.Milliseconds(),
			"error", n.Err,
		)
		e.observer.OnStepStart(runtime.StepStart{
			RunID:   st.runID,
			Trigger: st.trigger,
			NodeID:  node.ID,
			Label:   node.DisplayLabel(),
			Attempt: n.Attempt,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return stepOutcome{attempts: attempts}, ctx.Err()
		}
		return stepOutcome{attempts: attempts}, e.failStep(ctx, span, st, attempts, time.Since(start), err)
	}
	if ctx.Err() != nil {
		// The call finished after a stop request; its output is discarded.
		return stepOutcome{attempts: attempts}, ctx.Err()
	}

	e.outputs.Set(node.ID, output)
	return e.completeStep(ctx, span, st, stepOutcome{output: output, attempts: attempts}, time.Since(start)), nil
}

// gate evaluates every incoming edge against its source's cached output. The
// node runs when at least one edge passes; an edge without a condition always
// passes. Only passing edges supply upstream content.
func (e *Executor) gate(snap *domain.Snapshot, id domain.NodeID) ([]prompt.Upstream, bool) {
	incoming := snap.IncomingEdges(id)
	if len(incoming) == 0 {
		return nil, true
	}

	var upstream []prompt.Upstream
	conditioned, passed := false, false
	for _, edge := range incoming {
		out, _ := e.outputs.Get(edge.Source)
		if edge.HasCondition() {
			conditioned = true
		}
		if !e.eval.Evaluate(edge.ConditionText(), out) {
			continue
		}
		passed = true

		up := prompt.Upstream{NodeID: edge.Source, Output: out}
		if src, ok := snap.Node(edge.Source); ok {
			up.Label = src.DisplayLabel()
		}
		upstream = append(upstream, up)
	}
	return upstream, !conditioned || passed
}

// retryPolicy derives the node's policy from its incoming edges: the largest
// declared retry count and delay win, and the delay never drops below the
// configured floor.
func (e *Executor) retryPolicy(st step) *governance.RetryPolicy {
	maxRetries := 0
	delay := e.delayFloor
	if st.retry {
		for _, edge := range st.snap.IncomingEdges(st.node.ID) {
			if edge.MaxRetries != nil && *edge.MaxRetries > maxRetries {
				maxRetries = *edge.MaxRetries
			}
			if edge.RetryDelayMS != nil {
				delay = max(delay, time.Duration(*edge.RetryDelayMS)*time.Millisecond)
			}
		}
	}

	return governance.NewRetryPolicy(governance.RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: delay,
		Mode:           governance.BackoffFixed,
		Retryable: func(err error) bool {
			return !domain.IsConfigurationError(err)
		},
		Sleep: e.sleep,
	})
}

// invoke runs one attempt of an active node.
func (e *Executor) invoke(ctx context.Context, node *domain.Node, input string) (string, error) {
	started := time.Now()
	var (
		out string
		err error
	)
	switch {
	case node.Corpus != nil && e.summarizer != nil:
		out, err = e.summarizer.Summarize(ctx, node, input)
	case node.Corpus != nil:
		err = fmt.Errorf("%w: node %d declares a corpus but no summarizer is configured", domain.ErrConfigInvalid, int(node.ID))
	case e.invoker == nil:
		err = fmt.Errorf("%w: no agent invoker configured", domain.ErrAgentNotConfigured)
	default:
		out, err = runtime.CallAgent(ctx, e.invoker, node.AgentID, input)
	}
	e.metrics.RecordAgentCall("node", agentCallStatus(err), time.Since(started))
	return out, err
}

func (e *Executor) completeStep(ctx context.Context, span trace.Span, st step, out stepOutcome, elapsed time.Duration) stepOutcome {
	outcome := telemetry.OutcomeSuccess
	if out.skipped {
		outcome = telemetry.OutcomeSkipped
	}
	span.SetAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("node.outcome", outcome),
		attribute.Int("node.attempts", out.attempts),
		attribute.Int64("node.duration_ms", elapsed.Milliseconds()),
		attribute.String("node.output", out.output),
	})...)
	e.recordNode(ctx, st, outcome, elapsed, out.attempts)

	e.observer.OnStepComplete(runtime.StepResult{
		RunID:    st.runID,
		Trigger:  st.trigger,
		NodeID:   st.node.ID,
		Label:    st.node.DisplayLabel(),
		Output:   out.output,
		Skipped:  out.skipped,
		Attempts: out.attempts,
		Duration: elapsed,
	})
	return out
}

func (e *Executor) failStep(ctx context.Context, span trace.Span, st step, attempts int, elapsed time.Duration, cause error) error {
	err := &domain.NodeError{NodeID: st.node.ID, Attempt: attempts, Err: cause}

	outcome := telemetry.OutcomeFailure
	if errors.Is(cause, domain.ErrRateLimited) {
		outcome = telemetry.OutcomeRateLimited
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(telemetry.RedactAttributes(e.redactions, []attribute.KeyValue{
		attribute.String("node.outcome", outcome),
		attribute.Int("node.attempts", attempts),
		attribute.String("node.error", cause.Error()),
	})...)
	e.recordNode(ctx, st, outcome, elapsed, attempts)

	e.logger.Error("node execution failed",
		"pipeline_id", st.snap.ID,
		"node_id", int(st.node.ID),
		"trigger", string(st.trigger),
		"attempts", attempts,
		"error", cause,
	)
	e.observer.OnStepFail(runtime.StepFailure{
		RunID:    st.runID,
		Trigger:  st.trigger,
		NodeID:   st.node.ID,
		Label:    st.node.DisplayLabel(),
		Attempts: attempts,
		Err:      err,
	})
	return err
}

func (e *Executor) recordNode(ctx context.Context, st step, outcome string, elapsed time.Duration, attempts int) {
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		PipelineID: st.snap.ID,
		NodeID:     int(st.node.ID),
		NodeKind:   string(st.node.Kind),
		Trigger:    string(st.trigger),
		Outcome:    outcome,
		Duration:   elapsed,
		Retries:    max(attempts-1, 0),
	})
}

func agentCallStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "failed"
	}
}
