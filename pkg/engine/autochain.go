package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/engine/runtime"
	"github.com/polisai/panelflow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChainedExecution reports one node executed by an auto-chain notification.
type ChainedExecution struct {
	RunID   string        `json:"run_id"`
	NodeID  domain.NodeID `json:"node_id"`
	Output  string        `json:"output,omitempty"`
	Skipped bool          `json:"skipped,omitempty"`
	Err     error         `json:"-"`
	Error   string        `json:"error,omitempty"`
}

// NodeCompleted reacts to source finishing outside a full run. Every auto-chain
// edge leaving source whose target has non-empty output from all of its
// upstream sources runs that target once, without retries. Successful targets
// cascade to their own auto-chain edges; each node runs at most once per
// notification. Failures are reported to the observer and returned, never
// retried.
func (e *Executor) NodeCompleted(ctx context.Context, snap *domain.Snapshot, source domain.NodeID) []ChainedExecution {
	if snap == nil {
		return nil
	}
	runID := uuid.NewString()

	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "pipeline.autochain", trace.WithAttributes(
		attribute.String("pipeline.id", snap.ID),
		attribute.Int("node.id", int(source)),
		attribute.String("run.id", runID),
	))
	defer span.End()

	var executed []ChainedExecution
	visited := map[domain.NodeID]bool{source: true}
	queue := []domain.NodeID{source}

	for len(queue) > 0 && ctx.Err() == nil {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range snap.OutgoingEdges(current) {
			if !edge.AutoChain || visited[edge.Target] {
				continue
			}
			target, ok := snap.Node(edge.Target)
			if !ok {
				e.logger.Warn("auto-chain target not declared",
					"pipeline_id", snap.ID,
					"node_id", int(edge.Target),
				)
				continue
			}
			if !e.ready(ctx, snap, target.ID) {
				e.logger.Debug("auto-chain target not ready",
					"pipeline_id", snap.ID,
					"node_id", int(target.ID),
				)
				continue
			}
			visited[target.ID] = true

			outcome, err := e.runStep(ctx, step{runID: runID, trigger: runtime.TriggerAutoChain, snap: snap, node: target})
			result := ChainedExecution{RunID: runID, NodeID: target.ID, Output: outcome.output, Skipped: outcome.skipped, Err: err}
			if err != nil {
				result.Error = err.Error()
			}
			executed = append(executed, result)

			if err == nil && !outcome.skipped {
				queue = append(queue, target.ID)
			}
		}
	}

	span.SetAttributes(attribute.Int("autochain.executions", len(executed)))
	return executed
}

// ready reports whether every upstream source of id has non-empty output. A
// source missing from the store is re-read through the live reader and the
// value found is cached.
func (e *Executor) ready(ctx context.Context, snap *domain.Snapshot, id domain.NodeID) bool {
	for _, edge := range snap.IncomingEdges(id) {
		if out, ok := e.outputs.Get(edge.Source); ok && strings.TrimSpace(out) != "" {
			continue
		}
		if e.live == nil {
			return false
		}
		out, ok := e.live.LiveOutput(ctx, edge.Source)
		if !ok || strings.TrimSpace(out) == "" {
			return false
		}
		e.outputs.Set(edge.Source, out)
	}
	return true
}
