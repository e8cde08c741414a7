package engine

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/polisai/panelflow/pkg/domain"
)

// chainSnapshot builds a passive seed followed by n active nodes in a line.
func chainSnapshot(n int) *domain.Snapshot {
	nodes := []*domain.Node{passiveNode(1, "seed")}
	edges := make([]domain.Edge, 0, n)
	for i := 2; i <= n+1; i++ {
		nodes = append(nodes, activeNode(i, "agent-"+strconv.Itoa(i), "Continue."))
		edges = append(edges, link(i-1, i))
	}
	return newSnapshot(edges, nodes...)
}

// fanInSnapshot builds n passive sources feeding one active node.
func fanInSnapshot(n int) *domain.Snapshot {
	nodes := []*domain.Node{activeNode(n+1, "merger", "Merge.")}
	edges := make([]domain.Edge, 0, n)
	for i := 1; i <= n; i++ {
		nodes = append(nodes, passiveNode(i, "source "+strconv.Itoa(i)))
		edges = append(edges, link(i, n+1))
	}
	return newSnapshot(edges, nodes...)
}

func benchmarkRun(b *testing.B, snap *domain.Snapshot) {
	b.Helper()
	executor := NewExecutor(ExecutorConfig{
		Invoker: &scriptedAgent{},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		run, err := executor.Run(ctx, snap)
		if err != nil {
			b.Fatalf("run failed: %v", err)
		}
		if run.State().Status != domain.RunStatusCompleted {
			b.Fatalf("unexpected status %s", run.State().Status)
		}
	}
}

func BenchmarkExecutor_Chain(b *testing.B) {
	for _, n := range []int{1, 10, 50} {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			benchmarkRun(b, chainSnapshot(n))
		})
	}
}

func BenchmarkExecutor_FanIn(b *testing.B) {
	for _, n := range []int{5, 50} {
		b.Run(strconv.Itoa(n), func(b *testing.B) {
			benchmarkRun(b, fanInSnapshot(n))
		})
	}
}
