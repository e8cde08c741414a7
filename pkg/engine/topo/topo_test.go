package topo

import (
	"errors"
	"testing"

	"github.com/polisai/panelflow/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func edge(src, dst int) domain.Edge {
	return domain.Edge{Source: domain.NodeID(src), Target: domain.NodeID(dst)}
}

func TestOrder_Chain(t *testing.T) {
	order, err := Order([]domain.Edge{edge(1, 2), edge(2, 3)})
	require.NoError(t, err)
	assert.Equal(t, []domain.NodeID{1, 2, 3}, order)
}

func TestOrder_TiesFollowDiscoveryOrder(t *testing.T) {
	// 5 and 3 are both roots; 5 is discovered first.
	order, err := Order([]domain.Edge{edge(5, 7), edge(3, 7), edge(7, 9)})
	require.NoError(t, err)
	assert.Equal(t, []domain.NodeID{5, 3, 7, 9}, order)
}

func TestOrder_DuplicateEdges(t *testing.T) {
	order, err := Order([]domain.Edge{edge(1, 2), edge(1, 2)})
	require.NoError(t, err)
	assert.Equal(t, []domain.NodeID{1, 2}, order)
}

func TestOrder_Empty(t *testing.T) {
	order, err := Order(nil)
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestOrder_Cycles(t *testing.T) {
	tests := []struct {
		name  string
		edges []domain.Edge
	}{
		{name: "two node cycle", edges: []domain.Edge{edge(1, 2), edge(2, 1)}},
		{name: "self loop", edges: []domain.Edge{edge(4, 4)}},
		{name: "cycle behind a root", edges: []domain.Edge{edge(1, 2), edge(2, 3), edge(3, 2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := Order(tt.edges)
			if !errors.Is(err, domain.ErrCycleDetected) {
				t.Fatalf("expected ErrCycleDetected, got %v", err)
			}
			if order != nil {
				t.Fatalf("expected no partial order, got %v", order)
			}
		})
	}
}

func TestInvolved_DiscoveryOrder(t *testing.T) {
	got := Involved([]domain.Edge{edge(3, 1), edge(1, 2), edge(4, 3)})
	assert.Equal(t, []domain.NodeID{3, 1, 2, 4}, got)
}

// Edges drawn only from lower to higher IDs always form a DAG; every returned
// order must contain each involved node exactly once with sources first.
func TestOrderTopologicalValidityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(rt, "nodes")
		count := rapid.IntRange(1, 30).Draw(rt, "edges")

		edges := make([]domain.Edge, 0, count)
		for i := 0; i < count; i++ {
			a := rapid.IntRange(0, n-2).Draw(rt, "a")
			b := rapid.IntRange(a+1, n-1).Draw(rt, "b")
			edges = append(edges, edge(a, b))
		}

		order, err := Order(edges)
		if err != nil {
			rt.Fatalf("unexpected error for acyclic input: %v", err)
		}

		position := make(map[domain.NodeID]int, len(order))
		for i, id := range order {
			if _, dup := position[id]; dup {
				rt.Fatalf("node %d appears twice in %v", id, order)
			}
			position[id] = i
		}
		if len(position) != len(Involved(edges)) {
			rt.Fatalf("order %v does not cover involved nodes %v", order, Involved(edges))
		}
		for _, e := range edges {
			if position[e.Source] >= position[e.Target] {
				rt.Fatalf("edge %d->%d violated by order %v", e.Source, e.Target, order)
			}
		}
	})
}

// Adding a back edge to any non-trivial path always yields a cycle error.
func TestOrderCycleRejectionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(rt, "length")
		edges := make([]domain.Edge, 0, n)
		for i := 0; i < n-1; i++ {
			edges = append(edges, edge(i, i+1))
		}
		from := rapid.IntRange(1, n-1).Draw(rt, "from")
		to := rapid.IntRange(0, from).Draw(rt, "to")
		edges = append(edges, edge(from, to))

		order, err := Order(edges)
		if !errors.Is(err, domain.ErrCycleDetected) || order != nil {
			rt.Fatalf("expected cycle rejection, got order=%v err=%v", order, err)
		}
	})
}
