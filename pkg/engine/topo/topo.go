// Package topo orders pipeline nodes with Kahn's algorithm.
package topo

import (
	"fmt"

	"github.com/polisai/panelflow/pkg/domain"
)

// Involved returns every node referenced by an edge, in discovery order
// (source before target, edges in declaration order).
func Involved(edges []domain.Edge) []domain.NodeID {
	seen := make(map[domain.NodeID]struct{}, len(edges)*2)
	nodes := make([]domain.NodeID, 0, len(edges)*2)
	add := func(id domain.NodeID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		nodes = append(nodes, id)
	}
	for _, edge := range edges {
		add(edge.Source)
		add(edge.Target)
	}
	return nodes
}

// Order returns a total order of the involved nodes in which every edge's
// source precedes its target. Ties are broken by discovery order. Duplicate
// edges each count toward in-degree; a self-loop is a cycle. On a cycle the
// result is nil and the error wraps domain.ErrCycleDetected.
func Order(edges []domain.Edge) ([]domain.NodeID, error) {
	nodes := Involved(edges)
	if len(nodes) == 0 {
		return nil, nil
	}

	inDeg := make(map[domain.NodeID]int, len(nodes))
	successors := make(map[domain.NodeID][]domain.NodeID, len(nodes))
	for _, edge := range edges {
		inDeg[edge.Target]++
		successors[edge.Source] = append(successors[edge.Source], edge.Target)
	}

	queue := make([]domain.NodeID, 0, len(nodes))
	for _, id := range nodes {
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]domain.NodeID, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range successors[id] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("%w: ordered %d of %d nodes", domain.ErrCycleDetected, len(order), len(nodes))
	}
	return order, nil
}
