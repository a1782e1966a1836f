package graph

import (
	"slices"

	"github.com/roach88/synchrony/internal/ir"
)

// Level is a set of transactions with no edges between them, listed in
// submission order. Members depend only on members of earlier levels.
type Level []ir.TxID

// Schedule levels g with Kahn's algorithm: every node whose remaining
// in-degree is zero forms the next level, its outgoing edges are removed,
// and the process repeats.
//
// If nodes remain and none has in-degree zero the graph is cyclic and
// Schedule returns a CircularDependencyError. No level is returned in that
// case: a cyclic batch never runs even partially.
func Schedule(g *Graph) ([]Level, error) {
	indeg := make(map[ir.TxID]int, g.Len())
	for _, id := range g.nodes {
		indeg[id] = len(g.pred[id])
	}

	remaining := slices.Clone(g.nodes)
	var levels []Level
	for len(remaining) > 0 {
		var level Level
		rest := remaining[:0:0]
		for _, id := range remaining {
			if indeg[id] == 0 {
				level = append(level, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(level) == 0 {
			return nil, NewCircularDependencyError(findCycle(g, rest), rest)
		}
		for _, id := range level {
			for _, s := range g.succ[id] {
				indeg[s]--
			}
		}
		levels = append(levels, level)
		remaining = rest
	}
	return levels, nil
}

// findCycle returns one cycle among the blocked nodes, in edge direction,
// starting from its earliest-submitted member.
//
// Every blocked node has a predecessor that is also blocked, so walking
// predecessors from any blocked node must revisit a node. The walk is
// iterative.
func findCycle(g *Graph, blocked []ir.TxID) []ir.TxID {
	if len(blocked) == 0 {
		return nil
	}
	inBlocked := make(map[ir.TxID]bool, len(blocked))
	for _, id := range blocked {
		inBlocked[id] = true
	}

	seenAt := make(map[ir.TxID]int)
	var path []ir.TxID
	cur := blocked[0]
	for {
		if at, ok := seenAt[cur]; ok {
			path = path[at:]
			break
		}
		seenAt[cur] = len(path)
		path = append(path, cur)

		next := ir.TxID("")
		for _, p := range g.pred[cur] {
			if inBlocked[p] {
				next = p
				break
			}
		}
		if next == "" {
			// Unreachable when blocked came from Schedule.
			return nil
		}
		cur = next
	}

	// path follows predecessors; reverse it to follow edges.
	slices.Reverse(path)

	start := 0
	for i, id := range path {
		if g.index[id] < g.index[path[start]] {
			start = i
		}
	}
	cycle := append(slices.Clone(path[start:]), path[:start]...)
	return cycle
}

// LevelOf maps each scheduled transaction to its level index.
func LevelOf(levels []Level) map[ir.TxID]int {
	out := make(map[ir.TxID]int)
	for i, lvl := range levels {
		for _, id := range lvl {
			out[id] = i
		}
	}
	return out
}

// Flatten concatenates levels in order. The result is a topological order.
func Flatten(levels []Level) []ir.TxID {
	var out []ir.TxID
	for _, lvl := range levels {
		out = append(out, lvl...)
	}
	return out
}
