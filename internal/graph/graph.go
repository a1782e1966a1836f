package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/synchrony/internal/ir"
)

// Edge is a happens-before constraint: From must execute before To.
type Edge struct {
	From ir.TxID
	To   ir.TxID

	// Accounts lists, in ascending order, the shared accounts on which at
	// least one side writes. Empty for hint-only edges.
	Accounts []ir.AccountKey

	// Hint is set when an explicit ordering hint requested this edge.
	Hint bool
}

// Graph is a dependency graph over one batch. Nodes keep submission order.
type Graph struct {
	nodes []ir.TxID
	index map[ir.TxID]int
	edges map[edgeKey]*Edge
	succ  map[ir.TxID][]ir.TxID
	pred  map[ir.TxID][]ir.TxID
}

type edgeKey struct{ from, to ir.TxID }

// New creates a graph with the given nodes and no edges. Node order is the
// submission order used for every tie-break.
func New(nodes ...ir.TxID) (*Graph, error) {
	g := &Graph{
		nodes: make([]ir.TxID, 0, len(nodes)),
		index: make(map[ir.TxID]int, len(nodes)),
		edges: make(map[edgeKey]*Edge),
		succ:  make(map[ir.TxID][]ir.TxID),
		pred:  make(map[ir.TxID][]ir.TxID),
	}
	for _, id := range nodes {
		if _, dup := g.index[id]; dup {
			return nil, fmt.Errorf("duplicate node %s", id)
		}
		g.index[id] = len(g.nodes)
		g.nodes = append(g.nodes, id)
	}
	return g, nil
}

// AddEdge records that from must run before to because of account. Calling
// it again for the same pair accumulates accounts.
func (g *Graph) AddEdge(from, to ir.TxID, accounts ...ir.AccountKey) error {
	e, err := g.edge(from, to)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if !slices.Contains(e.Accounts, a) {
			e.Accounts = append(e.Accounts, a)
		}
	}
	slices.SortFunc(e.Accounts, func(a, b ir.AccountKey) int {
		return strings.Compare(string(a), string(b))
	})
	return nil
}

// AddHint records an explicit ordering hint from → to.
func (g *Graph) AddHint(from, to ir.TxID) error {
	e, err := g.edge(from, to)
	if err != nil {
		return err
	}
	e.Hint = true
	return nil
}

func (g *Graph) edge(from, to ir.TxID) (*Edge, error) {
	if _, ok := g.index[from]; !ok {
		return nil, fmt.Errorf("unknown node %s", from)
	}
	if _, ok := g.index[to]; !ok {
		return nil, fmt.Errorf("unknown node %s", to)
	}
	if from == to {
		return nil, fmt.Errorf("self edge on %s", from)
	}
	k := edgeKey{from, to}
	if e, ok := g.edges[k]; ok {
		return e, nil
	}
	e := &Edge{From: from, To: to}
	g.edges[k] = e
	g.succ[from] = g.insertSorted(g.succ[from], to)
	g.pred[to] = g.insertSorted(g.pred[to], from)
	return e, nil
}

func (g *Graph) insertSorted(ids []ir.TxID, id ir.TxID) []ir.TxID {
	pos, _ := slices.BinarySearchFunc(ids, id, func(a, b ir.TxID) int {
		return g.index[a] - g.index[b]
	})
	return slices.Insert(ids, pos, id)
}

// Nodes returns node ids in submission order.
func (g *Graph) Nodes() []ir.TxID {
	return slices.Clone(g.nodes)
}

// Position returns the submission index of id.
func (g *Graph) Position(id ir.TxID) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Edge returns the edge from → to if present.
func (g *Graph) Edge(from, to ir.TxID) (Edge, bool) {
	e, ok := g.edges[edgeKey{from, to}]
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// Edges returns all edges ordered by source then target submission index.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b Edge) int {
		if c := g.index[a.From] - g.index[b.From]; c != 0 {
			return c
		}
		return g.index[a.To] - g.index[b.To]
	})
	return out
}

// Successors returns the ids that depend directly on id, in submission order.
func (g *Graph) Successors(id ir.TxID) []ir.TxID {
	return slices.Clone(g.succ[id])
}

// Predecessors returns the ids id depends on directly, in submission order.
func (g *Graph) Predecessors(id ir.TxID) []ir.TxID {
	return slices.Clone(g.pred[id])
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Validate checks structural consistency: no account is claimed by edges in
// both directions between the same pair, and non-hint edges carry accounts.
func (g *Graph) Validate() error {
	for k, e := range g.edges {
		if len(e.Accounts) == 0 && !e.Hint {
			return fmt.Errorf("edge %s -> %s has no accounts", e.From, e.To)
		}
		rev, ok := g.edges[edgeKey{k.to, k.from}]
		if !ok {
			continue
		}
		for _, a := range e.Accounts {
			if slices.Contains(rev.Accounts, a) {
				return fmt.Errorf("account %s induces edges in both directions between %s and %s", a, e.From, e.To)
			}
		}
	}
	return nil
}

// IsTopologicalOrder returns nil if order lists every node exactly once and
// respects every edge.
func (g *Graph) IsTopologicalOrder(order []ir.TxID) error {
	if len(order) != len(g.nodes) {
		return fmt.Errorf("order has %d entries, graph has %d nodes", len(order), len(g.nodes))
	}
	pos := make(map[ir.TxID]int, len(order))
	for i, id := range order {
		if _, ok := g.index[id]; !ok {
			return fmt.Errorf("order contains unknown tx %s", id)
		}
		if _, dup := pos[id]; dup {
			return fmt.Errorf("order repeats tx %s", id)
		}
		pos[id] = i
	}
	for _, e := range g.Edges() {
		if pos[e.From] > pos[e.To] {
			return fmt.Errorf("order runs %s before %s", e.To, e.From)
		}
	}
	return nil
}

// Build constructs the dependency graph of batch.
//
// For every pair of transactions sharing an account where at least one side
// writes it, an edge runs from the earlier-submitted to the later-submitted
// transaction. Read-read sharing never creates an edge. Transactions in
// opaque access mode count as writing every declared account. Ordering hints
// add hint edges which may point backwards in submission order.
func Build(batch ir.Batch) (*Graph, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	g, err := New(batch.IDs()...)
	if err != nil {
		return nil, err
	}

	footprints := make([][]ir.AccountKey, len(batch))
	for i := range batch {
		footprints[i] = batch[i].Footprint().Sorted()
	}

	for i := range batch {
		a := &batch[i]
		for j := i + 1; j < len(batch); j++ {
			b := &batch[j]
			for _, acct := range footprints[i] {
				if !b.ReadSet.Has(acct) && !b.WriteSet.Has(acct) {
					continue
				}
				if a.Writes(acct) || b.Writes(acct) {
					if err := g.AddEdge(a.ID, b.ID, acct); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	for i := range batch {
		for _, dep := range batch[i].After {
			if err := g.AddHint(dep, batch[i].ID); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
