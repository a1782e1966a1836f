package graph

import (
	"github.com/roach88/synchrony/internal/ir"
)

// Plan is the complete static analysis of one batch.
type Plan struct {
	Graph     *Graph
	Conflicts []Conflict
	Levels    []Level
}

// Analyze runs Build, Detect and Schedule.
//
// On a cyclic batch it returns the partial plan (graph and conflicts, no
// levels) together with the CircularDependencyError, so callers can report
// which transactions collide.
func Analyze(batch ir.Batch) (*Plan, error) {
	g, err := Build(batch)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	conflicts, err := Detect(g, batch)
	if err != nil {
		return nil, err
	}
	p := &Plan{Graph: g, Conflicts: conflicts}
	levels, err := Schedule(g)
	if err != nil {
		return p, err
	}
	p.Levels = levels
	return p, nil
}

// Width returns the size of the largest level.
func (p *Plan) Width() int {
	w := 0
	for _, lvl := range p.Levels {
		w = max(w, len(lvl))
	}
	return w
}

// Describe renders the plan as an IR object with deterministic layout:
//
//	{"conflicts":[{"account","kind","tx_a","tx_b"}...],
//	 "edges":[{"accounts","from","hint","to"}...],
//	 "levels":[["t1","t3"],["t2"]]}
func (p *Plan) Describe() ir.IRObject {
	levels := make(ir.IRArray, 0, len(p.Levels))
	for _, lvl := range p.Levels {
		ids := make(ir.IRArray, len(lvl))
		for i, id := range lvl {
			ids[i] = ir.IRString(id)
		}
		levels = append(levels, ids)
	}

	conflicts := make(ir.IRArray, 0, len(p.Conflicts))
	for _, c := range p.Conflicts {
		conflicts = append(conflicts, ir.IRObject{
			"tx_a":    ir.IRString(c.TxA),
			"tx_b":    ir.IRString(c.TxB),
			"account": ir.IRString(c.Account),
			"kind":    ir.IRString(c.Kind.String()),
		})
	}

	var edges ir.IRArray
	if p.Graph != nil {
		for _, e := range p.Graph.Edges() {
			accts := make(ir.IRArray, len(e.Accounts))
			for i, a := range e.Accounts {
				accts[i] = ir.IRString(a)
			}
			edges = append(edges, ir.IRObject{
				"from":     ir.IRString(e.From),
				"to":       ir.IRString(e.To),
				"accounts": accts,
				"hint":     ir.IRBool(e.Hint),
			})
		}
	}
	if edges == nil {
		edges = ir.IRArray{}
	}

	return ir.IRObject{
		"levels":    levels,
		"conflicts": conflicts,
		"edges":     edges,
	}
}
