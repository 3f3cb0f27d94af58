package compiler

import (
	"context"
	"fmt"

	"golang.org/x/tools/go/ssa"
)

// EdgePlan is the ordered copy list that realizes the phis on one edge.
type EdgePlan struct {
	From, To int
	Moves    []string
}

// FunctionPlan describes the layout decisions for one function without
// emitting its body.
type FunctionPlan struct {
	Func   *ssa.Function
	Symbol string
	Entry  bool
	Labels map[int]string
	Preds  map[int][]int
	Edges  []EdgePlan
}

// Plan runs the passes that precede emission and reports their results.
func (g *Generator) Plan() (plan *FunctionPlan, err error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	defer recoverFatal(&err)

	g.graph = BuildCFG(g.fn)
	g.assignLabels()
	g.phis = ResolvePhis(g.fn, g.graph)
	g.setupParameters()
	g.setupAllocations()
	g.allocateValues()

	plan = &FunctionPlan{
		Func:   g.fn,
		Symbol: g.opts.Symbol,
		Entry:  g.opts.Entry,
		Labels: make(map[int]string, len(g.fn.Blocks)),
		Preds:  make(map[int][]int, len(g.fn.Blocks)),
	}
	for _, b := range g.fn.Blocks {
		plan.Labels[b.Index] = g.labels[b]
		for _, p := range g.graph.Preds(b) {
			plan.Preds[b.Index] = append(plan.Preds[b.Index], p.Index)
		}
		for _, s := range g.graph.Succs(b) {
			moves := g.edgeMoves(b, s)
			if len(moves) == 0 {
				continue
			}
			e := EdgePlan{From: b.Index, To: s.Index}
			for _, m := range sequentialize(moves, g.regs.Fresh) {
				e.Moves = append(e.Moves, fmt.Sprintf("mov%s %s, %s", m.Typ.Suffix(), m.Dst, m.Src))
			}
			plan.Edges = append(plan.Edges, e)
		}
	}
	return plan, nil
}

// Plans builds the package and plans every function that would be
// compiled, in compilation order.
func (c *Compiler) Plans(ctx context.Context, filenames []string, sources [][]byte) ([]*FunctionPlan, error) {
	_, pkg, err := c.build(filenames, sources)
	if err != nil {
		return nil, err
	}
	units, symbols := c.plan(ctx, pkg)
	plans := make([]*FunctionPlan, 0, len(units))
	for _, u := range units {
		ip := 0
		if u.entry {
			ip = c.cfg.IntrinsicParams
		}
		p, err := NewGenerator(u.fn, Options{
			ID:              u.id,
			Symbol:          u.symbol,
			Entry:           u.entry,
			Backend:         c.backend,
			Intrinsics:      c.intrinsics,
			IntrinsicParams: ip,
			Logic:           c.logic,
			Symbols:         symbols,
		}).Plan()
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}
