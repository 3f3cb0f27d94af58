package compiler

import (
	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// PhiMove is one copy that realizes a phi on the edge into Succ.
type PhiMove struct {
	Succ *ssa.BasicBlock
	Src  ssa.Value
	Dst  *ssa.Phi
}

// PhiPlan lists the pending moves of every producer block. Moves are kept
// under the predecessor because they run at its end, before control
// transfers into the phi's block.
type PhiPlan map[*ssa.BasicBlock][]PhiMove

// ResolvePhis builds the move plan for fn. It fails before anything is
// emitted if a phi's incoming count differs from its block's predecessor
// count.
func ResolvePhis(fn *ssa.Function, g *CFG) PhiPlan {
	plan := make(PhiPlan)
	for _, b := range fn.Blocks {
		heads := phis(b)
		if len(heads) == 0 {
			continue
		}
		preds := g.Preds(b)
		index := g.predIndex(b)
		for _, phi := range heads {
			if len(phi.Edges) != len(preds) {
				malformed("phi %s in block %d has %d operands for %d predecessors",
					phi.Name(), b.Index, len(phi.Edges), len(preds))
			}
			for _, pred := range preds {
				plan[pred] = append(plan[pred], PhiMove{
					Succ: b,
					Src:  phi.Edges[index[pred.Index]],
					Dst:  phi,
				})
			}
		}
	}
	return plan
}

// Edge returns the moves for the edge from -> to, in phi order.
func (p PhiPlan) Edge(from, to *ssa.BasicBlock) []PhiMove {
	var out []PhiMove
	for _, m := range p[from] {
		if m.Succ == to {
			out = append(out, m)
		}
	}
	return out
}

// Count returns the total number of planned moves.
func (p PhiPlan) Count() int {
	n := 0
	for _, moves := range p {
		n += len(moves)
	}
	return n
}

// regMove is a phi move after register assignment.
type regMove struct {
	Dst ptx.Register
	Src ptx.Operand
	Typ ptx.Type
}

// sequentialize orders the moves of one edge so that they behave as a
// parallel copy: every source is read before it is overwritten. A move is
// ready when no other pending move still reads its destination. When only
// cycles remain, one destination is saved to a fresh register and its
// readers are redirected there.
func sequentialize(moves []regMove, fresh func(ptx.RegKind) ptx.Register) []regMove {
	pending := make([]regMove, 0, len(moves))
	for _, m := range moves {
		if m.Src.IsReg() && m.Src.Reg == m.Dst {
			continue
		}
		pending = append(pending, m)
	}

	out := make([]regMove, 0, len(pending))
	for len(pending) > 0 {
		ready := -1
		for i, m := range pending {
			if !readsRegister(pending, m.Dst, i) {
				ready = i
				break
			}
		}
		if ready >= 0 {
			out = append(out, pending[ready])
			pending = append(pending[:ready], pending[ready+1:]...)
			continue
		}

		blocked := pending[0].Dst
		tmp := fresh(blocked.Kind)
		out = append(out, regMove{Dst: tmp, Src: ptx.Reg(blocked), Typ: pending[0].Typ})
		for i := range pending {
			if pending[i].Src.IsReg() && pending[i].Src.Reg == blocked {
				pending[i].Src = ptx.Reg(tmp)
			}
		}
	}
	return out
}

func readsRegister(moves []regMove, r ptx.Register, skip int) bool {
	for i, m := range moves {
		if i != skip && m.Src.IsReg() && m.Src.Reg == r {
			return true
		}
	}
	return false
}
