package compiler

import (
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/tools/go/ssa"
)

// CFG is the control-flow graph of one function, built once before
// emission. Predecessor order is the IR's, which is also the order of
// every phi's incoming edges.
type CFG struct {
	fn    *ssa.Function
	preds map[*ssa.BasicBlock][]*ssa.BasicBlock
}

// BuildCFG records the predecessor list of every block of fn.
func BuildCFG(fn *ssa.Function) *CFG {
	g := &CFG{
		fn:    fn,
		preds: make(map[*ssa.BasicBlock][]*ssa.BasicBlock, len(fn.Blocks)),
	}
	for _, b := range fn.Blocks {
		preds := make([]*ssa.BasicBlock, len(b.Preds))
		copy(preds, b.Preds)
		g.preds[b] = preds
	}
	return g
}

// Preds returns the predecessors of b in stable order.
func (g *CFG) Preds(b *ssa.BasicBlock) []*ssa.BasicBlock { return g.preds[b] }

// Succs returns the successors of b.
func (g *CFG) Succs(b *ssa.BasicBlock) []*ssa.BasicBlock { return b.Succs }

// predIndex maps predecessor block index to operand index for b. A block
// listed twice as a predecessor of b is malformed.
func (g *CFG) predIndex(b *ssa.BasicBlock) map[int]int {
	preds := g.preds[b]
	seen := mapset.NewThreadUnsafeSetWithSize[int](len(preds))
	index := make(map[int]int, len(preds))
	for i, p := range preds {
		if !seen.Add(p.Index) {
			malformed("block %d lists predecessor %d twice", b.Index, p.Index)
		}
		index[p.Index] = i
	}
	return index
}

// phis returns the phi instructions at the head of b.
func phis(b *ssa.BasicBlock) []*ssa.Phi {
	var out []*ssa.Phi
	for _, instr := range b.Instrs {
		phi, ok := instr.(*ssa.Phi)
		if !ok {
			break // phis are always at the start of a block
		}
		out = append(out, phi)
	}
	return out
}
