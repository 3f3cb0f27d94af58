package compiler

import (
	"fmt"
	"go/constant"
	"go/types"

	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

func (g *Generator) lowerCall(v *ssa.Call) {
	common := v.Common()
	if common.IsInvoke() {
		unsupported("interface method call %v", v)
	}
	switch fn := common.Value.(type) {
	case *ssa.Builtin:
		g.lowerBuiltin(v, fn)
	case *ssa.Function:
		g.lowerDirectCall(v, fn)
	default:
		unsupported("indirect call through %v", common.Value)
	}
}

func (g *Generator) lowerBuiltin(v *ssa.Call, fn *ssa.Builtin) {
	args := v.Call.Args
	switch fn.Name() {
	case "min", "max":
		t := g.TypeOf(v)
		if t == ptx.Pred || isString(v.Type()) {
			unsupported("builtin %s on %s", fn.Name(), v.Type())
		}
		op := ptx.Min
		if fn.Name() == "max" {
			op = ptx.Max
		}
		dst := g.Dest(v)
		acc := ptx.Reg(g.Reg(args[0]))
		if len(args) == 1 {
			g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(moveType(t)).Reg(dst).Operand(acc) })
			return
		}
		for _, a := range args[1:] {
			y := g.Operand(a)
			g.b.Emit(op, func(c *ptx.Command) { c.Type(t.Widened()).Reg(dst).Operand(acc).Operand(y) })
			acc = ptx.Reg(dst)
		}
	case "len":
		n, ok := staticLen(args[0])
		if !ok {
			unsupported("len of %s", args[0].Type())
		}
		dst := g.Dest(v)
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.B64).Reg(dst).Imm(n) })
	default:
		unsupported("builtin %s", fn.Name())
	}
}

// staticLen returns the length of a constant string or of an array.
func staticLen(v ssa.Value) (int64, bool) {
	if c, ok := v.(*ssa.Const); ok && c.Value != nil && c.Value.Kind() == constant.String {
		return int64(len(constant.StringVal(c.Value))), true
	}
	t := v.Type().Underlying()
	if p, ok := t.(*types.Pointer); ok {
		t = p.Elem().Underlying()
	}
	if arr, ok := t.(*types.Array); ok {
		return arr.Len(), true
	}
	return 0, false
}

// lowerDirectCall stages the arguments in .param space and calls the
// callee by symbol.
func (g *Generator) lowerDirectCall(v *ssa.Call, fn *ssa.Function) {
	callee, ok := g.opts.Symbols.Resolve(fn)
	if !ok {
		unsupported("call to %s, which is not part of the program", fn.RelString(nil))
	}
	if callee.Entry {
		unsupported("call to kernel entry %s", callee.Symbol)
	}
	if callee.External {
		g.declareExtern(callee.Symbol, fn.Signature)
	}

	var ret ptx.Type
	if v.Type() != nil {
		if tup, ok := v.Type().(*types.Tuple); !ok || tup.Len() > 0 {
			if !registerType(v.Type()) {
				unsupported("call to %s returning %s", callee.Symbol, v.Type())
			}
			ret = g.TypeOf(v)
		}
	}

	g.b.Raw("\t{\n")
	cs := ptx.CallSequence{Target: callee.Symbol, Ret: ret != ptx.TypeNone, Args: len(v.Call.Args)}
	var ops []ptx.Operand
	for i, a := range v.Call.Args {
		if !registerType(a.Type()) {
			unsupported("aggregate argument of type %s", a.Type())
		}
		t := g.TypeOf(a)
		name := fmt.Sprintf("param%d", i)
		g.b.Line(".param %s %s;", t.Storage().Suffix(), name)
		g.storeParam(name, t, g.Reg(a))
		ops = append(ops, ptx.Named(name))
	}
	if cs.Ret {
		g.b.Line(".param %s retval0;", ret.Storage().Suffix())
		ops = append([]ptx.Operand{ptx.Named("retval0")}, ops...)
	}
	g.b.Complex(cs).Add(ops...).End()
	if cs.Ret {
		g.loadParam(g.Dest(v), ret, ptx.Named("retval0"), 0)
	}
	g.b.Raw("\t}\n")
}

// storeParam writes a value of type t to a parameter slot.
func (g *Generator) storeParam(name string, t ptx.Type, src ptx.Register) {
	if t == ptx.Pred {
		tmp := g.regs.Fresh(ptx.KindB16)
		g.b.Emit(ptx.Selp, func(c *ptx.Command) { c.Type(ptx.U16).Reg(tmp).Imm(1).Imm(0).Reg(src) })
		g.b.Emit(ptx.St, func(c *ptx.Command) { c.Mod(ptx.SpaceParam).Type(ptx.U8).Addr(ptx.Named(name), 0).Reg(tmp) })
		return
	}
	g.b.Emit(ptx.St, func(c *ptx.Command) { c.Mod(ptx.SpaceParam).Type(t).Addr(ptx.Named(name), 0).Reg(src) })
}

// declareExtern records the prototype of a function defined elsewhere.
func (g *Generator) declareExtern(symbol string, sig *types.Signature) {
	if g.extSeen[symbol] {
		return
	}
	g.extSeen[symbol] = true
	var params []string
	i := 0
	add := func(t types.Type) {
		params = append(params, declareParam(fmt.Sprintf("%s_param_%d", symbol, i), g.be.ABI.Classify(t)))
		i++
	}
	if recv := sig.Recv(); recv != nil {
		add(recv.Type())
	}
	for j := 0; j < sig.Params().Len(); j++ {
		add(sig.Params().At(j).Type())
	}
	g.externs = append(g.externs, signature(".extern .func ", symbol, params, g.retDecl(sig))+";\n")
}

func (g *Generator) emitTerminator(instr ssa.Instruction) {
	switch v := instr.(type) {
	case *ssa.Jump:
		g.lowerJump(v)
	case *ssa.If:
		g.lowerIf(v)
	case *ssa.Return:
		g.lowerReturn(v)
	case *ssa.Panic:
		g.lowerPanic(v)
	default:
		malformed("block %d ends in %T, which is not a terminator", instr.Block().Index, instr)
	}
}

func (g *Generator) lowerJump(v *ssa.Jump) {
	b := v.Block()
	succ := b.Succs[0]
	g.emitMoves(g.edgeMoves(b, succ))
	g.branch(succ)
}

// lowerIf places the phi moves of each edge on that edge only. When both
// edges carry moves the true edge gets a stub block of its own.
func (g *Generator) lowerIf(v *ssa.If) {
	b := v.Block()
	tb, fb := b.Succs[0], b.Succs[1]
	cond := g.Reg(v.Cond)
	tm, fm := g.edgeMoves(b, tb), g.edgeMoves(b, fb)

	switch {
	case len(tm) == 0:
		g.branchIf(cond, false, g.labels[tb])
		g.emitMoves(fm)
		g.branch(fb)
	case len(fm) == 0:
		g.branchIf(cond, true, g.labels[fb])
		g.emitMoves(tm)
		g.branch(tb)
	default:
		edge := g.newLabel("E")
		g.branchIf(cond, false, edge)
		g.emitMoves(fm)
		g.branch(fb)
		g.b.Label(edge)
		g.emitMoves(tm)
		g.branch(tb)
	}
}

func (g *Generator) branch(b *ssa.BasicBlock) {
	g.b.Emit(ptx.Bra, func(c *ptx.Command) { c.Mod("uni").Named(g.labels[b]) })
}

func (g *Generator) branchIf(p ptx.Register, negate bool, label string) {
	g.b.Emit(ptx.Bra, func(c *ptx.Command) { c.Guard(p, negate).Named(label) })
}

func (g *Generator) lowerReturn(v *ssa.Return) {
	switch len(v.Results) {
	case 0:
	case 1:
		t := g.TypeOf(v.Results[0])
		g.storeParam("func_retval0", t, g.Reg(v.Results[0]))
	default:
		unsupported("return of %d results", len(v.Results))
	}
	g.b.Emit(ptx.Ret, nil)
}

func (g *Generator) lowerPanic(*ssa.Panic) {
	g.b.Emit(ptx.Trap, nil)
}

// edgeMoves returns the register moves that realize the phis of to on the
// edge from -> to, before ordering.
func (g *Generator) edgeMoves(from, to *ssa.BasicBlock) []regMove {
	planned := g.phis.Edge(from, to)
	moves := make([]regMove, 0, len(planned))
	for _, m := range planned {
		if !registerType(m.Dst.Type()) {
			unsupported("phi %s of aggregate type %s", m.Dst.Name(), m.Dst.Type())
		}
		moves = append(moves, regMove{
			Dst: g.regs.Load(m.Dst),
			Src: g.Operand(m.Src),
			Typ: moveType(g.TypeOf(m.Dst)),
		})
	}
	return moves
}

// emitMoves writes one edge's moves as a parallel copy. Runs of moves of
// the same type share one MoveSet.
func (g *Generator) emitMoves(moves []regMove) {
	seq := sequentialize(moves, g.regs.Fresh)
	g.moves += len(seq)
	for i := 0; i < len(seq); {
		j := i
		var ops []ptx.Operand
		for j < len(seq) && seq[j].Typ == seq[i].Typ {
			ops = append(ops, ptx.Reg(seq[j].Dst), seq[j].Src)
			j++
		}
		g.b.Complex(ptx.MoveSet{Type: seq[i].Typ, N: j - i}).Add(ops...).End()
		i = j
	}
}
