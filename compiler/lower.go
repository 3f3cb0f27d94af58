package compiler

import (
	"go/constant"
	"go/token"
	"go/types"
	"math"

	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// visit is the generic lowering of one non-terminator instruction.
func (g *Generator) visit(instr ssa.Instruction) {
	switch v := instr.(type) {
	case *ssa.Phi:
		// realized by moves at the end of each predecessor
	case *ssa.DebugRef:
		// seen by the debug sink only
	case *ssa.BinOp:
		g.lowerBinOp(v)
	case *ssa.UnOp:
		g.lowerUnOp(v)
	case *ssa.Convert:
		g.lowerConvert(v)
	case *ssa.ChangeType:
		g.lowerChangeType(v)
	case *ssa.Alloc:
		g.lowerAlloc(v)
	case *ssa.Store:
		g.lowerStore(v)
	case *ssa.FieldAddr:
		g.lowerFieldAddr(v)
	case *ssa.IndexAddr:
		g.lowerIndexAddr(v)
	case *ssa.Field:
		g.lowerField(v)
	case *ssa.Index:
		g.lowerIndex(v)
	case *ssa.Call:
		g.lowerCall(v)
	case *ssa.If, *ssa.Jump, *ssa.Return, *ssa.Panic:
		malformed("terminator %v in the middle of block %d", instr, instr.Block().Index)
	default:
		unsupported("unsupported operation %T: %v", instr, instr)
	}
}

func (g *Generator) lowerBinOp(v *ssa.BinOp) {
	switch v.Op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		g.lowerCompare(v)
		return
	case token.SHL, token.SHR:
		g.lowerShift(v)
		return
	}

	t := g.TypeOf(v)
	if t == ptx.Pred {
		unsupported("boolean operator %s", v.Op)
	}
	if isString(v.X.Type()) {
		unsupported("string operator %s", v.Op)
	}
	at := t.Widened()
	dst := g.Dest(v)
	x := ptx.Reg(g.Reg(v.X))
	y := g.Operand(v.Y)
	fast := g.be.Caps.FastMath && t == ptx.F32

	switch v.Op {
	case token.ADD, token.SUB:
		op := ptx.Add
		if v.Op == token.SUB {
			op = ptx.Sub
		}
		g.b.Emit(op, func(c *ptx.Command) {
			if fast {
				c.Mod("ftz")
			}
			c.Type(at).Reg(dst).Operand(x).Operand(y)
		})
	case token.MUL:
		g.b.Emit(ptx.Mul, func(c *ptx.Command) {
			switch {
			case !t.IsFloat():
				c.Mod("lo")
			case fast:
				c.Mod("ftz")
			}
			c.Type(at).Reg(dst).Operand(x).Operand(y)
		})
	case token.QUO:
		if !t.IsFloat() {
			g.checkDivisor(y, at)
		}
		g.b.Emit(ptx.Div, func(c *ptx.Command) {
			switch {
			case fast:
				c.Mod("approx", "ftz")
			case t.IsFloat():
				c.Mod("rn")
			}
			c.Type(at).Reg(dst).Operand(x).Operand(y)
		})
	case token.REM:
		if t.IsFloat() {
			unsupported("floating-point remainder")
		}
		g.checkDivisor(y, at)
		g.b.Emit(ptx.Rem, func(c *ptx.Command) { c.Type(at).Reg(dst).Operand(x).Operand(y) })
	case token.AND, token.OR, token.XOR:
		g.b.Emit(bitwiseOps[v.Op], func(c *ptx.Command) { c.Type(at.Bitwise()).Reg(dst).Operand(x).Operand(y) })
	case token.AND_NOT:
		ny := g.regs.Fresh(at.Kind())
		g.b.Emit(ptx.Not, func(c *ptx.Command) { c.Type(at.Bitwise()).Reg(ny).Reg(g.Reg(v.Y)) })
		g.b.Emit(ptx.And, func(c *ptx.Command) { c.Type(at.Bitwise()).Reg(dst).Operand(x).Reg(ny) })
	default:
		unsupported("binary operator %s", v.Op)
	}
	g.normalize(dst, t)
}

// normalize re-extends an 8-bit result held in a 16-bit register.
func (g *Generator) normalize(r ptx.Register, t ptx.Type) {
	if t.Bits() != 8 {
		return
	}
	g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(t.Widened()).Type(t).Reg(r).Reg(r) })
}

// checkDivisor traps on a zero divisor when assertions are enabled.
func (g *Generator) checkDivisor(y ptx.Operand, t ptx.Type) {
	if !g.be.Caps.Assertions || y.IsImm() {
		return
	}
	p := g.regs.Fresh(ptx.KindPred)
	g.b.Emit(ptx.Setp, func(c *ptx.Command) { c.Mod("eq").Type(t).Reg(p).Operand(y).Imm(0) })
	g.b.Emit(ptx.Trap, func(c *ptx.Command) { c.Guard(p, false) })
}

var (
	bitwiseOps  = map[token.Token]ptx.Op{token.AND: ptx.And, token.OR: ptx.Or, token.XOR: ptx.Xor}
	signedCmp   = map[token.Token]string{token.EQL: "eq", token.NEQ: "ne", token.LSS: "lt", token.LEQ: "le", token.GTR: "gt", token.GEQ: "ge"}
	unsignedCmp = map[token.Token]string{token.EQL: "eq", token.NEQ: "ne", token.LSS: "lo", token.LEQ: "ls", token.GTR: "hi", token.GEQ: "hs"}
	// != must hold for NaN operands, so it is the unordered comparison.
	floatCmp = map[token.Token]string{token.EQL: "eq", token.NEQ: "neu", token.LSS: "lt", token.LEQ: "le", token.GTR: "gt", token.GEQ: "ge"}
)

func (g *Generator) lowerCompare(v *ssa.BinOp) {
	if isString(v.X.Type()) {
		unsupported("string comparison")
	}
	xt := g.TypeOf(v.X)
	dst := g.Dest(v)

	if xt == ptx.Pred {
		x, y := g.Reg(v.X), g.Reg(v.Y)
		g.b.Emit(ptx.Xor, func(c *ptx.Command) { c.Type(ptx.Pred).Reg(dst).Reg(x).Reg(y) })
		if v.Op == token.EQL {
			g.b.Emit(ptx.Not, func(c *ptx.Command) { c.Type(ptx.Pred).Reg(dst).Reg(dst) })
		}
		return
	}

	table := signedCmp
	switch {
	case xt.IsFloat():
		table = floatCmp
	case xt.IsUnsigned():
		table = unsignedCmp
	}
	x := ptx.Reg(g.Reg(v.X))
	y := g.Operand(v.Y)
	g.b.Emit(ptx.Setp, func(c *ptx.Command) {
		c.Mod(table[v.Op]).Type(xt.Widened()).Reg(dst).Operand(x).Operand(y)
	})
}

func (g *Generator) lowerShift(v *ssa.BinOp) {
	t := g.TypeOf(v)
	at := t.Widened()
	dst := g.Dest(v)
	x := ptx.Reg(g.Reg(v.X))
	n := g.shiftCount(v.Y)
	if v.Op == token.SHL {
		g.b.Emit(ptx.Shl, func(c *ptx.Command) { c.Type(at.Bitwise()).Reg(dst).Operand(x).Operand(n) })
	} else {
		// shr on a signed type is arithmetic
		g.b.Emit(ptx.Shr, func(c *ptx.Command) { c.Type(at).Reg(dst).Operand(x).Operand(n) })
	}
	g.normalize(dst, t)
}

// shiftCount returns the shift amount as a u32 operand. Amounts past the
// register width are clamped by the hardware, which matches Go; 64-bit
// counts are clamped first so truncation cannot wrap them. A negative
// signed count traps when assertions are enabled.
func (g *Generator) shiftCount(y ssa.Value) ptx.Operand {
	op := g.Operand(y)
	if op.IsImm() {
		if op.Imm < 0 || op.Imm > 64 {
			op.Imm = 64
		}
		return op
	}
	t := g.TypeOf(y)
	if g.be.Caps.Assertions && t.IsSigned() {
		p := g.regs.Fresh(ptx.KindPred)
		g.b.Emit(ptx.Setp, func(c *ptx.Command) { c.Mod("lt").Type(t.Widened()).Reg(p).Operand(op).Imm(0) })
		g.b.Emit(ptx.Trap, func(c *ptx.Command) { c.Guard(p, false) })
	}
	n := g.regs.Fresh(ptx.KindB32)
	switch t.Bits() {
	case 64:
		clamped := g.regs.Fresh(ptx.KindB64)
		g.b.Emit(ptx.Min, func(c *ptx.Command) { c.Type(ptx.U64).Reg(clamped).Operand(op).Imm(64) })
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(ptx.U32).Type(ptx.U64).Reg(n).Reg(clamped) })
	case 32:
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.B32).Reg(n).Operand(op) })
	default:
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(ptx.U32).Type(ptx.U16).Reg(n).Operand(op) })
	}
	return ptx.Reg(n)
}

func (g *Generator) lowerUnOp(v *ssa.UnOp) {
	switch v.Op {
	case token.MUL:
		g.lowerLoad(v)
		return
	case token.ARROW:
		unsupported("channel receive")
	}

	t := g.TypeOf(v)
	dst := g.Dest(v)
	x := g.Reg(v.X)
	switch v.Op {
	case token.SUB:
		nt := t.Widened()
		if !t.IsFloat() {
			nt = nt.Signed()
		}
		g.b.Emit(ptx.Neg, func(c *ptx.Command) { c.Type(nt).Reg(dst).Reg(x) })
	case token.NOT:
		g.b.Emit(ptx.Not, func(c *ptx.Command) { c.Type(ptx.Pred).Reg(dst).Reg(x) })
	case token.XOR:
		g.b.Emit(ptx.Not, func(c *ptx.Command) { c.Type(t.Widened().Bitwise()).Reg(dst).Reg(x) })
	default:
		unsupported("unary operator %s", v.Op)
	}
	g.normalize(dst, t)
}

// lowerLoad reads through a generic pointer.
func (g *Generator) lowerLoad(v *ssa.UnOp) {
	if !registerType(v.Type()) {
		unsupported("load of aggregate value of type %s", v.Type())
	}
	g.loadGeneric(g.Dest(v), g.TypeOf(v), ptx.Reg(g.Reg(v.X)), 0)
}

func (g *Generator) loadGeneric(dst ptx.Register, t ptx.Type, base ptx.Operand, off int64) {
	if t == ptx.Pred {
		tmp := g.regs.Fresh(ptx.KindB16)
		g.b.Emit(ptx.Ld, func(c *ptx.Command) { c.Type(ptx.U8).Reg(tmp).Addr(base, off) })
		g.b.Emit(ptx.Setp, func(c *ptx.Command) { c.Mod("ne").Type(ptx.U16).Reg(dst).Reg(tmp).Imm(0) })
		return
	}
	g.b.Emit(ptx.Ld, func(c *ptx.Command) { c.Type(t).Reg(dst).Addr(base, off) })
}

func (g *Generator) storeGeneric(base ptx.Operand, off int64, t ptx.Type, src ptx.Register) {
	if t == ptx.Pred {
		tmp := g.regs.Fresh(ptx.KindB16)
		g.b.Emit(ptx.Selp, func(c *ptx.Command) { c.Type(ptx.U16).Reg(tmp).Imm(1).Imm(0).Reg(src) })
		g.b.Emit(ptx.St, func(c *ptx.Command) { c.Type(ptx.U8).Addr(base, off).Reg(tmp) })
		return
	}
	g.b.Emit(ptx.St, func(c *ptx.Command) { c.Type(t).Addr(base, off).Reg(src) })
}

func (g *Generator) lowerConvert(v *ssa.Convert) {
	if isString(v.Type()) || isString(v.X.Type()) {
		unsupported("string conversion from %s to %s", v.X.Type(), v.Type())
	}
	dt, st := g.TypeOf(v), g.TypeOf(v.X)
	dst := g.Dest(v)
	src := g.Reg(v.X)

	switch {
	case dt.IsFloat() && st.IsFloat():
		if dt == st {
			g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(dt).Reg(dst).Reg(src) })
			return
		}
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) {
			if dt == ptx.F32 {
				c.Mod("rn")
			}
			c.Type(dt).Type(st).Reg(dst).Reg(src)
		})
	case dt.IsFloat():
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Mod("rn").Type(dt).Type(st).Reg(dst).Reg(src) })
	case st.IsFloat():
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Mod("rzi").Type(dt).Type(st).Reg(dst).Reg(src) })
	case dt.Bits() == st.Bits():
		if dt.Bits() == 8 {
			// same bits, different extension of the high byte
			g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(dt.Widened()).Type(dt).Reg(dst).Reg(src) })
			return
		}
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(dt.Bitwise()).Reg(dst).Reg(src) })
	default:
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(dt).Type(st).Reg(dst).Reg(src) })
	}
}

func (g *Generator) lowerChangeType(v *ssa.ChangeType) {
	if !registerType(v.Type()) {
		unsupported("change of aggregate type %s", v.Type())
	}
	t := g.TypeOf(v)
	g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(moveType(t)).Reg(g.Dest(v)).Operand(g.Operand(v.X)) })
}

// lowerAlloc zero-fills the storage bound to a at the allocation site, so
// every execution of the site starts from the zero value.
func (g *Generator) lowerAlloc(a *ssa.Alloc) {
	s, ok := g.allocs[a]
	if !ok {
		malformed("allocation %s was not laid out", a.Name())
	}
	g.zeroFill(ptx.Reg(g.regs.Load(a)), s.Size(), s.Align)
}

// unrollLimit is the largest fill written as straight-line stores.
const unrollLimit = 64

func (g *Generator) zeroFill(base ptx.Operand, size, align int64) {
	if size == 0 {
		return
	}
	unit := int64(8)
	for size%unit != 0 || align%unit != 0 {
		unit /= 2
	}
	ut := ptx.Type(ptx.B8)
	switch unit {
	case 2:
		ut = ptx.B16
	case 4:
		ut = ptx.B32
	case 8:
		ut = ptx.B64
	}

	if size <= unrollLimit {
		if unit == 8 {
			// 8-byte aligned: two 32-bit zeros per vector store
			z := g.regs.Fresh(ptx.KindB32)
			g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.B32).Reg(z).Imm(0) })
			for off := int64(0); off < size; off += 8 {
				st := ptx.VectorStore{Type: ptx.B32, Addr: ptx.Addr(base, off), N: 2}
				g.b.Complex(st).AddReg(z, z).End()
			}
			return
		}
		z := g.regs.Fresh(ut.Kind())
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ut.Widened()).Reg(z).Imm(0) })
		for off := int64(0); off < size; off += unit {
			g.b.Emit(ptx.St, func(c *ptx.Command) { c.Type(ut).Addr(base, off).Reg(z) })
		}
		return
	}

	z := g.regs.Fresh(ut.Kind())
	p := g.regs.Fresh(ptx.KindB64)
	end := g.regs.Fresh(ptx.KindB64)
	more := g.regs.Fresh(ptx.KindPred)
	loop := g.newLabel("ZF")
	g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ut.Widened()).Reg(z).Imm(0) })
	g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.U64).Reg(p).Operand(base) })
	g.b.Emit(ptx.Add, func(c *ptx.Command) { c.Type(ptx.S64).Reg(end).Operand(base).Imm(size) })
	g.b.Label(loop)
	g.b.Emit(ptx.St, func(c *ptx.Command) { c.Type(ut).Addr(ptx.Reg(p), 0).Reg(z) })
	g.b.Emit(ptx.Add, func(c *ptx.Command) { c.Type(ptx.S64).Reg(p).Reg(p).Imm(unit) })
	g.b.Emit(ptx.Setp, func(c *ptx.Command) { c.Mod("lo").Type(ptx.U64).Reg(more).Reg(p).Reg(end) })
	g.b.Emit(ptx.Bra, func(c *ptx.Command) { c.Guard(more, false).Named(loop) })
}

func (g *Generator) lowerStore(v *ssa.Store) {
	addr := ptx.Reg(g.Reg(v.Addr))
	if registerType(v.Val.Type()) {
		g.storeGeneric(addr, 0, g.TypeOf(v.Val), g.Reg(v.Val))
		return
	}

	size, align := g.be.ABI.LayoutOf(v.Val.Type())
	if c, ok := v.Val.(*ssa.Const); ok && c.Value == nil {
		g.zeroFill(addr, size, align)
		return
	}
	if mp, off, ok := g.paramOffset(v.Val); ok {
		g.copyFromParam(addr, mp, off, size, align)
		return
	}
	unsupported("store of aggregate %v", v.Val)
}

// copyFromParam copies size bytes of a memory-passed parameter, starting
// at off, to a generic address.
func (g *Generator) copyFromParam(dst ptx.Operand, mp *MappedParameter, off, size, align int64) {
	unit := min(align, 8)
	for size%unit != 0 {
		unit /= 2
	}
	ut := ptx.Type(ptx.B8)
	switch unit {
	case 2:
		ut = ptx.B16
	case 4:
		ut = ptx.B32
	case 8:
		ut = ptx.B64
	}
	tmp := g.regs.Fresh(ut.Kind())
	src := ptx.Named(mp.Name)
	for i := int64(0); i < size; i += unit {
		g.b.Emit(ptx.Ld, func(c *ptx.Command) { c.Mod(ptx.SpaceParam).Type(ut).Reg(tmp).Addr(src, off+i) })
		g.b.Emit(ptx.St, func(c *ptx.Command) { c.Type(ut).Addr(dst, i).Reg(tmp) })
	}
}

func (g *Generator) lowerFieldAddr(v *ssa.FieldAddr) {
	st := v.X.Type().Underlying().(*types.Pointer).Elem().Underlying().(*types.Struct)
	off := g.be.ABI.FieldOffset(st, v.Field)
	g.addOffset(g.Dest(v), g.Reg(v.X), off)
}

func (g *Generator) addOffset(dst, base ptx.Register, off int64) {
	if off == 0 {
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.B64).Reg(dst).Reg(base) })
		return
	}
	g.b.Emit(ptx.Add, func(c *ptx.Command) { c.Type(ptx.S64).Reg(dst).Reg(base).Imm(off) })
}

func (g *Generator) lowerIndexAddr(v *ssa.IndexAddr) {
	ptr, ok := v.X.Type().Underlying().(*types.Pointer)
	if !ok {
		unsupported("indexing %s; only pointers to arrays are addressable", v.X.Type())
	}
	arr, ok := ptr.Elem().Underlying().(*types.Array)
	if !ok {
		unsupported("indexing %s; only pointers to arrays are addressable", v.X.Type())
	}
	elem := g.be.ABI.ElemSize(arr)
	base := g.Reg(v.X)
	dst := g.Dest(v)

	if c, ok := v.Index.(*ssa.Const); ok {
		i, _ := constant.Int64Val(c.Value)
		g.addOffset(dst, base, i*elem)
		return
	}

	g.checkBounds(v.Index, arr.Len())
	it := g.TypeOf(v.Index)
	idx := g.Reg(v.Index)
	off := g.regs.Fresh(ptx.KindB64)
	switch it.Bits() {
	case 32:
		mt := ptx.S32
		if it.IsUnsigned() {
			mt = ptx.U32
		}
		g.b.Emit(ptx.Mul, func(c *ptx.Command) { c.Mod("wide").Type(mt).Reg(off).Reg(idx).Imm(elem) })
	case 64:
		g.b.Emit(ptx.Mul, func(c *ptx.Command) { c.Mod("lo").Type(ptx.S64).Reg(off).Reg(idx).Imm(elem) })
	default:
		to, from := ptx.S64, it
		if it.IsUnsigned() {
			to = ptx.U64
		}
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(to).Type(from).Reg(off).Reg(idx) })
		g.b.Emit(ptx.Mul, func(c *ptx.Command) { c.Mod("lo").Type(ptx.S64).Reg(off).Reg(off).Imm(elem) })
	}
	g.b.Emit(ptx.Add, func(c *ptx.Command) { c.Type(ptx.S64).Reg(dst).Reg(base).Reg(off) })
}

// checkBounds traps when an index is outside [0, n) and assertions are
// enabled. The unsigned comparison also catches negative indices.
func (g *Generator) checkBounds(index ssa.Value, n int64) {
	if !g.be.Caps.Assertions {
		return
	}
	it := g.TypeOf(index)
	idx := g.Reg(index)
	// n must fit the comparison type, so narrow indices are sign or zero
	// extended to at least 32 bits first.
	t := ptx.U32
	if it.Bits() == 64 || n > math.MaxUint32 {
		t = ptx.U64
	}
	if it.Bits() != t.Bits() {
		wide := g.regs.Fresh(t.Kind())
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(t).Type(it).Reg(wide).Reg(idx) })
		idx = wide
	}
	p := g.regs.Fresh(ptx.KindPred)
	g.b.Emit(ptx.Setp, func(c *ptx.Command) { c.Mod("hs").Type(t).Reg(p).Reg(idx).Imm(n) })
	g.b.Emit(ptx.Trap, func(c *ptx.Command) { c.Guard(p, false) })
}

// paramOffset resolves a chain of Field and constant Index extractions
// rooted at a memory-passed parameter to a byte offset into it.
func (g *Generator) paramOffset(v ssa.Value) (*MappedParameter, int64, bool) {
	switch x := v.(type) {
	case *ssa.Parameter:
		mp := g.paramOf[x]
		return mp, 0, mp != nil && mp.Class.Memory
	case *ssa.Field:
		mp, off, ok := g.paramOffset(x.X)
		if !ok {
			return nil, 0, false
		}
		st := x.X.Type().Underlying().(*types.Struct)
		return mp, off + g.be.ABI.FieldOffset(st, x.Field), true
	case *ssa.Index:
		c, isConst := x.Index.(*ssa.Const)
		arr, isArr := x.X.Type().Underlying().(*types.Array)
		if !isConst || !isArr {
			return nil, 0, false
		}
		mp, off, ok := g.paramOffset(x.X)
		if !ok {
			return nil, 0, false
		}
		i, _ := constant.Int64Val(c.Value)
		return mp, off + i*g.be.ABI.ElemSize(arr), true
	}
	return nil, 0, false
}

// lowerField reads a scalar field of a memory-passed parameter. Aggregate
// fields produce nothing; their uses resolve through paramOffset.
func (g *Generator) lowerField(v *ssa.Field) {
	g.extract(v)
}

func (g *Generator) lowerIndex(v *ssa.Index) {
	g.extract(v)
}

func (g *Generator) extract(v ssa.Value) {
	mp, off, ok := g.paramOffset(v)
	if !ok {
		unsupported("extraction %v from a value that is not a parameter", v)
	}
	if !registerType(v.Type()) {
		return
	}
	g.loadParam(g.Dest(v), g.TypeOf(v), ptx.Named(mp.Name), off)
}

func isString(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsString != 0
}
