package compiler

import (
	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// DefaultIntrinsics returns a registry that lowers calls into the math,
// math/bits and gpu packages to single instructions.
func DefaultIntrinsics() *IntrinsicRegistry {
	r := NewIntrinsicRegistry()
	registerMathIntrinsics(r)
	registerBitsIntrinsics(r)
	registerGPUIntrinsics(r)
	return r
}

func callArgs(instr ssa.Instruction) (*ssa.Call, []ssa.Value) {
	call, ok := instr.(*ssa.Call)
	if !ok {
		malformed("intrinsic handler applied to %T", instr)
	}
	return call, call.Call.Args
}

// unary emits "op.mods.t dst, x".
func unary(op ptx.Op, t ptx.Type, mods ...string) Handler {
	return func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x := g.Reg(args[0])
		g.b.Emit(op, func(c *ptx.Command) { c.Mod(mods...).Type(t).Reg(g.Dest(call)).Reg(x) })
	}
}

// binary emits "op.mods.t dst, x, y".
func binary(op ptx.Op, t ptx.Type, mods ...string) Handler {
	return func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x, y := g.Reg(args[0]), g.Operand(args[1])
		g.b.Emit(op, func(c *ptx.Command) { c.Mod(mods...).Type(t).Reg(g.Dest(call)).Reg(x).Operand(y) })
	}
}

// round emits an integral rounding of a float64 with the given mode.
func round(mode string) Handler {
	return func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x := g.Reg(args[0])
		g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Mod(mode).Type(ptx.F64).Type(ptx.F64).Reg(g.Dest(call)).Reg(x) })
	}
}

func registerMathIntrinsics(r *IntrinsicRegistry) {
	r.Register("call:math.Sqrt", unary(ptx.Sqrt, ptx.F64, "rn"))
	r.Register("call:math.Abs", unary(ptx.Abs, ptx.F64))
	r.Register("call:math.Floor", round("rmi"))
	r.Register("call:math.Ceil", round("rpi"))
	r.Register("call:math.Trunc", round("rzi"))
	r.Register("call:math.RoundToEven", round("rni"))
	r.Register("call:math.Min", binary(ptx.Min, ptx.F64))
	r.Register("call:math.Max", binary(ptx.Max, ptx.F64))
	r.Register("call:math.FMA", func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x, y, z := g.Reg(args[0]), g.Reg(args[1]), g.Reg(args[2])
		g.b.Emit(ptx.Fma, func(c *ptx.Command) { c.Mod("rn").Type(ptx.F64).Reg(g.Dest(call)).Reg(x).Reg(y).Reg(z) })
	})
	// copysign takes the sign source first
	r.Register("call:math.Copysign", func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		f, sign := g.Reg(args[0]), g.Reg(args[1])
		g.b.Emit(ptx.Copysign, func(c *ptx.Command) { c.Type(ptx.F64).Reg(g.Dest(call)).Reg(sign).Reg(f) })
	})
}

// count emits a bit count of a width-bit operand, which yields u32, and
// converts it to the Go result type.
func count(width int, reverse bool, op ptx.Op) Handler {
	bt := ptx.B32
	if width == 64 {
		bt = ptx.B64
	}
	return func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x := g.Reg(args[0])
		if reverse {
			rev := g.regs.Fresh(bt.Kind())
			g.b.Emit(ptx.Brev, func(c *ptx.Command) { c.Type(bt).Reg(rev).Reg(x) })
			x = rev
		}
		n := g.regs.Fresh(ptx.KindB32)
		g.b.Emit(op, func(c *ptx.Command) { c.Type(bt).Reg(n).Reg(x) })
		g.widenCount(g.Dest(call), g.TypeOf(call), n)
	}
}

func (g *Generator) widenCount(dst ptx.Register, t ptx.Type, n ptx.Register) {
	if t.Bits() == 32 {
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.B32).Reg(dst).Reg(n) })
		return
	}
	g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(t).Type(ptx.U32).Reg(dst).Reg(n) })
}

func registerBitsIntrinsics(r *IntrinsicRegistry) {
	for _, w := range []struct {
		suffix string
		width  int
	}{{"32", 32}, {"64", 64}, {"", 64}} {
		r.Register(OpKind("call:math/bits.OnesCount"+w.suffix), count(w.width, false, ptx.Popc))
		r.Register(OpKind("call:math/bits.LeadingZeros"+w.suffix), count(w.width, false, ptx.Clz))
		r.Register(OpKind("call:math/bits.TrailingZeros"+w.suffix), count(w.width, true, ptx.Clz))
	}
	r.Register("call:math/bits.Reverse32", unary(ptx.Brev, ptx.B32))
	r.Register("call:math/bits.Reverse64", unary(ptx.Brev, ptx.B64))
}

// approx emits an approximate float32 instruction, flushing denormals
// under fast-math.
func approx(op ptx.Op) Handler {
	return func(g *Generator, be *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x := g.Reg(args[0])
		g.b.Emit(op, func(c *ptx.Command) {
			c.Mod("approx")
			if be.Caps.FastMath {
				c.Mod("ftz")
			}
			c.Type(ptx.F32).Reg(g.Dest(call)).Reg(x)
		})
	}
}

// minmaxf propagates NaN where the ISA supports it, as Go's min does.
func minmaxf(op ptx.Op) Handler {
	return func(g *Generator, be *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x, y := g.Reg(args[0]), g.Operand(args[1])
		g.b.Emit(op, func(c *ptx.Command) {
			if be.ISA.AtLeast("7.8") {
				c.Mod("NaN")
			}
			c.Type(ptx.F32).Reg(g.Dest(call)).Reg(x).Operand(y)
		})
	}
}

func specialRead(name string) Handler {
	return func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, _ := callArgs(instr)
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.U32).Reg(g.Dest(call)).Named(name) })
	}
}

func atomicAdd(t ptx.Type) Handler {
	return func(g *Generator, _ *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		addr, v := g.Reg(args[0]), g.Reg(args[1])
		g.b.Emit(ptx.Atom, func(c *ptx.Command) {
			c.Mod("add").Type(t).Reg(g.Dest(call)).Addr(ptx.Reg(addr), 0).Reg(v)
		})
	}
}

func registerGPUIntrinsics(r *IntrinsicRegistry) {
	r.Register("call:gpu.SyncThreads", func(g *Generator, _ *Backend, _ ssa.Instruction) {
		g.b.Emit(ptx.Bar, func(c *ptx.Command) { c.Mod("sync").Imm(0) })
	})
	r.Register("call:gpu.Trap", func(g *Generator, _ *Backend, _ ssa.Instruction) {
		g.b.Emit(ptx.Trap, nil)
	})
	for name, reg := range map[string]string{
		"ThreadIdxX": ptx.TidX, "ThreadIdxY": ptx.TidY, "ThreadIdxZ": ptx.TidZ,
		"BlockIdxX": ptx.CtaidX, "BlockIdxY": ptx.CtaidY, "BlockIdxZ": ptx.CtaidZ,
		"BlockDimX": ptx.NtidX, "BlockDimY": ptx.NtidY, "BlockDimZ": ptx.NtidZ,
	} {
		r.Register(OpKind("call:gpu."+name), specialRead(reg))
	}
	r.Register("call:gpu.AtomicAddInt32", atomicAdd(ptx.S32))
	r.Register("call:gpu.AtomicAddFloat32", atomicAdd(ptx.F32))

	r.Register("call:gpu.Sqrtf", func(g *Generator, be *Backend, instr ssa.Instruction) {
		call, args := callArgs(instr)
		x := g.Reg(args[0])
		g.b.Emit(ptx.Sqrt, func(c *ptx.Command) {
			if be.Caps.FastMath {
				c.Mod("approx", "ftz")
			} else {
				c.Mod("rn")
			}
			c.Type(ptx.F32).Reg(g.Dest(call)).Reg(x)
		})
	})
	r.Register("call:gpu.Rsqrtf", approx(ptx.Rsqrt))
	r.Register("call:gpu.Sinf", approx(ptx.Sin))
	r.Register("call:gpu.Cosf", approx(ptx.Cos))
	r.Register("call:gpu.Exp2f", approx(ptx.Ex2))
	r.Register("call:gpu.Log2f", approx(ptx.Lg2))
	r.Register("call:gpu.Minf", minmaxf(ptx.Min))
	r.Register("call:gpu.Maxf", minmaxf(ptx.Max))
}
