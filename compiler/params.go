package compiler

import (
	"fmt"
	"go/types"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// MappedParameter is a declared parameter and the register its value is
// bound to.
type MappedParameter struct {
	Register ptx.Register
	Name     string
	Param    *ssa.Parameter
	Class    Class
}

// implicitParam is a leading parameter supplied by the launch rather than
// by the caller.
type implicitParam struct {
	index int
	param *ssa.Parameter
	reg   ptx.Register
}

// ParameterLogic supplies the values of the leading intrinsic parameters
// of a kernel. Those parameters get a register but no declaration.
type ParameterLogic interface {
	Name() string
	// Max is the number of parameters the logic can supply.
	Max() int
	Allocate(g *Generator, i int, p *ssa.Parameter) ptx.Register
	Bind(g *Generator, i int, p *ssa.Parameter, r ptx.Register)
}

// LogicByName returns the parameter logic registered under name.
func LogicByName(name string) (ParameterLogic, error) {
	switch name {
	case "", "grid":
		return GridIndexLogic{}, nil
	case "thread":
		return ThreadIndexLogic{}, nil
	}
	return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "unknown index logic %q", name)
}

// GridIndexLogic supplies one parameter: the global x index of the
// thread, ctaid.x*ntid.x+tid.x.
type GridIndexLogic struct{}

func (GridIndexLogic) Name() string { return "grid" }

func (GridIndexLogic) Max() int { return 1 }

func (GridIndexLogic) Allocate(g *Generator, _ int, p *ssa.Parameter) ptx.Register {
	return g.regs.Allocate(p)
}

func (GridIndexLogic) Bind(g *Generator, _ int, p *ssa.Parameter, r ptx.Register) {
	ctaid := g.special(ptx.CtaidX)
	ntid := g.special(ptx.NtidX)
	tid := g.special(ptx.TidX)
	idx := g.regs.Fresh(ptx.KindB32)
	g.b.Emit(ptx.Mad, func(c *ptx.Command) {
		c.Mod("lo").Type(ptx.S32).Reg(idx).Reg(ctaid).Reg(ntid).Reg(tid)
	})
	g.widenIndex(r, g.TypeOf(p), idx)
}

// ThreadIndexLogic supplies up to six parameters, in order tid.x, tid.y,
// tid.z, ctaid.x, ctaid.y and ctaid.z.
type ThreadIndexLogic struct{}

var threadSpecials = [...]string{ptx.TidX, ptx.TidY, ptx.TidZ, ptx.CtaidX, ptx.CtaidY, ptx.CtaidZ}

func (ThreadIndexLogic) Name() string { return "thread" }

func (ThreadIndexLogic) Max() int { return len(threadSpecials) }

func (ThreadIndexLogic) Allocate(g *Generator, _ int, p *ssa.Parameter) ptx.Register {
	return g.regs.Allocate(p)
}

func (ThreadIndexLogic) Bind(g *Generator, i int, p *ssa.Parameter, r ptx.Register) {
	g.widenIndex(r, g.TypeOf(p), g.special(threadSpecials[i]))
}

// special reads a special register into a fresh 32-bit register.
func (g *Generator) special(name string) ptx.Register {
	r := g.regs.Fresh(ptx.KindB32)
	g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.U32).Reg(r).Named(name) })
	return r
}

// widenIndex moves a 32-bit index into dst, whose type may be any integer.
func (g *Generator) widenIndex(dst ptx.Register, t ptx.Type, src ptx.Register) {
	if t.Bits() == 32 {
		g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(ptx.B32).Reg(dst).Reg(src) })
		return
	}
	from := ptx.S32
	if t.IsUnsigned() {
		from = ptx.U32
	}
	g.b.Emit(ptx.Cvt, func(c *ptx.Command) { c.Type(t).Type(from).Reg(dst).Reg(src) })
}

// setupParameters assigns registers to every parameter and names the
// declared ones. Nothing is emitted yet.
func (g *Generator) setupParameters() {
	n := g.opts.IntrinsicParams
	for i, p := range g.fn.Params {
		if i < n {
			r := g.opts.Logic.Allocate(g, i, p)
			g.implicit = append(g.implicit, implicitParam{index: i, param: p, reg: r})
			continue
		}
		cls := g.be.ABI.Classify(p.Type())
		var r ptx.Register
		if cls.Memory {
			r = g.regs.AllocateKind(p, g.be.ABI.PointerType().Kind())
		} else {
			r = g.regs.Allocate(p)
		}
		g.params = append(g.params, MappedParameter{
			Register: r,
			Name:     Sanitize(g.opts.Symbol+"_param_"+p.Name(), i),
			Param:    p,
			Class:    cls,
		})
	}
	for i := range g.params {
		g.paramOf[g.params[i].Param] = &g.params[i]
	}
}

// setupAllocations lays out local allocations and the package globals the
// function refers to, which live in shared memory.
func (g *Generator) setupAllocations() {
	g.locals = NewFrame(ptx.SpaceLocal, "__local_depot")
	var ops []*ssa.Value
	for _, b := range g.fn.Blocks {
		for _, instr := range b.Instrs {
			if a, ok := instr.(*ssa.Alloc); ok {
				g.allocate(g.locals, a)
				continue
			}
			ops = instr.Operands(ops[:0])
			for _, op := range ops {
				if op == nil {
					continue
				}
				if gv, ok := (*op).(*ssa.Global); ok {
					g.declareShared(gv)
				}
			}
		}
	}
}

func (g *Generator) allocate(f *Frame, v ssa.Value) {
	elem := v.Type().Underlying().(*types.Pointer).Elem()
	count, size, align := g.be.ABI.AllocLayout(elem)
	g.allocs[v] = f.Alloc(v, count, size, align)
	g.regs.AllocateKind(v, g.be.ABI.PointerType().Kind())
}

// declareShared binds a package variable to its program-scope shared
// array. The declaration is identical in every function that uses gv, so
// merged programs hold one copy.
func (g *Generator) declareShared(gv *ssa.Global) {
	if _, done := g.sharedOf[gv]; done {
		return
	}
	elem := gv.Type().Underlying().(*types.Pointer).Elem()
	count, size, align := g.be.ABI.AllocLayout(elem)
	sym := SharedSymbol(gv)
	g.sharedOf[gv] = sym
	g.shared = append(g.shared, gv)
	g.sharedDecls = append(g.sharedDecls,
		fmt.Sprintf(".%s .align %d .b8 %s[%d];\n", ptx.SpaceShared, align, sym, max(count*size, 1)))
	g.regs.AllocateKind(gv, g.be.ABI.PointerType().Kind())
}

// bindAllocations converts the address of every allocation to a generic
// pointer in its register.
func (g *Generator) bindAllocations() {
	for _, s := range g.locals.Slots() {
		r := g.regs.Load(s.Value)
		g.b.Emit(ptx.Cvta, func(c *ptx.Command) { c.Mod(g.locals.Space()).Type(ptx.U64).Reg(r).Named(s.Name) })
	}
	for _, gv := range g.shared {
		r := g.regs.Load(gv)
		g.b.Emit(ptx.Cvta, func(c *ptx.Command) { c.Mod(ptx.SpaceShared).Type(ptx.U64).Reg(r).Named(g.sharedOf[gv]) })
	}
}
