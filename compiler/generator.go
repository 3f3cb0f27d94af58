package compiler

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// Backend is the target description shared by every generator of a
// program. It is read-only during compilation.
type Backend struct {
	ABI  *ABI
	Caps Capabilities
	ISA  ptx.ISA
}

// DefaultBackend returns the backend for the highest supported ISA with no
// optional capabilities.
func DefaultBackend() *Backend {
	return &Backend{ABI: NewABI(), ISA: ptx.SupportedISAs[0]}
}

// Callee is what a call site needs to know about its target.
type Callee struct {
	Symbol   string
	Entry    bool
	External bool
}

// SymbolResolver names the functions a generator calls.
type SymbolResolver interface {
	Resolve(fn *ssa.Function) (Callee, bool)
}

// externalResolver resolves only functions without a body.
type externalResolver struct{}

func (externalResolver) Resolve(fn *ssa.Function) (Callee, bool) {
	if isExternal(fn) {
		return Callee{Symbol: fn.Name(), External: true}, true
	}
	return Callee{}, false
}

// Options configures one Generator.
type Options struct {
	ID              int    // program-wide function id
	Symbol          string // emitted name; derived from ID when empty
	Entry           bool   // emit as a kernel entry
	Backend         *Backend
	Intrinsics      *IntrinsicRegistry
	IntrinsicParams int
	Logic           ParameterLogic
	Symbols         SymbolResolver
	Debug           DebugInfo
}

// Stats summarizes one compiled function.
type Stats struct {
	Blocks    int
	PhiMoves  int
	Registers []KindUsage
}

// Output is the result of compiling one function.
type Output struct {
	ptx.Unit
	Entry bool
	Stats Stats
}

// Generator compiles one SSA function to PTX text. Every table it uses is
// private to it; create one per function and drop it after merging.
type Generator struct {
	fn   *ssa.Function
	opts Options
	be   *Backend

	b        *ptx.Builder
	regs     *RegisterAllocator
	graph    *CFG
	labels   map[*ssa.BasicBlock]string
	phis     PhiPlan
	params   []MappedParameter
	implicit []implicitParam
	paramOf  map[ssa.Value]*MappedParameter
	locals   *Frame
	allocs   map[ssa.Value]FrameSlot
	shared   []*ssa.Global
	sharedOf map[ssa.Value]string
	// program-scope declarations of shared
	sharedDecls []string
	strs        *stringTable
	externs     []string
	extSeen     map[string]bool
	regMark     int
	labelSeq    int
	moves       int
}

// NewGenerator prepares the compilation of fn.
func NewGenerator(fn *ssa.Function, opts Options) *Generator {
	if opts.Backend == nil {
		opts.Backend = DefaultBackend()
	}
	if opts.Intrinsics == nil {
		opts.Intrinsics = NewIntrinsicRegistry()
	}
	if opts.Logic == nil {
		opts.Logic = GridIndexLogic{}
	}
	if opts.Symbols == nil {
		opts.Symbols = externalResolver{}
	}
	if opts.Debug == nil {
		opts.Debug = NoDebugInfo{}
	}
	if opts.Symbol == "" {
		opts.Symbol = FunctionSymbol(fn, opts.ID)
	}
	return &Generator{
		fn:       fn,
		opts:     opts,
		be:       opts.Backend,
		b:        ptx.NewBuilder(),
		regs:     NewRegisterAllocator(opts.Backend.ABI),
		labels:   make(map[*ssa.BasicBlock]string, len(fn.Blocks)),
		paramOf:  make(map[ssa.Value]*MappedParameter),
		allocs:   make(map[ssa.Value]FrameSlot),
		sharedOf: make(map[ssa.Value]string),
		strs:     newStringTable(opts.Symbol),
		extSeen:  make(map[string]bool),
	}
}

// validate checks the configuration against fn before any text exists.
func (g *Generator) validate() error {
	if isExternal(g.fn) {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "%s has no body to compile", g.fn.Name())
	}
	if g.opts.Entry && g.fn.Signature.Results().Len() > 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "kernel entry %s cannot return a value", g.fn.Name())
	}
	n := g.opts.IntrinsicParams
	if n < 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "negative intrinsic parameter count %d", n)
	}
	if n > len(g.fn.Params) {
		return errors.Wrapf(errdefs.ErrInvalidArgument,
			"%s: %d intrinsic parameters requested but it has %d", g.fn.Name(), n, len(g.fn.Params))
	}
	if n > g.opts.Logic.Max() {
		return errors.Wrapf(errdefs.ErrInvalidArgument,
			"%s parameter logic serves at most %d parameters, %d requested", g.opts.Logic.Name(), g.opts.Logic.Max(), n)
	}
	for _, p := range g.fn.Params[:n] {
		b, ok := p.Type().Underlying().(*types.Basic)
		if !ok || b.Info()&types.IsInteger == 0 {
			return errors.Wrapf(errdefs.ErrInvalidArgument,
				"%s: intrinsic parameter %s must be an integer, not %s", g.fn.Name(), p.Name(), p.Type())
		}
	}
	return nil
}

// Compile generates the function. On failure no output is returned and
// the generator must be discarded.
func (g *Generator) Compile() (out *Output, err error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	defer recoverFatal(&err)

	g.opts.Debug.Reset()
	g.graph = BuildCFG(g.fn)
	g.assignLabels()
	g.phis = ResolvePhis(g.fn, g.graph)

	g.setupParameters()
	g.setupAllocations()
	g.allocateValues()

	g.emitPrologue()
	for _, b := range g.fn.Blocks {
		g.emitBlock(b)
	}
	globals := g.finish()

	out = &Output{
		Unit: ptx.Unit{
			Symbol:  g.opts.Symbol,
			Body:    g.b.String(),
			Globals: globals,
			Shared:  g.sharedDecls,
			Externs: g.externs,
		},
		Entry: g.opts.Entry,
		Stats: Stats{
			Blocks:    len(g.fn.Blocks),
			PhiMoves:  g.moves,
			Registers: g.regs.Usage(),
		},
	}
	if !g.opts.Entry {
		out.Prototype = g.header() + ";\n"
	}
	return out, nil
}

func (g *Generator) assignLabels() {
	for _, b := range g.fn.Blocks {
		if _, dup := g.labels[b]; dup {
			malformed("block %d appears twice in %s", b.Index, g.fn.Name())
		}
		g.labels[b] = fmt.Sprintf("$L__BB%d_%d", g.opts.ID, b.Index)
	}
}

// newLabel returns a label that belongs to no block.
func (g *Generator) newLabel(tag string) string {
	g.labelSeq++
	return fmt.Sprintf("$L__%s%d_%d", tag, g.opts.ID, g.labelSeq)
}

// allocateValues gives every value-producing instruction its register
// ahead of emission. Block order does not follow dominance, so a use can
// be emitted before its definition.
func (g *Generator) allocateValues() {
	for _, b := range g.fn.Blocks {
		for _, instr := range b.Instrs {
			v, ok := instr.(ssa.Value)
			if !ok {
				continue
			}
			if _, done := g.regs.Lookup(v); done {
				continue
			}
			if _, ok := v.(*ssa.Alloc); ok {
				continue
			}
			if registerType(v.Type()) {
				g.regs.Allocate(v)
			}
		}
	}
}

func registerType(t types.Type) bool {
	switch u := t.Underlying().(type) {
	case *types.Basic:
		_, ok := basicType(u)
		return ok
	case *types.Pointer:
		return true
	}
	return false
}

func (g *Generator) emitPrologue() {
	g.b.Raw(g.header())
	g.b.Raw("\n{\n")
	g.regMark = g.b.Mark()

	for _, s := range g.locals.Slots() {
		g.b.Line(".%s .align %d .b8 \t%s[%d];", g.locals.Space(), s.Align, s.Name, max(s.Size(), 1))
	}
	if g.locals.Len() > 0 {
		g.b.Blank()
	}

	g.opts.Debug.EmitFunction(g.b, g.fn)
	g.bindParameters()
	g.bindAllocations()
	g.b.Blank()
}

func (g *Generator) emitBlock(b *ssa.BasicBlock) {
	g.opts.Debug.EmitBlock(g.b, b)
	g.b.Label(g.labels[b])
	if len(b.Instrs) == 0 {
		malformed("block %d of %s is empty", b.Index, g.fn.Name())
	}
	last := len(b.Instrs) - 1
	for _, instr := range b.Instrs[:last] {
		g.emitValue(instr)
	}
	g.opts.Debug.EmitValue(g.b, b.Instrs[last])
	g.emitTerminator(b.Instrs[last])
	g.b.Blank()
}

func (g *Generator) emitValue(instr ssa.Instruction) {
	g.opts.Debug.EmitValue(g.b, instr)
	if h, ok := g.opts.Intrinsics.Lookup(instr); ok {
		h(g, g.be, instr)
		return
	}
	g.visit(instr)
}

// finish closes the body, splices the register declarations in after the
// opening brace and returns the constant block.
func (g *Generator) finish() string {
	g.b.Raw("}\n")

	var sb strings.Builder
	for _, u := range g.regs.Usage() {
		fmt.Fprintf(&sb, "\t.reg %s \t%s<%d>;\n", u.Kind.Decl(), u.Kind.Prefix(), u.Count)
	}
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	g.b.InsertAt(g.regMark, sb.String())

	return g.strs.emit()
}

// header renders the linkage, return slot, name and parameter list.
func (g *Generator) header() string {
	var params []string
	for _, mp := range g.params {
		params = append(params, declareParam(mp.Name, mp.Class))
	}
	if g.opts.Entry {
		return signature(".visible .entry ", g.opts.Symbol, params, "")
	}
	linkage := ".func "
	if token.IsExported(g.fn.Name()) {
		linkage = ".visible .func "
	}
	return signature(linkage, g.opts.Symbol, params, g.retDecl(g.fn.Signature))
}

func (g *Generator) retDecl(sig *types.Signature) string {
	switch sig.Results().Len() {
	case 0:
		return ""
	case 1:
		cls := g.be.ABI.Classify(sig.Results().At(0).Type())
		if cls.Memory {
			unsupported("aggregate result of type %s", sig.Results().At(0).Type())
		}
		return declareParam("func_retval0", cls)
	}
	unsupported("function with %d results", sig.Results().Len())
	return ""
}

func declareParam(name string, cls Class) string {
	if cls.Memory {
		return fmt.Sprintf(".param .align %d .b8 %s[%d]", cls.Align, name, cls.Size)
	}
	return fmt.Sprintf(".param %s %s", cls.Type.Storage().Suffix(), name)
}

func signature(linkage, symbol string, params []string, ret string) string {
	var sb strings.Builder
	sb.WriteString(linkage)
	if ret != "" {
		sb.WriteString("(" + ret + ") ")
	}
	sb.WriteString(symbol)
	if len(params) == 0 {
		sb.WriteString("()")
		return sb.String()
	}
	sb.WriteString("(\n")
	for i, p := range params {
		sb.WriteString("\t" + p)
		if i < len(params)-1 {
			sb.WriteByte(',')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(")")
	return sb.String()
}

// Builder returns the text buffer of the function being compiled.
func (g *Generator) Builder() *ptx.Builder { return g.b }

// Registers returns the register allocator.
func (g *Generator) Registers() *RegisterAllocator { return g.regs }

// TypeOf returns the register type of v.
func (g *Generator) TypeOf(v ssa.Value) ptx.Type {
	cls := g.be.ABI.Classify(v.Type())
	if cls.Memory {
		unsupported("aggregate value %s of type %s used as a scalar", v.Name(), v.Type())
	}
	return cls.Type
}

// Dest returns the register that receives the result of v.
func (g *Generator) Dest(v ssa.Value) ptx.Register { return g.regs.Load(v) }

// Operand returns v as an instruction operand: an immediate for
// constants, otherwise its register.
func (g *Generator) Operand(v ssa.Value) ptx.Operand {
	switch v := v.(type) {
	case *ssa.Const:
		return g.constOperand(v)
	case *ssa.Global:
		if _, ok := g.sharedOf[v]; !ok {
			malformed("global %s was not bound to shared storage", v.Name())
		}
	case *ssa.Function, *ssa.Builtin:
		unsupported("function value %s used as an operand", v.Name())
	}
	return ptx.Reg(g.regs.Load(v))
}

// Reg returns v in a register, moving constants into a fresh one.
func (g *Generator) Reg(v ssa.Value) ptx.Register {
	op := g.Operand(v)
	if op.IsReg() {
		return op.Reg
	}
	t := g.TypeOf(v)
	r := g.regs.Fresh(t.Kind())
	g.b.Emit(ptx.Mov, func(c *ptx.Command) { c.Type(moveType(t)).Reg(r).Operand(op) })
	return r
}

func (g *Generator) constOperand(c *ssa.Const) ptx.Operand {
	if c.Value == nil {
		cls := g.be.ABI.Classify(c.Type())
		if cls.Memory {
			unsupported("zero value of aggregate type %s used as an operand", c.Type())
		}
		return zeroOperand(cls.Type)
	}
	t := g.TypeOf(c)
	switch c.Value.Kind() {
	case constant.Bool:
		if constant.BoolVal(c.Value) {
			return ptx.Imm(1)
		}
		return ptx.Imm(0)
	case constant.Int, constant.Float:
		switch t {
		case ptx.F32:
			f, _ := constant.Float32Val(c.Value)
			return ptx.ImmF32(f)
		case ptx.F64:
			f, _ := constant.Float64Val(c.Value)
			return ptx.ImmF64(f)
		}
		if t.IsUnsigned() {
			u, _ := constant.Uint64Val(c.Value)
			return ptx.Imm(int64(u))
		}
		i, _ := constant.Int64Val(c.Value)
		return ptx.Imm(i)
	case constant.String:
		sym := g.strs.symbol(constant.StringVal(c.Value))
		r := g.regs.Fresh(ptx.KindB64)
		g.b.Emit(ptx.Cvta, func(cmd *ptx.Command) {
			cmd.Mod(ptx.SpaceGlobal).Type(ptx.U64).Reg(r).Named(sym)
		})
		return ptx.Reg(r)
	}
	unsupported("constant %s of kind %s", c, c.Value.Kind())
	return ptx.NoOperand
}

func zeroOperand(t ptx.Type) ptx.Operand {
	switch t {
	case ptx.F32:
		return ptx.ImmF32(0)
	case ptx.F64:
		return ptx.ImmF64(0)
	}
	return ptx.Imm(0)
}

// moveType is the mov suffix for values of type t.
func moveType(t ptx.Type) ptx.Type {
	if t == ptx.Pred || t.IsFloat() {
		return t
	}
	return t.Widened().Bitwise()
}
