package ptx

import "fmt"

// A CompoundEmitter arranges a fixed number of primitive operands into a
// single instruction.
type CompoundEmitter interface {
	// Width is the number of operands the emitter expects.
	Width() int
	// Emit writes the instruction for ops, which has exactly Width elements.
	Emit(b *Builder, ops []Operand)
}

// ComplexCommand collects the operands of a compound instruction and hands
// them to its emitter when the scope ends.
type ComplexCommand struct {
	b      *Builder
	e      CompoundEmitter
	ops    []Operand
	closed bool
}

// Complex starts a compound instruction.
func (b *Builder) Complex(e CompoundEmitter) *ComplexCommand {
	return &ComplexCommand{b: b, e: e}
}

// Add appends operands.
func (cc *ComplexCommand) Add(ops ...Operand) *ComplexCommand {
	cc.ops = append(cc.ops, ops...)
	return cc
}

// AddReg appends register operands.
func (cc *ComplexCommand) AddReg(regs ...Register) *ComplexCommand {
	for _, r := range regs {
		cc.ops = append(cc.ops, Reg(r))
	}
	return cc
}

// End emits the instruction. The operand count must match the emitter.
func (cc *ComplexCommand) End() {
	if cc.closed {
		return
	}
	cc.closed = true
	if len(cc.ops) != cc.e.Width() {
		panic(fmt.Sprintf("ptx: compound instruction wants %d operands, got %d", cc.e.Width(), len(cc.ops)))
	}
	cc.e.Emit(cc.b, cc.ops)
}

// VectorStore writes N registers with one st.vN.
type VectorStore struct {
	Space string
	Type  Type
	Addr  Operand
	N     int
}

func (v VectorStore) Width() int { return v.N }

func (v VectorStore) Emit(b *Builder, ops []Operand) {
	b.Emit(St, func(c *Command) {
		c.Mod(v.Space, fmt.Sprintf("v%d", v.N)).Type(v.Type).Operand(v.Addr).Operand(Vector(ops...))
	})
}

// VectorLoad reads N registers with one ld.vN.
type VectorLoad struct {
	Space string
	Type  Type
	Addr  Operand
	N     int
}

func (v VectorLoad) Width() int { return v.N }

func (v VectorLoad) Emit(b *Builder, ops []Operand) {
	b.Emit(Ld, func(c *Command) {
		c.Mod(v.Space, fmt.Sprintf("v%d", v.N)).Type(v.Type).Operand(Vector(ops...)).Operand(v.Addr)
	})
}

// CallSequence emits call.uni with its return slot and argument list. When
// Ret is set the first operand is the return parameter.
type CallSequence struct {
	Target string
	Ret    bool
	Args   int
}

func (cs CallSequence) Width() int {
	if cs.Ret {
		return cs.Args + 1
	}
	return cs.Args
}

func (cs CallSequence) Emit(b *Builder, ops []Operand) {
	b.Emit(Call, func(c *Command) {
		c.Mod("uni")
		args := ops
		if cs.Ret {
			c.Operand(List(ops[0]))
			args = ops[1:]
		}
		c.Named(cs.Target)
		if len(args) > 0 {
			c.Operand(List(args...))
		}
	})
}

// MoveSet writes N register copies, one mov per (dst, src) pair. Operands
// are given as dst0, src0, dst1, src1 and so on, already in a safe order.
type MoveSet struct {
	Type Type
	N    int
}

func (m MoveSet) Width() int { return 2 * m.N }

func (m MoveSet) Emit(b *Builder, ops []Operand) {
	for i := 0; i < len(ops); i += 2 {
		b.Emit(Mov, func(c *Command) { c.Type(m.Type).Operand(ops[i]).Operand(ops[i+1]) })
	}
}
