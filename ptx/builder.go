package ptx

import (
	"fmt"
	"strings"
)

// Builder is a growable text buffer for one function. Besides appending it
// supports inserting text at a previously recorded mark, which is how the
// register declarations are placed ahead of the body that needed them.
type Builder struct {
	buf []byte
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{buf: make([]byte, 0, 4096)}
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// Mark returns the current position for a later InsertAt.
func (b *Builder) Mark() int { return len(b.buf) }

// InsertAt splices text in at mark. Marks taken after mark are invalidated.
func (b *Builder) InsertAt(mark int, text string) {
	if mark < 0 || mark > len(b.buf) {
		panic(fmt.Sprintf("ptx: insert mark %d outside buffer of %d bytes", mark, len(b.buf)))
	}
	if text == "" {
		return
	}
	n := len(text)
	b.buf = append(b.buf, text...)
	copy(b.buf[mark+n:], b.buf[mark:len(b.buf)-n])
	copy(b.buf[mark:], text)
}

// Raw appends s verbatim.
func (b *Builder) Raw(s string) {
	b.buf = append(b.buf, s...)
}

// Line appends one indented line.
func (b *Builder) Line(format string, args ...any) {
	b.buf = append(b.buf, '\t')
	b.buf = fmt.Appendf(b.buf, format, args...)
	b.buf = append(b.buf, '\n')
}

// Label appends a label definition.
func (b *Builder) Label(name string) {
	b.buf = append(b.buf, name...)
	b.buf = append(b.buf, ":\n"...)
}

// Blank appends an empty line.
func (b *Builder) Blank() {
	b.buf = append(b.buf, '\n')
}

func (b *Builder) String() string { return string(b.buf) }

// Begin starts a command. The statement is written when End is called.
func (b *Builder) Begin(op Op) *Command {
	return &Command{b: b, op: op}
}

// Emit writes one statement. The build callback appends modifiers, types
// and operands. The statement is terminated when Emit returns, whichever
// appends the callback made.
func (b *Builder) Emit(op Op, build func(c *Command)) {
	c := b.Begin(op)
	defer c.End()
	if build != nil {
		build(c)
	}
}

// Command accumulates one statement.
type Command struct {
	b      *Builder
	op     Op
	guard  string
	mods   []string
	types  []Type
	ops    []Operand
	closed bool
}

// Guard predicates the statement on p, or on !p when negate is set.
func (c *Command) Guard(p Register, negate bool) *Command {
	if negate {
		c.guard = "@!" + p.String() + " "
	} else {
		c.guard = "@" + p.String() + " "
	}
	return c
}

// Mod appends modifiers such as a state space or rounding mode.
func (c *Command) Mod(mods ...string) *Command {
	for _, m := range mods {
		if m != "" {
			c.mods = append(c.mods, m)
		}
	}
	return c
}

// Type appends a type suffix. cvt takes two.
func (c *Command) Type(t Type) *Command {
	if t != TypeNone {
		c.types = append(c.types, t)
	}
	return c
}

// Operand appends an operand. Unused operands are ignored.
func (c *Command) Operand(o Operand) *Command {
	if !o.IsNone() {
		c.ops = append(c.ops, o)
	}
	return c
}

// Reg appends a register operand.
func (c *Command) Reg(r Register) *Command { return c.Operand(Reg(r)) }

// Imm appends an integer immediate.
func (c *Command) Imm(v int64) *Command { return c.Operand(Imm(v)) }

// Named appends a symbol, label or special register.
func (c *Command) Named(name string) *Command { return c.Operand(Named(name)) }

// Addr appends [base+offset].
func (c *Command) Addr(base Operand, offset int64) *Command {
	return c.Operand(Addr(base, offset))
}

// End terminates the statement and writes it. Calling End twice is a no-op.
func (c *Command) End() {
	if c.closed {
		return
	}
	c.closed = true
	c.b.Raw(c.String())
}

func (c *Command) String() string {
	var sb strings.Builder
	sb.WriteByte('\t')
	sb.WriteString(c.guard)
	sb.WriteString(c.op.String())
	for _, m := range c.mods {
		sb.WriteByte('.')
		sb.WriteString(m)
	}
	for _, t := range c.types {
		sb.WriteString(t.Suffix())
	}
	for i, o := range c.ops {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	sb.WriteString(";\n")
	return sb.String()
}
