package ptx

import (
	"fmt"
	"math"
	"strings"
)

// OperandKind selects how an Operand is printed.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
	OperandF32
	OperandF64
	OperandName
	OperandAddr
	OperandGroup
)

// Operand represents a single instruction operand.
type Operand struct {
	Kind   OperandKind
	Reg    Register
	Imm    int64
	Bits   uint64    // raw float bits for OperandF32/OperandF64
	Name   string    // symbol, label or special register
	Offset int64     // byte offset for OperandAddr
	Base   *Operand  // base of an OperandAddr
	Group  []Operand // members of an OperandGroup
	Open   string    // group delimiters, "{" "}" or "(" ")"
	Close  string
}

// NoOperand is a sentinel for an unused operand.
var NoOperand = Operand{}

// Reg creates a register operand.
func Reg(r Register) Operand {
	return Operand{Kind: OperandReg, Reg: r}
}

// Imm creates an integer immediate.
func Imm(v int64) Operand {
	return Operand{Kind: OperandImm, Imm: v}
}

// ImmF32 creates a single precision immediate, printed in hex form.
func ImmF32(f float32) Operand {
	return Operand{Kind: OperandF32, Bits: uint64(math.Float32bits(f))}
}

// ImmF64 creates a double precision immediate, printed in hex form.
func ImmF64(f float64) Operand {
	return Operand{Kind: OperandF64, Bits: math.Float64bits(f)}
}

// Named creates an operand that refers to a symbol, a label or a special
// register by name.
func Named(name string) Operand {
	return Operand{Kind: OperandName, Name: name}
}

// Addr creates a memory operand [base+offset]. The base is a register or a
// named symbol.
func Addr(base Operand, offset int64) Operand {
	b := base
	return Operand{Kind: OperandAddr, Base: &b, Offset: offset}
}

// Vector creates a brace-delimited operand group, {a, b}.
func Vector(ops ...Operand) Operand {
	return Operand{Kind: OperandGroup, Group: ops, Open: "{", Close: "}"}
}

// List creates a parenthesized operand group, (a, b).
func List(ops ...Operand) Operand {
	return Operand{Kind: OperandGroup, Group: ops, Open: "(", Close: ")"}
}

// IsNone returns true if this operand is unused.
func (o Operand) IsNone() bool { return o.Kind == OperandNone }

// IsReg returns true for register operands.
func (o Operand) IsReg() bool { return o.Kind == OperandReg }

// IsImm returns true for integer and float immediates.
func (o Operand) IsImm() bool {
	return o.Kind == OperandImm || o.Kind == OperandF32 || o.Kind == OperandF64
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandNone:
		return ""
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		return fmt.Sprintf("%d", o.Imm)
	case OperandF32:
		return fmt.Sprintf("0f%08X", uint32(o.Bits))
	case OperandF64:
		return fmt.Sprintf("0d%016X", o.Bits)
	case OperandName:
		return o.Name
	case OperandAddr:
		base := o.Base.String()
		switch {
		case o.Offset > 0:
			return fmt.Sprintf("[%s+%d]", base, o.Offset)
		case o.Offset < 0:
			return fmt.Sprintf("[%s%d]", base, o.Offset)
		}
		return "[" + base + "]"
	case OperandGroup:
		parts := make([]string, len(o.Group))
		for i, g := range o.Group {
			parts[i] = g.String()
		}
		return o.Open + strings.Join(parts, ", ") + o.Close
	default:
		return "???"
	}
}
