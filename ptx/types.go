package ptx

import "fmt"

// RegKind is the basic kind of a virtual register.
type RegKind uint8

const (
	KindPred RegKind = iota
	KindB8
	KindB16
	KindB32
	KindB64
	KindF32
	KindF64

	NumKinds
)

var kindInfo = [NumKinds]struct {
	prefix string
	decl   string
}{
	KindPred: {"%p", ".pred"},
	KindB8:   {"%rc", ".b8"},
	KindB16:  {"%rs", ".b16"},
	KindB32:  {"%r", ".b32"},
	KindB64:  {"%rd", ".b64"},
	KindF32:  {"%f", ".f32"},
	KindF64:  {"%fd", ".f64"},
}

// Prefix returns the register name prefix, e.g. "%rd".
func (k RegKind) Prefix() string { return kindInfo[k].prefix }

// Decl returns the type used in the .reg declaration for this kind.
func (k RegKind) Decl() string { return kindInfo[k].decl }

func (k RegKind) String() string {
	if k >= NumKinds {
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
	return kindInfo[k].decl[1:]
}

// Register is a virtual register descriptor. It carries no state beyond
// its kind and index.
type Register struct {
	Kind  RegKind
	Index int
}

func (r Register) String() string {
	return fmt.Sprintf("%s%d", r.Kind.Prefix(), r.Index)
}

// Type is an instruction type suffix.
type Type uint8

const (
	TypeNone Type = iota
	Pred
	S8
	S16
	S32
	S64
	U8
	U16
	U32
	U64
	B8
	B16
	B32
	B64
	F32
	F64
)

var typeInfo = [...]struct {
	name string
	bits int
}{
	TypeNone: {"", 0},
	Pred:     {"pred", 1},
	S8:       {"s8", 8},
	S16:      {"s16", 16},
	S32:      {"s32", 32},
	S64:      {"s64", 64},
	U8:       {"u8", 8},
	U16:      {"u16", 16},
	U32:      {"u32", 32},
	U64:      {"u64", 64},
	B8:       {"b8", 8},
	B16:      {"b16", 16},
	B32:      {"b32", 32},
	B64:      {"b64", 64},
	F32:      {"f32", 32},
	F64:      {"f64", 64},
}

func (t Type) String() string { return typeInfo[t].name }

// Suffix returns the type as an instruction suffix, e.g. ".s32".
func (t Type) Suffix() string {
	if t == TypeNone {
		return ""
	}
	return "." + typeInfo[t].name
}

// Bits returns the width of the type. Predicates report 1.
func (t Type) Bits() int { return typeInfo[t].bits }

// Size returns the in-memory size in bytes. Predicates are stored as bytes.
func (t Type) Size() int64 {
	if t == Pred {
		return 1
	}
	return int64(t.Bits() / 8)
}

func (t Type) IsSigned() bool { return t >= S8 && t <= S64 }

func (t Type) IsUnsigned() bool { return t >= U8 && t <= U64 }

func (t Type) IsFloat() bool { return t == F32 || t == F64 }

// IsInt reports whether t is a signed, unsigned or untyped-bits integer.
func (t Type) IsInt() bool { return t >= S8 && t <= B64 }

// Kind returns the register kind that holds values of type t.
// There is no 8-bit arithmetic, so 8-bit values live in 16-bit registers.
func (t Type) Kind() RegKind {
	switch t {
	case Pred:
		return KindPred
	case S8, U8, B8, S16, U16, B16:
		return KindB16
	case S32, U32, B32:
		return KindB32
	case S64, U64, B64:
		return KindB64
	case F32:
		return KindF32
	case F64:
		return KindF64
	}
	panic(fmt.Sprintf("ptx: no register kind for type %q", t))
}

// Widened returns the type used for arithmetic on values of type t held
// in registers.
func (t Type) Widened() Type {
	switch t {
	case S8:
		return S16
	case U8:
		return U16
	case B8:
		return B16
	}
	return t
}

// Bitwise returns the untyped-bits type of the same width.
func (t Type) Bitwise() Type {
	switch t.Bits() {
	case 1:
		return Pred
	case 8:
		return B8
	case 16:
		return B16
	case 32:
		return B32
	case 64:
		return B64
	}
	return TypeNone
}

// Unsigned returns the unsigned integer type of the same width.
func (t Type) Unsigned() Type {
	switch t.Bits() {
	case 8:
		return U8
	case 16:
		return U16
	case 32:
		return U32
	case 64:
		return U64
	}
	return t
}

// Signed returns the signed integer type of the same width.
func (t Type) Signed() Type {
	switch t.Bits() {
	case 8:
		return S8
	case 16:
		return S16
	case 32:
		return S32
	case 64:
		return S64
	}
	return t
}

// Storage returns the type used when a value of type t is kept in memory.
// Predicates have no memory representation and are stored as bytes.
func (t Type) Storage() Type {
	if t == Pred {
		return U8
	}
	return t
}
