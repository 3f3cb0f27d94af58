// Package ptx provides the textual model of the PTX virtual instruction set:
// register kinds, typed instructions, a statement builder and the program
// that compiled functions are merged into.
package ptx

// Op is a PTX opcode.
type Op uint8

const (
	OpInvalid Op = iota
	Add
	Sub
	Mul
	Mad
	Div
	Rem
	Abs
	Neg
	Min
	Max
	And
	Or
	Xor
	Not
	Shl
	Shr
	Setp
	Selp
	Mov
	Cvt
	Cvta
	Ld
	St
	Bra
	Call
	Ret
	Exit
	Trap
	Sqrt
	Rsqrt
	Fma
	Ex2
	Lg2
	Sin
	Cos
	Copysign
	Popc
	Clz
	Brev
	Bar
	Atom
)

var opNames = [...]string{
	OpInvalid: "invalid",
	Add:       "add",
	Sub:       "sub",
	Mul:       "mul",
	Mad:       "mad",
	Div:       "div",
	Rem:       "rem",
	Abs:       "abs",
	Neg:       "neg",
	Min:       "min",
	Max:       "max",
	And:       "and",
	Or:        "or",
	Xor:       "xor",
	Not:       "not",
	Shl:       "shl",
	Shr:       "shr",
	Setp:      "setp",
	Selp:      "selp",
	Mov:       "mov",
	Cvt:       "cvt",
	Cvta:      "cvta",
	Ld:        "ld",
	St:        "st",
	Bra:       "bra",
	Call:      "call",
	Ret:       "ret",
	Exit:      "exit",
	Trap:      "trap",
	Sqrt:      "sqrt",
	Rsqrt:     "rsqrt",
	Fma:       "fma",
	Ex2:       "ex2",
	Lg2:       "lg2",
	Sin:       "sin",
	Cos:       "cos",
	Copysign:  "copysign",
	Popc:      "popc",
	Clz:       "clz",
	Brev:      "brev",
	Bar:       "bar",
	Atom:      "atom",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "op?"
}

// State spaces, used as instruction modifiers and declaration prefixes.
const (
	SpaceParam  = "param"
	SpaceLocal  = "local"
	SpaceShared = "shared"
	SpaceGlobal = "global"
)

// Special registers readable with mov.
const (
	TidX   = "%tid.x"
	TidY   = "%tid.y"
	TidZ   = "%tid.z"
	NtidX  = "%ntid.x"
	NtidY  = "%ntid.y"
	NtidZ  = "%ntid.z"
	CtaidX = "%ctaid.x"
	CtaidY = "%ctaid.y"
	CtaidZ = "%ctaid.z"
)
