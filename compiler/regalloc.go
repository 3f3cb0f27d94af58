package compiler

import (
	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// RegisterAllocator gives every SSA value its own virtual register.
// Registers are never reused; the counts per kind become the .reg
// declarations of the function.
type RegisterAllocator struct {
	abi  *ABI
	regs map[ssa.Value]ptx.Register
	next [ptx.NumKinds]int
}

// KindUsage is the number of registers allocated of one kind.
type KindUsage struct {
	Kind  ptx.RegKind
	Count int
}

// NewRegisterAllocator creates an empty allocator.
func NewRegisterAllocator(abi *ABI) *RegisterAllocator {
	return &RegisterAllocator{
		abi:  abi,
		regs: make(map[ssa.Value]ptx.Register),
	}
}

// Allocate assigns v a register of the kind its type implies.
func (ra *RegisterAllocator) Allocate(v ssa.Value) ptx.Register {
	cls := ra.abi.Classify(v.Type())
	if cls.Memory {
		unsupported("value %s of aggregate type %s cannot live in a register", v.Name(), v.Type())
	}
	return ra.AllocateKind(v, cls.Type.Kind())
}

// AllocateKind assigns v a register of an explicit kind. A value that
// already has a register keeps it.
func (ra *RegisterAllocator) AllocateKind(v ssa.Value, kind ptx.RegKind) ptx.Register {
	if r, ok := ra.regs[v]; ok {
		return r
	}
	r := ra.Fresh(kind)
	ra.regs[v] = r
	return r
}

// Load returns the register of v. A value without one means it was used
// before the allocation pass reached it.
func (ra *RegisterAllocator) Load(v ssa.Value) ptx.Register {
	r, ok := ra.regs[v]
	if !ok {
		malformed("value %s (%v) was never allocated a register", v.Name(), v)
	}
	return r
}

// Lookup returns the register of v if it has one.
func (ra *RegisterAllocator) Lookup(v ssa.Value) (ptx.Register, bool) {
	r, ok := ra.regs[v]
	return r, ok
}

// Fresh returns a register that belongs to no value.
func (ra *RegisterAllocator) Fresh(kind ptx.RegKind) ptx.Register {
	r := ptx.Register{Kind: kind, Index: ra.next[kind]}
	ra.next[kind]++
	return r
}

// Usage returns the kinds in use, in declaration order.
func (ra *RegisterAllocator) Usage() []KindUsage {
	var out []KindUsage
	for k := ptx.RegKind(0); k < ptx.NumKinds; k++ {
		if n := ra.next[k]; n > 0 {
			out = append(out, KindUsage{Kind: k, Count: n})
		}
	}
	return out
}
