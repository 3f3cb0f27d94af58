// Map-based dispatch registry for intrinsic lowering. A handler registered
// for an operation kind replaces the generic lowering of every instruction
// of that kind.

package compiler

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// OpKind names a class of instructions. Static calls are keyed by callee
// ("call:math.Sqrt"), builtins by name ("builtin:len") and everything else
// by instruction type ("BinOp").
type OpKind string

// KindOf returns the kind of instr.
func KindOf(instr ssa.Instruction) OpKind {
	if call, ok := instr.(*ssa.Call); ok && !call.Call.IsInvoke() {
		switch fn := call.Call.Value.(type) {
		case *ssa.Function:
			if obj := fn.Object(); obj != nil && obj.Pkg() != nil {
				return OpKind("call:" + obj.Pkg().Path() + "." + fn.Name())
			}
			return OpKind("call:" + fn.Name())
		case *ssa.Builtin:
			return OpKind("builtin:" + fn.Name())
		}
	}
	return OpKind(strings.TrimPrefix(fmt.Sprintf("%T", instr), "*ssa."))
}

// Handler lowers one instruction in place of the generic lowering.
type Handler func(g *Generator, be *Backend, instr ssa.Instruction)

// IntrinsicRegistry maps operation kinds to handlers. It is filled before
// compilation and only read afterwards, so generators may share it.
type IntrinsicRegistry struct {
	handlers map[OpKind]Handler
}

// NewIntrinsicRegistry creates an empty registry.
func NewIntrinsicRegistry() *IntrinsicRegistry {
	return &IntrinsicRegistry{handlers: make(map[OpKind]Handler)}
}

// Register installs h for kind, replacing any earlier handler.
func (r *IntrinsicRegistry) Register(kind OpKind, h Handler) {
	r.handlers[kind] = h
}

// Lookup returns the handler for instr, if any.
func (r *IntrinsicRegistry) Lookup(instr ssa.Instruction) (Handler, bool) {
	if len(r.handlers) == 0 {
		return nil, false
	}
	h, ok := r.handlers[KindOf(instr)]
	return h, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *IntrinsicRegistry) Kinds() []OpKind {
	kinds := make([]OpKind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
