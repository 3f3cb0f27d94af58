package compiler

import (
	"go/types"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// Class describes how a Go type is passed and stored on the target.
type Class struct {
	Memory bool     // aggregate, passed and stored as a byte array
	Type   ptx.Type // register type when !Memory
	Size   int64
	Align  int64
}

// ABI answers layout and passing questions for a 64-bit target.
type ABI struct {
	sizes types.Sizes
}

// NewABI creates the 64-bit ABI.
func NewABI() *ABI {
	return &ABI{sizes: types.SizesFor("gc", "amd64")}
}

// PointerType is the register type of every pointer.
func (a *ABI) PointerType() ptx.Type { return ptx.U64 }

// LayoutOf returns the size and alignment of t. Types the target cannot
// represent abort the compilation.
func (a *ABI) LayoutOf(t types.Type) (size, align int64) {
	a.check(t)
	return a.sizes.Sizeof(t), a.sizes.Alignof(t)
}

// Classify maps a Go type to its target class.
func (a *ABI) Classify(t types.Type) Class {
	size, align := a.LayoutOf(t)
	switch u := t.Underlying().(type) {
	case *types.Basic:
		pt, _ := basicType(u)
		return Class{Type: pt, Size: size, Align: align}
	case *types.Pointer:
		return Class{Type: a.PointerType(), Size: size, Align: align}
	}
	return Class{Memory: true, Size: size, Align: align}
}

// AllocLayout returns the element count, element size and alignment of an
// allocation of type t. Arrays count their elements.
func (a *ABI) AllocLayout(t types.Type) (count, elemSize, align int64) {
	a.check(t)
	if arr, ok := t.Underlying().(*types.Array); ok {
		return arr.Len(), a.sizes.Sizeof(arr.Elem()), a.sizes.Alignof(t)
	}
	return 1, a.sizes.Sizeof(t), a.sizes.Alignof(t)
}

// FieldOffset returns the byte offset of field i of st.
func (a *ABI) FieldOffset(st *types.Struct, i int) int64 {
	a.check(st)
	fields := make([]*types.Var, st.NumFields())
	for j := range fields {
		fields[j] = st.Field(j)
	}
	return a.sizes.Offsetsof(fields)[i]
}

// ElemSize returns the size of one element of an array type.
func (a *ABI) ElemSize(arr *types.Array) int64 {
	a.check(arr.Elem())
	return a.sizes.Sizeof(arr.Elem())
}

func (a *ABI) check(t types.Type) {
	switch u := t.Underlying().(type) {
	case *types.Basic:
		if _, ok := basicType(u); !ok {
			unsupported("type %s has no target layout", t)
		}
	case *types.Pointer:
	case *types.Array:
		a.check(u.Elem())
	case *types.Struct:
		for i := 0; i < u.NumFields(); i++ {
			a.check(u.Field(i).Type())
		}
	default:
		unsupported("type %s has no target layout", t)
	}
}

func basicType(t *types.Basic) (ptx.Type, bool) {
	switch t.Kind() {
	case types.Bool, types.UntypedBool:
		return ptx.Pred, true
	case types.Int8:
		return ptx.S8, true
	case types.Int16:
		return ptx.S16, true
	case types.Int32, types.UntypedRune:
		return ptx.S32, true
	case types.Int, types.Int64, types.UntypedInt:
		return ptx.S64, true
	case types.Uint8:
		return ptx.U8, true
	case types.Uint16:
		return ptx.U16, true
	case types.Uint32:
		return ptx.U32, true
	case types.Uint, types.Uint64, types.Uintptr:
		return ptx.U64, true
	case types.Float32:
		return ptx.F32, true
	case types.Float64, types.UntypedFloat:
		return ptx.F64, true
	case types.String, types.UntypedString, types.UnsafePointer, types.UntypedNil:
		return ptx.U64, true
	}
	return ptx.TypeNone, false
}
