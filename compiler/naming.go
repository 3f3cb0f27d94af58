package compiler

import (
	"go/types"
	"strconv"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// Sanitize turns a source name into a target identifier. Every rune that
// is not an ASCII letter or digit becomes '_' and the id is appended, so
// equal names with distinct ids never collide.
func Sanitize(name string, id int) string {
	var sb strings.Builder
	sb.Grow(len(name) + 8)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	sb.WriteByte('_')
	sb.WriteString(strconv.Itoa(id))
	return sb.String()
}

// displayName is the source name a function symbol is derived from:
// "Recv_Method" for methods, the plain name otherwise.
func displayName(fn *ssa.Function) string {
	if recv := fn.Signature.Recv(); recv != nil {
		return typeName(recv.Type()) + "_" + fn.Name()
	}
	return fn.Name()
}

func typeName(t types.Type) string {
	s := types.TypeString(t, func(*types.Package) string { return "" })
	return strings.TrimPrefix(s, "*")
}

// isExternal reports whether fn is declared without a body. External
// functions keep their literal name.
func isExternal(fn *ssa.Function) bool {
	return len(fn.Blocks) == 0
}

// FunctionSymbol returns the emitted name of fn given its program id.
func FunctionSymbol(fn *ssa.Function, id int) string {
	if isExternal(fn) {
		return fn.Name()
	}
	return Sanitize(displayName(fn), id)
}

// SharedSymbol returns the program-scope name of the shared array backing
// gv. The id is gv's rank among its package's variables sorted by name, so
// every function referring to gv derives the same symbol.
func SharedSymbol(gv *ssa.Global) string {
	id := 0
	if gv.Pkg != nil {
		for name, m := range gv.Pkg.Members {
			if _, ok := m.(*ssa.Global); ok && name < gv.Name() {
				id++
			}
		}
	}
	return Sanitize("__shared_"+gv.Name(), id)
}
