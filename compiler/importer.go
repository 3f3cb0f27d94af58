// The stubImporter resolves the import paths a kernel may use to
// type-checked package stubs. The stubs carry signatures only; calls into
// them are lowered by intrinsics or declared as external functions.

package compiler

import (
	"go/token"
	"go/types"
	"sort"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// packageRegistry maps import paths to builders of package stubs.
var packageRegistry = map[string]func() *types.Package{}

// RegisterPackage registers a package builder for the given import path.
func RegisterPackage(path string, builder func() *types.Package) {
	packageRegistry[path] = builder
}

// KnownPackages returns the importable paths in sorted order.
func KnownPackages() []string {
	paths := make([]string, 0, len(packageRegistry))
	for p := range packageRegistry {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func init() {
	RegisterPackage("math", buildMathPackage)
	RegisterPackage("math/bits", buildBitsPackage)
	RegisterPackage("gpu", buildGPUPackage)
}

// stubImporter builds each package at most once per type check, so that
// every reference to a path yields the same *types.Package.
type stubImporter struct {
	cache map[string]*types.Package
}

func newStubImporter() *stubImporter {
	return &stubImporter{cache: make(map[string]*types.Package)}
}

func (si *stubImporter) Import(path string) (*types.Package, error) {
	if pkg, ok := si.cache[path]; ok {
		return pkg, nil
	}
	builder, ok := packageRegistry[path]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotImplemented, "unsupported import %q", path)
	}
	pkg := builder()
	si.cache[path] = pkg
	return pkg, nil
}

// stubBuilder declares functions in a package scope.
type stubBuilder struct {
	pkg *types.Package
}

func newStub(path, name string) *stubBuilder {
	return &stubBuilder{pkg: types.NewPackage(path, name)}
}

// fn declares "func name(params) result". A nil result declares no result.
func (sb *stubBuilder) fn(name string, result types.Type, params ...types.Type) {
	vars := make([]*types.Var, len(params))
	for i, t := range params {
		vars[i] = types.NewVar(token.NoPos, sb.pkg, "", t)
	}
	var results *types.Tuple
	if result != nil {
		results = types.NewTuple(types.NewVar(token.NoPos, sb.pkg, "", result))
	}
	sig := types.NewSignatureType(nil, nil, nil, types.NewTuple(vars...), results, false)
	sb.pkg.Scope().Insert(types.NewFunc(token.NoPos, sb.pkg, name, sig))
}

func (sb *stubBuilder) done() *types.Package {
	sb.pkg.MarkComplete()
	return sb.pkg
}

func buildMathPackage() *types.Package {
	sb := newStub("math", "math")
	f64 := types.Typ[types.Float64]
	for _, name := range []string{"Sqrt", "Abs", "Floor", "Ceil", "Trunc", "RoundToEven"} {
		sb.fn(name, f64, f64)
	}
	sb.fn("Min", f64, f64, f64)
	sb.fn("Max", f64, f64, f64)
	sb.fn("Copysign", f64, f64, f64)
	sb.fn("FMA", f64, f64, f64, f64)
	return sb.done()
}

func buildBitsPackage() *types.Package {
	sb := newStub("math/bits", "bits")
	integer := types.Typ[types.Int]
	u32, u64, uint_ := types.Typ[types.Uint32], types.Typ[types.Uint64], types.Typ[types.Uint]
	for _, name := range []string{"OnesCount", "LeadingZeros", "TrailingZeros"} {
		sb.fn(name, integer, uint_)
		sb.fn(name+"32", integer, u32)
		sb.fn(name+"64", integer, u64)
	}
	sb.fn("Reverse32", u32, u32)
	sb.fn("Reverse64", u64, u64)
	return sb.done()
}

func buildGPUPackage() *types.Package {
	sb := newStub("gpu", "gpu")
	i32, f32 := types.Typ[types.Int32], types.Typ[types.Float32]
	sb.fn("SyncThreads", nil)
	sb.fn("Trap", nil)
	for _, name := range []string{
		"ThreadIdxX", "ThreadIdxY", "ThreadIdxZ",
		"BlockIdxX", "BlockIdxY", "BlockIdxZ",
		"BlockDimX", "BlockDimY", "BlockDimZ",
	} {
		sb.fn(name, i32)
	}
	sb.fn("AtomicAddInt32", i32, types.NewPointer(i32), i32)
	sb.fn("AtomicAddFloat32", f32, types.NewPointer(f32), f32)
	for _, name := range []string{"Sqrtf", "Rsqrtf", "Sinf", "Cosf", "Exp2f", "Log2f"} {
		sb.fn(name, f32, f32)
	}
	sb.fn("Minf", f32, f32, f32)
	sb.fn("Maxf", f32, f32, f32)
	return sb.done()
}
