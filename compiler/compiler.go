package compiler

import (
	"context"
	stderrors "errors"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"slices"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

var tracer = otel.Tracer("github.com/NERVsystems/infernode/tools/ptxgen/compiler")

// Compiler compiles a Go kernel package to a PTX program.
type Compiler struct {
	cfg        Config
	backend    *Backend
	logic      ParameterLogic
	intrinsics *IntrinsicRegistry
	Metrics    *Metrics
}

// New creates a Compiler. The configuration is validated here, so a bad
// ISA or index logic fails before any source is read.
func New(cfg Config) (*Compiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	isa, err := ptx.SelectISA(cfg.Capabilities.ISA)
	if err != nil {
		return nil, err
	}
	logic, err := LogicByName(cfg.IndexLogic)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		cfg:        cfg,
		backend:    &Backend{ABI: NewABI(), Caps: cfg.Capabilities, ISA: isa},
		logic:      logic,
		intrinsics: DefaultIntrinsics(),
		Metrics:    NewMetrics(),
	}, nil
}

// Intrinsics returns the registry consulted before generic lowering.
// Handlers must be registered before compiling.
func (c *Compiler) Intrinsics() *IntrinsicRegistry { return c.intrinsics }

// ISA returns the selected instruction-set version.
func (c *Compiler) ISA() ptx.ISA { return c.backend.ISA }

// CompileFile compiles a single-file package.
func (c *Compiler) CompileFile(ctx context.Context, filename string, src []byte) (*ptx.Program, error) {
	return c.CompileFiles(ctx, []string{filename}, [][]byte{src})
}

// unit is one function scheduled for compilation.
type unit struct {
	id     int
	fn     *ssa.Function
	symbol string
	entry  bool
}

// CompileFiles compiles the files of one package. Functions are compiled
// in parallel and merged in a fixed order, so the output does not depend
// on scheduling. With KeepGoing a failed function is left out along with
// every function that calls it, and the program is returned together with
// an error listing every failure.
func (c *Compiler) CompileFiles(ctx context.Context, filenames []string, sources [][]byte) (_ *ptx.Program, retErr error) {
	ctx, span := tracer.Start(ctx, "CompileFiles", trace.WithAttributes(attribute.Int("ptxgen.files", len(filenames))))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	fset, pkg, err := c.build(filenames, sources)
	if err != nil {
		return nil, err
	}
	units, symbols := c.plan(ctx, pkg)
	span.SetAttributes(attribute.Int("ptxgen.functions", len(units)))

	outs := make([]*Output, len(units))
	failures := make([]error, len(units))
	eg, egctx := errgroup.WithContext(ctx)
	if c.cfg.Jobs > 0 {
		eg.SetLimit(c.cfg.Jobs)
	}
	for i, u := range units {
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			out, err := c.compileUnit(egctx, fset, u, symbols)
			if err != nil {
				err = errors.Wrapf(err, "compile %s", u.fn.RelString(nil))
				if c.cfg.KeepGoing {
					failures[i] = err
					return nil
				}
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, i := range dropCallers(units, failures) {
		c.Metrics.skipped()
		log.G(ctx).WithError(failures[i]).Debug("dropping caller of failed function")
	}

	prog := ptx.NewProgram(c.backend.ISA)
	for i, out := range outs {
		if failures[i] != nil {
			log.G(ctx).WithError(failures[i]).Warn("skipping function")
			continue
		}
		prog.Merge(&out.Unit)
	}
	return prog, stderrors.Join(failures...)
}

// dropCallers fails every unit that refers to a failed unit, directly or
// through other callers, so the merged program never calls a function it
// does not define. It returns the indices of the units it failed.
func dropCallers(units []unit, failures []error) []int {
	index := make(map[*ssa.Function]int, len(units))
	for i, u := range units {
		index[u.fn] = i
	}
	callees := make([][]int, len(units))
	var ops []*ssa.Value
	for i, u := range units {
		for _, b := range u.fn.Blocks {
			for _, instr := range b.Instrs {
				ops = instr.Operands(ops[:0])
				for _, op := range ops {
					if op == nil {
						continue
					}
					if fn, ok := (*op).(*ssa.Function); ok {
						if j, ok := index[fn]; ok {
							callees[i] = append(callees[i], j)
						}
					}
				}
			}
		}
	}

	var dropped []int
	for changed := true; changed; {
		changed = false
		for i, u := range units {
			if failures[i] != nil {
				continue
			}
			for _, j := range callees[i] {
				if failures[j] != nil {
					failures[i] = errors.Wrapf(errdefs.ErrFailedPrecondition, "compile %s: calls %s, which failed",
						u.fn.RelString(nil), units[j].fn.RelString(nil))
					dropped = append(dropped, i)
					changed = true
					break
				}
			}
		}
	}
	return dropped
}

// build parses and type-checks the files and builds their SSA form.
func (c *Compiler) build(filenames []string, sources [][]byte) (*token.FileSet, *ssa.Package, error) {
	if len(filenames) == 0 {
		return nil, nil, errors.Wrap(errdefs.ErrInvalidArgument, "no source files")
	}
	if len(filenames) != len(sources) {
		return nil, nil, errors.Wrapf(errdefs.ErrInvalidArgument,
			"%d file names for %d sources", len(filenames), len(sources))
	}

	fset := token.NewFileSet()
	var files []*ast.File
	for i, filename := range filenames {
		file, err := parser.ParseFile(fset, filename, sources[i], parser.AllErrors)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "parse %s", filename)
		}
		files = append(files, file)
	}
	for _, f := range files[1:] {
		if f.Name.Name != files[0].Name.Name {
			return nil, nil, errors.Wrapf(errdefs.ErrInvalidArgument,
				"multiple packages: %s and %s", files[0].Name.Name, f.Name.Name)
		}
	}

	mode := ssa.SanityCheckFunctions
	if c.cfg.DebugInfo {
		mode |= ssa.GlobalDebug
	}
	name := files[0].Name.Name
	conf := &types.Config{Importer: newStubImporter()}
	ssaPkg, _, err := ssautil.BuildPackage(conf, fset, types.NewPackage(name, name), files, mode)
	if err != nil {
		return nil, nil, errors.Wrap(err, "typecheck")
	}
	return fset, ssaPkg, nil
}

// plan collects the functions of pkg, orders them and assigns ids and
// symbols. Bodyless declarations are not compiled but resolve to their
// literal names.
func (c *Compiler) plan(ctx context.Context, pkg *ssa.Package) ([]unit, *programSymbols) {
	var funcs []*ssa.Function
	seen := make(map[*ssa.Function]bool)
	add := func(fn *ssa.Function) {
		if fn == nil || seen[fn] || isExternal(fn) || isInit(fn) || fn.TypeParams().Len() > 0 {
			return
		}
		seen[fn] = true
		funcs = append(funcs, fn)
	}
	for _, mem := range pkg.Members {
		switch m := mem.(type) {
		case *ssa.Function:
			add(m)
		case *ssa.Type:
			nt, ok := m.Type().(*types.Named)
			if !ok || nt.TypeParams().Len() > 0 {
				continue
			}
			for i := 0; i < nt.NumMethods(); i++ {
				add(pkg.Prog.FuncValue(nt.Method(i)))
			}
		}
	}
	slices.SortFunc(funcs, func(a, b *ssa.Function) int {
		return strings.Compare(a.RelString(nil), b.RelString(nil))
	})

	named := make(map[string]bool, len(c.cfg.Entries))
	for _, e := range c.cfg.Entries {
		named[e] = true
	}
	symbols := &programSymbols{byFn: make(map[*ssa.Function]Callee, len(funcs))}
	units := make([]unit, len(funcs))
	for id, fn := range funcs {
		entry := isKernel(fn) || named[fn.Name()] || named[displayName(fn)]
		delete(named, fn.Name())
		delete(named, displayName(fn))
		u := unit{id: id, fn: fn, symbol: FunctionSymbol(fn, id), entry: entry}
		units[id] = u
		symbols.byFn[fn] = Callee{Symbol: u.symbol, Entry: entry}
	}
	for e := range named {
		log.G(ctx).WithField("entry", e).Warn("configured entry not found")
	}
	return units, symbols
}

// isInit reports whether fn is the package initializer or a user init.
func isInit(fn *ssa.Function) bool {
	return fn.Signature.Recv() == nil && (fn.Name() == "init" || strings.HasPrefix(fn.Name(), "init#"))
}

// isKernel reports whether fn is an implicit entry: an exported
// package-level function without results.
func isKernel(fn *ssa.Function) bool {
	return fn.Signature.Recv() == nil && token.IsExported(fn.Name()) && fn.Signature.Results().Len() == 0
}

func (c *Compiler) compileUnit(ctx context.Context, fset *token.FileSet, u unit, symbols *programSymbols) (*Output, error) {
	_, span := tracer.Start(ctx, "compileFunction", trace.WithAttributes(
		attribute.String("ptxgen.symbol", u.symbol),
		attribute.Int("ptxgen.blocks", len(u.fn.Blocks)),
		attribute.Bool("ptxgen.entry", u.entry),
	))
	defer span.End()

	var debug DebugInfo = NoDebugInfo{}
	if c.cfg.DebugInfo {
		debug = NewLineInfo(fset)
	}
	intrinsicParams := 0
	if u.entry {
		intrinsicParams = c.cfg.IntrinsicParams
	}

	start := time.Now()
	out, err := NewGenerator(u.fn, Options{
		ID:              u.id,
		Symbol:          u.symbol,
		Entry:           u.entry,
		Backend:         c.backend,
		Intrinsics:      c.intrinsics,
		IntrinsicParams: intrinsicParams,
		Logic:           c.logic,
		Symbols:         symbols,
		Debug:           debug,
	}).Compile()
	d := time.Since(start)
	if err != nil {
		c.Metrics.failed(d)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	c.Metrics.compiled(out, d)

	log.G(ctx).WithFields(log.Fields{
		"symbol":    out.Symbol,
		"blocks":    out.Stats.Blocks,
		"phi_moves": out.Stats.PhiMoves,
		"registers": out.Stats.Registers,
		"duration":  d,
	}).Debug("compiled function")
	return out, nil
}

// programSymbols resolves call targets to the symbols assigned by plan.
type programSymbols struct {
	byFn map[*ssa.Function]Callee
}

func (ps *programSymbols) Resolve(fn *ssa.Function) (Callee, bool) {
	if c, ok := ps.byFn[fn]; ok {
		return c, true
	}
	return externalResolver{}.Resolve(fn)
}
