package compiler

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/tools/go/ssa"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

func readKernel(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join("..", "testdata", name))
	return string(data), err
}

// buildPackage type-checks src and builds its SSA form the way the
// compiler does.
func buildPackage(t *testing.T, src string) *ssa.Package {
	t.Helper()
	c, err := New(DefaultConfig())
	assert.NilError(t, err)
	_, pkg, err := c.build([]string{"kernel.go"}, [][]byte{[]byte(src)})
	assert.NilError(t, err)
	return pkg
}

func function(t *testing.T, pkg *ssa.Package, name string) *ssa.Function {
	t.Helper()
	fn := pkg.Func(name)
	assert.Assert(t, fn != nil, "no function %s", name)
	return fn
}

func compileFunc(t *testing.T, src, name string, opts Options) (*Generator, *Output) {
	t.Helper()
	g := NewGenerator(function(t, buildPackage(t, src), name), opts)
	out, err := g.Compile()
	assert.NilError(t, err)
	return g, out
}

func TestAggregateParameterIsByteArray(t *testing.T) {
	const src = `package kernels

type vec3 struct{ X, Y, Z float32 }

func Norm1(v vec3, out *float32) {
	*out = v.X + v.Y + v.Z
}
`
	_, out := compileFunc(t, src, "Norm1", Options{Entry: true})
	assert.Assert(t, is.Contains(out.Body, ".visible .entry Norm1_0(\n"))
	assert.Assert(t, is.Contains(out.Body, "\t.param .align 4 .b8 Norm1_0_param_v_0[12],\n"))
	assert.Assert(t, is.Contains(out.Body, "\t.param .u64 Norm1_0_param_out_1\n"))
	assert.Assert(t, !strings.Contains(out.Body, ".param .f32 Norm1_0_param_v_0"))
	assert.Equal(t, out.Prototype, "", "entries have no forward declaration")

	// the struct is copied out of parameter space word by word
	for _, off := range []string{"]", "+4]", "+8]"} {
		assert.Assert(t, is.Contains(out.Body, "[Norm1_0_param_v_0"+off))
	}
}

func TestStringLiteralsShareOneSymbol(t *testing.T) {
	const src = `package kernels

func logMsg(s string)

func Report(n int32) {
	logMsg("overflow")
	if n > 0 {
		logMsg("overflow")
	}
	logMsg("done")
}
`
	_, out := compileFunc(t, src, "Report", Options{Entry: true})

	assert.Equal(t, strings.Count(out.Globals, ".global"), 2)
	// "overflow" is 8 UTF-16 units: 16 bytes and the terminator
	assert.Assert(t, is.Contains(out.Globals,
		".global .align 2 .b8 Report_0_str_0[17] = {111, 0, 118, 0, 101, 0, 114, 0, 102, 0, 108, 0, 111, 0, 119, 0, 0};\n"))
	assert.Assert(t, is.Contains(out.Globals, ".global .align 2 .b8 Report_0_str_1[9] = {"))
	assert.Equal(t, strings.Count(out.Body, ", Report_0_str_0;"), 2)
	assert.Equal(t, strings.Count(out.Body, ", Report_0_str_1;"), 1)

	assert.DeepEqual(t, out.Externs, []string{".extern .func logMsg(\n\t.param .u64 logMsg_param_0\n);\n"})
}

func TestStringTableEncoding(t *testing.T) {
	st := newStringTable("f_3")
	assert.Equal(t, st.symbol("hé"), "f_3_str_0")
	assert.Equal(t, st.symbol("x"), "f_3_str_1")
	assert.Equal(t, st.symbol("hé"), "f_3_str_0")
	assert.Equal(t, st.Len(), 2)
	assert.Equal(t, st.emit(),
		".global .align 2 .b8 f_3_str_0[5] = {104, 0, 233, 0, 0};\n"+
			".global .align 2 .b8 f_3_str_1[3] = {120, 0, 0};\n")
}

const methodsSrc = `package kernels

type dev struct{ id int32 }

func (d *dev) reset()

type buf struct{ n int32 }

func (b *buf) reset() { b.n = 0 }

func Run(d *dev, b *buf) {
	d.reset()
	b.reset()
}
`

func TestExternalMethodKeepsLiteralName(t *testing.T) {
	c, err := New(DefaultConfig())
	assert.NilError(t, err)
	prog, err := c.CompileFile(t.Context(), "methods.go", []byte(methodsSrc))
	assert.NilError(t, err)
	text := prog.String()

	assert.Assert(t, is.Contains(text, "\tcall.uni reset, (param0);\n"))
	assert.Assert(t, is.Contains(text, "\tcall.uni buf_reset_0, (param0);\n"))
	assert.Assert(t, is.Contains(text, ".func buf_reset_0(\n"))
	assert.Assert(t, is.Contains(text, ".extern .func reset(\n\t.param .u64 reset_param_0\n);\n"))
	assert.Assert(t, !strings.Contains(text, "dev_reset"))
	assert.Equal(t, prog.Functions(), 2)
}

func TestFunctionSymbol(t *testing.T) {
	pkg := buildPackage(t, methodsSrc)
	run := function(t, pkg, "Run")
	assert.Equal(t, FunctionSymbol(run, 4), "Run_4")

	var external, internal *ssa.Function
	for _, b := range run.Blocks {
		for _, instr := range b.Instrs {
			call, ok := instr.(*ssa.Call)
			if !ok {
				continue
			}
			fn := call.Call.StaticCallee()
			if isExternal(fn) {
				external = fn
			} else {
				internal = fn
			}
		}
	}
	assert.Assert(t, external != nil && internal != nil)
	assert.Equal(t, FunctionSymbol(external, 9), "reset")
	assert.Equal(t, FunctionSymbol(internal, 9), "buf_reset_9")
}

func TestHeaderDeclaresUsedKinds(t *testing.T) {
	_, out := compileFunc(t, pickSrc, "pick", Options{})
	want := []KindUsage{
		{Kind: ptx.KindPred, Count: 1},
		{Kind: ptx.KindB16, Count: 1},
		{Kind: ptx.KindB32, Count: 3},
	}
	if diff := cmp.Diff(want, out.Stats.Registers); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
	assert.Assert(t, is.Contains(out.Body, "\n{\n\t.reg .pred \t%p<1>;\n\t.reg .b16 \t%rs<1>;\n\t.reg .b32 \t%r<3>;\n\n"))
	assert.Assert(t, !strings.Contains(out.Body, ".b64"))
	assert.Equal(t, out.Prototype,
		".func (.param .s32 func_retval0) pick_0(\n\t.param .u8 pick_0_param_c_0,\n\t.param .s32 pick_0_param_a_1,\n\t.param .s32 pick_0_param_b_2\n);\n")
	assert.Assert(t, strings.HasPrefix(out.Body, strings.TrimSuffix(out.Prototype, ";\n")+"\n{\n"))
	assert.Assert(t, is.Contains(out.Body, "\tst.param.s32 [func_retval0], "))
	assert.Assert(t, is.Contains(out.Body, "\tret;\n"))
	assert.Assert(t, strings.HasSuffix(out.Body, ";\n\n}\n"))
}

var (
	labelDef  = regexp.MustCompile(`(?m)^(\$L__\w+):$`)
	branchRef = regexp.MustCompile(`bra(?:\.uni)? (\$L__\w+);`)
)

// checkLabels verifies that every branch target is defined exactly once.
func checkLabels(t *testing.T, body string) {
	t.Helper()
	defs := make(map[string]int)
	for _, m := range labelDef.FindAllStringSubmatch(body, -1) {
		defs[m[1]]++
	}
	for l, n := range defs {
		assert.Check(t, n == 1, "label %s defined %d times", l, n)
	}
	for _, m := range branchRef.FindAllStringSubmatch(body, -1) {
		assert.Check(t, defs[m[1]] == 1, "branch to undefined label %s", m[1])
	}
}

func TestLabelsOnePerBlock(t *testing.T) {
	src, err := readKernel("reduce.go")
	assert.NilError(t, err)
	g, out := compileFunc(t, src, "BlockSum", Options{ID: 3, Entry: true, Intrinsics: DefaultIntrinsics()})

	seen := make(map[string]bool)
	for _, b := range g.fn.Blocks {
		l := g.labels[b]
		assert.Assert(t, !seen[l], "label %s reused", l)
		seen[l] = true
		assert.Assert(t, strings.HasPrefix(l, "$L__BB3_"))
		assert.Assert(t, is.Contains(out.Body, "\n"+l+":\n"))
	}
	checkLabels(t, out.Body)
}

func TestLoopPhiMoves(t *testing.T) {
	const src = `package kernels

func clamp(x, lo int32) int32 {
	for x < lo {
		x += 8
	}
	return x
}
`
	g, out := compileFunc(t, src, "clamp", Options{})
	checkLabels(t, out.Body)
	checkParallelCopy(t, g, out)
}

// TestIfEdgeLayout places hand-made phi moves on the edges of pick's
// conditional branch and checks where lowerIf puts them.
func TestIfEdgeLayout(t *testing.T) {
	fn := function(t, buildPackage(t, pickSrc), "pick")
	phi := onlyPhi(t, fn)
	a, b := fn.Params[1], fn.Params[2]

	tests := []struct {
		name    string
		onTrue  bool
		onFalse bool
		want    func(cond, dst, ra, rb, tl, fl string) string
	}{
		{
			name: "true edge only", onTrue: true,
			want: func(cond, dst, ra, rb, tl, fl string) string {
				return "\t@!" + cond + " bra " + fl + ";\n" +
					"\tmov.b32 " + dst + ", " + ra + ";\n" +
					"\tbra.uni " + tl + ";\n"
			},
		},
		{
			name: "false edge only", onFalse: true,
			want: func(cond, dst, ra, rb, tl, fl string) string {
				return "\t@" + cond + " bra " + tl + ";\n" +
					"\tmov.b32 " + dst + ", " + rb + ";\n" +
					"\tbra.uni " + fl + ";\n"
			},
		},
		{
			name: "both edges", onTrue: true, onFalse: true,
			want: func(cond, dst, ra, rb, tl, fl string) string {
				return "\t@" + cond + " bra $L__E0_1;\n" +
					"\tmov.b32 " + dst + ", " + rb + ";\n" +
					"\tbra.uni " + fl + ";\n" +
					"$L__E0_1:\n" +
					"\tmov.b32 " + dst + ", " + ra + ";\n" +
					"\tbra.uni " + tl + ";\n"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGenerator(fn, Options{})
			_, err := g.Plan()
			assert.NilError(t, err)

			entry := fn.Blocks[0]
			ifInstr, ok := entry.Instrs[len(entry.Instrs)-1].(*ssa.If)
			assert.Assert(t, ok)
			tb, fb := entry.Succs[0], entry.Succs[1]

			g.phis = make(PhiPlan)
			if tt.onTrue {
				g.phis[entry] = append(g.phis[entry], PhiMove{Succ: tb, Src: a, Dst: phi})
			}
			if tt.onFalse {
				g.phis[entry] = append(g.phis[entry], PhiMove{Succ: fb, Src: b, Dst: phi})
			}
			g.lowerIf(ifInstr)

			reg := func(v ssa.Value) string {
				r, ok := g.regs.Lookup(v)
				assert.Assert(t, ok)
				return r.String()
			}
			want := tt.want(reg(ifInstr.Cond), reg(phi), reg(a), reg(b), g.labels[tb], g.labels[fb])
			assert.Equal(t, g.b.String(), want)
		})
	}
}

func TestParameterLogic(t *testing.T) {
	src, err := readKernel("saxpy.go")
	assert.NilError(t, err)

	_, out := compileFunc(t, src, "Saxpy", Options{Entry: true, IntrinsicParams: 1})
	// the index registers are read after every value has its register
	for _, special := range []string{"%ctaid.x", "%ntid.x", "%tid.x"} {
		assert.Assert(t, is.Contains(out.Body, ", "+special+";\n"))
	}
	assert.Assert(t, is.Contains(out.Body, "mad.lo.s32"))
	assert.Assert(t, !strings.Contains(out.Body, "Saxpy_0_param_i"), "intrinsic parameters are not declared")
	assert.Assert(t, is.Contains(out.Body, "\t.param .s32 Saxpy_0_param_n_1,\n"))
	assert.Assert(t, is.Contains(out.Body, "mul.f32"))

	_, out = compileFunc(t, src, "Saxpy", Options{Entry: true, IntrinsicParams: 1, Logic: ThreadIndexLogic{}})
	assert.Assert(t, is.Contains(out.Body, "%tid.x;\n"))
	assert.Assert(t, !strings.Contains(out.Body, "mad.lo.s32"))
}

func TestParameterLogicValidation(t *testing.T) {
	src, err := readKernel("saxpy.go")
	assert.NilError(t, err)
	fn := function(t, buildPackage(t, src), "Saxpy")

	for _, opts := range []Options{
		{Entry: true, IntrinsicParams: 2},
		{Entry: true, IntrinsicParams: 3, Logic: ThreadIndexLogic{}},
		{Entry: true, IntrinsicParams: -1},
		{Entry: true, IntrinsicParams: 6, Logic: ThreadIndexLogic{}},
	} {
		out, err := NewGenerator(fn, opts).Compile()
		assert.Check(t, errdefs.IsInvalidArgument(err), "%+v: %v", opts, err)
		assert.Check(t, out == nil)
	}

	_, err = LogicByName("warp")
	assert.Assert(t, errdefs.IsInvalidArgument(err))
}

func TestEntryWithResultRejected(t *testing.T) {
	fn := function(t, buildPackage(t, pickSrc), "pick")
	_, err := NewGenerator(fn, Options{Entry: true}).Compile()
	assert.Assert(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestUnsupportedOperation(t *testing.T) {
	const src = `package kernels

func recv(c chan int32) int32 {
	return <-c
}

func sum(s []int32) int32 {
	t := int32(0)
	for _, v := range s {
		t += v
	}
	return t
}

func rem(x, y float64) float64 {
	return float64(int64(x) % int64(y)) + x*y
}
`
	pkg := buildPackage(t, src)
	for _, name := range []string{"recv", "sum"} {
		out, err := NewGenerator(function(t, pkg, name), Options{}).Compile()
		assert.Check(t, errdefs.IsNotImplemented(err), "%s: %v", name, err)
		assert.Check(t, out == nil)
	}
	_, err := NewGenerator(function(t, pkg, "rem"), Options{}).Compile()
	assert.NilError(t, err)
}

func TestIntrinsics(t *testing.T) {
	const src = `package kernels

import (
	"gpu"
	"math"
	"math/bits"
)

func Kernel(x *[64]float64, c *[64]int32, f *[64]float32) {
	i := gpu.ThreadIdxX()
	x[i] = math.Sqrt(x[i]) + math.Floor(x[i]) + math.FMA(x[i], 2, 1)
	c[i] = int32(bits.OnesCount32(uint32(i))) + int32(bits.TrailingZeros64(uint64(i)))
	f[i] = gpu.Minf(f[i], gpu.Sinf(f[i]))
	gpu.SyncThreads()
	gpu.AtomicAddInt32(&c[0], 1)
}
`
	_, out := compileFunc(t, src, "Kernel", Options{Entry: true, Intrinsics: DefaultIntrinsics()})
	for _, want := range []string{
		", %tid.x;\n",
		"sqrt.rn.f64",
		"cvt.rmi.f64.f64",
		"fma.rn.f64",
		"popc.b32",
		"brev.b64",
		"clz.b64",
		"min.NaN.f32",
		"sin.approx.f32",
		"\tbar.sync 0;\n",
		"atom.add.s32",
	} {
		assert.Check(t, is.Contains(out.Body, want))
	}
	assert.Check(t, !strings.Contains(out.Body, "call.uni"), "intrinsics replace the call")
	assert.Check(t, len(out.Externs) == 0)

	older := &Backend{ABI: NewABI(), ISA: ptx.ISA{Version: "7.0", Target: "sm_70"}}
	_, out = compileFunc(t, src, "Kernel", Options{Entry: true, Intrinsics: DefaultIntrinsics(), Backend: older})
	assert.Check(t, is.Contains(out.Body, "\tmin.f32 "))
}

func TestIntrinsicRegistry(t *testing.T) {
	r := DefaultIntrinsics()
	kinds := r.Kinds()
	assert.Assert(t, is.Contains(kinds, OpKind("call:math.Sqrt")))
	assert.Assert(t, is.Contains(kinds, OpKind("call:gpu.SyncThreads")))
	for i := 1; i < len(kinds); i++ {
		assert.Assert(t, kinds[i-1] < kinds[i])
	}

	// a handler for a generic kind replaces its lowering
	const src = `package kernels

func add(x, y int32) int32 { return x + y }
`
	r = NewIntrinsicRegistry()
	r.Register("BinOp", func(g *Generator, _ *Backend, instr ssa.Instruction) {
		v := instr.(*ssa.BinOp)
		g.Builder().Emit(ptx.Xor, func(c *ptx.Command) {
			c.Type(ptx.B32).Reg(g.Dest(v)).Operand(g.Operand(v.X)).Operand(g.Operand(v.Y))
		})
	})
	_, out := compileFunc(t, src, "add", Options{Intrinsics: r})
	assert.Assert(t, is.Contains(out.Body, "\txor.b32 "))
	assert.Assert(t, !strings.Contains(out.Body, "add.s32"))
}

func TestCapabilities(t *testing.T) {
	const src = `package kernels

func div(x, y float32) float32 { return x / y + x*y }

func idiv(x, y int32, a *[8]int32) int32 { return x / y + a[x] }
`
	pkg := buildPackage(t, src)
	compile := func(name string, caps Capabilities) string {
		be := &Backend{ABI: NewABI(), Caps: caps, ISA: ptx.SupportedISAs[0]}
		out, err := NewGenerator(function(t, pkg, name), Options{Backend: be}).Compile()
		assert.NilError(t, err)
		return out.Body
	}

	body := compile("div", Capabilities{})
	assert.Check(t, is.Contains(body, "div.rn.f32"))
	assert.Check(t, is.Contains(body, "mul.f32"))

	body = compile("div", Capabilities{FastMath: true})
	assert.Check(t, is.Contains(body, "div.approx.ftz.f32"))
	assert.Check(t, is.Contains(body, "mul.ftz.f32"))
	assert.Check(t, is.Contains(body, "add.ftz.f32"))

	body = compile("idiv", Capabilities{})
	assert.Check(t, !strings.Contains(body, "trap"))

	body = compile("idiv", Capabilities{Assertions: true})
	assert.Check(t, is.Contains(body, "setp.eq.s32"))
	assert.Check(t, is.Contains(body, "setp.hs.u"))
	assert.Check(t, is.Equal(strings.Count(body, " trap;"), 2))
}

func TestAssertionWidths(t *testing.T) {
	const src = `package kernels

func pick(a *[70000]int32, i int16) int32 { return a[i] }

func pick8(a *[300]int32, i uint8) int32 { return a[i] }

func shl(x, s int32) int32 { return x << s }

func shr(x int64, s uint32) int64 { return x >> s }
`
	pkg := buildPackage(t, src)
	compile := func(name string, caps Capabilities) string {
		be := &Backend{ABI: NewABI(), Caps: caps, ISA: ptx.SupportedISAs[0]}
		out, err := NewGenerator(function(t, pkg, name), Options{Backend: be}).Compile()
		assert.NilError(t, err)
		return out.Body
	}
	checked := Capabilities{Assertions: true}

	body := compile("pick", checked)
	assert.Check(t, is.Contains(body, "cvt.u32.s16"))
	assert.Check(t, is.Contains(body, "setp.hs.u32"))
	assert.Check(t, is.Contains(body, ", 70000;\n"))
	assert.Check(t, !strings.Contains(body, "setp.hs.u16"))

	body = compile("pick8", checked)
	assert.Check(t, is.Contains(body, "cvt.u32.u8"))
	assert.Check(t, is.Contains(body, "setp.hs.u32"))

	body = compile("shl", checked)
	assert.Check(t, is.Contains(body, "setp.lt.s32"))
	assert.Check(t, is.Equal(strings.Count(body, " trap;"), 1))
	assert.Check(t, !strings.Contains(compile("shl", Capabilities{}), "trap"))

	body = compile("shr", checked)
	assert.Check(t, !strings.Contains(body, "trap"), "unsigned counts cannot be negative")
}

func TestLocalAllocationZeroFill(t *testing.T) {
	const src = `package kernels

func small(i int32) int32 {
	var a [4]int32
	a[i] = 1
	return a[0]
}

func large(i int32) float64 {
	var a [32]float64
	a[i] = 1
	return a[1]
}
`
	_, out := compileFunc(t, src, "small", Options{})
	assert.Check(t, is.Contains(out.Body, "\t.local .align 4 .b8 \t__local_depot_0[16];\n"))
	assert.Check(t, is.Contains(out.Body, "cvta.local.u64"))
	assert.Check(t, is.Equal(strings.Count(out.Body, "\tst.b32 "), 4), "four words of zeros")

	_, out = compileFunc(t, src, "large", Options{})
	assert.Check(t, is.Contains(out.Body, "\t.local .align 8 .b8 \t__local_depot_0[256];\n"))
	assert.Check(t, is.Contains(out.Body, "$L__ZF0_1:\n"))
	checkLabels(t, out.Body)
}

func TestSharedGlobal(t *testing.T) {
	src, err := readKernel("reduce.go")
	assert.NilError(t, err)
	pkg := buildPackage(t, src)
	g := NewGenerator(function(t, pkg, "BlockSum"), Options{Entry: true, Intrinsics: DefaultIntrinsics()})
	out, err := g.Compile()
	assert.NilError(t, err)

	sym := SharedSymbol(pkg.Members["partial"].(*ssa.Global))
	assert.Check(t, is.DeepEqual(out.Shared, []string{".shared .align 4 .b8 " + sym + "[1024];\n"}))
	assert.Check(t, !strings.Contains(out.Body, ".shared .align"), "declared at program scope")
	assert.Check(t, is.Contains(out.Body, "cvta.shared.u64"))
	assert.Check(t, is.Contains(out.Body, ", "+sym+";\n"))
	assert.Check(t, is.Contains(out.Body, "shr.s32"))
}

func TestSharedSymbolRank(t *testing.T) {
	pkg := buildPackage(t, "package kernels\n\nvar b, a int32\n\nfunc f() int32 { return a + b }\n")
	assert.Check(t, is.Equal(SharedSymbol(pkg.Members["a"].(*ssa.Global)), "__shared_a_0"))
	assert.Check(t, is.Equal(SharedSymbol(pkg.Members["b"].(*ssa.Global)), "__shared_b_1"))
}

func TestDebugInfo(t *testing.T) {
	pkg := buildPackage(t, pickSrc)
	fn := function(t, pkg, "pick")
	out, err := NewGenerator(fn, Options{Debug: NewLineInfo(pkg.Prog.Fset)}).Compile()
	assert.NilError(t, err)
	assert.Check(t, is.Contains(out.Body, "\t// kernel.go:3:6\n"), "function position")
	assert.Check(t, is.Contains(out.Body, "\t// kernel.go:10:"), "return position")

	out, err = NewGenerator(fn, Options{}).Compile()
	assert.NilError(t, err)
	assert.Check(t, !strings.Contains(out.Body, "// kernel.go"))
}
