package compiler

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

func compileSource(t *testing.T, cfg Config, name, src string) (*Compiler, *ptx.Program, error) {
	t.Helper()
	c, err := New(cfg)
	assert.NilError(t, err)
	prog, err := c.CompileFile(t.Context(), name, []byte(src))
	return c, prog, err
}

func compileKernelFile(t *testing.T, cfg Config, name string) string {
	t.Helper()
	src, err := readKernel(name)
	assert.NilError(t, err)
	_, prog, err := compileSource(t, cfg, name, src)
	assert.NilError(t, err)
	return prog.String()
}

// counter returns the value of a counter with the given label value.
func counter(t *testing.T, m *Metrics, name, label string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	assert.NilError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if matchesLabel(metric, label) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchesLabel(m *dto.Metric, value string) bool {
	if value == "" {
		return len(m.GetLabel()) == 0
	}
	for _, l := range m.GetLabel() {
		if l.GetValue() == value {
			return true
		}
	}
	return false
}

func TestCompileSaxpy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IntrinsicParams = 1
	text := compileKernelFile(t, cfg, "saxpy.go")

	assert.Assert(t, strings.HasPrefix(text, "//\n// Generated by ptxgen\n//\n\n.version 8.5\n.target sm_90\n.address_size 64\n"))
	assert.Assert(t, is.Contains(text, "\n.visible .entry Saxpy_0(\n\t.param .s32 Saxpy_0_param_n_1,\n"))
	assert.Assert(t, is.Contains(text, "%ctaid.x"))
	assert.Assert(t, is.Contains(text, "\tret;\n"))
}

func TestCompileCalls(t *testing.T) {
	text := compileKernelFile(t, DefaultConfig(), "fib.go")

	fibProto := ".visible .func (.param .s32 func_retval0) Fib_0(\n\t.param .s32 Fib_0_param_n_0\n);\n"
	rotateProto := ".func (.param .s32 func_retval0) rotate_2(\n"
	entry := ".visible .entry FibTable_1(\n\t.param .u64 FibTable_1_param_out_0\n)\n{\n"
	for _, want := range []string{fibProto, rotateProto, entry} {
		assert.Assert(t, is.Contains(text, want))
	}
	// forward declarations precede every body
	assert.Assert(t, strings.Index(text, fibProto) < strings.Index(text, "\n{\n"))
	assert.Assert(t, strings.Index(text, rotateProto) < strings.Index(text, "\n{\n"))

	assert.Assert(t, is.Contains(text, "\tcall.uni (retval0), Fib_0, (param0);\n"))
	assert.Assert(t, is.Contains(text, "\tcall.uni (retval0), rotate_2, (param0, param1, param2);\n"))
	assert.Assert(t, is.Contains(text, "\tld.param.s32 %r"))
	assert.Assert(t, !strings.Contains(text, ".extern"), "every callee is part of the program")
}

func TestCompileDeterministic(t *testing.T) {
	src, err := readKernel("fib.go")
	assert.NilError(t, err)

	var texts []string
	var digests []string
	for _, jobs := range []int{1, 8} {
		cfg := DefaultConfig()
		cfg.Jobs = jobs
		_, prog, err := compileSource(t, cfg, "fib.go", src)
		assert.NilError(t, err)
		assert.NilError(t, prog.Digest().Validate())
		texts = append(texts, prog.String())
		digests = append(digests, prog.Digest().String())
	}
	assert.Equal(t, texts[0], texts[1])
	assert.Equal(t, digests[0], digests[1])
}

const mixedSrc = `package kernels

func Good(p *[4]int32) { p[1] = p[0] + 1 }

func Bad(c chan int32) { c <- 1 }
`

func TestKeepGoing(t *testing.T) {
	_, prog, err := compileSource(t, DefaultConfig(), "mixed.go", mixedSrc)
	assert.Assert(t, errdefs.IsNotImplemented(err), "got %v", err)
	assert.Assert(t, prog == nil)

	cfg := DefaultConfig()
	cfg.KeepGoing = true
	c, prog, err := compileSource(t, cfg, "mixed.go", mixedSrc)
	assert.Assert(t, errdefs.IsNotImplemented(err), "got %v", err)
	assert.ErrorContains(t, err, "compile kernels.Bad")
	assert.Assert(t, prog != nil)
	assert.Equal(t, prog.Functions(), 1)

	text := prog.String()
	assert.Assert(t, is.Contains(text, ".visible .entry Good_1("))
	assert.Assert(t, !strings.Contains(text, "Bad_0"))

	assert.Equal(t, counter(t, c.Metrics, "ptxgen_functions_total", "ok"), 1.0)
	assert.Equal(t, counter(t, c.Metrics, "ptxgen_functions_total", "error"), 1.0)
}

const callsFailedSrc = `package kernels

func helper(p *[4]int32) int32 {
	s := p[1:]
	return s[0]
}

func wrap(p *[4]int32) int32 { return helper(p) + 1 }

func Use(p *[4]int32, out *int32) { *out = helper(p) }

func Top(p *[4]int32, out *int32) { *out = wrap(p) }

func Other(out *int32) { *out = 7 }
`

func TestKeepGoingDropsCallers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeepGoing = true
	c, prog, err := compileSource(t, cfg, "calls.go", callsFailedSrc)
	assert.Assert(t, errdefs.IsNotImplemented(err), "got %v", err)
	assert.Assert(t, errdefs.IsFailedPrecondition(err), "got %v", err)
	assert.ErrorContains(t, err, "compile kernels.Use: calls kernels.helper, which failed")
	assert.ErrorContains(t, err, "compile kernels.wrap: calls kernels.helper, which failed")
	assert.ErrorContains(t, err, "compile kernels.Top: calls kernels.wrap, which failed")
	assert.Equal(t, prog.Functions(), 1)

	text := prog.String()
	assert.Check(t, is.Contains(text, ".visible .entry Other_0("))
	for _, name := range []string{"helper_", "wrap_", "Use_", "Top_"} {
		assert.Check(t, !strings.Contains(text, name), name)
	}

	assert.Equal(t, counter(t, c.Metrics, "ptxgen_functions_total", "error"), 1.0)
	assert.Equal(t, counter(t, c.Metrics, "ptxgen_functions_total", "skipped"), 3.0)
}

func TestMetrics(t *testing.T) {
	src, err := readKernel("fib.go")
	assert.NilError(t, err)
	c, _, err := compileSource(t, DefaultConfig(), "fib.go", src)
	assert.NilError(t, err)

	assert.Equal(t, counter(t, c.Metrics, "ptxgen_functions_total", "ok"), 3.0)
	assert.Assert(t, counter(t, c.Metrics, "ptxgen_phi_moves_total", "") > 0)
	assert.Assert(t, counter(t, c.Metrics, "ptxgen_registers_total", ptx.KindB32.String()) > 0)

	path := filepath.Join(t.TempDir(), "ptxgen.prom")
	assert.NilError(t, prometheus.WriteToTextfile(path, c.Metrics.Registry))
	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(string(data), `ptxgen_functions_total{result="ok"} 3`))
}

func TestConfiguredEntries(t *testing.T) {
	const src = `package kernels

func helper(p *[4]int32) { p[0] = 1 }

func Twice(x int32) int32 { return 2 * x }
`
	_, prog, err := compileSource(t, DefaultConfig(), "entries.go", src)
	assert.NilError(t, err)
	text := prog.String()
	assert.Assert(t, is.Contains(text, "\n.func helper_1(\n"))
	assert.Assert(t, is.Contains(text, "\n.visible .func (.param .s32 func_retval0) Twice_0(\n"))

	cfg := DefaultConfig()
	cfg.Entries = []string{"helper", "missing"}
	_, prog, err = compileSource(t, cfg, "entries.go", src)
	assert.NilError(t, err)
	text = prog.String()
	assert.Assert(t, is.Contains(text, "\n.visible .entry helper_1(\n"))
	assert.Assert(t, !strings.Contains(text, ".func helper_1"))
}

func TestInitIsNotCompiled(t *testing.T) {
	text := compileKernelFile(t, DefaultConfig(), "reduce.go")
	assert.Assert(t, !strings.Contains(text, "init"))
	assert.Equal(t, strings.Count(text, "\n{\n"), 1)
}

func TestSharedGlobalAcrossFunctions(t *testing.T) {
	const src = `package kernels

var counter int32

func bump() { counter++ }

func Kernel(out *int32) {
	bump()
	*out = counter
}
`
	_, prog, err := compileSource(t, DefaultConfig(), "counter.go", src)
	assert.NilError(t, err)
	assert.Equal(t, prog.Functions(), 2)

	text := prog.String()
	decl := ".shared .align 4 .b8 __shared_counter_0[4];\n"
	assert.Check(t, is.Equal(strings.Count(text, decl), 1))
	assert.Check(t, strings.Index(text, decl) < strings.Index(text, "\n.func bump_"))
	assert.Check(t, is.Equal(strings.Count(text, "cvta.shared.u64"), 2))
	assert.Check(t, is.Equal(strings.Count(text, ", __shared_counter_0;\n"), 2), "both functions address one array")
}

func TestTypeErrors(t *testing.T) {
	c, err := New(DefaultConfig())
	assert.NilError(t, err)

	_, err = c.CompileFile(t.Context(), "bad.go", []byte("package kernels\n\nfunc f() int32 { return \"x\" }\n"))
	assert.ErrorContains(t, err, "typecheck")

	_, err = c.CompileFile(t.Context(), "bad.go", []byte("package kernels\n\nfunc f( {\n"))
	assert.ErrorContains(t, err, "parse bad.go")

	_, err = c.CompileFiles(t.Context(), []string{"a.go", "b.go"}, [][]byte{
		[]byte("package a\n"),
		[]byte("package b\n"),
	})
	assert.Assert(t, errdefs.IsInvalidArgument(err), "got %v", err)

	_, err = c.CompileFiles(t.Context(), nil, nil)
	assert.Assert(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestNewRejectsBadConfig(t *testing.T) {
	for name, mod := range map[string]func(*Config){
		"unknown isa":   func(c *Config) { c.Capabilities.ISA = "9.9" },
		"malformed isa": func(c *Config) { c.Capabilities.ISA = "abc" },
		"negative jobs": func(c *Config) { c.Jobs = -1 },
		"unknown logic": func(c *Config) { c.IndexLogic = "warp" },
		"too many":      func(c *Config) { c.IntrinsicParams = 2 },
		"negative":      func(c *Config) { c.IntrinsicParams = -3 },
	} {
		cfg := DefaultConfig()
		mod(&cfg)
		_, err := New(cfg)
		assert.Check(t, errdefs.IsInvalidArgument(err), "%s: %v", name, err)
	}

	cfg := DefaultConfig()
	cfg.Capabilities.ISA = "7.5"
	c, err := New(cfg)
	assert.NilError(t, err)
	assert.Equal(t, c.ISA(), ptx.ISA{Version: "7.5", Target: "sm_75"})
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
intrinsic_params = 1
index_logic = "thread"
entries = ["helper"]
keep_going = true

[capabilities]
fast_math = true
isa = "7.8"
`))
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, Config{
		Capabilities:    Capabilities{FastMath: true, ISA: "7.8"},
		IntrinsicParams: 1,
		IndexLogic:      "thread",
		Entries:         []string{"helper"},
		Jobs:            runtime.NumCPU(),
		KeepGoing:       true,
	})

	cfg, err = ParseConfig(nil)
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, DefaultConfig())

	_, err = ParseConfig([]byte("jobs = "))
	assert.Assert(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ptxgen.toml")
	assert.NilError(t, os.WriteFile(path, []byte("jobs = 3\n[capabilities]\nassertions = true\n"), 0o644))

	cfg, err := LoadConfig(path)
	assert.NilError(t, err)
	assert.Equal(t, cfg.Jobs, 3)
	assert.Assert(t, cfg.Capabilities.Assertions)
	assert.Equal(t, cfg.Capabilities.ISA, "latest")
	assert.Equal(t, cfg.IndexLogic, "grid")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Assert(t, err != nil)
}

func TestPlans(t *testing.T) {
	c, err := New(DefaultConfig())
	assert.NilError(t, err)
	plans, err := c.Plans(t.Context(), []string{"kernel.go"}, [][]byte{[]byte(pickSrc)})
	assert.NilError(t, err)
	assert.Equal(t, len(plans), 1)

	p := plans[0]
	assert.Equal(t, p.Symbol, "pick_0")
	assert.Assert(t, !p.Entry)
	assert.Equal(t, len(p.Labels), len(p.Func.Blocks))
	assert.Equal(t, p.Labels[0], "$L__BB0_0")
	assert.Equal(t, len(p.Edges), 2)
	for _, e := range p.Edges {
		assert.Equal(t, len(e.Moves), 1)
		assert.Assert(t, strings.HasPrefix(e.Moves[0], "mov.b32 %r"), e.Moves[0])
		assert.Assert(t, is.Contains(p.Preds[e.To], e.From))
	}
}

func TestIsInit(t *testing.T) {
	pkg := buildPackage(t, `package kernels

var table = [2]int32{1, 2}

func init() { table[0] = 3 }

func Get(p *int32) { *p = table[1] }
`)
	assert.Assert(t, isInit(pkg.Func("init")))
	assert.Assert(t, !isInit(function(t, pkg, "Get")))
	assert.Assert(t, isKernel(function(t, pkg, "Get")))
}
