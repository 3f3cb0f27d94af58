package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDump(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), []string{filepath.Join("..", "..", "testdata", "fib.go")}, &out)
	assert.NilError(t, err)

	text := out.String()
	assert.Assert(t, is.Contains(text, "=== func kernels.Fib (Fib_0) ===\n"))
	assert.Assert(t, is.Contains(text, "=== entry kernels.FibTable (FibTable_1) ===\n"))
	assert.Assert(t, is.Contains(text, "  params: n int32\n"))
	assert.Assert(t, is.Contains(text, "  block 0 $L__BB0_0: entry preds=[]\n"))
	assert.Assert(t, is.Contains(text, "*ssa.Phi: "))
	assert.Assert(t, is.Contains(text, "  edge 0 -> "))
	assert.Assert(t, is.Contains(text, "    mov.b32 %r"))
	assert.Assert(t, !bytes.Contains(out.Bytes(), []byte("operand:")))
}

func TestDumpOperands(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), []string{"--operands", filepath.Join("..", "..", "testdata", "saxpy.go")}, &out)
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(out.String(), "      operand: *ssa.Parameter n (type: int32)\n"))
}

func TestDumpUsage(t *testing.T) {
	err := run(t.Context(), nil, &bytes.Buffer{})
	assert.ErrorContains(t, err, "usage: ptxdump")

	err = run(t.Context(), []string{"--bogus"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown flag")
}
