package compiler

import (
	"go/token"
	"path/filepath"

	"golang.org/x/tools/go/ssa"

	"github.com/NERVsystems/infernode/tools/ptxgen/ptx"
)

// DebugInfo is told about the function, every block and every value as
// they are emitted. A sink belongs to one generator.
type DebugInfo interface {
	Reset()
	EmitFunction(b *ptx.Builder, fn *ssa.Function)
	EmitBlock(b *ptx.Builder, blk *ssa.BasicBlock)
	EmitValue(b *ptx.Builder, instr ssa.Instruction)
}

// NoDebugInfo discards everything.
type NoDebugInfo struct{}

func (NoDebugInfo) Reset()                                   {}
func (NoDebugInfo) EmitFunction(*ptx.Builder, *ssa.Function) {}
func (NoDebugInfo) EmitBlock(*ptx.Builder, *ssa.BasicBlock)  {}
func (NoDebugInfo) EmitValue(*ptx.Builder, ssa.Instruction)  {}

// LineInfo writes "// file:line:col" comments whenever the source
// position changes.
type LineInfo struct {
	fset *token.FileSet
	last token.Position
}

// NewLineInfo creates a sink that resolves positions in fset.
func NewLineInfo(fset *token.FileSet) *LineInfo {
	return &LineInfo{fset: fset}
}

func (li *LineInfo) Reset() { li.last = token.Position{} }

func (li *LineInfo) EmitFunction(b *ptx.Builder, fn *ssa.Function) {
	li.emit(b, fn.Pos())
}

func (li *LineInfo) EmitBlock(b *ptx.Builder, blk *ssa.BasicBlock) {
	for _, instr := range blk.Instrs {
		if instr.Pos().IsValid() {
			li.emit(b, instr.Pos())
			return
		}
	}
}

func (li *LineInfo) EmitValue(b *ptx.Builder, instr ssa.Instruction) {
	li.emit(b, instr.Pos())
}

func (li *LineInfo) emit(b *ptx.Builder, pos token.Pos) {
	if !pos.IsValid() {
		return
	}
	p := li.fset.Position(pos)
	if p.Filename == li.last.Filename && p.Line == li.last.Line {
		return
	}
	li.last = p
	b.Line("// %s:%d:%d", filepath.Base(p.Filename), p.Line, p.Column)
}
