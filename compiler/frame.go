package compiler

import (
	"golang.org/x/tools/go/ssa"
)

// Frame tracks the allocations of one state space in a function. Every
// allocation gets its own declared byte array; the running byte offset
// only serves to derive unique, strictly increasing names.
type Frame struct {
	space   string
	prefix  string
	slots   []FrameSlot
	nextOff int64
}

// FrameSlot is one allocation in a frame.
type FrameSlot struct {
	Value  ssa.Value
	Name   string
	Offset int64
	Count  int64
	Elem   int64 // element size in bytes
	Align  int64
}

// Size returns the declared byte size of the slot.
func (s FrameSlot) Size() int64 { return s.Count * s.Elem }

// NewFrame creates an empty frame in the given state space whose slot
// names start with prefix.
func NewFrame(space, prefix string) *Frame {
	return &Frame{space: space, prefix: prefix}
}

// Space returns the state space of the frame.
func (f *Frame) Space() string { return f.space }

// Alloc adds a slot of count elements of elem bytes, aligned to align.
func (f *Frame) Alloc(v ssa.Value, count, elem, align int64) FrameSlot {
	if align < 1 {
		align = 1
	}
	off := alignUp(f.nextOff, align)
	s := FrameSlot{
		Value:  v,
		Name:   Sanitize(f.prefix, int(off)),
		Offset: off,
		Count:  count,
		Elem:   elem,
		Align:  align,
	}
	size := s.Size()
	if size < 1 {
		// zero-sized values still need a distinct name
		size = 1
	}
	f.nextOff = off + size
	f.slots = append(f.slots, s)
	return s
}

// Slots returns the allocations in offset order.
func (f *Frame) Slots() []FrameSlot { return f.slots }

// Len returns the number of allocations.
func (f *Frame) Len() int { return len(f.slots) }

// Extent returns the total bytes spanned by the frame.
func (f *Frame) Extent() int64 { return f.nextOff }

func alignUp(off, align int64) int64 {
	return (off + align - 1) &^ (align - 1)
}
