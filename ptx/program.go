package ptx

import (
	"io"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/opencontainers/go-digest"
)

// Unit is the text produced for one compiled function.
type Unit struct {
	Symbol    string
	Prototype string   // forward declaration; empty for kernel entries
	Body      string   // full definition, header through closing brace
	Globals   string   // string constant declarations
	Shared    []string // program-scope shared variable declarations
	Externs   []string // declarations of external functions called
}

// Program is the program-level buffer that function units are merged into.
type Program struct {
	ISA         ISA
	AddressSize int

	globals []string
	shared  []string
	seen    mapset.Set[string]
	externs mapset.Set[string]
	protos  []string
	bodies  []string
}

// NewProgram creates an empty program for isa.
func NewProgram(isa ISA) *Program {
	return &Program{
		ISA:         isa,
		AddressSize: 64,
		seen:        mapset.NewThreadUnsafeSet[string](),
		externs:     mapset.NewThreadUnsafeSet[string](),
	}
}

// Merge appends a unit. Merging is textual; the caller owns the order.
// Shared declarations are kept once, in first-seen order.
func (p *Program) Merge(u *Unit) {
	if u.Globals != "" {
		p.globals = append(p.globals, u.Globals)
	}
	for _, d := range u.Shared {
		if p.seen.Add(d) {
			p.shared = append(p.shared, d)
		}
	}
	for _, e := range u.Externs {
		p.externs.Add(e)
	}
	if u.Prototype != "" {
		p.protos = append(p.protos, u.Prototype)
	}
	p.bodies = append(p.bodies, u.Body)
}

// Functions returns the number of merged function bodies.
func (p *Program) Functions() int { return len(p.bodies) }

func (p *Program) String() string {
	var sb strings.Builder
	p.write(&sb)
	return sb.String()
}

// WriteTo writes the program text to w.
func (p *Program) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, p.String())
	return int64(n), err
}

// Digest returns the content digest of the program text.
func (p *Program) Digest() digest.Digest {
	return digest.FromString(p.String())
}

func (p *Program) write(sb *strings.Builder) {
	sb.WriteString("//\n// Generated by ptxgen\n//\n\n")
	sb.WriteString(".version " + p.ISA.Version + "\n")
	sb.WriteString(".target " + p.ISA.Target + "\n")
	if p.AddressSize == 32 {
		sb.WriteString(".address_size 32\n")
	} else {
		sb.WriteString(".address_size 64\n")
	}

	if len(p.globals) > 0 {
		sb.WriteByte('\n')
		for _, g := range p.globals {
			sb.WriteString(g)
		}
	}

	if len(p.shared) > 0 {
		sb.WriteByte('\n')
		for _, d := range p.shared {
			sb.WriteString(d)
		}
	}

	if p.externs.Cardinality() > 0 {
		externs := p.externs.ToSlice()
		slices.Sort(externs)
		sb.WriteByte('\n')
		for _, e := range externs {
			sb.WriteString(e)
		}
	}

	if len(p.protos) > 0 {
		sb.WriteByte('\n')
		for _, proto := range p.protos {
			sb.WriteString(proto)
		}
	}

	for _, body := range p.bodies {
		sb.WriteByte('\n')
		sb.WriteString(body)
	}
}
