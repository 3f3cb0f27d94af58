package compiler

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// stringTable assigns global symbols to the string literals of one
// function. Equal literals share one symbol.
type stringTable struct {
	prefix string
	syms   map[string]string
	order  []string
}

func newStringTable(fnSymbol string) *stringTable {
	return &stringTable{prefix: fnSymbol + "_str", syms: make(map[string]string)}
}

// symbol returns the global holding s, creating it on first use.
func (t *stringTable) symbol(s string) string {
	if sym, ok := t.syms[s]; ok {
		return sym
	}
	sym := Sanitize(t.prefix, len(t.order))
	t.syms[s] = sym
	t.order = append(t.order, s)
	return sym
}

// Len returns the number of distinct literals.
func (t *stringTable) Len() int { return len(t.order) }

// emit renders one declaration per literal in first-use order. The data
// is UTF-16LE followed by a single zero byte.
func (t *stringTable) emit() string {
	if len(t.order) == 0 {
		return ""
	}
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	var sb strings.Builder
	for _, s := range t.order {
		data, err := enc.Bytes([]byte(s))
		if err != nil {
			unsupported("string literal %q cannot be encoded: %v", s, err)
		}
		data = append(data, 0)
		fmt.Fprintf(&sb, ".global .align 2 .b8 %s[%d] = {", t.syms[s], len(data))
		for i, c := range data {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%d", c)
		}
		sb.WriteString("};\n")
	}
	return sb.String()
}
