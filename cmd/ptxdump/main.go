// ptxdump prints the SSA form of each function ptxgen would compile,
// together with the block labels and the phi moves planned on each edge.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/NERVsystems/infernode/tools/ptxgen/compiler"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ptxdump: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, w io.Writer) error {
	fs := pflag.NewFlagSet("ptxdump", pflag.ContinueOnError)
	config := fs.String("config", "", "TOML configuration file")
	operands := fs.Bool("operands", false, "print instruction operands")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: ptxdump [--config file] [--operands] file.go...")
	}

	cfg := compiler.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = compiler.LoadConfig(*config); err != nil {
			return err
		}
	}
	c, err := compiler.New(cfg)
	if err != nil {
		return err
	}

	var sources [][]byte
	for _, name := range fs.Args() {
		src, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}
	plans, err := c.Plans(ctx, fs.Args(), sources)
	if err != nil {
		return err
	}
	for _, p := range plans {
		dump(w, p, *operands)
	}
	return nil
}

func dump(w io.Writer, p *compiler.FunctionPlan, operands bool) {
	kind := "func"
	if p.Entry {
		kind = "entry"
	}
	fmt.Fprintf(w, "=== %s %s (%s) ===\n", kind, p.Func.RelString(nil), p.Symbol)
	fmt.Fprint(w, "  params:")
	for _, param := range p.Func.Params {
		fmt.Fprintf(w, " %s %s", param.Name(), param.Type())
	}
	fmt.Fprintln(w)

	for _, b := range p.Func.Blocks {
		fmt.Fprintf(w, "  block %d %s: %s preds=%v\n", b.Index, p.Labels[b.Index], b.Comment, p.Preds[b.Index])
		for _, instr := range b.Instrs {
			fmt.Fprintf(w, "    %T: %s\n", instr, instr)
			if !operands {
				continue
			}
			for _, op := range instr.Operands(nil) {
				if *op != nil {
					fmt.Fprintf(w, "      operand: %T %s (type: %s)\n", *op, (*op).Name(), (*op).Type())
				}
			}
		}
	}
	for _, e := range p.Edges {
		fmt.Fprintf(w, "  edge %d -> %d\n", e.From, e.To)
		for _, m := range e.Moves {
			fmt.Fprintf(w, "    %s\n", m)
		}
	}
	fmt.Fprintln(w)
}
