// ptxgen compiles a package of Go kernels to PTX assembly.
//
// Usage:
//
//	ptxgen [-o output.ptx] [flags] file1.go [file2.go ...]
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	units "github.com/docker/go-units"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/NERVsystems/infernode/tools/ptxgen/compiler"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ptxgen: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	output          string
	config          string
	isa             string
	fastMath        bool
	assertions      bool
	intrinsicParams int
	indexLogic      string
	entries         []string
	jobs            int
	keepGoing       bool
	debugInfo       bool
	logLevel        string
	metricsFile     string
	digest          bool
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "ptxgen [flags] file.go...",
		Short:         "Compile Go kernels to PTX assembly",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "output file (default stdout)")
	flags.StringVar(&opts.config, "config", "", "TOML configuration file")
	flags.StringVar(&opts.isa, "isa", "", "PTX ISA version (default latest)")
	flags.BoolVar(&opts.fastMath, "fast-math", false, "allow approximate float32 division and sqrt")
	flags.BoolVar(&opts.assertions, "assertions", false, "trap on zero divisors and out-of-range indices")
	flags.IntVar(&opts.intrinsicParams, "intrinsic-params", 0, "leading kernel parameters supplied by the index logic")
	flags.StringVar(&opts.indexLogic, "index-logic", "", "index logic for intrinsic parameters: grid or thread")
	flags.StringArrayVar(&opts.entries, "entry", nil, "additional kernel entry (repeatable)")
	flags.IntVarP(&opts.jobs, "jobs", "j", 0, "functions compiled in parallel (default number of CPUs)")
	flags.BoolVar(&opts.keepGoing, "keep-going", false, "skip functions that fail to compile")
	flags.BoolVar(&opts.debugInfo, "debug-info", false, "emit source position comments")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write compile metrics in Prometheus text format")
	flags.BoolVar(&opts.digest, "digest", false, "print the digest of the program")
	return cmd
}

func run(cmd *cobra.Command, opts *options, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logrus.SetOutput(cmd.ErrOrStderr())
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if err := log.SetLevel(opts.logLevel); err != nil {
		return errors.Wrap(err, "log level")
	}

	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return err
	}
	c, err := compiler.New(cfg)
	if err != nil {
		return err
	}

	var names []string
	var sources [][]byte
	for _, arg := range args {
		src, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		names = append(names, arg)
		sources = append(sources, src)
	}

	prog, compileErr := c.CompileFiles(ctx, names, sources)
	if prog == nil {
		return compileErr
	}
	text := prog.String()

	if opts.output == "" || opts.output == "-" {
		if _, err := io.WriteString(cmd.OutOrStdout(), text); err != nil {
			return err
		}
	} else if err := atomicwriter.WriteFile(opts.output, []byte(text), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", opts.output)
	}

	log.G(ctx).WithFields(log.Fields{
		"input":     filepath.Base(args[0]),
		"functions": prog.Functions(),
		"isa":       prog.ISA.Version,
		"size":      units.HumanSize(float64(len(text))),
	}).Info("compiled")

	if opts.digest {
		fmt.Fprintln(cmd.ErrOrStderr(), prog.Digest())
	}
	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, c.Metrics.Registry); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	return compileErr
}

// loadConfig reads the config file, if any, and applies the flags that
// were set on the command line on top of it.
func loadConfig(flags *pflag.FlagSet, opts *options) (compiler.Config, error) {
	cfg := compiler.DefaultConfig()
	if opts.config != "" {
		var err error
		if cfg, err = compiler.LoadConfig(opts.config); err != nil {
			return cfg, err
		}
	}
	if flags.Changed("isa") {
		cfg.Capabilities.ISA = opts.isa
	}
	if flags.Changed("fast-math") {
		cfg.Capabilities.FastMath = opts.fastMath
	}
	if flags.Changed("assertions") {
		cfg.Capabilities.Assertions = opts.assertions
	}
	if flags.Changed("intrinsic-params") {
		cfg.IntrinsicParams = opts.intrinsicParams
	}
	if flags.Changed("index-logic") {
		cfg.IndexLogic = opts.indexLogic
	}
	if flags.Changed("entry") {
		cfg.Entries = append(cfg.Entries, opts.entries...)
	}
	if flags.Changed("jobs") {
		cfg.Jobs = opts.jobs
	}
	if flags.Changed("keep-going") {
		cfg.KeepGoing = opts.keepGoing
	}
	if flags.Changed("debug-info") {
		cfg.DebugInfo = opts.debugInfo
	}
	return cfg, nil
}
