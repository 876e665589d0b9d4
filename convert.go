package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/stealthrocket/ioreplay/internal/ioreplay"
	"github.com/stealthrocket/ioreplay/internal/stream"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

const convertUsage = `
Usage:	ioreplay convert <strace>... [options]

   The convert command translates strace logs into binary traces, which are
   faster to decode and can be compressed. The strace logs must be recorded
   with the -f, -ttt (or -tt) and -T options.

   With a single input, the binary trace is written to the path given by
   --output, or to the input path with the .trace extension. With several
   inputs, each trace is written next to its input and the conversions run
   concurrently.

Example:

   $ strace -f -ttt -T -o app.strace ./app
   $ ioreplay convert --compression zstd app.strace
   $ ioreplay print app.trace

Options:
   -c, --config path       Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
       --compression type  Compression of the binary trace, one of: none, snappy, zstd
   -h, --help              Show this usage information
   -j, --jobs n            Maximum number of concurrent conversions (default to 4)
   -o, --output path       Path of the binary trace, "-" writes to stdout
   -v, --verbose           Enable debug logs
`

func convert(ctx context.Context, args []string) error {
	var (
		compress = compression("none")
		output   = ""
		jobs     = 4
	)

	flagSet := newFlagSet("ioreplay convert", convertUsage)
	customVar(flagSet, &compress, "compression")
	flagSet.StringVar(&output, "o", output, "")
	flagSet.StringVar(&output, "output", output, "")
	flagSet.IntVar(&jobs, "j", jobs, "")
	flagSet.IntVar(&jobs, "jobs", jobs, "")
	args = parseFlags(flagSet, args)

	if len(args) == 0 {
		perrorf(`Expected at least one strace log as argument` + useCmd("convert"))
		return exitCode(2)
	}
	if output != "" && len(args) > 1 {
		return usageError("ioreplay convert: --output cannot be used with more than one input")
	}
	if jobs < 1 {
		return usageError("ioreplay convert: --jobs must be at least 1")
	}

	c, err := trace.ParseCompression(string(compress))
	if err != nil {
		return err
	}
	config, err := ioreplay.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(os.Stderr, verbose)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(jobs)

	errs := make([]error, len(args))
	for i, input := range args {
		i, input, output := i, input, output
		if output == "" {
			output = tracePath(input)
		}
		if input != "-" && samePath(input, output) {
			errs[i] = fmt.Errorf("%s: the binary trace would overwrite its input", input)
			continue
		}
		group.Go(func() error {
			if err := convertFile(ctx, logger, input, output, c); err != nil {
				errs[i] = fmt.Errorf("%s: %w", input, err)
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// tracePath returns the path of the binary trace converted from input.
func tracePath(input string) string {
	if input == "-" {
		return "-"
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".trace"
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func convertFile(ctx context.Context, logger *log.Logger, input, output string, c trace.Compression) error {
	logger = logger.With("trace", input)

	r, err := ioreplay.OpenTrace(input, ioreplay.Strace, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := ioreplay.CreateTrace(output, c)
	if err != nil {
		return err
	}

	n, err := stream.Copy[trace.Op](w, cancelable[trace.Op](ctx, r))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	logger.Info("converted", "output", output, "ops", n, "errors", r.ParseErrors(), "compression", c)
	return nil
}

// cancelable interrupts r when ctx is canceled.
func cancelable[T any](ctx context.Context, r stream.Reader[T]) stream.Reader[T] {
	return stream.ConvertReader[T, T](r, func(v T) (T, error) {
		return v, context.Cause(ctx)
	})
}
