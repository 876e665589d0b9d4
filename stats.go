package main

import (
	"context"
	"os"

	"github.com/stealthrocket/ioreplay/internal/ioreplay"
	"github.com/stealthrocket/ioreplay/internal/print/jsonprint"
	"github.com/stealthrocket/ioreplay/internal/print/textprint"
	"github.com/stealthrocket/ioreplay/internal/print/yamlprint"
	syscallstats "github.com/stealthrocket/ioreplay/internal/stats"
	"github.com/stealthrocket/ioreplay/internal/stream"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

const statsUsage = `
Usage:	ioreplay stats <trace> [options]

   The stats command counts the system calls of a trace and their cumulative
   duration. strace logs count every system call found in the log, binary
   traces count the operations that they hold.

Example:

   $ ioreplay stats app.strace
   close : 312 (1.87ms)
   openat : 318 (4.12ms)
   read : 1208 (9.55ms)

Options:
   -c, --config path    Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
   -f, --format format  Trace format, one of: auto, strace, bin (default to auto)
   -h, --help           Show this usage information
   -o, --output format  Output format, one of: text, json, yaml
   -t, --table          Display the statistics as a table ordered by time
   -v, --verbose        Enable debug logs
`

func stats(ctx context.Context, args []string) error {
	var (
		format = traceFormat("auto")
		output = outputFormat("text")
		table  = false
	)

	flagSet := newFlagSet("ioreplay stats", statsUsage)
	customVar(flagSet, &format, "f", "format")
	customVar(flagSet, &output, "o", "output")
	boolVar(flagSet, &table, "t", "table")
	args = parseFlags(flagSet, args)

	if len(args) != 1 {
		perrorf(`Expected exactly one trace file as argument` + useCmd("stats"))
		return exitCode(2)
	}

	t, err := openTrace(args[0], format)
	if err != nil {
		return err
	}
	defer t.Close()

	it := stream.Iter[trace.Op](t)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Format == ioreplay.Binary {
			op := it.Value()
			t.Stats.Add(op.Kind().String(), int64(op.CallInfo().Duration))
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	var writer stream.WriteCloser[syscallstats.Syscall]
	switch output {
	case "json":
		writer = jsonprint.NewWriter[syscallstats.Syscall](os.Stdout)
	case "yaml":
		writer = yamlprint.NewWriter[syscallstats.Syscall](os.Stdout)
	default:
		if !table {
			_, err := t.Stats.WriteTo(os.Stdout)
			return err
		}
		writer = textprint.NewTableWriter[syscallstats.Syscall](os.Stdout,
			textprint.OrderBy(func(a, b syscallstats.Syscall) bool {
				return a.Duration > b.Duration
			}),
		)
	}
	return writeResult(writer, t.Stats.Syscalls()...)
}

// openTrace opens a trace file with the logger of the configuration.
func openTrace(path string, format traceFormat) (*ioreplay.Trace, error) {
	config, err := ioreplay.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(os.Stderr, verbose)
	if err != nil {
		return nil, err
	}
	f, err := ioreplay.ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	return ioreplay.OpenTrace(path, f, logger)
}
