package main

import (
	"context"
	"os"

	"github.com/stealthrocket/ioreplay/internal/print/jsonprint"
	"github.com/stealthrocket/ioreplay/internal/print/textprint"
	"github.com/stealthrocket/ioreplay/internal/print/yamlprint"
	"github.com/stealthrocket/ioreplay/internal/replay"
	simulation "github.com/stealthrocket/ioreplay/internal/simulate"
	"github.com/stealthrocket/ioreplay/internal/stream"
)

const simulateUsage = `
Usage:	ioreplay simulate <trace> [options]

   The simulate command runs a trace without touching the file system and
   lists the files that it reads and writes. The size of each file is the
   end of the furthest successful transfer made to it.

Example:

   $ ioreplay simulate app.trace
   ACCESS  FILE               OPS  SIZE
   read    /etc/ld.so.cache   2    27.1 KiB
   write   /tmp/app/out.log   18   4.0 KiB

Options:
   -c, --config path    Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
   -f, --format format  Trace format, one of: auto, strace, bin (default to auto)
   -h, --help           Show this usage information
       --ignore path    File of glob patterns of paths to leave out of the simulation
       --map path       File of path renames, one "old" "new" pair per line
   -o, --output format  Output format, one of: text, json, yaml
   -q, --quiet          Only display the file names
       --strict         Skip operations on unknown processes and descriptors
       --trace          Log every operation
   -v, --verbose        Enable debug logs
`

func simulate(ctx context.Context, args []string) error {
	var (
		options replayOptions
		output  = outputFormat("text")
		quiet   = false
	)

	flagSet := newFlagSet("ioreplay simulate", simulateUsage)
	options.register(flagSet, replay.Simulate)
	customVar(flagSet, &output, "o", "output")
	boolVar(flagSet, &quiet, "q", "quiet")
	args = parseFlags(flagSet, args)

	s, err := openSession("simulate", replay.Simulate, &options, args)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.run(ctx); err != nil {
		return err
	}

	summaries := s.engine.Accounting().Summaries()

	var writer stream.WriteCloser[simulation.Summary]
	switch output {
	case "json":
		writer = jsonprint.NewWriter[simulation.Summary](os.Stdout)
	case "yaml":
		writer = yamlprint.NewWriter[simulation.Summary](os.Stdout)
	default:
		if quiet {
			return writeNames(summaries)
		}
		writer = textprint.NewTableWriter[simulation.Summary](os.Stdout)
	}
	return writeResult(writer, summaries...)
}

func writeNames(summaries []simulation.Summary) error {
	names := make([]string, len(summaries))
	for i, s := range summaries {
		names[i] = s.Name
	}
	w := textprint.NewWriter[string](os.Stdout,
		textprint.Format[string]("%s\n"),
		textprint.Separator[string](""),
	)
	return writeResult(w, names...)
}
