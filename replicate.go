package main

import (
	"context"
	"fmt"
	"os"

	"github.com/stealthrocket/ioreplay/internal/print/jsonprint"
	"github.com/stealthrocket/ioreplay/internal/print/yamlprint"
	"github.com/stealthrocket/ioreplay/internal/replay"
	"github.com/stealthrocket/ioreplay/internal/stream"
)

const replicateUsage = `
Usage:	ioreplay replicate <trace> [options]

   The replicate command executes the file system operations of a trace on
   the local file system, in the order and with the timing they were recorded
   with. Paths are relative to the current directory unless they are absolute.

   Run 'ioreplay prepare' on the trace first so that the files it reads exist
   with the right sizes.

Example:

   $ ioreplay replicate --pacing diff --cpu 2 app.trace
   Result: 12.482913

Options:
   -c, --config path     Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
       --cpu n           Processor the replay is pinned to, or none
       --dump-registry   Print the file descriptor tables at the end of the replay
   -f, --format format   Trace format, one of: auto, strace, bin (default to auto)
   -h, --help            Show this usage information
       --ignore path     File of glob patterns of paths to leave out of the replay
       --map path        File of path renames, one "old" "new" pair per line
   -o, --output format   Output format of the result, one of: text, json, yaml
       --pacing mode     Timing of the replay, one of: asap, diff, exact
       --progress d      Report progress at most once per duration d
       --scale factor    Scale the idle time between operations with diff pacing
       --strict          Skip operations on unknown processes and descriptors
       --trace           Log every operation
   -v, --verbose         Enable debug logs
`

func replicate(ctx context.Context, args []string) error {
	var (
		options      replayOptions
		output       = outputFormat("text")
		dumpRegistry = false
	)

	flagSet := newFlagSet("ioreplay replicate", replicateUsage)
	options.register(flagSet, replay.Replicate)
	customVar(flagSet, &output, "o", "output")
	boolVar(flagSet, &dumpRegistry, "dump-registry")
	args = parseFlags(flagSet, args)

	s, err := openSession("replicate", replay.Replicate, &options, args, func(opts *replay.Options) {
		if dumpRegistry {
			opts.Dump = os.Stdout
		}
	})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.run(ctx)
	if err != nil {
		return err
	}

	switch output {
	case "json":
		return writeResult(jsonprint.NewWriter[replay.Result](os.Stdout), res)
	case "yaml":
		return writeResult(yamlprint.NewWriter[replay.Result](os.Stdout), res)
	default:
		fmt.Printf("Result: %f\n", res.Elapsed.Seconds())
		if res.Divergences > 0 {
			perrorf("WARN: %d operations diverged from the trace", res.Divergences)
		}
	}
	return nil
}

func writeResult[T any](w stream.WriteCloser[T], values ...T) error {
	_, err := stream.Copy[T](w, stream.NewReader(values...))
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}
