package main

import (
	"context"
	"os"

	"github.com/stealthrocket/ioreplay/internal/print/jsonprint"
	"github.com/stealthrocket/ioreplay/internal/print/textprint"
	"github.com/stealthrocket/ioreplay/internal/print/yamlprint"
	"github.com/stealthrocket/ioreplay/internal/replay"
	"github.com/stealthrocket/ioreplay/internal/simfs"
	"github.com/stealthrocket/ioreplay/internal/stream"
)

const prepareUsage = `
Usage:	ioreplay prepare <trace> [options]

   The prepare command checks the trace like 'ioreplay check' does, then
   creates the directories and files that the trace expects to find, with the
   sizes that its reads require. Files are filled with zeros. Nothing is ever
   deleted: entries which exist but should not are only reported.

Example:

   $ ioreplay prepare app.trace
   ACTION  PATH             SIZE
   mkdir   /tmp/app         0
   create  /tmp/app/in.dat  65536

Options:
   -c, --config path    Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
   -n, --dry-run        Only display the actions, do not apply them
   -f, --format format  Trace format, one of: auto, strace, bin (default to auto)
   -h, --help           Show this usage information
       --ignore path    File of glob patterns of paths to leave out
       --map path       File of path renames, one "old" "new" pair per line
   -o, --output format  Output format, one of: text, json, yaml
       --strict         Skip operations on unknown processes and descriptors
       --trace          Log every operation
   -v, --verbose        Enable debug logs
`

func prepare(ctx context.Context, args []string) error {
	var (
		options replayOptions
		output  = outputFormat("text")
		dryRun  = false
	)

	flagSet := newFlagSet("ioreplay prepare", prepareUsage)
	options.register(flagSet, replay.Prepare)
	customVar(flagSet, &output, "o", "output")
	boolVar(flagSet, &dryRun, "n", "dry-run")
	args = parseFlags(flagSet, args)

	s, err := openSession("prepare", replay.Prepare, &options, args)
	if err != nil {
		return err
	}
	defer s.Close()

	findings, err := s.check(ctx)
	if err != nil {
		return err
	}
	for _, f := range findings {
		s.logger.Warn(f.Problem, "op", f.Op, "path", f.Path)
	}

	fsys := s.engine.Accounting().FS()
	fixes := fsys.Fixes()

	var writer stream.WriteCloser[simfs.Fix]
	switch output {
	case "json":
		writer = jsonprint.NewWriter[simfs.Fix](os.Stdout)
	case "yaml":
		writer = yamlprint.NewWriter[simfs.Fix](os.Stdout)
	default:
		writer = textprint.NewTableWriter[simfs.Fix](os.Stdout)
	}
	if err := writeResult(writer, fixes...); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	return fsys.Prepare(fixes)
}
