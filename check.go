package main

import (
	"context"
	"os"

	"github.com/stealthrocket/ioreplay/internal/print/jsonprint"
	"github.com/stealthrocket/ioreplay/internal/print/textprint"
	"github.com/stealthrocket/ioreplay/internal/print/yamlprint"
	"github.com/stealthrocket/ioreplay/internal/replay"
	"github.com/stealthrocket/ioreplay/internal/stream"
)

const checkUsage = `
Usage:	ioreplay check <trace> [options]

   The check command verifies that the local file system is in a state where
   replicating the trace would have the recorded outcome: the files and
   directories that the trace expects exist, those it creates do not, and the
   files it reads are large enough.

   The command exits with status 1 when problems are found. Run 'ioreplay
   prepare' to create the missing files and directories.

Example:

   $ ioreplay check app.trace
   OP     PATH               VERDICT  PROBLEM
   open   /tmp/app/in.dat    missing  file doesn't exist
   read   /tmp/app/in.dat    missing  can't open: no such file or directory

Options:
   -c, --config path    Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
   -f, --format format  Trace format, one of: auto, strace, bin (default to auto)
   -h, --help           Show this usage information
       --ignore path    File of glob patterns of paths to leave out of the check
       --map path       File of path renames, one "old" "new" pair per line
   -o, --output format  Output format, one of: text, json, yaml
       --strict         Skip operations on unknown processes and descriptors
       --trace          Log every operation
   -v, --verbose        Enable debug logs
`

// finding is a problem found by the check of a trace.
type finding struct {
	Op      string `json:"op"      yaml:"op"      text:"OP"`
	Path    string `json:"path"    yaml:"path"    text:"PATH"`
	Verdict string `json:"verdict" yaml:"verdict" text:"VERDICT"`
	Problem string `json:"problem" yaml:"problem" text:"PROBLEM"`
}

func check(ctx context.Context, args []string) error {
	var (
		options replayOptions
		output  = outputFormat("text")
	)

	flagSet := newFlagSet("ioreplay check", checkUsage)
	options.register(flagSet, replay.Check)
	customVar(flagSet, &output, "o", "output")
	args = parseFlags(flagSet, args)

	s, err := openSession("check", replay.Check, &options, args)
	if err != nil {
		return err
	}
	defer s.Close()

	findings, err := s.check(ctx)
	if err != nil {
		return err
	}
	if err := writeFindings(output, findings); err != nil {
		return err
	}
	if len(findings) > 0 {
		return exitCode(1)
	}
	return nil
}

// check runs the trace through the file system model and returns the
// problems found.
func (s *session) check(ctx context.Context) ([]finding, error) {
	if _, err := s.run(ctx); err != nil {
		return nil, err
	}
	acct := s.engine.Accounting()

	var findings []finding
	for _, issue := range acct.FS().Issues() {
		findings = append(findings, finding{
			Op:      issue.Op.String(),
			Path:    issue.Path,
			Verdict: issue.Verdict.String(),
			Problem: issue.Message,
		})
	}
	for _, p := range acct.CheckReads() {
		findings = append(findings, finding{
			Op:      "read",
			Path:    p.Path,
			Verdict: "size",
			Problem: p.Message,
		})
	}
	return findings, nil
}

func writeFindings(output outputFormat, findings []finding) error {
	var writer stream.WriteCloser[finding]
	switch output {
	case "json":
		writer = jsonprint.NewWriter[finding](os.Stdout)
	case "yaml":
		writer = yamlprint.NewWriter[finding](os.Stdout)
	default:
		if len(findings) == 0 {
			return nil
		}
		writer = textprint.NewTableWriter[finding](os.Stdout)
	}
	return writeResult(writer, findings...)
}
