package main

import (
	"context"
	"io"
	"os"

	"github.com/stealthrocket/ioreplay/internal/print/jsonprint"
	"github.com/stealthrocket/ioreplay/internal/print/textprint"
	"github.com/stealthrocket/ioreplay/internal/print/yamlprint"
	"github.com/stealthrocket/ioreplay/internal/stream"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

const printUsage = `
Usage:	ioreplay print <trace>... [options]

   The print command decodes traces and prints their operations. The text
   output is in the format of strace logs, and can be decoded again by
   ioreplay. When several traces are given, their operations are printed
   one trace after the other.

Example:

   $ ioreplay print app.trace
   4242 1688390142.000020 open("/tmp/app/in.dat", O_RDONLY) = 3 <0.000012>
   4242 1688390142.000100 read(3, "", 4096) = 4096 <0.000006>

Options:
   -c, --config path    Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
   -f, --format format  Trace format, one of: auto, strace, bin (default to auto)
   -h, --help           Show this usage information
   -o, --output format  Output format, one of: text, json, yaml
   -v, --verbose        Enable debug logs
`

// record is the representation of operations in json and yaml outputs.
type record struct {
	Kind     string `json:"kind"     yaml:"kind"`
	PID      int32  `json:"pid"      yaml:"pid"`
	Start    string `json:"start"    yaml:"start"`
	Duration int32  `json:"duration" yaml:"duration"`
	Retval   int64  `json:"retval"   yaml:"retval"`
	Call     string `json:"call"     yaml:"call"`
}

func makeRecord(op trace.Op) (record, error) {
	c := op.CallInfo()
	return record{
		Kind:     op.Kind().String(),
		PID:      c.PID,
		Start:    c.Start.String(),
		Duration: c.Duration,
		Retval:   c.Retval,
		Call:     op.String(),
	}, nil
}

func print(ctx context.Context, args []string) error {
	var (
		format = traceFormat("auto")
		output = outputFormat("text")
	)

	flagSet := newFlagSet("ioreplay print", printUsage)
	customVar(flagSet, &format, "f", "format")
	customVar(flagSet, &output, "o", "output")
	args = parseFlags(flagSet, args)

	if len(args) == 0 {
		perrorf(`Expected at least one trace file as argument` + useCmd("print"))
		return exitCode(2)
	}

	readers := make([]stream.Reader[trace.Op], 0, len(args))
	for _, path := range args {
		t, err := openTrace(path, format)
		if err != nil {
			return err
		}
		defer t.Close()
		readers = append(readers, t)
	}
	ops := cancelable[trace.Op](ctx, stream.MultiReader[trace.Op](readers...))

	switch output {
	case "json":
		return copyRecords(jsonprint.NewWriter[record](os.Stdout), ops)
	case "yaml":
		return copyRecords(yamlprint.NewWriter[record](os.Stdout), ops)
	default:
		w := textprint.NewWriter[trace.Op](os.Stdout,
			textprint.Format[trace.Op]("%v\n"),
			textprint.Separator[trace.Op](""),
		)
		return copyAndClose[trace.Op](w, w, ops)
	}
}

func copyRecords(w stream.WriteCloser[record], ops stream.Reader[trace.Op]) error {
	return copyAndClose[trace.Op](stream.ConvertWriter[record](w, makeRecord), w, ops)
}

func copyAndClose[T any](w stream.Writer[T], c io.Closer, r stream.Reader[T]) error {
	_, err := stream.Copy[T](w, r)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}
