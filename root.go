package main

// Notes on program structure
// --------------------------
//
// ioreplay uses subcommands to invoke specific functionalities of the program.
// Each subcommand is implemented by a function named after the command, in a
// file of the same name (e.g. the "help" command is implemented by the help
// function in help.go).
//
// The usage message for each command is declared by a constant starting with
// the command name and followed by the suffix "Usage". For example, the usage
// message for the "help" command is declared by the constant helpUsage.
//
// The usage message contains a "Usage:	ioreplay <command>" section presenting
// the structure of the command. Note the tabulation separating "Usage:" and
// "ioreplay".

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/exp/slices"

	"github.com/stealthrocket/ioreplay/internal/ioreplay"
	"github.com/stealthrocket/ioreplay/internal/replay"
)

const rootUsage = `ioreplay - File System Trace Replay

   ioreplay replays the file system activity of a program, recorded with
   strace, against the local file system. Traces can be replicated with their
   original timing, simulated to list the files they touch, or checked and
   prepared so that a later replication does not diverge.

Example:

   $ strace -f -ttt -T -o app.strace ./app
   $ ioreplay convert -o app.trace app.strace
   $ ioreplay prepare app.trace
   $ ioreplay replicate app.trace
   Result: 12.482913

For a list of commands available, run 'ioreplay help'.`

// verbose is shared by all commands, it sets the log level to debug.
var verbose bool

// root is the ioreplay entrypoint.
func root(ctx context.Context, args ...string) int {
	flagSet := newFlagSet("ioreplay", helpUsage)
	_ = flagSet.Parse(args)

	if args = flagSet.Args(); len(args) == 0 {
		fmt.Println(rootUsage)
		return 0
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := args[0], args[1:]

	var err error
	switch cmd {
	case "check":
		err = check(ctx, args)
	case "config":
		err = config(ctx, args)
	case "convert":
		err = convert(ctx, args)
	case "help":
		err = help(ctx, args)
	case "prepare":
		err = prepare(ctx, args)
	case "print":
		err = print(ctx, args)
	case "replicate":
		err = replicate(ctx, args)
	case "simulate":
		err = simulate(ctx, args)
	case "stats":
		err = stats(ctx, args)
	case "version":
		err = version(ctx, args)
	default:
		err = unknown(ctx, cmd)
	}

	switch e := err.(type) {
	case nil:
		return 0
	case exitCode:
		return int(e)
	case usage:
		fmt.Fprintf(os.Stderr, "%s\n", e)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "ERR: ioreplay %s: %s\n", cmd, err)
		return 1
	}
}

// exitCode is an error type returned from command functions to indicate the
// exit code that should be returned by the program.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit: %d", e)
}

// usage is an error type returned from command functions to indicate a usage
// error.
//
// Usage errors cause the program to exit with status code 2.
type usage string

func usageError(msg string, args ...any) error {
	return usage(fmt.Sprintf(msg, args...))
}

func (e usage) Error() string {
	return string(e)
}

func perror(args ...any) {
	fmt.Fprintln(os.Stderr, args...)
}

func perrorf(msg string, args ...any) {
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprintf(os.Stderr, msg, args...)
}

func useCmd(cmd string) string {
	return "\n\nFor a description of the command, run 'ioreplay help " + cmd + "'."
}

func setEnum[T ~string](enum *T, typ string, value string, options ...string) error {
	for _, option := range options {
		if option == value {
			*enum = T(option)
			return nil
		}
	}
	return fmt.Errorf("unsupported %s: %q (not one of %s)", typ, value, strings.Join(options, ", "))
}

type compression string

func (c compression) String() string {
	return string(c)
}

func (c *compression) Set(value string) error {
	return setEnum(c, "compression type", value, "snappy", "zstd", "none")
}

type outputFormat string

func (o outputFormat) String() string {
	return string(o)
}

func (o *outputFormat) Set(value string) error {
	return setEnum(o, "output format", value, "text", "json", "yaml")
}

type traceFormat string

func (f traceFormat) String() string {
	return string(f)
}

func (f *traceFormat) Set(value string) error {
	return setEnum(f, "trace format", value, "auto", "strace", "bin")
}

type pacing string

func (p pacing) String() string {
	return string(p)
}

func (p *pacing) Set(value string) error {
	return setEnum(p, "pacing", value, replay.ASAP.String(), replay.Diff.String(), replay.Exact.String())
}

// cpuNumber is the processor that a replay is pinned to, "none" disables
// pinning.
type cpuNumber struct {
	ioreplay.Nullable[int]
	set bool
}

func (c cpuNumber) String() string {
	if v, ok := c.Value(); ok {
		return strconv.Itoa(v)
	}
	return "none"
}

func (c *cpuNumber) Set(value string) error {
	c.set = true
	if value == "none" {
		c.Nullable = ioreplay.Null[int]()
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid cpu number: %q", value)
	}
	c.Nullable = ioreplay.NullableValue(n)
	return nil
}

func newFlagSet(cmd, usage string) *flag.FlagSet {
	usage = strings.TrimSpace(usage)
	flagSet := flag.NewFlagSet(cmd, flag.ExitOnError)
	flagSet.Usage = func() { fmt.Println(usage) }
	customVar(flagSet, &ioreplay.ConfigPath, "c", "config")
	boolVar(flagSet, &verbose, "v", "verbose")
	return flagSet
}

// parseFlags is a greedy parser which consumes all options known to f and
// returns the remaining arguments.
func parseFlags(f *flag.FlagSet, args []string) []string {
	var unknownArgs []string
	for {
		// The flag set is constructed with ExitOnError, it should never error.
		if err := f.Parse(args); err != nil {
			panic(err)
		}
		if args = f.Args(); len(args) == 0 {
			return unknownArgs
		}
		i := slices.IndexFunc(args, func(s string) bool {
			return strings.HasPrefix(s, "-")
		})
		if i < 0 {
			i = len(args)
		} else if args[i] == "-" {
			i++
		}
		if i == 0 {
			panic("parsing command line arguments did not error on " + args[0])
		}
		unknownArgs = append(unknownArgs, args[:i]...)
		args = args[i:]
	}
}

func boolVar(f *flag.FlagSet, dst *bool, name string, alias ...string) {
	f.BoolVar(dst, name, *dst, "")
	for _, name := range alias {
		f.BoolVar(dst, name, *dst, "")
	}
}

func floatVar(f *flag.FlagSet, dst *float64, name string, alias ...string) {
	f.Float64Var(dst, name, *dst, "")
	for _, name := range alias {
		f.Float64Var(dst, name, *dst, "")
	}
}

func customVar(f *flag.FlagSet, dst flag.Value, name string, alias ...string) {
	f.Var(dst, name, "")
	for _, name := range alias {
		f.Var(dst, name, "")
	}
}
