package main

import (
	"context"
	"fmt"
	"strings"
)

const helpUsage = `
Usage:	ioreplay <command> [options]

Replay Commands:
   replicate  Execute the operations of a trace on the local file system
   simulate   List the files that a trace reads and writes

Preparation Commands:
   check      Verify that the local file system matches what a trace expects
   prepare    Create the files and directories that a trace expects

Trace Commands:
   convert    Translate strace logs into binary traces
   print      Print the operations of a trace
   stats      Count the system calls of a trace

Other Commands:
   config     View or edit the ioreplay configuration
   help       Show usage information about ioreplay commands
   version    Show the ioreplay version information

Global Options:
   -c, --config path  Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
   -h, --help         Show usage information
   -v, --verbose      Enable debug logs

For a description of each command, run 'ioreplay help <command>'.`

func help(ctx context.Context, args []string) error {
	flagSet := newFlagSet("ioreplay help", helpUsage)
	args = parseFlags(flagSet, args)

	var cmd string
	var msg string

	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "check":
		msg = checkUsage
	case "config":
		msg = configUsage
	case "convert":
		msg = convertUsage
	case "help", "":
		msg = helpUsage
	case "prepare":
		msg = prepareUsage
	case "print":
		msg = printUsage
	case "replicate":
		msg = replicateUsage
	case "simulate":
		msg = simulateUsage
	case "stats":
		msg = statsUsage
	case "version":
		msg = versionUsage
	default:
		return usageError("ioreplay help %s: unknown command", cmd)
	}

	fmt.Println(strings.TrimSpace(msg))
	return nil
}
