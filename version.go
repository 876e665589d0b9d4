package main

import (
	"context"
	"fmt"

	"github.com/stealthrocket/ioreplay/internal/ioreplay"
)

const versionUsage = `
Usage:	ioreplay version

Options:
   -h, --help  Show this usage information
`

func version(ctx context.Context, args []string) error {
	flagSet := newFlagSet("ioreplay version", versionUsage)
	parseFlags(flagSet, args)
	fmt.Printf("ioreplay %s\n", ioreplay.Version())
	return nil
}
