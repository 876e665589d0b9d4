package main

import (
	"context"
)

const unknownCommand = `ioreplay %s: unknown command
For a list of commands available, run 'ioreplay help'.`

func unknown(ctx context.Context, cmd string) error {
	return usageError(unknownCommand, cmd)
}
