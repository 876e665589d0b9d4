package main_test

import (
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var root = tests{
	"invoking ioreplay without a command prints the introduction message": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t)
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "ioreplay - File System Trace Replay\n")
		assert.Equal(t, stderr, "")
	},

	"show the ioreplay help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the ioreplay help with the long option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay <command> ")
		assert.Equal(t, stderr, "")
	},
}
