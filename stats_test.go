package main_test

import (
	"path/filepath"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var stats = tests{
	"show the stats command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "stats", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay stats ")
		assert.Equal(t, stderr, "")
	},

	"system calls of strace logs are counted": func(t *testing.T) {
		input, _ := writeTrace(t, append(readTrace,
			`100 1688390142.000070 getpid() = 100 <0.000001>`,
		)...)

		stdout, stderr, exitCode := ioreplay(t, "stats", input)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")
		assert.Equal(t, stdout, ""+
			"close : 2 (0.00ms)\n"+
			"getpid : 1 (0.00ms)\n"+
			"open : 2 (0.02ms)\n"+
			"read : 1 (0.01ms)\n"+
			"write : 1 (0.01ms)\n")
	},

	"operations of binary traces are counted": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)
		output := filepath.Join(t.TempDir(), "app.trace")
		_, _, exitCode := ioreplay(t, "convert", "-o", output, input)
		assert.Equal(t, exitCode, 0)

		stdout, _, exitCode := ioreplay(t, "stats", "-o", "yaml", output)
		assert.Equal(t, exitCode, 0)
		assert.Contains(t, stdout, "syscall: open\n")
		assert.Contains(t, stdout, "count: 2\n")
	},

	"stats requires a trace file": func(t *testing.T) {
		_, _, exitCode := ioreplay(t, "stats")
		assert.Equal(t, exitCode, 2)
	},
}
