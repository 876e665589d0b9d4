package main_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var convert = tests{
	"show the convert command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "convert", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay convert ")
		assert.Equal(t, stderr, "")
	},

	"converting without an input causes an error": func(t *testing.T) {
		_, stderr, exitCode := ioreplay(t, "convert")
		assert.Equal(t, exitCode, 2)
		assert.HasPrefix(t, stderr, "Expected at least one strace log as argument")
	},

	"the binary trace holds the operations of the strace log": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)
		output := filepath.Join(t.TempDir(), "app.trace")

		_, _, exitCode := ioreplay(t, "convert", "-o", output, input)
		assert.Equal(t, exitCode, 0)

		want, _, exitCode := ioreplay(t, "print", input)
		assert.Equal(t, exitCode, 0)
		got, _, exitCode := ioreplay(t, "print", output)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, got, want)
	},

	"compressed traces are decoded": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)

		for _, compression := range []string{"snappy", "zstd"} {
			output := filepath.Join(t.TempDir(), "app.trace")
			_, _, exitCode := ioreplay(t, "convert", "--compression", compression, "-o", output, input)
			assert.Equal(t, exitCode, 0)

			stdout, _, exitCode := ioreplay(t, "print", output)
			assert.Equal(t, exitCode, 0)
			assert.Equal(t, strings.Count(stdout, "\n"), len(readTrace))
		}
	},

	"converting a trace onto itself causes an error": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)
		trace := strings.TrimSuffix(input, ".strace") + ".trace"
		assert.OK(t, os.Rename(input, trace))

		_, stderr, exitCode := ioreplay(t, "convert", trace)
		assert.Equal(t, exitCode, 1)
		assert.Contains(t, stderr, "would overwrite its input")

		b, err := os.ReadFile(trace)
		assert.OK(t, err)
		assert.Equal(t, strings.Count(string(b), "\n"), len(readTrace))
	},

	"several inputs are converted next to their input": func(t *testing.T) {
		first, _ := writeTrace(t, readTrace...)
		second, _ := writeTrace(t, readTrace[:2]...)

		_, _, exitCode := ioreplay(t, "convert", first, second)
		assert.Equal(t, exitCode, 0)

		for _, input := range []string{first, second} {
			_, err := os.Stat(strings.TrimSuffix(input, ".strace") + ".trace")
			assert.OK(t, err)
		}
	},

	"the output option cannot be used with several inputs": func(t *testing.T) {
		first, _ := writeTrace(t, readTrace...)
		second, _ := writeTrace(t, readTrace...)

		_, _, exitCode := ioreplay(t, "convert", "-o", "out.trace", first, second)
		assert.Equal(t, exitCode, 2)
	},

	"a missing input is reported": func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "missing.strace")
		_, stderr, exitCode := ioreplay(t, "convert", missing)
		assert.Equal(t, exitCode, 1)
		assert.Contains(t, stderr, "missing.strace")
	},
}
