package main_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var check = tests{
	"show the check command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "check", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay check ")
		assert.Equal(t, stderr, "")
	},

	"missing files are reported": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		stdout, _, exitCode := ioreplay(t, "check", input)
		assert.Equal(t, exitCode, 1)
		assert.HasPrefix(t, stdout, "OP ")
		assert.Contains(t, stdout, filepath.Join(dir, "in.dat"))
		assert.Contains(t, stdout, "missing")
	},

	"files which are too small are reported": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "in.dat"), make([]byte, 100), 0644))

		stdout, _, exitCode := ioreplay(t, "check", input)
		assert.Equal(t, exitCode, 1)
		assert.Contains(t, stdout, "too small (100), expected: 4096 bytes")
	},

	"no problems are reported when the file system is ready": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "in.dat"), make([]byte, 4096), 0644))

		stdout, _, exitCode := ioreplay(t, "check", input)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stdout, "")
	},

	"files created by the trace must not exist": func(t *testing.T) {
		input, dir := writeTrace(t,
			`100 1688390142.000010 open("$DIR/new", O_WRONLY|O_CREAT|O_EXCL, 0644) = 3 <0.000010>`,
			`100 1688390142.000020 close(3) = 0 <0.000001>`,
		)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "new"), nil, 0644))

		stdout, _, exitCode := ioreplay(t, "check", "-o", "yaml", input)
		assert.Equal(t, exitCode, 1)
		assert.Contains(t, stdout, "verdict: exists\n")
	},
}
