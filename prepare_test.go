package main_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var prepare = tests{
	"show the prepare command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "prepare", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay prepare ")
		assert.Equal(t, stderr, "")
	},

	"missing files are created with the size that the trace reads": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		stdout, _, exitCode := ioreplay(t, "prepare", input)
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "ACTION ")
		assert.Contains(t, stdout, "create")

		info, err := os.Stat(filepath.Join(dir, "in.dat"))
		assert.OK(t, err)
		assert.Equal(t, info.Size(), 4096)

		_, err = os.Stat(filepath.Join(dir, "out.dat"))
		assert.Error(t, err, os.ErrNotExist)

		_, _, exitCode = ioreplay(t, "check", input)
		assert.Equal(t, exitCode, 0)
	},

	"files which are too small are grown": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "in.dat"), make([]byte, 100), 0644))

		_, _, exitCode := ioreplay(t, "prepare", input)
		assert.Equal(t, exitCode, 0)

		info, err := os.Stat(filepath.Join(dir, "in.dat"))
		assert.OK(t, err)
		assert.Equal(t, info.Size(), 4096)
	},

	"missing directories are created": func(t *testing.T) {
		input, dir := writeTrace(t,
			`100 1688390142.000010 open("$DIR/sub/dir/file", O_WRONLY|O_CREAT, 0644) = 3 <0.000010>`,
			`100 1688390142.000020 close(3) = 0 <0.000001>`,
		)

		_, _, exitCode := ioreplay(t, "prepare", input)
		assert.Equal(t, exitCode, 0)

		info, err := os.Stat(filepath.Join(dir, "sub", "dir"))
		assert.OK(t, err)
		assert.True(t, info.IsDir())

		_, err = os.Stat(filepath.Join(dir, "sub", "dir", "file"))
		assert.Error(t, err, os.ErrNotExist)
	},

	"nothing is created with the dry run option": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		stdout, _, exitCode := ioreplay(t, "prepare", "--dry-run", input)
		assert.Equal(t, exitCode, 0)
		assert.Contains(t, stdout, filepath.Join(dir, "in.dat"))

		_, err := os.Stat(filepath.Join(dir, "in.dat"))
		assert.Error(t, err, os.ErrNotExist)
	},
}
