package main_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var simulate = tests{
	"show the simulate command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "simulate", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay simulate ")
		assert.Equal(t, stderr, "")
	},

	"the files read and written are listed": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		stdout, _, exitCode := ioreplay(t, "simulate", "-q", input)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stdout, ""+
			filepath.Join(dir, "in.dat")+"\n"+
			filepath.Join(dir, "out.dat")+"\n")
	},

	"the listing has the sizes of the files": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		stdout, _, exitCode := ioreplay(t, "simulate", "-o", "json", input)
		assert.Equal(t, exitCode, 0)

		d := json.NewDecoder(strings.NewReader(stdout))
		var access []string
		for d.More() {
			var s struct {
				Access string `json:"access"`
				Name   string `json:"name"`
				Ops    int    `json:"ops"`
			}
			assert.OK(t, d.Decode(&s))
			assert.Equal(t, s.Ops, 1)
			assert.HasPrefix(t, s.Name, dir)
			access = append(access, s.Access)
		}
		assert.EqualAll(t, access, []string{"read", "write"})
	},

	"ignored files are not listed": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		ignore := filepath.Join(t.TempDir(), "ignore")
		assert.OK(t, os.WriteFile(ignore, []byte(filepath.Join(dir, "out.*")+"\n"), 0644))

		stdout, _, exitCode := ioreplay(t, "simulate", "-q", "--ignore", ignore, input)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stdout, filepath.Join(dir, "in.dat")+"\n")
	},

	"renamed files are listed with their new name": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		names := filepath.Join(t.TempDir(), "map")
		rename := `"` + filepath.Join(dir, "in.dat") + `" "` + filepath.Join(dir, "input") + `"` + "\n"
		assert.OK(t, os.WriteFile(names, []byte(rename), 0644))

		stdout, _, exitCode := ioreplay(t, "simulate", "-q", "--map", names, input)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stdout, ""+
			filepath.Join(dir, "input")+"\n"+
			filepath.Join(dir, "out.dat")+"\n")
	},

	"the local file system is not modified": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		_, _, exitCode := ioreplay(t, "simulate", input)
		assert.Equal(t, exitCode, 0)

		_, err := os.Stat(filepath.Join(dir, "out.dat"))
		assert.Error(t, err, os.ErrNotExist)
	},
}
