package main_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var replicate = tests{
	"show the replicate command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "replicate", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay replicate ")
		assert.Equal(t, stderr, "")
	},

	"the operations are executed on the local file system": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "in.dat"), make([]byte, 4096), 0644))

		stdout, _, exitCode := ioreplay(t, "replicate", input)
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Result: ")

		info, err := os.Stat(filepath.Join(dir, "out.dat"))
		assert.OK(t, err)
		assert.Equal(t, info.Size(), 4096)
	},

	"the result counts the operations": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "in.dat"), make([]byte, 4096), 0644))

		stdout, _, exitCode := ioreplay(t, "replicate", "-o", "json", "--pacing", "diff", input)
		assert.Equal(t, exitCode, 0)

		var r struct {
			Session     string `json:"session"`
			Applied     int    `json:"applied"`
			Divergences int    `json:"divergences"`
		}
		assert.OK(t, json.Unmarshal([]byte(stdout), &r))
		assert.NotEqual(t, r.Session, "")
		assert.Equal(t, r.Applied, len(readTrace))
		assert.Equal(t, r.Divergences, 0)
	},

	"operations which cannot be executed are counted": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)

		stdout, stderr, exitCode := ioreplay(t, "replicate", "-o", "json", input)
		assert.Equal(t, exitCode, 0)
		assert.Contains(t, stderr, "in.dat")

		var r struct {
			Failed int `json:"failed"`
		}
		assert.OK(t, json.Unmarshal([]byte(stdout), &r))
		assert.Less(t, 0, r.Failed)
	},

	"the registry is dumped at the end of the replay": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace[:2]...)
		assert.OK(t, os.WriteFile(filepath.Join(dir, "in.dat"), make([]byte, 4096), 0644))

		stdout, _, exitCode := ioreplay(t, "replicate", "--dump-registry", input)
		assert.Equal(t, exitCode, 0)
		assert.Contains(t, stdout, "table-100")
		assert.Contains(t, stdout, filepath.Join(dir, "in.dat"))
	},

	"an invalid pacing causes an error": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)
		_, _, exitCode := ioreplay(t, "replicate", "--pacing", "slow", input)
		assert.Equal(t, exitCode, 2)
	},
}
