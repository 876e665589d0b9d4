package main_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var print = tests{
	"show the print command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "print", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay print ")
		assert.Equal(t, stderr, "")
	},

	"the text output is the strace log of the operations": func(t *testing.T) {
		input, dir := writeTrace(t, readTrace...)

		stdout, stderr, exitCode := ioreplay(t, "print", input)
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")

		lines := strings.Split(strings.TrimSuffix(stdout, "\n"), "\n")
		assert.Equal(t, len(lines), len(readTrace))
		assert.Equal(t, lines[0], `100 1688390142.000010 open("`+dir+`/in.dat", O_RDONLY) = 3 <0.000010>`)
		assert.Equal(t, lines[4], `100 1688390142.000050 close(3) = 0 <0.000001>`)
	},

	"the json output has one record per operation": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)

		stdout, _, exitCode := ioreplay(t, "print", "-o", "json", input)
		assert.Equal(t, exitCode, 0)

		d := json.NewDecoder(strings.NewReader(stdout))
		var kinds []string
		for d.More() {
			var r struct {
				Kind   string `json:"kind"`
				PID    int32  `json:"pid"`
				Retval int64  `json:"retval"`
			}
			assert.OK(t, d.Decode(&r))
			assert.Equal(t, r.PID, 100)
			kinds = append(kinds, r.Kind)
		}
		assert.Equal(t, len(kinds), len(readTrace))
	},

	"several traces are printed one after the other": func(t *testing.T) {
		first, _ := writeTrace(t, readTrace...)
		second, _ := writeTrace(t, `200 1688390143.000010 close(5) = 0 <0.000002>`)

		stdout, _, exitCode := ioreplay(t, "print", first, second)
		assert.Equal(t, exitCode, 0)

		lines := strings.Split(strings.TrimSuffix(stdout, "\n"), "\n")
		assert.Equal(t, len(lines), len(readTrace)+1)
		assert.HasPrefix(t, lines[0], "100 ")
		assert.Equal(t, lines[len(readTrace)], `200 1688390143.000010 close(5) = 0 <0.000002>`)
	},

	"printing a trace in an unknown format causes an error": func(t *testing.T) {
		input, _ := writeTrace(t, readTrace...)
		_, _, exitCode := ioreplay(t, "print", "-f", "json", input)
		assert.Equal(t, exitCode, 2)
	},
}
