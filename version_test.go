package main_test

import (
	"strings"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var version = tests{
	"show the version command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "version", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay version\n")
		assert.Equal(t, stderr, "")
	},

	"show the version command help with the long option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "version", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay version\n")
		assert.Equal(t, stderr, "")
	},

	"the version starts with the prefix ioreplay": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "version")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "ioreplay ")
		assert.Equal(t, stderr, "")
	},

	"the version number is not empty": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "version")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")

		_, version, _ := strings.Cut(strings.TrimSpace(stdout), " ")
		assert.NotEqual(t, version, "")
	},

	"passing an unsupported flag to the command causes an error": func(t *testing.T) {
		_, _, exitCode := ioreplay(t, "version", "-_")
		assert.Equal(t, exitCode, 2)
	},
}
