package main_test

import (
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var help = tests{
	"calling help with an unknown command causes an error": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "whatever")
		assert.Equal(t, exitCode, 2)
		assert.Equal(t, stdout, "")
		assert.Equal(t, stderr, "ioreplay help whatever: unknown command\n")
	},

	"passing an unsupported flag to the command causes an error": func(t *testing.T) {
		_, _, exitCode := ioreplay(t, "help", "-_")
		assert.Equal(t, exitCode, 2)
	},

	"show the help command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the help command help with the long option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay <command> ")
		assert.Equal(t, stderr, "")
	},

	"show the help command help after a command name": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "stats", "--help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay <command> ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help check": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "check")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay check ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help config": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "config")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay config ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help convert": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "convert")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay convert ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help help": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "help")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay <command> ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help prepare": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "prepare")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay prepare ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help print": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "print")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay print ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help replicate": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "replicate")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay replicate ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help simulate": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "simulate")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay simulate ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help stats": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "stats")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay stats ")
		assert.Equal(t, stderr, "")
	},

	"ioreplay help version": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "help", "version")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay version\n")
		assert.Equal(t, stderr, "")
	},
}
