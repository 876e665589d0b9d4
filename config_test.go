package main_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stealthrocket/ioreplay/internal/assert"
)

var config = tests{
	"show the config command help with the short option": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "config", "-h")
		assert.Equal(t, exitCode, 0)
		assert.HasPrefix(t, stdout, "Usage:\tioreplay config ")
		assert.Equal(t, stderr, "")
	},

	"the text output is the content of the configuration file": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "config")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")

		b, err := os.ReadFile(os.Getenv("IOREPLAYCONFIG"))
		assert.OK(t, err)
		assert.Equal(t, stdout, string(b))
	},

	"the json output includes the default values": func(t *testing.T) {
		stdout, stderr, exitCode := ioreplay(t, "config", "-o", "json")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")

		var c struct {
			Log struct {
				Level string `json:"level"`
			} `json:"log"`
			Replay struct {
				Pacing   string  `json:"pacing"`
				Scale    float64 `json:"scale"`
				CPU      *int    `json:"cpu"`
				SelfHeal bool    `json:"selfHeal"`
				Sendfile string  `json:"sendfile"`
			} `json:"replay"`
		}
		assert.OK(t, json.Unmarshal([]byte(stdout), &c))
		assert.Equal(t, c.Log.Level, "info")
		assert.Equal(t, c.Replay.Pacing, "asap")
		assert.Equal(t, c.Replay.Scale, 1.0)
		assert.True(t, c.Replay.CPU == nil)
		assert.True(t, c.Replay.SelfHeal)
		assert.Equal(t, c.Replay.Sendfile, "auto")
	},

	"a missing configuration file shows the defaults": func(t *testing.T) {
		t.Setenv("IOREPLAYCONFIG", filepath.Join(t.TempDir(), "config.yaml"))

		stdout, stderr, exitCode := ioreplay(t, "config", "-o", "yaml")
		assert.Equal(t, exitCode, 0)
		assert.Equal(t, stderr, "")
		assert.Contains(t, stdout, "pacing: asap\n")
		assert.Contains(t, stdout, "cpu: 0\n")
		assert.Contains(t, stdout, "calibration: 1s\n")
	},

	"an unknown field of the configuration is an error": func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		assert.OK(t, os.WriteFile(configPath, []byte("replay:\n  speed: 2\n"), 0666))
		t.Setenv("IOREPLAYCONFIG", configPath)

		_, stderr, exitCode := ioreplay(t, "config")
		assert.Equal(t, exitCode, 1)
		assert.HasPrefix(t, stderr, "ERR: ioreplay config: ")
	},

	"passing an unsupported output format causes an error": func(t *testing.T) {
		_, _, exitCode := ioreplay(t, "config", "-o", "xml")
		assert.Equal(t, exitCode, 2)
	},
}
