// Package ioreplay holds the configuration of the ioreplay commands and the
// wiring of the replay sessions they run.
package ioreplay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/ioreplay/internal/namemap"
	"github.com/stealthrocket/ioreplay/internal/print/human"
	"github.com/stealthrocket/ioreplay/internal/replay"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

const defaultConfigPath = "~/.ioreplay/config.yaml"

// ConfigPath is the path to the ioreplay configuration.
var ConfigPath human.Path = defaultConfigPath

func init() {
	if path, ok := os.LookupEnv("IOREPLAYCONFIG"); ok {
		_ = ConfigPath.Set(path)
	} else {
		_ = ConfigPath.Set(defaultConfigPath)
	}
}

// LoadConfig opens and reads the configuration file.
func LoadConfig() (*Config, error) {
	r, _, err := OpenConfig()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ReadConfig(r)
}

// OpenConfig opens the configuration file. When the file does not exist, the
// returned reader produces the default configuration.
func OpenConfig() (io.ReadCloser, string, error) {
	path := string(ConfigPath)
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, path, err
		}
		b, _ := yaml.Marshal(DefaultConfig())
		return io.NopCloser(bytes.NewReader(b)), path, nil
	}
	return f, path, nil
}

// ReadConfig reads and parses configuration. Unknown fields are errors.
func ReadConfig(r io.Reader) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	c := DefaultConfig()
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(c); err != nil && err != io.EOF {
		return nil, err
	}
	// The decoder leaves the defaults in place for null values.
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err == nil && isNull(&doc, "replay", "cpu") {
		c.Replay.CPU = Null[int]()
	}
	return c, nil
}

func isNull(n *yaml.Node, path ...string) bool {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return false
		}
		n = n.Content[0]
	}
	for _, key := range path {
		if n.Kind != yaml.MappingNode {
			return false
		}
		var value *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				value = n.Content[i+1]
			}
		}
		if value == nil {
			return false
		}
		n = value
	}
	return n.ShortTag() == "!!null"
}

// DefaultConfig is the default configuration.
func DefaultConfig() *Config {
	c := new(Config)
	c.Log.Level = "info"
	c.Replay = ReplayConfig{
		Pacing:      replay.ASAP.String(),
		Scale:       1,
		CPU:         NullableValue(0),
		SelfHeal:    true,
		Seek:        "lseek",
		Sendfile:    replay.SendfileAuto.String(),
		Calibration: human.Duration(time.Second),
	}
	return c
}

// Config is the ioreplay configuration.
type Config struct {
	Log struct {
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`
	Replay ReplayConfig `json:"replay" yaml:"replay"`
	Names  struct {
		Ignore Nullable[human.Path] `json:"ignore" yaml:"ignore"`
		Map    Nullable[human.Path] `json:"map"    yaml:"map"`
	} `json:"names" yaml:"names"`
}

// ReplayConfig configures the replay engine.
type ReplayConfig struct {
	Pacing      string         `json:"pacing"      yaml:"pacing"`
	Scale       float64        `json:"scale"       yaml:"scale"`
	CPU         Nullable[int]  `json:"cpu"         yaml:"cpu"`
	SelfHeal    bool           `json:"selfHeal"    yaml:"selfHeal"`
	Seek        string         `json:"seek"        yaml:"seek"`
	Sendfile    string         `json:"sendfile"    yaml:"sendfile"`
	Calibration human.Duration `json:"calibration" yaml:"calibration"`
}

// NewLogger constructs the logger writing to w at the configured level, or at
// the debug level when verbose is true.
func (c *Config) NewLogger(w io.Writer, verbose bool) (*log.Logger, error) {
	level := log.DebugLevel
	if !verbose {
		var err error
		if level, err = log.ParseLevel(c.Log.Level); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	logger := log.New(w)
	logger.SetLevel(level)
	logger.SetReportTimestamp(true)
	return logger, nil
}

// LoadNames loads the ignore and map files of the configuration. Both are
// optional.
func (c *Config) LoadNames() (*namemap.Map, error) {
	ignore, _ := c.Names.Ignore.Value()
	renames, _ := c.Names.Map.Value()
	return namemap.Load(string(ignore), string(renames))
}

// ReplayOptions returns the engine options for the given mode. The System,
// Clock, Logger and Names fields are left for the caller to set.
func (c *Config) ReplayOptions(mode replay.Mode) (replay.Options, error) {
	pacing, err := replay.ParsePacing(c.Replay.Pacing)
	if err != nil {
		return replay.Options{}, fmt.Errorf("replay.pacing: %w", err)
	}
	if c.Replay.Scale <= 0 {
		return replay.Options{}, fmt.Errorf("replay.scale: must be positive, got %g", c.Replay.Scale)
	}
	sendfile, err := replay.ParseSendfileStrategy(c.Replay.Sendfile)
	if err != nil {
		return replay.Options{}, fmt.Errorf("replay.sendfile: %w", err)
	}
	seek, err := parseSeek(c.Replay.Seek)
	if err != nil {
		return replay.Options{}, fmt.Errorf("replay.seek: %w", err)
	}
	cpu := c.Replay.CPU.Or(replay.NoAffinity)
	if cpu < 0 {
		cpu = replay.NoAffinity
	}
	return replay.Options{
		Mode:        mode,
		Pacing:      pacing,
		Scale:       c.Replay.Scale,
		CPU:         cpu,
		Strict:      !c.Replay.SelfHeal,
		Seek:        seek,
		Sendfile:    sendfile,
		Calibration: time.Duration(c.Replay.Calibration),
	}, nil
}

func parseSeek(s string) (trace.Kind, error) {
	switch strings.ToLower(s) {
	case "", "lseek":
		return trace.LSeek, nil
	case "llseek", "_llseek":
		return trace.LLSeek, nil
	default:
		return 0, fmt.Errorf("unknown seek system call: %q", s)
	}
}
