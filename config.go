package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/stealthrocket/ioreplay/internal/ioreplay"
)

const configUsage = `
Usage:	ioreplay config [options]

   The config command prints the ioreplay configuration, or the defaults when
   the configuration file does not exist. The configuration holds the default
   values of the replay options, which command line options override.

Example:

   $ ioreplay config
   log:
     level: info
   replay:
     pacing: asap
     scale: 1
     cpu: 0
     selfHeal: true
     seek: lseek
     sendfile: auto
     calibration: 1s
   names:
     ignore: null
     map: null

Options:
   -c, --config path    Path to the ioreplay configuration file (overrides IOREPLAYCONFIG)
       --edit           Open $EDITOR to edit the configuration
   -h, --help           Show usage information
   -o, --output format  Output format, one of: text, json, yaml
   -v, --verbose        Enable debug logs
`

func config(ctx context.Context, args []string) error {
	var (
		edit   bool
		output = outputFormat("text")
	)

	flagSet := newFlagSet("ioreplay config", configUsage)
	boolVar(flagSet, &edit, "edit")
	customVar(flagSet, &output, "o", "output")

	parseFlags(flagSet, args)

	r, path, err := ioreplay.OpenConfig()
	if err != nil {
		return err
	}
	defer r.Close()

	if edit {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			return errors.New(`$EDITOR is not set`)
		}
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}

		if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
			if !errors.Is(err, fs.ErrExist) {
				return err
			}
		}

		tmp, err := createTempFile(path, r)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)

		p, err := os.StartProcess(shell, []string{shell, "-c", editor + " " + tmp}, &os.ProcAttr{
			Files: []*os.File{
				0: os.Stdin,
				1: os.Stdout,
				2: os.Stderr,
			},
		})
		if err != nil {
			return err
		}
		if _, err := p.Wait(); err != nil {
			return err
		}
		f, err := os.Open(tmp)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := ioreplay.ReadConfig(f); err != nil {
			return fmt.Errorf("not applying configuration updates because the file has a syntax error: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}

	config, err := ioreplay.LoadConfig()
	if err != nil {
		return err
	}

	w := io.Writer(os.Stdout)
	for {
		switch output {
		case "json":
			e := json.NewEncoder(w)
			e.SetEscapeHTML(false)
			e.SetIndent("", "  ")
			_ = e.Encode(config)
		case "yaml":
			e := yaml.NewEncoder(w)
			e.SetIndent(2)
			_ = e.Encode(config)
			_ = e.Close()
		default:
			r, _, err := ioreplay.OpenConfig()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					output = "yaml"
					continue
				}
				return err
			}
			defer r.Close()
			_, _ = io.Copy(w, r)
		}
		return nil
	}
}

func createTempFile(path string, r io.Reader) (string, error) {
	dir, file := filepath.Split(path)
	w, err := os.CreateTemp(dir, "."+file+".*")
	if err != nil {
		return "", err
	}
	defer w.Close()
	_, err = io.Copy(w, r)
	return w.Name(), err
}
