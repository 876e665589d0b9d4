// Package namemap decides which file names of a trace are replayed, and under
// which name.
//
// Ignore files hold one glob pattern per line. Map files hold one pair of
// names per line, the name found in the trace followed by the name to use
// during the replay. Names containing spaces must be quoted. In both files,
// lines starting with '#' are comments.
package namemap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"unicode"
)

var ErrSyntax = errors.New("syntax error")

// Map resolves the names of a trace. The zero value keeps every name
// unchanged.
type Map struct {
	ignore  []string
	renames map[string]string
}

// Load reads the ignore file and the map file. Empty file names are skipped.
func Load(ignoreFile, mapFile string) (*Map, error) {
	m := new(Map)
	if ignoreFile != "" {
		if err := m.loadFile(ignoreFile, m.ReadIgnore); err != nil {
			return nil, err
		}
	}
	if mapFile != "" {
		if err := m.loadFile(mapFile, m.ReadRenames); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Map) loadFile(name string, read func(io.Reader) error) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := read(f); err != nil {
		return fmt.Errorf("%s:%w", name, err)
	}
	return nil
}

// Ignore adds a glob pattern of names to ignore.
func (m *Map) Ignore(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("%w: %q", err, pattern)
	}
	m.ignore = append(m.ignore, pattern)
	return nil
}

// Rename redirects the operations on oldName to newName.
func (m *Map) Rename(oldName, newName string) {
	if m.renames == nil {
		m.renames = make(map[string]string)
	}
	m.renames[oldName] = newName
}

// ReadIgnore adds the patterns of the ignore file read from r.
func (m *Map) ReadIgnore(r io.Reader) error {
	return readLines(r, func(line string) error {
		return m.Ignore(line)
	})
}

// ReadRenames adds the pairs of names of the map file read from r.
func (m *Map) ReadRenames(r io.Reader) error {
	return readLines(r, func(line string) error {
		oldName, rest, err := token(line)
		if err != nil {
			return err
		}
		newName, rest, err := token(strings.TrimLeftFunc(rest, unicode.IsSpace))
		if err != nil {
			return err
		}
		if strings.TrimSpace(rest) != "" {
			return fmt.Errorf("%w: unexpected text after names: %q", ErrSyntax, rest)
		}
		m.Rename(oldName, newName)
		return nil
	})
}

func readLines(r io.Reader, parse func(string) error) error {
	s := bufio.NewScanner(r)
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimRight(s.Text(), "\r")
		if line == "" || line[0] == '#' {
			continue
		}
		if err := parse(line); err != nil {
			return fmt.Errorf("%d: %w", lineno, err)
		}
	}
	return s.Err()
}

func token(s string) (name, rest string, err error) {
	switch {
	case s == "":
		return "", "", fmt.Errorf("%w: missing name", ErrSyntax)
	case s[0] == '"':
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return "", "", fmt.Errorf("%w: missing '\"' character", ErrSyntax)
		}
		return s[1 : end+1], s[end+2:], nil
	case s[0] == '/' || s[0] == '.' || isAlnum(s[0]):
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			end = len(s)
		}
		return s[:end], s[end:], nil
	default:
		return "", "", fmt.Errorf("%w: unexpected character %q", ErrSyntax, s[0])
	}
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Resolve returns the name to use for the file named name in the trace. The
// boolean is false if the file is ignored.
//
// A pattern ignores the names it matches and everything below them, so
// "/proc/*" ignores "/proc/self/stat".
func (m *Map) Resolve(name string) (string, bool) {
	if m == nil {
		return name, true
	}
	if m.Ignored(name) {
		return "", false
	}
	if newName, ok := m.renames[name]; ok {
		return newName, true
	}
	return name, true
}

// Ignored returns true if name matches one of the ignored patterns.
func (m *Map) Ignored(name string) bool {
	for _, pattern := range m.ignore {
		for p := name; ; {
			if ok, _ := path.Match(pattern, p); ok {
				return true
			}
			parent := path.Dir(p)
			if parent == p {
				break
			}
			p = parent
		}
	}
	return false
}

// Len returns the number of ignored patterns and renamed files.
func (m *Map) Len() (ignored, renamed int) {
	if m == nil {
		return 0, 0
	}
	return len(m.ignore), len(m.renames)
}
