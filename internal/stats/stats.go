// Package stats counts the system calls found in strace output.
package stats

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/stealthrocket/ioreplay/internal/print/human"
)

// Syscall is the summary of all the calls of one system call.
type Syscall struct {
	Name     string         `json:"syscall"  yaml:"syscall"  text:"SYSCALL"`
	Count    uint64         `json:"count"    yaml:"count"    text:"COUNT"`
	Millis   float64        `json:"millis"   yaml:"millis"   text:"TIME (ms)"`
	Duration human.Duration `json:"duration" yaml:"duration" text:"-"`
}

// Table accumulates system call counts and durations. The zero value is ready
// to use. Every system call found in the trace is counted, including those
// which have no representation as an operation.
type Table struct {
	syscalls map[string]*Syscall
}

// Add records one call to the named system call, which lasted usec
// microseconds.
func (t *Table) Add(name string, usec int64) {
	if t.syscalls == nil {
		t.syscalls = make(map[string]*Syscall)
	}
	s := t.syscalls[name]
	if s == nil {
		s = &Syscall{Name: name}
		t.syscalls[name] = s
	}
	s.Count++
	s.Millis += float64(usec) / 1000.0
	s.Duration += human.Duration(time.Duration(usec) * time.Microsecond)
}

// Len returns the number of distinct system calls in t.
func (t *Table) Len() int { return len(t.syscalls) }

// Lookup returns the summary of the named system call.
func (t *Table) Lookup(name string) (Syscall, bool) {
	s, ok := t.syscalls[name]
	if !ok {
		return Syscall{}, false
	}
	return *s, true
}

// Syscalls returns the summaries ordered by system call name.
func (t *Table) Syscalls() []Syscall {
	names := maps.Keys(t.syscalls)
	slices.Sort(names)
	syscalls := make([]Syscall, len(names))
	for i, name := range names {
		syscalls[i] = *t.syscalls[name]
	}
	return syscalls
}

// WriteTo writes one "name : count (total ms)" line per system call.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, s := range t.Syscalls() {
		c, err := fmt.Fprintf(w, "%s : %d (%0.2fms)\n", s.Name, s.Count, s.Millis)
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
