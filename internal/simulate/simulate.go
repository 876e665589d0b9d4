// Package simulate accounts for the I/O of a trace without performing it.
//
// The accounting records the extents read and written in each file, which
// gives the minimum size the files must have for a replay to succeed, and
// forwards the file system calls to a simfs.FS when the consistency of the
// local file system is checked.
package simulate

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/ioreplay/internal/fdmap"
	"github.com/stealthrocket/ioreplay/internal/print/human"
	"github.com/stealthrocket/ioreplay/internal/simfs"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

// Extent is a range of bytes transferred by one operation.
type Extent struct {
	Offset   int64
	Size     int64
	Start    trace.Timestamp
	Duration int32
}

// File is the record of the transfers made to or from one file.
type File struct {
	Name     string
	Created  bool
	OpenTime trace.Timestamp
	Extents  []Extent
}

// Size returns the end of the furthest extent of f.
func (f *File) Size() int64 {
	var size int64
	for _, e := range f.Extents {
		if end := e.Offset + e.Size; end > size {
			size = end
		}
	}
	return size
}

// Summary is the line of a file in the listing of a simulation.
type Summary struct {
	Access string      `json:"access" yaml:"access" text:"ACCESS"`
	Name   string      `json:"name"   yaml:"name"   text:"FILE"`
	Ops    int         `json:"ops"    yaml:"ops"    text:"OPS"`
	Size   human.Bytes `json:"size"   yaml:"size"   text:"SIZE"`
}

// Problem is a file read by the trace which cannot be read locally.
type Problem struct {
	Path    string `json:"path"    yaml:"path"    text:"FILE"`
	Message string `json:"message" yaml:"message" text:"PROBLEM"`
}

func (p Problem) String() string { return p.Path + ": " + p.Message }

// Option configures an Accounting.
type Option func(*Accounting)

// WithLogger sets the logger which the accounting reports to.
func WithLogger(logger *log.Logger) Option {
	return func(a *Accounting) { a.logger = logger }
}

// WithFS enables checking the trace against the virtual file system fsys.
func WithFS(fsys *simfs.FS) Option {
	return func(a *Accounting) { a.fs = fsys }
}

// WithExtents enables recording the extents of the transfers, which is needed
// to list the files and check the reads.
func WithExtents(enable bool) Option {
	return func(a *Accounting) { a.extents = enable }
}

// Accounting is the state of a simulation.
type Accounting struct {
	logger  *log.Logger
	fs      *simfs.FS
	extents bool
	reads   map[string]*File
	writes  map[string]*File
}

// New returns an empty accounting.
func New(opts ...Option) *Accounting {
	a := &Accounting{
		logger: log.Default(),
		reads:  make(map[string]*File),
		writes: make(map[string]*File),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FS returns the virtual file system, or nil when it is not checked.
func (a *Accounting) FS() *simfs.FS { return a.fs }

// Check forwards op to the virtual file system. It returns simfs.OK when the
// file system is not checked.
func (a *Accounting) Check(op trace.Op) simfs.Verdict {
	if a.fs == nil {
		return simfs.OK
	}
	return a.fs.Check(op)
}

// Read accounts for the bytes read by the call c from the file of m, at the
// given offset.
func (a *Accounting) Read(m *fdmap.Mapping, offset int64, c *trace.Call) {
	if c.Retval < 0 {
		return
	}
	if a.fs != nil {
		if e := a.fs.Find(m.Name); e != nil {
			e.Read(offset, c.Retval)
		} else {
			a.logger.Debug("file missing from the virtual file system", "path", m.Name)
		}
	}
	if a.extents {
		record(a.reads, m, offset, c)
	}
}

// Write accounts for the bytes written by the call c to the file of m, at the
// given offset.
func (a *Accounting) Write(m *fdmap.Mapping, offset int64, c *trace.Call) {
	if c.Retval < 0 {
		return
	}
	if a.fs != nil {
		if e := a.fs.Find(m.Name); e != nil {
			if err := e.Write(offset, c.Retval); err != nil {
				a.logger.Warn("write would fail", "pid", c.PID, "time", c.Start, "err", err)
			}
		} else {
			a.logger.Debug("file missing from the virtual file system", "path", m.Name)
		}
	}
	if a.extents {
		record(a.writes, m, offset, c)
	}
}

func record(files map[string]*File, m *fdmap.Mapping, offset int64, c *trace.Call) {
	f := files[m.Name]
	if f == nil {
		f = &File{Name: m.Name, Created: m.Created, OpenTime: m.OpenTime}
		files[m.Name] = f
	}
	f.Extents = append(f.Extents, Extent{
		Offset:   offset,
		Size:     c.Retval,
		Start:    c.Start,
		Duration: c.Duration,
	})
}

// Reads returns the files read, ordered by name.
func (a *Accounting) Reads() []*File { return sorted(a.reads) }

// Writes returns the files written, ordered by name.
func (a *Accounting) Writes() []*File { return sorted(a.writes) }

func sorted(files map[string]*File) []*File {
	names := maps.Keys(files)
	slices.Sort(names)
	list := make([]*File, len(names))
	for i, name := range names {
		list[i] = files[name]
	}
	return list
}

// Summaries returns the listing of the files read, then of the files written.
func (a *Accounting) Summaries() []Summary {
	var summaries []Summary
	for _, f := range a.Reads() {
		summaries = append(summaries, summarize("read", f))
	}
	for _, f := range a.Writes() {
		summaries = append(summaries, summarize("write", f))
	}
	return summaries
}

func summarize(access string, f *File) Summary {
	return Summary{
		Access: access,
		Name:   f.Name,
		Ops:    len(f.Extents),
		Size:   human.Bytes(f.Size()),
	}
}

// CheckReads verifies that the files read by the trace are readable and large
// enough. Files created by the trace are not checked.
func (a *Accounting) CheckReads() []Problem {
	var problems []Problem
	for _, f := range a.Reads() {
		if f.Created {
			continue
		}
		if err := unix.Access(f.Name, unix.R_OK); err != nil {
			problems = append(problems, Problem{Path: f.Name, Message: fmt.Sprintf("can't open: %s", err)})
			continue
		}
		info, err := os.Stat(f.Name)
		if err != nil {
			problems = append(problems, Problem{Path: f.Name, Message: fmt.Sprintf("can't stat: %s", err)})
			continue
		}
		if size := f.Size(); info.Size() < size {
			problems = append(problems, Problem{
				Path:    f.Name,
				Message: fmt.Sprintf("too small (%d), expected: %d bytes", info.Size(), size),
			})
		}
	}
	for _, p := range problems {
		a.logger.Warn(p.Message, "path", p.Path)
	}
	return problems
}
