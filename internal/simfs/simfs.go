// Package simfs simulates the effect of the file system calls of a trace on a
// virtual copy of the local file system.
//
// The virtual file system is a trie of path components which is populated
// lazily from the disk when a path is first referenced. Each call is checked
// against the outcome recorded in the trace: a call which succeeded in the
// trace but would fail now needs something to be created, a call which failed
// in the trace but would succeed now needs something to be removed. When a
// check fails, the virtual file system is updated as if the call had the
// recorded outcome so a single inconsistency does not cascade.
package simfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/ioreplay/internal/trace"
)

// Verdict is the outcome of checking a call against the virtual file system.
type Verdict int

const (
	// OK means the call would have the recorded outcome.
	OK Verdict = iota
	// ENOENT means the call would fail because an entry is missing.
	ENOENT
	// EENT means the call would succeed, or have a different outcome,
	// because an entry exists which should not.
	EENT
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case ENOENT:
		return "missing"
	case EENT:
		return "exists"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// ErrPastEnd is returned when writing past the end of a file which exists on
// disk, which the recorded call could not have done without seeking there.
var ErrPastEnd = errors.New("write position is past the end of the file")

// Entry is a file or directory of the virtual file system.
type Entry struct {
	// Physical is true if the entry exists on disk.
	Physical bool
	// Created is true if the entry is created by a call of the trace.
	Created bool
	// PhysSize is the size of the file on disk, extended by the simulated
	// writes.
	PhysSize int64
	// VirtSize is the minimum size the file must have for the simulated
	// reads and writes to succeed.
	VirtSize int64

	name     string
	parent   *Entry
	children map[string]*Entry
	// removed entries hide the disk from lookups after the trace deleted
	// them.
	removed bool
}

// Path returns the absolute path of e.
func (e *Entry) Path() string {
	if e.parent == nil {
		return "/"
	}
	var parts []string
	for n := e; n.parent != nil; n = n.parent {
		parts = append(parts, n.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// IsFile returns true if e has no children. The trie does not know the type
// of entries, so directories which are never looked into count as files.
func (e *Entry) IsFile() bool { return len(e.children) == 0 }

// Read accounts for n bytes read at offset pos.
func (e *Entry) Read(pos, n int64) {
	if end := pos + n; end > e.VirtSize {
		e.VirtSize = end
	}
}

// Write accounts for n bytes written at offset pos.
func (e *Entry) Write(pos, n int64) error {
	end := pos + n
	if end > e.VirtSize {
		e.VirtSize = end
	}
	if e.Physical {
		if pos > e.PhysSize {
			return fmt.Errorf("%w: %s: offset %d, size %d", ErrPastEnd, e.Path(), pos, e.PhysSize)
		}
		if end > e.PhysSize {
			e.PhysSize = end
		}
	}
	return nil
}

func (e *Entry) child(name string) (c *Entry, removed bool) {
	c = e.children[name]
	if c != nil && c.removed {
		return nil, true
	}
	return c, false
}

func (e *Entry) insert(name string, child *Entry) *Entry {
	if e.children == nil {
		e.children = make(map[string]*Entry)
	}
	child.name, child.parent = name, e
	e.children[name] = child
	return child
}

func (e *Entry) remove() {
	if e.parent != nil {
		e.parent.insert(e.name, &Entry{removed: true})
		e.parent = nil
	}
}

// Issue is an inconsistency found between the trace and the file system.
type Issue struct {
	Op      trace.Kind
	Path    string
	Verdict Verdict
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Op, i.Path, i.Message)
}

// Option configures a FS.
type Option func(*FS)

// WithLogger sets the logger which issues are reported to.
func WithLogger(logger *log.Logger) Option {
	return func(fsys *FS) { fsys.logger = logger }
}

// WithWorkingDir sets the directory which relative paths are resolved from.
// The default is the working directory of the process.
func WithWorkingDir(dir string) Option {
	return func(fsys *FS) { fsys.cwd = dir }
}

// WithStat sets the function used to look up entries on disk.
func WithStat(stat func(string) (fs.FileInfo, error)) Option {
	return func(fsys *FS) { fsys.stat = stat }
}

// FS is the virtual file system.
type FS struct {
	logger *log.Logger
	cwd    string
	stat   func(string) (fs.FileInfo, error)
	root   *Entry
	issues []Issue
}

// New returns a virtual file system where only the root directory is known.
func New(opts ...Option) *FS {
	fsys := &FS{
		logger: log.Default(),
		stat:   os.Stat,
		root:   &Entry{Physical: true},
	}
	for _, opt := range opts {
		opt(fsys)
	}
	if fsys.cwd == "" {
		fsys.cwd, _ = os.Getwd()
	}
	return fsys
}

// Issues returns the inconsistencies found so far.
func (fsys *FS) Issues() []Issue { return fsys.issues }

// Abs returns the absolute, cleaned form of name.
func (fsys *FS) Abs(name string) string {
	if !path.IsAbs(name) {
		name = path.Join(fsys.cwd, name)
	}
	return path.Clean(name)
}

func split(abs string) []string {
	abs = strings.TrimPrefix(abs, "/")
	if abs == "" {
		return nil
	}
	return strings.Split(abs, "/")
}

// Find returns the entry of name, or nil if it is not in the virtual file
// system. Find does not look up the disk.
func (fsys *FS) Find(name string) *Entry {
	e := fsys.root
	for _, part := range split(fsys.Abs(name)) {
		if e, _ = e.child(part); e == nil {
			return nil
		}
	}
	return e
}

// lookup is the state of the virtual file system for one path.
type lookup struct {
	name  string
	parts []string
	// entry is the deepest existing entry on the path, depth the number
	// of components it covers.
	entry *Entry
	depth int
	// removed is true if the lookup stopped on a removed entry, the disk
	// is not looked up below it.
	removed bool
}

func (l *lookup) found() bool { return l.depth == len(l.parts) }

// missing returns the number of path components which do not exist.
func (l *lookup) missing() int { return len(l.parts) - l.depth }

func (fsys *FS) lookup(name string) *lookup {
	abs := fsys.Abs(name)
	l := &lookup{name: abs, parts: split(abs), entry: fsys.root}
	for _, part := range l.parts {
		c, removed := l.entry.child(part)
		if c == nil {
			l.removed = removed
			break
		}
		l.entry, l.depth = c, l.depth+1
	}
	return l
}

// populate extends the lookup with the entries found on disk, and returns
// true if the whole path exists.
func (fsys *FS) populate(l *lookup) bool {
	if l.removed {
		return l.found()
	}
	for !l.found() {
		part := l.parts[l.depth]
		p := path.Join(l.entry.Path(), part)
		info, err := fsys.stat(p)
		if err != nil {
			return false
		}
		l.entry = l.entry.insert(part, &Entry{Physical: true, PhysSize: info.Size()})
		l.depth++
	}
	return true
}

// Populate looks up name on disk and adds the entries found to the virtual
// file system. It returns true if the whole path exists.
func (fsys *FS) Populate(name string) bool {
	return fsys.populate(fsys.lookup(name))
}

// create adds the virtual entries missing from the lookup.
func (fsys *FS) create(l *lookup) *Entry {
	for !l.found() {
		l.entry = l.entry.insert(l.parts[l.depth], &Entry{})
		l.depth++
	}
	l.removed = false
	return l.entry
}

func (fsys *FS) delete(l *lookup) {
	if l.found() && l.entry != fsys.root {
		l.entry.remove()
	}
}

func (fsys *FS) report(op trace.Kind, l *lookup, v Verdict, msg string, args ...any) Verdict {
	issue := Issue{Op: op, Path: l.name, Verdict: v, Message: fmt.Sprintf(msg, args...)}
	fsys.issues = append(fsys.issues, issue)
	fsys.logger.Warn(issue.Message, "op", op, "path", l.name, "verdict", v)
	return v
}

// Check applies op to the virtual file system and returns whether it would
// have the recorded outcome. Operations which do not refer to file names are
// always OK.
func (fsys *FS) Check(op trace.Op) Verdict {
	switch op := op.(type) {
	case *trace.AccessOp:
		return fsys.exists(trace.Access, op.Name, op.Retval)
	case *trace.StatOp:
		return fsys.exists(trace.Stat, op.Name, op.Retval)
	case *trace.MkdirOp:
		return fsys.mkdir(op.Name, op.Retval)
	case *trace.RmdirOp:
		return fsys.unlink(trace.Rmdir, op.Name, op.Retval)
	case *trace.UnlinkOp:
		return fsys.unlink(trace.Unlink, op.Name, op.Retval)
	case *trace.OpenOp:
		return fsys.open(op.Name, op.Flags, op.Retval)
	default:
		return OK
	}
}

func (fsys *FS) exists(op trace.Kind, name string, retval int64) Verdict {
	l := fsys.lookup(name)

	if l.found() {
		if retval == 0 {
			return OK
		}
		physical := l.entry.Physical
		fsys.delete(l)
		if physical {
			return fsys.report(op, l, EENT, "call failed in the trace but would succeed, delete the file")
		}
		return fsys.report(op, l, EENT, "call failed in the trace but the file was created by the trace")
	}

	exists := fsys.populate(l)
	switch {
	case retval != 0 && exists:
		fsys.delete(l)
		return fsys.report(op, l, EENT, "call failed in the trace but would succeed, delete the file")
	case retval == 0 && !exists:
		missing := path.Join(l.parts[l.depth:]...)
		fsys.create(l)
		return fsys.report(op, l, ENOENT, "file does not exist, create the missing entries (%s)", missing)
	default:
		return OK
	}
}

func (fsys *FS) mkdir(name string, retval int64) Verdict {
	l := fsys.lookup(name)
	fsys.populate(l)

	if l.found() {
		if retval != 0 {
			return OK
		}
		if l.entry.Physical {
			return fsys.report(trace.Mkdir, l, EENT, "call succeeded in the trace but the directory exists, delete it")
		}
		return fsys.report(trace.Mkdir, l, EENT, "call succeeded in the trace but the directory was already created by the trace")
	}

	wouldSucceed := l.missing() == 1
	if retval != 0 {
		if !wouldSucceed {
			return OK
		}
		return fsys.report(trace.Mkdir, l, EENT, "call failed in the trace but would succeed")
	}

	v := OK
	if !wouldSucceed {
		v = fsys.report(trace.Mkdir, l, ENOENT, "call cannot succeed, create the parent directory (only %s exists)", l.entry.Path())
	}
	fsys.create(l).Created = true
	return v
}

func (fsys *FS) unlink(op trace.Kind, name string, retval int64) Verdict {
	l := fsys.lookup(name)

	if l.found() {
		physical := l.entry.Physical
		fsys.delete(l)
		switch {
		case retval == 0:
			return OK
		case physical:
			return fsys.report(op, l, EENT, "call failed in the trace but would succeed, delete the file")
		default:
			return fsys.report(op, l, EENT, "call failed in the trace but the file was created by the trace")
		}
	}

	exists := fsys.populate(l)
	switch {
	case retval != 0 && exists:
		fsys.delete(l)
		return fsys.report(op, l, EENT, "call failed in the trace but would succeed, delete the file")
	case retval != 0:
		return OK
	case exists:
		fsys.delete(l)
		return OK
	default:
		missing := path.Join(l.parts[l.depth:]...)
		parent := *l
		parent.parts = parent.parts[:len(parent.parts)-1]
		fsys.create(&parent)
		return fsys.report(op, l, ENOENT, "file does not exist, create the missing entries (%s)", missing)
	}
}

func (fsys *FS) open(name string, flags int32, retval int64) Verdict {
	l := fsys.lookup(name)
	fsys.populate(l)

	failed := retval == -1
	creat := flags&unix.O_CREAT != 0
	excl := flags&unix.O_EXCL != 0

	if l.found() {
		switch {
		case creat && excl && !failed:
			return fsys.report(trace.Open, l, EENT, "exclusive create succeeded in the trace but the file exists, delete it")
		case !creat && failed:
			physical := l.entry.Physical
			fsys.delete(l)
			if physical {
				return fsys.report(trace.Open, l, EENT, "call failed in the trace but would succeed, delete the file")
			}
			return fsys.report(trace.Open, l, EENT, "call failed in the trace but the file was created by the trace")
		default:
			return OK
		}
	}

	if !creat {
		if failed {
			return OK
		}
		parent := l.entry.Path()
		fsys.create(l)
		return fsys.report(trace.Open, l, ENOENT, "file does not exist, create it (only %s exists)", parent)
	}

	wouldSucceed := l.missing() == 1
	if failed {
		if !wouldSucceed {
			return OK
		}
		return fsys.report(trace.Open, l, EENT, "create failed in the trace but would succeed")
	}

	v := OK
	if !wouldSucceed {
		v = fsys.report(trace.Open, l, ENOENT, "create cannot succeed, create the parent directory (only %s exists)", l.entry.Path())
	}
	fsys.create(l).Created = true
	return v
}

// Walk calls fn for every entry of the virtual file system in lexical order
// of their paths, the root excluded.
func (fsys *FS) Walk(fn func(*Entry)) {
	walk(fsys.root, fn)
}

func walk(e *Entry, fn func(*Entry)) {
	names := maps.Keys(e.children)
	slices.Sort(names)
	for _, name := range names {
		c := e.children[name]
		if c.removed {
			continue
		}
		fn(c)
		walk(c, fn)
	}
}
