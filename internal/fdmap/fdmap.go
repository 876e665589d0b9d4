// Package fdmap tracks the file descriptors of the processes of a trace.
//
// Every traced process has a Table mapping the file descriptors recorded in the
// trace to Mapping values, which hold the descriptor opened during the replay.
// Mappings are shared by the descriptors created with dup(2), and tables are
// shared by the processes created with clone(CLONE_FILES). The Usage counts
// the bindings of each local descriptor so it is only closed when the last of
// them is removed.
package fdmap

import (
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/stealthrocket/ioreplay/internal/trace"
)

// MaxParents is the maximum number of recorded descriptors which can share a
// single Mapping.
const MaxParents = 20

var (
	ErrNoTable           = errors.New("process has no file descriptor table")
	ErrNoMapping         = errors.New("file descriptor is not open")
	ErrBound             = errors.New("file descriptor already bound")
	ErrParentsFull       = errors.New("too many descriptors share the same file")
	ErrAlreadyRegistered = errors.New("process already has a file descriptor table")
)

// FileType is the type of file that a mapping refers to.
type FileType int

const (
	Regular FileType = iota
	Directory
	Fifo
	Socket
	Ignored
	Special
)

func (t FileType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Directory:
		return "directory"
	case Fifo:
		return "fifo"
	case Socket:
		return "socket"
	case Ignored:
		return "ignored"
	case Special:
		return "special"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// Supported returns true if I/O operations on files of type t are replayed.
func (t FileType) Supported() bool {
	return t == Regular || t == Directory
}

// Mapping is the state of an open file, shared by all the recorded
// descriptors which refer to it.
type Mapping struct {
	// Local is the descriptor opened during the replay, or a simulated
	// descriptor when no system calls are made.
	Local    int32
	Type     FileType
	Pos      int64
	OpenTime trace.Timestamp
	Name     string
	Created  bool

	parents []int32
}

// InsertParent records that fd refers to m. It returns ErrParentsFull and
// leaves m unchanged when the maximum number of parents is reached.
//
// Inserting a descriptor twice is a bug in the caller and panics.
func (m *Mapping) InsertParent(fd int32) error {
	for _, parent := range m.parents {
		if parent == fd {
			panic(fmt.Sprintf("BUG: fd %d is already a parent of local fd %d", fd, m.Local))
		}
	}
	if len(m.parents) == MaxParents {
		return fmt.Errorf("%w: cannot add fd %d to local fd %d", ErrParentsFull, fd, m.Local)
	}
	m.parents = append(m.parents, fd)
	return nil
}

// RemoveParent removes fd from the parents of m and returns true if it was the
// last one.
//
// Removing a descriptor which is not a parent is a bug in the caller and
// panics.
func (m *Mapping) RemoveParent(fd int32) bool {
	for i, parent := range m.parents {
		if parent == fd {
			last := len(m.parents) - 1
			m.parents[i] = m.parents[last]
			m.parents = m.parents[:last]
			return len(m.parents) == 0
		}
	}
	panic(fmt.Sprintf("BUG: fd %d is not a parent of local fd %d", fd, m.Local))
}

// HasParent returns true if fd is one of the parents of m.
func (m *Mapping) HasParent(fd int32) bool {
	for _, parent := range m.parents {
		if parent == fd {
			return true
		}
	}
	return false
}

// Parents returns a copy of the descriptors referring to m.
func (m *Mapping) Parents() []int32 {
	return append([]int32(nil), m.parents...)
}

// Clone returns a copy of m which shares no state with it.
func (m *Mapping) Clone() *Mapping {
	c := *m
	c.parents = m.Parents()
	return &c
}

// Table is the file descriptor table of a process.
type Table struct {
	fds map[int32]*Mapping
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{fds: make(map[int32]*Mapping)}
}

// Lookup returns the mapping bound to fd.
func (t *Table) Lookup(fd int32) (*Mapping, bool) {
	m, ok := t.fds[fd]
	return m, ok
}

// Bind binds fd to m. Descriptors which are already bound must be unbound
// first, Bind returns ErrBound for them.
func (t *Table) Bind(fd int32, m *Mapping) error {
	if _, ok := t.fds[fd]; ok {
		return fmt.Errorf("%w: %d", ErrBound, fd)
	}
	t.fds[fd] = m
	return nil
}

// Unbind removes the binding of fd and returns the mapping it was bound to.
func (t *Table) Unbind(fd int32) (*Mapping, bool) {
	m, ok := t.fds[fd]
	if ok {
		delete(t.fds, fd)
	}
	return m, ok
}

// Len returns the number of bound descriptors.
func (t *Table) Len() int { return len(t.fds) }

// FDs returns the bound descriptors in increasing order.
func (t *Table) FDs() []int32 {
	fds := maps.Keys(t.fds)
	slices.Sort(fds)
	return fds
}

// Usage counts the bindings of local descriptors.
type Usage struct {
	counts map[int32]int
}

// Increase adds a binding of the local descriptor fd.
func (u *Usage) Increase(fd int32) {
	if u.counts == nil {
		u.counts = make(map[int32]int)
	}
	u.counts[fd]++
}

// Decrease removes a binding of the local descriptor fd and returns true if it
// was the last one, in which case the descriptor can be closed.
//
// Decreasing the usage of a descriptor which has no bindings is a bug in the
// caller and panics.
func (u *Usage) Decrease(fd int32) bool {
	n, ok := u.counts[fd]
	if !ok {
		panic(fmt.Sprintf("BUG: decreasing usage of local fd %d which is not in use", fd))
	}
	if n--; n == 0 {
		delete(u.counts, fd)
		return true
	}
	u.counts[fd] = n
	return false
}

// Count returns the number of bindings of the local descriptor fd.
func (u *Usage) Count(fd int32) int { return u.counts[fd] }

// Len returns the number of local descriptors in use.
func (u *Usage) Len() int { return len(u.counts) }

// Registry holds the descriptor tables of all the processes of a replay
// session, and the usage counts of the local descriptors.
type Registry struct {
	Usage  Usage
	tables map[int32]*Table
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[int32]*Table)}
}

// Table returns the table of the process pid.
func (r *Registry) Table(pid int32) (*Table, bool) {
	t, ok := r.tables[pid]
	return t, ok
}

// SetTable registers t as the table of the process pid. Multiple processes may
// share the same table.
func (r *Registry) SetTable(pid int32, t *Table) error {
	if _, ok := r.tables[pid]; ok {
		return fmt.Errorf("%w: pid %d", ErrAlreadyRegistered, pid)
	}
	r.tables[pid] = t
	return nil
}

// Duplicate returns a deep copy of t, as made by fork(2). Mappings shared by
// several descriptors of t are shared by the same descriptors of the copy, and
// the usage of local descriptors is increased once per copied binding.
func (r *Registry) Duplicate(t *Table) *Table {
	dup := NewTable()
	clones := make(map[*Mapping]*Mapping, len(t.fds))
	for fd, m := range t.fds {
		c, ok := clones[m]
		if !ok {
			c = m.Clone()
			clones[m] = c
		}
		dup.fds[fd] = c
		r.Usage.Increase(m.Local)
	}
	return dup
}

// PIDs returns the pids of the registered processes in increasing order.
func (r *Registry) PIDs() []int32 {
	pids := maps.Keys(r.tables)
	slices.Sort(pids)
	return pids
}

// Mappings returns the distinct mappings of all the registered tables.
func (r *Registry) Mappings() []*Mapping {
	seen := make(map[*Mapping]struct{})
	var mappings []*Mapping
	for _, pid := range r.PIDs() {
		t := r.tables[pid]
		for _, fd := range t.FDs() {
			m := t.fds[fd]
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				mappings = append(mappings, m)
			}
		}
	}
	return mappings
}

// Reset drops all the tables and usage counts. Shared tables are released once
// the last process referencing them is dropped.
func (r *Registry) Reset() {
	r.tables = make(map[int32]*Table)
	r.Usage = Usage{}
}

type dumpedMapping struct {
	FD       int32
	Local    int32
	Type     string
	Pos      int64
	Name     string
	Created  bool
	Parents  []int32
	OpenTime string
}

type dumpedProcess struct {
	PID   int32
	Table string
	FDs   []dumpedMapping
}

type dumpedRegistry struct {
	Processes []dumpedProcess
	Usage     map[int32]int
}

// Dump writes a human readable representation of the registry state to w.
// Tables shared by multiple processes are identified by the lowest pid
// sharing them.
func (r *Registry) Dump(w io.Writer) {
	owners := make(map[*Table]int32)
	state := dumpedRegistry{Usage: make(map[int32]int, len(r.Usage.counts))}

	for _, pid := range r.PIDs() {
		t := r.tables[pid]
		owner, ok := owners[t]
		if !ok {
			owners[t], owner = pid, pid
		}
		p := dumpedProcess{PID: pid, Table: fmt.Sprintf("table-%d", owner)}
		for _, fd := range t.FDs() {
			m := t.fds[fd]
			p.FDs = append(p.FDs, dumpedMapping{
				FD:       fd,
				Local:    m.Local,
				Type:     m.Type.String(),
				Pos:      m.Pos,
				Name:     m.Name,
				Created:  m.Created,
				Parents:  m.Parents(),
				OpenTime: m.OpenTime.String(),
			})
		}
		state.Processes = append(state.Processes, p)
	}
	for fd, n := range r.Usage.counts {
		state.Usage[fd] = n
	}

	config := spew.ConfigState{
		Indent:                  "  ",
		SortKeys:                true,
		DisablePointerAddresses: true,
		DisableCapacities:       true,
	}
	config.Fdump(w, state)
}
