// Package trace contains the model of the operations recorded in system call
// traces, and the binary format used to store them.
package trace

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the type of an operation. The value of a Kind is the tag
// byte that prefixes the operation in the binary trace format.
type Kind byte

const (
	Write    Kind = 'w'
	Read     Kind = 'r'
	PWrite   Kind = 'W'
	PRead    Kind = 'P'
	Open     Kind = 'o'
	Close    Kind = 'c'
	Unlink   Kind = 'u'
	LSeek    Kind = 'l'
	LLSeek   Kind = 'L'
	Clone    Kind = 'C'
	Dup      Kind = 'd'
	Dup2     Kind = 'D'
	Dup3     Kind = 'e'
	Pipe     Kind = 'p'
	Mkdir    Kind = 'M'
	Rmdir    Kind = 'i'
	Access   Kind = 'a'
	Stat     Kind = 's'
	Socket   Kind = 'S'
	Sendfile Kind = 'F'
)

// Kinds is the list of all operation kinds, in the order they are declared.
var Kinds = [...]Kind{
	Write,
	Read,
	PWrite,
	PRead,
	Open,
	Close,
	Unlink,
	LSeek,
	LLSeek,
	Clone,
	Dup,
	Dup2,
	Dup3,
	Pipe,
	Mkdir,
	Rmdir,
	Access,
	Stat,
	Socket,
	Sendfile,
}

func (k Kind) String() string {
	if s := kindStrings[k]; s != "" {
		return s
	}
	return fmt.Sprintf("Kind(%q)", byte(k))
}

// Valid returns true if k is one of the known operation kinds.
func (k Kind) Valid() bool { return kindStrings[k] != "" }

var kindStrings = [256]string{
	Write:    "write",
	Read:     "read",
	PWrite:   "pwrite",
	PRead:    "pread",
	Open:     "open",
	Close:    "close",
	Unlink:   "unlink",
	LSeek:    "lseek",
	LLSeek:   "_llseek",
	Clone:    "clone",
	Dup:      "dup",
	Dup2:     "dup2",
	Dup3:     "dup3",
	Pipe:     "pipe",
	Mkdir:    "mkdir",
	Rmdir:    "rmdir",
	Access:   "access",
	Stat:     "stat",
	Socket:   "socket",
	Sendfile: "sendfile",
}

// Timestamp is the recorded start time of an operation, with microsecond
// precision.
type Timestamp struct {
	Sec  int32
	Usec int32
}

// Micros returns t as a number of microseconds.
func (t Timestamp) Micros() int64 {
	return int64(t.Sec)*1e6 + int64(t.Usec)
}

// Add returns t shifted by the given number of microseconds.
func (t Timestamp) Add(usec int64) Timestamp {
	usec += t.Micros()
	return Timestamp{Sec: int32(usec / 1e6), Usec: int32(usec % 1e6)}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%06d", t.Sec, t.Usec)
}

// Call holds the fields that every operation carries.
type Call struct {
	PID      int32
	Start    Timestamp
	Duration int32 // microseconds
	Retval   int64
}

// Failed returns true if the recorded call returned -1.
func (c *Call) Failed() bool { return c.Retval == -1 }

// End returns the time at which the recorded call returned.
func (c *Call) End() Timestamp { return c.Start.Add(int64(c.Duration)) }

// CallInfo returns c, which allows operation types to satisfy the Op
// interface by embedding a Call value.
func (c *Call) CallInfo() *Call { return c }

// Op is implemented by all operation types of this package.
//
// The set of implementations is closed, code handling operations is expected
// to use type switches over the concrete types.
type Op interface {
	Kind() Kind
	CallInfo() *Call
	String() string
	op()
}

const (
	// ModeUndefined is the mode of open operations for which no mode was
	// recorded.
	ModeUndefined int32 = -666

	// OffsetNone is the offset of sendfile operations which used the current
	// position of the input file.
	OffsetNone int64 = -1
)

type ReadOp struct {
	Call
	FD   int32
	Size int64
}

type WriteOp struct {
	Call
	FD   int32
	Size int64
}

type PReadOp struct {
	Call
	FD     int32
	Size   int64
	Offset int64
}

type PWriteOp struct {
	Call
	FD     int32
	Size   int64
	Offset int64
}

// OpenOp represents open(2) and creat(2) calls. The returned fd is the Retval
// of the call.
type OpenOp struct {
	Call
	Name  string
	Flags int32
	Mode  int32
}

type CloseOp struct {
	Call
	FD int32
}

type UnlinkOp struct {
	Call
	Name string
}

type LSeekOp struct {
	Call
	FD     int32
	Whence int32
	Offset int64
}

// LLSeekOp represents _llseek(2) calls, Result is the final offset which the
// kernel stores in the result argument.
type LLSeekOp struct {
	Call
	FD     int32
	Offset int64
	Result int64
	Whence int32
}

// CloneOp represents a clone(2) call, the pid of the new process is the
// Retval of the call.
type CloneOp struct {
	Call
	Flags int32
}

// DupOp represents dup(2), dup2(2) and dup3(2) calls, which are told apart
// by the value of Variant.
type DupOp struct {
	Call
	Variant Kind
	NewFD   int32
	OldFD   int32
	Flags   int32
}

type PipeOp struct {
	Call
	FD1   int32
	FD2   int32
	Flags int32
}

type MkdirOp struct {
	Call
	Name string
	Mode int32
}

type RmdirOp struct {
	Call
	Name string
}

type AccessOp struct {
	Call
	Name string
	Mode int32
}

type StatOp struct {
	Call
	Name string
}

type SocketOp struct {
	Call
}

type SendfileOp struct {
	Call
	OutFD  int32
	InFD   int32
	Offset int64
	Size   int64
}

func (*ReadOp) Kind() Kind     { return Read }
func (*WriteOp) Kind() Kind    { return Write }
func (*PReadOp) Kind() Kind    { return PRead }
func (*PWriteOp) Kind() Kind   { return PWrite }
func (*OpenOp) Kind() Kind     { return Open }
func (*CloseOp) Kind() Kind    { return Close }
func (*UnlinkOp) Kind() Kind   { return Unlink }
func (*LSeekOp) Kind() Kind    { return LSeek }
func (*LLSeekOp) Kind() Kind   { return LLSeek }
func (*CloneOp) Kind() Kind    { return Clone }
func (op *DupOp) Kind() Kind   { return op.Variant }
func (*PipeOp) Kind() Kind     { return Pipe }
func (*MkdirOp) Kind() Kind    { return Mkdir }
func (*RmdirOp) Kind() Kind    { return Rmdir }
func (*AccessOp) Kind() Kind   { return Access }
func (*StatOp) Kind() Kind     { return Stat }
func (*SocketOp) Kind() Kind   { return Socket }
func (*SendfileOp) Kind() Kind { return Sendfile }

func (*ReadOp) op()     {}
func (*WriteOp) op()    {}
func (*PReadOp) op()    {}
func (*PWriteOp) op()   {}
func (*OpenOp) op()     {}
func (*CloseOp) op()    {}
func (*UnlinkOp) op()   {}
func (*LSeekOp) op()    {}
func (*LLSeekOp) op()   {}
func (*CloneOp) op()    {}
func (*DupOp) op()      {}
func (*PipeOp) op()     {}
func (*MkdirOp) op()    {}
func (*RmdirOp) op()    {}
func (*AccessOp) op()   {}
func (*StatOp) op()     {}
func (*SocketOp) op()   {}
func (*SendfileOp) op() {}

// The String methods format operations as strace output lines, the text
// decoder parses them back into equal operations.

func (op *ReadOp) String() string {
	return op.format("read", "%d, \"\", %d", op.FD, op.Size)
}

func (op *WriteOp) String() string {
	return op.format("write", "%d, \"\", %d", op.FD, op.Size)
}

func (op *PReadOp) String() string {
	return op.format("pread64", "%d, \"\", %d, %d", op.FD, op.Size, op.Offset)
}

func (op *PWriteOp) String() string {
	return op.format("pwrite64", "%d, \"\", %d, %d", op.FD, op.Size, op.Offset)
}

func (op *OpenOp) String() string {
	if op.Mode == ModeUndefined {
		return op.format("open", "%s, %s", quote(op.Name), FormatOpenFlags(op.Flags))
	}
	return op.format("open", "%s, %s, %#o", quote(op.Name), FormatOpenFlags(op.Flags), op.Mode)
}

func (op *CloseOp) String() string {
	return op.format("close", "%d", op.FD)
}

func (op *UnlinkOp) String() string {
	return op.format("unlink", "%s", quote(op.Name))
}

func (op *LSeekOp) String() string {
	return op.format("lseek", "%d, %d, %s", op.FD, op.Offset, FormatWhence(op.Whence))
}

func (op *LLSeekOp) String() string {
	return op.format("_llseek", "%d, %d, [%d], %s", op.FD, op.Offset, op.Result, FormatWhence(op.Whence))
}

func (op *CloneOp) String() string {
	return op.format("clone", "child_stack=NULL, flags=%s, parent_tidptr=NULL", FormatCloneFlags(op.Flags))
}

func (op *DupOp) String() string {
	switch op.Variant {
	case Dup2:
		return op.format("dup2", "%d, %d", op.OldFD, op.NewFD)
	case Dup3:
		return op.format("dup3", "%d, %d, %s", op.OldFD, op.NewFD, FormatDup3Flags(op.Flags))
	default:
		return op.format("dup", "%d", op.OldFD)
	}
}

func (op *PipeOp) String() string {
	return op.format("pipe", "[%d, %d]", op.FD1, op.FD2)
}

func (op *MkdirOp) String() string {
	return op.format("mkdir", "%s, %#o", quote(op.Name), op.Mode)
}

func (op *RmdirOp) String() string {
	return op.format("rmdir", "%s", quote(op.Name))
}

func (op *AccessOp) String() string {
	return op.format("access", "%s, %s", quote(op.Name), FormatAccessMode(op.Mode))
}

func (op *StatOp) String() string {
	return op.format("stat", "%s, {...}", quote(op.Name))
}

func (op *SocketOp) String() string {
	return op.format("socket", "PF_UNSPEC, 0, 0")
}

func (op *SendfileOp) String() string {
	offset := "NULL"
	if op.Offset != OffsetNone {
		offset = "[" + strconv.FormatInt(op.Offset, 10) + "]"
	}
	return op.format("sendfile", "%d, %d, %s, %d", op.OutFD, op.InFD, offset, op.Size)
}

func (c *Call) format(name, args string, values ...any) string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "%d %s %s(", c.PID, c.Start, name)
	fmt.Fprintf(b, args, values...)
	fmt.Fprintf(b, ") = %d <%d.%06d>", c.Retval, c.Duration/1e6, c.Duration%1e6)
	return b.String()
}

// quote formats s the way strace prints strings: printable ASCII characters
// are written as is and other bytes are escaped.
func quote(s string) string {
	b := make([]byte, 0, len(s)+2)
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b = append(b, '\\', c)
		case '\n':
			b = append(b, '\\', 'n')
		case '\t':
			b = append(b, '\\', 't')
		case '\r':
			b = append(b, '\\', 'r')
		case '\v':
			b = append(b, '\\', 'v')
		case '\f':
			b = append(b, '\\', 'f')
		default:
			if c >= 0x20 && c < 0x7f {
				b = append(b, c)
			} else {
				b = append(b, '\\', 'x', hex[c>>4], hex[c&0xf])
			}
		}
	}
	return string(append(b, '"'))
}

const hex = "0123456789abcdef"
