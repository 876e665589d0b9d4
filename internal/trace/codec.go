package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownTag is returned when decoding a record which starts with a tag
// byte that does not identify any operation kind.
var ErrUnknownTag = errors.New("unknown operation tag")

// DecodeError is returned by the binary decoder. The binary format has no
// resynchronization points, any decode error ends the trace.
type DecodeError struct {
	Offset int64
	Tag    Kind
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s record at offset %d: %s", e.Tag, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// AppendOp appends the binary representation of op to b.
//
// Records are made of the tag byte, the fields specific to the operation kind,
// then the pid, duration, and start time of the call. Integers are encoded in
// little-endian byte order, strings are prefixed with their 32 bits length.
func AppendOp(b []byte, op Op) []byte {
	b = append(b, byte(op.Kind()))

	switch o := op.(type) {
	case *ReadOp:
		b = appendI32(b, o.FD)
		b = appendI64(b, o.Size)
		b = appendI64(b, o.Retval)
	case *WriteOp:
		b = appendI32(b, o.FD)
		b = appendI64(b, o.Size)
		b = appendI64(b, o.Retval)
	case *PReadOp:
		b = appendI32(b, o.FD)
		b = appendI64(b, o.Size)
		b = appendI64(b, o.Offset)
		b = appendI64(b, o.Retval)
	case *PWriteOp:
		b = appendI32(b, o.FD)
		b = appendI64(b, o.Size)
		b = appendI64(b, o.Offset)
		b = appendI64(b, o.Retval)
	case *OpenOp:
		b = appendString(b, o.Name)
		b = appendI32(b, o.Flags)
		b = appendI32(b, o.Mode)
		b = appendI32(b, int32(o.Retval))
	case *CloseOp:
		b = appendI32(b, o.FD)
		b = appendI32(b, int32(o.Retval))
	case *UnlinkOp:
		b = appendString(b, o.Name)
		b = appendI32(b, int32(o.Retval))
	case *RmdirOp:
		b = appendString(b, o.Name)
		b = appendI32(b, int32(o.Retval))
	case *StatOp:
		b = appendString(b, o.Name)
		b = appendI32(b, int32(o.Retval))
	case *LSeekOp:
		b = appendI32(b, o.FD)
		b = appendI32(b, o.Whence)
		b = appendI64(b, o.Offset)
		b = appendI64(b, o.Retval)
	case *LLSeekOp:
		b = appendI32(b, o.FD)
		b = appendI64(b, o.Offset)
		b = appendI64(b, o.Result)
		b = appendI32(b, o.Whence)
		b = appendI64(b, o.Retval)
	case *CloneOp:
		b = appendI32(b, o.Flags)
		b = appendI32(b, int32(o.Retval))
	case *DupOp:
		b = appendI32(b, o.NewFD)
		b = appendI32(b, o.OldFD)
		b = appendI32(b, o.Flags)
		b = appendI32(b, int32(o.Retval))
	case *PipeOp:
		b = appendI32(b, o.FD1)
		b = appendI32(b, o.FD2)
		b = appendI32(b, o.Flags)
		b = appendI32(b, int32(o.Retval))
	case *MkdirOp:
		b = appendString(b, o.Name)
		b = appendI32(b, o.Mode)
		b = appendI32(b, int32(o.Retval))
	case *AccessOp:
		b = appendString(b, o.Name)
		b = appendI32(b, o.Mode)
		b = appendI32(b, int32(o.Retval))
	case *SocketOp:
		b = appendI32(b, int32(o.Retval))
	case *SendfileOp:
		b = appendI32(b, o.OutFD)
		b = appendI32(b, o.InFD)
		b = appendI64(b, o.Offset)
		b = appendI64(b, o.Size)
		b = appendI64(b, o.Retval)
	default:
		panic(fmt.Sprintf("BUG: cannot encode operation of type %T", op))
	}

	c := op.CallInfo()
	b = appendI32(b, c.PID)
	b = appendI32(b, c.Duration)
	b = appendI32(b, c.Start.Sec)
	b = appendI32(b, c.Start.Usec)
	return b
}

// DecodeOp decodes the operation at the front of b, returning the operation
// and the remaining bytes.
//
// The returned error is ErrUnknownTag if the first byte is not a valid tag, or
// io.ErrShortBuffer if b ends before the end of the record. DecodeOp does not
// wrap errors in DecodeError, the caller knows the offset of b in the trace.
func DecodeOp(b []byte) (Op, []byte, error) {
	if len(b) == 0 {
		return nil, b, io.ErrShortBuffer
	}
	kind, b := Kind(b[0]), b[1:]
	var op Op
	d := decoder{b: b}

	switch kind {
	case Read:
		o := new(ReadOp)
		d.i32(&o.FD)
		d.i64(&o.Size)
		d.i64(&o.Retval)
		op = o
	case Write:
		o := new(WriteOp)
		d.i32(&o.FD)
		d.i64(&o.Size)
		d.i64(&o.Retval)
		op = o
	case PRead:
		o := new(PReadOp)
		d.i32(&o.FD)
		d.i64(&o.Size)
		d.i64(&o.Offset)
		d.i64(&o.Retval)
		op = o
	case PWrite:
		o := new(PWriteOp)
		d.i32(&o.FD)
		d.i64(&o.Size)
		d.i64(&o.Offset)
		d.i64(&o.Retval)
		op = o
	case Open:
		o := new(OpenOp)
		d.str(&o.Name)
		d.i32(&o.Flags)
		d.i32(&o.Mode)
		d.retval32(&o.Call)
		op = o
	case Close:
		o := new(CloseOp)
		d.i32(&o.FD)
		d.retval32(&o.Call)
		op = o
	case Unlink:
		o := new(UnlinkOp)
		d.str(&o.Name)
		d.retval32(&o.Call)
		op = o
	case Rmdir:
		o := new(RmdirOp)
		d.str(&o.Name)
		d.retval32(&o.Call)
		op = o
	case Stat:
		o := new(StatOp)
		d.str(&o.Name)
		d.retval32(&o.Call)
		op = o
	case LSeek:
		o := new(LSeekOp)
		d.i32(&o.FD)
		d.i32(&o.Whence)
		d.i64(&o.Offset)
		d.i64(&o.Retval)
		op = o
	case LLSeek:
		o := new(LLSeekOp)
		d.i32(&o.FD)
		d.i64(&o.Offset)
		d.i64(&o.Result)
		d.i32(&o.Whence)
		d.i64(&o.Retval)
		op = o
	case Clone:
		o := new(CloneOp)
		d.i32(&o.Flags)
		d.retval32(&o.Call)
		op = o
	case Dup, Dup2, Dup3:
		o := &DupOp{Variant: kind}
		d.i32(&o.NewFD)
		d.i32(&o.OldFD)
		d.i32(&o.Flags)
		d.retval32(&o.Call)
		op = o
	case Pipe:
		o := new(PipeOp)
		d.i32(&o.FD1)
		d.i32(&o.FD2)
		d.i32(&o.Flags)
		d.retval32(&o.Call)
		op = o
	case Mkdir:
		o := new(MkdirOp)
		d.str(&o.Name)
		d.i32(&o.Mode)
		d.retval32(&o.Call)
		op = o
	case Access:
		o := new(AccessOp)
		d.str(&o.Name)
		d.i32(&o.Mode)
		d.retval32(&o.Call)
		op = o
	case Socket:
		o := new(SocketOp)
		d.retval32(&o.Call)
		op = o
	case Sendfile:
		o := new(SendfileOp)
		d.i32(&o.OutFD)
		d.i32(&o.InFD)
		d.i64(&o.Offset)
		d.i64(&o.Size)
		d.i64(&o.Retval)
		op = o
	default:
		return nil, b, ErrUnknownTag
	}

	c := op.CallInfo()
	d.i32(&c.PID)
	d.i32(&c.Duration)
	d.i32(&c.Start.Sec)
	d.i32(&c.Start.Usec)

	if d.err != nil {
		return nil, b, d.err
	}
	return op, d.b, nil
}

// decoder reads fields from a buffer, the first error sticks and turns the
// following reads into no-ops.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) i32(v *int32) {
	if d.err == nil {
		*v, d.b, d.err = readI32(d.b)
	}
}

func (d *decoder) i64(v *int64) {
	if d.err == nil {
		*v, d.b, d.err = readI64(d.b)
	}
}

func (d *decoder) str(v *string) {
	if d.err == nil {
		*v, d.b, d.err = readString(d.b)
	}
}

func (d *decoder) retval32(c *Call) {
	var v int32
	d.i32(&v)
	c.Retval = int64(v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b), b[8:], nil
}

func appendI32(b []byte, v int32) []byte {
	return appendU32(b, uint32(v))
}

func readI32(b []byte) (int32, []byte, error) {
	v, b, err := readU32(b)
	return int32(v), b, err
}

func appendI64(b []byte, v int64) []byte {
	return appendU64(b, uint64(v))
}

func readI64(b []byte) (int64, []byte, error) {
	v, b, err := readU64(b)
	return int64(v), b, err
}

func appendString(buffer []byte, s string) []byte {
	buffer = appendU32(buffer, uint32(len(s)))
	return append(buffer, s...)
}

func readString(buffer []byte) (string, []byte, error) {
	length, buffer, err := readU32(buffer)
	if err != nil {
		return "", buffer, err
	}
	if uint32(len(buffer)) < length {
		return "", nil, io.ErrShortBuffer
	}
	return string(buffer[:length]), buffer[length:], nil
}
