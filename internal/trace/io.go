package trace

import (
	"errors"
	"io"

	"github.com/stealthrocket/ioreplay/internal/stream"
)

const defaultBufferSize = 64 * 1024

// Reader decodes operations from a binary trace.
//
// Reader implements stream.Reader[Op]. The first decode error is returned as
// a *DecodeError and every following call to Read returns the same error.
type Reader struct {
	input  io.Reader
	buffer []byte
	offset int   // start of the undecoded bytes in buffer
	pos    int64 // position of buffer[offset] in the trace
	eof    bool
	err    error
}

// NewReader constructs a Reader decoding operations from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{input: r}
}

// Offset returns the number of bytes decoded so far.
func (r *Reader) Offset() int64 { return r.pos }

func (r *Reader) Read(ops []Op) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}

	for n < len(ops) {
		b := r.buffer[r.offset:]
		op, rest, err := DecodeOp(b)
		if err == nil {
			ops[n] = op
			n++
			consumed := len(b) - len(rest)
			r.offset += consumed
			r.pos += int64(consumed)
			continue
		}

		if errors.Is(err, io.ErrShortBuffer) && !r.eof {
			if err := r.fill(); err != nil {
				r.err = err
				return n, err
			}
			continue
		}

		if len(b) == 0 {
			r.err = io.EOF
		} else {
			if errors.Is(err, io.ErrShortBuffer) {
				err = io.ErrUnexpectedEOF
			}
			r.err = &DecodeError{Offset: r.pos, Tag: Kind(b[0]), Err: err}
		}
		return n, r.err
	}

	return n, nil
}

func (r *Reader) fill() error {
	if r.offset > 0 {
		n := copy(r.buffer, r.buffer[r.offset:])
		r.buffer = r.buffer[:n]
		r.offset = 0
	}
	if len(r.buffer) == cap(r.buffer) {
		size := 2 * cap(r.buffer)
		if size < defaultBufferSize {
			size = defaultBufferSize
		}
		buffer := make([]byte, len(r.buffer), size)
		copy(buffer, r.buffer)
		r.buffer = buffer
	}

	for attempt := 0; attempt < 100; attempt++ {
		n, err := r.input.Read(r.buffer[len(r.buffer):cap(r.buffer)])
		r.buffer = r.buffer[:len(r.buffer)+n]
		if err != nil {
			if err == io.EOF {
				r.eof = true
				return nil
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
	return io.ErrNoProgress
}

// ReadAll decodes all the operations of the binary trace read from r.
func ReadAll(r io.Reader) ([]Op, error) {
	return stream.ReadAll[Op](NewReader(r))
}

// Writer encodes operations to a binary trace. Writer implements
// stream.Writer[Op].
type Writer struct {
	output io.Writer
	buffer []byte
}

// NewWriter constructs a Writer encoding operations to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{output: w}
}

func (w *Writer) Write(ops []Op) (int, error) {
	w.buffer = w.buffer[:0]
	for _, op := range ops {
		w.buffer = AppendOp(w.buffer, op)
	}
	if _, err := w.output.Write(w.buffer); err != nil {
		return 0, err
	}
	return len(ops), nil
}

// WriteAll encodes ops to w.
func WriteAll(w io.Writer, ops []Op) error {
	_, err := NewWriter(w).Write(ops)
	return err
}
