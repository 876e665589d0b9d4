package strace

import (
	"bufio"
	"io"

	"github.com/charmbracelet/log"

	"github.com/stealthrocket/ioreplay/internal/stats"
	"github.com/stealthrocket/ioreplay/internal/stream"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

const maxLineSize = 1 << 20

// Option configures a Reader.
type Option func(*Reader)

// WithLogger sets the logger which parse errors are reported to.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reader) { r.decoder.Logger = logger }
}

// WithStats enables counting system calls in table.
func WithStats(table *stats.Table) Option {
	return func(r *Reader) { r.decoder.Stats = table }
}

// WithErrorHandler installs a function called with each parse error, in
// addition to logging it.
func WithErrorHandler(handler func(*ParseError)) Option {
	return func(r *Reader) { r.onError = handler }
}

// Reader decodes operations from strace output. It implements
// stream.Reader[trace.Op].
//
// Lines which cannot be parsed are logged with their line number and the byte
// offset of the end of the line, then skipped.
type Reader struct {
	scanner *bufio.Scanner
	decoder Decoder
	onError func(*ParseError)
	line    int
	offset  int64
	errors  int
	err     error
}

// NewReader constructs a Reader decoding the strace output read from r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	reader := &Reader{scanner: s}
	for _, opt := range opts {
		opt(reader)
	}
	return reader
}

// Errors returns the number of lines which could not be decoded.
func (r *Reader) Errors() int { return r.errors }

// Lines returns the number of lines read so far.
func (r *Reader) Lines() int { return r.line }

func (r *Reader) Read(ops []trace.Op) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}

	for n < len(ops) {
		if !r.scanner.Scan() {
			r.err = r.scanner.Err()
			if r.err == nil {
				r.err = io.EOF
				r.flushPending()
			}
			return n, r.err
		}

		text := r.scanner.Text()
		r.line++
		r.offset += int64(len(r.scanner.Bytes())) + 1

		op, err := r.decoder.ParseLine(text)
		if err != nil {
			r.report(text, err)
			continue
		}
		if op != nil {
			ops[n] = op
			n++
		}
	}

	return n, nil
}

func (r *Reader) report(text string, err error) {
	r.errors++
	perr := &ParseError{Line: r.line, Offset: r.offset, Text: text, Err: err}
	r.decoder.logger().Error("cannot parse strace line",
		"line", perr.Line,
		"offset", perr.Offset,
		"err", perr.Err)
	if r.onError != nil {
		r.onError(perr)
	}
}

func (r *Reader) flushPending() {
	for pid, line := range r.decoder.pending {
		r.decoder.logger().Warn("call never resumed", "pid", pid, "line", line)
	}
}

// ReadAll decodes all the operations of the strace output read from r.
func ReadAll(r io.Reader, opts ...Option) ([]trace.Op, error) {
	return stream.ReadAll[trace.Op](NewReader(r, opts...))
}
