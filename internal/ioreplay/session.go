package ioreplay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"github.com/stealthrocket/ioreplay/internal/ioperf"
	"github.com/stealthrocket/ioreplay/internal/stats"
	"github.com/stealthrocket/ioreplay/internal/strace"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

// Format is the format of a trace file.
type Format string

const (
	// Auto detects the format of the trace from its content: compressed
	// traces and traces which do not start with a pid are binary.
	Auto   Format = "auto"
	Strace Format = "strace"
	Binary Format = "bin"
)

// ParseFormat parses the name of a trace format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case Auto, Strace, Binary:
		return f, nil
	case "":
		return Auto, nil
	default:
		return "", fmt.Errorf("unsupported trace format: %q (not one of auto, strace, bin)", s)
	}
}

// Trace is an open trace file, it reads the operations of the trace.
type Trace struct {
	Path        string
	Format      Format
	Compression trace.Compression
	// Stats counts the system calls of strace traces.
	Stats stats.Table

	reader  interface{ Read([]trace.Op) (int, error) }
	strace  *strace.Reader
	binary  *trace.Reader
	closers []io.Closer
}

// OpenTrace opens the trace at path, "-" reads the standard input. The file
// is read ahead of the decoder. Parse errors of strace traces are reported to
// logger.
func OpenTrace(path string, format Format, logger *log.Logger) (*Trace, error) {
	t := &Trace{Path: path, Format: format}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, f)
		r = f
	}

	prefetch := ioperf.NewPrefetchReader(r, ioperf.DefaultSize)
	t.closers = append(t.closers, prefetch)

	d, compression, err := trace.Decompress(prefetch)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.closers = append(t.closers, d)
	t.Compression = compression

	br := bufio.NewReader(d)
	if t.Format == Auto {
		t.Format = detect(br, compression)
	}

	switch t.Format {
	case Strace:
		t.strace = strace.NewReader(br, strace.WithLogger(logger), strace.WithStats(&t.Stats))
		t.reader = t.strace
	default:
		t.binary = trace.NewReader(br)
		t.reader = t.binary
	}
	return t, nil
}

func detect(r *bufio.Reader, compression trace.Compression) Format {
	if compression != trace.Uncompressed {
		return Binary
	}
	b, err := r.Peek(1)
	if err != nil || b[0] < '0' || b[0] > '9' {
		return Binary
	}
	return Strace
}

// Read satisfies stream.Reader[trace.Op].
func (t *Trace) Read(ops []trace.Op) (int, error) {
	n, err := t.reader.Read(ops)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%s: %w", t.Path, err)
	}
	return n, err
}

// ParseErrors returns the number of lines of a strace trace which could not
// be decoded.
func (t *Trace) ParseErrors() int {
	if t.strace == nil {
		return 0
	}
	return t.strace.Errors()
}

// Close closes the trace file.
func (t *Trace) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		errs = append(errs, t.closers[i].Close())
	}
	t.closers = nil
	return errors.Join(errs...)
}

// CreateTrace creates the binary trace file at path, compressed with the
// given format. "-" writes to the standard output.
func CreateTrace(path string, compression trace.Compression) (*TraceWriter, error) {
	w := &TraceWriter{}
	var out io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w.file = f
		out = f
	}
	c, err := trace.Compress(out, compression)
	if err != nil {
		w.abort()
		return nil, err
	}
	w.compress = c
	w.buffer = bufio.NewWriter(c)
	w.Writer = trace.NewWriter(w.buffer)
	return w, nil
}

// TraceWriter writes a binary trace file.
type TraceWriter struct {
	*trace.Writer
	buffer   *bufio.Writer
	compress io.WriteCloser
	file     *os.File
}

func (w *TraceWriter) abort() {
	if w.file != nil {
		w.file.Close()
		os.Remove(w.file.Name())
	}
}

// Close flushes the buffered operations and closes the file.
func (w *TraceWriter) Close() error {
	err := w.buffer.Flush()
	if cerr := w.compress.Close(); err == nil {
		err = cerr
	}
	if w.file != nil {
		if cerr := w.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
