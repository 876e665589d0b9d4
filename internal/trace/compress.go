package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression is the compression format of a binary trace file.
type Compression int

const (
	Uncompressed Compression = iota
	Snappy
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Uncompressed:
		return "uncompressed"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// ParseCompression parses the name of a compression format.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none", "uncompressed":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return Uncompressed, fmt.Errorf("unsupported compression format: %q", s)
	}
}

var (
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

var (
	zstdEncoderPool objectPool[*zstd.Encoder]
	zstdDecoderPool objectPool[*zstd.Decoder]
)

type objectPool[T any] struct {
	pool sync.Pool
}

func (p *objectPool[T]) get(newObject func() (T, error)) (T, error) {
	v, ok := p.pool.Get().(T)
	if ok {
		return v, nil
	}
	return newObject()
}

func (p *objectPool[T]) put(obj T) {
	p.pool.Put(obj)
}

// Compress returns a writer which compresses the data written to w with the
// given compression format. The returned writer must be closed to flush the
// compressed stream, closing it does not close w.
func Compress(w io.Writer, compression Compression) (io.WriteCloser, error) {
	switch compression {
	case Uncompressed:
		return nopWriteCloser{w}, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case Zstd:
		enc, err := zstdEncoderPool.get(func() (*zstd.Encoder, error) {
			return zstd.NewWriter(nil,
				zstd.WithEncoderConcurrency(1),
				zstd.WithEncoderLevel(zstd.SpeedFastest),
			)
		})
		if err != nil {
			return nil, err
		}
		enc.Reset(w)
		return &zstdWriter{enc}, nil
	default:
		return nil, fmt.Errorf("unknown compression format: %d", compression)
	}
}

// Decompress detects the compression format of the data read from r and
// returns a reader producing the decompressed bytes.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(snappyMagic))
	if err != nil && err != io.EOF {
		return nil, Uncompressed, err
	}

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstdDecoderPool.get(func() (*zstd.Decoder, error) {
			return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		})
		if err != nil {
			return nil, Zstd, err
		}
		if err := dec.Reset(br); err != nil {
			return nil, Zstd, err
		}
		return &zstdReader{dec}, Zstd, nil
	case bytes.HasPrefix(head, snappyMagic):
		return io.NopCloser(snappy.NewReader(br)), Snappy, nil
	default:
		return io.NopCloser(br), Uncompressed, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zstdWriter struct{ enc *zstd.Encoder }

func (w *zstdWriter) Write(b []byte) (int, error) {
	if w.enc == nil {
		return 0, io.ErrClosedPipe
	}
	return w.enc.Write(b)
}

func (w *zstdWriter) Close() error {
	if w.enc == nil {
		return nil
	}
	enc := w.enc
	w.enc = nil
	err := enc.Close()
	enc.Reset(nil)
	zstdEncoderPool.put(enc)
	return err
}

type zstdReader struct{ dec *zstd.Decoder }

func (r *zstdReader) Read(b []byte) (int, error) {
	if r.dec == nil {
		return 0, io.ErrClosedPipe
	}
	return r.dec.Read(b)
}

func (r *zstdReader) Close() error {
	if r.dec != nil {
		dec := r.dec
		r.dec = nil
		dec.Reset(nil)
		zstdDecoderPool.put(dec)
	}
	return nil
}
