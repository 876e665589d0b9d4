// Package ioperf contains readers which overlap the reads of trace files with
// their decoding.
package ioperf

import (
	"io"
	"sync"
)

// DefaultSize is the combined size of the two buffers of a prefetch reader.
const DefaultSize = 256 * 1024

// NewPrefetchReader returns a reader which reads ahead from r in a separate
// goroutine. The data is read into two buffers of half the given size, one
// is filled while the other is consumed. The reader must be closed to release
// the goroutine.
func NewPrefetchReader(r io.Reader, size int) io.ReadCloser {
	if size < 2 {
		size = DefaultSize
	}
	half := size / 2
	buf := make([]byte, 2*half)

	p := &prefetchReader{
		full: make(chan chunk, 2),
		free: make(chan []byte, 2),
		stop: make(chan struct{}),
	}
	p.free <- buf[:half:half]
	p.free <- buf[half:]
	go p.prefetch(r)
	return p
}

type chunk struct {
	data []byte
	err  error
}

type prefetchReader struct {
	full   chan chunk
	free   chan []byte
	stop   chan struct{}
	once   sync.Once
	chunk  chunk
	offset int
}

func (p *prefetchReader) prefetch(r io.Reader) {
	defer close(p.full)
	for {
		var b []byte
		select {
		case b = <-p.free:
		case <-p.stop:
			return
		}
		n, err := r.Read(b[:cap(b)])
		select {
		case p.full <- chunk{data: b[:n], err: err}:
		case <-p.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *prefetchReader) Read(b []byte) (int, error) {
	for p.offset == len(p.chunk.data) {
		if p.chunk.err != nil {
			return 0, p.chunk.err
		}
		if p.chunk.data != nil {
			p.free <- p.chunk.data
		}
		c, ok := <-p.full
		if !ok {
			p.chunk = chunk{err: io.ErrClosedPipe}
			return 0, p.chunk.err
		}
		p.chunk, p.offset = c, 0
	}
	n := copy(b, p.chunk.data[p.offset:])
	p.offset += n
	return n, nil
}

// Close stops the prefetching, it does not close the underlying reader.
func (p *prefetchReader) Close() error {
	p.once.Do(func() { close(p.stop) })
	return nil
}
