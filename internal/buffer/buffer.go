// Package buffer manages the memory that replayed transfers read into and
// write from.
package buffer

// PageSize is the granularity of buffer capacities.
const PageSize = 4096

// Buffer is a byte slice reused across transfers. The zero value is an empty
// buffer.
type Buffer struct{ data []byte }

// Bytes returns a slice of length size, growing the buffer when it is too
// small. The content of the slice is what the previous transfers left in
// the buffer. Negative sizes are treated as zero.
func (b *Buffer) Bytes(size int64) []byte {
	if size < 0 {
		size = 0
	}
	if int64(cap(b.data)) < size {
		b.data = make([]byte, size, Align(size, PageSize))
	}
	return b.data[:size]
}

// Cap returns the capacity of the buffer.
func (b *Buffer) Cap() int64 {
	return int64(cap(b.data))
}

// Align rounds size up to a multiple of to.
func Align(size, to int64) int64 {
	return ((size + (to - 1)) / to) * to
}
