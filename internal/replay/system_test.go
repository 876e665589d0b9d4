package replay_test

import (
	"os"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/ioreplay/internal/replay"
)

type fakeFile struct {
	data []byte
	dir  bool
}

type fakeHandle struct {
	name string
	file *fakeFile
	pos  int64
}

// fakeSystem is an in memory file system implementing replay.System.
type fakeSystem struct {
	files    map[string]*fakeFile
	fds      map[int]*fakeHandle
	next     int
	opened   []string
	closed   []string
	calls    []string
	affinity int
}

var _ replay.System = (*fakeSystem)(nil)

func newFakeSystem(files map[string]int) *fakeSystem {
	sys := &fakeSystem{
		files:    make(map[string]*fakeFile),
		fds:      make(map[int]*fakeHandle),
		next:     3,
		affinity: -1,
	}
	for name, size := range files {
		sys.files[name] = &fakeFile{data: make([]byte, size)}
	}
	return sys
}

func (sys *fakeSystem) size(name string) int {
	if f := sys.files[name]; f != nil {
		return len(f.data)
	}
	return -1
}

func (sys *fakeSystem) Open(path string, flags int, mode uint32) (int, error) {
	f := sys.files[path]
	switch {
	case path == os.DevNull || path == "/dev/zero":
		f = &fakeFile{}
	case f == nil && flags&unix.O_CREAT == 0:
		return -1, unix.ENOENT
	case f != nil && flags&unix.O_CREAT != 0 && flags&unix.O_EXCL != 0:
		return -1, unix.EEXIST
	case f == nil:
		f = &fakeFile{}
		sys.files[path] = f
	case flags&unix.O_DIRECTORY != 0 && !f.dir:
		return -1, unix.ENOTDIR
	}
	if flags&unix.O_TRUNC != 0 {
		f.data = f.data[:0]
	}
	fd := sys.next
	sys.next++
	sys.fds[fd] = &fakeHandle{name: path, file: f}
	sys.opened = append(sys.opened, path)
	sys.calls = append(sys.calls, "open "+path)
	return fd, nil
}

func (sys *fakeSystem) Close(fd int) error {
	h := sys.fds[fd]
	if h == nil {
		return unix.EBADF
	}
	delete(sys.fds, fd)
	sys.closed = append(sys.closed, h.name)
	sys.calls = append(sys.calls, "close "+h.name)
	return nil
}

func (sys *fakeSystem) pread(h *fakeHandle, b []byte, offset int64) int {
	switch h.name {
	case "/dev/zero":
		return len(b)
	case os.DevNull:
		return 0
	}
	if offset >= int64(len(h.file.data)) {
		return 0
	}
	return copy(b, h.file.data[offset:])
}

func (sys *fakeSystem) pwrite(h *fakeHandle, b []byte, offset int64) int {
	if h.name == os.DevNull {
		return len(b)
	}
	if end := offset + int64(len(b)); end > int64(len(h.file.data)) {
		h.file.data = append(h.file.data, make([]byte, end-int64(len(h.file.data)))...)
	}
	return copy(h.file.data[offset:], b)
}

func (sys *fakeSystem) Read(fd int, b []byte) (int, error) {
	h := sys.fds[fd]
	if h == nil {
		return -1, unix.EBADF
	}
	n := sys.pread(h, b, h.pos)
	h.pos += int64(n)
	return n, nil
}

func (sys *fakeSystem) Write(fd int, b []byte) (int, error) {
	h := sys.fds[fd]
	if h == nil {
		return -1, unix.EBADF
	}
	n := sys.pwrite(h, b, h.pos)
	h.pos += int64(n)
	sys.calls = append(sys.calls, "write "+h.name)
	return n, nil
}

func (sys *fakeSystem) Pread(fd int, b []byte, offset int64) (int, error) {
	h := sys.fds[fd]
	if h == nil {
		return -1, unix.EBADF
	}
	return sys.pread(h, b, offset), nil
}

func (sys *fakeSystem) Pwrite(fd int, b []byte, offset int64) (int, error) {
	h := sys.fds[fd]
	if h == nil {
		return -1, unix.EBADF
	}
	return sys.pwrite(h, b, offset), nil
}

func (sys *fakeSystem) Seek(fd int, offset int64, whence int) (int64, error) {
	h := sys.fds[fd]
	if h == nil {
		return -1, unix.EBADF
	}
	switch whence {
	case unix.SEEK_SET:
	case unix.SEEK_CUR:
		offset += h.pos
	case unix.SEEK_END:
		offset += int64(len(h.file.data))
	default:
		return -1, unix.EINVAL
	}
	if offset < 0 {
		return -1, unix.EINVAL
	}
	h.pos = offset
	return offset, nil
}

func (sys *fakeSystem) Sendfile(outfd, infd int, offset *int64, count int) (int, error) {
	in, out := sys.fds[infd], sys.fds[outfd]
	if in == nil || out == nil {
		return -1, unix.EBADF
	}
	b := make([]byte, count)
	var n int
	if offset != nil {
		n = sys.pread(in, b, *offset)
		*offset += int64(n)
	} else {
		n = sys.pread(in, b, in.pos)
		in.pos += int64(n)
	}
	n = sys.pwrite(out, b[:n], out.pos)
	out.pos += int64(n)
	return n, nil
}

func (sys *fakeSystem) Mkdir(path string, mode uint32) error {
	if sys.files[path] != nil {
		return unix.EEXIST
	}
	sys.files[path] = &fakeFile{dir: true}
	return nil
}

func (sys *fakeSystem) remove(path string, dir bool) error {
	f := sys.files[path]
	switch {
	case f == nil:
		return unix.ENOENT
	case dir && !f.dir:
		return unix.ENOTDIR
	case !dir && f.dir:
		return unix.EISDIR
	}
	delete(sys.files, path)
	return nil
}

func (sys *fakeSystem) Rmdir(path string) error  { return sys.remove(path, true) }
func (sys *fakeSystem) Unlink(path string) error { return sys.remove(path, false) }

func (sys *fakeSystem) Access(path string, mode uint32) error { return sys.Stat(path) }

func (sys *fakeSystem) Stat(path string) error {
	if sys.files[path] == nil {
		return unix.ENOENT
	}
	return nil
}

func (sys *fakeSystem) SetAffinity(cpu int) error {
	sys.affinity = cpu
	return nil
}

// openFiles returns the names of the files which are still open.
func (sys *fakeSystem) openFiles() []string {
	var names []string
	for _, h := range sys.fds {
		names = append(names, h.name)
	}
	slices.Sort(names)
	return names
}
