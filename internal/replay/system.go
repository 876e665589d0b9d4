package replay

import (
	"golang.org/x/sys/unix"
)

// System is the set of system calls that the engine performs when replicating
// a trace. Errors are the errno values of the calls.
type System interface {
	Open(path string, flags int, mode uint32) (int, error)
	Close(fd int) error
	Read(fd int, b []byte) (int, error)
	Write(fd int, b []byte) (int, error)
	Pread(fd int, b []byte, offset int64) (int, error)
	Pwrite(fd int, b []byte, offset int64) (int, error)
	Seek(fd int, offset int64, whence int) (int64, error)
	Sendfile(outfd, infd int, offset *int64, count int) (int, error)
	Mkdir(path string, mode uint32) error
	Rmdir(path string) error
	Unlink(path string) error
	Access(path string, mode uint32) error
	Stat(path string) error
	SetAffinity(cpu int) error
}

// UnixSystem is the System of the local host.
type UnixSystem struct{}

var _ System = UnixSystem{}

func (UnixSystem) Open(path string, flags int, mode uint32) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.Open(path, flags, mode)
	})
}

// Close does not retry on EINTR, the descriptor is released either way on
// Linux.
func (UnixSystem) Close(fd int) error {
	return unix.Close(fd)
}

func (UnixSystem) Read(fd int, b []byte) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.Read(fd, b)
	})
}

func (UnixSystem) Write(fd int, b []byte) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.Write(fd, b)
	})
}

func (UnixSystem) Pread(fd int, b []byte, offset int64) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.Pread(fd, b, offset)
	})
}

func (UnixSystem) Pwrite(fd int, b []byte, offset int64) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.Pwrite(fd, b, offset)
	})
}

func (UnixSystem) Seek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}

func (UnixSystem) Sendfile(outfd, infd int, offset *int64, count int) (int, error) {
	return ignoreEINTR2(func() (int, error) {
		return unix.Sendfile(outfd, infd, offset, count)
	})
}

func (UnixSystem) Mkdir(path string, mode uint32) error {
	return ignoreEINTR(func() error { return unix.Mkdir(path, mode) })
}

func (UnixSystem) Rmdir(path string) error {
	return ignoreEINTR(func() error { return unix.Rmdir(path) })
}

func (UnixSystem) Unlink(path string) error {
	return ignoreEINTR(func() error { return unix.Unlink(path) })
}

func (UnixSystem) Access(path string, mode uint32) error {
	return ignoreEINTR(func() error { return unix.Access(path, mode) })
}

func (UnixSystem) Stat(path string) error {
	var st unix.Stat_t
	return ignoreEINTR(func() error { return unix.Stat(path, &st) })
}

// SetAffinity pins the calling thread to the given CPU. The caller must have
// locked its goroutine to the thread for the setting to be meaningful.
func (UnixSystem) SetAffinity(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// This function is used to automatically retry syscalls when they return EINTR
// due to having handled a signal instead of executing.
func ignoreEINTR(f func() error) error {
	for {
		if err := f(); err != unix.EINTR {
			return err
		}
	}
}

func ignoreEINTR2[F func() (R, error), R any](f F) (R, error) {
	for {
		v, err := f()
		if err != unix.EINTR {
			return v, err
		}
	}
}

