package simfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FixKind is the action needed to make an entry of the file system match the
// expectations of the trace.
type FixKind int

const (
	// CreateFile means the file is read by the trace but does not exist.
	CreateFile FixKind = iota
	// GrowFile means the file exists but is smaller than what the trace
	// reads from it.
	GrowFile
	// CreateDir means the directory must exist for the trace to create
	// entries in it.
	CreateDir
)

func (k FixKind) String() string {
	switch k {
	case CreateFile:
		return "create"
	case GrowFile:
		return "grow"
	case CreateDir:
		return "mkdir"
	default:
		return fmt.Sprintf("FixKind(%d)", int(k))
	}
}

func (k FixKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Fix is an action needed on the local file system.
type Fix struct {
	Kind FixKind `json:"kind" yaml:"kind" text:"ACTION"`
	Path string  `json:"path" yaml:"path" text:"PATH"`
	Size int64   `json:"size" yaml:"size" text:"SIZE"`
}

func (f Fix) String() string {
	switch f.Kind {
	case CreateDir:
		return fmt.Sprintf("%s: directory doesn't exist", f.Path)
	case GrowFile:
		return fmt.Sprintf("%s %d: file is too small, recreate it", f.Path, f.Size)
	default:
		return fmt.Sprintf("%s %d: file doesn't exist at all", f.Path, f.Size)
	}
}

// Fixes returns the actions needed for the file accesses simulated so far to
// succeed, in lexical order of the paths. Entries created by the trace need
// no action.
func (fsys *FS) Fixes() []Fix {
	var fixes []Fix
	fsys.Walk(func(e *Entry) {
		switch {
		case e.Physical:
			if e.VirtSize > e.PhysSize && e.IsFile() {
				fixes = append(fixes, Fix{Kind: GrowFile, Path: e.Path(), Size: e.VirtSize})
			}
		case e.Created:
		case e.IsFile():
			fixes = append(fixes, Fix{Kind: CreateFile, Path: e.Path(), Size: e.VirtSize})
		default:
			fixes = append(fixes, Fix{Kind: CreateDir, Path: e.Path()})
		}
	})
	return fixes
}

// Prepare applies the fixes to the local file system. Files are filled with
// zeros up to the expected size. All the fixes are attempted, the returned
// error joins the errors of those that failed.
//
// Entries which exist but should not are reported by the checks and never
// deleted.
func (fsys *FS) Prepare(fixes []Fix) error {
	var errs []error
	for _, fix := range fixes {
		if err := fsys.apply(fix); err != nil {
			fsys.logger.Error("cannot prepare file", "path", fix.Path, "err", err)
			errs = append(errs, err)
			continue
		}
		fsys.logger.Info("prepared", "action", fix.Kind, "path", fix.Path, "size", fix.Size)
	}
	return errors.Join(errs...)
}

func (fsys *FS) apply(fix Fix) error {
	switch fix.Kind {
	case CreateDir:
		return os.MkdirAll(fix.Path, 0755)
	case CreateFile:
		if err := os.MkdirAll(filepath.Dir(fix.Path), 0755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(fix.Path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := fill(f, info.Size(), fix.Size); err != nil {
		return err
	}
	return f.Close()
}

var zeros [64 * 1024]byte

// fill writes zeros to f from offset start to offset end.
func fill(f io.WriterAt, start, end int64) error {
	for start < end {
		n := int64(len(zeros))
		if n > end-start {
			n = end - start
		}
		if _, err := f.WriteAt(zeros[:n], start); err != nil {
			return err
		}
		start += n
	}
	return nil
}
