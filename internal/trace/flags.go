package trace

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type flag struct {
	name  string
	value int32
}

// Bit flags are listed so that flags which are supersets of others come first
// (e.g. O_SYNC includes the bits of O_DSYNC).
var openFlags = [...]flag{
	{"O_CREAT", unix.O_CREAT},
	{"O_EXCL", unix.O_EXCL},
	{"O_NOCTTY", unix.O_NOCTTY},
	{"O_TRUNC", unix.O_TRUNC},
	{"O_APPEND", unix.O_APPEND},
	{"O_NONBLOCK", unix.O_NONBLOCK},
	{"O_SYNC", unix.O_SYNC},
	{"O_DSYNC", unix.O_DSYNC},
	{"O_ASYNC", unix.O_ASYNC},
	{"O_DIRECT", unix.O_DIRECT},
	{"O_LARGEFILE", unix.O_LARGEFILE},
	{"O_DIRECTORY", unix.O_DIRECTORY},
	{"O_NOFOLLOW", unix.O_NOFOLLOW},
	{"O_NOATIME", unix.O_NOATIME},
	{"O_CLOEXEC", unix.O_CLOEXEC},
}

var openFlagAliases = map[string]int32{
	"O_RDONLY": unix.O_RDONLY,
	"O_WRONLY": unix.O_WRONLY,
	"O_RDWR":   unix.O_RDWR,
	"O_NDELAY": unix.O_NONBLOCK,
	"O_FSYNC":  unix.O_SYNC,
}

var cloneFlags = [...]flag{
	{"CLONE_VM", unix.CLONE_VM},
	{"CLONE_FS", unix.CLONE_FS},
	{"CLONE_FILES", unix.CLONE_FILES},
	{"CLONE_SIGHAND", unix.CLONE_SIGHAND},
	{"CLONE_PTRACE", unix.CLONE_PTRACE},
	{"CLONE_VFORK", unix.CLONE_VFORK},
	{"CLONE_PARENT", unix.CLONE_PARENT},
	{"CLONE_THREAD", unix.CLONE_THREAD},
	{"CLONE_NEWNS", unix.CLONE_NEWNS},
	{"CLONE_SYSVSEM", unix.CLONE_SYSVSEM},
	{"CLONE_SETTLS", unix.CLONE_SETTLS},
	{"CLONE_PARENT_SETTID", unix.CLONE_PARENT_SETTID},
	{"CLONE_CHILD_CLEARTID", unix.CLONE_CHILD_CLEARTID},
	{"CLONE_DETACHED", unix.CLONE_DETACHED},
	{"CLONE_UNTRACED", unix.CLONE_UNTRACED},
	{"CLONE_CHILD_SETTID", unix.CLONE_CHILD_SETTID},
	{"CLONE_NEWCGROUP", unix.CLONE_NEWCGROUP},
	{"CLONE_NEWUTS", unix.CLONE_NEWUTS},
	{"CLONE_NEWIPC", unix.CLONE_NEWIPC},
	{"CLONE_NEWUSER", unix.CLONE_NEWUSER},
	{"CLONE_NEWPID", unix.CLONE_NEWPID},
	{"CLONE_NEWNET", unix.CLONE_NEWNET},
}

// The low byte of clone flags is the signal sent to the parent when the
// child terminates.
var cloneSignals = map[string]int32{
	"SIGCHLD": int32(unix.SIGCHLD),
	"SIGUSR1": int32(unix.SIGUSR1),
	"SIGUSR2": int32(unix.SIGUSR2),
}

var whenceNames = [...]flag{
	{"SEEK_SET", unix.SEEK_SET},
	{"SEEK_CUR", unix.SEEK_CUR},
	{"SEEK_END", unix.SEEK_END},
	{"SEEK_DATA", unix.SEEK_DATA},
	{"SEEK_HOLE", unix.SEEK_HOLE},
}

var accessModes = [...]flag{
	{"R_OK", unix.R_OK},
	{"W_OK", unix.W_OK},
	{"X_OK", unix.X_OK},
}

// fOK is the access mode testing for the existence of a file.
const fOK int32 = 0

// CloneFiles is the clone flag which makes the child share the file
// descriptor table of its parent.
const CloneFiles int32 = unix.CLONE_FILES

// ParseOpenFlags parses a list of O_* flags separated by '|', as printed by
// strace. Unknown names are ignored, numeric values are accepted.
func ParseOpenFlags(s string) int32 {
	return parseFlags(s, func(name string) int32 {
		if v, ok := openFlagAliases[name]; ok {
			return v
		}
		return lookupFlag(openFlags[:], name)
	})
}

// FormatOpenFlags is the reverse of ParseOpenFlags.
func FormatOpenFlags(flags int32) string {
	var access string
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY:
		access = "O_WRONLY"
	case unix.O_RDWR:
		access = "O_RDWR"
	default:
		access = "O_RDONLY"
	}
	rest := formatFlags(flags&^unix.O_ACCMODE, openFlags[:])
	if rest == "0" {
		return access
	}
	return access + "|" + rest
}

// FormatDup3Flags formats the flags of a dup3 call, which are zero or
// O_CLOEXEC.
func FormatDup3Flags(flags int32) string {
	return formatFlags(flags, openFlags[:])
}

// ParseCloneFlags parses the value of the flags argument of clone calls.
func ParseCloneFlags(s string) int32 {
	return parseFlags(s, func(name string) int32 {
		if v, ok := cloneSignals[name]; ok {
			return v
		}
		return lookupFlag(cloneFlags[:], name)
	})
}

// FormatCloneFlags is the reverse of ParseCloneFlags.
func FormatCloneFlags(flags int32) string {
	signal := flags & 0xff
	s := formatFlags(flags&^0xff, cloneFlags[:])
	if signal == 0 {
		return s
	}
	name := "0x" + strconv.FormatInt(int64(signal), 16)
	for k, v := range cloneSignals {
		if v == signal {
			name = k
			break
		}
	}
	if s == "0" {
		return name
	}
	return s + "|" + name
}

// ParseWhence parses the name of the whence argument of lseek calls.
func ParseWhence(s string) int32 {
	s = strings.TrimSpace(s)
	for _, f := range whenceNames {
		if f.name == s {
			return f.value
		}
	}
	v, _ := strconv.ParseInt(s, 0, 32)
	return int32(v)
}

func FormatWhence(whence int32) string {
	for _, f := range whenceNames {
		if f.value == whence {
			return f.name
		}
	}
	return strconv.Itoa(int(whence))
}

// ParseAccessMode parses the mode argument of access calls.
func ParseAccessMode(s string) int32 {
	return parseFlags(s, func(name string) int32 {
		if name == "F_OK" {
			return fOK
		}
		return lookupFlag(accessModes[:], name)
	})
}

func FormatAccessMode(mode int32) string {
	if mode == fOK {
		return "F_OK"
	}
	return formatFlags(mode, accessModes[:])
}

func parseFlags(s string, lookup func(string) int32) (flags int32) {
	for _, name := range strings.Split(s, "|") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, err := strconv.ParseInt(name, 0, 64); err == nil {
			flags |= int32(v)
			continue
		}
		flags |= lookup(name)
	}
	return flags
}

func lookupFlag(flags []flag, name string) int32 {
	for _, f := range flags {
		if f.name == name {
			return f.value
		}
	}
	return 0
}

func formatFlags(flags int32, names []flag) string {
	var parts []string
	for _, f := range names {
		if f.value != 0 && flags&f.value == f.value {
			parts = append(parts, f.name)
			flags &^= f.value
		}
	}
	if flags != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(uint32(flags)), 16))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}
