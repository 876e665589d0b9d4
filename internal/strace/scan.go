package strace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stealthrocket/ioreplay/internal/trace"
)

type scanFunc func(*call) (trace.Op, error)

var scanners map[string]scanFunc

func init() {
	scanners = map[string]scanFunc{
		"read":     scanRead,
		"write":    scanWrite,
		"pread":    scanPRead,
		"pread64":  scanPRead,
		"pwrite":   scanPWrite,
		"pwrite64": scanPWrite,
		"open":     scanOpen,
		"openat":   scanOpenAt,
		"creat":    scanCreat,
		"close":    scanClose,
		"unlink":   scanUnlink,
		"mkdir":    scanMkdir,
		"rmdir":    scanRmdir,
		"lseek":    scanLSeek,
		"_llseek":  scanLLSeek,
		"dup":      scanDup,
		"dup2":     scanDup2,
		"dup3":     scanDup3,
		"pipe":     scanPipe,
		"access":   scanAccess,
		"stat":     scanStat,
		"stat64":   scanStat,
		"socket":   scanSocket,
		"sendfile": scanSendfile,
		"clone":    scanClone,
		"fcntl":    scanFcntl,
	}
}

func fieldCountError(c *call, want int, got int) error {
	return fmt.Errorf("%w: %s expects %d arguments, found %d", ErrSyntax, c.name, want, got)
}

// fields splits the arguments of c on commas, the arguments must not contain
// quoted strings.
func (c *call) fields(want int) ([]string, error) {
	f := splitArgs(c.args)
	if len(f) != want {
		return nil, fieldCountError(c, want, len(f))
	}
	return f, nil
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	f := strings.Split(args, ",")
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	return f
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrSyntax, s)
	}
	return int32(v), nil
}

func parseInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrSyntax, s)
	}
	return v, nil
}

func parseOctal(s string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid mode %q", ErrSyntax, s)
	}
	return int32(v), nil
}

// parseBracket parses an integer written in brackets, as strace prints the
// values of output pointer arguments.
func parseBracket(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return 0, fmt.Errorf("%w: expected [value] but found %q", ErrSyntax, s)
	}
	return parseInt64(s[1 : len(s)-1])
}

// transfer parses the "fd, buffer, size[, offset]" arguments of read and write
// calls. The buffer contents are skipped, only the numeric values after it are
// returned.
func (c *call) transfer(tail int) (fd int32, values []int64, err error) {
	if err = c.requireDuration(); err != nil {
		return
	}
	head, rest, ok := strings.Cut(c.args, ",")
	if !ok {
		return 0, nil, fieldCountError(c, tail+2, 1)
	}
	if fd, err = parseInt32(head); err != nil {
		return
	}
	if rest, err = skipBuffer(rest); err != nil {
		return
	}
	f := splitArgs(rest)
	if len(f) != tail {
		return 0, nil, fieldCountError(c, tail+2, len(f)+2)
	}
	values = make([]int64, tail)
	for i := range f {
		if values[i], err = parseInt64(f[i]); err != nil {
			return
		}
	}
	return fd, values, nil
}

// skipBuffer skips the buffer argument at the front of s and returns what
// follows the comma after it. The buffer may be a quoted string possibly
// truncated by strace ("abc"...), NULL, or empty when the call was spliced
// from an unfinished line.
func skipBuffer(s string) (string, error) {
	i := strings.IndexByte(s, '"')
	if i < 0 {
		if j := strings.Index(s, "NULL,"); j >= 0 {
			return s[j+len("NULL,"):], nil
		}
		if j := strings.IndexByte(s, ','); j >= 0 {
			return s[j+1:], nil
		}
		return "", fmt.Errorf("%w: unexpected end of line", ErrSyntax)
	}

	end, err := closingQuote(s, i)
	if err != nil {
		return "", err
	}
	rest := s[end+1:]
	switch {
	case strings.HasPrefix(rest, "."):
		j := strings.IndexByte(rest, ',')
		if j < 0 {
			return "", fmt.Errorf("%w: unexpected end of line", ErrSyntax)
		}
		return rest[j+1:], nil
	case strings.HasPrefix(rest, ","):
		return rest[1:], nil
	case rest == "":
		return "", fmt.Errorf("%w: unexpected end of line", ErrSyntax)
	default:
		return "", fmt.Errorf("%w: unexpected character after quote: %q", ErrSyntax, rest[0])
	}
}

// closingQuote returns the index of the quote closing the string which starts
// at s[start]. Escaped quotes do not end the string, escaped backslashes do
// not escape what follows them.
func closingQuote(s string, start int) (int, error) {
	backslash := false
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '"':
			if !backslash {
				return i, nil
			}
			backslash = false
		case '\\':
			backslash = !backslash
		default:
			backslash = false
		}
	}
	return 0, fmt.Errorf("%w: unterminated string", ErrSyntax)
}

// quotedArg decodes the quoted string at the front of s and returns it along
// with the rest of the arguments, after the comma following the string.
func quotedArg(s string) (value, rest string, err error) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, `"`) {
		return "", "", fmt.Errorf("%w: expected a quoted string", ErrSyntax)
	}
	end, err := closingQuote(s, 0)
	if err != nil {
		return "", "", err
	}
	if value, err = unescape(s[1:end]); err != nil {
		return "", "", err
	}
	rest = strings.TrimPrefix(s[end+1:], "...")
	if rest != "" {
		if !strings.HasPrefix(rest, ",") {
			return "", "", fmt.Errorf("%w: unexpected text after string: %q", ErrSyntax, rest)
		}
		rest = rest[1:]
	}
	return value, rest, nil
}

// unescape decodes the escape sequences that strace uses to print strings.
func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b = append(b, s[i])
			continue
		}
		if i++; i == len(s) {
			return "", fmt.Errorf("%w: invalid escape sequence", ErrSyntax)
		}
		switch c := s[i]; c {
		case 'n':
			b = append(b, '\n')
		case 't':
			b = append(b, '\t')
		case 'r':
			b = append(b, '\r')
		case 'v':
			b = append(b, '\v')
		case 'f':
			b = append(b, '\f')
		case 'x':
			j := i + 1
			for j < len(s) && j < i+3 && isHex(s[j]) {
				j++
			}
			v, err := strconv.ParseUint(s[i+1:j], 16, 8)
			if err != nil {
				return "", fmt.Errorf("%w: invalid escape sequence", ErrSyntax)
			}
			b = append(b, byte(v))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, err := strconv.ParseUint(s[i:j], 8, 8)
			if err != nil {
				return "", fmt.Errorf("%w: invalid escape sequence", ErrSyntax)
			}
			b = append(b, byte(v))
			i = j - 1
		default:
			b = append(b, c)
		}
	}
	return string(b), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func scanRead(c *call) (trace.Op, error) {
	fd, v, err := c.transfer(1)
	if err != nil {
		return nil, err
	}
	return &trace.ReadOp{Call: c.Call, FD: fd, Size: v[0]}, nil
}

func scanWrite(c *call) (trace.Op, error) {
	fd, v, err := c.transfer(1)
	if err != nil {
		return nil, err
	}
	return &trace.WriteOp{Call: c.Call, FD: fd, Size: v[0]}, nil
}

func scanPRead(c *call) (trace.Op, error) {
	fd, v, err := c.transfer(2)
	if err != nil {
		return nil, err
	}
	return &trace.PReadOp{Call: c.Call, FD: fd, Size: v[0], Offset: v[1]}, nil
}

func scanPWrite(c *call) (trace.Op, error) {
	fd, v, err := c.transfer(2)
	if err != nil {
		return nil, err
	}
	return &trace.PWriteOp{Call: c.Call, FD: fd, Size: v[0], Offset: v[1]}, nil
}

func scanOpen(c *call) (trace.Op, error) {
	return c.open(c.args)
}

// scanOpenAt decodes openat calls relative to the current directory, which are
// what the C library emits for open(2) on recent systems.
func scanOpenAt(c *call) (trace.Op, error) {
	dirfd, rest, ok := strings.Cut(c.args, ",")
	if !ok {
		return nil, fieldCountError(c, 3, 1)
	}
	if strings.TrimSpace(dirfd) != "AT_FDCWD" {
		return nil, fmt.Errorf("%w: openat relative to %s is not supported", ErrSyntax, strings.TrimSpace(dirfd))
	}
	return c.open(rest)
}

func (c *call) open(args string) (trace.Op, error) {
	name, rest, err := quotedArg(args)
	if err != nil {
		return nil, err
	}
	op := &trace.OpenOp{Call: c.Call, Name: name, Mode: trace.ModeUndefined}
	f := splitArgs(rest)
	switch len(f) {
	case 2:
		if op.Mode, err = parseInt32(f[1]); err != nil {
			return nil, err
		}
		fallthrough
	case 1:
		op.Flags = trace.ParseOpenFlags(f[0])
	default:
		return nil, fieldCountError(c, 3, len(f)+1)
	}
	return op, nil
}

func scanCreat(c *call) (trace.Op, error) {
	name, rest, err := quotedArg(c.args)
	if err != nil {
		return nil, err
	}
	f := splitArgs(rest)
	if len(f) != 1 {
		return nil, fieldCountError(c, 2, len(f)+1)
	}
	mode, err := parseInt32(f[0])
	if err != nil {
		return nil, err
	}
	return &trace.OpenOp{
		Call:  c.Call,
		Name:  name,
		Flags: trace.ParseOpenFlags("O_CREAT|O_WRONLY|O_TRUNC"),
		Mode:  mode,
	}, nil
}

func scanClose(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(1)
	if err != nil {
		return nil, err
	}
	fd, err := parseInt32(f[0])
	if err != nil {
		return nil, err
	}
	return &trace.CloseOp{Call: c.Call, FD: fd}, nil
}

// nameOnly parses the arguments of calls which have a path as first argument.
// Arguments after the path are ignored.
func (c *call) nameOnly() (string, string, error) {
	if err := c.requireDuration(); err != nil {
		return "", "", err
	}
	return quotedArg(c.args)
}

func scanUnlink(c *call) (trace.Op, error) {
	name, _, err := c.nameOnly()
	if err != nil {
		return nil, err
	}
	return &trace.UnlinkOp{Call: c.Call, Name: name}, nil
}

func scanRmdir(c *call) (trace.Op, error) {
	name, _, err := c.nameOnly()
	if err != nil {
		return nil, err
	}
	return &trace.RmdirOp{Call: c.Call, Name: name}, nil
}

func scanStat(c *call) (trace.Op, error) {
	name, rest, err := c.nameOnly()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) == "" {
		return nil, fieldCountError(c, 2, 1)
	}
	return &trace.StatOp{Call: c.Call, Name: name}, nil
}

func scanMkdir(c *call) (trace.Op, error) {
	name, rest, err := c.nameOnly()
	if err != nil {
		return nil, err
	}
	f := splitArgs(rest)
	if len(f) != 1 {
		return nil, fieldCountError(c, 2, len(f)+1)
	}
	mode, err := parseOctal(f[0])
	if err != nil {
		return nil, err
	}
	return &trace.MkdirOp{Call: c.Call, Name: name, Mode: mode}, nil
}

func scanAccess(c *call) (trace.Op, error) {
	name, rest, err := c.nameOnly()
	if err != nil {
		return nil, err
	}
	f := splitArgs(rest)
	if len(f) != 1 {
		return nil, fieldCountError(c, 2, len(f)+1)
	}
	return &trace.AccessOp{Call: c.Call, Name: name, Mode: trace.ParseAccessMode(f[0])}, nil
}

func scanLSeek(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(3)
	if err != nil {
		return nil, err
	}
	op := &trace.LSeekOp{Call: c.Call, Whence: trace.ParseWhence(f[2])}
	if op.FD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	if op.Offset, err = parseInt64(f[1]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanLLSeek(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(4)
	if err != nil {
		return nil, err
	}
	op := &trace.LLSeekOp{Call: c.Call, Whence: trace.ParseWhence(f[3])}
	if op.FD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	if op.Offset, err = parseInt64(f[1]); err != nil {
		return nil, err
	}
	if op.Result, err = parseBracket(f[2]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanDup(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(1)
	if err != nil {
		return nil, err
	}
	op := &trace.DupOp{Call: c.Call, Variant: trace.Dup, NewFD: int32(c.Retval)}
	if op.OldFD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanDup2(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(2)
	if err != nil {
		return nil, err
	}
	op := &trace.DupOp{Call: c.Call, Variant: trace.Dup2}
	if op.OldFD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	if op.NewFD, err = parseInt32(f[1]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanDup3(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(3)
	if err != nil {
		return nil, err
	}
	op := &trace.DupOp{Call: c.Call, Variant: trace.Dup3, Flags: trace.ParseOpenFlags(f[2])}
	if op.OldFD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	if op.NewFD, err = parseInt32(f[1]); err != nil {
		return nil, err
	}
	return op, nil
}

// scanFcntl decodes fcntl calls duplicating file descriptors as dup calls,
// other fcntl commands are ignored.
func scanFcntl(c *call) (trace.Op, error) {
	f := splitArgs(c.args)
	if len(f) < 2 || (f[1] != "F_DUPFD" && f[1] != "F_DUPFD_CLOEXEC") {
		return nil, nil
	}
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	if len(f) != 3 {
		return nil, fieldCountError(c, 3, len(f))
	}
	op := &trace.DupOp{Call: c.Call, Variant: trace.Dup, NewFD: int32(c.Retval)}
	var err error
	if op.OldFD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanPipe(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	args := strings.TrimSpace(c.args)
	if !strings.HasPrefix(args, "[") || !strings.HasSuffix(args, "]") {
		return nil, fmt.Errorf("%w: expected [fd1, fd2] but found %q", ErrSyntax, args)
	}
	f := splitArgs(args[1 : len(args)-1])
	if len(f) != 2 {
		return nil, fieldCountError(c, 2, len(f))
	}
	op := &trace.PipeOp{Call: c.Call}
	var err error
	if op.FD1, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	if op.FD2, err = parseInt32(f[1]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanSocket(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	return &trace.SocketOp{Call: c.Call}, nil
}

func scanSendfile(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	f, err := c.fields(4)
	if err != nil {
		return nil, err
	}
	op := &trace.SendfileOp{Call: c.Call, Offset: trace.OffsetNone}
	if op.OutFD, err = parseInt32(f[0]); err != nil {
		return nil, err
	}
	if op.InFD, err = parseInt32(f[1]); err != nil {
		return nil, err
	}
	if f[2] != "NULL" {
		if op.Offset, err = parseBracket(f[2]); err != nil {
			return nil, err
		}
	}
	if op.Size, err = parseInt64(f[3]); err != nil {
		return nil, err
	}
	return op, nil
}

func scanClone(c *call) (trace.Op, error) {
	if err := c.requireDuration(); err != nil {
		return nil, err
	}
	for _, arg := range splitArgs(c.args) {
		if flags, ok := strings.CutPrefix(arg, "flags="); ok {
			return &trace.CloneOp{Call: c.Call, Flags: trace.ParseCloneFlags(flags)}, nil
		}
	}
	return nil, fmt.Errorf("%w: clone call has no flags", ErrSyntax)
}
