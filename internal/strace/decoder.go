// Package strace decodes the text output of strace into trace operations.
//
// The decoder expects the output of strace run with -f (pid prefix), -ttt or
// -tt (start time) and -T (duration suffix), for example:
//
//	1234 1690000000.500123 open("/tmp/x", O_RDWR) = 5 <0.000012>
package strace

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/stealthrocket/ioreplay/internal/stats"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

var (
	// ErrSyntax is returned when a line of a known system call does not have
	// the expected fields.
	ErrSyntax = errors.New("syntax error")

	// ErrPending is returned when an unfinished call is found for a pid which
	// already has one waiting to be resumed.
	ErrPending = errors.New("unfinished call already pending")

	// ErrNotPending is returned when a resumed call is found for a pid which
	// has no unfinished call.
	ErrNotPending = errors.New("no unfinished call to resume")
)

// ParseError is the error reported for lines that could not be decoded. Parse
// errors only drop the line they were found on.
type ParseError struct {
	Line   int
	Offset int64
	Text   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d (offset %d): %s: %q", e.Line, e.Offset, e.Err, e.Text)
}

func (e *ParseError) Unwrap() error { return e.Err }

const (
	unfinishedMarker = " <unfinished ...>"
	resumedPrefix    = "<... "
	resumedMarker    = "resumed> "
)

// Decoder parses strace lines one at a time. Calls interrupted by other
// processes are held until their resumed line is seen.
type Decoder struct {
	// Logger receives the diagnostics which do not make the parsing fail.
	// The default logger is used when nil.
	Logger *log.Logger

	// When not nil, every line with a duration is counted in Stats, including
	// the lines of system calls which are not decoded into operations.
	Stats *stats.Table

	pending map[int32]string
}

func (d *Decoder) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Pending returns the number of unfinished calls waiting to be resumed.
func (d *Decoder) Pending() int { return len(d.pending) }

// ParseLine decodes one line of strace output. The returned operation is nil
// if the line did not complete any operation: unknown system calls, signals,
// or calls which are not resumed yet.
func (d *Decoder) ParseLine(line string) (trace.Op, error) {
	line = strings.TrimRight(line, "\r\n")
	name := keyword(line)

	if d.Stats != nil && name != "" {
		if usec, ok := lineDuration(line); ok {
			d.Stats.Add(name, usec)
		}
	}

	return d.parse(line, name)
}

func (d *Decoder) parse(line, name string) (trace.Op, error) {
	scan, known := scanners[name]

	if known && unfinished(line) {
		return nil, d.suspend(line)
	}

	if _, ok := resumed(line); ok {
		if !known {
			return nil, nil
		}
		return d.resume(line)
	}

	if !known {
		return nil, nil
	}

	c, err := parseCall(line, name)
	if err != nil {
		return nil, err
	}
	return scan(c)
}

func (d *Decoder) suspend(line string) error {
	pid, err := leadingPID(line)
	if err != nil {
		return err
	}
	if prev, ok := d.pending[pid]; ok {
		return fmt.Errorf("%w for pid %d: %q", ErrPending, pid, prev)
	}
	if d.pending == nil {
		d.pending = make(map[int32]string)
	}
	d.pending[pid] = line
	return nil
}

func (d *Decoder) resume(line string) (trace.Op, error) {
	pid, err := leadingPID(line)
	if err != nil {
		return nil, err
	}
	prev, ok := d.pending[pid]
	if !ok {
		return nil, fmt.Errorf("%w for pid %d", ErrNotPending, pid)
	}
	head, _, found := strings.Cut(prev, unfinishedMarker)
	if !found {
		return nil, fmt.Errorf("%w: malformed unfinished call %q", ErrSyntax, prev)
	}
	rest, _ := resumed(line)
	_, tail, found := strings.Cut(rest, resumedMarker)
	if !found {
		return nil, fmt.Errorf("%w: malformed resumed call", ErrSyntax)
	}
	delete(d.pending, pid)

	spliced := head + tail
	d.logger().Debug("resumed call", "pid", pid, "line", spliced)
	// The duration was already counted on the resumed line.
	return d.parse(spliced, keyword(spliced))
}

// unfinished reports whether line is the first half of a call interrupted by
// another process. The marker ends the line, so it cannot be confused with
// the content of string arguments.
func unfinished(line string) bool {
	return strings.HasSuffix(strings.TrimRight(line, " "), unfinishedMarker)
}

// resumed reports whether line is the second half of an interrupted call,
// returning the line from its "<... name resumed>" prefix. The prefix must
// directly follow the pid and timestamp.
func resumed(line string) (string, bool) {
	i := strings.Index(line, resumedPrefix)
	if i < 0 {
		return "", false
	}
	for _, c := range line[:i] {
		if c != ' ' && c != '\t' && c != '.' && c != ':' && (c < '0' || c > '9') {
			return "", false
		}
	}
	rest := line[i:]
	if !strings.Contains(rest, " "+resumedMarker) {
		return "", false
	}
	return rest, true
}

// keyword returns the name of the system call of line, skipping the pid, the
// timestamp and the "<..." prefix of resumed calls.
func keyword(line string) string {
	i := 0
	for i < len(line) {
		c := line[i]
		if c == ' ' || c == '\t' || c == '.' || c == '<' || c == ':' || (c >= '0' && c <= '9') {
			i++
			continue
		}
		break
	}
	j := i
	for j < len(line) && line[j] != '(' && line[j] != ' ' {
		j++
	}
	return line[i:j]
}

// lineDuration returns the duration suffix of a line containing the return
// value of a call.
func lineDuration(line string) (int64, bool) {
	line = strings.TrimRight(line, " ")
	if !strings.HasSuffix(line, ">") || !strings.Contains(line, "= ") {
		return 0, false
	}
	i := strings.LastIndexByte(line, '<')
	if i < 0 {
		return 0, false
	}
	usec, err := parseDuration(line[i+1 : len(line)-1])
	if err != nil {
		return 0, false
	}
	return usec, true
}

func leadingPID(line string) (int32, error) {
	s := strings.TrimLeft(line, " ")
	end := strings.IndexAny(s, " \t")
	if end < 0 {
		end = len(s)
	}
	pid, err := strconv.ParseInt(s[:end], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid pid %q", ErrSyntax, s[:end])
	}
	return int32(pid), nil
}

// call is a line split into its fields.
type call struct {
	trace.Call
	name        string
	args        string
	hasDuration bool
}

func (c *call) requireDuration() error {
	if !c.hasDuration {
		return fmt.Errorf("%w: %s call has no duration", ErrSyntax, c.name)
	}
	return nil
}

func parseCall(line, name string) (*call, error) {
	c := &call{name: name}

	pid, err := leadingPID(line)
	if err != nil {
		return nil, err
	}
	c.PID = pid

	s := strings.TrimLeft(line, " ")
	_, s, _ = strings.Cut(s, " ")
	s = strings.TrimLeft(s, " ")
	timestamp, s, ok := strings.Cut(s, " ")
	if !ok {
		return nil, fmt.Errorf("%w: missing start time", ErrSyntax)
	}
	if c.Start, err = parseTime(timestamp); err != nil {
		return nil, err
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		return nil, fmt.Errorf("%w: missing arguments", ErrSyntax)
	}
	end := strings.LastIndex(s, ") = ")
	if end < open {
		return nil, fmt.Errorf("%w: missing return value", ErrSyntax)
	}
	c.args = s[open+1 : end]
	result := strings.TrimSpace(s[end+len(") = "):])

	retval, rest, _ := strings.Cut(result, " ")
	if c.Retval, err = strconv.ParseInt(retval, 0, 64); err != nil {
		return nil, fmt.Errorf("%w: invalid return value %q", ErrSyntax, retval)
	}

	if strings.HasSuffix(rest, ">") {
		if i := strings.LastIndexByte(rest, '<'); i >= 0 {
			usec, err := parseDuration(rest[i+1 : len(rest)-1])
			if err != nil {
				return nil, err
			}
			c.Duration = int32(usec)
			c.hasDuration = true
		}
	}
	return c, nil
}

// parseTime parses the start time of a call, either as seconds since the epoch
// (strace -ttt) or as the time of the day (strace -tt).
func parseTime(s string) (trace.Timestamp, error) {
	var sec int64
	whole, frac, _ := strings.Cut(s, ".")

	if strings.Contains(whole, ":") {
		parts := strings.Split(whole, ":")
		if len(parts) != 3 {
			return trace.Timestamp{}, fmt.Errorf("%w: invalid time %q", ErrSyntax, s)
		}
		for _, part := range parts {
			v, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return trace.Timestamp{}, fmt.Errorf("%w: invalid time %q", ErrSyntax, s)
			}
			sec = 60*sec + v
		}
	} else {
		v, err := strconv.ParseInt(whole, 10, 32)
		if err != nil {
			return trace.Timestamp{}, fmt.Errorf("%w: invalid time %q", ErrSyntax, s)
		}
		sec = v
	}

	usec, err := parseMicros(frac)
	if err != nil {
		return trace.Timestamp{}, fmt.Errorf("%w: invalid time %q", ErrSyntax, s)
	}
	return trace.Timestamp{Sec: int32(sec), Usec: int32(usec)}, nil
}

// parseDuration parses a "sec.usec" duration into microseconds.
func parseDuration(s string) (int64, error) {
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q", ErrSyntax, s)
	}
	usec, err := parseMicros(frac)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q", ErrSyntax, s)
	}
	return sec*1e6 + usec, nil
}

// parseMicros parses the fractional part of a number of seconds. Fractions
// shorter than six digits are right padded, longer ones are truncated.
func parseMicros(frac string) (int64, error) {
	if frac == "" {
		return 0, nil
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	usec, err := strconv.ParseUint(frac, 10, 32)
	if err != nil {
		return 0, err
	}
	for i := len(frac); i < 6; i++ {
		usec *= 10
	}
	return int64(usec), nil
}
