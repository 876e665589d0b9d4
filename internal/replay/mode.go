package replay

import (
	"fmt"
	"strings"
)

// Mode selects what the engine does with the operations it applies.
type Mode int

const (
	// Simulate accounts for the I/O of the trace without performing it.
	Simulate Mode = iota
	// Replicate performs the I/O of the trace on the local file system.
	Replicate
	// Check verifies that the trace would succeed on the local file system.
	Check
	// Prepare creates the files and directories that the trace expects.
	Prepare
)

var modeNames = [...]string{
	Simulate:  "simulate",
	Replicate: "replicate",
	Check:     "check",
	Prepare:   "prepare",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Simulated is true for the modes which never touch the local file system
// while applying operations.
func (m Mode) Simulated() bool { return m != Replicate }

// ParseMode parses the name of a mode.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("unknown replay mode: %q", s)
}

// Pacing selects how the engine spaces the operations in time.
type Pacing int

const (
	// ASAP applies operations back to back.
	ASAP Pacing = iota
	// Diff preserves the idle time between the end of an operation and the
	// start of the next, multiplied by the scale factor.
	Diff
	// Exact starts every operation at the same offset from the first one as
	// in the trace.
	Exact
)

var pacingNames = [...]string{
	ASAP:  "asap",
	Diff:  "diff",
	Exact: "exact",
}

func (p Pacing) String() string {
	if p >= 0 && int(p) < len(pacingNames) {
		return pacingNames[p]
	}
	return fmt.Sprintf("Pacing(%d)", int(p))
}

// ParsePacing parses the name of a pacing policy.
func ParsePacing(s string) (Pacing, error) {
	for p, name := range pacingNames {
		if strings.EqualFold(s, name) {
			return Pacing(p), nil
		}
	}
	return 0, fmt.Errorf("unknown pacing: %q", s)
}

// SendfileStrategy selects how sendfile operations are replicated.
type SendfileStrategy int

const (
	// SendfileAuto probes the local system for file to file sendfile
	// support when the engine starts.
	SendfileAuto SendfileStrategy = iota
	// SendfileFile uses sendfile(2) for all transfers.
	SendfileFile
	// SendfileEmulate uses read(2) and write(2) for transfers between files.
	SendfileEmulate
)

var sendfileNames = [...]string{
	SendfileAuto:    "auto",
	SendfileFile:    "file",
	SendfileEmulate: "emulate",
}

func (s SendfileStrategy) String() string {
	if s >= 0 && int(s) < len(sendfileNames) {
		return sendfileNames[s]
	}
	return fmt.Sprintf("SendfileStrategy(%d)", int(s))
}

// ParseSendfileStrategy parses the name of a sendfile strategy.
func ParseSendfileStrategy(s string) (SendfileStrategy, error) {
	for v, name := range sendfileNames {
		if strings.EqualFold(s, name) {
			return SendfileStrategy(v), nil
		}
	}
	return 0, fmt.Errorf("unknown sendfile strategy: %q", s)
}
