// Package replay applies the operations of a trace to the local system.
//
// The Engine resolves the file descriptors of the trace through an
// fdmap.Registry, then performs the operations (Replicate mode) or accounts
// for them (Simulate, Check and Prepare modes). Traces which start in the
// middle of a session are repaired by synthesizing the open and clone
// operations which were not recorded; this can be disabled with the Strict
// option.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/stealthrocket/ioreplay/internal/buffer"
	"github.com/stealthrocket/ioreplay/internal/fdmap"
	"github.com/stealthrocket/ioreplay/internal/namemap"
	"github.com/stealthrocket/ioreplay/internal/simfs"
	"github.com/stealthrocket/ioreplay/internal/simulate"
	"github.com/stealthrocket/ioreplay/internal/stream"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

var (
	// ErrSkipped wraps the reason why an operation was not applied.
	ErrSkipped = errors.New("operation skipped")
	// ErrAlreadyCloned is returned when a clone creates a process which
	// already has a file descriptor table.
	ErrAlreadyCloned = errors.New("process already exists")
	// ErrUnknownOp is returned by Apply for operations of unknown types.
	ErrUnknownOp = errors.New("unknown operation")
)

const (
	// NoAffinity disables pinning the replay to a CPU.
	NoAffinity = -1

	// Pacing does not wait when the next operation is due in less than
	// this duration.
	spinThreshold = 60 * time.Microsecond

	firstSimulatedFD = 1000
	firstSocketFD    = 100000001
	firstPipeFD      = math.MaxInt32

	defaultCalibration = time.Second
)

// Options configures an Engine.
type Options struct {
	Mode   Mode
	Pacing Pacing
	// Scale multiplies the idle time between operations with Diff pacing.
	// Zero means 1.
	Scale float64
	// CPU is the processor that the replay is pinned to, or NoAffinity.
	CPU int
	// Strict disables the repair of traces with missing open and clone
	// operations; operations on unknown descriptors are skipped instead.
	Strict bool
	// Seek is the canonical seek operation, trace.LSeek (the default) or
	// trace.LLSeek.
	Seek        trace.Kind
	Sendfile    SendfileStrategy
	Calibration time.Duration
	// Names renames and filters the paths of the trace, it may be nil.
	Names *namemap.Map
	// Progress is the minimum interval between two progress reports, zero
	// disables them.
	Progress time.Duration
	// Trace logs every operation at the debug level.
	Trace bool
	// Dump receives a dump of the file descriptor tables when the engine
	// is closed.
	Dump io.Writer

	System     System
	Clock      Clock
	Logger     *log.Logger
	Accounting *simulate.Accounting
}

// Result summarizes a replay.
type Result struct {
	Session     string        `json:"session"     yaml:"session"     text:"SESSION"`
	Applied     int           `json:"applied"     yaml:"applied"     text:"APPLIED"`
	Skipped     int           `json:"skipped"     yaml:"skipped"     text:"SKIPPED"`
	Failed      int           `json:"failed"      yaml:"failed"      text:"FAILED"`
	Divergences int           `json:"divergences" yaml:"divergences" text:"DIVERGENCES"`
	Healed      int           `json:"healed"      yaml:"healed"      text:"HEALED"`
	Elapsed     time.Duration `json:"elapsed"     yaml:"elapsed"     text:"ELAPSED"`
}

// Total is the number of operations of the trace that were processed.
func (r Result) Total() int { return r.Applied + r.Skipped + r.Failed }

// Engine replays a trace. An engine is a replay session: it is not safe for
// concurrent use and holds the file descriptor tables of the trace until it
// is closed.
type Engine struct {
	opts     Options
	session  string
	logger   *log.Logger
	sys      System
	clock    Clock
	acct     *simulate.Accounting
	registry *fdmap.Registry
	progress *rate.Limiter

	started  bool
	locked   bool
	healing  bool
	rootPID  int32
	devNull  int
	devZero  int
	sendfile SendfileStrategy
	scale    float64

	nextFD       int32
	nextPipeFD   int32
	nextSocketFD int32
	buffer       buffer.Buffer

	firstOrig  time.Duration
	firstClock time.Duration
	lastOrig   time.Duration
	lastClock  time.Duration

	result Result
}

// New creates an engine configured with opts.
func New(opts Options) *Engine {
	e := &Engine{
		opts:         opts,
		session:      uuid.NewString(),
		sys:          opts.System,
		clock:        opts.Clock,
		acct:         opts.Accounting,
		registry:     fdmap.NewRegistry(),
		sendfile:     opts.Sendfile,
		scale:        opts.Scale,
		devNull:      -1,
		devZero:      -1,
		nextFD:       firstSimulatedFD,
		nextPipeFD:   firstPipeFD,
		nextSocketFD: firstSocketFD,
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	e.logger = logger.With("session", e.session)
	if e.sys == nil {
		e.sys = UnixSystem{}
	}
	if e.clock == nil {
		e.clock = MonotonicClock()
	}
	if e.acct == nil {
		acctOpts := []simulate.Option{
			simulate.WithLogger(e.logger),
			simulate.WithExtents(opts.Mode.Simulated()),
		}
		if opts.Mode == Check || opts.Mode == Prepare {
			acctOpts = append(acctOpts, simulate.WithFS(simfs.New(simfs.WithLogger(e.logger))))
		}
		e.acct = simulate.New(acctOpts...)
	}
	if e.scale <= 0 {
		e.scale = 1
	}
	if e.opts.Seek == 0 {
		e.opts.Seek = trace.LSeek
	}
	if e.opts.Calibration <= 0 {
		e.opts.Calibration = defaultCalibration
	}
	if opts.Progress > 0 {
		e.progress = rate.NewLimiter(rate.Every(opts.Progress), 1)
	}
	e.result.Session = e.session
	return e
}

// Session returns the unique identifier of the replay session.
func (e *Engine) Session() string { return e.session }

// Accounting returns the simulation state of the engine.
func (e *Engine) Accounting() *simulate.Accounting { return e.acct }

// Registry returns the file descriptor tables of the traced processes.
func (e *Engine) Registry() *fdmap.Registry { return e.registry }

// Result returns the summary of the operations applied so far.
func (e *Engine) Result() Result {
	r := e.result
	r.Elapsed = e.lastClock - e.firstClock
	return r
}

// Run applies all the operations read from ops, in order.
func (e *Engine) Run(ctx context.Context, ops stream.Reader[trace.Op]) (Result, error) {
	it := stream.Iter(ops)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return e.Result(), err
		}
		if err := e.Apply(ctx, it.Value()); err != nil {
			return e.Result(), err
		}
	}
	return e.Result(), it.Err()
}

// Apply applies a single operation. The first operation applied starts the
// session. Operations which cannot be applied are counted and logged, the
// returned error is only set when the replay cannot continue.
func (e *Engine) Apply(ctx context.Context, op trace.Op) error {
	c := op.CallInfo()
	if !e.started {
		if err := e.start(ctx, c); err != nil {
			return err
		}
	}
	if e.opts.Trace {
		e.logger.Debug("apply", "pid", c.PID, "time", c.Start, "op", op)
	}

	e.pace(c)
	err := e.dispatch(op)
	e.lastOrig = micros(c.End())
	e.lastClock = e.clock.Now()

	switch {
	case err == nil:
		e.result.Applied++
	case errors.Is(err, ErrUnknownOp):
		return err
	case errors.Is(err, ErrSkipped):
		e.result.Skipped++
		if e.opts.Trace {
			e.logger.Debug("skipped", "pid", c.PID, "time", c.Start, "op", op.Kind(), "reason", err)
		}
	case errors.Is(err, fdmap.ErrNoTable), errors.Is(err, fdmap.ErrNoMapping):
		e.result.Skipped++
		e.logger.Warn("skipped", "pid", c.PID, "time", c.Start, "op", op.Kind(), "err", err)
	default:
		e.result.Failed++
		e.logger.Warn("failed", "pid", c.PID, "time", c.Start, "op", op.Kind(), "err", err)
	}

	if e.progress != nil && e.progress.Allow() {
		e.logger.Info("replaying", "ops", e.result.Total(), "time", c.Start)
	}
	return nil
}

func (e *Engine) start(ctx context.Context, c *trace.Call) error {
	e.logger.Info("session start", "mode", e.opts.Mode, "pacing", e.opts.Pacing, "pid", c.PID, "time", c.Start)
	e.rootPID = c.PID

	if e.opts.CPU != NoAffinity {
		if n := cpuid.CPU.LogicalCores; n > 0 && e.opts.CPU >= n {
			e.logger.Warn("cpu out of range", "cpu", e.opts.CPU, "logicalCores", n)
		}
		runtime.LockOSThread()
		e.locked = true
		if err := e.sys.SetAffinity(e.opts.CPU); err != nil {
			e.logger.Warn("cannot set cpu affinity", "cpu", e.opts.CPU, "err", err)
		}
	}

	root := fdmap.NewTable()
	for fd, name := range [...]string{"stdin", "stdout", "stderr"} {
		m := &fdmap.Mapping{
			Local:    int32(fd),
			Type:     fdmap.Special,
			Name:     name,
			OpenTime: c.Start,
		}
		if err := e.bind(root, int32(fd), m); err != nil {
			return err
		}
	}
	if err := e.registry.SetTable(e.rootPID, root); err != nil {
		return err
	}

	if e.opts.Mode == Replicate {
		var err error
		if e.devNull, err = e.sys.Open(os.DevNull, unix.O_WRONLY|unix.O_CLOEXEC, 0); err != nil {
			return fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		if e.devZero, err = e.sys.Open("/dev/zero", unix.O_RDONLY|unix.O_CLOEXEC, 0); err != nil {
			return fmt.Errorf("open /dev/zero: %w", err)
		}
		if e.sendfile == SendfileAuto {
			e.sendfile = e.probeSendfile()
		}
		if e.opts.Pacing != ASAP {
			if err := e.calibrate(ctx); err != nil {
				return err
			}
		}
	}

	e.firstOrig = micros(c.Start)
	e.lastOrig = e.firstOrig
	e.firstClock = e.clock.Now()
	e.lastClock = e.firstClock
	e.started = true
	return nil
}

func (e *Engine) calibrate(ctx context.Context) error {
	e.logger.Debug("cpu",
		"brand", cpuid.CPU.BrandName,
		"logicalCores", cpuid.CPU.LogicalCores,
		"rdtscp", cpuid.CPU.Supports(cpuid.RDTSCP),
		"vm", cpuid.CPU.VM())

	t0 := e.clock.Now()
	if err := e.clock.Calibrate(ctx, e.opts.Calibration); err != nil {
		return fmt.Errorf("calibrating clock: %w", err)
	}
	e.logger.Debug("clock calibrated", "requested", e.opts.Calibration, "measured", e.clock.Now()-t0)
	return nil
}

// probeSendfile tests whether sendfile(2) can copy between two regular files.
func (e *Engine) probeSendfile() SendfileStrategy {
	dir := os.TempDir()
	in := filepath.Join(dir, "ioreplay-sendfile-in-"+e.session)
	out := filepath.Join(dir, "ioreplay-sendfile-out-"+e.session)
	defer e.sys.Unlink(in)
	defer e.sys.Unlink(out)

	infd, err := e.sys.Open(in, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0600)
	if err != nil {
		e.logger.Debug("sendfile probe failed", "err", err)
		return SendfileEmulate
	}
	defer e.sys.Close(infd)
	outfd, err := e.sys.Open(out, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0600)
	if err != nil {
		e.logger.Debug("sendfile probe failed", "err", err)
		return SendfileEmulate
	}
	defer e.sys.Close(outfd)

	if _, err := e.sys.Write(infd, []byte{0}); err != nil {
		e.logger.Debug("sendfile probe failed", "err", err)
		return SendfileEmulate
	}
	var off int64
	n, err := e.sys.Sendfile(outfd, infd, &off, 1)
	if err != nil || n != 1 {
		e.logger.Debug("sendfile between files is not supported", "err", err)
		return SendfileEmulate
	}
	e.logger.Debug("sendfile between files is supported")
	return SendfileFile
}

func (e *Engine) pace(c *trace.Call) {
	if e.opts.Mode != Replicate || !e.started {
		return
	}
	var target, base time.Duration
	switch e.opts.Pacing {
	case Diff:
		target = time.Duration(float64(micros(c.Start)-e.lastOrig) * e.scale)
		base = e.lastClock
	case Exact:
		target = micros(c.Start) - e.firstOrig
		base = e.firstClock
	default:
		return
	}
	for target-(e.clock.Now()-base) > spinThreshold {
	}
}

func micros(t trace.Timestamp) time.Duration {
	return time.Duration(t.Micros()) * time.Microsecond
}

// Close releases the descriptors still open by the replay and ends the
// session.
func (e *Engine) Close() error {
	if e.opts.Dump != nil {
		e.registry.Dump(e.opts.Dump)
	}

	var errs []error
	if e.started && e.opts.Mode == Replicate {
		closed := make(map[int32]bool)
		for _, m := range e.registry.Mappings() {
			if !m.Type.Supported() || closed[m.Local] || e.registry.Usage.Count(m.Local) == 0 {
				continue
			}
			closed[m.Local] = true
			if err := e.sys.Close(int(m.Local)); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", m.Name, err))
			}
		}
		for _, fd := range []int{e.devNull, e.devZero} {
			if fd >= 0 {
				if err := e.sys.Close(fd); err != nil {
					errs = append(errs, err)
				}
			}
		}
		e.devNull, e.devZero = -1, -1
	}
	e.registry.Reset()

	if e.locked {
		runtime.UnlockOSThread()
		e.locked = false
	}
	if e.started {
		r := e.Result()
		e.logger.Info("session end",
			"applied", r.Applied,
			"skipped", r.Skipped,
			"failed", r.Failed,
			"divergences", r.Divergences,
			"healed", r.Healed,
			"elapsed", r.Elapsed)
		e.started = false
	}
	return errors.Join(errs...)
}
