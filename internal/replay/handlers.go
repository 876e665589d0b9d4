package replay

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/stealthrocket/ioreplay/internal/fdmap"
	"github.com/stealthrocket/ioreplay/internal/simfs"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

func (e *Engine) dispatch(op trace.Op) error {
	switch op := op.(type) {
	case *trace.ReadOp:
		return e.read(op)
	case *trace.WriteOp:
		return e.write(op)
	case *trace.PReadOp:
		return e.pread(op)
	case *trace.PWriteOp:
		return e.pwrite(op)
	case *trace.OpenOp:
		return e.open(op)
	case *trace.CloseOp:
		return e.close(op)
	case *trace.CloneOp:
		return e.clone(op)
	case *trace.DupOp:
		return e.dup(op)
	case *trace.PipeOp:
		return e.pipe(op)
	case *trace.SocketOp:
		return e.socket(op)
	case *trace.LSeekOp:
		if e.opts.Seek == trace.LLSeek {
			return e.llseek(toLLSeek(op))
		}
		return e.lseek(op)
	case *trace.LLSeekOp:
		if e.opts.Seek == trace.LSeek {
			return e.lseek(toLSeek(op))
		}
		return e.llseek(op)
	case *trace.SendfileOp:
		return e.sendfileOp(op)
	case *trace.MkdirOp:
		return e.path(op, op.Name, func(name string) error {
			return e.sys.Mkdir(name, uint32(op.Mode))
		})
	case *trace.RmdirOp:
		return e.path(op, op.Name, e.sys.Rmdir)
	case *trace.UnlinkOp:
		return e.path(op, op.Name, e.sys.Unlink)
	case *trace.AccessOp:
		return e.path(op, op.Name, func(name string) error {
			return e.sys.Access(name, uint32(op.Mode))
		})
	case *trace.StatOp:
		return e.path(op, op.Name, e.sys.Stat)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOp, op)
	}
}

func skipped(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrSkipped}, args...)...)
}

func unsupported(m *fdmap.Mapping) error {
	return skipped("%s file %s", m.Type, m.Name)
}

// table returns the descriptor table of the process which made the call c,
// synthesizing its creation when it is unknown.
func (e *Engine) table(c *trace.Call) (*fdmap.Table, error) {
	if t, ok := e.registry.Table(c.PID); ok {
		return t, nil
	}
	if !e.opts.Strict {
		e.heal(&trace.CloneOp{
			Call:  trace.Call{PID: e.rootPID, Start: c.Start, Retval: int64(c.PID)},
			Flags: trace.CloneFiles,
		})
		if t, ok := e.registry.Table(c.PID); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("pid %d: %w", c.PID, fdmap.ErrNoTable)
}

// mapping returns the mapping of the descriptor fd in table t, synthesizing
// the open of a placeholder file when the descriptor is unknown.
func (e *Engine) mapping(t *fdmap.Table, c *trace.Call, fd int32) (*fdmap.Mapping, error) {
	if m, ok := t.Lookup(fd); ok {
		return m, nil
	}
	if !e.opts.Strict {
		e.heal(&trace.OpenOp{
			Call:  trace.Call{PID: c.PID, Start: c.Start, Retval: int64(fd)},
			Name:  fmt.Sprintf("UNKNOWN_FILE_%06d_%06d", c.PID, fd),
			Flags: unix.O_RDWR,
			Mode:  trace.ModeUndefined,
		})
		if m, ok := t.Lookup(fd); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("pid %d fd %d: %w", c.PID, fd, fdmap.ErrNoMapping)
}

func (e *Engine) resolve(c *trace.Call, fd int32) (*fdmap.Mapping, error) {
	t, err := e.table(c)
	if err != nil {
		return nil, err
	}
	return e.mapping(t, c, fd)
}

func (e *Engine) heal(op trace.Op) {
	e.result.Healed++
	c := op.CallInfo()
	e.logger.Debug("synthesized operation", "pid", c.PID, "time", c.Start, "op", op)

	healing := e.healing
	e.healing = true
	defer func() { e.healing = healing }()

	if err := e.dispatch(op); err != nil {
		e.logger.Warn("synthesized operation failed", "pid", c.PID, "time", c.Start, "op", op.Kind(), "err", err)
	}
}

func (e *Engine) bind(t *fdmap.Table, fd int32, m *fdmap.Mapping) error {
	if err := m.InsertParent(fd); err != nil {
		return err
	}
	if err := t.Bind(fd, m); err != nil {
		m.RemoveParent(fd)
		return err
	}
	e.registry.Usage.Increase(m.Local)
	return nil
}

// compare reports a divergence when the result of a replicated call differs
// from the recorded one.
func (e *Engine) compare(op trace.Op, n int64, err error) {
	c := op.CallInfo()
	if err != nil {
		n = -1
	}
	if n == c.Retval {
		return
	}
	e.diverge(op, "return value differs", "expected", c.Retval, "actual", n, "err", err)
}

func (e *Engine) diverge(op trace.Op, msg string, keyvals ...any) {
	e.result.Divergences++
	c := op.CallInfo()
	e.logger.Warn(msg, append([]any{"pid", c.PID, "time", c.Start, "op", op.Kind()}, keyvals...)...)
}

func (e *Engine) check(op trace.Op) {
	if e.healing {
		return
	}
	if v := e.acct.Check(op); v != simfs.OK {
		e.result.Divergences++
	}
}

func (e *Engine) buf(size int64) []byte {
	return e.buffer.Bytes(size)
}

func advance(m *fdmap.Mapping, retval int64) {
	if retval > 0 {
		m.Pos += retval
	}
}

func (e *Engine) read(op *trace.ReadOp) error {
	m, err := e.resolve(&op.Call, op.FD)
	if err != nil {
		return err
	}
	if !m.Type.Supported() {
		return unsupported(m)
	}
	if e.opts.Mode == Replicate {
		n, err := e.sys.Read(int(m.Local), e.buf(op.Size))
		e.compare(op, int64(n), err)
	} else {
		e.acct.Read(m, m.Pos, &op.Call)
	}
	advance(m, op.Retval)
	return nil
}

func (e *Engine) write(op *trace.WriteOp) error {
	m, err := e.resolve(&op.Call, op.FD)
	if err != nil {
		return err
	}
	if !m.Type.Supported() {
		return unsupported(m)
	}
	if e.opts.Mode == Replicate {
		n, err := e.sys.Write(int(m.Local), e.buf(op.Size))
		e.compare(op, int64(n), err)
	} else {
		e.acct.Write(m, m.Pos, &op.Call)
	}
	advance(m, op.Retval)
	return nil
}

func (e *Engine) pread(op *trace.PReadOp) error {
	m, err := e.resolve(&op.Call, op.FD)
	if err != nil {
		return err
	}
	if !m.Type.Supported() {
		return unsupported(m)
	}
	if e.opts.Mode == Replicate {
		n, err := e.sys.Pread(int(m.Local), e.buf(op.Size), op.Offset)
		e.compare(op, int64(n), err)
	} else {
		e.acct.Read(m, op.Offset, &op.Call)
	}
	return nil
}

func (e *Engine) pwrite(op *trace.PWriteOp) error {
	m, err := e.resolve(&op.Call, op.FD)
	if err != nil {
		return err
	}
	if !m.Type.Supported() {
		return unsupported(m)
	}
	if e.opts.Mode == Replicate {
		n, err := e.sys.Pwrite(int(m.Local), e.buf(op.Size), op.Offset)
		e.compare(op, int64(n), err)
	} else {
		e.acct.Write(m, op.Offset, &op.Call)
	}
	return nil
}

func (e *Engine) open(op *trace.OpenOp) error {
	name, keep := e.opts.Names.Resolve(op.Name)
	renamed := *op
	renamed.Name = name

	if op.Failed() {
		if !keep {
			return skipped("ignored file %s", op.Name)
		}
		if e.opts.Mode == Replicate {
			if fd, err := e.sys.Open(name, unix.O_RDONLY|unix.O_CLOEXEC, 0); err == nil {
				e.sys.Close(fd)
				e.diverge(op, "open succeeded but failed in the trace", "path", name)
			}
		} else {
			e.check(&renamed)
		}
		return nil
	}

	t, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	fd := int32(op.Retval)
	if _, bound := t.Lookup(fd); bound {
		if !keep {
			return skipped("ignored file %s", op.Name)
		}
		return fmt.Errorf("open %s as fd %d: %w", name, fd, fdmap.ErrBound)
	}

	m := &fdmap.Mapping{
		Type:     fdmap.Regular,
		Name:     name,
		OpenTime: op.Start,
		Created:  op.Flags&unix.O_CREAT != 0,
	}
	switch {
	case !keep:
		m.Type = fdmap.Ignored
		m.Name = op.Name
	case op.Flags&unix.O_DIRECTORY != 0:
		m.Type = fdmap.Directory
	}

	if e.opts.Mode == Replicate && keep {
		mode := uint32(0666)
		if op.Mode != trace.ModeUndefined {
			mode = uint32(op.Mode)
		}
		local, err := e.sys.Open(name, int(op.Flags)|unix.O_CLOEXEC, mode)
		if err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		m.Local = int32(local)
	} else {
		m.Local = e.nextFD
		e.nextFD++
		if keep {
			e.check(&renamed)
		}
	}
	return e.bind(t, fd, m)
}

func (e *Engine) close(op *trace.CloseOp) error {
	t, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	m, ok := t.Unbind(op.FD)
	if !ok {
		if op.Failed() {
			return skipped("close of fd %d which is not open", op.FD)
		}
		return fmt.Errorf("close of pid %d fd %d: %w", op.PID, op.FD, fdmap.ErrNoMapping)
	}
	m.RemoveParent(op.FD)
	if !e.registry.Usage.Decrease(m.Local) {
		return nil
	}
	if e.opts.Mode == Replicate && m.Type.Supported() {
		e.compare(op, 0, e.sys.Close(int(m.Local)))
	}
	return nil
}

func (e *Engine) clone(op *trace.CloneOp) error {
	if op.Failed() {
		return skipped("failed clone")
	}
	pid := int32(op.Retval)
	if _, ok := e.registry.Table(pid); ok {
		return fmt.Errorf("clone of pid %d: %w", pid, ErrAlreadyCloned)
	}
	parent, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	t := parent
	if op.Flags&trace.CloneFiles == 0 {
		t = e.registry.Duplicate(parent)
	}
	return e.registry.SetTable(pid, t)
}

func (e *Engine) dup(op *trace.DupOp) error {
	if op.Failed() {
		return skipped("failed %s", op.Kind())
	}
	t, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	newfd := int32(op.Retval)
	if newfd == op.OldFD {
		return nil
	}
	m, err := e.mapping(t, &op.Call, op.OldFD)
	if err != nil {
		return err
	}
	if _, bound := t.Lookup(newfd); bound {
		if err := e.close(&trace.CloseOp{Call: trace.Call{PID: op.PID, Start: op.Start}, FD: newfd}); err != nil {
			return err
		}
	}
	return e.bind(t, newfd, m)
}

func (e *Engine) pipe(op *trace.PipeOp) error {
	if op.Failed() {
		return skipped("failed pipe")
	}
	t, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	for _, fd := range []int32{op.FD1, op.FD2} {
		if _, bound := t.Lookup(fd); bound {
			return fmt.Errorf("pipe fd %d: %w", fd, fdmap.ErrBound)
		}
	}
	for _, fd := range []int32{op.FD1, op.FD2} {
		e.nextPipeFD--
		m := &fdmap.Mapping{Local: e.nextPipeFD, Type: fdmap.Fifo, Name: "pipe", OpenTime: op.Start}
		if err := e.bind(t, fd, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) socket(op *trace.SocketOp) error {
	if op.Failed() {
		return skipped("failed socket")
	}
	t, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	fd := int32(op.Retval)
	if _, bound := t.Lookup(fd); bound {
		return fmt.Errorf("socket fd %d: %w", fd, fdmap.ErrBound)
	}
	e.nextSocketFD--
	m := &fdmap.Mapping{Local: e.nextSocketFD, Type: fdmap.Socket, Name: "socket", OpenTime: op.Start}
	return e.bind(t, fd, m)
}

func toLLSeek(op *trace.LSeekOp) *trace.LLSeekOp {
	ll := &trace.LLSeekOp{Call: op.Call, FD: op.FD, Offset: op.Offset, Whence: op.Whence}
	if !op.Failed() {
		ll.Result, ll.Retval = op.Retval, 0
	}
	return ll
}

func toLSeek(op *trace.LLSeekOp) *trace.LSeekOp {
	l := &trace.LSeekOp{Call: op.Call, FD: op.FD, Offset: op.Offset, Whence: op.Whence}
	if !op.Failed() {
		l.Retval = op.Result
	}
	return l
}

func (e *Engine) lseek(op *trace.LSeekOp) error {
	return e.seek(op, op.FD, op.Offset, op.Whence, op.Retval)
}

func (e *Engine) llseek(op *trace.LLSeekOp) error {
	return e.seek(op, op.FD, op.Offset, op.Whence, op.Result)
}

// seek moves the position of fd to the recorded result, which is trusted over
// the result of the replicated call so that a divergence does not cascade to
// the following operations.
func (e *Engine) seek(op trace.Op, fd int32, offset int64, whence int32, result int64) error {
	c := op.CallInfo()
	m, err := e.resolve(c, fd)
	if err != nil {
		return err
	}
	if !m.Type.Supported() {
		return unsupported(m)
	}
	if e.opts.Mode == Replicate {
		pos, err := e.sys.Seek(int(m.Local), offset, int(whence))
		switch {
		case c.Failed() && err == nil:
			e.diverge(op, "seek succeeded but failed in the trace", "actual", pos)
		case !c.Failed() && err != nil:
			e.diverge(op, "seek failed", "expected", result, "err", err)
		case !c.Failed() && pos != result:
			e.diverge(op, "seek position differs", "expected", result, "actual", pos)
		}
	}
	if !c.Failed() {
		m.Pos = result
	}
	return nil
}

func (e *Engine) sendfileOp(op *trace.SendfileOp) error {
	t, err := e.table(&op.Call)
	if err != nil {
		return err
	}
	out, err := e.mapping(t, &op.Call, op.OutFD)
	if err != nil {
		return err
	}
	in, err := e.mapping(t, &op.Call, op.InFD)
	if err != nil {
		return err
	}
	inOK, outOK := in.Type.Supported(), out.Type.Supported()
	if !inOK && !outOK {
		return skipped("sendfile from %s file to %s file", in.Type, out.Type)
	}

	inOffset := op.Offset
	if inOffset == trace.OffsetNone {
		inOffset = in.Pos
	}
	if e.opts.Mode == Replicate {
		n, err := e.transfer(op, in, out, inOK, outOK)
		e.compare(op, n, err)
	} else {
		if inOK {
			e.acct.Read(in, inOffset, &op.Call)
		}
		if outOK {
			e.acct.Write(out, out.Pos, &op.Call)
		}
	}

	if op.Retval > 0 {
		if inOK && op.Offset == trace.OffsetNone {
			in.Pos += op.Retval
		}
		if outOK {
			out.Pos += op.Retval
		}
	}
	return nil
}

// transfer replicates a sendfile operation. When only one side of the
// transfer is a supported file, the other side is replaced by /dev/zero or
// /dev/null.
func (e *Engine) transfer(op *trace.SendfileOp, in, out *fdmap.Mapping, inOK, outOK bool) (int64, error) {
	var offset *int64
	if op.Offset != trace.OffsetNone {
		off := op.Offset
		offset = &off
	}
	size := int(op.Size)

	switch {
	case inOK && outOK:
		if e.sendfile == SendfileFile {
			n, err := e.sys.Sendfile(int(out.Local), int(in.Local), offset, size)
			return int64(n), err
		}
		n, err := e.readFrom(int(in.Local), offset, size)
		if err != nil || n == 0 {
			return int64(n), err
		}
		w, err := e.sys.Write(int(out.Local), e.buffer.Bytes(int64(n)))
		return int64(w), err

	case outOK:
		// /dev/zero is not seekable, the offset only applies to the input.
		if e.sendfile == SendfileFile {
			n, err := e.sys.Sendfile(int(out.Local), e.devZero, nil, size)
			return int64(n), err
		}
		n, err := e.sys.Write(int(out.Local), e.buf(op.Size))
		return int64(n), err

	default:
		if e.sendfile == SendfileFile {
			n, err := e.sys.Sendfile(e.devNull, int(in.Local), offset, size)
			return int64(n), err
		}
		n, err := e.readFrom(int(in.Local), offset, size)
		return int64(n), err
	}
}

func (e *Engine) readFrom(fd int, offset *int64, size int) (int, error) {
	b := e.buf(int64(size))
	if offset != nil {
		return e.sys.Pread(fd, b, *offset)
	}
	return e.sys.Read(fd, b)
}

// path applies the operations taking a path name. The call is replicated
// with fn or checked against the simulated file system.
func (e *Engine) path(op trace.Op, name string, fn func(string) error) error {
	resolved, keep := e.opts.Names.Resolve(name)
	if !keep {
		return skipped("ignored file %s", name)
	}
	if e.opts.Mode == Replicate {
		e.compare(op, 0, fn(resolved))
		return nil
	}
	if resolved != name {
		op = rename(op, resolved)
	}
	e.check(op)
	return nil
}

func rename(op trace.Op, name string) trace.Op {
	switch op := op.(type) {
	case *trace.MkdirOp:
		c := *op
		c.Name = name
		return &c
	case *trace.RmdirOp:
		c := *op
		c.Name = name
		return &c
	case *trace.UnlinkOp:
		c := *op
		c.Name = name
		return &c
	case *trace.AccessOp:
		c := *op
		c.Name = name
		return &c
	case *trace.StatOp:
		c := *op
		c.Name = name
		return &c
	}
	return op
}
