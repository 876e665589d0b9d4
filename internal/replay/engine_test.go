package replay_test

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/stealthrocket/ioreplay/internal/assert"
	"github.com/stealthrocket/ioreplay/internal/fdmap"
	"github.com/stealthrocket/ioreplay/internal/namemap"
	"github.com/stealthrocket/ioreplay/internal/replay"
	"github.com/stealthrocket/ioreplay/internal/stream"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

var discard = log.New(io.Discard)

func call(pid int32, retval int64) trace.Call {
	return trace.Call{PID: pid, Retval: retval}
}

func callAt(pid int32, usec int64, retval int64) trace.Call {
	return trace.Call{PID: pid, Start: trace.Timestamp{}.Add(usec), Retval: retval}
}

func newEngine(mode replay.Mode, sys replay.System, configure ...func(*replay.Options)) *replay.Engine {
	opts := replay.Options{
		Mode:     mode,
		CPU:      replay.NoAffinity,
		Sendfile: replay.SendfileEmulate,
		System:   sys,
		Clock:    &replay.FakeClock{Step: time.Microsecond},
		Logger:   discard,
	}
	for _, f := range configure {
		f(&opts)
	}
	return replay.New(opts)
}

func run(t *testing.T, e *replay.Engine, ops ...trace.Op) replay.Result {
	t.Helper()
	r, err := e.Run(context.Background(), stream.NewReader(ops...))
	assert.OK(t, err)
	return r
}

func lookup(t *testing.T, e *replay.Engine, pid, fd int32) *fdmap.Mapping {
	t.Helper()
	table, ok := e.Registry().Table(pid)
	assert.True(t, ok)
	m, ok := table.Lookup(fd)
	assert.True(t, ok)
	return m
}

func TestReplicate(t *testing.T) {
	sys := newFakeSystem(map[string]int{"/data/in": 100})
	e := newEngine(replay.Replicate, sys)

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/data/in", Flags: unix.O_RDONLY, Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(1, 50), FD: 3, Size: 50},
		&trace.LSeekOp{Call: call(1, 0), FD: 3, Whence: unix.SEEK_SET, Offset: 0},
		&trace.ReadOp{Call: call(1, 100), FD: 3, Size: 200},
		&trace.OpenOp{Call: call(1, 4), Name: "/data/out", Flags: unix.O_CREAT | unix.O_WRONLY, Mode: 0644},
		&trace.WriteOp{Call: call(1, 10), FD: 4, Size: 10},
		&trace.CloseOp{Call: call(1, 0), FD: 3},
		&trace.CloseOp{Call: call(1, 0), FD: 4},
	)
	assert.Equal(t, r.Applied, 8)
	assert.Equal(t, r.Skipped, 0)
	assert.Equal(t, r.Failed, 0)
	assert.Equal(t, r.Divergences, 0)
	assert.Equal(t, r.Healed, 0)
	assert.Equal(t, sys.size("/data/out"), 10)
	assert.EqualAll(t, sys.closed, []string{"/data/in", "/data/out"})

	assert.OK(t, e.Close())
	assert.Equal(t, len(sys.openFiles()), 0)
}

func TestReplicateOrder(t *testing.T) {
	sys := newFakeSystem(nil)
	e := newEngine(replay.Replicate, sys)
	defer e.Close()

	ctx := context.Background()
	apply := func(ops ...trace.Op) {
		t.Helper()
		for _, op := range ops {
			assert.OK(t, e.Apply(ctx, op))
		}
	}

	apply(
		&trace.OpenOp{Call: callAt(1, 10, 3), Name: "/data/log", Flags: unix.O_CREAT | unix.O_WRONLY, Mode: 0644},
		&trace.WriteOp{Call: callAt(1, 20, 10), FD: 3, Size: 10},
	)
	first := lookup(t, e, 1, 3)
	assert.Equal(t, first.Pos, 10)

	apply(
		&trace.CloseOp{Call: callAt(1, 30, 0), FD: 3},
		&trace.OpenOp{Call: callAt(1, 40, 3), Name: "/data/log", Flags: unix.O_WRONLY, Mode: trace.ModeUndefined},
	)
	second := lookup(t, e, 1, 3)
	assert.True(t, first != second)
	assert.NotEqual(t, second.Local, first.Local)
	assert.Equal(t, second.Pos, 0)

	apply(&trace.WriteOp{Call: callAt(1, 50, 5), FD: 3, Size: 5})
	assert.Equal(t, e.Result().Applied, 5)
	assert.Equal(t, e.Result().Divergences, 0)

	var calls []string
	for _, c := range sys.calls {
		if !strings.Contains(c, "/dev/") {
			calls = append(calls, c)
		}
	}
	assert.EqualAll(t, calls, []string{
		"open /data/log",
		"write /data/log",
		"close /data/log",
		"open /data/log",
		"write /data/log",
	})
}

func TestReplicateDivergence(t *testing.T) {
	sys := newFakeSystem(map[string]int{"/data/in": 10})
	e := newEngine(replay.Replicate, sys)
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/data/in", Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(1, 100), FD: 3, Size: 100},
		&trace.LSeekOp{Call: call(1, 100), FD: 3, Whence: unix.SEEK_CUR, Offset: 0},
	)
	assert.Equal(t, r.Applied, 3)
	assert.Equal(t, r.Divergences, 2)
	assert.Equal(t, lookup(t, e, 1, 3).Pos, 100)
}

func TestSelfHealMissingOpen(t *testing.T) {
	read := &trace.ReadOp{Call: call(1, 10), FD: 7, Size: 10}

	t.Run("enabled", func(t *testing.T) {
		e := newEngine(replay.Simulate, newFakeSystem(nil))
		defer e.Close()

		r := run(t, e, read)
		assert.Equal(t, r.Applied, 1)
		assert.Equal(t, r.Healed, 1)

		m := lookup(t, e, 1, 7)
		assert.Equal(t, m.Name, "UNKNOWN_FILE_000001_000007")
		assert.Equal(t, m.Local, 1000)
		assert.Equal(t, m.Pos, 10)

		reads := e.Accounting().Reads()
		assert.Equal(t, len(reads), 1)
		assert.Equal(t, reads[0].Name, "UNKNOWN_FILE_000001_000007")
	})

	t.Run("strict", func(t *testing.T) {
		e := newEngine(replay.Simulate, newFakeSystem(nil), func(o *replay.Options) { o.Strict = true })
		defer e.Close()

		r := run(t, e, read)
		assert.Equal(t, r.Applied, 0)
		assert.Equal(t, r.Skipped, 1)
		assert.Equal(t, r.Healed, 0)
		assert.Equal(t, len(e.Accounting().Reads()), 0)
	})
}

func TestSelfHealMissingProcess(t *testing.T) {
	ops := []trace.Op{
		&trace.OpenOp{Call: call(1, 3), Name: "/a", Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(2, 5), FD: 3, Size: 5},
	}

	t.Run("enabled", func(t *testing.T) {
		e := newEngine(replay.Simulate, newFakeSystem(nil))
		defer e.Close()

		r := run(t, e, ops...)
		assert.Equal(t, r.Applied, 2)
		assert.Equal(t, r.Healed, 1)

		parent, _ := e.Registry().Table(1)
		child, ok := e.Registry().Table(2)
		assert.True(t, ok)
		assert.True(t, parent == child)
		assert.Equal(t, lookup(t, e, 1, 3).Pos, 5)
	})

	t.Run("strict", func(t *testing.T) {
		e := newEngine(replay.Simulate, newFakeSystem(nil), func(o *replay.Options) { o.Strict = true })
		defer e.Close()

		r := run(t, e, ops...)
		assert.Equal(t, r.Applied, 1)
		assert.Equal(t, r.Skipped, 1)
		_, ok := e.Registry().Table(2)
		assert.True(t, !ok)
	})
}

func TestCloneSharedTable(t *testing.T) {
	sys := newFakeSystem(map[string]int{"/a": 10})
	e := newEngine(replay.Replicate, sys)
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/a", Mode: trace.ModeUndefined},
		&trace.CloneOp{Call: call(1, 2), Flags: trace.CloneFiles},
		&trace.CloseOp{Call: call(2, 0), FD: 3},
	)
	assert.Equal(t, r.Applied, 3)
	assert.EqualAll(t, sys.closed, []string{"/a"})

	parent, _ := e.Registry().Table(1)
	_, ok := parent.Lookup(3)
	assert.True(t, !ok)
}

func TestCloneCopiedTable(t *testing.T) {
	sys := newFakeSystem(map[string]int{"/a": 10})
	e := newEngine(replay.Replicate, sys)
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/a", Mode: trace.ModeUndefined},
		&trace.CloneOp{Call: call(1, 2)},
		&trace.CloseOp{Call: call(2, 0), FD: 3},
	)
	assert.Equal(t, r.Applied, 3)
	assert.Equal(t, len(sys.closed), 0)

	r = run(t, e,
		&trace.ReadOp{Call: call(1, 1), FD: 3, Size: 1},
		&trace.CloseOp{Call: call(1, 0), FD: 3},
	)
	assert.Equal(t, r.Applied, 5)
	assert.Equal(t, r.Healed, 0)
	assert.Equal(t, r.Divergences, 0)
	assert.EqualAll(t, sys.closed, []string{"/a"})
}

func TestCloneExistingProcess(t *testing.T) {
	e := newEngine(replay.Simulate, newFakeSystem(nil))
	defer e.Close()

	r := run(t, e,
		&trace.CloneOp{Call: call(1, 2)},
		&trace.CloneOp{Call: call(1, 2)},
	)
	assert.Equal(t, r.Applied, 1)
	assert.Equal(t, r.Failed, 1)
}

func TestDup2OntoOpenDescriptor(t *testing.T) {
	sys := newFakeSystem(map[string]int{"/a": 10, "/b": 20})
	e := newEngine(replay.Replicate, sys)
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/a", Mode: trace.ModeUndefined},
		&trace.OpenOp{Call: call(1, 4), Name: "/b", Mode: trace.ModeUndefined},
		&trace.DupOp{Call: call(1, 4), Variant: trace.Dup2, NewFD: 4, OldFD: 3},
		&trace.ReadOp{Call: call(1, 10), FD: 4, Size: 100},
	)
	assert.Equal(t, r.Applied, 4)
	assert.Equal(t, r.Divergences, 0)
	assert.EqualAll(t, sys.closed, []string{"/b"})
	assert.True(t, lookup(t, e, 1, 3) == lookup(t, e, 1, 4))

	r = run(t, e,
		&trace.CloseOp{Call: call(1, 0), FD: 3},
		&trace.CloseOp{Call: call(1, 0), FD: 4},
	)
	assert.Equal(t, r.Applied, 6)
	assert.EqualAll(t, sys.closed, []string{"/b", "/a"})
}

func TestPipeAndSocket(t *testing.T) {
	e := newEngine(replay.Simulate, newFakeSystem(nil))
	defer e.Close()

	r := run(t, e,
		&trace.PipeOp{Call: call(1, 0), FD1: 3, FD2: 4},
		&trace.SocketOp{Call: call(1, 5)},
		&trace.ReadOp{Call: call(1, 10), FD: 3, Size: 10},
		&trace.WriteOp{Call: call(1, 10), FD: 5, Size: 10},
	)
	assert.Equal(t, r.Applied, 2)
	assert.Equal(t, r.Skipped, 2)

	rd, wr, sock := lookup(t, e, 1, 3), lookup(t, e, 1, 4), lookup(t, e, 1, 5)
	assert.Equal(t, rd.Type, fdmap.Fifo)
	assert.Equal(t, rd.Local, math.MaxInt32-1)
	assert.Equal(t, wr.Local, math.MaxInt32-2)
	assert.Equal(t, sock.Type, fdmap.Socket)
	assert.Equal(t, sock.Local, 100000000)

	r = run(t, e,
		&trace.CloseOp{Call: call(1, 0), FD: 3},
		&trace.CloseOp{Call: call(1, 0), FD: 4},
		&trace.CloseOp{Call: call(1, 0), FD: 5},
	)
	assert.Equal(t, r.Applied, 5)
	assert.Equal(t, e.Registry().Usage.Len(), 3)
}

func TestNames(t *testing.T) {
	names := new(namemap.Map)
	assert.OK(t, names.Ignore("/proc/*"))
	names.Rename("/old", "/new")

	sys := newFakeSystem(map[string]int{"/new": 4})
	e := newEngine(replay.Replicate, sys, func(o *replay.Options) { o.Names = names })
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/proc/self/stat", Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(1, 100), FD: 3, Size: 4096},
		&trace.CloseOp{Call: call(1, 0), FD: 3},
		&trace.StatOp{Call: call(1, 0), Name: "/proc/self"},
		&trace.OpenOp{Call: call(1, 4), Name: "/old", Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(1, 4), FD: 4, Size: 4},
		&trace.CloseOp{Call: call(1, 0), FD: 4},
	)
	assert.Equal(t, r.Applied, 5)
	assert.Equal(t, r.Skipped, 2)
	assert.Equal(t, r.Divergences, 0)
	assert.EqualAll(t, sys.opened, []string{os.DevNull, "/dev/zero", "/new"})
	assert.EqualAll(t, sys.closed, []string{"/new"})
}

func TestFailedOpen(t *testing.T) {
	sys := newFakeSystem(map[string]int{"/exists": 1})
	e := newEngine(replay.Replicate, sys)
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, -1), Name: "/exists", Mode: trace.ModeUndefined},
		&trace.OpenOp{Call: call(1, -1), Name: "/missing", Mode: trace.ModeUndefined},
	)
	assert.Equal(t, r.Applied, 2)
	assert.Equal(t, r.Divergences, 1)
	assert.EqualAll(t, sys.closed, []string{"/exists"})

	table, _ := e.Registry().Table(1)
	assert.Equal(t, table.Len(), 3)
}

func TestLLSeek(t *testing.T) {
	for _, canonical := range []trace.Kind{trace.LSeek, trace.LLSeek} {
		t.Run(canonical.String(), func(t *testing.T) {
			sys := newFakeSystem(map[string]int{"/a": 100})
			e := newEngine(replay.Replicate, sys, func(o *replay.Options) { o.Seek = canonical })
			defer e.Close()

			r := run(t, e,
				&trace.OpenOp{Call: call(1, 3), Name: "/a", Mode: trace.ModeUndefined},
				&trace.LLSeekOp{Call: call(1, 0), FD: 3, Offset: 10, Result: 10, Whence: unix.SEEK_SET},
				&trace.LSeekOp{Call: call(1, 60), FD: 3, Offset: 50, Whence: unix.SEEK_CUR},
				&trace.LLSeekOp{Call: call(1, -1), FD: 3, Offset: -1000, Whence: unix.SEEK_SET},
			)
			assert.Equal(t, r.Applied, 4)
			assert.Equal(t, r.Divergences, 0)
			assert.Equal(t, lookup(t, e, 1, 3).Pos, 60)
		})
	}
}

func TestSendfile(t *testing.T) {
	for _, strategy := range []replay.SendfileStrategy{replay.SendfileFile, replay.SendfileEmulate} {
		t.Run(strategy.String(), func(t *testing.T) {
			sys := newFakeSystem(map[string]int{"/in": 100})
			e := newEngine(replay.Replicate, sys, func(o *replay.Options) { o.Sendfile = strategy })
			defer e.Close()

			r := run(t, e,
				&trace.OpenOp{Call: call(1, 3), Name: "/in", Mode: trace.ModeUndefined},
				&trace.OpenOp{Call: call(1, 4), Name: "/out", Flags: unix.O_CREAT | unix.O_WRONLY, Mode: 0644},
				&trace.SendfileOp{Call: call(1, 60), OutFD: 4, InFD: 3, Offset: trace.OffsetNone, Size: 60},
				&trace.SendfileOp{Call: call(1, 10), OutFD: 4, InFD: 3, Offset: 90, Size: 50},
				&trace.SocketOp{Call: call(1, 5)},
				&trace.SendfileOp{Call: call(1, 30), OutFD: 5, InFD: 3, Offset: trace.OffsetNone, Size: 30},
				&trace.SendfileOp{Call: call(1, 0), OutFD: 5, InFD: 5, Offset: trace.OffsetNone, Size: 30},
			)
			assert.Equal(t, r.Applied, 6)
			assert.Equal(t, r.Skipped, 1)
			assert.Equal(t, r.Divergences, 0)
			assert.Equal(t, sys.size("/out"), 70)
			assert.Equal(t, lookup(t, e, 1, 3).Pos, 90)
			assert.Equal(t, lookup(t, e, 1, 4).Pos, 70)
		})
	}
}

func TestSimulate(t *testing.T) {
	e := newEngine(replay.Simulate, newFakeSystem(nil))
	defer e.Close()

	run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: "/in", Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(1, 100), FD: 3, Size: 100},
		&trace.PReadOp{Call: call(1, 50), FD: 3, Size: 50, Offset: 1000},
		&trace.OpenOp{Call: call(1, 4), Name: "/out", Flags: unix.O_CREAT | unix.O_WRONLY, Mode: 0644},
		&trace.PWriteOp{Call: call(1, 10), FD: 4, Size: 10, Offset: 20},
		&trace.WriteOp{Call: call(1, -1), FD: 4, Size: 10},
	)

	reads := e.Accounting().Reads()
	assert.Equal(t, len(reads), 1)
	assert.Equal(t, reads[0].Size(), 1050)

	writes := e.Accounting().Writes()
	assert.Equal(t, len(writes), 1)
	assert.Equal(t, writes[0].Size(), 30)
	assert.True(t, writes[0].Created)
	assert.Equal(t, lookup(t, e, 1, 4).Pos, 0)
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	assert.OK(t, os.WriteFile(present, make([]byte, 10), 0644))

	e := newEngine(replay.Check, replay.UnixSystem{})
	defer e.Close()

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: present, Mode: trace.ModeUndefined},
		&trace.ReadOp{Call: call(1, 100), FD: 3, Size: 100},
		&trace.OpenOp{Call: call(1, 4), Name: filepath.Join(dir, "missing"), Mode: trace.ModeUndefined},
		&trace.MkdirOp{Call: call(1, 0), Name: filepath.Join(dir, "sub"), Mode: 0755},
	)
	assert.Equal(t, r.Applied, 4)
	assert.Equal(t, r.Divergences, 1)

	fsys := e.Accounting().FS()
	assert.Equal(t, len(fsys.Issues()), 1)
	assert.Equal(t, fsys.Find(present).VirtSize, 100)

	problems := e.Accounting().CheckReads()
	assert.Equal(t, len(problems), 1)
	assert.Equal(t, problems[0].Path, present)

	_, err := os.Stat(filepath.Join(dir, "sub"))
	assert.Error(t, err, os.ErrNotExist)
}

func TestPacing(t *testing.T) {
	tests := []struct {
		scenario string
		mode     replay.Mode
		pacing   replay.Pacing
		scale    float64
		min, max time.Duration
	}{
		{"asap", replay.Replicate, replay.ASAP, 1, 0, 100 * time.Microsecond},
		{"diff", replay.Replicate, replay.Diff, 1, 2800 * time.Microsecond, 3100 * time.Microsecond},
		{"diff scaled", replay.Replicate, replay.Diff, 2, 5800 * time.Microsecond, 6100 * time.Microsecond},
		{"exact", replay.Replicate, replay.Exact, 2, 2800 * time.Microsecond, 3100 * time.Microsecond},
		{"simulated", replay.Simulate, replay.Diff, 1, 0, 100 * time.Microsecond},
	}

	for _, test := range tests {
		t.Run(test.scenario, func(t *testing.T) {
			sys := newFakeSystem(map[string]int{"/f": 0})
			e := newEngine(test.mode, sys, func(o *replay.Options) {
				o.Pacing = test.pacing
				o.Scale = test.scale
			})
			defer e.Close()

			r := run(t, e,
				&trace.StatOp{Call: callAt(1, 0, 0), Name: "/f"},
				&trace.StatOp{Call: callAt(1, 1000, 0), Name: "/f"},
				&trace.StatOp{Call: callAt(1, 3000, 0), Name: "/f"},
			)
			assert.Equal(t, r.Applied, 3)
			assert.True(t, r.Elapsed >= test.min)
			assert.Less(t, r.Elapsed, test.max)
		})
	}
}

func TestAffinity(t *testing.T) {
	sys := newFakeSystem(nil)
	e := newEngine(replay.Simulate, sys, func(o *replay.Options) { o.CPU = 0 })
	run(t, e, &trace.StatOp{Call: call(1, -1), Name: "/f"})
	assert.OK(t, e.Close())
	assert.Equal(t, sys.affinity, 0)
}

func TestDumpRegistry(t *testing.T) {
	var buf bytes.Buffer
	e := newEngine(replay.Simulate, newFakeSystem(nil), func(o *replay.Options) { o.Dump = &buf })
	run(t, e, &trace.OpenOp{Call: call(1, 3), Name: "/data/file", Mode: trace.ModeUndefined})
	assert.OK(t, e.Close())

	assert.Contains(t, buf.String(), "/data/file")
	assert.Contains(t, buf.String(), "stdin")
	assert.Contains(t, buf.String(), "table-1")
}

func TestUnixSystem(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	copied := filepath.Join(dir, "copy")
	sub := filepath.Join(dir, "sub")

	e := newEngine(replay.Replicate, replay.UnixSystem{}, func(o *replay.Options) { o.Sendfile = replay.SendfileAuto })

	r := run(t, e,
		&trace.OpenOp{Call: call(1, 3), Name: file, Flags: unix.O_CREAT | unix.O_RDWR, Mode: 0644},
		&trace.WriteOp{Call: call(1, 100), FD: 3, Size: 100},
		&trace.LSeekOp{Call: call(1, 0), FD: 3, Whence: unix.SEEK_SET, Offset: 0},
		&trace.ReadOp{Call: call(1, 50), FD: 3, Size: 50},
		&trace.PReadOp{Call: call(1, 10), FD: 3, Size: 10, Offset: 90},
		&trace.OpenOp{Call: call(1, 4), Name: copied, Flags: unix.O_CREAT | unix.O_WRONLY, Mode: 0644},
		&trace.SendfileOp{Call: call(1, 100), OutFD: 4, InFD: 3, Offset: 0, Size: 100},
		&trace.CloseOp{Call: call(1, 0), FD: 4},
		&trace.CloseOp{Call: call(1, 0), FD: 3},
		&trace.MkdirOp{Call: call(1, 0), Name: sub, Mode: 0755},
		&trace.RmdirOp{Call: call(1, 0), Name: sub},
		&trace.UnlinkOp{Call: call(1, 0), Name: file},
		&trace.AccessOp{Call: call(1, -1), Name: file, Mode: unix.F_OK},
	)
	assert.OK(t, e.Close())

	assert.Equal(t, r.Applied, 13)
	assert.Equal(t, r.Failed, 0)
	assert.Equal(t, r.Divergences, 0)

	info, err := os.Stat(copied)
	assert.OK(t, err)
	assert.Equal(t, info.Size(), 100)

	_, err = os.Stat(file)
	assert.Error(t, err, os.ErrNotExist)
}
