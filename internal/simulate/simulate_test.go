package simulate_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/stealthrocket/ioreplay/internal/assert"
	"github.com/stealthrocket/ioreplay/internal/fdmap"
	"github.com/stealthrocket/ioreplay/internal/simfs"
	"github.com/stealthrocket/ioreplay/internal/simulate"
	"github.com/stealthrocket/ioreplay/internal/trace"
)

var discard = log.New(io.Discard)

func TestExtents(t *testing.T) {
	a := simulate.New(simulate.WithLogger(discard), simulate.WithExtents(true))

	in := &fdmap.Mapping{Name: "/data/in"}
	out := &fdmap.Mapping{Name: "/data/out", Created: true}

	a.Read(in, 0, &trace.Call{Retval: 100, Start: trace.Timestamp{Sec: 1}})
	a.Read(in, 4096, &trace.Call{Retval: 10, Duration: 3})
	a.Read(in, 8192, &trace.Call{Retval: -1})
	a.Write(out, 0, &trace.Call{Retval: 512})

	reads := a.Reads()
	assert.Equal(t, len(reads), 1)
	assert.Equal(t, reads[0].Size(), 4106)
	if diff := cmp.Diff(reads[0].Extents, []simulate.Extent{
		{Offset: 0, Size: 100, Start: trace.Timestamp{Sec: 1}},
		{Offset: 4096, Size: 10, Duration: 3},
	}); diff != "" {
		t.Fatal(diff)
	}

	summaries := a.Summaries()
	assert.DeepEqual(t, summaries, []simulate.Summary{
		{Access: "read", Name: "/data/in", Ops: 2, Size: 4106},
		{Access: "write", Name: "/data/out", Ops: 1, Size: 512},
	})
}

func TestWithoutExtents(t *testing.T) {
	a := simulate.New(simulate.WithLogger(discard))
	a.Read(&fdmap.Mapping{Name: "/x"}, 0, &trace.Call{Retval: 1})
	assert.Equal(t, len(a.Reads()), 0)
	assert.Equal(t, a.Check(&trace.StatOp{Name: "/x"}), simfs.OK)
}

func TestCheckReads(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small")
	large := filepath.Join(dir, "large")
	missing := filepath.Join(dir, "missing")
	created := filepath.Join(dir, "created")
	assert.OK(t, os.WriteFile(small, make([]byte, 10), 0644))
	assert.OK(t, os.WriteFile(large, make([]byte, 1000), 0644))

	a := simulate.New(simulate.WithLogger(discard), simulate.WithExtents(true))
	for _, name := range []string{small, large, missing} {
		a.Read(&fdmap.Mapping{Name: name}, 0, &trace.Call{Retval: 100})
	}
	a.Read(&fdmap.Mapping{Name: created, Created: true}, 0, &trace.Call{Retval: 100})

	problems := a.CheckReads()
	assert.Equal(t, len(problems), 2)
	assert.Equal(t, problems[0].Path, missing)
	assert.HasPrefix(t, problems[0].Message, "can't open")
	assert.Equal(t, problems[1].Path, small)
	assert.Equal(t, problems[1].Message, "too small (10), expected: 100 bytes")
}

func TestVirtualFileSystem(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "file")
	assert.OK(t, os.WriteFile(name, make([]byte, 10), 0644))

	fsys := simfs.New(simfs.WithLogger(discard))
	a := simulate.New(simulate.WithLogger(discard), simulate.WithFS(fsys))

	open := &trace.OpenOp{Call: trace.Call{Retval: 3}, Name: name}
	assert.Equal(t, a.Check(open), simfs.OK)

	m := &fdmap.Mapping{Name: name}
	a.Read(m, 0, &trace.Call{Retval: 10})
	a.Write(m, 10, &trace.Call{Retval: 20})
	a.Read(m, 30, &trace.Call{Retval: 5})

	e := fsys.Find(name)
	assert.Equal(t, e.PhysSize, 30)
	assert.Equal(t, e.VirtSize, 35)
	assert.DeepEqual(t, fsys.Fixes(), []simfs.Fix{{Kind: simfs.GrowFile, Path: name, Size: 35}})
}
