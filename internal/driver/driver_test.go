package driver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/core"
)

func TestProfileByName(t *testing.T) {
	for _, name := range ProfileNames() {
		p, err := ProfileByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
	}

	_, err := ProfileByName("privileged")
	assert.Error(t, err)
}

func TestStandardProfileIsHardenedByDefault(t *testing.T) {
	p, err := ProfileByName("standard")
	require.NoError(t, err)

	assert.Equal(t, "runsc", p.Runtime)
	assert.Contains(t, p.DropCaps, "ALL")
	assert.True(t, p.NoNewPrivileges)
	assert.NotContains(t, p.AddCaps, "SYS_ADMIN")
}

func TestFakeDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()

	h, err := f.Create(ctx, Spec{Name: "sb-1", Image: "codeloft/python:3.12"})
	require.NoError(t, err)
	assert.Equal(t, "sb-1", h.SandboxID)
	assert.False(t, f.Running("sb-1"))

	require.NoError(t, f.Start(ctx, h))
	assert.True(t, f.Running("sb-1"))
	assert.NotEmpty(t, h.IP)

	require.NoError(t, f.Stop(ctx, h))
	assert.False(t, f.Running("sb-1"))
	assert.True(t, f.Exists("sb-1"))

	require.NoError(t, f.Delete(ctx, h))
	assert.False(t, f.Exists("sb-1"))

	// delete is idempotent
	assert.NoError(t, f.Delete(ctx, h))
}

func TestFakeDriverFailNext(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	f.FailNext("create", core.ErrEngineUnavailable)

	_, err := f.Create(ctx, Spec{Name: "sb-1"})
	assert.ErrorIs(t, err, core.ErrEngineUnavailable)

	// one-shot: the next call succeeds
	_, err = f.Create(ctx, Spec{Name: "sb-1"})
	assert.NoError(t, err)
	assert.Equal(t, 2, f.CallCount("create"))
}

func TestFakeDriverUpdateLimitsKeepsSandboxRunning(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	h, err := f.Create(ctx, Spec{Name: "sb-1", Limits: core.ResourceLimits{CPUShares: 1024}})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx, h))

	next := core.ResourceLimits{CPUShares: 4096, MemBytes: 2 << 30, Pids: 256}
	require.NoError(t, f.UpdateLimits(ctx, h, next))

	got, ok := f.LimitsOf("sb-1")
	require.True(t, ok)
	assert.Equal(t, next, got)
	assert.True(t, f.Running("sb-1"))
}

func TestFakeDriverStats(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	h, err := f.Create(ctx, Spec{Name: "sb-1"})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx, h))

	f.SetStats("sb-1", RawStats{CPUTotal: 5_000_000, MemBytes: 300 << 20, OnlineCPUs: 4})
	got, err := f.SampleStats(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), got.CPUTotal)
	assert.True(t, got.Running)
	assert.False(t, got.ReadAt.IsZero())

	require.NoError(t, f.Delete(ctx, h))
	_, err = f.SampleStats(ctx, h)
	assert.ErrorIs(t, err, core.ErrSandboxNotFound)
}

func TestFakeDriverExecScripted(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	h, err := f.Create(ctx, Spec{Name: "sb-1"})
	require.NoError(t, err)
	f.ScriptExec("hello\n", "", 0)
	f.ScriptExec("", "boom\n", 2)

	streams, err := f.Exec(ctx, h, ExecOptions{Cmd: []string{"echo", "hello"}})
	require.NoError(t, err)
	out, _ := io.ReadAll(streams.Stdout)
	assert.Equal(t, "hello\n", string(out))
	assert.Equal(t, 0, <-streams.Exit)

	streams, err = f.Exec(ctx, h, ExecOptions{Cmd: []string{"false"}})
	require.NoError(t, err)
	errOut, _ := io.ReadAll(streams.Stderr)
	assert.Equal(t, "boom\n", string(errOut))
	assert.Equal(t, 2, <-streams.Exit)

	history := f.ExecHistory("sb-1")
	require.Len(t, history, 2)
	assert.Equal(t, []string{"echo", "hello"}, history[0])
}

func TestFakePtyEchoAndResize(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	h, err := f.Create(ctx, Spec{Name: "sb-1"})
	require.NoError(t, err)

	pty, err := f.OpenPty(ctx, h, PtyOptions{Shell: "/bin/bash", Rows: 24, Cols: 80})
	require.NoError(t, err)

	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := pty.Read(buf)
		read <- string(buf[:n])
	}()

	_, err = pty.Write([]byte("ls\n"))
	require.NoError(t, err)

	select {
	case got := <-read:
		assert.Equal(t, "ls\n", got)
	case <-time.After(time.Second):
		t.Fatal("echo never arrived")
	}

	require.NoError(t, pty.Resize(ctx, 50, 120))
	fp := f.Ptys("sb-1")[0]
	rows, cols := fp.Size()
	assert.Equal(t, uint(50), rows)
	assert.Equal(t, uint(120), cols)
	assert.Equal(t, "ls\n", fp.Input())

	require.NoError(t, pty.Close())
	require.NoError(t, pty.Close()) // idempotent

	_, err = pty.Write([]byte("x"))
	assert.Error(t, err)
}

func TestFakeDriverArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	h, err := f.Create(ctx, Spec{Name: "sb-1"})
	require.NoError(t, err)

	payload := []byte("tar-bytes")
	require.NoError(t, f.PutArchive(ctx, h, "/workspace/src", bytes.NewReader(payload)))

	rc, err := f.GetArchive(ctx, h, "/workspace/src")
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, payload, got)

	err = f.PutArchive(ctx, h, "/workspace/../etc", bytes.NewReader(payload))
	assert.ErrorIs(t, err, core.ErrInvalidPath)

	_, err = f.GetArchive(ctx, h, "/workspace/missing")
	assert.Error(t, err)
}

func TestFakeDriverCheckpointGatedByCapability(t *testing.T) {
	ctx := context.Background()
	f := NewFakeDriver()
	h, err := f.Create(ctx, Spec{Name: "sb-1", Image: "img"})
	require.NoError(t, err)
	require.NoError(t, f.Start(ctx, h))

	assert.False(t, f.Supports(CapCheckpoint))
	_, err = f.Checkpoint(ctx, h)
	assert.ErrorIs(t, err, core.ErrCheckpointSupport)

	f.Checkpoints = true
	require.True(t, f.Supports(CapCheckpoint))

	ref, err := f.Checkpoint(ctx, h)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	clone, err := f.Restore(ctx, ref, Spec{Name: "sb-2", Image: "img"})
	require.NoError(t, err)
	assert.True(t, f.Running(clone.SandboxID))

	_, err = f.Restore(ctx, "ckpt-unknown", Spec{Name: "sb-3"})
	assert.True(t, errors.Is(err, core.ErrCheckpointNotFound))
}

func TestBlkioWeightClamps(t *testing.T) {
	assert.Equal(t, uint16(10), blkioWeight(1))            // below floor
	assert.Equal(t, uint16(64), blkioWeight(64<<20))       // proportional
	assert.Equal(t, uint16(1000), blkioWeight(4096<<20))   // above ceiling
}

func TestEnvSliceSorted(t *testing.T) {
	got := envSlice(map[string]string{"B": "2", "A": "1", "C": "3"})
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, got)
}
