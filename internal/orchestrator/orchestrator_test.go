package orchestrator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
	"github.com/codeloft/backend/internal/events"
	"github.com/codeloft/backend/internal/ledger"
	"github.com/codeloft/backend/internal/meter"
	"github.com/codeloft/backend/internal/monitoring"
	"github.com/codeloft/backend/internal/pool"
	"github.com/codeloft/backend/internal/sampler"
	"github.com/codeloft/backend/internal/store"
)

var pyKey = core.RuntimeKey{Language: "python", Version: "3.11"}

type rig struct {
	orch *Orchestrator
	drv  *driver.FakeDriver
	st   *store.MemStore
	pool *pool.Pool
	met  *meter.Meter
	led  *ledger.Service
	bus  *events.Bus
}

func newRig(t *testing.T, poolMin, poolMax int) *rig {
	t.Helper()
	drv := driver.NewFakeDriver()
	st := store.NewMemStore()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	bus := events.NewBus()

	pcfg := config.Default().Pool
	pcfg.Keys = []config.PoolKey{{
		Language: "python", Version: "3.11", Image: "python:3.11", Min: poolMin, Max: poolMax,
	}}
	p, err := pool.New(drv, pcfg, metrics)
	require.NoError(t, err)

	lcfg := config.Default().Ledger
	led := ledger.New(st, lcfg)
	met := meter.New(led, config.Default().Meter, metrics)
	smp := sampler.New(drv, config.SamplerConfig{SampleIntervalMs: 50, HistoryWindowSeconds: 60}, nil)

	ocfg := config.OrchestratorConfig{
		HealthIntervalSeconds: 1,
		HealthFailuresToReap:  3,
		IdleTimeoutSeconds:    600,
	}
	orch := New(Deps{
		Driver:         drv,
		Pool:           p,
		Sampler:        smp,
		Meter:          met,
		Ledger:         led,
		Store:          st,
		Events:         bus,
		Metrics:        metrics,
		Cfg:            ocfg,
		ReconnectGrace: 50 * time.Millisecond,
	})
	return &rig{orch: orch, drv: drv, st: st, pool: p, met: met, led: led, bus: bus}
}

func (r *rig) assign(t *testing.T, user, project string, opts AssignOptions) *core.Session {
	t.Helper()
	sess, err := r.orch.Assign(context.Background(), user, project, pyKey, opts)
	require.NoError(t, err)
	return sess
}

// warmUp runs the pool's refill loop until a warm entry is parked.
func (r *rig) warmUp(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go r.pool.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, row := range r.pool.Telemetry() {
			if row.Size >= 1 {
				return cancel
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("pool never warmed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAssignFreshOnPoolMiss(t *testing.T) {
	r := newRig(t, 0, 4)
	assigned := r.bus.Subscribe(events.EventSandboxAssigned)

	sess := r.assign(t, "alice", "proj-1", AssignOptions{EnvClass: core.EnvProduction})
	assert.NotEmpty(t, sess.SandboxID)
	assert.True(t, r.drv.Running(sess.SandboxID))

	sb, got, err := r.orch.Status(sess.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, core.SandboxRunning, sb.State)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "alice", sb.Labels.Owner)

	// an account was opened for the user on first contact
	acct, err := r.st.AccountForUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Positive(t, acct.Balance)

	select {
	case ev := <-assigned:
		assert.Equal(t, sess.ID, ev.Subject)
	default:
		t.Fatal("no assigned event published")
	}
}

func TestAssignReturnsExistingSession(t *testing.T) {
	r := newRig(t, 0, 4)
	first := r.assign(t, "alice", "proj-1", AssignOptions{})
	again := r.assign(t, "alice", "proj-1", AssignOptions{})
	assert.Equal(t, first.ID, again.ID)

	forced := r.assign(t, "alice", "proj-1", AssignOptions{ForceNew: true})
	assert.NotEqual(t, first.ID, forced.ID)

	// a different project is a different session
	other := r.assign(t, "alice", "proj-2", AssignOptions{})
	assert.NotEqual(t, first.ID, other.ID)
}

func TestAssignUnknownRuntime(t *testing.T) {
	r := newRig(t, 0, 4)
	_, err := r.orch.Assign(context.Background(), "alice", "proj-1",
		core.RuntimeKey{Language: "cobol", Version: "74"}, AssignOptions{})
	assert.ErrorIs(t, err, core.ErrRuntimeUnknown)
}

func TestAssignRepurposesWarmEntry(t *testing.T) {
	r := newRig(t, 1, 4)
	cancel := r.warmUp(t)
	cancel() // refill stays quiet so the create count below holds still

	created := r.drv.CallCount("create")
	want := core.ResourceLimits{CPUShares: 2048, MemBytes: 1 << 30, Pids: 512}
	sess := r.assign(t, "alice", "proj-1", AssignOptions{
		Limits:    want,
		Workspace: bytes.NewReader([]byte("workspace-tar")),
	})

	// served from the warm set, no fresh create
	assert.Equal(t, created, r.drv.CallCount("create"))

	got, ok := r.drv.LimitsOf(sess.SandboxID)
	require.True(t, ok)
	assert.Equal(t, want, got)

	// repurposing scrubbed the entry for its new owner
	history := r.drv.ExecHistory(sess.SandboxID)
	require.NotEmpty(t, history)
	assert.Contains(t, history[len(history)-1][2], "rm -rf")
}

func TestAssignPoolFullFallsBackToFresh(t *testing.T) {
	r := newRig(t, 0, 1)
	first := r.assign(t, "alice", "proj-1", AssignOptions{})

	// the key is at max; the second assignment still gets a sandbox
	second := r.assign(t, "bob", "proj-2", AssignOptions{})
	assert.True(t, r.drv.Running(second.SandboxID))
	assert.NotEqual(t, first.SandboxID, second.SandboxID)
}

func TestReapIdempotent(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	reaped := r.bus.Subscribe(events.EventSandboxReaped)

	sess := r.assign(t, "alice", "proj-1", AssignOptions{})
	require.NoError(t, r.orch.Reap(ctx, sess.SandboxID, core.CauseUserRequest))

	assert.False(t, r.drv.Exists(sess.SandboxID))

	stored, err := r.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.TerminatedAt)
	assert.Equal(t, core.CauseUserRequest, stored.Cause)

	// the slot is free again in the store's view
	_, err = r.st.ActiveSessionFor(ctx, "alice", "proj-1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	// reaping twice, or reaping something unknown, is a no-op
	require.NoError(t, r.orch.Reap(ctx, sess.SandboxID, core.CauseUserRequest))
	require.NoError(t, r.orch.Reap(ctx, "never-existed", core.CauseUserRequest))

	select {
	case ev := <-reaped:
		assert.Equal(t, sess.SandboxID, ev.Subject)
	default:
		t.Fatal("no reaped event published")
	}
	select {
	case ev := <-reaped:
		t.Fatalf("second reap published an event: %+v", ev)
	default:
	}
}

func TestRescale(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	bigger := core.ResourceLimits{CPUShares: 4096, MemBytes: 4 << 30, Pids: 1024}
	require.NoError(t, r.orch.Rescale(ctx, sess.SandboxID, bigger))
	got, _ := r.drv.LimitsOf(sess.SandboxID)
	assert.Equal(t, bigger, got)

	// same limits again: no engine round trip
	calls := r.drv.CallCount("update_limits")
	require.NoError(t, r.orch.Rescale(ctx, sess.SandboxID, bigger))
	assert.Equal(t, calls, r.drv.CallCount("update_limits"))

	require.NoError(t, r.orch.Reap(ctx, sess.SandboxID, core.CauseUserRequest))
	err := r.orch.Rescale(ctx, sess.SandboxID, defaultLimits)
	assert.Error(t, err)
}

func TestCloneByArchiveFallback(t *testing.T) {
	r := newRig(t, 0, 8)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{
		Workspace: bytes.NewReader([]byte("project-files")),
	})

	cloneID, err := r.orch.Clone(ctx, sess.SandboxID, "bob")
	require.NoError(t, err)
	assert.True(t, r.drv.Running(cloneID))
	assert.Equal(t, 0, r.drv.CallCount("checkpoint"))

	// workspace traveled with the clone
	rc, err := r.drv.GetArchive(ctx, &driver.Handle{SandboxID: cloneID}, "/workspace")
	require.NoError(t, err)
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(rc)
	rc.Close()
	assert.Equal(t, "project-files", buf.String())
}

func TestCloneViaCheckpoint(t *testing.T) {
	r := newRig(t, 0, 8)
	r.drv.Checkpoints = true
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	cloneID, err := r.orch.Clone(ctx, sess.SandboxID, "bob")
	require.NoError(t, err)
	assert.True(t, r.drv.Running(cloneID))
	assert.Equal(t, 1, r.drv.CallCount("checkpoint"))
	assert.Equal(t, 1, r.drv.CallCount("restore"))
}

func TestExhaustionSignalReaps(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{EnvClass: core.EnvProduction})

	r.orch.handleSignal(ctx, meter.Signal{Kind: meter.SignalExhausted, SessionID: sess.ID})

	assert.False(t, r.drv.Exists(sess.SandboxID))
	stored, err := r.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CauseCreditExhausted, stored.Cause)
}

func TestIdleAndActiveSignalsFlipState(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	now := time.Now()
	live, _, _, err := r.orch.Session(sess.ID)
	require.NoError(t, err)
	live.IdleSince = &now

	r.orch.handleSignal(ctx, meter.Signal{Kind: meter.SignalIdle, SessionID: sess.ID})
	sb2, _, err := r.orch.Status(sess.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, core.SandboxIdle, sb2.State)

	r.orch.handleSignal(ctx, meter.Signal{Kind: meter.SignalActive, SessionID: sess.ID})
	sb2, _, err = r.orch.Status(sess.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, core.SandboxRunning, sb2.State)
}

func TestIdleSweepReapsAfterTimeout(t *testing.T) {
	r := newRig(t, 0, 4)
	r.orch.cfg.IdleTimeoutSeconds = 0 // idle means reap on the next sweep
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	past := time.Now().Add(-time.Minute)
	live, _, _, err := r.orch.Session(sess.ID)
	require.NoError(t, err)
	live.IdleSince = &past

	r.orch.sweepIdle(ctx)

	stored, err := r.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CauseIdle, stored.Cause)
}

func TestDisconnectGrace(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	r.orch.ClientDetached(sess.ID)
	r.orch.sweepIdle(ctx) // grace not yet elapsed
	assert.True(t, r.drv.Exists(sess.SandboxID))

	// the client comes back before the grace runs out
	r.orch.ClientAttached(sess.ID)
	time.Sleep(60 * time.Millisecond)
	r.orch.sweepIdle(ctx)
	assert.True(t, r.drv.Exists(sess.SandboxID))

	// gone for good this time
	r.orch.ClientDetached(sess.ID)
	time.Sleep(60 * time.Millisecond)
	r.orch.sweepIdle(ctx)
	assert.False(t, r.drv.Exists(sess.SandboxID))
}

func TestHealthProbeReapsAfterConsecutiveFailures(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	for i := 0; i < 3; i++ {
		r.drv.ScriptExec("", "no shell", 1)
		r.orch.probeAll(ctx)
	}

	assert.False(t, r.drv.Exists(sess.SandboxID))
	stored, err := r.st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CauseUnhealthy, stored.Cause)
}

func TestHealthProbeRecoveryResetsBudget(t *testing.T) {
	r := newRig(t, 0, 4)
	ctx := context.Background()
	sess := r.assign(t, "alice", "proj-1", AssignOptions{})

	r.drv.ScriptExec("", "", 1)
	r.orch.probeAll(ctx) // failure 1
	r.orch.probeAll(ctx) // healthy again, budget resets
	r.drv.ScriptExec("", "", 1)
	r.orch.probeAll(ctx)
	r.drv.ScriptExec("", "", 1)
	r.orch.probeAll(ctx)

	// never hit three consecutive failures
	assert.True(t, r.drv.Exists(sess.SandboxID))
}

func TestShutdownReapsEverything(t *testing.T) {
	r := newRig(t, 0, 8)
	ctx := context.Background()
	a := r.assign(t, "alice", "proj-1", AssignOptions{})
	b := r.assign(t, "bob", "proj-2", AssignOptions{})

	r.orch.Shutdown(ctx)

	assert.False(t, r.drv.Exists(a.SandboxID))
	assert.False(t, r.drv.Exists(b.SandboxID))
	stats := r.orch.StatsSnapshot()
	assert.Zero(t, stats.Sandboxes)

	stored, _ := r.st.GetSession(ctx, a.ID)
	assert.Equal(t, core.CauseShutdown, stored.Cause)
}
