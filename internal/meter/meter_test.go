package meter

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/ledger"
	"github.com/codeloft/backend/internal/monitoring"
	"github.com/codeloft/backend/internal/store"
)

// testMeter wires a meter against an in-memory ledger. Rates are chosen so
// one core-second costs exactly one unit and everything else is free, which
// keeps the arithmetic in the assertions readable.
func testMeter(t *testing.T, balance int64, class core.EnvironmentClass) (*Meter, *ledger.Service, *store.MemStore, *core.Session, string) {
	t.Helper()
	st := store.NewMemStore()

	lcfg := config.Default().Ledger
	lcfg.MonthlyAllocation = 0
	lcfg.LowBalanceThreshold = 25
	led := ledger.New(st, lcfg)

	acct, err := led.OpenAccount(context.Background(), "alice")
	require.NoError(t, err)
	if balance > 0 {
		require.NoError(t, led.Grant(context.Background(), acct.ID, balance, "seed"))
	}

	mcfg := config.Default().Meter
	mcfg.IdleCPUThreshold = 5
	mcfg.IdleMemThresholdBytes = 100 << 20
	mcfg.IdleDurationThresholdSeconds = 60
	mcfg.Rates = config.RateTable{CPUUnitRate: 3600} // 1 unit per core-second

	sess := &core.Session{ID: "sess-1", UserID: "alice", EnvClass: class, StartedAt: time.Now()}
	m := New(led, mcfg, monitoring.NewMetrics(prometheus.NewRegistry()))
	m.Begin(sess, acct.ID)
	return m, led, st, sess, acct.ID
}

func snapAt(ts time.Time, cpu float64, mem int64) *core.Snapshot {
	return &core.Snapshot{SessionID: "sess-1", TS: ts, CPUPercent: cpu, MemBytes: mem}
}

func drainSignal(t *testing.T, m *Meter) Signal {
	t.Helper()
	select {
	case sig := <-m.Signals():
		return sig
	case <-time.After(time.Second):
		t.Fatal("expected a signal")
		return Signal{}
	}
}

func assertNoSignal(t *testing.T, m *Meter) {
	t.Helper()
	select {
	case sig := <-m.Signals():
		t.Fatalf("unexpected signal %+v", sig)
	default:
	}
}

func TestIdleAfterSustainedQuiet(t *testing.T) {
	m, _, _, sess, _ := testMeter(t, 1000, core.EnvProduction)
	base := time.Now()

	// quiet but not yet for the full threshold
	m.observe(snapAt(base, 0.5, 64<<20))
	m.observe(snapAt(base.Add(30*time.Second), 0.8, 64<<20))
	assertNoSignal(t, m)
	assert.Nil(t, sess.IdleSince)

	// 60s of continuous quiet crosses the threshold
	m.observe(snapAt(base.Add(60*time.Second), 0.2, 64<<20))
	sig := drainSignal(t, m)
	assert.Equal(t, SignalIdle, sig.Kind)
	assert.Equal(t, "sess-1", sig.SessionID)
	require.NotNil(t, sess.IdleSince)
	assert.Equal(t, base, *sess.IdleSince)
}

func TestActivityResetsIdleStreak(t *testing.T) {
	m, _, _, sess, _ := testMeter(t, 1000, core.EnvProduction)
	base := time.Now()

	m.observe(snapAt(base, 0.5, 64<<20))
	m.observe(snapAt(base.Add(45*time.Second), 80, 64<<20)) // busy, streak resets
	m.observe(snapAt(base.Add(90*time.Second), 0.5, 64<<20))
	assertNoSignal(t, m)

	// idle, then a busy snapshot flips it back to active
	m.observe(snapAt(base.Add(151*time.Second), 0.5, 64<<20))
	assert.Equal(t, SignalIdle, drainSignal(t, m).Kind)

	m.observe(snapAt(base.Add(152*time.Second), 90, 64<<20))
	assert.Equal(t, SignalActive, drainSignal(t, m).Kind)
	assert.Nil(t, sess.IdleSince)
	assert.Equal(t, base.Add(152*time.Second), sess.LastActivityAt)
}

// Memory above the baseline does not mark a session busy on its own; the
// baseline is the minimum observed over the first minute, so a fat runtime
// that sits at 2 GiB resident can still go idle.
func TestIdleUsesMemoryBaseline(t *testing.T) {
	m, _, _, _, _ := testMeter(t, 1000, core.EnvProduction)
	base := time.Now()

	m.observe(snapAt(base, 0.5, 2<<30))
	m.observe(snapAt(base.Add(30*time.Second), 0.5, 2<<30+50<<20)) // +50MB, under threshold
	m.observe(snapAt(base.Add(60*time.Second), 0.5, 2<<30+20<<20))
	assert.Equal(t, SignalIdle, drainSignal(t, m).Kind)
}

func TestCostAccrualAndCommit(t *testing.T) {
	m, led, st, _, acctID := testMeter(t, 1000, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	// 100% of one core for 10 seconds at 1 unit/core-second
	m.observe(snapAt(base, 100, 64<<20))
	m.observe(snapAt(base.Add(10*time.Second), 100, 64<<20))

	require.NoError(t, m.commit(ctx, "sess-1"))

	bal, err := led.Balance(ctx, acctID)
	require.NoError(t, err)
	assert.Equal(t, int64(990), bal)
	assert.Equal(t, int64(10), m.CommittedUnits("sess-1"))

	sums, err := st.SummariesFor(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, int64(10), sums[0].CostUnits)
	assert.InDelta(t, 10.0, sums[0].CPUCoreSeconds, 0.001)

	// the window reset; an immediate second commit moves nothing
	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ = led.Balance(ctx, acctID)
	assert.Equal(t, int64(990), bal)
}

func TestFractionalRemainderCarries(t *testing.T) {
	m, led, _, _, acctID := testMeter(t, 1000, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	// 1.5 core-seconds accrued: 50% cpu for 3 seconds
	m.observe(snapAt(base, 50, 64<<20))
	m.observe(snapAt(base.Add(3*time.Second), 50, 64<<20))

	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ := led.Balance(ctx, acctID)
	assert.Equal(t, int64(999), bal) // 1 whole unit, 0.5 carried

	// another 0.5 core-second tips the carried remainder over a unit
	m.observe(snapAt(base.Add(4*time.Second), 50, 64<<20))
	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ = led.Balance(ctx, acctID)
	assert.Equal(t, int64(998), bal)
}

func TestDevelopmentClassNeverDebits(t *testing.T) {
	m, led, st, _, acctID := testMeter(t, 100, core.EnvDevelopment)
	ctx := context.Background()
	base := time.Now()

	m.observe(snapAt(base, 100, 64<<20))
	m.observe(snapAt(base.Add(time.Hour), 100, 64<<20))

	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ := led.Balance(ctx, acctID)
	assert.Equal(t, int64(100), bal)

	// usage is still recorded even though it bills nothing
	sums, err := st.SummariesFor(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, int64(0), sums[0].CostUnits)
	assert.InDelta(t, 3600.0, sums[0].CPUCoreSeconds, 0.001)
}

func TestStagingMultiplierHalvesCost(t *testing.T) {
	m, led, _, _, acctID := testMeter(t, 1000, core.EnvStaging)
	ctx := context.Background()
	base := time.Now()

	m.observe(snapAt(base, 100, 64<<20))
	m.observe(snapAt(base.Add(10*time.Second), 100, 64<<20))

	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ := led.Balance(ctx, acctID)
	assert.Equal(t, int64(995), bal)
}

func TestExhaustionSignalledOnce(t *testing.T) {
	m, _, _, _, _ := testMeter(t, 5, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	m.observe(snapAt(base, 100, 64<<20))
	m.observe(snapAt(base.Add(10*time.Second), 100, 64<<20))

	err := m.commit(ctx, "sess-1")
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	assert.Equal(t, SignalExhausted, drainSignal(t, m).Kind)

	// retries keep failing but do not spam the orchestrator
	err = m.commit(ctx, "sess-1")
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	assertNoSignal(t, m)
}

func TestLowBalanceWarning(t *testing.T) {
	m, _, _, _, _ := testMeter(t, 30, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	// debit 10: 30 -> 20, under the threshold of 25
	m.observe(snapAt(base, 100, 64<<20))
	m.observe(snapAt(base.Add(10*time.Second), 100, 64<<20))
	require.NoError(t, m.commit(ctx, "sess-1"))

	sig := drainSignal(t, m)
	assert.Equal(t, SignalLow, sig.Kind)
	assert.Equal(t, int64(20), sig.Balance)

	// warned once per session
	m.observe(snapAt(base.Add(11*time.Second), 100, 64<<20))
	require.NoError(t, m.commit(ctx, "sess-1"))
	assertNoSignal(t, m)
}

func TestFinalizeFlushesAndUnregisters(t *testing.T) {
	m, led, _, _, acctID := testMeter(t, 1000, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	m.observe(snapAt(base, 100, 64<<20))
	m.observe(snapAt(base.Add(7*time.Second), 100, 64<<20))

	total, err := m.Finalize(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), total)

	bal, _ := led.Balance(ctx, acctID)
	assert.Equal(t, int64(993), bal)

	// unknown to the meter from here on
	assert.Equal(t, int64(0), m.CommittedUnits("sess-1"))
	m.observe(snapAt(base.Add(8*time.Second), 100, 64<<20)) // dropped
	_, err = m.Finalize(ctx, "sess-1")
	require.NoError(t, err)
}

func TestIdleTimeAccruesNoCost(t *testing.T) {
	m, led, _, _, acctID := testMeter(t, 1000, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	// a minute of quiet flips the session idle; the trickle of quiet cpu
	// before the flip stays fractional and commits to zero
	m.observe(snapAt(base, 0.5, 64<<20))
	m.observe(snapAt(base.Add(30*time.Second), 0.5, 64<<20))
	m.observe(snapAt(base.Add(60*time.Second), 0.5, 64<<20))
	assert.Equal(t, SignalIdle, drainSignal(t, m).Kind)

	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ := led.Balance(ctx, acctID)
	assert.Equal(t, int64(1000), bal)

	// an hour parked idle debits nothing
	last := base.Add(60 * time.Second)
	for i := 1; i <= 6; i++ {
		last = base.Add(60*time.Second + time.Duration(i)*10*time.Minute)
		m.observe(snapAt(last, 0.5, 64<<20))
	}
	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ = led.Balance(ctx, acctID)
	assert.Equal(t, int64(1000), bal)

	// waking back up re-arms billing from the wake interval only
	m.observe(snapAt(last.Add(10*time.Second), 100, 64<<20))
	assert.Equal(t, SignalActive, drainSignal(t, m).Kind)
	require.NoError(t, m.commit(ctx, "sess-1"))
	bal, _ = led.Balance(ctx, acctID)
	assert.Equal(t, int64(990), bal)
}

func TestHourlyRateAndPrediction(t *testing.T) {
	m, _, _, _, _ := testMeter(t, 7200, core.EnvProduction)
	ctx := context.Background()
	base := time.Now()

	// steady 100% of one core burns 3600 units/hour
	m.observe(snapAt(base, 100, 64<<20))
	for i := 1; i <= 5; i++ {
		m.observe(snapAt(base.Add(time.Duration(i)*time.Second), 100, 64<<20))
	}
	assert.InDelta(t, 3600.0, m.HourlyRate("sess-1"), 1.0)

	hours, err := m.PredictRemaining(ctx, "sess-1")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, hours, 0.01)

	_, err = m.PredictRemaining(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}
