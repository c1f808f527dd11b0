// Package meter converts resource snapshots into billing units and commits
// them to the credits ledger. It owns idle classification, per-interval cost,
// hourly-rate estimation and the commit cadence. Cost accumulates as a
// rational and is rounded only when a commit moves whole units.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/ledger"
	"github.com/codeloft/backend/internal/monitoring"
)

// baselineWindow is how long the meter observes a fresh session before
// freezing its idle memory baseline.
const baselineWindow = time.Minute

// SignalKind names a meter-originated lifecycle signal.
type SignalKind string

const (
	SignalIdle      SignalKind = "idle"
	SignalActive    SignalKind = "active"
	SignalLow       SignalKind = "low_balance"
	SignalExhausted SignalKind = "credit_exhausted"
)

// Signal is delivered to the orchestrator when a session changes billing
// state. Delivery is best effort over a buffered channel.
type Signal struct {
	Kind      SignalKind
	SessionID string
	Balance   int64
}

type rateSample struct {
	cost float64 // units accrued by one snapshot
	dt   float64 // seconds covered by it
}

type meterSession struct {
	sess      *core.Session
	accountID string
	mult      float64

	lastTS      time.Time
	firstTS     time.Time
	baseline    int64
	baselineSet bool

	idle       bool
	idleStart  time.Time
	lowWarned  bool
	exhausted  bool

	accrued     *big.Rat
	committed   int64
	windowStart time.Time
	cpuSeconds  float64
	memSeconds  float64
	ioMB        float64
	netMB       float64

	rates []rateSample // bounded by cfg.RateWindow
}

// Meter consumes the sampler's snapshot stream for every registered session.
type Meter struct {
	ledger  *ledger.Service
	cfg     config.MeterConfig
	metrics *monitoring.Metrics
	logger  *slog.Logger
	signals chan Signal

	mu       sync.Mutex
	sessions map[string]*meterSession
}

func New(led *ledger.Service, cfg config.MeterConfig, metrics *monitoring.Metrics) *Meter {
	return &Meter{
		ledger:   led,
		cfg:      cfg,
		metrics:  metrics,
		logger:   slog.With("component", "meter"),
		signals:  make(chan Signal, 64),
		sessions: make(map[string]*meterSession),
	}
}

// Signals delivers idle/active transitions and balance warnings. The
// orchestrator is the sole consumer.
func (m *Meter) Signals() <-chan Signal {
	return m.signals
}

// Begin registers a session for metering. Snapshots arriving for unknown
// sessions are dropped.
func (m *Meter) Begin(sess *core.Session, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[sess.ID]; exists {
		return
	}
	m.sessions[sess.ID] = &meterSession{
		sess:        sess,
		accountID:   accountID,
		mult:        m.cfg.EnvironmentMultipliers.For(sess.EnvClass),
		accrued:     new(big.Rat),
		windowStart: time.Now(),
	}
}

// Run consumes snapshots and drives the periodic commit. It returns when ctx
// is cancelled; Finalize flushes whatever remains per session at reap.
func (m *Meter) Run(ctx context.Context, snapshots <-chan *core.Snapshot) {
	ticker := time.NewTicker(m.cfg.CommitInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			m.observe(snap)
		case <-ticker.C:
			m.commitAll(ctx)
		}
	}
}

// observe folds one snapshot into its session: idle classification, cost
// accrual and rate estimation.
func (m *Meter) observe(snap *core.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.sessions[snap.SessionID]
	if !ok {
		return
	}

	m.classify(ms, snap)

	if ms.lastTS.IsZero() {
		ms.lastTS = snap.TS
		ms.firstTS = snap.TS
		return
	}
	dt := snap.TS.Sub(ms.lastTS).Seconds()
	ms.lastTS = snap.TS
	if dt <= 0 {
		return
	}

	// Idle intervals are free. lastTS still advances above, so the first
	// post-wake interval is billed from the wake snapshot, not the whole
	// parked stretch; the zero-cost sample lets the hourly rate decay.
	var cost float64
	if !ms.idle {
		cost = m.snapshotCost(ms, snap, dt)
		ms.accrued.Add(ms.accrued, ratFromFloat(cost))
	}

	ms.rates = append(ms.rates, rateSample{cost: cost, dt: dt})
	if n := m.cfg.RateWindow; n > 0 && len(ms.rates) > n {
		ms.rates = ms.rates[len(ms.rates)-n:]
	}
}

// classify updates the idle baseline and streak for one snapshot, emitting
// transition signals when the state flips.
func (m *Meter) classify(ms *meterSession, snap *core.Snapshot) {
	// baseline: minimum memory over the session's first minute
	if !ms.baselineSet {
		if ms.baseline == 0 || snap.MemBytes < ms.baseline {
			ms.baseline = snap.MemBytes
		}
		if !ms.firstTS.IsZero() && snap.TS.Sub(ms.firstTS) >= baselineWindow {
			ms.baselineSet = true
		}
	}

	quiet := snap.CPUPercent < m.cfg.IdleCPUThreshold &&
		snap.MemBytes-ms.baseline < m.cfg.IdleMemThresholdBytes
	snap.IsIdle = ms.idle

	switch {
	case quiet && !ms.idle:
		if ms.idleStart.IsZero() {
			ms.idleStart = snap.TS
		}
		if snap.TS.Sub(ms.idleStart) >= m.cfg.IdleDurationThreshold() {
			ms.idle = true
			since := ms.idleStart
			ms.sess.IdleSince = &since
			snap.IsIdle = true
			m.metrics.RecordIdleTransition(true)
			m.emit(Signal{Kind: SignalIdle, SessionID: ms.sess.ID})
		}
	case !quiet:
		ms.idleStart = time.Time{}
		ms.sess.LastActivityAt = snap.TS
		if ms.idle {
			ms.idle = false
			ms.sess.IdleSince = nil
			snap.IsIdle = false
			m.metrics.RecordIdleTransition(false)
			m.emit(Signal{Kind: SignalActive, SessionID: ms.sess.ID})
		}
	}
}

// snapshotCost prices the interval the snapshot covers and rolls the window
// aggregates forward.
func (m *Meter) snapshotCost(ms *meterSession, snap *core.Snapshot, dt float64) float64 {
	const gib = float64(1 << 30)
	const mb = float64(1 << 20)

	cpuCores := snap.CPUPercent / 100
	memGiB := float64(snap.MemBytes) / gib
	gpuFrac := snap.GPUPercent / 100
	ioMB := float64(snap.DiskReadBytes+snap.DiskWriteBytes) / mb
	netMB := float64(snap.NetRxBytes+snap.NetTxBytes) / mb

	ms.cpuSeconds += cpuCores * dt
	ms.memSeconds += memGiB * dt
	ms.ioMB += ioMB
	ms.netMB += netMB

	dtHours := dt / 3600
	r := m.cfg.Rates
	return ms.mult * (cpuCores*dtHours*r.CPUUnitRate +
		memGiB*dtHours*r.MemUnitRate +
		gpuFrac*dtHours*r.GPUUnitRate +
		ioMB*r.IOUnitRate +
		netMB*r.BandwidthUnitRate)
}

// HourlyRate estimates the session's burn in units per hour over the recent
// snapshot window. Zero when nothing has been observed yet.
func (m *Meter) HourlyRate(sessionID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return hourlyRate(ms.rates)
}

func hourlyRate(samples []rateSample) float64 {
	var cost, secs float64
	for _, s := range samples {
		cost += s.cost
		secs += s.dt
	}
	if secs == 0 {
		return 0
	}
	return cost / secs * 3600
}

// PredictRemaining estimates hours until the session's account runs dry at
// the current burn rate. Negative means the balance never depletes.
func (m *Meter) PredictRemaining(ctx context.Context, sessionID string) (float64, error) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", sessionID, core.ErrSessionNotFound)
	}
	return m.ledger.PredictDepletion(ctx, ms.accountID, m.HourlyRate(sessionID))
}

// CommittedUnits reports how much the session has been billed so far.
func (m *Meter) CommittedUnits(sessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.sessions[sessionID]; ok {
		return ms.committed
	}
	return 0
}

func (m *Meter) commitAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.commit(ctx, id); err != nil {
			m.logger.Error("periodic commit failed", "session", id, "error", err)
		}
	}
}

// commit rounds the session's accrued cost down to whole units, debits them
// and persists the window summary in one ledger unit of work. The fractional
// remainder stays accrued for the next window.
func (m *Meter) commit(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	units := wholeUnits(ms.accrued)
	now := time.Now()
	summary := &core.UsageSummary{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		WindowStart:    ms.windowStart,
		WindowEnd:      now,
		CPUCoreSeconds: ms.cpuSeconds,
		MemGiBSeconds:  ms.memSeconds,
		IOMegabytes:    ms.ioMB,
		NetMegabytes:   ms.netMB,
		CostUnits:      units,
		CommittedAt:    now,
	}
	accountID, actorID := ms.accountID, ms.sess.UserID
	m.mu.Unlock()

	err := m.ledger.CommitUsage(ctx, accountID, units, "sandbox usage", sessionID, actorID, summary)
	if err != nil {
		if errors.Is(err, core.ErrInsufficientBalance) {
			m.metrics.RecordCommit("insufficient", 0)
			m.markExhausted(ctx, sessionID)
			return err
		}
		m.metrics.RecordCommit("error", 0)
		return err
	}
	m.metrics.RecordCommit("ok", units)

	m.mu.Lock()
	if ms, ok = m.sessions[sessionID]; ok {
		ms.accrued.Sub(ms.accrued, new(big.Rat).SetInt64(units))
		ms.committed += units
		ms.windowStart = now
		ms.cpuSeconds, ms.memSeconds, ms.ioMB, ms.netMB = 0, 0, 0, 0
	}
	m.mu.Unlock()

	m.warnIfLow(ctx, sessionID, accountID)
	return nil
}

// markExhausted emits credit_exhausted once per session; the orchestrator
// reaps on receipt and the final commit settles what the balance can cover.
func (m *Meter) markExhausted(ctx context.Context, sessionID string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	already := ok && ms.exhausted
	if ok {
		ms.exhausted = true
	}
	m.mu.Unlock()
	if !ok || already {
		return
	}
	m.metrics.CreditExhaustionEvents.Inc()
	m.emit(Signal{Kind: SignalExhausted, SessionID: sessionID})
}

func (m *Meter) warnIfLow(ctx context.Context, sessionID, accountID string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	warned := ok && ms.lowWarned
	m.mu.Unlock()
	if !ok || warned {
		return
	}

	low, balance, err := m.ledger.LowBalance(ctx, accountID)
	if err != nil || !low {
		return
	}
	m.mu.Lock()
	if ms, ok = m.sessions[sessionID]; ok {
		ms.lowWarned = true
	}
	m.mu.Unlock()
	m.emit(Signal{Kind: SignalLow, SessionID: sessionID, Balance: balance})
}

// Finalize commits whatever the session still owes and unregisters it. The
// returned total is the session's lifetime bill; the orchestrator records it
// on the Session before persisting the reap. A session the account could not
// cover settles at whatever the last successful commit reached.
func (m *Meter) Finalize(ctx context.Context, sessionID string) (int64, error) {
	err := m.commit(ctx, sessionID)

	m.mu.Lock()
	total := int64(0)
	if ms, ok := m.sessions[sessionID]; ok {
		total = ms.committed
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if err != nil && !errors.Is(err, core.ErrInsufficientBalance) {
		return total, err
	}
	return total, nil
}

func (m *Meter) emit(sig Signal) {
	select {
	case m.signals <- sig:
	default:
		m.logger.Warn("signal dropped, consumer behind", "kind", sig.Kind, "session", sig.SessionID)
	}
}

func ratFromFloat(f float64) *big.Rat {
	if r := new(big.Rat).SetFloat64(f); r != nil {
		return r
	}
	return new(big.Rat) // NaN or Inf never bills
}

// wholeUnits floors a non-negative rational to int64.
func wholeUnits(r *big.Rat) int64 {
	return new(big.Int).Quo(r.Num(), r.Denom()).Int64()
}
