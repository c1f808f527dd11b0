// Package orchestrator owns the sandbox lifecycle: assignment out of the warm
// pool or a fresh create, rescale, clone, and reap. Per sandbox, transitions
// run creating -> running -> (idle <-> running)* -> reaping -> gone, serialized
// by a per-entry mutex. Background loops probe health, reap idle and
// credit-exhausted sessions, and feed the pool's autoscaler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

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

const (
	eventSource      = "codeloft/orchestrator"
	workspacePath    = "/workspace"
	repurposeRetries = 2
	probeTimeout     = 5 * time.Second
	reapTimeout      = 30 * time.Second
)

// defaultLimits apply when an assignment does not request its own.
var defaultLimits = core.ResourceLimits{CPUShares: 2048, MemBytes: 2 << 30, Pids: 512}

// AssignOptions tune one assignment.
type AssignOptions struct {
	ForceNew bool
	EnvClass core.EnvironmentClass
	Limits   core.ResourceLimits
	// Workspace, when set, is a tar stream unpacked into the sandbox's
	// workspace directory before the session starts.
	Workspace io.Reader
}

// CloneLog records clone lineage. The checkpoint registry implements it;
// a nil log skips recording.
type CloneLog interface {
	Record(ctx context.Context, srcSandboxID, newSandboxID, checkpointRef, owner string) error
}

type entry struct {
	mu             sync.Mutex
	sb             *core.Sandbox
	sess           *core.Session
	handle         *driver.Handle
	pooled         bool // counted in the pool's capacity accounting
	healthFailures int
	disconnectedAt time.Time // zero while a client is attached
	reaped         bool
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Driver   driver.Driver
	Pool     *pool.Pool
	Sampler  *sampler.Sampler
	Meter    *meter.Meter
	Ledger   *ledger.Service
	Store    store.Store
	Events   events.Emitter
	Metrics  *monitoring.Metrics
	CloneLog CloneLog
	Cfg      config.OrchestratorConfig
	// ReconnectGrace is how long a disconnected session survives before the
	// idle loop reaps it.
	ReconnectGrace time.Duration
}

type Orchestrator struct {
	drv      driver.Driver
	pool     *pool.Pool
	sampler  *sampler.Sampler
	meter    *meter.Meter
	ledger   *ledger.Service
	store    store.Store
	events   events.Emitter
	metrics  *monitoring.Metrics
	cloneLog CloneLog
	cfg      config.OrchestratorConfig
	grace    time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry // by sandbox id
	bySession map[string]*entry
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		drv:       d.Driver,
		pool:      d.Pool,
		sampler:   d.Sampler,
		meter:     d.Meter,
		ledger:    d.Ledger,
		store:     d.Store,
		events:    d.Events,
		metrics:   d.Metrics,
		cloneLog:  d.CloneLog,
		cfg:       d.Cfg,
		grace:     d.ReconnectGrace,
		logger:    slog.With("component", "orchestrator"),
		entries:   make(map[string]*entry),
		bySession: make(map[string]*entry),
	}
}

// Assign binds a user/project to a sandbox: warm pool first, fresh create on
// miss. An active session for the same user and project is returned as-is
// unless ForceNew asks for a second one.
func (o *Orchestrator) Assign(ctx context.Context, userID, projectID string, rt core.RuntimeKey, opts AssignOptions) (*core.Session, error) {
	if !opts.ForceNew {
		if existing, err := o.store.ActiveSessionFor(ctx, userID, projectID); err == nil && existing != nil {
			return existing, nil
		}
	}
	if opts.EnvClass == "" {
		opts.EnvClass = core.EnvDevelopment
	}
	if opts.Limits == (core.ResourceLimits{}) {
		opts.Limits = defaultLimits
	}

	start := time.Now()
	sb, handle, pooled, source, err := o.obtain(ctx, userID, projectID, rt, opts)
	if err != nil {
		return nil, err
	}

	acct, err := o.accountFor(ctx, userID)
	if err != nil {
		o.discard(sb, handle, pooled)
		return nil, err
	}

	now := time.Now()
	sess := &core.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProjectID:      projectID,
		SandboxID:      sb.ID,
		EnvClass:       opts.EnvClass,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		o.discard(sb, handle, pooled)
		return nil, err
	}

	sb.State = core.SandboxRunning
	sb.Labels = core.SandboxLabels{Owner: userID, Project: projectID, Session: sess.ID}
	e := &entry{sb: sb, sess: sess, handle: handle, pooled: pooled}

	o.mu.Lock()
	o.entries[sb.ID] = e
	o.bySession[sess.ID] = e
	o.mu.Unlock()

	if err := o.sampler.Track(ctx, sess, handle); err != nil {
		o.logger.Warn("sampler track failed", "session", sess.ID, "error", err)
	}
	o.meter.Begin(sess, acct.ID)

	o.metrics.ActiveSandboxes.Inc()
	o.metrics.RecordSandboxCreated(rt.String(), source, time.Since(start).Seconds())
	o.events.Emit(events.EventSandboxAssigned, eventSource, sess.ID, map[string]interface{}{
		"sandbox_id": sb.ID,
		"user_id":    userID,
		"project_id": projectID,
		"runtime":    rt.String(),
		"source":     source,
	})
	o.logger.Info("session assigned",
		"session", sess.ID, "sandbox", sb.ID, "user", userID, "source", source)
	return sess, nil
}

// obtain produces a ready sandbox: repurposed warm entry when the pool has
// one, fresh create otherwise. A full pool degrades to an unpooled fresh
// create instead of refusing the assignment.
func (o *Orchestrator) obtain(ctx context.Context, userID, projectID string, rt core.RuntimeKey, opts AssignOptions) (*core.Sandbox, *driver.Handle, bool, string, error) {
	for attempt := 0; attempt < repurposeRetries; attempt++ {
		sb, ok := o.pool.Acquire(ctx, rt)
		if !ok {
			break
		}
		h := &driver.Handle{SandboxID: sb.ID, EngineID: sb.EngineHandle, IP: sb.IPAddress}
		if err := o.repurpose(ctx, sb, h, userID, projectID, opts); err != nil {
			o.logger.Warn("repurpose failed, destroying warm entry",
				"sandbox", sb.ID, "attempt", attempt, "error", err)
			o.metrics.RecordRepurpose(rt.String(), false)
			o.pool.Destroy(ctx, sb, core.CauseUnhealthy)
			continue
		}
		o.metrics.RecordRepurpose(rt.String(), true)
		return sb, h, true, "pool", nil
	}

	pooled := true
	if err := o.pool.Reserve(rt); err != nil {
		if errors.Is(err, core.ErrRuntimeUnknown) {
			return nil, nil, false, "", err
		}
		// pool at max: the session still gets a sandbox, just outside the
		// pool's capacity accounting
		o.logger.Warn("pool full, assigning unpooled", "runtime", rt.String(), "error", err)
		pooled = false
	}

	sb, h, err := o.createFresh(ctx, userID, projectID, rt, opts)
	if err != nil {
		if pooled {
			o.pool.Unreserve(rt)
		}
		return nil, nil, false, "", err
	}
	return sb, h, pooled, "fresh", nil
}

// repurpose converts a warm sandbox for its new owner: relabel, hot-apply the
// requested limits, attach the workspace, then scrub anything a previous
// tenant could have left behind.
func (o *Orchestrator) repurpose(ctx context.Context, sb *core.Sandbox, h *driver.Handle, userID, projectID string, opts AssignOptions) error {
	if err := o.drv.UpdateLimits(ctx, h, opts.Limits); err != nil {
		return fmt.Errorf("apply limits: %w", err)
	}
	sb.Limits = opts.Limits

	if opts.Workspace != nil {
		if err := o.drv.PutArchive(ctx, h, workspacePath, opts.Workspace); err != nil {
			return fmt.Errorf("attach workspace: %w", err)
		}
	}
	if err := o.scrub(ctx, h); err != nil {
		return fmt.Errorf("scrub: %w", err)
	}
	return nil
}

// scrub clears shell history and temp state. The pool scrubbed the sandbox at
// release already; this second pass covers entries parked since before a
// policy change.
func (o *Orchestrator) scrub(ctx context.Context, h *driver.Handle) error {
	streams, err := o.drv.Exec(ctx, h, driver.ExecOptions{
		Cmd:  []string{"/bin/sh", "-c", "rm -rf /tmp/* /root/.*history 2>/dev/null; true"},
		User: "root",
	})
	if err != nil {
		return err
	}
	select {
	case code := <-streams.Exit:
		if code != 0 {
			return fmt.Errorf("scrub exited %d", code)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) createFresh(ctx context.Context, userID, projectID string, rt core.RuntimeKey, opts AssignOptions) (*core.Sandbox, *driver.Handle, error) {
	image, ok := o.pool.ImageFor(rt)
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", rt, core.ErrRuntimeUnknown)
	}

	spec := driver.Spec{
		Name:    uuid.NewString(),
		Image:   image,
		Cmd:     []string{"sleep", "infinity"},
		Profile: "standard",
		Limits:  opts.Limits,
		Labels: map[string]string{
			"codeloft.owner":   userID,
			"codeloft.project": projectID,
			"codeloft.runtime": rt.String(),
		},
	}
	h, err := o.drv.Create(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	if err := o.drv.Start(ctx, h); err != nil {
		_ = o.drv.Delete(ctx, h)
		return nil, nil, err
	}
	if opts.Workspace != nil {
		if err := o.drv.PutArchive(ctx, h, workspacePath, opts.Workspace); err != nil {
			_ = o.drv.Delete(ctx, h)
			return nil, nil, err
		}
	}

	return &core.Sandbox{
		ID:           h.SandboxID,
		Runtime:      rt,
		Limits:       opts.Limits,
		Profile:      "standard",
		State:        core.SandboxCreating,
		EngineHandle: h.EngineID,
		IPAddress:    h.IP,
		CreatedAt:    time.Now(),
	}, h, nil
}

func (o *Orchestrator) accountFor(ctx context.Context, userID string) (*core.Account, error) {
	acct, err := o.store.AccountForUser(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, core.ErrAccountNotFound) {
		return nil, err
	}
	return o.ledger.OpenAccount(ctx, userID)
}

// discard tears down a sandbox that never reached a session.
func (o *Orchestrator) discard(sb *core.Sandbox, h *driver.Handle, pooled bool) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if pooled {
		o.pool.Destroy(ctx, sb, core.CauseUnhealthy)
		return
	}
	_ = o.drv.Delete(ctx, h)
}

// Rescale hot-applies new limits to a running sandbox. Applying the limits a
// sandbox already has is a no-op, so retries are safe.
func (o *Orchestrator) Rescale(ctx context.Context, sandboxID string, limits core.ResourceLimits) error {
	e, err := o.lookup(sandboxID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reaped {
		return fmt.Errorf("%s: %w", sandboxID, core.ErrSessionTerminated)
	}
	if e.sb.Limits == limits {
		return nil
	}
	if err := o.drv.UpdateLimits(ctx, e.handle, limits); err != nil {
		return err
	}
	e.sb.Limits = limits
	if e.sess != nil {
		e.sess.LastActivityAt = time.Now()
		if err := o.store.UpdateSession(ctx, e.sess); err != nil {
			o.logger.Warn("session update after rescale failed", "session", e.sess.ID, "error", err)
		}
	}
	o.events.Emit(events.EventSandboxRescaled, eventSource, sandboxID, map[string]interface{}{
		"cpu_shares": limits.CPUShares,
		"mem_bytes":  limits.MemBytes,
	})
	return nil
}

// Clone duplicates a sandbox for a new owner: engine checkpoint/restore when
// supported, otherwise a fresh create with the workspace copied over.
func (o *Orchestrator) Clone(ctx context.Context, srcSandboxID, newOwner string) (string, error) {
	src, err := o.lookup(srcSandboxID)
	if err != nil {
		return "", err
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.reaped {
		return "", fmt.Errorf("%s: %w", srcSandboxID, core.ErrSessionTerminated)
	}

	spec := driver.Spec{
		Name:    uuid.NewString(),
		Image:   o.imageOf(src.sb),
		Cmd:     []string{"sleep", "infinity"},
		Profile: src.sb.Profile,
		Limits:  src.sb.Limits,
		Labels: map[string]string{
			"codeloft.owner":     newOwner,
			"codeloft.runtime":   src.sb.Runtime.String(),
			"codeloft.cloned_of": srcSandboxID,
		},
	}

	var h *driver.Handle
	var ref string
	if o.drv.Supports(driver.CapCheckpoint) {
		ref, err = o.drv.Checkpoint(ctx, src.handle)
		if err != nil {
			return "", fmt.Errorf("checkpoint: %w", err)
		}
		h, err = o.drv.Restore(ctx, ref, spec)
		if err != nil {
			return "", fmt.Errorf("restore: %w", err)
		}
	} else {
		h, err = o.cloneByArchive(ctx, src.handle, spec)
		if err != nil {
			return "", err
		}
	}

	sb := &core.Sandbox{
		ID:           h.SandboxID,
		Runtime:      src.sb.Runtime,
		Limits:       src.sb.Limits,
		Profile:      src.sb.Profile,
		State:        core.SandboxRunning,
		EngineHandle: h.EngineID,
		IPAddress:    h.IP,
		Labels:       core.SandboxLabels{Owner: newOwner},
		CreatedAt:    time.Now(),
	}
	o.mu.Lock()
	o.entries[sb.ID] = &entry{sb: sb, handle: h}
	o.mu.Unlock()

	if o.cloneLog != nil {
		if err := o.cloneLog.Record(ctx, srcSandboxID, sb.ID, ref, newOwner); err != nil {
			o.logger.Warn("clone record failed", "sandbox", sb.ID, "error", err)
		}
	}
	o.metrics.RecordSandboxCreated(sb.Runtime.String(), "clone", 0)
	o.events.Emit(events.EventSandboxCloned, eventSource, sb.ID, map[string]interface{}{
		"source_sandbox_id": srcSandboxID,
		"owner":             newOwner,
		"checkpoint":        ref != "",
	})
	return sb.ID, nil
}

func (o *Orchestrator) cloneByArchive(ctx context.Context, srcHandle *driver.Handle, spec driver.Spec) (*driver.Handle, error) {
	h, err := o.drv.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := o.drv.Start(ctx, h); err != nil {
		_ = o.drv.Delete(ctx, h)
		return nil, err
	}
	rc, err := o.drv.GetArchive(ctx, srcHandle, workspacePath)
	if err != nil {
		_ = o.drv.Delete(ctx, h)
		return nil, fmt.Errorf("read source workspace: %w", err)
	}
	defer rc.Close()
	if err := o.drv.PutArchive(ctx, h, workspacePath, rc); err != nil {
		_ = o.drv.Delete(ctx, h)
		return nil, fmt.Errorf("write workspace: %w", err)
	}
	return h, nil
}

func (o *Orchestrator) imageOf(sb *core.Sandbox) string {
	if image, ok := o.pool.ImageFor(sb.Runtime); ok {
		return image
	}
	return ""
}

// Reap tears a sandbox down: sampler stops first, the meter settles the final
// bill, the session record closes, then the engine object goes away. Calling
// Reap on an already-reaped sandbox is a no-op.
func (o *Orchestrator) Reap(ctx context.Context, sandboxID string, cause core.TerminationCause) error {
	e, err := o.lookup(sandboxID)
	if err != nil {
		if errors.Is(err, core.ErrSandboxNotFound) {
			return nil // already gone
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reaped {
		return nil
	}
	e.reaped = true
	e.sb.State = core.SandboxReaping

	if e.sess != nil {
		o.sampler.Stop(e.sess.ID)

		finalCost, ferr := o.meter.Finalize(ctx, e.sess.ID)
		if ferr != nil {
			o.logger.Error("final meter commit failed", "session", e.sess.ID, "error", ferr)
		}
		now := time.Now()
		e.sess.TerminatedAt = &now
		e.sess.Cause = cause
		e.sess.FinalCost = finalCost
		if uerr := o.store.UpdateSession(ctx, e.sess); uerr != nil {
			o.logger.Error("session close failed", "session", e.sess.ID, "error", uerr)
		}
	}

	if e.pooled {
		o.pool.Destroy(ctx, e.sb, cause)
	} else {
		dctx, cancel := context.WithTimeout(ctx, reapTimeout)
		_ = o.drv.Delete(dctx, e.handle)
		cancel()
		o.metrics.RecordSandboxDestroyed(e.sb.Runtime.String(), string(cause))
	}
	e.sb.State = core.SandboxGone

	o.mu.Lock()
	delete(o.entries, sandboxID)
	if e.sess != nil {
		delete(o.bySession, e.sess.ID)
	}
	o.mu.Unlock()

	if e.sess != nil {
		o.metrics.ActiveSandboxes.Dec()
	}
	o.events.Emit(events.EventSandboxReaped, eventSource, sandboxID, map[string]interface{}{
		"cause": string(cause),
	})
	o.logger.Info("sandbox reaped", "sandbox", sandboxID, "cause", cause)
	return nil
}

// Status reports the sandbox and its session, if any.
func (o *Orchestrator) Status(sandboxID string) (*core.Sandbox, *core.Session, error) {
	e, err := o.lookup(sandboxID)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sb := *e.sb
	if e.sess == nil {
		return &sb, nil, nil
	}
	sess := *e.sess
	return &sb, &sess, nil
}

// Stats is a point-in-time view across all tracked sandboxes.
type Stats struct {
	Sandboxes int                       `json:"sandboxes"`
	ByState   map[core.SandboxState]int `json:"by_state"`
	Pools     []core.PoolTelemetry      `json:"pools"`
}

func (o *Orchestrator) StatsSnapshot() Stats {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	o.mu.Unlock()

	s := Stats{ByState: make(map[core.SandboxState]int), Pools: o.pool.Telemetry()}
	for _, e := range entries {
		e.mu.Lock()
		s.ByState[e.sb.State]++
		e.mu.Unlock()
		s.Sandboxes++
	}
	return s
}

// Session resolves a session to its sandbox handle for the gateway.
func (o *Orchestrator) Session(sessionID string) (*core.Session, *core.Sandbox, *driver.Handle, error) {
	o.mu.Lock()
	e, ok := o.bySession[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil, nil, nil, fmt.Errorf("%s: %w", sessionID, core.ErrSessionNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reaped {
		return nil, nil, nil, fmt.Errorf("%s: %w", sessionID, core.ErrSessionTerminated)
	}
	return e.sess, e.sb, e.handle, nil
}

// ClientAttached marks a session as having a live IDE connection, clearing
// the disconnect clock.
func (o *Orchestrator) ClientAttached(sessionID string) {
	if e := o.sessionEntry(sessionID); e != nil {
		e.mu.Lock()
		e.disconnectedAt = time.Time{}
		e.sess.LastActivityAt = time.Now()
		e.mu.Unlock()
	}
}

// ClientDetached starts the reconnect grace clock. The session is not reaped
// until the grace elapses without a new connection.
func (o *Orchestrator) ClientDetached(sessionID string) {
	if e := o.sessionEntry(sessionID); e != nil {
		e.mu.Lock()
		e.disconnectedAt = time.Now()
		e.mu.Unlock()
	}
}

// Touch stamps activity on a session; the gateway calls it per message.
func (o *Orchestrator) Touch(sessionID string) {
	if e := o.sessionEntry(sessionID); e != nil {
		e.mu.Lock()
		e.sess.LastActivityAt = time.Now()
		e.mu.Unlock()
	}
}

func (o *Orchestrator) sessionEntry(sessionID string) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bySession[sessionID]
}

func (o *Orchestrator) lookup(sandboxID string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", sandboxID, core.ErrSandboxNotFound)
	}
	return e, nil
}

// Run drives the meter signal consumer and the health, idle and autoscale
// loops until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); o.signalLoop(ctx) }()
	go func() { defer wg.Done(); o.healthLoop(ctx) }()
	go func() { defer wg.Done(); o.idleLoop(ctx) }()
	wg.Wait()
}

// signalLoop reacts to meter signals: idle/active flip the sandbox state,
// low balance warns, exhaustion reaps.
func (o *Orchestrator) signalLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-o.meter.Signals():
			o.handleSignal(ctx, sig)
		}
	}
}

func (o *Orchestrator) handleSignal(ctx context.Context, sig meter.Signal) {
	e := o.sessionEntry(sig.SessionID)
	switch sig.Kind {
	case meter.SignalIdle:
		if e == nil {
			return
		}
		e.mu.Lock()
		if !e.reaped {
			e.sb.State = core.SandboxIdle
			if err := o.store.UpdateSession(ctx, e.sess); err != nil {
				o.logger.Warn("idle session update failed", "session", sig.SessionID, "error", err)
			}
		}
		e.mu.Unlock()
		o.events.Emit(events.EventSessionIdle, eventSource, sig.SessionID, nil)

	case meter.SignalActive:
		if e == nil {
			return
		}
		e.mu.Lock()
		if !e.reaped && e.sb.State == core.SandboxIdle {
			e.sb.State = core.SandboxRunning
			if err := o.store.UpdateSession(ctx, e.sess); err != nil {
				o.logger.Warn("active session update failed", "session", sig.SessionID, "error", err)
			}
		}
		e.mu.Unlock()
		o.events.Emit(events.EventSessionActive, eventSource, sig.SessionID, nil)

	case meter.SignalLow:
		o.events.Emit(events.EventCreditsLow, eventSource, sig.SessionID, map[string]interface{}{
			"balance": sig.Balance,
		})

	case meter.SignalExhausted:
		o.events.Emit(events.EventCreditsExhausted, eventSource, sig.SessionID, nil)
		if e != nil {
			e.mu.Lock()
			sandboxID := e.sb.ID
			e.mu.Unlock()
			if err := o.Reap(ctx, sandboxID, core.CauseCreditExhausted); err != nil {
				o.logger.Error("exhaustion reap failed", "sandbox", sandboxID, "error", err)
			}
		}
	}
}

// healthLoop probes every tracked sandbox each interval. A failed probe gets
// one restart attempt; the configured number of consecutive failures reaps.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.probeAll(ctx)
		}
	}
}

func (o *Orchestrator) probeAll(ctx context.Context) {
	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		if e.reaped {
			e.mu.Unlock()
			continue
		}
		handle, sandboxID := e.handle, e.sb.ID
		e.mu.Unlock()

		healthy := o.probe(ctx, handle)

		e.mu.Lock()
		if healthy {
			e.healthFailures = 0
			e.mu.Unlock()
			continue
		}
		e.healthFailures++
		failures := e.healthFailures
		e.mu.Unlock()

		o.logger.Warn("health probe failed", "sandbox", sandboxID, "consecutive", failures)
		if failures >= o.cfg.HealthFailuresToReap {
			if err := o.Reap(ctx, sandboxID, core.CauseUnhealthy); err != nil {
				o.logger.Error("unhealthy reap failed", "sandbox", sandboxID, "error", err)
			}
			continue
		}
		// restart attempt may bring a stopped container back before the
		// failure budget runs out
		rctx, cancel := context.WithTimeout(ctx, probeTimeout)
		if err := o.drv.Start(rctx, handle); err != nil {
			o.logger.Warn("restart attempt failed", "sandbox", sandboxID, "error", err)
		}
		cancel()
	}
}

func (o *Orchestrator) probe(ctx context.Context, h *driver.Handle) bool {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	streams, err := o.drv.Exec(pctx, h, driver.ExecOptions{Cmd: []string{"true"}})
	if err != nil {
		return false
	}
	select {
	case code := <-streams.Exit:
		return code == 0
	case <-pctx.Done():
		return false
	}
}

// idleLoop reaps sessions idle past the timeout and sessions whose client
// never came back within the reconnect grace. It also runs the pool's
// autoscale pass and persists pool telemetry on the same cadence.
func (o *Orchestrator) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepIdle(ctx)
			o.pool.Autoscale()
			if err := o.store.RecordPoolTelemetry(ctx, o.pool.Telemetry()); err != nil {
				o.logger.Warn("pool telemetry persist failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) sweepIdle(ctx context.Context) {
	now := time.Now()
	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		if e.reaped || e.sess == nil {
			e.mu.Unlock()
			continue
		}
		sandboxID := e.sb.ID
		idleTooLong := e.sess.IdleSince != nil && now.Sub(*e.sess.IdleSince) >= o.cfg.IdleTimeout()
		graceExpired := !e.disconnectedAt.IsZero() && o.grace > 0 && now.Sub(e.disconnectedAt) >= o.grace
		e.mu.Unlock()

		if idleTooLong || graceExpired {
			if err := o.Reap(ctx, sandboxID, core.CauseIdle); err != nil {
				o.logger.Error("idle reap failed", "sandbox", sandboxID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) snapshotEntries() []*entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

// Shutdown reaps every tracked sandbox. Called once on daemon exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		sandboxID := e.sb.ID
		e.mu.Unlock()
		if err := o.Reap(ctx, sandboxID, core.CauseShutdown); err != nil {
			o.logger.Error("shutdown reap failed", "sandbox", sandboxID, "error", err)
		}
	}
}
