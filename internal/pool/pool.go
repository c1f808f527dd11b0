// Package pool keeps pre-warmed sandboxes per runtime key so assignment can
// skip the cold-start path. Entries are scrubbed on release and retired once
// they exceed the reuse age.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
	"github.com/codeloft/backend/internal/monitoring"
)

// warmLimits is what pre-warmed sandboxes run with until repurposed.
var warmLimits = core.ResourceLimits{CPUShares: 1024, MemBytes: 512 << 20, Pids: 256}

// keepAliveCmd pins the container so the engine does not exit it.
var keepAliveCmd = []string{"sleep", "infinity"}

const (
	scrubTimeout   = 10 * time.Second
	destroyTimeout = 15 * time.Second
)

type keyPool struct {
	mu       sync.Mutex
	key      core.RuntimeKey
	image    string
	min, max int
	target   int
	warm     []*core.Sandbox
	active   int
	creating int

	hits, misses, repurposed, retired int64
}

// Pool owns one keyPool per configured runtime. All size decisions for a key
// happen under that key's mutex so the refill, eviction and autoscale passes
// cannot fight acquire and release.
type Pool struct {
	drv     driver.Driver
	cfg     config.PoolConfig
	metrics *monitoring.Metrics
	logger  *slog.Logger
	kick    chan struct{}

	keys map[string]*keyPool // immutable after New
}

func New(drv driver.Driver, cfg config.PoolConfig, metrics *monitoring.Metrics) (*Pool, error) {
	p := &Pool{
		drv:     drv,
		cfg:     cfg,
		metrics: metrics,
		logger:  slog.With("component", "pool"),
		kick:    make(chan struct{}, 1),
		keys:    make(map[string]*keyPool, len(cfg.Keys)),
	}
	for _, k := range cfg.Keys {
		rk := k.Runtime()
		if _, dup := p.keys[rk.String()]; dup {
			return nil, fmt.Errorf("duplicate pool key %s", rk)
		}
		p.keys[rk.String()] = &keyPool{
			key:    rk,
			image:  k.Image,
			min:    k.Min,
			max:    k.Max,
			target: k.Min,
		}
	}
	return p, nil
}

func (p *Pool) keyFor(key core.RuntimeKey) *keyPool {
	return p.keys[key.String()]
}

// ImageFor resolves the configured image for a runtime key.
func (p *Pool) ImageFor(key core.RuntimeKey) (string, bool) {
	kp := p.keyFor(key)
	if kp == nil {
		return "", false
	}
	return kp.image, true
}

// Run drives the refill and eviction passes until ctx is cancelled. Acquire
// kicks it awake so refill starts within a tick of a pool hit.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RefillInterval())
	defer ticker.Stop()

	p.maintain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.maintain(ctx)
	}
}

// Acquire pops a warm sandbox for the key if one is present. A miss returns
// (nil, false); the caller cold-starts through Reserve.
func (p *Pool) Acquire(ctx context.Context, key core.RuntimeKey) (*core.Sandbox, bool) {
	kp := p.keyFor(key)
	if kp == nil {
		return nil, false
	}

	kp.mu.Lock()
	if len(kp.warm) == 0 {
		kp.misses++
		kp.mu.Unlock()
		p.metrics.RecordPoolAcquire(key.String(), false)
		return nil, false
	}
	sb := kp.warm[0]
	kp.warm = kp.warm[1:]
	kp.active++
	kp.hits++
	size := len(kp.warm)
	kp.mu.Unlock()

	p.metrics.RecordPoolAcquire(key.String(), true)
	p.metrics.SetPoolSize(key.String(), size)
	p.wake()
	return sb, true
}

// Reserve claims capacity for a sandbox created outside the warm set. It
// fails with ErrPoolFull when the key is at max and with ErrRuntimeUnknown
// for keys that were never configured.
func (p *Pool) Reserve(key core.RuntimeKey) error {
	kp := p.keyFor(key)
	if kp == nil {
		return fmt.Errorf("%s: %w", key, core.ErrRuntimeUnknown)
	}
	kp.mu.Lock()
	defer kp.mu.Unlock()
	if kp.active+len(kp.warm)+kp.creating >= kp.max {
		return fmt.Errorf("%s at capacity %d: %w", key, kp.max, core.ErrPoolFull)
	}
	kp.active++
	return nil
}

// Unreserve undoes a Reserve whose cold start failed.
func (p *Pool) Unreserve(key core.RuntimeKey) {
	kp := p.keyFor(key)
	if kp == nil {
		return
	}
	kp.mu.Lock()
	if kp.active > 0 {
		kp.active--
	}
	kp.mu.Unlock()
}

// Release hands a sandbox back. Young healthy sandboxes are scrubbed and
// requeued; anything else is destroyed.
func (p *Pool) Release(ctx context.Context, sb *core.Sandbox, healthy bool) {
	kp := p.keyFor(sb.Runtime)
	if kp == nil {
		p.destroySandbox(sb, core.CauseUserRequest)
		return
	}

	kp.mu.Lock()
	if kp.active > 0 {
		kp.active--
	}
	roomAt := kp.target
	kp.mu.Unlock()

	if !healthy || time.Since(sb.CreatedAt) >= p.cfg.ReuseAge() {
		kp.mu.Lock()
		kp.retired++
		kp.mu.Unlock()
		p.destroySandbox(sb, core.CauseUserRequest)
		return
	}
	if err := p.scrub(ctx, sb); err != nil {
		p.logger.Warn("scrub failed, destroying", "sandbox", sb.ID, "error", err)
		p.destroySandbox(sb, core.CauseUnhealthy)
		return
	}

	sb.Labels = core.SandboxLabels{Pooled: true}
	sb.Limits = warmLimits
	sb.State = core.SandboxRunning

	kp.mu.Lock()
	if len(kp.warm) >= roomAt || kp.active+len(kp.warm) >= kp.max {
		kp.retired++
		kp.mu.Unlock()
		p.destroySandbox(sb, core.CauseUserRequest)
		return
	}
	kp.warm = append(kp.warm, sb)
	size := len(kp.warm)
	kp.repurposed++
	kp.mu.Unlock()

	p.metrics.SetPoolSize(sb.Runtime.String(), size)
	p.metrics.RecordRepurpose(sb.Runtime.String(), true)
}

// Destroy removes a sandbox for good and releases its capacity slot.
func (p *Pool) Destroy(ctx context.Context, sb *core.Sandbox, cause core.TerminationCause) {
	if kp := p.keyFor(sb.Runtime); kp != nil {
		kp.mu.Lock()
		if kp.active > 0 {
			kp.active--
		}
		kp.mu.Unlock()
	}
	p.destroySandbox(sb, cause)
}

// scrub wipes tenant-visible state and resets limits so the next owner
// inherits nothing.
func (p *Pool) scrub(ctx context.Context, sb *core.Sandbox) error {
	ctx, cancel := context.WithTimeout(ctx, scrubTimeout)
	defer cancel()

	h := &driver.Handle{SandboxID: sb.ID, EngineID: sb.EngineHandle, IP: sb.IPAddress}
	streams, err := p.drv.Exec(ctx, h, driver.ExecOptions{
		Cmd:  []string{"/bin/sh", "-c", "rm -rf /tmp/* /workspace/* 2>/dev/null; true"},
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
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.drv.UpdateLimits(ctx, h, warmLimits)
}

func (p *Pool) destroySandbox(sb *core.Sandbox, cause core.TerminationCause) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	h := &driver.Handle{SandboxID: sb.ID, EngineID: sb.EngineHandle}
	if err := p.drv.Delete(ctx, h); err != nil {
		p.logger.Warn("destroy failed", "sandbox", sb.ID, "error", err)
		return
	}
	p.metrics.RecordSandboxDestroyed(sb.Runtime.String(), string(cause))
}

// maintain runs one eviction-then-refill pass over every key.
func (p *Pool) maintain(ctx context.Context) {
	for _, kp := range p.keys {
		p.evictStale(kp)
		p.refill(ctx, kp)
	}
}

func (p *Pool) evictStale(kp *keyPool) {
	reuseAge := p.cfg.ReuseAge()

	kp.mu.Lock()
	keep := kp.warm[:0]
	var stale []*core.Sandbox
	for _, sb := range kp.warm {
		if time.Since(sb.CreatedAt) >= reuseAge {
			stale = append(stale, sb)
			continue
		}
		keep = append(keep, sb)
	}
	kp.warm = keep
	kp.retired += int64(len(stale))
	size := len(kp.warm)
	kp.mu.Unlock()

	for _, sb := range stale {
		p.destroySandbox(sb, core.CauseIdle)
	}
	if len(stale) > 0 {
		p.metrics.SetPoolSize(kp.key.String(), size)
		p.logger.Info("retired stale warm sandboxes", "runtime", kp.key.String(), "count", len(stale))
	}
}

func (p *Pool) refill(ctx context.Context, kp *keyPool) {
	kp.mu.Lock()
	deficit := kp.target - (len(kp.warm) + kp.creating)
	if room := kp.max - (kp.active + len(kp.warm) + kp.creating); deficit > room {
		deficit = room
	}
	kp.creating += max(deficit, 0)
	kp.mu.Unlock()

	for i := 0; i < deficit; i++ {
		go p.addWarm(ctx, kp)
	}
}

func (p *Pool) addWarm(ctx context.Context, kp *keyPool) {
	start := time.Now()
	sb, err := p.createWarm(ctx, kp)

	kp.mu.Lock()
	kp.creating--
	if err == nil && (len(kp.warm) >= kp.target || kp.active+len(kp.warm) >= kp.max) {
		// a concurrent release or shrink beat us; fold the extra back down
		kp.mu.Unlock()
		p.destroySandbox(sb, core.CauseUserRequest)
		return
	}
	if err == nil {
		kp.warm = append(kp.warm, sb)
	}
	size := len(kp.warm)
	kp.mu.Unlock()

	if err != nil {
		p.logger.Warn("warm create failed", "runtime", kp.key.String(), "error", err)
		return
	}
	p.metrics.SetPoolSize(kp.key.String(), size)
	p.metrics.RecordSandboxCreated(kp.key.String(), "pool", time.Since(start).Seconds())
}

func (p *Pool) createWarm(ctx context.Context, kp *keyPool) (*core.Sandbox, error) {
	spec := driver.Spec{
		Name:    uuid.NewString(),
		Image:   kp.image,
		Cmd:     keepAliveCmd,
		Profile: "standard",
		Limits:  warmLimits,
		Labels: map[string]string{
			"codeloft.pool":    "warm",
			"codeloft.runtime": kp.key.String(),
		},
	}
	h, err := p.drv.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.drv.Start(ctx, h); err != nil {
		_ = p.drv.Delete(ctx, h)
		return nil, err
	}
	return &core.Sandbox{
		ID:           h.SandboxID,
		Runtime:      kp.key,
		Limits:       warmLimits,
		Profile:      "standard",
		State:        core.SandboxRunning,
		EngineHandle: h.EngineID,
		IPAddress:    h.IP,
		Labels:       core.SandboxLabels{Pooled: true},
		CreatedAt:    time.Now(),
	}, nil
}

// Autoscale runs one sizing pass: utilization above the high water grows the
// target by the configured step, below the low water it falls back to min.
// Excess warm entries are trimmed immediately so shrink is visible.
func (p *Pool) Autoscale() {
	for _, kp := range p.keys {
		var trim []*core.Sandbox

		kp.mu.Lock()
		total := kp.active + len(kp.warm)
		var util float64
		if total > 0 {
			util = float64(kp.active) / float64(total)
		}
		switch {
		case util > p.cfg.HighWater && kp.target < kp.max:
			kp.target = min(kp.target+p.cfg.AutoscaleStep, kp.max)
			p.logger.Info("pool target raised", "runtime", kp.key.String(), "target", kp.target, "utilization", util)
		case util < p.cfg.LowWater && kp.target > kp.min:
			kp.target = kp.min
			p.logger.Info("pool target lowered", "runtime", kp.key.String(), "target", kp.target, "utilization", util)
		}
		for len(kp.warm) > kp.target {
			last := len(kp.warm) - 1
			trim = append(trim, kp.warm[last])
			kp.warm = kp.warm[:last]
			kp.retired++
		}
		size := len(kp.warm)
		kp.mu.Unlock()

		for _, sb := range trim {
			p.destroySandbox(sb, core.CauseUserRequest)
		}
		if len(trim) > 0 {
			p.metrics.SetPoolSize(kp.key.String(), size)
		}
	}
	p.wake()
}

// Telemetry snapshots every key for persistence.
func (p *Pool) Telemetry() []core.PoolTelemetry {
	out := make([]core.PoolTelemetry, 0, len(p.keys))
	for _, kp := range p.keys {
		kp.mu.Lock()
		out = append(out, core.PoolTelemetry{
			Key:        kp.key,
			Size:       len(kp.warm),
			Active:     kp.active,
			Target:     kp.target,
			Hits:       kp.hits,
			Misses:     kp.misses,
			Repurposed: kp.repurposed,
			Retired:    kp.retired,
			RecordedAt: time.Now(),
		})
		kp.mu.Unlock()
	}
	return out
}

// Close destroys every warm sandbox. Active ones belong to their sessions
// and are reaped by the orchestrator.
func (p *Pool) Close() {
	for _, kp := range p.keys {
		kp.mu.Lock()
		warm := kp.warm
		kp.warm = nil
		kp.mu.Unlock()
		for _, sb := range warm {
			p.destroySandbox(sb, core.CauseShutdown)
		}
	}
}

func (p *Pool) wake() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}
