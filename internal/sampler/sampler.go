// Package sampler turns raw engine stats into per-session resource
// snapshots at a fixed cadence. Each tracked session owns one sampling
// goroutine; snapshots land in a time-bounded ring for history and on the
// outbound channel for the usage meter.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
)

const statsTimeout = 10 * time.Second

// NetSource supplies per-sandbox network byte counters when the engine's own
// numbers are unusable (gVisor with network=none reports zeros). Counters
// are cumulative, like the engine's.
type NetSource interface {
	Counters(ctx context.Context, sandboxIP string) (rx, tx uint64, err error)
}

type tracked struct {
	session *core.Session
	handle  *driver.Handle
	ring    *Ring
	cancel  context.CancelFunc
	done    chan struct{}

	prev      *driver.RawStats
	netRxPrev uint64
	netTxPrev uint64
	netSeen   bool
}

// Sampler drives one sampling loop per tracked session.
type Sampler struct {
	drv    driver.Driver
	cfg    config.SamplerConfig
	net    NetSource // optional
	out    chan *core.Snapshot
	logger *slog.Logger

	mu      sync.Mutex
	tracked map[string]*tracked
}

func New(drv driver.Driver, cfg config.SamplerConfig, net NetSource) *Sampler {
	return &Sampler{
		drv:     drv,
		cfg:     cfg,
		net:     net,
		out:     make(chan *core.Snapshot, 1024),
		logger:  slog.With("component", "sampler"),
		tracked: make(map[string]*tracked),
	}
}

// Snapshots is the cold stream the usage meter consumes. Delivery is
// non-blocking on the sampling side; a stalled consumer loses samples, never
// stalls sampling.
func (s *Sampler) Snapshots() <-chan *core.Snapshot {
	return s.out
}

// Track starts sampling a session. The loop stops when ctx is cancelled,
// Stop is called, or the engine reports the sandbox gone.
func (s *Sampler) Track(ctx context.Context, sess *core.Session, h *driver.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tracked[sess.ID]; exists {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	tr := &tracked{
		session: sess,
		handle:  h,
		ring:    NewRing(s.cfg.HistoryWindow()),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.tracked[sess.ID] = tr
	go s.loop(loopCtx, tr)
	return nil
}

// Stop ends sampling for a session and waits for its loop to exit, bounded
// by one sample interval.
func (s *Sampler) Stop(sessionID string) {
	s.mu.Lock()
	tr, ok := s.tracked[sessionID]
	if ok {
		delete(s.tracked, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	tr.cancel()
	select {
	case <-tr.done:
	case <-time.After(s.cfg.SampleInterval()):
	}
}

// History returns the retained snapshots for a session, oldest first.
func (s *Sampler) History(sessionID string) []*core.Snapshot {
	s.mu.Lock()
	tr, ok := s.tracked[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return tr.ring.Items()
}

// Last returns the most recent snapshot for a session.
func (s *Sampler) Last(sessionID string) *core.Snapshot {
	s.mu.Lock()
	tr, ok := s.tracked[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return tr.ring.Last()
}

// Tracking reports whether a session is being sampled.
func (s *Sampler) Tracking(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracked[sessionID]
	return ok
}

func (s *Sampler) loop(ctx context.Context, tr *tracked) {
	defer close(tr.done)

	ticker := time.NewTicker(s.cfg.SampleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statsCtx, cancel := context.WithTimeout(ctx, statsTimeout)
		raw, err := s.drv.SampleStats(statsCtx, tr.handle)
		cancel()
		if err != nil {
			if errors.Is(err, core.ErrSandboxNotFound) {
				s.logger.Info("sandbox gone, sampler self-terminating",
					"session", tr.session.ID, "sandbox", tr.handle.SandboxID)
				s.remove(tr.session.ID)
				return
			}
			s.logger.Warn("stats sample failed", "session", tr.session.ID, "error", err)
			continue
		}
		if !raw.Running {
			s.logger.Info("sandbox stopped, sampler self-terminating", "session", tr.session.ID)
			s.remove(tr.session.ID)
			return
		}

		if tr.prev != nil && !raw.ReadAt.After(tr.prev.ReadAt) {
			// engine handed back a stale reading, nothing new to derive
			continue
		}
		snap := s.derive(ctx, tr, raw)
		tr.prev = raw
		if snap == nil {
			// first sample establishes the baseline, no derived value yet
			continue
		}

		tr.ring.Push(snap)
		select {
		case s.out <- snap:
		default: // meter behind, drop rather than stall the cadence
		}
	}
}

// derive computes one snapshot from two consecutive raw samples.
func (s *Sampler) derive(ctx context.Context, tr *tracked, raw *driver.RawStats) *core.Snapshot {
	prev := tr.prev
	if prev == nil {
		return nil
	}

	// raw.ReadAt is strictly after prev.ReadAt here, so snapshot timestamps
	// are strictly monotonic per session.
	snap := &core.Snapshot{
		SessionID: tr.session.ID,
		TS:        raw.ReadAt,
		MemBytes:  int64(raw.MemBytes),
	}

	cpuDelta := float64(raw.CPUTotal) - float64(prev.CPUTotal)
	sysDelta := float64(raw.SystemCPU) - float64(prev.SystemCPU)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		snap.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}

	snap.DiskReadBytes = counterDelta(raw.DiskRead, prev.DiskRead)
	snap.DiskWriteBytes = counterDelta(raw.DiskWrite, prev.DiskWrite)
	snap.NetRxBytes = counterDelta(raw.NetRx, prev.NetRx)
	snap.NetTxBytes = counterDelta(raw.NetTx, prev.NetTx)

	if s.net != nil && tr.handle.IP != "" {
		if rx, tx, err := s.net.Counters(ctx, tr.handle.IP); err == nil {
			if tr.netSeen {
				snap.NetRxBytes = counterDelta(rx, tr.netRxPrev)
				snap.NetTxBytes = counterDelta(tx, tr.netTxPrev)
			} else {
				snap.NetRxBytes, snap.NetTxBytes = 0, 0
			}
			tr.netRxPrev, tr.netTxPrev, tr.netSeen = rx, tx, true
		}
	}

	return snap
}

func (s *Sampler) remove(sessionID string) {
	s.mu.Lock()
	delete(s.tracked, sessionID)
	s.mu.Unlock()
}

// counterDelta guards against engine counter resets after restarts.
func counterDelta(cur, prev uint64) int64 {
	if cur < prev {
		return 0
	}
	return int64(cur - prev)
}
