package gateway

import (
	"sync"
	"time"
)

// upgradeLimiter caps WebSocket upgrades per remote address over a one-minute
// window. Windows are swept lazily on each check, so an idle limiter holds no
// timers.
type upgradeLimiter struct {
	mu      sync.Mutex
	perMin  int
	windows map[string]*limitWindow
}

type limitWindow struct {
	count int
	start time.Time
}

func newUpgradeLimiter(perMinute int) *upgradeLimiter {
	return &upgradeLimiter{perMin: perMinute, windows: make(map[string]*limitWindow)}
}

func (l *upgradeLimiter) allow(key string) bool {
	if l.perMin <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		// reuse the sweep to drop other expired windows once the map grows
		if len(l.windows) > 1024 {
			for k, win := range l.windows {
				if now.Sub(win.start) > time.Minute {
					delete(l.windows, k)
				}
			}
		}
		l.windows[key] = &limitWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.perMin
}
