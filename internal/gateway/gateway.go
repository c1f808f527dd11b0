// Package gateway is the IDE multiplexer: one WebSocket per client carrying
// auth, file ops, terminals, language/debug server proxies and collaboration
// traffic as JSON messages with a closed type set. All writes to a socket go
// through one writer goroutine; readers never write.
package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codeloft/backend/internal/auth"
	"github.com/codeloft/backend/internal/collab"
	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
	"github.com/codeloft/backend/internal/monitoring"
	"github.com/codeloft/backend/internal/orchestrator"
)

const writeWait = 10 * time.Second

// serverCapabilities is what auth_ack advertises to clients.
var serverCapabilities = []string{
	"files", "watch", "terminals", "lsp", "dap", "sync", "collab",
}

// Gateway upgrades IDE connections and owns the shared collaborators every
// connection needs.
type Gateway struct {
	verifier auth.Verifier
	orch     *orchestrator.Orchestrator
	collab   *collab.Broadcaster
	drv      driver.Driver
	metrics  *monitoring.Metrics
	cfg      config.GatewayConfig
	logger   *slog.Logger

	defaultRuntime core.RuntimeKey
	limiter        *upgradeLimiter
	upgrader       websocket.Upgrader
}

func New(verifier auth.Verifier, orch *orchestrator.Orchestrator, cb *collab.Broadcaster,
	drv driver.Driver, metrics *monitoring.Metrics, cfg config.GatewayConfig,
	defaultRuntime core.RuntimeKey) *Gateway {
	return &Gateway{
		verifier:       verifier,
		orch:           orch,
		collab:         cb,
		drv:            drv,
		metrics:        metrics,
		cfg:            cfg,
		logger:         slog.With("component", "gateway"),
		defaultRuntime: defaultRuntime,
		limiter:        newUpgradeLimiter(cfg.UpgradesPerMinute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin enforcement happens at the edge proxy; the runtime
			// core accepts whatever reaches it
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !g.limiter.allow(host) {
		http.Error(w, "upgrade rate exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &Conn{
		id:        uuid.NewString(),
		gw:        g,
		ws:        ws,
		send:      make(chan []byte, g.cfg.SendBuffer),
		done:      make(chan struct{}),
		lastBeat:  time.Now(),
		terminals: make(map[string]*terminal),
		proxies:   make(map[string]*stdioProxy),
	}
	g.metrics.GatewayConnections.Inc()

	go c.writePump()
	go c.readPump()
}
