package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
	"github.com/codeloft/backend/internal/orchestrator"
)

// Conn is one IDE connection. The read goroutine owns all reads and all
// message handling; the write goroutine owns all data writes. Subordinate
// producers (terminal readers, watchers, collab fan-in) enqueue onto send.
type Conn struct {
	id   string
	gw   *Gateway
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	sess        *core.Session
	handle      *driver.Handle
	runtime     core.RuntimeKey
	project     string
	userID      string
	lastBeat    time.Time
	terminals   map[string]*terminal
	proxies     map[string]*stdioProxy
	watchCancel context.CancelFunc
}

// PeerID implements collab.Peer.
func (c *Conn) PeerID() string { return c.id }

// UserID implements collab.Peer.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Send implements collab.Peer: marshal and enqueue without blocking. A full
// queue means the client cannot keep up; the connection closes slow_client
// and the sandbox survives for the reconnect grace.
func (c *Conn) Send(event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed: %w", core.ErrSlowClient)
	default:
		c.close(CloseSlowClient, "slow_client")
		return core.ErrSlowClient
	}
}

func (c *Conn) sendMsg(m *Message) {
	if err := c.Send(m); err == nil {
		c.gw.metrics.RecordMessage(m.Type, "out")
	}
}

// close shuts the connection down exactly once: control frame out, all
// terminals and proxies closed, room left, disconnect clock started.
func (c *Conn) close(code int, cause string) {
	c.once.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, cause), deadline)
		close(c.done)

		c.mu.Lock()
		terms := make([]*terminal, 0, len(c.terminals))
		for _, t := range c.terminals {
			terms = append(terms, t)
		}
		c.terminals = map[string]*terminal{}
		proxies := make([]*stdioProxy, 0, len(c.proxies))
		for _, p := range c.proxies {
			proxies = append(proxies, p)
		}
		c.proxies = map[string]*stdioProxy{}
		watchCancel := c.watchCancel
		c.watchCancel = nil
		sess, project := c.sess, c.project
		c.mu.Unlock()

		for _, t := range terms {
			t.shutdown()
		}
		for _, p := range proxies {
			p.shutdown()
		}
		if watchCancel != nil {
			watchCancel()
		}
		if sess != nil {
			c.gw.collab.Leave(project, c.id)
			c.gw.orch.ClientDetached(sess.ID)
		}

		_ = c.ws.Close()
		c.gw.metrics.GatewayConnections.Dec()
		c.gw.metrics.RecordClose(cause)
		c.gw.logger.Info("connection closed", "conn", c.id, "cause", cause)
	})
}

// writePump owns every data write on the socket, plus the heartbeat
// staleness check.
func (c *Conn) writePump() {
	interval := c.gw.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write_failed")
				return
			}
			// drain what queued while we were writing
			for n := len(c.send); n > 0; n-- {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					c.close(websocket.CloseAbnormalClosure, "write_failed")
					return
				}
			}

		case <-ticker.C:
			c.mu.Lock()
			last := c.lastBeat
			authed := c.sess != nil
			c.mu.Unlock()
			if authed && time.Since(last) > c.gw.cfg.HeartbeatTimeout() {
				c.close(CloseStale, "stale")
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write_failed")
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns every read. The first message must be auth; everything after
// dispatches in arrival order on this goroutine.
func (c *Conn) readPump() {
	defer c.close(websocket.CloseNormalClosure, "client_gone")

	c.ws.SetReadLimit(int64(c.gw.cfg.MaxMessageBytes))

	authed := false
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendMsg(errorMsg("bad_message", "malformed JSON"))
			continue
		}
		c.gw.metrics.RecordMessage(msg.Type, "in")

		if !authed {
			if msg.Type != MsgAuth {
				c.close(CloseAuthRequired, "auth_required")
				return
			}
			if err := c.handleAuth(&msg); err != nil {
				c.close(CloseInvalidToken, "invalid_token")
				return
			}
			authed = true
			continue
		}

		c.mu.Lock()
		sessID := c.sess.ID
		c.mu.Unlock()
		c.gw.orch.Touch(sessID)
		c.dispatch(&msg)
	}
}

func (c *Conn) handleAuth(msg *Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ident, err := c.gw.verifier.Verify(ctx, msg.Token)
	if err != nil {
		return err
	}
	if msg.Project == "" {
		return fmt.Errorf("auth without project: %w", core.ErrInvalidToken)
	}

	rt := c.gw.defaultRuntime
	if msg.Language != "" {
		rt = core.RuntimeKey{Language: msg.Language, Version: msg.Version}
	}

	sess, err := c.gw.orch.Assign(ctx, ident.UserID, msg.Project, rt, orchestrator.AssignOptions{})
	if err != nil {
		return err
	}
	_, _, handle, err := c.gw.orch.Session(sess.ID)
	if err != nil {
		return err
	}

	// roster before Join so the new peer is not its own peer
	peers := c.gw.collab.Roster(msg.Project)

	c.mu.Lock()
	c.sess = sess
	c.handle = handle
	c.runtime = rt
	c.project = msg.Project
	c.userID = ident.UserID
	c.lastBeat = time.Now()
	c.mu.Unlock()

	c.gw.collab.Join(msg.Project, c)
	c.gw.orch.ClientAttached(sess.ID)

	c.sendMsg(&Message{
		Type:         MsgAuthAck,
		SessionID:    sess.ID,
		SandboxID:    sess.SandboxID,
		Capabilities: serverCapabilities,
		Peers:        peers,
	})
	return nil
}

func (c *Conn) dispatch(msg *Message) {
	switch msg.Type {
	case MsgHeartbeat:
		c.mu.Lock()
		c.lastBeat = time.Now()
		c.mu.Unlock()
		c.sendMsg(&Message{Type: MsgHeartbeatAck, TS: msg.TS})

	case MsgFileRead:
		c.handleFileRead(msg)
	case MsgFileWrite:
		c.handleFileWrite(msg)
	case MsgFileWatch:
		c.handleFileWatch(msg)
	case MsgSyncRequest:
		c.handleSync(msg)

	case MsgTerminalCreate:
		c.handleTerminalCreate(msg)
	case MsgTerminalData:
		c.handleTerminalData(msg)
	case MsgTerminalResize:
		c.handleTerminalResize(msg)
	case MsgTerminalClose:
		c.handleTerminalClose(msg)

	case MsgLSPRequest:
		c.handleLSP(msg)
	case MsgDAPRequest:
		c.handleDAP(msg)

	case MsgAwareness:
		if msg.Awareness != nil {
			c.gw.collab.UpdateAwareness(c.projectName(), c.id, *msg.Awareness)
		}

	default:
		c.sendMsg(errorMsg("unknown_type", fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}

func (c *Conn) projectName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project
}

func (c *Conn) sandboxHandle() *driver.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// opCtx bounds one sandbox-side operation and ties it to the connection
// lifetime.
func (c *Conn) opCtx(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// surface maps a handler error to the typed error message, keeping the
// connection open.
func (c *Conn) surface(err error) {
	switch {
	case errors.Is(err, core.ErrInvalidPath):
		c.sendMsg(errorMsg("invalid_path", err.Error()))
	case errors.Is(err, core.ErrEngineUnavailable):
		c.sendMsg(errorMsg("engine_unavailable", err.Error()))
	case errors.Is(err, core.ErrTerminalNotFound):
		c.sendMsg(errorMsg("terminal_not_found", err.Error()))
	case errors.Is(err, core.ErrSandboxNotFound):
		c.sendMsg(errorMsg("sandbox_gone", err.Error()))
	default:
		c.sendMsg(errorMsg("internal", err.Error()))
	}
}
