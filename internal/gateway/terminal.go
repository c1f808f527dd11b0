package gateway

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
)

// terminal is one interactive PTY bridged onto the connection. The reader
// goroutine pushes output frames; writes come from the dispatch goroutine.
type terminal struct {
	id   string
	pty  driver.Pty
	conn *Conn
	once sync.Once
}

func (c *Conn) handleTerminalCreate(msg *Message) {
	shell := msg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	cwd := msg.Cwd
	if cwd == "" {
		cwd = wsRoot
	}

	ctx, cancel := c.opCtx(fileOpWait)
	defer cancel()

	pty, err := c.gw.drv.OpenPty(ctx, c.sandboxHandle(), driver.PtyOptions{
		Shell: shell,
		Env:   msg.Env,
		Cwd:   cwd,
		Rows:  msg.Rows,
		Cols:  msg.Cols,
	})
	if err != nil {
		c.surface(err)
		return
	}

	t := &terminal{id: uuid.NewString(), pty: pty, conn: c}
	c.mu.Lock()
	c.terminals[t.id] = t
	c.mu.Unlock()

	c.sendMsg(&Message{Type: MsgTerminalCreated, TerminalID: t.id})
	go t.readLoop()
}

// readLoop streams PTY output to the client until the PTY closes. Exit of the
// shell surfaces as terminal_closed; the PTY is closed on every path out.
func (t *terminal) readLoop() {
	defer t.shutdown()

	buf := make([]byte, 8192)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			t.conn.sendMsg(&Message{
				Type:       MsgTerminalOutput,
				TerminalID: t.id,
				Bytes:      base64.StdEncoding.EncodeToString(buf[:n]),
				Encoding:   "base64",
			})
		}
		if err != nil {
			return
		}
	}
}

// shutdown closes the PTY once and tells the client. Safe from the read loop,
// from terminal_close handling and from connection teardown.
func (t *terminal) shutdown() {
	t.once.Do(func() {
		_ = t.pty.Close()

		t.conn.mu.Lock()
		delete(t.conn.terminals, t.id)
		t.conn.mu.Unlock()

		select {
		case <-t.conn.done:
		default:
			t.conn.sendMsg(&Message{Type: MsgTerminalClosed, TerminalID: t.id})
		}
	})
}

func (c *Conn) lookupTerminal(id string) (*terminal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.terminals[id]
	if !ok {
		return nil, fmt.Errorf("terminal %s: %w", id, core.ErrTerminalNotFound)
	}
	return t, nil
}

func (c *Conn) handleTerminalData(msg *Message) {
	t, err := c.lookupTerminal(msg.TerminalID)
	if err != nil {
		c.surface(err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Bytes)
	if err != nil {
		c.sendMsg(errorMsg("bad_encoding", "bytes must be base64"))
		return
	}
	if _, err := t.pty.Write(data); err != nil {
		t.shutdown()
	}
}

func (c *Conn) handleTerminalResize(msg *Message) {
	t, err := c.lookupTerminal(msg.TerminalID)
	if err != nil {
		c.surface(err)
		return
	}
	ctx, cancel := c.opCtx(fileOpWait)
	defer cancel()
	if err := t.pty.Resize(ctx, msg.Rows, msg.Cols); err != nil {
		c.surface(err)
	}
}

func (c *Conn) handleTerminalClose(msg *Message) {
	t, err := c.lookupTerminal(msg.TerminalID)
	if err != nil {
		c.surface(err)
		return
	}
	t.shutdown()
}
