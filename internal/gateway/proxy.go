package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/codeloft/backend/internal/driver"
)

// lspServers maps a language to the stdio language server started inside the
// sandbox. Images for a runtime ship the matching server.
var lspServers = map[string][]string{
	"go":         {"gopls"},
	"python":     {"pyright-langserver", "--stdio"},
	"typescript": {"typescript-language-server", "--stdio"},
	"javascript": {"typescript-language-server", "--stdio"},
	"rust":       {"rust-analyzer"},
}

// dapServers maps a language to its stdio debug adapter.
var dapServers = map[string][]string{
	"go":         {"dlv", "dap"},
	"python":     {"python", "-m", "debugpy.adapter"},
	"typescript": {"js-debug-adapter"},
	"javascript": {"js-debug-adapter"},
}

// stdioProxy bridges Content-Length framed traffic between the client and a
// server process inside the sandbox. Requests arrive on the dispatch
// goroutine; one reader goroutine pumps server output back.
type stdioProxy struct {
	kind string // lsp or dap
	conn *Conn

	writeMu sync.Mutex
	streams *driver.Streams
	cancel  context.CancelFunc
	once    sync.Once
}

// proxyFor returns the running proxy for kind+language, starting the server
// on first use.
func (c *Conn) proxyFor(kind, language string) (*stdioProxy, error) {
	if language == "" {
		c.mu.Lock()
		language = c.runtime.Language
		c.mu.Unlock()
	}

	key := kind + ":" + language
	c.mu.Lock()
	if p, ok := c.proxies[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	table := lspServers
	if kind == "dap" {
		table = dapServers
	}
	cmd, ok := table[language]
	if !ok {
		return nil, fmt.Errorf("no %s server for language %q", kind, language)
	}

	ctx, cancel := context.WithCancel(context.Background())
	streams, err := c.gw.drv.Exec(ctx, c.sandboxHandle(), driver.ExecOptions{
		Cmd: cmd,
		Cwd: wsRoot,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	p := &stdioProxy{kind: kind, conn: c, streams: streams, cancel: cancel}

	c.mu.Lock()
	if existing, ok := c.proxies[key]; ok {
		// dispatch raced us; keep the first one
		c.mu.Unlock()
		p.shutdown()
		return existing, nil
	}
	c.proxies[key] = p
	c.mu.Unlock()

	go p.readLoop(key)
	return p, nil
}

func (p *stdioProxy) shutdown() {
	p.once.Do(func() {
		if p.streams.Stdin != nil {
			_ = p.streams.Stdin.Close()
		}
		p.cancel()
	})
}

// writeFrame sends one Content-Length framed payload to the server.
func (p *stdioProxy) writeFrame(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(p.streams.Stdin, header); err != nil {
		return err
	}
	_, err := p.streams.Stdin.Write(payload)
	return err
}

// readLoop decodes framed server output and forwards it to the client until
// the server exits.
func (p *stdioProxy) readLoop(key string) {
	defer func() {
		p.conn.mu.Lock()
		delete(p.conn.proxies, key)
		p.conn.mu.Unlock()
		p.shutdown()
	}()

	br := bufio.NewReaderSize(p.streams.Stdout, 64<<10)
	for {
		payload, err := readFrame(br)
		if err != nil {
			return
		}
		select {
		case <-p.conn.done:
			return
		default:
		}
		if p.kind == "lsp" {
			p.forwardLSP(payload)
		} else {
			p.forwardDAP(payload)
		}
	}
}

// readFrame reads one Content-Length framed message.
func readFrame(br *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("bad content-length %q", v)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("frame missing content-length")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *stdioProxy) forwardLSP(payload []byte) {
	var rpc struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &rpc); err != nil {
		return
	}
	// responses and server-initiated notifications both flow through; the id
	// round-trips untouched so the client can correlate
	p.conn.sendMsg(&Message{
		Type:   MsgLSPResponse,
		ID:     rpc.ID,
		Method: rpc.Method,
		Params: rpc.Params,
		Result: rpc.Result,
		Error:  rpc.Error,
	})
}

func (p *stdioProxy) forwardDAP(payload []byte) {
	var msg struct {
		Type       string          `json:"type"`
		RequestSeq int             `json:"request_seq"`
		Command    string          `json:"command"`
		Event      string          `json:"event"`
		Success    bool            `json:"success"`
		Body       json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	out := &Message{Type: MsgDAPResponse, Body: msg.Body}
	switch msg.Type {
	case "response":
		ok := msg.Success
		out.RequestSeq = msg.RequestSeq
		out.Command = msg.Command
		out.Success = &ok
	case "event":
		out.Event = msg.Event
	default:
		return
	}
	p.conn.sendMsg(out)
}

func (c *Conn) handleLSP(msg *Message) {
	p, err := c.proxyFor("lsp", msg.Language)
	if err != nil {
		c.surface(err)
		return
	}

	var buf bytes.Buffer
	buf.WriteString(`{"jsonrpc":"2.0"`)
	if len(msg.ID) > 0 {
		buf.WriteString(`,"id":`)
		buf.Write(msg.ID)
	}
	buf.WriteString(`,"method":`)
	method, _ := json.Marshal(msg.Method)
	buf.Write(method)
	if len(msg.Params) > 0 {
		buf.WriteString(`,"params":`)
		buf.Write(msg.Params)
	}
	buf.WriteByte('}')

	if err := p.writeFrame(buf.Bytes()); err != nil {
		p.shutdown()
		c.surface(err)
	}
}

func (c *Conn) handleDAP(msg *Message) {
	p, err := c.proxyFor("dap", msg.Language)
	if err != nil {
		c.surface(err)
		return
	}

	req := map[string]interface{}{
		"seq":     msg.Seq,
		"type":    "request",
		"command": msg.Command,
	}
	if len(msg.Arguments) > 0 {
		req["arguments"] = json.RawMessage(msg.Arguments)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.surface(err)
		return
	}
	if err := p.writeFrame(payload); err != nil {
		p.shutdown()
		c.surface(err)
	}
}
