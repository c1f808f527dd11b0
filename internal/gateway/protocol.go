package gateway

import (
	"encoding/json"
	"time"

	"github.com/codeloft/backend/internal/collab"
	"github.com/codeloft/backend/internal/core"
)

// Server-initiated close codes on the IDE socket.
const (
	CloseAuthRequired = 4001
	CloseInvalidToken = 4002
	CloseStale        = 4003
	CloseSlowClient   = 4004
)

// Inbound message types.
const (
	MsgAuth           = "auth"
	MsgFileRead       = "file_read"
	MsgFileWrite      = "file_write"
	MsgFileWatch      = "file_watch"
	MsgTerminalCreate = "terminal_create"
	MsgTerminalData   = "terminal_data"
	MsgTerminalResize = "terminal_resize"
	MsgTerminalClose  = "terminal_close"
	MsgLSPRequest     = "lsp_request"
	MsgDAPRequest     = "dap_request"
	MsgSyncRequest    = "sync_request"
	MsgHeartbeat      = "heartbeat"
	MsgAwareness      = "awareness"
)

// Outbound message types.
const (
	MsgAuthAck         = "auth_ack"
	MsgFileContent     = "file_content"
	MsgFileWritten     = "file_written"
	MsgFileChanged     = "file_changed"
	MsgFileEvent       = "file_event"
	MsgTerminalCreated = "terminal_created"
	MsgTerminalOutput  = "terminal_output"
	MsgTerminalClosed  = "terminal_closed"
	MsgLSPResponse     = "lsp_response"
	MsgDAPResponse     = "dap_response"
	MsgSyncResponse    = "sync_response"
	MsgHeartbeatAck    = "heartbeat_ack"
	MsgError           = "error"
)

// Message is the wire envelope. One flat struct with omitempty keeps the
// closed type set in one place; unused fields cost nothing on the wire.
type Message struct {
	Type string `json:"type"`

	// auth
	Token    string           `json:"token,omitempty"`
	Project  string           `json:"project,omitempty"`
	Client   *core.ClientInfo `json:"client,omitempty"`
	Language string           `json:"language,omitempty"`
	Version  string           `json:"version,omitempty"`

	// auth_ack
	SessionID    string               `json:"session_id,omitempty"`
	SandboxID    string               `json:"sandbox_id,omitempty"`
	Capabilities []string             `json:"server_capabilities,omitempty"`
	Peers        []collab.RosterEntry `json:"peers,omitempty"`

	// file ops; Bytes is base64 when Encoding is "base64"
	Path     string   `json:"path,omitempty"`
	Bytes    string   `json:"bytes,omitempty"`
	Encoding string   `json:"encoding,omitempty"`
	Patterns []string `json:"patterns,omitempty"`

	// file_event
	Event string `json:"event,omitempty"`

	// terminals
	TerminalID string            `json:"terminal_id,omitempty"`
	Shell      string            `json:"shell,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	Rows       uint              `json:"rows,omitempty"`
	Cols       uint              `json:"cols,omitempty"`

	// lsp
	ID     json.RawMessage `json:"id,omitempty"` // round-trips verbatim
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// dap
	Seq        int             `json:"seq,omitempty"`
	RequestSeq int             `json:"request_seq,omitempty"`
	Command    string          `json:"command,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`

	// sync
	Mode  string      `json:"mode,omitempty"`
	Since *time.Time  `json:"since,omitempty"`
	Files []FileEntry `json:"files,omitempty"`

	// heartbeat
	TS int64 `json:"ts,omitempty"`

	// awareness
	Awareness *collab.Awareness `json:"awareness,omitempty"`

	// errors that do not close the connection
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// shared error surface for lsp/dap
	Error json.RawMessage `json:"error,omitempty"`
}

// FileEntry is one row of a sync_response listing.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

func errorMsg(code, detail string) *Message {
	return &Message{Type: MsgError, Code: code, Message: detail}
}
