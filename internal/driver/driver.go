// Package driver abstracts the container engine the runtime core runs
// sandboxes on. The orchestrator, pool and gateway consume the Driver
// interface; the Docker implementation is the production binding and the
// fake implementation backs tests and local development.
package driver

import (
	"context"
	"io"
	"time"

	"github.com/codeloft/backend/internal/core"
)

// Capability names an optional engine feature.
type Capability int

const (
	// CapCheckpoint is live checkpoint/restore support. Engines without it
	// force clone to the create+archive fallback path.
	CapCheckpoint Capability = iota
	// CapGPU is device passthrough for gpu-class sessions.
	CapGPU
)

// Mount binds a host path into the sandbox. Sources are validated against
// the allowed prefixes before reaching the engine.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// Spec is everything the engine needs to create a sandbox.
type Spec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        map[string]string
	WorkingDir string
	Labels     map[string]string
	Limits     core.ResourceLimits
	Profile    string
	Mounts     []Mount
}

// Handle identifies a created sandbox on the engine. The engine id is opaque
// to every caller above the driver.
type Handle struct {
	SandboxID string
	EngineID  string
	IP        string
}

// RawStats is one engine-side usage reading. CPU and I/O counters are
// cumulative; the sampler derives rates from consecutive readings.
type RawStats struct {
	ReadAt     time.Time
	CPUTotal   uint64 // container cpu time, nanoseconds, cumulative
	SystemCPU  uint64 // host cpu time, cumulative
	OnlineCPUs uint32
	MemBytes   uint64 // usage with page cache subtracted
	MemLimit   uint64
	DiskRead   uint64 // cumulative bytes
	DiskWrite  uint64
	NetRx      uint64
	NetTx      uint64
	Pids       uint64
	Running    bool
}

// ExecOptions configure a one-off command inside a sandbox.
type ExecOptions struct {
	Cmd  []string
	Env  map[string]string
	TTY  bool
	Cwd  string
	User string
}

// Streams carries the byte streams of a running exec. Exit delivers the exit
// code exactly once after both output streams drain.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	Exit   <-chan int
}

// PtyOptions configure an interactive terminal.
type PtyOptions struct {
	Shell string
	Env   map[string]string
	Cwd   string
	Rows  uint
	Cols  uint
}

// Pty is an open terminal inside a sandbox. Reads block until output or
// close; Close must be safe to call more than once.
type Pty interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, rows, cols uint) error
	Close() error
}

// Driver is the engine abstraction. All calls honor ctx deadlines; transient
// engine failures surface as core.ErrEngineUnavailable after bounded retries.
type Driver interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	Start(ctx context.Context, h *Handle) error
	Stop(ctx context.Context, h *Handle) error
	Delete(ctx context.Context, h *Handle) error

	// UpdateLimits hot-applies new limits. It never restarts the sandbox;
	// an engine that cannot apply without restart returns an error.
	UpdateLimits(ctx context.Context, h *Handle, limits core.ResourceLimits) error

	Exec(ctx context.Context, h *Handle, opts ExecOptions) (*Streams, error)
	OpenPty(ctx context.Context, h *Handle, opts PtyOptions) (Pty, error)

	PutArchive(ctx context.Context, h *Handle, path string, tar io.Reader) error
	GetArchive(ctx context.Context, h *Handle, path string) (io.ReadCloser, error)

	SampleStats(ctx context.Context, h *Handle) (*RawStats, error)

	// Checkpoint and Restore are only valid when Supports(CapCheckpoint).
	Checkpoint(ctx context.Context, h *Handle) (string, error)
	Restore(ctx context.Context, checkpointRef string, spec Spec) (*Handle, error)

	Supports(cap Capability) bool
	Ping(ctx context.Context) error
}
