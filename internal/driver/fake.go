package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeloft/backend/internal/core"
)

// FakeDriver is an in-memory engine used by tests across the runtime. It
// honors the Driver contract closely enough to exercise lifecycle, stats,
// exec and archive paths without a running engine.
type FakeDriver struct {
	mu          sync.Mutex
	sandboxes   map[string]*fakeSandbox // keyed by sandbox ID
	checkpoints map[string]string       // ref -> source sandbox ID
	calls       map[string]int
	failNext    map[string]error
	execQueue   []execResult
	ipSeq       int

	// Checkpoints advertises CapCheckpoint when set before use.
	Checkpoints bool
}

type execResult struct {
	stdout string
	stderr string
	code   int
}

type fakeSandbox struct {
	handle  Handle
	spec    Spec
	running bool
	limits  core.ResourceLimits
	stats   RawStats
	statsOK bool
	files   map[string][]byte
	ptys    []*FakePty
	execs   [][]string
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		sandboxes:   make(map[string]*fakeSandbox),
		checkpoints: make(map[string]string),
		calls:       make(map[string]int),
		failNext:    make(map[string]error),
	}
}

// FailNext makes the next call of the named operation return err.
func (f *FakeDriver) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// CallCount reports how many times the named operation ran, failures included.
func (f *FakeDriver) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FakeDriver) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *FakeDriver) get(id string) (*fakeSandbox, error) {
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, core.ErrSandboxNotFound)
	}
	return sb, nil
}

func (f *FakeDriver) Supports(cap Capability) bool {
	return cap == CapCheckpoint && f.Checkpoints
}

func (f *FakeDriver) Ping(ctx context.Context) error {
	return f.begin("ping")
}

func (f *FakeDriver) Create(ctx context.Context, spec Spec) (*Handle, error) {
	if err := f.begin("create"); err != nil {
		return nil, err
	}
	id := spec.Name
	if id == "" {
		id = uuid.NewString()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.sandboxes[id]; exists {
		return nil, fmt.Errorf("sandbox %s already exists", id)
	}
	sb := &fakeSandbox{
		handle: Handle{SandboxID: id, EngineID: "engine-" + id},
		spec:   spec,
		limits: spec.Limits,
		files:  make(map[string][]byte),
	}
	f.sandboxes[id] = sb
	return &Handle{SandboxID: sb.handle.SandboxID, EngineID: sb.handle.EngineID}, nil
}

func (f *FakeDriver) Start(ctx context.Context, h *Handle) error {
	if err := f.begin("start"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return err
	}
	sb.running = true
	f.ipSeq++
	sb.handle.IP = fmt.Sprintf("10.100.0.%d", f.ipSeq)
	h.IP = sb.handle.IP
	return nil
}

func (f *FakeDriver) Stop(ctx context.Context, h *Handle) error {
	if err := f.begin("stop"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return err
	}
	sb.running = false
	return nil
}

func (f *FakeDriver) Delete(ctx context.Context, h *Handle) error {
	if err := f.begin("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sandboxes, h.SandboxID) // idempotent, like the engine
	return nil
}

func (f *FakeDriver) UpdateLimits(ctx context.Context, h *Handle, limits core.ResourceLimits) error {
	if err := f.begin("update_limits"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return err
	}
	sb.limits = limits
	return nil
}

// LimitsOf reports the limits currently applied to a sandbox.
func (f *FakeDriver) LimitsOf(id string) (core.ResourceLimits, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return core.ResourceLimits{}, false
	}
	return sb.limits, true
}

// Exists reports whether the sandbox is still known to the engine.
func (f *FakeDriver) Exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sandboxes[id]
	return ok
}

// Running reports whether the sandbox exists and is started.
func (f *FakeDriver) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	return ok && sb.running
}

// SetStats programs the next stats sample for a sandbox. A zero ReadAt is
// stamped with the current time.
func (f *FakeDriver) SetStats(id string, stats RawStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return
	}
	if stats.ReadAt.IsZero() {
		stats.ReadAt = time.Now()
	}
	sb.stats = stats
	sb.statsOK = true
}

func (f *FakeDriver) SampleStats(ctx context.Context, h *Handle) (*RawStats, error) {
	if err := f.begin("stats"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.statsOK {
		return &RawStats{ReadAt: time.Now(), Running: sb.running}, nil
	}
	out := sb.stats
	out.Running = sb.running
	return &out, nil
}

// ScriptExec queues output and an exit code for the next Exec call. Calls
// beyond the queue return empty output with exit 0.
func (f *FakeDriver) ScriptExec(stdout, stderr string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execQueue = append(f.execQueue, execResult{stdout: stdout, stderr: stderr, code: code})
}

// ExecHistory returns the commands executed in a sandbox, oldest first.
func (f *FakeDriver) ExecHistory(id string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil
	}
	out := make([][]string, len(sb.execs))
	copy(out, sb.execs)
	return out
}

func (f *FakeDriver) Exec(ctx context.Context, h *Handle, opts ExecOptions) (*Streams, error) {
	if err := f.begin("exec"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	sb.execs = append(sb.execs, opts.Cmd)
	res := execResult{}
	if len(f.execQueue) > 0 {
		res = f.execQueue[0]
		f.execQueue = f.execQueue[1:]
	}
	f.mu.Unlock()

	exit := make(chan int, 1)
	exit <- res.code
	close(exit)

	return &Streams{
		Stdin:  nopWriteCloser{io.Discard},
		Stdout: io.NopCloser(bytes.NewReader([]byte(res.stdout))),
		Stderr: io.NopCloser(bytes.NewReader([]byte(res.stderr))),
		Exit:   exit,
	}, nil
}

func (f *FakeDriver) OpenPty(ctx context.Context, h *Handle, opts PtyOptions) (Pty, error) {
	if err := f.begin("pty"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return nil, err
	}
	pty := NewFakePty()
	pty.rows, pty.cols = opts.Rows, opts.Cols
	sb.ptys = append(sb.ptys, pty)
	return pty, nil
}

// Ptys returns the terminals opened against a sandbox, oldest first.
func (f *FakeDriver) Ptys(id string) []*FakePty {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[id]
	if !ok {
		return nil
	}
	out := make([]*FakePty, len(sb.ptys))
	copy(out, sb.ptys)
	return out
}

func (f *FakeDriver) PutArchive(ctx context.Context, h *Handle, path string, tar io.Reader) error {
	if err := f.begin("put_archive"); err != nil {
		return err
	}
	if err := ValidateArchivePath(path); err != nil {
		return err
	}
	data, err := io.ReadAll(tar)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return err
	}
	sb.files[path] = data
	return nil
}

func (f *FakeDriver) GetArchive(ctx context.Context, h *Handle, path string) (io.ReadCloser, error) {
	if err := f.begin("get_archive"); err != nil {
		return nil, err
	}
	if err := ValidateArchivePath(path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, err := f.get(h.SandboxID)
	if err != nil {
		return nil, err
	}
	data, ok := sb.files[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, core.ErrSandboxNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FakeDriver) Checkpoint(ctx context.Context, h *Handle) (string, error) {
	if !f.Checkpoints {
		return "", core.ErrCheckpointSupport
	}
	if err := f.begin("checkpoint"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(h.SandboxID); err != nil {
		return "", err
	}
	ref := "ckpt-" + uuid.NewString()[:13]
	f.checkpoints[ref] = h.SandboxID
	return ref, nil
}

func (f *FakeDriver) Restore(ctx context.Context, checkpointRef string, spec Spec) (*Handle, error) {
	if !f.Checkpoints {
		return nil, core.ErrCheckpointSupport
	}
	if err := f.begin("restore"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	_, known := f.checkpoints[checkpointRef]
	f.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%s: %w", checkpointRef, core.ErrCheckpointNotFound)
	}
	h, err := f.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := f.Start(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// FakePty is a loopback terminal: bytes written by the server are recorded
// and echoed back to the reader. Echo delivery blocks until a reader drains
// it, matching a real attached stream.
type FakePty struct {
	mu     sync.Mutex
	r      *io.PipeReader
	w      *io.PipeWriter
	input  bytes.Buffer
	rows   uint
	cols   uint
	closed bool
}

func NewFakePty() *FakePty {
	r, w := io.Pipe()
	return &FakePty{r: r, w: w}
}

func (p *FakePty) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *FakePty) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.input.Write(b)
	p.mu.Unlock()
	return p.w.Write(b)
}

// Feed injects terminal output without a corresponding input, like a shell
// prompt appearing.
func (p *FakePty) Feed(s string) {
	_, _ = p.w.Write([]byte(s))
}

func (p *FakePty) Resize(ctx context.Context, rows, cols uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	p.rows, p.cols = rows, cols
	return nil
}

// Size reports the last applied dimensions.
func (p *FakePty) Size() (rows, cols uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// Input returns everything written to the terminal so far.
func (p *FakePty) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *FakePty) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.w.Close()
	return nil
}

var _ Driver = (*FakeDriver)(nil)
var _ Pty = (*FakePty)(nil)
