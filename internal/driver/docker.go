package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/codeloft/backend/internal/breaker"
	"github.com/codeloft/backend/internal/config"
	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/monitoring"
)

const containerPrefix = "codeloft-"

// DockerDriver is the production engine binding over the Docker Engine API.
// gVisor isolation rides the per-profile runtime selection.
type DockerDriver struct {
	cli     *client.Client
	cfg     config.EngineConfig
	mounts  *MountValidator
	brk     *breaker.Breaker
	metrics *monitoring.Metrics
	logger  *slog.Logger

	checkpoints   bool
	checkpointDir string
}

// NewDockerDriver connects to the engine and verifies it responds.
func NewDockerDriver(cfg config.EngineConfig, sec config.SecurityConfig, metrics *monitoring.Metrics) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(cfg.Endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	d := &DockerDriver{
		cli:           cli,
		cfg:           cfg,
		mounts:        NewMountValidator(sec.AllowedMountPrefixes, sec.BlockedMountTargets),
		brk:           breaker.New(breaker.DefaultConfig("docker-engine")),
		metrics:       metrics,
		logger:        slog.With("component", "driver"),
		checkpoints:   cfg.CheckpointEnabled,
		checkpointDir: cfg.CheckpointDir,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		return nil, fmt.Errorf("engine unreachable at %s: %w", cfg.Endpoint, err)
	}

	d.logger.Info("connected to container engine", "endpoint", cfg.Endpoint, "checkpoints", d.checkpoints)
	return d, nil
}

func (d *DockerDriver) Supports(cap Capability) bool {
	switch cap {
	case CapCheckpoint:
		return d.checkpoints
	default:
		return false
	}
}

func (d *DockerDriver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("engine ping: %v: %w", err, core.ErrEngineUnavailable)
	}
	return nil
}

// Create provisions a sandbox without starting it. The image is pulled on
// first use.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (*Handle, error) {
	profileName := spec.Profile
	if profileName == "" {
		profileName = "standard"
	}
	profile, err := ProfileByName(profileName)
	if err != nil {
		return nil, err
	}
	if err := d.mounts.Validate(spec.Mounts); err != nil {
		return nil, err
	}

	sandboxID := spec.Name
	if sandboxID == "" {
		sandboxID = uuid.NewString()
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        strslice.StrSlice(spec.Cmd),
		Env:        envSlice(SanitizeEnv(spec.Env)),
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
		Tty:        false,
	}
	hostCfg := d.hostConfig(profile, spec)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CreateTimeout())
	defer cancel()

	var resp container.CreateResponse
	err = d.withRetry(ctx, "create", func() error {
		r, cerr := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerPrefix+sandboxID)
		if cerr != nil && errdefs.IsNotFound(cerr) {
			if perr := d.pullImage(ctx, spec.Image); perr != nil {
				return perr
			}
			r, cerr = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerPrefix+sandboxID)
		}
		resp = r
		return cerr
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("sandbox created", "sandbox", sandboxID, "image", spec.Image, "profile", profile.Name)
	return &Handle{SandboxID: sandboxID, EngineID: resp.ID}, nil
}

func (d *DockerDriver) pullImage(ctx context.Context, image string) error {
	rc, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// drain: the pull completes when the progress stream does
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerDriver) Start(ctx context.Context, h *Handle) error {
	err := d.withRetry(ctx, "start", func() error {
		return d.cli.ContainerStart(ctx, h.EngineID, types.ContainerStartOptions{})
	})
	if err != nil {
		return err
	}

	inspect, err := d.cli.ContainerInspect(ctx, h.EngineID)
	if err == nil && inspect.NetworkSettings != nil {
		h.IP = inspect.NetworkSettings.IPAddress
		for _, nw := range inspect.NetworkSettings.Networks {
			if nw.IPAddress != "" {
				h.IP = nw.IPAddress
				break
			}
		}
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, h *Handle) error {
	timeout := 10
	return d.withRetry(ctx, "stop", func() error {
		return d.cli.ContainerStop(ctx, h.EngineID, container.StopOptions{Timeout: &timeout})
	})
}

func (d *DockerDriver) Delete(ctx context.Context, h *Handle) error {
	return d.withRetry(ctx, "delete", func() error {
		err := d.cli.ContainerRemove(ctx, h.EngineID, types.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		})
		if errdefs.IsNotFound(err) {
			return nil // already gone
		}
		return err
	})
}

// UpdateLimits hot-applies limits through the engine's update endpoint; the
// sandbox keeps running.
func (d *DockerDriver) UpdateLimits(ctx context.Context, h *Handle, limits core.ResourceLimits) error {
	return d.withRetry(ctx, "update_limits", func() error {
		resp, err := d.cli.ContainerUpdate(ctx, h.EngineID, container.UpdateConfig{
			Resources: toResources(limits),
		})
		if err != nil {
			return err
		}
		for _, w := range resp.Warnings {
			d.logger.Warn("limit update warning", "sandbox", h.SandboxID, "warning", w)
		}
		return nil
	})
}

func (d *DockerDriver) Exec(ctx context.Context, h *Handle, opts ExecOptions) (*Streams, error) {
	execCfg := types.ExecConfig{
		Cmd:          opts.Cmd,
		Env:          envSlice(SanitizeEnv(opts.Env)),
		WorkingDir:   opts.Cwd,
		User:         opts.User,
		Tty:          opts.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	var idResp types.IDResponse
	err := d.withRetry(ctx, "exec_create", func() error {
		var cerr error
		idResp, cerr = d.cli.ContainerExecCreate(ctx, h.EngineID, execCfg)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	attach, err := d.cli.ContainerExecAttach(ctx, idResp.ID, types.ExecStartCheck{Tty: opts.TTY})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %v: %w", err, core.ErrEngineUnavailable)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	exit := make(chan int, 1)

	go func() {
		if opts.TTY {
			_, _ = io.Copy(stdoutW, attach.Reader)
		} else {
			_, _ = stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		}
		stdoutW.Close()
		stderrW.Close()
		exit <- d.execExitCode(idResp.ID)
		close(exit)
		attach.Close()
	}()

	return &Streams{
		Stdin:  attach.Conn,
		Stdout: stdoutR,
		Stderr: stderrR,
		Exit:   exit,
	}, nil
}

// execExitCode polls the exec inspect endpoint until the process is gone.
// By the time the output stream has drained this usually resolves on the
// first probe.
func (d *DockerDriver) execExitCode(execID string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1
		}
		if !inspect.Running {
			return inspect.ExitCode
		}
		select {
		case <-ctx.Done():
			return -1
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type dockerPty struct {
	d      *DockerDriver
	execID string
	conn   net.Conn
	reader io.Reader
	once   sync.Once
}

func (p *dockerPty) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *dockerPty) Write(b []byte) (int, error) { return p.conn.Write(b) }

func (p *dockerPty) Resize(ctx context.Context, rows, cols uint) error {
	return p.d.cli.ContainerExecResize(ctx, p.execID, types.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
}

func (p *dockerPty) Close() error {
	p.once.Do(func() { p.conn.Close() })
	return nil
}

func (d *DockerDriver) OpenPty(ctx context.Context, h *Handle, opts PtyOptions) (Pty, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}

	env := SanitizeEnv(opts.Env)
	execCfg := types.ExecConfig{
		Cmd:          []string{shell},
		Env:          append(envSlice(env), "TERM=xterm-256color"),
		WorkingDir:   opts.Cwd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	var idResp types.IDResponse
	err := d.withRetry(ctx, "pty_create", func() error {
		var cerr error
		idResp, cerr = d.cli.ContainerExecCreate(ctx, h.EngineID, execCfg)
		return cerr
	})
	if err != nil {
		return nil, err
	}

	attach, err := d.cli.ContainerExecAttach(ctx, idResp.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("pty attach: %v: %w", err, core.ErrEngineUnavailable)
	}

	pty := &dockerPty{d: d, execID: idResp.ID, conn: attach.Conn, reader: attach.Reader}
	if opts.Rows > 0 && opts.Cols > 0 {
		if err := pty.Resize(ctx, opts.Rows, opts.Cols); err != nil {
			d.logger.Warn("initial pty resize failed", "sandbox", h.SandboxID, "error", err)
		}
	}
	return pty, nil
}

func (d *DockerDriver) PutArchive(ctx context.Context, h *Handle, path string, tar io.Reader) error {
	if err := ValidateArchivePath(path); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ArchiveTimeout())
	defer cancel()

	err := d.cli.CopyToContainer(ctx, h.EngineID, path, tar, types.CopyToContainerOptions{})
	if err != nil {
		return mapEngineError("put_archive", err)
	}
	return nil
}

func (d *DockerDriver) GetArchive(ctx context.Context, h *Handle, path string) (io.ReadCloser, error) {
	if err := ValidateArchivePath(path); err != nil {
		return nil, err
	}
	rc, _, err := d.cli.CopyFromContainer(ctx, h.EngineID, path)
	if err != nil {
		return nil, mapEngineError("get_archive", err)
	}
	return rc, nil
}

func (d *DockerDriver) SampleStats(ctx context.Context, h *Handle) (*RawStats, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.StatsTimeout())
	defer cancel()

	resp, err := d.cli.ContainerStatsOneShot(ctx, h.EngineID)
	if err != nil {
		return nil, mapEngineError("stats", err)
	}
	defer resp.Body.Close()

	var v types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	stats := &RawStats{
		ReadAt:     v.Read,
		CPUTotal:   v.CPUStats.CPUUsage.TotalUsage,
		SystemCPU:  v.CPUStats.SystemUsage,
		OnlineCPUs: v.CPUStats.OnlineCPUs,
		MemBytes:   memUsage(v.MemoryStats),
		MemLimit:   v.MemoryStats.Limit,
		Pids:       v.PidsStats.Current,
		Running:    true,
	}
	for _, entry := range v.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			stats.DiskRead += entry.Value
		case "write":
			stats.DiskWrite += entry.Value
		}
	}
	for _, nw := range v.Networks {
		stats.NetRx += nw.RxBytes
		stats.NetTx += nw.TxBytes
	}
	return stats, nil
}

// memUsage subtracts the reclaimable page cache so idle detection sees real
// anonymous memory, not filesystem cache.
func memUsage(m types.MemoryStats) uint64 {
	usage := m.Usage
	if inactive, ok := m.Stats["inactive_file"]; ok && inactive < usage {
		return usage - inactive
	}
	if cache, ok := m.Stats["cache"]; ok && cache < usage {
		return usage - cache
	}
	return usage
}

func (d *DockerDriver) Checkpoint(ctx context.Context, h *Handle) (string, error) {
	if !d.checkpoints {
		return "", core.ErrCheckpointSupport
	}
	ref := "ckpt-" + uuid.NewString()[:13]
	err := d.withRetry(ctx, "checkpoint", func() error {
		return d.cli.CheckpointCreate(ctx, h.EngineID, types.CheckpointCreateOptions{
			CheckpointID:  ref,
			CheckpointDir: d.checkpointDir,
			Exit:          false,
		})
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (d *DockerDriver) Restore(ctx context.Context, checkpointRef string, spec Spec) (*Handle, error) {
	if !d.checkpoints {
		return nil, core.ErrCheckpointSupport
	}
	h, err := d.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	err = d.withRetry(ctx, "restore", func() error {
		return d.cli.ContainerStart(ctx, h.EngineID, types.ContainerStartOptions{
			CheckpointID:  checkpointRef,
			CheckpointDir: d.checkpointDir,
		})
	})
	if err != nil {
		_ = d.Delete(context.Background(), h)
		return nil, err
	}
	return h, nil
}

func (d *DockerDriver) hostConfig(p Profile, spec Spec) *container.HostConfig {
	hc := &container.HostConfig{
		NetworkMode:    container.NetworkMode(p.NetworkMode),
		ReadonlyRootfs: p.ReadonlyRootfs,
		CapDrop:        strslice.StrSlice(p.DropCaps),
		CapAdd:         strslice.StrSlice(p.AddCaps),
		Tmpfs:          p.Tmpfs,
		Runtime:        p.Runtime,
		Resources:      toResources(spec.Limits),
	}
	if p.NoNewPrivileges {
		hc.SecurityOpt = append(hc.SecurityOpt, "no-new-privileges")
	}
	if p.Seccomp != "" {
		hc.SecurityOpt = append(hc.SecurityOpt, "seccomp="+p.Seccomp)
	}
	if p.AppArmor != "" {
		hc.SecurityOpt = append(hc.SecurityOpt, "apparmor="+p.AppArmor)
	}
	for _, m := range spec.Mounts {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return hc
}

func toResources(l core.ResourceLimits) container.Resources {
	res := container.Resources{
		CPUShares: l.CPUShares,
		Memory:    l.MemBytes,
	}
	if l.MemBytes > 0 {
		res.MemorySwap = l.MemBytes // no swap for sandboxes
	}
	if l.Pids > 0 {
		pids := l.Pids
		res.PidsLimit = &pids
	}
	if l.IOBps > 0 {
		res.BlkioWeight = blkioWeight(l.IOBps)
	}
	return res
}

// blkioWeight approximates the io budget as a proportional blkio weight, one
// point per MiB/s clamped to the engine's 10..1000 range. Per-device byte
// throttles need a device map the engine abstraction does not carry.
func blkioWeight(ioBps int64) uint16 {
	w := ioBps / (1 << 20)
	if w < 10 {
		w = 10
	}
	if w > 1000 {
		w = 1000
	}
	return uint16(w)
}

// withRetry runs fn with bounded exponential backoff inside the engine
// breaker. Only transport-class failures count against the breaker; engine
// rejections (not found, invalid request) pass through untouched.
func (d *DockerDriver) withRetry(ctx context.Context, op string, fn func() error) error {
	var opErr error

	err := d.brk.Execute(func() error {
		backoff := d.cfg.RetryBackoff()
		var lastErr error
		for attempt := 0; attempt <= d.cfg.RetryMax; attempt++ {
			if attempt > 0 {
				if d.metrics != nil {
					d.metrics.EngineRetries.WithLabelValues(op).Inc()
				}
				select {
				case <-ctx.Done():
					lastErr = ctx.Err()
					opErr = lastErr
					return lastErr
				case <-time.After(backoff):
				}
				backoff *= 2
			}

			lastErr = fn()
			if lastErr == nil {
				return nil
			}
			if !isTransient(lastErr) {
				opErr = lastErr
				return nil // engine rejection, not a breaker failure
			}
		}
		opErr = lastErr
		return lastErr
	})

	if err != nil {
		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTooManyRequests) {
			if d.metrics != nil {
				d.metrics.EngineBreakerOpen.Inc()
			}
			return fmt.Errorf("%s: %w", op, core.ErrEngineUnavailable)
		}
		return fmt.Errorf("%s: %v: %w", op, err, core.ErrEngineUnavailable)
	}
	if opErr != nil {
		return mapEngineError(op, opErr)
	}
	return nil
}

func isTransient(err error) bool {
	if client.IsErrConnectionFailed(err) {
		return true
	}
	if errdefs.IsSystem(err) || errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func mapEngineError(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w", op, core.ErrSandboxNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

var _ Driver = (*DockerDriver)(nil)
