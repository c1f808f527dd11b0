package gateway

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/codeloft/backend/internal/core"
	"github.com/codeloft/backend/internal/driver"
)

const (
	wsRoot       = "/workspace"
	fileOpWait   = 30 * time.Second
	watchEvery   = 2 * time.Second
	maxFileBytes = 16 << 20
)

// resolveWorkspacePath normalizes a client path and pins it under /workspace.
// Clients may send either workspace-relative or absolute paths.
func resolveWorkspacePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", core.ErrInvalidPath)
	}
	if !strings.HasPrefix(p, "/") {
		p = wsRoot + "/" + p
	}
	clean := path.Clean(p)
	if clean != wsRoot && !strings.HasPrefix(clean, wsRoot+"/") {
		return "", fmt.Errorf("path %q outside workspace: %w", p, core.ErrInvalidPath)
	}
	return clean, nil
}

func (c *Conn) handleFileRead(msg *Message) {
	target, err := resolveWorkspacePath(msg.Path)
	if err != nil {
		c.surface(err)
		return
	}
	ctx, cancel := c.opCtx(fileOpWait)
	defer cancel()

	rc, err := c.gw.drv.GetArchive(ctx, c.sandboxHandle(), target)
	if err != nil {
		c.surface(err)
		return
	}
	defer rc.Close()

	data, err := firstRegularFile(rc)
	if err != nil {
		c.surface(err)
		return
	}
	c.sendMsg(&Message{
		Type:     MsgFileContent,
		Path:     msg.Path,
		Bytes:    base64.StdEncoding.EncodeToString(data),
		Encoding: "base64",
	})
}

// firstRegularFile unpacks the single-file tar the engine hands back for a
// file path.
func firstRegularFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive held no regular file: %w", core.ErrInvalidPath)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxFileBytes {
			return nil, fmt.Errorf("file exceeds %d bytes", maxFileBytes)
		}
		return io.ReadAll(io.LimitReader(tr, maxFileBytes))
	}
}

func (c *Conn) handleFileWrite(msg *Message) {
	target, err := resolveWorkspacePath(msg.Path)
	if err != nil {
		c.surface(err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Bytes)
	if err != nil {
		c.sendMsg(errorMsg("bad_encoding", "bytes must be base64"))
		return
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(target),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		c.surface(err)
		return
	}
	if _, err := tw.Write(data); err != nil {
		c.surface(err)
		return
	}
	if err := tw.Close(); err != nil {
		c.surface(err)
		return
	}

	ctx, cancel := c.opCtx(fileOpWait)
	defer cancel()
	if err := c.gw.drv.PutArchive(ctx, c.sandboxHandle(), path.Dir(target), &buf); err != nil {
		c.surface(err)
		return
	}

	c.sendMsg(&Message{Type: MsgFileWritten, Path: msg.Path})
	// exactly one fan-out per write; collaborators see the change, the
	// writer does not hear its own echo
	c.gw.collab.Publish(c.projectName(), &Message{
		Type: MsgFileChanged,
		Path: msg.Path,
	}, c.id)
}

// handleFileWatch starts (or restarts) the poll-based watcher. One watcher per
// connection; a new watch replaces the old pattern set.
func (c *Conn) handleFileWatch(msg *Message) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
	}
	c.watchCancel = cancel
	c.mu.Unlock()

	go c.watchLoop(ctx, msg.Patterns)
}

func (c *Conn) watchLoop(ctx context.Context, patterns []string) {
	ticker := time.NewTicker(watchEvery)
	defer ticker.Stop()

	prev, err := c.listWorkspace(ctx)
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}

		cur, err := c.listWorkspace(ctx)
		if err != nil {
			continue // sandbox may be mid-reap; next tick or ctx decides
		}

		for p, e := range cur {
			old, existed := prev[p]
			switch {
			case !existed:
				c.emitFileEvent("create", p, patterns)
			case e.Size != old.Size || !e.ModTime.Equal(old.ModTime):
				c.emitFileEvent("modify", p, patterns)
			}
		}
		for p := range prev {
			if _, still := cur[p]; !still {
				c.emitFileEvent("delete", p, patterns)
			}
		}
		prev = cur
	}
}

func (c *Conn) emitFileEvent(event, relPath string, patterns []string) {
	if !matchesAny(relPath, patterns) {
		return
	}
	c.sendMsg(&Message{Type: MsgFileEvent, Event: event, Path: relPath})
}

// matchesAny applies glob patterns against the workspace-relative path. An
// empty pattern set matches everything. Patterns match against the base name
// too, so "*.go" behaves the way editors expect.
func matchesAny(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, relPath); ok {
			return true
		}
		if ok, _ := path.Match(pat, path.Base(relPath)); ok {
			return true
		}
	}
	return false
}

func (c *Conn) handleSync(msg *Message) {
	ctx, cancel := c.opCtx(fileOpWait)
	defer cancel()

	listing, err := c.listWorkspace(ctx)
	if err != nil {
		c.surface(err)
		return
	}

	files := make([]FileEntry, 0, len(listing))
	for _, e := range listing {
		if msg.Since != nil && !e.ModTime.After(*msg.Since) {
			continue
		}
		files = append(files, e)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	c.sendMsg(&Message{Type: MsgSyncResponse, Mode: msg.Mode, Files: files})
}

// listWorkspace snapshots the workspace tree with one find inside the
// sandbox: relative path, size and mtime per line.
func (c *Conn) listWorkspace(ctx context.Context) (map[string]FileEntry, error) {
	streams, err := c.gw.drv.Exec(ctx, c.sandboxHandle(), driver.ExecOptions{
		Cmd: []string{"find", wsRoot, "-type", "f", "-printf", `%P\t%s\t%T@\n`},
	})
	if err != nil {
		return nil, err
	}
	out, err := io.ReadAll(streams.Stdout)
	if err != nil {
		return nil, err
	}
	select {
	case <-streams.Exit:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return parseListing(out), nil
}

func parseListing(out []byte) map[string]FileEntry {
	entries := make(map[string]FileEntry)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\t", 3)
		if len(parts) != 3 || parts[0] == "" {
			continue
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		secs, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			continue
		}
		entries[parts[0]] = FileEntry{
			Path:    parts[0],
			Size:    size,
			ModTime: time.Unix(int64(secs), 0).UTC(),
		}
	}
	return entries
}
