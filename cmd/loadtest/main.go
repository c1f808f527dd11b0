// loadtest drives the IDE gateway with synthetic editor traffic: it mints
// tokens, opens N WebSocket sessions, and hammers each with file writes,
// measuring round-trip latency from write to acknowledgement. Run it against
// a server configured with the memory store and a warm pool large enough for
// the connection count.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeloft/backend/internal/gateway"
)

type runConfig struct {
	Server         string
	Project        string
	Conns          int
	OpsPerConn     int
	ReportInterval time.Duration
}

type runStats struct {
	Ops       uint64
	Succeeded uint64
	Failed    uint64

	TotalDuration time.Duration
	AvgLatency    time.Duration
	MaxLatency    time.Duration
	MinLatency    time.Duration
	P95Latency    time.Duration
	P99Latency    time.Duration
	OpsPerSecond  float64
}

func main() {
	server := flag.String("server", "http://localhost:8080", "runtime core base URL")
	project := flag.String("project", "loadtest", "project name prefix, one project per connection")
	conns := flag.Int("conns", 10, "number of concurrent editor sessions")
	ops := flag.Int("ops", 100, "file writes per session")
	report := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := runConfig{
		Server:         strings.TrimRight(*server, "/"),
		Project:        *project,
		Conns:          *conns,
		OpsPerConn:     *ops,
		ReportInterval: *report,
	}

	slog.Info("starting gateway load test",
		"server", cfg.Server, "conns", cfg.Conns, "ops_per_conn", cfg.OpsPerConn)

	stats := run(cfg)
	printResults(stats)
}

func run(cfg runConfig) *runStats {
	stats := &runStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, cfg.ReportInterval)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.Conns; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := driveSession(ctx, cfg, workerID, stats, &latencies, &latenciesMu); err != nil {
				slog.Warn("session failed", "worker", workerID, "error", err)
			}
		}(i)
	}
	wg.Wait()

	stats.TotalDuration = time.Since(start)
	stats.OpsPerSecond = float64(stats.Ops) / stats.TotalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = average(latencies)
		stats.P95Latency = percentile(latencies, 95)
		stats.P99Latency = percentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats
}

// driveSession opens one editor connection and runs the op loop against it.
func driveSession(ctx context.Context, cfg runConfig, workerID int,
	stats *runStats, latencies *[]time.Duration, latenciesMu *sync.Mutex) error {

	token, err := mintToken(ctx, cfg.Server, fmt.Sprintf("load-user-%d", workerID))
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	wsURL := strings.Replace(cfg.Server, "http", "ws", 1) + "/ws"
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(&gateway.Message{
		Type:    gateway.MsgAuth,
		Token:   token,
		Project: fmt.Sprintf("%s-%d", cfg.Project, workerID),
	}); err != nil {
		return err
	}
	if _, err := recvType(ws, gateway.MsgAuthAck); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	payload := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("bench payload from worker %d\n", workerID)))

	for op := 0; op < cfg.OpsPerConn; op++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t0 := time.Now()
		err := ws.WriteJSON(&gateway.Message{
			Type:     gateway.MsgFileWrite,
			Path:     "bench/load.txt",
			Bytes:    payload,
			Encoding: "base64",
		})
		if err == nil {
			_, err = recvType(ws, gateway.MsgFileWritten)
		}
		latency := time.Since(t0)

		atomic.AddUint64(&stats.Ops, 1)
		if err != nil {
			atomic.AddUint64(&stats.Failed, 1)
			continue
		}
		atomic.AddUint64(&stats.Succeeded, 1)

		latenciesMu.Lock()
		*latencies = append(*latencies, latency)
		if latency > stats.MaxLatency {
			stats.MaxLatency = latency
		}
		if latency < stats.MinLatency {
			stats.MinLatency = latency
		}
		latenciesMu.Unlock()
	}
	return nil
}

// recvType reads frames until one of the wanted type arrives. Unrelated
// frames are skipped; error frames fail the op.
func recvType(ws *websocket.Conn, want string) (*gateway.Message, error) {
	for i := 0; i < 50; i++ {
		var msg gateway.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return nil, err
		}
		switch msg.Type {
		case want:
			return &msg, nil
		case gateway.MsgError:
			return nil, fmt.Errorf("%s: %s", msg.Code, msg.Message)
		}
	}
	return nil, fmt.Errorf("no %s frame after 50 reads", want)
}

func mintToken(ctx context.Context, server, userID string) (string, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":     userID,
		"ttl_seconds": 3600,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		server+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("token endpoint: %s: %s", resp.Status, raw)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func reportStats(ctx context.Context, stats *runStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"ops", atomic.LoadUint64(&stats.Ops),
				"ok", atomic.LoadUint64(&stats.Succeeded),
				"failed", atomic.LoadUint64(&stats.Failed))
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *runStats) {
	sep := strings.Repeat("=", 64)
	fmt.Println("\n" + sep)
	fmt.Println("GATEWAY LOAD TEST RESULTS")
	fmt.Println(sep)
	fmt.Printf("Total ops:        %d\n", stats.Ops)
	if stats.Ops > 0 {
		fmt.Printf("Succeeded:        %d (%.2f%%)\n", stats.Succeeded,
			float64(stats.Succeeded)/float64(stats.Ops)*100)
		fmt.Printf("Failed:           %d\n", stats.Failed)
	}
	fmt.Printf("Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:       %.2f ops/sec\n", stats.OpsPerSecond)
	fmt.Printf("Latency min/avg:  %v / %v\n", stats.MinLatency, stats.AvgLatency)
	fmt.Printf("Latency p95/p99:  %v / %v\n", stats.P95Latency, stats.P99Latency)
	fmt.Printf("Latency max:      %v\n", stats.MaxLatency)
	fmt.Println(sep)
}

func average(latencies []time.Duration) time.Duration {
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func percentile(latencies []time.Duration, p int) time.Duration {
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
