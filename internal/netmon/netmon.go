// Package netmon reads per-sandbox network counters out of Redis. The probe
// binary attaches an eBPF socket filter on the host bridge and publishes
// cumulative byte counts per sandbox IP; this package is the consuming side
// the sampler plugs into.
package netmon

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rxKeyPrefix = "netmon:rx:"
	txKeyPrefix = "netmon:tx:"

	// counters untouched for this long are treated as absent rather than
	// frozen, so a dead probe does not freeze billing deltas at stale values
	counterTTL = 5 * time.Minute
)

// Source reads counters published by the probe.
type Source struct {
	rdb *redis.Client
}

func NewSource(rdb *redis.Client) *Source {
	return &Source{rdb: rdb}
}

// Counters returns cumulative rx/tx bytes for a sandbox IP. Missing keys are
// an error; the sampler falls back to engine-side numbers.
func (s *Source) Counters(ctx context.Context, sandboxIP string) (rx, tx uint64, err error) {
	vals, err := s.rdb.MGet(ctx, rxKeyPrefix+sandboxIP, txKeyPrefix+sandboxIP).Result()
	if err != nil {
		return 0, 0, err
	}
	rx, err = parseCounter(vals[0])
	if err != nil {
		return 0, 0, fmt.Errorf("rx counter for %s: %w", sandboxIP, err)
	}
	tx, err = parseCounter(vals[1])
	if err != nil {
		return 0, 0, fmt.Errorf("tx counter for %s: %w", sandboxIP, err)
	}
	return rx, tx, nil
}

func parseCounter(v interface{}) (uint64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("counter not published")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter malformed: %w", err)
	}
	return n, nil
}

// Publisher is the probe-side writer. Counters are absolute, not deltas;
// publishing refreshes the TTL.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish writes the cumulative counters for one sandbox IP.
func (p *Publisher) Publish(ctx context.Context, sandboxIP string, rx, tx uint64) error {
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, rxKeyPrefix+sandboxIP, strconv.FormatUint(rx, 10), counterTTL)
	pipe.Set(ctx, txKeyPrefix+sandboxIP, strconv.FormatUint(tx, 10), counterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Drop removes the counters for an IP, typically after the sandbox is reaped
// so a reused address starts clean.
func (p *Publisher) Drop(ctx context.Context, sandboxIP string) error {
	return p.rdb.Del(ctx, rxKeyPrefix+sandboxIP, txKeyPrefix+sandboxIP).Err()
}
