// Package checkpoints keeps clone lineage in Redis: which sandbox a clone
// came from, which checkpoint ref carried it, and who owns the copy. Entries
// expire on their own; the registry is an operational trace, not a system of
// record.
package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 72 * time.Hour

// CloneRecord is one clone event.
type CloneRecord struct {
	SourceSandboxID string    `json:"source_sandbox_id"`
	NewSandboxID    string    `json:"new_sandbox_id"`
	CheckpointRef   string    `json:"checkpoint_ref,omitempty"`
	Owner           string    `json:"owner"`
	ClonedAt        time.Time `json:"cloned_at"`
}

// Registry stores clone records keyed by the new sandbox id, with a reverse
// index from the source so lineage can be walked in both directions.
type Registry struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(rdb *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{
		rdb:    rdb,
		ttl:    ttl,
		logger: slog.With("component", "checkpoints"),
	}
}

func recordKey(newSandboxID string) string {
	return "clone:record:" + newSandboxID
}

func childrenKey(srcSandboxID string) string {
	return "clone:children:" + srcSandboxID
}

// Record implements the orchestrator's clone log.
func (r *Registry) Record(ctx context.Context, srcSandboxID, newSandboxID, checkpointRef, owner string) error {
	rec := CloneRecord{
		SourceSandboxID: srcSandboxID,
		NewSandboxID:    newSandboxID,
		CheckpointRef:   checkpointRef,
		Owner:           owner,
		ClonedAt:        time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(newSandboxID), data, r.ttl)
	pipe.SAdd(ctx, childrenKey(srcSandboxID), newSandboxID)
	pipe.Expire(ctx, childrenKey(srcSandboxID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record clone %s -> %s: %w", srcSandboxID, newSandboxID, err)
	}

	r.logger.Info("clone recorded",
		"source", srcSandboxID, "clone", newSandboxID, "checkpoint", checkpointRef)
	return nil
}

// Lookup returns the clone record for a sandbox, or nil when the sandbox was
// not cloned (or the record has expired).
func (r *Registry) Lookup(ctx context.Context, sandboxID string) (*CloneRecord, error) {
	data, err := r.rdb.Get(ctx, recordKey(sandboxID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec CloneRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Children lists the sandbox ids cloned from a source. Expired clones drop
// out of the listing as their records lapse.
func (r *Registry) Children(ctx context.Context, srcSandboxID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, childrenKey(srcSandboxID)).Result()
	if err != nil {
		return nil, err
	}
	live := ids[:0]
	for _, id := range ids {
		exists, err := r.rdb.Exists(ctx, recordKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists > 0 {
			live = append(live, id)
		} else {
			r.rdb.SRem(ctx, childrenKey(srcSandboxID), id)
		}
	}
	return live, nil
}

// Lineage walks the chain of sources from a clone back to its root, nearest
// ancestor first. Cycles cannot occur; expired links end the walk.
func (r *Registry) Lineage(ctx context.Context, sandboxID string) ([]CloneRecord, error) {
	var chain []CloneRecord
	cur := sandboxID
	for {
		rec, err := r.Lookup(ctx, cur)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return chain, nil
		}
		chain = append(chain, *rec)
		cur = rec.SourceSandboxID
	}
}

// Ping reports Redis connectivity for the health endpoint.
func (r *Registry) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
