package checkpoints

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour), mr
}

func TestRecordAndLookup(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Record(ctx, "sb-src", "sb-clone", "ckpt-1", "alice"))

	rec, err := reg.Lookup(ctx, "sb-clone")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sb-src", rec.SourceSandboxID)
	assert.Equal(t, "ckpt-1", rec.CheckpointRef)
	assert.Equal(t, "alice", rec.Owner)
	assert.False(t, rec.ClonedAt.IsZero())
}

func TestLookupUnknownIsNil(t *testing.T) {
	reg, _ := testRegistry(t)
	rec, err := reg.Lookup(context.Background(), "never-cloned")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestChildrenListsClones(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Record(ctx, "sb-src", "sb-a", "", "alice"))
	require.NoError(t, reg.Record(ctx, "sb-src", "sb-b", "", "bob"))

	kids, err := reg.Children(ctx, "sb-src")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sb-a", "sb-b"}, kids)
}

func TestExpiredRecordDropsOut(t *testing.T) {
	reg, mr := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Record(ctx, "sb-src", "sb-a", "", "alice"))
	mr.FastForward(2 * time.Hour)

	rec, err := reg.Lookup(ctx, "sb-a")
	require.NoError(t, err)
	assert.Nil(t, rec)

	kids, err := reg.Children(ctx, "sb-src")
	require.NoError(t, err)
	assert.Empty(t, kids)
}

func TestLineageWalksToRoot(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Record(ctx, "sb-root", "sb-mid", "ckpt-1", "alice"))
	require.NoError(t, reg.Record(ctx, "sb-mid", "sb-leaf", "ckpt-2", "bob"))

	chain, err := reg.Lineage(ctx, "sb-leaf")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "sb-mid", chain[0].SourceSandboxID)
	assert.Equal(t, "sb-root", chain[1].SourceSandboxID)
}
