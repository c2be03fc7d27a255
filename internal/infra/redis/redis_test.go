package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Hosts: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func testBlock(n uint64, id string) *stream.NewBlock {
	return &stream.NewBlock{
		Number:    n,
		ID:        id,
		Timestamp: time.Date(2024, 5, 1, 12, 0, int(n%60), 500, time.UTC),
		Cursor:    domain.Cursor("c" + id),
	}
}

func TestParseHosts(t *testing.T) {
	assert.Equal(t, []string{"a:6379", "redis://b:6379"}, ParseHosts(" a:6379, redis://b:6379,,"))
	assert.Nil(t, ParseHosts(""))
}

func TestNewClient_Single(t *testing.T) {
	client, _ := newTestClient(t)
	assert.False(t, client.IsCluster())
	require.NoError(t, client.Ping(context.Background()))

	// Close is idempotent.
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestNewClient_NoHosts(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewClient(context.Background(), Config{Hosts: []string{"redis://" + addr}})
	assert.Error(t, err)
}

func TestCheckpointStore(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewCheckpointStore(client)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "lootbox:eos:cursor")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "lootbox:eos:cursor", "abc", 7*24*time.Hour))
	got, found, err := store.Get(ctx, "lootbox:eos:cursor")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.Cursor("abc"), got)
	assert.Equal(t, 7*24*time.Hour, mr.TTL("lootbox:eos:cursor"))

	mr.FastForward(8 * 24 * time.Hour)
	_, found, err = store.Get(ctx, "lootbox:eos:cursor")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	require.NoError(t, store.Delete(ctx, "k"))
	assert.False(t, mr.Exists("k"))
}

func TestBlockCache_ApplyBlock(t *testing.T) {
	client, mr := newTestClient(t)
	cache := NewBlockCache(client, BlockCacheConfig{}, nil)
	ctx := context.Background()

	b := testBlock(100, "abc")
	require.NoError(t, cache.ApplyBlock(ctx, b))
	// idempotent
	require.NoError(t, cache.ApplyBlock(ctx, b))

	raw, err := mr.Get("eos:simple:100")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"head_block_id":"abc","head_block_number":100,"head_block_time":"2024-05-01T12:00:40.0000005Z"}`,
		raw,
	)
	assert.Equal(t, 15*time.Second, mr.TTL("eos:simple:100"))

	members, err := mr.ZMembers("eos:simple:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"eos:simple:100"}, members)

	mr.FastForward(16 * time.Second)
	_, found, err := cache.Get(ctx, 100)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBlockCache_RollbackDelete(t *testing.T) {
	client, mr := newTestClient(t)
	cache := NewBlockCache(client, BlockCacheConfig{Namespace: "ns", TTL: time.Minute}, nil)
	ctx := context.Background()

	for n := uint64(1); n <= 5; n++ {
		require.NoError(t, cache.ApplyBlock(ctx, testBlock(n, "a")))
	}
	require.NoError(t, cache.RollbackTo(ctx, 2))

	for n := uint64(1); n <= 5; n++ {
		_, found, err := cache.Get(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, n <= 2, found, "block %d", n)
	}
	members, err := mr.ZMembers("ns:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"ns:1", "ns:2"}, members)

	// The fork continues at 3.
	require.NoError(t, cache.ApplyBlock(ctx, testBlock(3, "b")))
	rec, found, err := cache.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", rec.HeadBlockID)
}

func TestBlockCache_RollbackExpire(t *testing.T) {
	client, mr := newTestClient(t)
	cache := NewBlockCache(client, BlockCacheConfig{Rollback: RollbackExpire}, nil)
	ctx := context.Background()

	require.NoError(t, cache.ApplyBlock(ctx, testBlock(1, "a")))
	require.NoError(t, cache.ApplyBlock(ctx, testBlock(2, "a")))
	require.NoError(t, cache.RollbackTo(ctx, 1))

	assert.True(t, mr.Exists("eos:simple:2"))
	assert.False(t, mr.Exists("eos:simple:index"))
}

func TestBlockCache_IndexWindow(t *testing.T) {
	client, mr := newTestClient(t)
	cache := NewBlockCache(client, BlockCacheConfig{IndexWindow: 3}, nil)
	ctx := context.Background()

	for n := uint64(1); n <= 10; n++ {
		require.NoError(t, cache.ApplyBlock(ctx, testBlock(n, "a")))
	}

	members, err := mr.ZMembers("eos:simple:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"eos:simple:8", "eos:simple:9", "eos:simple:10"}, members)
}

func TestBlockCache_Head(t *testing.T) {
	client, _ := newTestClient(t)
	cache := NewBlockCache(client, BlockCacheConfig{Namespace: "ns", TTL: time.Minute}, nil)
	ctx := context.Background()

	_, found, err := cache.Head(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	for n := uint64(1); n <= 4; n++ {
		require.NoError(t, cache.ApplyBlock(ctx, testBlock(n, "a")))
	}
	head, found, err := cache.Head(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(4), head.HeadBlockNumber)

	require.NoError(t, cache.RollbackTo(ctx, 2))
	head, found, err = cache.Head(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), head.HeadBlockNumber)
}
