package store

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

type countingTurnStore struct {
	*MemoryStore
	loads int
}

func (c *countingTurnStore) LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error) {
	c.loads++
	return c.MemoryStore.LoadRecentTurns(ctx, sessionID, count)
}

// racingTurnStore runs onLoad once, after the durable rows are read but
// before they are returned, to interleave a write with a cold read.
type racingTurnStore struct {
	*MemoryStore
	onLoad func()
}

func (r *racingTurnStore) LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error) {
	turns, err := r.MemoryStore.LoadRecentTurns(ctx, sessionID, count)
	if hook := r.onLoad; hook != nil {
		r.onLoad = nil
		hook()
	}
	return turns, err
}

type failingTurnStore struct{}

func (failingTurnStore) LoadRecentTurns(context.Context, string, int) ([]Turn, error) {
	return nil, errors.New("db down")
}

func (failingTurnStore) AppendTurn(context.Context, Turn) (Turn, error) {
	return Turn{}, errors.New("db down")
}

func newCache(t *testing.T, next TurnStore, opts ...CacheOption) (*CachedTurnStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachedTurnStore(next, client, logging.Discard(), opts...), mr
}

func TestCachedTurnStore_ServesRecentTurnsFromRedis(t *testing.T) {
	ctx := context.Background()
	backing := &countingTurnStore{MemoryStore: NewMemoryStore()}
	cache, mr := newCache(t, backing, WithCacheLength(5))

	for i := 0; i < 8; i++ {
		turn, err := cache.AppendTurn(ctx, Turn{SessionID: "s1", UserMessage: "m"})
		require.NoError(t, err)
		assert.Equal(t, i+1, turn.Ordinal)
	}

	list, err := mr.List(turnCacheKey("s1"))
	require.NoError(t, err)
	assert.Len(t, list, 5, "cache is trimmed to max length")

	turns, err := cache.LoadRecentTurns(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []int{6, 7, 8}, []int{turns[0].Ordinal, turns[1].Ordinal, turns[2].Ordinal})
	assert.Equal(t, 0, backing.loads)
	assert.True(t, mr.TTL(turnCacheKey("s1")) > 0)
}

func TestCachedTurnStore_FallsThroughWhenCacheShort(t *testing.T) {
	ctx := context.Background()
	backing := &countingTurnStore{MemoryStore: NewMemoryStore()}
	for i := 0; i < 4; i++ {
		_, err := backing.AppendTurn(ctx, Turn{SessionID: "s1"})
		require.NoError(t, err)
	}
	cache, mr := newCache(t, backing)

	turns, err := cache.LoadRecentTurns(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, 1, backing.loads)
	assert.True(t, mr.Exists(turnCacheKey("s1")))

	_, err = cache.LoadRecentTurns(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, backing.loads, "second read is served by the refilled cache")
}

func TestCachedTurnStore_InvalidatesGaps(t *testing.T) {
	ctx := context.Background()
	backing := &countingTurnStore{MemoryStore: NewMemoryStore()}
	cache, mr := newCache(t, backing)

	_, err := mr.Push(turnCacheKey("s1"), `{"ordinal":1}`, `{"ordinal":3}`)
	require.NoError(t, err)

	turns, err := cache.LoadRecentTurns(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Equal(t, 1, backing.loads)
	assert.False(t, mr.Exists(turnCacheKey("s1")))
}

func TestCachedTurnStore_ColdFillDoesNotDropConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	backing := &racingTurnStore{MemoryStore: NewMemoryStore()}
	for i := 0; i < 8; i++ {
		_, err := backing.AppendTurn(ctx, Turn{SessionID: "s1", UserMessage: "m"})
		require.NoError(t, err)
	}
	cache, _ := newCache(t, backing)

	backing.onLoad = func() {
		turn, err := cache.AppendTurn(ctx, Turn{SessionID: "s1", UserMessage: "late"})
		require.NoError(t, err)
		require.Equal(t, 9, turn.Ordinal)
	}
	turns, err := cache.LoadRecentTurns(ctx, "s1", 20)
	require.NoError(t, err)
	require.Len(t, turns, 8)

	turns, err = cache.LoadRecentTurns(ctx, "s1", 6)
	require.NoError(t, err)
	require.Len(t, turns, 6)
	assert.Equal(t, 4, turns[0].Ordinal)
	assert.Equal(t, 9, turns[5].Ordinal)
	assert.Equal(t, "late", turns[5].UserMessage)
}

func TestCachedTurnStore_PropagatesBackingErrors(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t, failingTurnStore{})

	_, err := cache.AppendTurn(ctx, Turn{SessionID: "s1"})
	assert.Error(t, err)

	_, err = cache.LoadRecentTurns(ctx, "s1", 2)
	assert.Error(t, err)
}

func TestCachedTurnStore_RedisDownStillPersists(t *testing.T) {
	ctx := context.Background()
	backing := &countingTurnStore{MemoryStore: NewMemoryStore()}
	cache, mr := newCache(t, backing, WithCacheTTL(time.Minute))
	mr.Close()

	turn, err := cache.AppendTurn(ctx, Turn{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, turn.Ordinal)

	turns, err := cache.LoadRecentTurns(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, 1, backing.loads)
}

func TestWithTurnCache(t *testing.T) {
	ctx := context.Background()
	base := NewMemoryStore()
	cache, mr := newCache(t, base)
	st := WithTurnCache(base, cache)

	require.NoError(t, st.CreateSession(ctx, Session{ID: "s1", ChildID: "c1"}))
	_, err := st.AppendTurn(ctx, Turn{SessionID: "s1", UserMessage: "你好"})
	require.NoError(t, err)

	list, err := mr.List(turnCacheKey("s1"))
	require.NoError(t, err)
	assert.Len(t, list, 1, "turn writes go through the cache")

	session, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", session.ChildID)

	assert.Same(t, base, WithTurnCache(base, nil))
}
