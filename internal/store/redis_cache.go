package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

var errCacheAhead = errors.New("store: turn cache is ahead of loaded turns")

const (
	defaultTurnCacheTTL = 24 * time.Hour
	defaultTurnCacheLen = 20
)

// CachedTurnStore keeps the most recent turns of each session in a Redis list
// in front of a durable TurnStore. The durable store always assigns ordinals.
type CachedTurnStore struct {
	next   TurnStore
	redis  *redis.Client
	ttl    time.Duration
	maxLen int
	tracer trace.Tracer
	logger *logging.Logger
}

// CacheOption configures a CachedTurnStore.
type CacheOption func(*CachedTurnStore)

// WithCacheTTL sets how long an idle session's cache lives.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedTurnStore) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLength caps how many turns are cached per session.
func WithCacheLength(n int) CacheOption {
	return func(c *CachedTurnStore) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// NewCachedTurnStore wraps next with a Redis read-through cache.
func NewCachedTurnStore(next TurnStore, client *redis.Client, logger *logging.Logger, opts ...CacheOption) *CachedTurnStore {
	if next == nil {
		panic("store: backing turn store cannot be nil")
	}
	if client == nil {
		panic("store: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &CachedTurnStore{
		next:   next,
		redis:  client,
		ttl:    defaultTurnCacheTTL,
		maxLen: defaultTurnCacheLen,
		tracer: otel.Tracer("ruralcare.internal.store.turn_cache"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ TurnStore = (*CachedTurnStore)(nil)

func (c *CachedTurnStore) LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error) {
	ctx, span := c.tracer.Start(ctx, "store.load_recent_turns")
	defer span.End()

	if count <= 0 {
		return nil, nil
	}
	if count <= c.maxLen {
		if turns, ok := c.readCache(ctx, sessionID, count); ok {
			return turns, nil
		}
	}

	turns, err := c.next.LoadRecentTurns(ctx, sessionID, count)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	c.fill(ctx, sessionID, turns)
	return turns, nil
}

func (c *CachedTurnStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	ctx, span := c.tracer.Start(ctx, "store.append_turn")
	defer span.End()

	saved, err := c.next.AppendTurn(ctx, turn)
	if err != nil {
		span.RecordError(err)
		return Turn{}, err
	}

	data, err := json.Marshal(saved)
	if err != nil {
		c.invalidate(ctx, saved.SessionID)
		return saved, nil
	}
	key := turnCacheKey(saved.SessionID)
	pipe := c.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-c.maxLen), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("turn cache push failed", "session_id", saved.SessionID, "error", err)
		c.invalidate(ctx, saved.SessionID)
	}
	return saved, nil
}

// readCache serves from Redis only when it holds enough contiguous turns.
func (c *CachedTurnStore) readCache(ctx context.Context, sessionID string, count int) ([]Turn, bool) {
	raw, err := c.redis.LRange(ctx, turnCacheKey(sessionID), int64(-count), -1).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("turn cache read failed", "session_id", sessionID, "error", err)
		}
		return nil, false
	}
	if len(raw) < count {
		return nil, false
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			c.invalidate(ctx, sessionID)
			return nil, false
		}
		if n := len(turns); n > 0 && t.Ordinal != turns[n-1].Ordinal+1 {
			c.invalidate(ctx, sessionID)
			return nil, false
		}
		turns = append(turns, t)
	}
	return turns, true
}

func (c *CachedTurnStore) fill(ctx context.Context, sessionID string, turns []Turn) {
	if len(turns) == 0 {
		return
	}
	if len(turns) > c.maxLen {
		turns = turns[len(turns)-c.maxLen:]
	}
	args := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return
		}
		args = append(args, data)
	}
	key := turnCacheKey(sessionID)
	loadedTail := turns[len(turns)-1].Ordinal
	err := c.redis.Watch(ctx, func(tx *redis.Tx) error {
		// A turn appended while the durable read was in flight is newer than
		// anything loaded; the cached list must not be replaced by older data.
		raw, err := tx.LIndex(ctx, key, -1).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var tail Turn
			if json.Unmarshal([]byte(raw), &tail) == nil && tail.Ordinal > loadedTail {
				return errCacheAhead
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, key, args...)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
	case errors.Is(err, errCacheAhead), errors.Is(err, redis.TxFailedErr):
		c.logger.Debug("turn cache fill skipped; cache changed during load", "session_id", sessionID)
	default:
		c.logger.Warn("turn cache fill failed", "session_id", sessionID, "error", err)
	}
}

func (c *CachedTurnStore) invalidate(ctx context.Context, sessionID string) {
	if err := c.redis.Del(ctx, turnCacheKey(sessionID)).Err(); err != nil {
		c.logger.Warn("turn cache invalidate failed", "session_id", sessionID, "error", err)
	}
}

func turnCacheKey(sessionID string) string {
	return fmt.Sprintf("dialogue:turns:%s", sessionID)
}

// cachedStore routes turn traffic through the cache and everything else to
// the durable store.
type cachedStore struct {
	Store
	turns *CachedTurnStore
}

// WithTurnCache returns base with its turn reads and writes served by cache.
func WithTurnCache(base Store, cache *CachedTurnStore) Store {
	if cache == nil {
		return base
	}
	return cachedStore{Store: base, turns: cache}
}

func (s cachedStore) LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error) {
	return s.turns.LoadRecentTurns(ctx, sessionID, count)
}

func (s cachedStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	return s.turns.AppendTurn(ctx, turn)
}
