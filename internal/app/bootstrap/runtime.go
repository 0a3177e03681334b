package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/AdrianFeng10086/RuralCareAI/internal/config"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildPostgresPool connects to DATABASE_URL, or returns nil when unset.
func BuildPostgresPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// BuildStore picks Postgres when a pool is given and the in-memory store
// otherwise, then fronts turn traffic with the Redis cache when available.
func BuildStore(pool *pgxpool.Pool, redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) store.Store {
	if logger == nil {
		logger = logging.Default()
	}

	var base store.Store
	if pool != nil {
		base = store.NewPGStore(pool)
		logger.Info("dialogue persistence: postgres")
	} else {
		base = store.NewMemoryStore()
		logger.Warn("DATABASE_URL not set; dialogue history is kept in memory only")
	}

	if redisClient == nil {
		return base
	}
	var opts []store.CacheOption
	if cfg != nil {
		opts = append(opts, store.WithCacheTTL(cfg.TurnCacheTTL), store.WithCacheLength(2*cfg.HistoryRounds))
	}
	logger.Info("turn cache enabled", "redis", redisClient.Options().Addr)
	return store.WithTurnCache(base, store.NewCachedTurnStore(base, redisClient, logger, opts...))
}
