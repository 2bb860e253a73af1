package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldqa/qcreview/internal/config"
	"github.com/fieldqa/qcreview/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// StatsCache is a best-effort cache for batch stats. Misses and failures
// fall through to the database.
type StatsCache interface {
	Get(ctx context.Context, batchID uint) (*BatchStats, bool)
	Set(ctx context.Context, stats *BatchStats, ttl time.Duration)
	Delete(ctx context.Context, batchID uint)
}

// NoopStatsCache disables caching.
type NoopStatsCache struct{}

func (NoopStatsCache) Get(context.Context, uint) (*BatchStats, bool)   { return nil, false }
func (NoopStatsCache) Set(context.Context, *BatchStats, time.Duration) {}
func (NoopStatsCache) Delete(context.Context, uint)                    {}

// RedisStatsCache stores stats as JSON under qc:stats:batch:<id>.
type RedisStatsCache struct {
	client *redis.Client
}

func NewRedisStatsCache(client *redis.Client) *RedisStatsCache {
	return &RedisStatsCache{client: client}
}

// InitStatsCache returns a Redis cache when Redis is enabled and reachable,
// otherwise a no-op cache.
func InitStatsCache(cfg *config.RedisConfig) (StatsCache, *redis.Client) {
	if !cfg.Enabled {
		logger.Infof("[StatsCache] Redis disabled, stats are computed per request")
		return NoopStatsCache{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnf("[StatsCache] Redis unavailable, falling back to no cache: %v", err)
		client.Close()
		return NoopStatsCache{}, nil
	}

	logger.Infof("[StatsCache] Using Redis at %s", cfg.Addr)
	return NewRedisStatsCache(client), client
}

func statsKey(batchID uint) string {
	return fmt.Sprintf("qc:stats:batch:%d", batchID)
}

func (c *RedisStatsCache) Get(ctx context.Context, batchID uint) (*BatchStats, bool) {
	data, err := c.client.Get(ctx, statsKey(batchID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Debug().Err(err).Uint("batch_id", batchID).Msg("[StatsCache] Get failed")
		}
		return nil, false
	}
	var stats BatchStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, false
	}
	return &stats, true
}

func (c *RedisStatsCache) Set(ctx context.Context, stats *BatchStats, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statsKey(stats.BatchID), data, ttl).Err(); err != nil {
		logger.Debug().Err(err).Uint("batch_id", stats.BatchID).Msg("[StatsCache] Set failed")
	}
}

func (c *RedisStatsCache) Delete(ctx context.Context, batchID uint) {
	if err := c.client.Del(ctx, statsKey(batchID)).Err(); err != nil {
		logger.Debug().Err(err).Uint("batch_id", batchID).Msg("[StatsCache] Delete failed")
	}
}
