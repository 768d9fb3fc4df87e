package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/zap"
)

const (
	keyReportVersion = "tally:report:version:%s:%s"
	keyReport        = "tally:report:%s:%s:v%d:%s:%d:%d"
)

// Cache stores built reports. Entries of a (scope, product) pair are dropped
// together by Invalidate.
type Cache interface {
	Get(ctx context.Context, q Query) (Report, bool)
	Set(ctx context.Context, q Query, r Report)
	Invalidate(ctx context.Context, scope, productID string)
}

type NoopCache struct{}

func (NoopCache) Get(context.Context, Query) (Report, bool)  { return Report{}, false }
func (NoopCache) Set(context.Context, Query, Report)         {}
func (NoopCache) Invalidate(context.Context, string, string) {}

// RedisCache keys reports by a per (scope, product) version counter, so an
// invalidation is a single INCR and stale entries age out by TTL.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, log: log.Named("tally.report.cache")}
}

// ProvideCache returns the redis cache when a client is configured.
func ProvideCache(cfg config.Config, client *redis.Client, log *zap.Logger) Cache {
	if client == nil {
		return NoopCache{}
	}
	return NewRedisCache(client, cfg.Redis.ReportCacheTTL, log)
}

func (c *RedisCache) Get(ctx context.Context, q Query) (Report, bool) {
	key, err := c.key(ctx, q)
	if err != nil {
		c.log.Warn("report cache version lookup failed", zap.Error(err))
		return Report{}, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("report cache get failed", zap.String("key", key), zap.Error(err))
		}
		return Report{}, false
	}
	var out Report
	if err := json.Unmarshal(raw, &out); err != nil {
		c.log.Warn("report cache entry corrupt", zap.String("key", key), zap.Error(err))
		return Report{}, false
	}
	return out, true
}

func (c *RedisCache) Set(ctx context.Context, q Query, r Report) {
	key, err := c.key(ctx, q)
	if err != nil {
		c.log.Warn("report cache version lookup failed", zap.Error(err))
		return
	}
	raw, err := json.Marshal(r)
	if err != nil {
		c.log.Warn("report cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("report cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, scope, productID string) {
	if err := c.client.Incr(ctx, fmt.Sprintf(keyReportVersion, scope, productID)).Err(); err != nil {
		c.log.Warn("report cache invalidate failed",
			zap.String("scope", scope),
			zap.String("product_id", productID),
			zap.Error(err),
		)
	}
}

func (c *RedisCache) key(ctx context.Context, q Query) (string, error) {
	version, err := c.client.Get(ctx, fmt.Sprintf(keyReportVersion, q.Scope, q.ProductID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	return fmt.Sprintf(keyReport,
		q.Scope, q.ProductID, version, q.Granularity,
		q.Beginning.UnixNano(), q.Ending.UnixNano(),
	), nil
}

// Invalidator drops cached reports of buckets the roller changed.
type Invalidator struct {
	cache Cache
}

func NewInvalidator(cache Cache) *Invalidator {
	return &Invalidator{cache: cache}
}

func (i *Invalidator) SnapshotChanged(ctx context.Context, result roller.Result) {
	i.cache.Invalidate(ctx, result.Key.ScopeKey, result.Key.ProductID)
}
