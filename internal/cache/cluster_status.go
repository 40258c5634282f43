// Package cache provides a short-TTL Redis decorator over read paths that
// would otherwise hammer the broker management API on every poll.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClusterStatusReader is the delegate a CachedClusterStatusReader wraps —
// in this service the API layer's roll-up over the broker client and the
// per-node health checker.
type ClusterStatusReader interface {
	GetClusterStatus(ctx context.Context) (interface{}, error)
}

// Config configures a CachedClusterStatusReader.
type Config struct {
	TTL       time.Duration
	KeyPrefix string
}

// DefaultConfig returns sensible defaults: cache cluster status for 5s,
// short enough that an operator watching a dashboard never sees stale data
// for long, long enough to absorb a burst of status polls.
func DefaultConfig() *Config {
	return &Config{
		TTL:       5 * time.Second,
		KeyPrefix: "rollingrestart:",
	}
}

// CachedClusterStatusReader wraps a ClusterStatusReader with Redis caching.
// It stores any JSON-able cluster status payload; a cache hit returns the
// payload decoded generically (maps, slices, float64), not the delegate's
// original type.
type CachedClusterStatusReader struct {
	delegate ClusterStatusReader
	redis    *redis.Client
	ttl      time.Duration
	key      string

	mu    sync.RWMutex
	stats struct {
		hits   int64
		misses int64
	}
}

// NewCachedClusterStatusReader constructs a CachedClusterStatusReader. A nil
// config falls back to DefaultConfig.
func NewCachedClusterStatusReader(delegate ClusterStatusReader, redisClient *redis.Client, config *Config) *CachedClusterStatusReader {
	if config == nil {
		config = DefaultConfig()
	}
	return &CachedClusterStatusReader{
		delegate: delegate,
		redis:    redisClient,
		ttl:      config.TTL,
		key:      config.KeyPrefix + "cluster:status",
	}
}

// GetStatus returns the cluster status, serving from Redis when a fresh
// entry exists and falling back to the delegate (and re-caching) on a miss.
// A Redis failure on either path is logged and treated as a miss — caching
// is an optimization, never a hard dependency.
func (c *CachedClusterStatusReader) GetStatus(ctx context.Context) (interface{}, error) {
	if cached, ok := c.getCached(ctx); ok {
		return cached, nil
	}

	c.recordMiss()
	status, err := c.delegate.GetClusterStatus(ctx)
	if err != nil {
		return nil, err
	}

	c.setCached(ctx, status)
	return status, nil
}

func (c *CachedClusterStatusReader) getCached(ctx context.Context) (interface{}, bool) {
	data, err := c.redis.Get(ctx, c.key).Bytes()
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var status interface{}
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, false
	}
	c.recordHit()
	return status, true
}

func (c *CachedClusterStatusReader) setCached(ctx context.Context, status interface{}) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		log.Printf("[cache] failed to cache cluster status: %v", err)
	}
}

// Invalidate removes the cached entry, forcing the next GetStatus to hit
// the delegate — used right after a node's maintenance mode changes.
func (c *CachedClusterStatusReader) Invalidate(ctx context.Context) error {
	return c.redis.Del(ctx, c.key).Err()
}

func (c *CachedClusterStatusReader) recordHit() {
	c.mu.Lock()
	c.stats.hits++
	c.mu.Unlock()
}

func (c *CachedClusterStatusReader) recordMiss() {
	c.mu.Lock()
	c.stats.misses++
	c.mu.Unlock()
}

// Stats reports hit/miss counters.
func (c *CachedClusterStatusReader) Stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats.hits, c.stats.misses
}
