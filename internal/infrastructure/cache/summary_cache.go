package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"stockledger/internal/core/id"
	"stockledger/internal/core/tenant"
	"stockledger/internal/domain/ledger"
	"stockledger/pkg/logger"
)

var _ ledger.SummaryCache = (*SummaryCache)(nil)

// DefaultSummaryTTL bounds staleness if an invalidation is lost.
const DefaultSummaryTTL = 5 * time.Minute

// SummaryCache caches product stock summaries in Redis, keyed by tenant.
// Redis failures degrade to cache misses; the ledger never depends on it.
type SummaryCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewSummaryCache creates the cache. ttl <= 0 selects DefaultSummaryTTL.
func NewSummaryCache(client *redis.Client, ttl time.Duration) *SummaryCache {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &SummaryCache{client: client, ttl: ttl, prefix: "stockledger"}
}

// key is scoped by tenant so product ids of different databases never collide.
func (c *SummaryCache) key(ctx context.Context, productID id.ID) string {
	tenantID := tenant.GetTenantID(ctx)
	if tenantID == "" {
		tenantID = "default"
	}
	return fmt.Sprintf("%s:%s:summary:%s", c.prefix, tenantID, productID)
}

func (c *SummaryCache) Get(ctx context.Context, productID id.ID) (*ledger.StockSummary, bool) {
	data, err := c.client.Get(ctx, c.key(ctx, productID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn(ctx, "summary cache read failed", "product_id", productID, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}

	var s ledger.StockSummary
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warn(ctx, "summary cache entry corrupt", "product_id", productID, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &s, true
}

func (c *SummaryCache) Set(ctx context.Context, s *ledger.StockSummary) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(ctx, s.ProductID), data, c.ttl).Err(); err != nil {
		logger.Warn(ctx, "summary cache write failed", "product_id", s.ProductID, "error", err)
	}
}

func (c *SummaryCache) Invalidate(ctx context.Context, productIDs ...id.ID) {
	if len(productIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(productIDs))
	for _, pid := range productIDs {
		keys = append(keys, c.key(ctx, pid))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.Warn(ctx, "summary cache invalidation failed", "products", len(productIDs), "error", err)
	}
}

// Stats reports hit and miss counts since start.
func (c *SummaryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
