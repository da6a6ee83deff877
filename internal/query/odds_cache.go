package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"EscrowLedger/internal/observability"
)

// OddsCache caches live odds snapshots in Redis. Odds are the hottest read —
// every open match page polls them — and they only change when a bet lands,
// so a short TTL keeps Postgres off the hot path without visible staleness.
type OddsCache struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
}

func NewOddsCache(client *redis.Client, ttl time.Duration, metrics *observability.Metrics) *OddsCache {
	return &OddsCache{
		client:  client,
		ttl:     ttl,
		metrics: metrics,
	}
}

func oddsKey(matchID string) string {
	return "escrow:odds:" + matchID
}

// Get returns the cached odds for a match, or nil on miss. Redis errors are
// reported as misses: the caller falls back to Postgres.
func (c *OddsCache) Get(ctx context.Context, matchID string) *OddsResponse {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := c.client.Get(ctx, oddsKey(matchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.count("miss")
		} else {
			c.count("error")
		}
		return nil
	}

	var odds OddsResponse
	if err := json.Unmarshal(data, &odds); err != nil {
		c.count("error")
		return nil
	}
	c.count("hit")
	return &odds
}

// Set stores the odds snapshot with the configured TTL. Best-effort.
func (c *OddsCache) Set(ctx context.Context, matchID string, odds *OddsResponse) {
	if c == nil || c.client == nil || odds == nil {
		return
	}
	data, err := json.Marshal(odds)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, oddsKey(matchID), data, c.ttl).Err(); err != nil {
		c.count("error")
	}
}

// Invalidate drops the cached odds for a match, used when a settlement or
// cancellation makes the snapshot meaningless.
func (c *OddsCache) Invalidate(ctx context.Context, matchID string) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, oddsKey(matchID))
}

func (c *OddsCache) count(result string) {
	if c.metrics != nil {
		c.metrics.OddsCacheHits.WithLabelValues(result).Inc()
	}
}
