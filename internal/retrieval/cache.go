package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/pharmarag/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is used when NewCachedProvider is given a non-positive TTL.
const DefaultCacheTTL = 24 * time.Hour

// CachedProvider memoizes embeddings in Redis. Redis failures never fail an
// Embed call; the wrapped provider is used instead.
type CachedProvider struct {
	provider  Provider
	redis     goredis.Cmdable
	namespace string
	ttl       time.Duration
	keyPrefix string
}

// NewCachedProvider wraps provider with a Redis cache. namespace separates
// vectors produced by different models so a model change never returns stale
// dimensions.
func NewCachedProvider(provider Provider, redis goredis.Cmdable, namespace string, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedProvider{
		provider:  provider,
		redis:     redis,
		namespace: namespace,
		ttl:       ttl,
		keyPrefix: "pharmarag:emb:",
	}
}

func (c *CachedProvider) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(c.namespace + "\x00" + text))
	return c.keyPrefix + hex.EncodeToString(hash[:])
}

// Embed returns the cached vector for text, computing and storing it on a miss.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		vec, decErr := decodeFloat32s(data)
		if decErr == nil && len(vec) > 0 {
			metrics.EmbeddingCacheHits.Inc()
			return vec, nil
		}
		slog.Warn("embedding cache: corrupt entry, deleting", "key", key)
		_ = c.redis.Del(ctx, key).Err()
	case !errors.Is(err, goredis.Nil):
		slog.Warn("embedding cache: redis get failed, using provider", "error", err)
	}

	metrics.EmbeddingCacheMisses.Inc()
	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.redis.Set(ctx, key, encodeFloat32s(vec), c.ttl).Err(); err != nil {
		slog.Warn("embedding cache: redis set failed", "key", key, "error", err)
	}
	return vec, nil
}
