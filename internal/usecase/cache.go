package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/logging"
	"github.com/example/face-attendance/internal/retry"
)

// Cache abstracts the Redis operations used by the gallery cache to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

type cachedIdentity struct {
	ID        string          `json:"id"`
	Profile   gallery.Profile `json:"profile"`
	Templates [][]float64     `json:"templates"`
	Malformed int             `json:"malformed,omitempty"`
}

// CachedGallery is a read-through gallery cache. Entries are keyed by the
// source revision, which is read from the store on every call, so a changed
// gallery is never served from a stale entry.
type CachedGallery struct {
	source gallery.Source
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
	policy retry.Policy
}

// NewCachedGallery wraps source. Sources that do not implement
// gallery.Revisioner are always read directly.
func NewCachedGallery(source gallery.Source, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedGallery {
	return &CachedGallery{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("gallery_cache"),
		policy: retry.DefaultPolicy,
	}
}

// Identities implements gallery.Source.
func (g *CachedGallery) Identities(ctx context.Context) ([]gallery.Identity, error) {
	rev, ok := g.source.(gallery.Revisioner)
	if !ok {
		return g.source.Identities(ctx)
	}

	requestID := logging.RequestIDFrom(ctx)
	revision, err := rev.Revision(ctx)
	if err != nil {
		return nil, err
	}
	key := "gallery:" + revision

	var payload string
	var miss bool
	err = retry.Do(ctx, g.logger, g.policy, "cache.get.gallery", requestID, func() error {
		value, getErr := g.cache.Get(ctx, key)
		if errors.Is(getErr, redis.Nil) {
			miss = true
			return nil
		}
		payload = value
		return getErr
	})
	switch {
	case err != nil:
		logging.WithOperation(g.logger, "cache.get.gallery", requestID).Warn("failed to read cache", zap.Error(err))
	case !miss:
		identities, decodeErr := decodeGallery(payload)
		if decodeErr == nil {
			return identities, nil
		}
		logging.WithOperation(g.logger, "cache.decode.gallery", requestID).Warn("failed to decode cached gallery", zap.Error(decodeErr))
	}

	identities, err := g.source.Identities(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeGallery(identities)
	if err != nil {
		logging.WithOperation(g.logger, "cache.encode.gallery", requestID).Warn("failed to encode gallery", zap.Error(err))
		return identities, nil
	}
	err = retry.Do(ctx, g.logger, g.policy, "cache.set.gallery", requestID, func() error {
		return g.cache.Set(ctx, key, encoded, g.ttl)
	})
	if err != nil {
		logging.WithOperation(g.logger, "cache.set.gallery", requestID).Warn("failed to cache gallery", zap.Error(err))
	}
	return identities, nil
}

func encodeGallery(identities []gallery.Identity) (string, error) {
	out := make([]cachedIdentity, len(identities))
	for i, ident := range identities {
		out[i] = cachedIdentity{
			ID:        ident.ID,
			Profile:   ident.Profile,
			Templates: ident.Templates,
			Malformed: ident.Malformed,
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeGallery(payload string) ([]gallery.Identity, error) {
	var in []cachedIdentity
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return nil, err
	}
	out := make([]gallery.Identity, len(in))
	for i, c := range in {
		out[i] = gallery.Identity{
			ID:        c.ID,
			Profile:   c.Profile,
			Templates: c.Templates,
			Malformed: c.Malformed,
		}
	}
	return out, nil
}
