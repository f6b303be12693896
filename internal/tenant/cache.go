package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/triagedesk/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix  = "tenant:config:"
	defaultCacheTTL = 5 * time.Minute
)

var errCacheMiss = errors.New("cache miss")

// cacheBackend is the key/value surface CachedProvider needs.
type cacheBackend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisBackend struct {
	client *redis.Client
}

func (r redisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errCacheMiss
	}
	return val, err
}

func (r redisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// CachedProvider is a read-through Redis cache in front of another Provider.
// Cache failures degrade to direct lookups.
type CachedProvider struct {
	next   Provider
	cache  cacheBackend
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewCachedProvider wraps next with a Redis cache.
func NewCachedProvider(next Provider, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	return newCachedProvider(next, redisBackend{client: client}, ttl, logger)
}

func newCachedProvider(next Provider, cache cacheBackend, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{next: next, cache: cache, ttl: ttl, logger: logger}
}

// GetConfig serves from cache, loading and storing on a miss. Unknown
// companies are not cached.
func (p *CachedProvider) GetConfig(ctx context.Context, companyID string) (*domain.CompanyConfig, error) {
	key := cacheKeyPrefix + companyID

	raw, err := p.cache.Get(ctx, key)
	switch {
	case err == nil:
		var cfg domain.CompanyConfig
		if jsonErr := json.Unmarshal([]byte(raw), &cfg); jsonErr == nil {
			return &cfg, nil
		}
		p.logger.Warn("Discarding undecodable cached company config", "company_id", companyID)
	case !errors.Is(err, errCacheMiss):
		p.logger.Warn("Company config cache read failed", "company_id", companyID, "error", err)
	}

	cfg, err := p.next.GetConfig(ctx, companyID)
	if err != nil || cfg == nil {
		return cfg, err
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return cfg, nil
	}
	if err := p.cache.Set(ctx, key, string(encoded), p.ttl); err != nil {
		p.logger.Warn("Company config cache write failed", "company_id", companyID, "error", err)
	}
	return cfg, nil
}
