package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache defines the key-value operations every backend must satisfy. The
// rate limiter and the queue both coordinate through this interface so that
// all worker processes share one store.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of the cache
	Name() string

	// Type returns the type of the cache (e.g., "redis", "memory", etc.)
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value in the cache with an optional expiration
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// SetNX sets a value in the cache only if the key does not exist
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)

	// Delete removes a value from the cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in the cache
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments a numeric value by the given amount
	// and returns the post-increment value. Missing keys start at zero.
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Decrement atomically decrements a numeric value by the given amount
	Decrement(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error

	// FlushAll removes all keys from the cache
	FlushAll(ctx context.Context) error
}

// ScoredMember is a sorted-set entry paired with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// SortedSetCache extends Cache with the ordered-set operations the durable
// queue lanes are built on. Redis and the in-process memory backend
// implement it; flat key-value backends (memcached) do not and can only
// back the rate limiter.
type SortedSetCache interface {
	Cache

	// ZAdd adds or updates a member with the given score
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRem removes a member; returns ErrNotFound if the member is absent
	ZRem(ctx context.Context, key string, member string) error

	// ZPopMin atomically removes and returns the lowest-scored member.
	// Returns ErrNotFound when the set is empty.
	ZPopMin(ctx context.Context, key string) (ScoredMember, error)

	// ZRangeByScore returns up to limit members with min <= score <= max,
	// in ascending score order. limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)

	// ZScore returns the score of a member, or ErrNotFound
	ZScore(ctx context.Context, key string, member string) (float64, error)

	// ZCard returns the number of members in the set
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRemRangeByScore removes all members with min <= score <= max and
	// returns the number removed
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // Type of cache (redis, memcached, memory)
	Name     string // Name of this cache instance
	Host     string // Hostname or IP address
	Port     int    // Port number
	Password string // Password for authentication
	Database int    // Database number (for Redis)
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}

// ConnectWithRetry dials the cache with exponential backoff. Worker
// processes call this at startup so a briefly unavailable store does not
// kill the process.
func ConnectWithRetry(ctx context.Context, c Cache, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxElapsed

	return backoff.Retry(c.Connect, backoff.WithContext(b, ctx))
}
