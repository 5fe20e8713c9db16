package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the SortedSetCache interface for Redis
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// Ensure Redis satisfies the full queue-capable interface
var _ SortedSetCache = (*Redis)(nil)

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379 // Default Redis port
	}

	return &Redis{
		config:    config,
		connected: false,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	err := r.client.Close()
	if err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Name returns the name of this cache instance
func (r *Redis) Name() string {
	return r.config.Name
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.connected {
		return "", ErrNotConnected
	}

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	return val, nil
}

// Set stores a value in Redis
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets a value in Redis only if the key does not exist
func (r *Redis) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	result, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrNotFound
	}

	return nil
}

// Exists checks if a key exists in Redis
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}

	return result > 0, nil
}

// Increment increments a numeric value in Redis
func (r *Redis) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.IncrBy(ctx, key, amount).Result()
}

// Decrement decrements a numeric value in Redis
func (r *Redis) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.DecrBy(ctx, key, amount).Result()
}

// Expire sets an expiration time on a key
func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	success, err := r.client.Expire(ctx, key, expiration).Result()
	if err != nil {
		return err
	}

	if !success {
		return ErrNotFound
	}

	return nil
}

// FlushAll removes all keys from Redis
func (r *Redis) FlushAll(ctx context.Context) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.FlushAll(ctx).Err()
}

// ZAdd adds or updates a sorted-set member
func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRem removes a sorted-set member
func (r *Redis) ZRem(ctx context.Context, key string, member string) error {
	if !r.connected {
		return ErrNotConnected
	}

	removed, err := r.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return err
	}

	if removed == 0 {
		return ErrNotFound
	}

	return nil
}

// ZPopMin removes and returns the lowest-scored member
func (r *Redis) ZPopMin(ctx context.Context, key string) (ScoredMember, error) {
	if !r.connected {
		return ScoredMember{}, ErrNotConnected
	}

	results, err := r.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return ScoredMember{}, err
	}

	if len(results) == 0 {
		return ScoredMember{}, ErrNotFound
	}

	member, ok := results[0].Member.(string)
	if !ok {
		return ScoredMember{}, fmt.Errorf("unexpected member type %T", results[0].Member)
	}

	return ScoredMember{Member: member, Score: results[0].Score}, nil
}

// ZRangeByScore returns members within the score range, ascending
func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	opt := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	return r.client.ZRangeByScore(ctx, key, opt).Result()
}

// ZScore returns the score of a member
func (r *Redis) ZScore(ctx context.Context, key string, member string) (float64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	score, err := r.client.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}

	return score, nil
}

// ZCard returns the cardinality of a sorted set
func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.ZCard(ctx, key).Result()
}

// ZRemRangeByScore removes members within the score range
func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

// formatScore renders a score bound for Redis range commands, mapping the
// infinities to their Redis spellings
func formatScore(v float64) string {
	switch {
	case v == negInf:
		return "-inf"
	case v == posInf:
		return "+inf"
	default:
		return fmt.Sprintf("%f", v)
	}
}
