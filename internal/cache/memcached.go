package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the flat Cache interface for Memcached. It cannot
// back the queue (no ordered sets) but serves as an alternate shared store
// for the rate-limit counters.
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
}

var _ Cache = (*Memcached)(nil)

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	port := m.config.Port
	if port == 0 {
		port = 11211 // Default Memcached port
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, port))

	// Test connection
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	return m.isConnected
}

// Name returns the name of the cache
func (m *Memcached) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memcached"
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache
func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if !m.isConnected {
		return "", ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", err
	}

	return string(item.Value), nil
}

// Set stores a value in the cache
func (m *Memcached) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: toSeconds(expiration),
	})
}

// SetNX sets a value only if the key does not exist
func (m *Memcached) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !m.isConnected {
		return false, ErrNotConnected
	}

	err := m.client.Add(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: toSeconds(expiration),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// Delete removes a value from the cache
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}

// Exists checks if a key exists in the cache
func (m *Memcached) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Increment atomically increments a counter. Memcached increments require
// the key to exist, so a missing key is seeded first with Add.
func (m *Memcached) Increment(_ context.Context, key string, amount int64) (int64, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	newValue, err := m.client.Increment(key, uint64(amount))
	if errors.Is(err, memcache.ErrCacheMiss) {
		addErr := m.client.Add(&memcache.Item{
			Key:   key,
			Value: []byte(strconv.FormatInt(amount, 10)),
		})
		if addErr == nil {
			return amount, nil
		}
		if errors.Is(addErr, memcache.ErrNotStored) {
			// Lost the race to another worker; increment the existing key
			newValue, err = m.client.Increment(key, uint64(amount))
			if err != nil {
				return 0, err
			}
			return int64(newValue), nil
		}
		return 0, addErr
	}
	if err != nil {
		return 0, err
	}

	return int64(newValue), nil
}

// Decrement atomically decrements a counter
func (m *Memcached) Decrement(_ context.Context, key string, amount int64) (int64, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	newValue, err := m.client.Decrement(key, uint64(amount))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	return int64(newValue), nil
}

// Expire resets the TTL on a key by rewriting it with a new expiration
func (m *Memcached) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	err := m.client.Touch(key, toSeconds(expiration))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}

// FlushAll removes all keys from the cache
func (m *Memcached) FlushAll(_ context.Context) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	return m.client.FlushAll()
}

// toSeconds converts a duration to memcached's whole-second TTL, rounding
// sub-second durations up so short expirations are not dropped entirely
func toSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int32(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
