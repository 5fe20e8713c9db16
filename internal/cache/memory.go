package cache

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	negInf = math.Inf(-1)
	posInf = math.Inf(1)
)

// Item represents a cached item with expiration
type Item struct {
	Value      string
	Expiration int64 // Unix timestamp in nanoseconds
}

// Memory implements the SortedSetCache interface in-process. It exists for
// tests and single-node development; production deployments use Redis so
// that rate-limit counters and queue state are shared across workers.
type Memory struct {
	config    Config
	items     map[string]Item
	sets      map[string]map[string]float64
	mu        sync.RWMutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan bool
}

var _ SortedSetCache = (*Memory)(nil)

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config:    config,
		items:     make(map[string]Item),
		sets:      make(map[string]map[string]float64),
		connected: false,
	}
}

// Connect initializes the memory cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	// Start the janitor to clean expired items
	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan bool)

	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.stopChan <- true
	close(m.stopChan)

	m.items = make(map[string]Item)
	m.sets = make(map[string]map[string]float64)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memory) Name() string {
	return m.config.Name
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return "", ErrNotConnected
	}

	item, found := m.items[key]
	if !found {
		return "", ErrNotFound
	}

	if item.Expiration > 0 && time.Now().UnixNano() > item.Expiration {
		return "", ErrNotFound
	}

	return item.Value, nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	m.items[key] = Item{
		Value:      value,
		Expiration: exp,
	}

	return nil
}

// SetNX sets a value in the cache only if the key does not exist
func (m *Memory) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	if item, found := m.items[key]; found {
		if item.Expiration == 0 || time.Now().UnixNano() < item.Expiration {
			return false, nil
		}
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	m.items[key] = Item{
		Value:      value,
		Expiration: exp,
	}

	return true, nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	if _, found := m.items[key]; !found {
		return ErrNotFound
	}

	delete(m.items, key)
	return nil
}

// Exists checks if a key exists in the cache
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	item, found := m.items[key]
	if !found {
		return false, nil
	}

	if item.Expiration > 0 && time.Now().UnixNano() > item.Expiration {
		return false, nil
	}

	return true, nil
}

// Increment increments a numeric value under the write lock, so concurrent
// callers always observe distinct post-increment values
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	item, found := m.items[key]
	if !found || (item.Expiration > 0 && time.Now().UnixNano() > item.Expiration) {
		m.items[key] = Item{
			Value:      strconv.FormatInt(amount, 10),
			Expiration: 0,
		}
		return amount, nil
	}

	currentValue, err := strconv.ParseInt(item.Value, 10, 64)
	if err != nil {
		return 0, err
	}

	newValue := currentValue + amount
	m.items[key] = Item{
		Value:      strconv.FormatInt(newValue, 10),
		Expiration: item.Expiration,
	}

	return newValue, nil
}

// Decrement decrements a numeric value
func (m *Memory) Decrement(ctx context.Context, key string, amount int64) (int64, error) {
	return m.Increment(ctx, key, -amount)
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	item, found := m.items[key]
	if !found {
		return ErrNotFound
	}

	if item.Expiration > 0 && time.Now().UnixNano() > item.Expiration {
		return ErrNotFound
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	m.items[key] = Item{
		Value:      item.Value,
		Expiration: exp,
	}

	return nil
}

// FlushAll removes all keys from the cache
func (m *Memory) FlushAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items = make(map[string]Item)
	m.sets = make(map[string]map[string]float64)
	return nil
}

// ZAdd adds or updates a sorted-set member
func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	set, found := m.sets[key]
	if !found {
		set = make(map[string]float64)
		m.sets[key] = set
	}

	set[member] = score
	return nil
}

// ZRem removes a sorted-set member
func (m *Memory) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	set, found := m.sets[key]
	if !found {
		return ErrNotFound
	}

	if _, exists := set[member]; !exists {
		return ErrNotFound
	}

	delete(set, member)
	return nil
}

// ZPopMin removes and returns the lowest-scored member
func (m *Memory) ZPopMin(_ context.Context, key string) (ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ScoredMember{}, ErrNotConnected
	}

	set, found := m.sets[key]
	if !found || len(set) == 0 {
		return ScoredMember{}, ErrNotFound
	}

	best := ScoredMember{Score: posInf}
	for member, score := range set {
		if score < best.Score || (score == best.Score && member < best.Member) {
			best = ScoredMember{Member: member, Score: score}
		}
	}

	delete(set, best.Member)
	return best, nil
}

// ZRangeByScore returns members within the score range, ascending
func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	set := m.sets[key]
	matched := make([]ScoredMember, 0, len(set))
	for member, score := range set {
		if score >= min && score <= max {
			matched = append(matched, ScoredMember{Member: member, Score: score})
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Score != matched[j].Score {
			return matched[i].Score < matched[j].Score
		}
		return matched[i].Member < matched[j].Member
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	members := make([]string, len(matched))
	for i, sm := range matched {
		members[i] = sm.Member
	}

	return members, nil
}

// ZScore returns the score of a member
func (m *Memory) ZScore(_ context.Context, key string, member string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	set, found := m.sets[key]
	if !found {
		return 0, ErrNotFound
	}

	score, exists := set[member]
	if !exists {
		return 0, ErrNotFound
	}

	return score, nil
}

// ZCard returns the cardinality of a sorted set
func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	return int64(len(m.sets[key])), nil
}

// ZRemRangeByScore removes members within the score range
func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	set := m.sets[key]
	var removed int64
	for member, score := range set {
		if score >= min && score <= max {
			delete(set, member)
			removed++
		}
	}

	return removed, nil
}

// deleteExpired removes expired items from the cache
func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range m.items {
		if v.Expiration > 0 && now > v.Expiration {
			delete(m.items, k)
		}
	}
}
