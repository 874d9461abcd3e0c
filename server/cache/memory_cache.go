package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is a size-bounded in-process Cache with least-recently-used
// eviction and a background sweep of expired entries.
type MemoryCache struct {
	items   map[string]*entry
	mutex   sync.Mutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	cleanup *time.Ticker
	stopCh  chan struct{}
	once    sync.Once

	hits   int64
	misses int64
}

type entry struct {
	data      []byte
	expiresAt time.Time
	lastUsed  time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &MemoryCache{
		items:   make(map[string]*entry),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
		cleanup: time.NewTicker(time.Minute),
	}
	go c.sweep()
	return c
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.put(key, data, ttl)
	return nil
}

func (c *MemoryCache) put(key string, data []byte, ttl time.Duration) {
	now := time.Now()
	if _, ok := c.items[key]; !ok && len(c.items) >= c.maxSize {
		c.evictLRU()
	}
	e := &entry{data: data, lastUsed: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.items[key] = e
}

// lookup returns a live entry and drops an expired one. Callers hold the lock.
func (c *MemoryCache) lookup(key string, now time.Time) (*entry, bool) {
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if e.expired(now) {
		delete(c.items, key)
		return nil, false
	}
	return e, true
}

func (c *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mutex.Lock()
	now := time.Now()
	e, ok := c.lookup(key, now)
	if !ok {
		c.misses++
		c.mutex.Unlock()
		return ErrCacheMiss
	}
	c.hits++
	e.lastUsed = now
	data := e.data
	c.mutex.Unlock()

	return decode(data, dest)
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, key)
	return nil
}

func (c *MemoryCache) GetTTL(_ context.Context, key string) (time.Duration, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e, ok := c.lookup(key, time.Now())
	if !ok {
		return 0, ErrCacheMiss
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(e.expiresAt), nil
}

func (c *MemoryCache) Increment(ctx context.Context, key string) (int64, error) {
	return c.incr(key, c.ttl, false)
}

// IncrementWithTTL bumps key and refreshes its expiry.
func (c *MemoryCache) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return c.incr(key, ttl, true)
}

func (c *MemoryCache) incr(key string, ttl time.Duration, refresh bool) (int64, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	e, ok := c.lookup(key, now)
	if !ok {
		c.put(key, []byte("1"), ttl)
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s: value is not an integer", key)
	}
	n++
	e.data = []byte(strconv.FormatInt(n, 10))
	e.lastUsed = now
	if refresh && ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return n, nil
}

func (c *MemoryCache) GetStats(_ context.Context) (*CacheStats, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	expired := 0
	for _, e := range c.items {
		if e.expired(now) {
			expired++
		}
	}
	return &CacheStats{
		Backend:   "memory",
		Connected: true,
		Keys:      int64(len(c.items)),
		Info: fmt.Sprintf("expired=%d,hits=%d,misses=%d,max_size=%d",
			expired, c.hits, c.misses, c.maxSize),
	}, nil
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		c.cleanup.Stop()
		close(c.stopCh)
	})
	return nil
}

func (c *MemoryCache) evictLRU() {
	var (
		oldestKey  string
		oldestTime time.Time
	)
	for key, e := range c.items {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
		c.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

func (c *MemoryCache) sweep() {
	for {
		select {
		case <-c.cleanup.C:
			c.mutex.Lock()
			now := time.Now()
			for key, e := range c.items {
				if e.expired(now) {
					delete(c.items, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
