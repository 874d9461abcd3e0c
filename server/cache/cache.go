// Package cache stores session snapshots and counters for readers outside the
// session's own goroutine. Values are JSON encoded by every backend.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	// Get decodes the stored value into dest. A missing or expired key
	// returns ErrCacheMiss.
	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// GetTTL reports the time left on key, zero when it never expires.
	GetTTL(ctx context.Context, key string) (time.Duration, error)

	Increment(ctx context.Context, key string) (int64, error)

	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Keys      int64  `json:"keys"`
	Info      string `json:"info"`
}

// SessionKey namespaces a per-session entry, e.g. SessionKey("snapshot", id).
func SessionKey(kind, sessionID string) string {
	return "formcoach:session:" + sessionID + ":" + kind
}

func encode(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return data, nil
}

func decode(data []byte, dest interface{}) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode cache value: %w", err)
	}
	return nil
}
