package middleware

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is a per-client token bucket. Buckets idle for ten minutes
// are dropped by a background sweep.
type RateLimiter struct {
	clients map[string]*bucket
	mutex   sync.Mutex
	cleanup *time.Ticker
	stopCh  chan struct{}
	once    sync.Once
	logger  *zap.Logger
	rps     float64
	burst   float64
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

func NewRateLimiter(rps, burst int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	rl := &RateLimiter{
		clients: make(map[string]*bucket),
		cleanup: time.NewTicker(5 * time.Minute),
		stopCh:  make(chan struct{}),
		logger:  logger,
		rps:     float64(rps),
		burst:   float64(burst),
	}
	go rl.sweep()
	return rl
}

// Allow takes one token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.allow(key, time.Now())
}

func (rl *RateLimiter) allow(key string, now time.Time) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	b, ok := rl.clients[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastUpdate: now}
		rl.clients[key] = b
	}
	b.tokens = math.Min(rl.burst, b.tokens+now.Sub(b.lastUpdate).Seconds()*rl.rps)
	b.lastUpdate = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	retryAfter := 1
	if rl.rps > 0 {
		retryAfter = int(math.Ceil(1 / rl.rps))
	}
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			abort(c, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded",
				map[string]any{"retry_after": retryAfter})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) sweep() {
	for {
		select {
		case now := <-rl.cleanup.C:
			rl.mutex.Lock()
			for key, b := range rl.clients {
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(rl.clients, key)
				}
			}
			rl.mutex.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) GetGlobalStats() map[string]any {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return map[string]any{
		"active_clients": len(rl.clients),
		"rps":            rl.rps,
		"burst_capacity": rl.burst,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.stopCh)
	})
}
