// Package pose talks to the external pose-estimation service that turns
// camera images into landmark frames.
package pose

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/models"
)

var (
	ErrNotConfigured = errors.New("pose service not configured")
	ErrDetection     = errors.New("pose detection failed")
)

type ClientConfig struct {
	Timeout             time.Duration
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:             10 * time.Second,
		MaxRetries:          2,
		RetryDelay:          200 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
	config ClientConfig

	mu      sync.RWMutex
	healthy bool
	stopCh  chan struct{}
	once    sync.Once
}

type DetectRequest struct {
	Image     []byte `json:"image"`
	Timestamp int64  `json:"timestamp"`
}

type DetectResponse struct {
	Landmarks      []models.Keypoint `json:"landmarks"`
	ProcessingTime float64           `json:"processing_time_ms"`
	ModelVersion   string            `json:"model_version"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewClient returns a client for baseURL. An empty baseURL yields a client
// whose calls fail with ErrNotConfigured.
func NewClient(baseURL string, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{logger: logger, config: cfg, stopCh: make(chan struct{})}
	if baseURL == "" {
		return c
	}

	c.http = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryDelay).
		SetRetryMaxWaitTime(cfg.RetryDelay*4).
		SetHeader("User-Agent", "formcoach/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
		})
	return c
}

func (c *Client) Configured() bool {
	return c.http != nil
}

// Detect sends one encoded image and returns the detected frame stamped
// with ts. A response without landmarks yields an empty frame, which the
// engine skips.
func (c *Client) Detect(ctx context.Context, image []byte, ts int64) (*models.Frame, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var (
		out     DetectResponse
		failure errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(DetectRequest{Image: image, Timestamp: ts}).
		SetResult(&out).
		SetError(&failure).
		Post("/detect")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetection, err)
	}
	if resp.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = resp.String()
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrDetection, resp.StatusCode(), msg)
	}

	c.logger.Debug("Pose detected",
		zap.Int("landmarks", len(out.Landmarks)),
		zap.Float64("processing_ms", out.ProcessingTime),
		zap.String("model", out.ModelVersion))

	return &models.Frame{Timestamp: ts, Keypoints: out.Landmarks}, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err == nil && resp.IsError() {
		err = fmt.Errorf("pose service unhealthy (status %d)", resp.StatusCode())
	}

	c.mu.Lock()
	c.healthy = err == nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// StartHealthChecker polls the service until Close is called.
func (c *Client) StartHealthChecker() {
	if !c.Configured() || c.config.HealthCheckInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(c.config.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				if err := c.HealthCheck(ctx); err != nil {
					c.logger.Warn("Pose service health check failed", zap.Error(err))
				}
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Client) Close() {
	c.once.Do(func() { close(c.stopCh) })
}
