package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/engine"
	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/middleware"
	"github.com/san-kum/formcoach/server/models"
	"github.com/san-kum/formcoach/server/pose"
	"github.com/san-kum/formcoach/server/processor"
)

const apiVersion = "1.0.0"

var errBadImage = errors.New("invalid image data")

// SystemStats counts frames seen by the HTTP and WebSocket surfaces.
type SystemStats struct {
	mu             sync.Mutex
	TotalFrames    int64
	ProcessedOK    int64
	ProcessedError int64
	AvgProcessTime float64
	LastUpdated    time.Time
	ActiveClients  int
}

func NewSystemStats() *SystemStats {
	return &SystemStats{LastUpdated: time.Now()}
}

func (s *SystemStats) recordFrame(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalFrames++
	if err != nil {
		s.ProcessedError++
		return
	}
	s.ProcessedOK++
	ms := float64(d.Microseconds()) / 1000
	if s.AvgProcessTime == 0 {
		s.AvgProcessTime = ms
	} else {
		s.AvgProcessTime = 0.1*ms + 0.9*s.AvgProcessTime
	}
}

func (s *SystemStats) clientConnected(delta int) {
	s.mu.Lock()
	s.ActiveClients += delta
	s.mu.Unlock()
}

type systemStatsView struct {
	TotalFrames    int64     `json:"total_frames"`
	ProcessedOK    int64     `json:"processed_ok"`
	ProcessedError int64     `json:"processed_error"`
	AvgProcessTime float64   `json:"avg_process_time_ms"`
	LastUpdated    time.Time `json:"last_updated"`
	ActiveClients  int       `json:"active_clients"`
	SuccessRate    float64   `json:"success_rate"`
}

func (s *SystemStats) view() systemStatsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastUpdated = time.Now()
	v := systemStatsView{
		TotalFrames:    s.TotalFrames,
		ProcessedOK:    s.ProcessedOK,
		ProcessedError: s.ProcessedError,
		AvgProcessTime: s.AvgProcessTime,
		LastUpdated:    s.LastUpdated,
		ActiveClients:  s.ActiveClients,
	}
	if s.TotalFrames > 0 {
		v.SuccessRate = float64(s.ProcessedOK) / float64(s.TotalFrames) * 100
	}
	return v
}

type StreamHandler struct {
	processor *processor.FrameProcessor
	registry  *exercise.Registry
	pose      *pose.Client
	logger    *zap.Logger
	stats     *SystemStats
}

type CreateSessionRequest struct {
	Exercise models.ExerciseID `json:"exercise"`
}

type ImageUploadRequest struct {
	ImageData string `json:"image_data" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

func NewStreamHandler(proc *processor.FrameProcessor, registry *exercise.Registry, poseClient *pose.Client, stats *SystemStats, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = NewSystemStats()
	}
	return &StreamHandler{
		processor: proc,
		registry:  registry,
		pose:      poseClient,
		logger:    logger,
		stats:     stats,
	}
}

// Register mounts the public session API on rg.
func (h *StreamHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/exercises", h.ListExercises)
	rg.GET("/exercises/:id", h.GetExercise)
	rg.POST("/sessions", h.CreateSession)
	rg.GET("/sessions/:id", h.GetSession)
	rg.DELETE("/sessions/:id", h.CloseSession)
	rg.POST("/sessions/:id/frames", h.ProcessFrame)
	rg.POST("/sessions/:id/images", h.ProcessImage)
	rg.POST("/sessions/:id/control", h.Control)
	rg.GET("/sessions/:id/snapshot", h.Snapshot)
	rg.GET("/stats", h.GetStats)
}

// RegisterAdmin mounts operator endpoints. Callers wrap rg with auth.
func (h *StreamHandler) RegisterAdmin(rg *gin.RouterGroup) {
	rg.GET("/sessions", h.ListSessions)
	rg.GET("/cache-stats", h.CacheStats)
}

func (h *StreamHandler) ListExercises(c *gin.Context) {
	ok(c, http.StatusOK, h.registry.List(), time.Now())
}

func (h *StreamHandler) GetExercise(c *gin.Context) {
	def, err := h.registry.Get(models.ExerciseID(c.Param("id")))
	if err != nil {
		fail(c, http.StatusNotFound, "unknown_exercise", err.Error())
		return
	}
	ok(c, http.StatusOK, def, time.Now())
}

func (h *StreamHandler) CreateSession(c *gin.Context) {
	start := time.Now()
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
			return
		}
	}

	info, err := h.processor.CreateSession(c.Request.Context(), req.Exercise)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, info, start)
}

func (h *StreamHandler) GetSession(c *gin.Context) {
	info, err := h.processor.GetSession(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, info, time.Now())
}

func (h *StreamHandler) CloseSession(c *gin.Context) {
	if err := h.processor.CloseSession(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"closed": c.Param("id")}, time.Now())
}

func (h *StreamHandler) ListSessions(c *gin.Context) {
	ok(c, http.StatusOK, h.processor.ListSessions(), time.Now())
}

func (h *StreamHandler) ProcessFrame(c *gin.Context) {
	start := time.Now()
	var frame models.Frame
	if err := c.ShouldBindJSON(&frame); err != nil {
		h.stats.recordFrame(0, err)
		fail(c, http.StatusBadRequest, "invalid_request", "Invalid frame format")
		return
	}

	result, err := h.processor.ProcessFrame(c.Request.Context(), c.Param("id"), &frame)
	h.stats.recordFrame(time.Since(start), err)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, result, start)
}

// ProcessImage runs an uploaded camera image through the pose service and
// analyzes the detected landmarks.
func (h *StreamHandler) ProcessImage(c *gin.Context) {
	start := time.Now()
	var req ImageUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.stats.recordFrame(0, err)
		fail(c, http.StatusBadRequest, "invalid_request", "Invalid request format")
		return
	}

	result, err := analyzeImage(c.Request.Context(), h.processor, h.pose, c.Param("id"), req.ImageData, req.Timestamp)
	h.stats.recordFrame(time.Since(start), err)
	if err != nil {
		h.logger.Warn("Image analysis failed",
			zap.String("session_id", c.Param("id")),
			zap.Error(err))
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, result, start)
}

func (h *StreamHandler) Control(c *gin.Context) {
	start := time.Now()
	var cmd processor.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", "Invalid command format")
		return
	}

	result, err := h.processor.Control(c.Request.Context(), c.Param("id"), cmd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, result, start)
}

// Snapshot returns live state, or with ?cached=true the last snapshot
// published to the shared cache.
func (h *StreamHandler) Snapshot(c *gin.Context) {
	start := time.Now()
	if c.Query("cached") == "true" {
		cached, err := h.processor.CachedSnapshot(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.respondError(c, err)
			return
		}
		ok(c, http.StatusOK, cached, start)
		return
	}
	result, err := h.processor.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, result, start)
}

func (h *StreamHandler) GetStats(c *gin.Context) {
	procStats := h.processor.GetStats()
	ok(c, http.StatusOK, gin.H{
		"system":    h.stats.view(),
		"processor": procStats,
		"pose": gin.H{
			"configured": h.pose.Configured(),
			"healthy":    h.pose.Healthy(),
		},
		"uptime_seconds": time.Since(procStats.StartTime).Seconds(),
	}, time.Now())
}

func (h *StreamHandler) CacheStats(c *gin.Context) {
	stats, err := h.processor.GetCacheStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, stats, time.Now())
}

func (h *StreamHandler) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err))
	}
	fail(c, status, code, err.Error())
}

func analyzeImage(ctx context.Context, proc *processor.FrameProcessor, client *pose.Client, sessionID, data string, ts int64) (models.Result, error) {
	if _, err := proc.GetSession(sessionID); err != nil {
		return models.Result{}, err
	}
	image, err := decodeImage(data)
	if err != nil {
		return models.Result{}, err
	}
	frame, err := client.Detect(ctx, image, ts)
	if err != nil {
		return models.Result{}, err
	}
	return proc.ProcessFrame(ctx, sessionID, frame)
}

// decodeImage accepts a data URL or bare base64.
func decodeImage(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		_, payload, found := strings.Cut(data, ",")
		if !found {
			return nil, fmt.Errorf("%w: malformed data URL", errBadImage)
		}
		data = payload
	}
	image, err := base64.StdEncoding.DecodeString(data)
	if err != nil || len(image) == 0 {
		return nil, fmt.Errorf("%w: not base64", errBadImage)
	}
	return image, nil
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, exercise.ErrUnknownExercise):
		return http.StatusBadRequest, "unknown_exercise"
	case errors.Is(err, processor.ErrUnknownAction):
		return http.StatusBadRequest, "unknown_action"
	case errors.Is(err, errBadImage):
		return http.StatusBadRequest, "invalid_image"
	case errors.Is(err, processor.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, engine.ErrNoExercise):
		return http.StatusConflict, "no_exercise"
	case errors.Is(err, processor.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, processor.ErrTooManySessions):
		return http.StatusServiceUnavailable, "too_many_sessions"
	case errors.Is(err, pose.ErrNotConfigured):
		return http.StatusServiceUnavailable, "pose_unavailable"
	case errors.Is(err, pose.ErrDetection):
		return http.StatusBadGateway, "pose_error"
	case errors.Is(err, processor.ErrProcessingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func ok(c *gin.Context, status int, data any, start time.Time) {
	c.JSON(status, models.APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta(c, start),
	})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.APIResponse{
		Success: false,
		Error:   &models.APIError{Code: code, Message: message},
		Meta:    meta(c, time.Now()),
	})
}

func meta(c *gin.Context, start time.Time) *models.ResponseMeta {
	return &models.ResponseMeta{
		RequestID:      c.GetString(middleware.RequestIDKey),
		Timestamp:      time.Now(),
		ProcessingTime: float64(time.Since(start).Microseconds()) / 1000,
		Version:        apiVersion,
	}
}
