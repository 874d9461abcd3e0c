// Package processor hosts one analysis engine per client session and runs
// every session's frames, control commands and clock ticks through a
// sharded worker queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/cache"
	"github.com/san-kum/formcoach/server/engine"
	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrQueueFull         = errors.New("processing queue full, try again later")
	ErrProcessingTimeout = errors.New("processing timeout")
	ErrTooManySessions   = errors.New("session limit reached")
	ErrUnknownAction     = errors.New("unknown control action")
)

const (
	sessionsCreatedKey = "formcoach:sessions:created"
	dailyCounterTTL    = 48 * time.Hour
)

func dailySessionsKey(now time.Time) string {
	return sessionsCreatedKey + ":" + now.UTC().Format("20060102")
}

type Action string

const (
	ActionSelect Action = "select"
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReset  Action = "reset"
)

type Command struct {
	Action   Action            `json:"action" binding:"required"`
	Exercise models.ExerciseID `json:"exercise,omitempty"`
}

type ProcessorConfig struct {
	MaxQueueSize      int           `json:"max_queue_size"`
	MaxWorkers        int           `json:"max_workers"`
	MaxSessions       int           `json:"max_sessions"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
	TickInterval      time.Duration `json:"tick_interval"`
	IdleTimeout       time.Duration `json:"idle_timeout"`
	SnapshotTTL       time.Duration `json:"snapshot_ttl"`
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueueSize:      1024,
		MaxWorkers:        4,
		MaxSessions:       256,
		ProcessingTimeout: 5 * time.Second,
		TickInterval:      time.Second,
		IdleTimeout:       10 * time.Minute,
		SnapshotTTL:       30 * time.Minute,
	}
}

// CachedResult is a published snapshot and the time until it expires.
type CachedResult struct {
	models.Result
	ExpiresIn float64 `json:"expires_in_seconds"`
}

type ProcessorStats struct {
	StartTime             time.Time  `json:"start_time"`
	SessionsCreated       int64      `json:"sessions_created"`
	SessionsCreatedToday  int64      `json:"sessions_created_today"`
	TotalProcessed        int64      `json:"total_processed"`
	SuccessfullyProcessed int64      `json:"successfully_processed"`
	FailedProcessed       int64      `json:"failed_processed"`
	SkippedFrames         int64      `json:"skipped_frames"`
	AverageLatency        float64    `json:"average_latency_ms"`
	ActiveSessions        int        `json:"active_sessions"`
	Queue                 QueueStats `json:"queue"`
}

type FrameProcessor struct {
	registry *exercise.Registry
	options  engine.Options
	cache    cache.Cache
	logger   *zap.Logger
	config   ProcessorConfig
	queue    *ProcessingQueue

	mutex    sync.RWMutex
	sessions map[string]*Session

	statsMu sync.Mutex
	stats   ProcessorStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFrameProcessor starts the worker shards, the session clock and the idle
// session sweeper. A nil cache disables snapshot publication.
func NewFrameProcessor(registry *exercise.Registry, options engine.Options, c cache.Cache, config ProcessorConfig, logger *zap.Logger) *FrameProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = DefaultProcessorConfig().ProcessingTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	fp := &FrameProcessor{
		registry: registry,
		options:  options,
		cache:    c,
		logger:   logger,
		config:   config,
		sessions: make(map[string]*Session),
		stats:    ProcessorStats{StartTime: time.Now()},
		ctx:      ctx,
		cancel:   cancel,
	}
	fp.queue = NewProcessingQueue(config.MaxQueueSize, config.MaxWorkers, fp.process)

	if config.TickInterval > 0 {
		fp.wg.Add(1)
		go fp.clock()
	}
	if config.IdleTimeout > 0 {
		fp.wg.Add(1)
		go fp.sweepIdle()
	}
	return fp
}

// CreateSession registers a new session. When exercise is set it is
// selected straight away, and an unknown id fails the whole call.
func (fp *FrameProcessor) CreateSession(ctx context.Context, id models.ExerciseID) (SessionInfo, error) {
	e := engine.New(fp.registry, fp.options, fp.logger)
	if id != "" {
		if err := e.SelectExercise(id); err != nil {
			return SessionInfo{}, err
		}
	}

	fp.mutex.Lock()
	if fp.config.MaxSessions > 0 && len(fp.sessions) >= fp.config.MaxSessions {
		fp.mutex.Unlock()
		return SessionInfo{}, ErrTooManySessions
	}
	s := newSession(uuid.NewString(), e, time.Now())
	fp.sessions[s.ID] = s
	fp.mutex.Unlock()

	fp.logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("exercise", string(id)))

	fp.countSession(ctx)
	fp.publish(s, s.engine.Snapshot())
	return s.Info(), nil
}

// countSession bumps the shared lifetime and per-day session counters.
func (fp *FrameProcessor) countSession(ctx context.Context) {
	if fp.cache == nil {
		return
	}
	total, err := fp.cache.Increment(ctx, sessionsCreatedKey)
	if err != nil {
		fp.logger.Warn("Failed to count session", zap.Error(err))
		return
	}
	today, err := fp.cache.IncrementWithTTL(ctx, dailySessionsKey(time.Now()), dailyCounterTTL)
	if err != nil {
		fp.logger.Warn("Failed to count session", zap.Error(err))
		return
	}

	fp.statsMu.Lock()
	fp.stats.SessionsCreated = total
	fp.stats.SessionsCreatedToday = today
	fp.statsMu.Unlock()
}

func (fp *FrameProcessor) session(id string) (*Session, error) {
	fp.mutex.RLock()
	s, ok := fp.sessions[id]
	fp.mutex.RUnlock()
	if !ok || s.isClosed() {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (fp *FrameProcessor) GetSession(id string) (SessionInfo, error) {
	s, err := fp.session(id)
	if err != nil {
		return SessionInfo{}, err
	}
	return s.Info(), nil
}

func (fp *FrameProcessor) ListSessions() []SessionInfo {
	fp.mutex.RLock()
	out := make([]SessionInfo, 0, len(fp.sessions))
	for _, s := range fp.sessions {
		out = append(out, s.Info())
	}
	fp.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (fp *FrameProcessor) CloseSession(id string) error {
	fp.mutex.Lock()
	s, ok := fp.sessions[id]
	if ok {
		delete(fp.sessions, id)
	}
	fp.mutex.Unlock()
	if !ok || !s.close() {
		return ErrSessionNotFound
	}

	fp.logger.Info("Session closed", zap.String("session_id", id))
	fp.forget(s)
	return nil
}

// ProcessFrame runs frame through the session's engine. Frames the engine
// rejects come back with Skipped set rather than as errors.
func (fp *FrameProcessor) ProcessFrame(ctx context.Context, id string, frame *models.Frame) (models.Result, error) {
	s, err := fp.session(id)
	if err != nil {
		return models.Result{}, err
	}
	return fp.submit(ctx, s, "frame", func() (models.Result, error) {
		res := s.engine.ProcessFrame(frame)
		s.record(res, true)
		if res.Skipped {
			fp.countSkipped()
		}
		if res.Event != models.EventNone {
			fp.publish(s, res)
		}
		return res, nil
	})
}

// Control applies a session command in order with the session's frames.
func (fp *FrameProcessor) Control(ctx context.Context, id string, cmd Command) (models.Result, error) {
	s, err := fp.session(id)
	if err != nil {
		return models.Result{}, err
	}
	return fp.submit(ctx, s, "control", func() (models.Result, error) {
		var err error
		switch cmd.Action {
		case ActionSelect:
			err = s.engine.SelectExercise(cmd.Exercise)
		case ActionStart:
			err = s.engine.Start()
		case ActionStop:
			s.engine.Stop()
		case ActionReset:
			s.engine.Reset()
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAction, cmd.Action)
		}
		if err != nil {
			return models.Result{}, err
		}
		res := s.engine.Snapshot()
		s.record(res, false)
		fp.publish(s, res)
		return res, nil
	})
}

// Snapshot returns the session's current state, ordered after any work
// already queued for it.
func (fp *FrameProcessor) Snapshot(ctx context.Context, id string) (models.Result, error) {
	s, err := fp.session(id)
	if err != nil {
		return models.Result{}, err
	}
	return fp.submit(ctx, s, "snapshot", func() (models.Result, error) {
		return s.engine.Snapshot(), nil
	})
}

// CachedSnapshot reads the last published snapshot, which may come from
// another server instance sharing the cache.
func (fp *FrameProcessor) CachedSnapshot(ctx context.Context, id string) (CachedResult, error) {
	if fp.cache == nil {
		return CachedResult{}, ErrSessionNotFound
	}
	key := cache.SessionKey("snapshot", id)
	var out CachedResult
	if err := fp.cache.Get(ctx, key, &out.Result); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return CachedResult{}, ErrSessionNotFound
		}
		return CachedResult{}, err
	}
	ttl, err := fp.cache.GetTTL(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return CachedResult{}, ErrSessionNotFound
		}
		return CachedResult{}, err
	}
	out.ExpiresIn = ttl.Seconds()
	return out, nil
}

func (fp *FrameProcessor) submit(ctx context.Context, s *Session, kind string, run func() (models.Result, error)) (models.Result, error) {
	s.touch(time.Now())
	item := &QueueItem{
		Key:        s.ID,
		Kind:       kind,
		ResultChan: make(chan *ProcessingResult, 1),
		StartTime:  time.Now(),
		Run: func() (models.Result, error) {
			if s.isClosed() {
				return models.Result{}, ErrSessionNotFound
			}
			return run()
		},
	}

	if !fp.queue.Enqueue(item) {
		fp.finish(item, ErrQueueFull)
		return models.Result{}, ErrQueueFull
	}

	timeout := time.NewTimer(fp.config.ProcessingTimeout)
	defer timeout.Stop()

	select {
	case out := <-item.ResultChan:
		fp.finish(item, out.Error)
		return out.Result, out.Error
	case <-timeout.C:
		fp.finish(item, ErrProcessingTimeout)
		return models.Result{}, ErrProcessingTimeout
	case <-ctx.Done():
		fp.finish(item, ctx.Err())
		return models.Result{}, ctx.Err()
	}
}

func (fp *FrameProcessor) process(item *QueueItem) {
	defer func() {
		if r := recover(); r != nil {
			fp.logger.Error("Session processing panic",
				zap.String("session_id", item.Key),
				zap.String("kind", item.Kind),
				zap.Any("panic", r))
			item.reply(&ProcessingResult{Error: fmt.Errorf("processing failed: %v", r)})
		}
	}()

	res, err := item.Run()
	item.reply(&ProcessingResult{Result: res, Error: err})
}

// clock ticks every session's exercise timer. A tick that cannot be queued
// is dropped rather than blocking the others.
func (fp *FrameProcessor) clock() {
	defer fp.wg.Done()
	ticker := time.NewTicker(fp.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, s := range fp.snapshotSessions() {
				s := s
				ok := fp.queue.Enqueue(&QueueItem{
					Key:       s.ID,
					Kind:      "tick",
					StartTime: time.Now(),
					Run: func() (models.Result, error) {
						if s.isClosed() {
							return models.Result{}, ErrSessionNotFound
						}
						s.engine.Tick(fp.config.TickInterval)
						res := s.engine.Snapshot()
						s.record(res, false)
						if res.Active {
							fp.publish(s, res)
						}
						return res, nil
					},
				})
				if !ok {
					fp.logger.Debug("Dropped session tick", zap.String("session_id", s.ID))
				}
			}
		case <-fp.ctx.Done():
			return
		}
	}
}

func (fp *FrameProcessor) sweepIdle() {
	defer fp.wg.Done()
	interval := fp.config.IdleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			fp.evictIdle(now)
		case <-fp.ctx.Done():
			return
		}
	}
}

// evictIdle closes sessions not seen for longer than the idle timeout and
// returns how many it closed.
func (fp *FrameProcessor) evictIdle(now time.Time) int {
	evicted := 0
	for _, s := range fp.snapshotSessions() {
		if now.Sub(s.idleSince()) <= fp.config.IdleTimeout {
			continue
		}
		if err := fp.CloseSession(s.ID); err == nil {
			evicted++
			fp.logger.Info("Evicted idle session", zap.String("session_id", s.ID))
		}
	}
	return evicted
}

func (fp *FrameProcessor) snapshotSessions() []*Session {
	fp.mutex.RLock()
	defer fp.mutex.RUnlock()
	out := make([]*Session, 0, len(fp.sessions))
	for _, s := range fp.sessions {
		out = append(out, s)
	}
	return out
}

// publish writes res to the shared cache. It runs on the session's shard,
// so snapshots land in the order they were taken, and it holds the session's
// publish lock so nothing is written once the session is closed.
func (fp *FrameProcessor) publish(s *Session, res models.Result) {
	if fp.cache == nil {
		return
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if s.isClosed() {
		return
	}
	if err := fp.cache.SetWithTTL(fp.ctx, cache.SessionKey("snapshot", s.ID), res, fp.config.SnapshotTTL); err != nil {
		fp.logger.Warn("Failed to publish session snapshot",
			zap.String("session_id", s.ID),
			zap.Error(err))
	}
}

// forget drops a closed session's snapshot after any publish in flight.
func (fp *FrameProcessor) forget(s *Session) {
	if fp.cache == nil {
		return
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if err := fp.cache.Delete(context.Background(), cache.SessionKey("snapshot", s.ID)); err != nil {
		fp.logger.Warn("Failed to drop session snapshot", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (fp *FrameProcessor) finish(item *QueueItem, err error) {
	fp.statsMu.Lock()
	defer fp.statsMu.Unlock()

	fp.stats.TotalProcessed++
	if err != nil {
		fp.stats.FailedProcessed++
		return
	}
	fp.stats.SuccessfullyProcessed++
	fp.updateLatencyStats(time.Since(item.StartTime))
}

func (fp *FrameProcessor) countSkipped() {
	fp.statsMu.Lock()
	fp.stats.SkippedFrames++
	fp.statsMu.Unlock()
}

// updateLatencyStats keeps an exponential moving average. Callers hold
// statsMu.
func (fp *FrameProcessor) updateLatencyStats(latency time.Duration) {
	current := float64(latency.Microseconds()) / 1000
	if fp.stats.AverageLatency == 0 {
		fp.stats.AverageLatency = current
		return
	}
	const alpha = 0.1
	fp.stats.AverageLatency = alpha*current + (1-alpha)*fp.stats.AverageLatency
}

func (fp *FrameProcessor) GetStats() ProcessorStats {
	fp.statsMu.Lock()
	stats := fp.stats
	fp.statsMu.Unlock()

	fp.mutex.RLock()
	stats.ActiveSessions = len(fp.sessions)
	fp.mutex.RUnlock()

	stats.Queue = fp.queue.GetQueueStats()
	return stats
}

func (fp *FrameProcessor) GetCacheStats(ctx context.Context) (*cache.CacheStats, error) {
	if fp.cache == nil {
		return nil, fmt.Errorf("cache not initialized")
	}
	return fp.cache.GetStats(ctx)
}

// Shutdown stops the clock, the sweeper and the workers. The cache is owned
// by the caller and stays open.
func (fp *FrameProcessor) Shutdown(timeout time.Duration) error {
	fp.logger.Info("Shutting down frame processor...")
	fp.cancel()
	fp.wg.Wait()

	if err := fp.queue.Shutdown(timeout); err != nil {
		fp.logger.Error("Failed to shutdown queue", zap.Error(err))
		return err
	}
	fp.logger.Info("Frame processor shutdown complete")
	return nil
}
