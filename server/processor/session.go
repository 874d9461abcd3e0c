package processor

import (
	"sync"
	"time"

	"github.com/san-kum/formcoach/server/engine"
	"github.com/san-kum/formcoach/server/models"
)

// Session owns one engine. The engine is only touched from the queue shard
// the session is pinned to; everything else reads the summary.
type Session struct {
	ID        string
	CreatedAt time.Time

	engine *engine.Engine

	// publishMu orders snapshot writes against the delete on close.
	publishMu sync.Mutex

	mu       sync.RWMutex
	closed   bool
	lastSeen time.Time
	frames   int64
	last     models.Result
}

type SessionInfo struct {
	ID        string            `json:"id"`
	Exercise  models.ExerciseID `json:"exercise,omitempty"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
	LastSeen  time.Time         `json:"last_seen"`
	Frames    int64             `json:"frames"`
	TotalReps int               `json:"total_reps"`
	Sets      int               `json:"sets_completed"`
}

func newSession(id string, e *engine.Engine, now time.Time) *Session {
	return &Session{ID: id, CreatedAt: now, engine: e, lastSeen: now, last: e.Snapshot()}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) record(res models.Result, frame bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame {
		s.frames++
	}
	s.last = res
}

func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		ID:        s.ID,
		Exercise:  s.last.Exercise,
		Active:    s.last.Active,
		CreatedAt: s.CreatedAt,
		LastSeen:  s.lastSeen,
		Frames:    s.frames,
		TotalReps: s.last.Stats.TotalReps,
		Sets:      s.last.Counter.TotalSetsCompleted,
	}
}
