// Package engine runs the per-frame form analysis pipeline for one session:
// angles, smoothing, scoring, rep counting and session statistics.
//
// An Engine is owned by a single caller. ProcessFrame and the control calls
// must not be invoked concurrently.
package engine

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/analytics"
	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/models"
	"github.com/san-kum/formcoach/server/repcount"
	"github.com/san-kum/formcoach/server/smoothing"
)

var ErrNoExercise = errors.New("no exercise selected")

type Options struct {
	SmoothingAlpha  float64 `json:"smoothing_alpha" yaml:"smoothing_alpha"`
	MotionThreshold float64 `json:"motion_threshold" yaml:"motion_threshold"`
	MinVisibility   float64 `json:"min_visibility" yaml:"min_visibility"`
	TargetReps      int     `json:"target_reps_per_set" yaml:"target_reps_per_set"`
	CorrectRepScore int     `json:"correct_rep_score" yaml:"correct_rep_score"`
	MaxErrorLog     int     `json:"max_error_log" yaml:"max_error_log"`
}

func DefaultOptions() Options {
	return Options{
		SmoothingAlpha:  smoothing.DefaultAlpha,
		MotionThreshold: smoothing.DefaultMotionThreshold,
		MinVisibility:   exercise.DefaultMinVisibility,
		TargetReps:      repcount.DefaultTargetReps,
		CorrectRepScore: repcount.DefaultCorrectScore,
		MaxErrorLog:     analytics.DefaultMaxErrorLog,
	}
}

type Engine struct {
	registry *exercise.Registry
	opts     Options
	logger   *zap.Logger

	def    *exercise.Definition
	active bool

	smoother *smoothing.Smoother
	motion   *smoothing.VelocityTracker
	counter  *repcount.Counter
	stats    *analytics.Aggregator

	lastScore     int
	lastTimestamp int64
	seenFrame     bool
}

func New(registry *exercise.Registry, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		registry: registry,
		opts:     opts,
		logger:   logger,
		smoother: smoothing.NewSmoother(opts.SmoothingAlpha),
		motion:   smoothing.NewVelocityTracker(models.MotionLandmarks, opts.MotionThreshold, opts.MinVisibility),
		stats:    analytics.NewAggregator(opts.MaxErrorLog),
	}
}

// SelectExercise switches to id and clears all session state. An unknown id
// is an error and leaves the engine untouched.
func (e *Engine) SelectExercise(id models.ExerciseID) error {
	def, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	e.def = def
	e.active = false
	e.counter = repcount.NewCounter(def.Phases, e.opts.TargetReps, e.opts.CorrectRepScore)
	e.clear()

	e.logger.Info("Exercise selected", zap.String("exercise", string(id)))
	return nil
}

func (e *Engine) Start() error {
	if e.def == nil {
		return ErrNoExercise
	}
	e.active = true
	e.logger.Info("Exercise started", zap.String("exercise", string(e.def.ID)))
	return nil
}

func (e *Engine) Stop() {
	if e.active {
		e.logger.Info("Exercise stopped", zap.String("exercise", string(e.def.ID)))
	}
	e.active = false
}

// Reset clears counters, smoothing, statistics and the clock while keeping
// the selected exercise and its running state.
func (e *Engine) Reset() {
	if e.counter != nil {
		e.counter.Reset()
	}
	e.clear()
}

func (e *Engine) clear() {
	e.smoother.Reset()
	e.motion.Reset()
	e.stats.Reset()
	e.lastScore = 0
	e.lastTimestamp = 0
	e.seenFrame = false
}

// Tick advances the exercise clock while an exercise is running.
func (e *Engine) Tick(d time.Duration) {
	if e.active {
		e.stats.Tick(d)
	}
}

func (e *Engine) Exercise() models.ExerciseID {
	if e.def == nil {
		return ""
	}
	return e.def.ID
}

func (e *Engine) Active() bool {
	return e.active
}

// ProcessFrame analyzes one frame. Empty frames and frames that go back in
// time are skipped without touching any state.
func (e *Engine) ProcessFrame(frame *models.Frame) models.Result {
	if !e.acceptable(frame) {
		res := e.Snapshot()
		res.Skipped = true
		return res
	}
	e.lastTimestamp = frame.Timestamp
	e.seenFrame = true

	motion := e.motion.Observe(frame)
	confidence := analytics.PoseConfidence(frame, e.opts.MinVisibility)

	res := e.Snapshot()
	res.Timestamp = frame.Timestamp
	res.Confidence = confidence
	res.Moving = motion.Moving
	res.Velocity = make(map[string]models.Velocity, len(motion.Joints))
	for l, v := range motion.Joints {
		res.Velocity[l.String()] = v
	}

	if !e.active {
		return res
	}

	measured := e.def.Measure(frame, e.opts.MinVisibility)
	smoothed := exercise.Measurement{
		Angles:  make(map[models.JointKey]float64, len(measured.Angles)),
		Missing: measured.Missing,
	}
	for key, raw := range measured.Angles {
		v, _ := e.smoother.Update(smoothing.Key{Exercise: e.def.ID, Joint: key}, raw)
		smoothed.Angles[key] = v
	}

	form := e.def.Score(smoothed)
	res.Form = &form
	if form.Measured() {
		e.lastScore = form.FormScore
	}

	at := time.UnixMilli(frame.Timestamp)
	e.stats.ObserveConfidence(confidence)
	e.stats.RecordForm(at, &form)

	if angle, ok := e.governingAngle(frame, smoothed); ok {
		res.Governing = angle
		tr := e.counter.Advance(angle, motion.Moving, e.lastScore)
		res.Event = tr.Event
		if tr.Counted {
			e.stats.RecordRep(tr.Correct)
			e.logger.Debug("Rep completed",
				zap.String("exercise", string(e.def.ID)),
				zap.Bool("correct", tr.Correct),
				zap.Int("form_score", e.lastScore))
		}
		if tr.SetDone {
			e.logger.Info("Set completed",
				zap.String("exercise", string(e.def.ID)),
				zap.Int("sets_completed", e.counter.State().TotalSetsCompleted))
		}
	}

	res.Counter = e.counter.State()
	res.Stats = e.stats.Snapshot()
	return res
}

// governingAngle reuses the smoothed joint when the governing angle is also
// a scored joint, so each key is smoothed once per frame.
func (e *Engine) governingAngle(frame *models.Frame, smoothed exercise.Measurement) (float64, bool) {
	if v, ok := smoothed.Angles[e.def.Phases.Joint]; ok {
		return v, true
	}
	sig := e.def.DetectPhase(frame, e.opts.MinVisibility)
	if !sig.OK {
		return 0, false
	}
	return e.smoother.Update(smoothing.Key{Exercise: e.def.ID, Joint: sig.Joint}, sig.Angle)
}

func (e *Engine) acceptable(frame *models.Frame) bool {
	if frame.Empty() || frame.Timestamp < 0 {
		return false
	}
	if e.seenFrame && frame.Timestamp < e.lastTimestamp {
		return false
	}
	return true
}

// Snapshot returns the current counters and statistics without a frame.
func (e *Engine) Snapshot() models.Result {
	res := models.Result{
		Exercise:  e.Exercise(),
		Active:    e.active,
		Timestamp: e.lastTimestamp,
		Stats:     e.stats.Snapshot(),
		Counter: models.RepCounterState{
			Phase:            models.PhaseStart,
			CurrentSet:       1,
			TargetRepsPerSet: e.opts.TargetReps,
		},
	}
	if e.counter != nil {
		res.Counter = e.counter.State()
	}
	return res
}
