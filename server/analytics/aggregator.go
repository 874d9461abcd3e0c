// Package analytics folds per-frame results into session statistics.
package analytics

import (
	"time"

	"github.com/san-kum/formcoach/server/models"
)

// DefaultMaxErrorLog bounds the number of form errors kept in a snapshot.
const DefaultMaxErrorLog = 500

// Aggregator accumulates the statistics of one exercise session. It is owned
// by a single engine and is not safe for concurrent use.
type Aggregator struct {
	maxLog int

	totalReps     int
	correctReps   int
	avgConfidence float64
	elapsed       time.Duration
	errorCount    int
	errorLog      []models.FormErrorEntry
}

func NewAggregator(maxLog int) *Aggregator {
	if maxLog <= 0 {
		maxLog = DefaultMaxErrorLog
	}
	return &Aggregator{maxLog: maxLog}
}

// ObserveConfidence blends c into the running average with equal weight
// given to the previous average and the new sample.
func (a *Aggregator) ObserveConfidence(c float64) {
	a.avgConfidence = (a.avgConfidence + c) / 2
}

// RecordForm logs warning and error results.
func (a *Aggregator) RecordForm(at time.Time, r *models.FormResult) {
	if r == nil {
		return
	}
	if r.Status != models.StatusWarning && r.Status != models.StatusError {
		return
	}
	a.errorCount++
	a.errorLog = append(a.errorLog, models.FormErrorEntry{
		Timestamp: at,
		Message:   r.Feedback,
		Status:    r.Status,
	})
	if len(a.errorLog) > a.maxLog {
		a.errorLog = a.errorLog[len(a.errorLog)-a.maxLog:]
	}
}

func (a *Aggregator) RecordRep(correct bool) {
	a.totalReps++
	if correct {
		a.correctReps++
	}
}

// Tick advances the exercise clock.
func (a *Aggregator) Tick(d time.Duration) {
	if d > 0 {
		a.elapsed += d
	}
}

func (a *Aggregator) Snapshot() models.SessionStats {
	var accuracy float64
	if a.totalReps > 0 {
		accuracy = float64(a.correctReps) / float64(a.totalReps) * 100
	}

	log := make([]models.FormErrorEntry, len(a.errorLog))
	copy(log, a.errorLog)

	return models.SessionStats{
		TotalReps:              a.totalReps,
		CorrectReps:            a.correctReps,
		Accuracy:               accuracy,
		AverageConfidence:      a.avgConfidence,
		ExerciseElapsedSeconds: a.elapsed.Seconds(),
		FormErrorCount:         a.errorCount,
		FormErrorLog:           log,
	}
}

func (a *Aggregator) Reset() {
	*a = Aggregator{maxLog: a.maxLog}
}

// PoseConfidence is the fraction of key landmarks visible above
// minVisibility.
func PoseConfidence(frame *models.Frame, minVisibility float64) float64 {
	if frame.Empty() {
		return 0
	}
	visible := 0
	for _, l := range models.KeyLandmarks {
		if _, ok := frame.Keypoint(l, minVisibility); ok {
			visible++
		}
	}
	return float64(visible) / float64(len(models.KeyLandmarks))
}
