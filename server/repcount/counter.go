// Package repcount turns a smoothed governing angle into rep and set counts.
package repcount

import (
	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/models"
)

const (
	DefaultTargetReps   = 3
	DefaultCorrectScore = 70
)

// Transition reports what a single Advance call did.
type Transition struct {
	Event   models.RepEvent
	From    models.MotionPhase
	To      models.MotionPhase
	Counted bool
	Correct bool
	SetDone bool
}

// Counter is the per-exercise phase machine. States are start, A and B of
// the exercise's Thresholds. Legal edges: start->A, start->B, A->B (counts a
// rep), B->A. It has no terminal state.
type Counter struct {
	th           exercise.Thresholds
	targetReps   int
	correctScore int

	phase              models.MotionPhase
	currentRep         int
	currentSet         int
	totalSetsCompleted int
}

func NewCounter(th exercise.Thresholds, targetReps, correctScore int) *Counter {
	if targetReps <= 0 {
		targetReps = DefaultTargetReps
	}
	if correctScore <= 0 {
		correctScore = DefaultCorrectScore
	}
	c := &Counter{th: th, targetReps: targetReps, correctScore: correctScore}
	c.Reset()
	return c
}

func (c *Counter) Reset() {
	c.phase = models.PhaseStart
	c.currentRep = 0
	c.currentSet = 1
	c.totalSetsCompleted = 0
}

// Advance feeds one smoothed angle. Nothing happens while moving is false.
// formScore is the latest known form score and is only read on the
// rep-completing edge.
func (c *Counter) Advance(angle float64, moving bool, formScore int) Transition {
	t := Transition{From: c.phase, To: c.phase}
	if !moving {
		return t
	}

	switch {
	case c.phase != c.th.PhaseA && angle < c.th.EnterBelow:
		c.phase = c.th.PhaseA
		t.Event = models.EventEnteredA

	case c.phase == c.th.PhaseA && angle > c.th.EnterAbove:
		c.phase = c.th.PhaseB
		c.currentRep++
		t.Event = models.EventRepCompleted
		t.Counted = true
		t.Correct = formScore >= c.correctScore
		if c.currentRep >= c.targetReps {
			c.currentRep = 0
			c.currentSet++
			c.totalSetsCompleted++
			t.Event = models.EventSetCompleted
			t.SetDone = true
		}

	case c.phase == models.PhaseStart && angle > c.th.EnterAbove:
		c.phase = c.th.PhaseB
		t.Event = models.EventEnteredB
	}

	t.To = c.phase
	return t
}

func (c *Counter) State() models.RepCounterState {
	return models.RepCounterState{
		Phase:              c.phase,
		CurrentRep:         c.currentRep,
		CurrentSet:         c.currentSet,
		TotalSetsCompleted: c.totalSetsCompleted,
		TargetRepsPerSet:   c.targetReps,
	}
}

func (c *Counter) Phase() models.MotionPhase {
	return c.phase
}
