package engine

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/models"
)

const frameStep = 33

// ray returns the point at distance r from origin, deg degrees clockwise from
// straight up in image coordinates.
func ray(origin models.Point, deg, r float64) models.Point {
	rad := deg * math.Pi / 180
	return models.Point{X: origin.X + r*math.Sin(rad), Y: origin.Y - r*math.Cos(rad)}
}

// body builds a frame with every landmark visible, the overrides applied and
// the whole skeleton shifted right by shift.
func body(ts int64, shift float64, points map[models.Landmark]models.Point) *models.Frame {
	kps := make([]models.Keypoint, models.NumLandmarks)
	for i := range kps {
		kps[i] = models.Keypoint{X: 0.3 + shift, Y: 0.5, Visibility: 0.9}
	}
	for l, p := range points {
		kps[l] = models.Keypoint{X: p.X + shift, Y: p.Y, Visibility: 0.9}
	}
	return &models.Frame{Timestamp: ts, Keypoints: kps}
}

func curl(ts int64, shift, arm float64) *models.Frame {
	elbow := models.Point{X: 0.3, Y: 0.5}
	return body(ts, shift, map[models.Landmark]models.Point{
		models.LeftShoulder: {X: 0.3, Y: 0.3},
		models.LeftElbow:    elbow,
		models.LeftWrist:    ray(elbow, arm, 0.2),
		models.LeftHip:      {X: 0.3, Y: 0.7},
	})
}

// squat places the hip angle at hip with the knee straight below the hip.
func squat(ts int64, shift, hip float64) *models.Frame {
	h := models.Point{X: 0.3, Y: 0.5}
	knee := models.Point{X: 0.3, Y: 0.7}
	return body(ts, shift, map[models.Landmark]models.Point{
		models.LeftShoulder: ray(h, 180-hip, 0.2),
		models.LeftHip:      h,
		models.LeftKnee:     knee,
		models.LeftAnkle:    {X: 0.4, Y: 0.85},
	})
}

// player feeds poses with a small sideways drift so the movement gate stays
// open while the joint angles stay fixed.
type player struct {
	t     *testing.T
	e     *Engine
	ts    int64
	shift float64
	last  models.Result
}

func (p *player) hold(build func(ts int64, shift, angle float64) *models.Frame, angle float64, frames int) {
	p.t.Helper()
	for i := 0; i < frames; i++ {
		p.ts += frameStep
		p.shift += 0.002
		p.last = p.e.ProcessFrame(build(p.ts, p.shift, angle))
		if p.last.Skipped {
			p.t.Fatalf("frame at %d unexpectedly skipped", p.ts)
		}
	}
}

func started(t *testing.T, id models.ExerciseID) *Engine {
	t.Helper()
	e := New(exercise.DefaultRegistry(), DefaultOptions(), nil)
	if err := e.SelectExercise(id); err != nil {
		t.Fatalf("select %s: %v", id, err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

func TestStartRequiresExercise(t *testing.T) {
	t.Parallel()
	e := New(exercise.DefaultRegistry(), DefaultOptions(), nil)
	if err := e.Start(); !errors.Is(err, ErrNoExercise) {
		t.Fatalf("expected ErrNoExercise, got %v", err)
	}
	if err := e.SelectExercise("burpees"); !errors.Is(err, exercise.ErrUnknownExercise) {
		t.Fatalf("expected ErrUnknownExercise, got %v", err)
	}
	if e.Exercise() != "" {
		t.Fatalf("failed selection changed the exercise to %q", e.Exercise())
	}
}

func TestBicepCurlEndToEnd(t *testing.T) {
	t.Parallel()
	e := started(t, models.BicepCurls)
	p := &player{t: t, e: e}

	p.hold(curl, 170, 10)
	if p.last.Counter.Phase != models.PhaseExtended || p.last.Counter.CurrentRep != 0 {
		t.Fatalf("expected extended without reps, got %+v", p.last.Counter)
	}
	p.hold(curl, 65, 20)
	if p.last.Counter.Phase != models.PhaseContracted || p.last.Counter.CurrentRep != 0 {
		t.Fatalf("expected contracted without reps, got %+v", p.last.Counter)
	}
	p.hold(curl, 170, 20)
	if p.last.Counter.CurrentRep != 1 || p.last.Stats.TotalReps != 1 {
		t.Fatalf("expected one rep, got counter=%+v stats=%+v", p.last.Counter, p.last.Stats)
	}
	if !p.last.Active || p.last.Form == nil {
		t.Fatalf("expected an active result with form, got %+v", p.last)
	}
}

// Form is scored on smoothed angles, so a jump into the ideal range only
// reads as good once the filter has caught up.
func TestFormScoresSmoothedAngles(t *testing.T) {
	t.Parallel()
	e := started(t, models.BicepCurls)
	p := &player{t: t, e: e}

	p.hold(curl, 170, 1)
	if p.last.Form.Status != models.StatusError {
		t.Fatalf("expected the seed frame to score as error, got %+v", p.last.Form)
	}

	// 0.7*170 + 0.3*50
	p.hold(curl, 50, 1)
	if p.last.Form.FormScore == 100 || !strings.HasPrefix(p.last.Form.Feedback, "Arm angle is 134.0°") {
		t.Fatalf("expected the smoothed arm angle to be scored, got %+v", p.last.Form)
	}

	// 50 + 120*0.7^n drops below 70 at n=6
	p.hold(curl, 50, 4)
	if p.last.Form.Status == models.StatusGood {
		t.Fatalf("expected the fifth frame to still lag, got %+v", p.last.Form)
	}
	p.hold(curl, 50, 1)
	if p.last.Form.Status != models.StatusGood || p.last.Form.FormScore != 100 {
		t.Fatalf("expected the sixth frame to reach the ideal range, got %+v", p.last.Form)
	}
}

func TestSquatSetsEndToEnd(t *testing.T) {
	t.Parallel()
	e := started(t, models.Squats)
	p := &player{t: t, e: e}

	sets := 0
	for i := 0; i < 3; i++ {
		p.hold(squat, 165, 20)
		p.hold(squat, 65, 20)
		for j := 0; j < 20; j++ {
			p.hold(squat, 165, 1)
			if p.last.Event == models.EventSetCompleted {
				sets++
			}
		}
	}
	c := p.last.Counter
	if c.TotalSetsCompleted != 1 || c.CurrentSet != 2 || c.CurrentRep != 0 {
		t.Fatalf("unexpected counter after three squats: %+v", c)
	}
	if sets != 1 {
		t.Fatalf("expected a single set event, got %d", sets)
	}
	if p.last.Stats.TotalReps != 3 {
		t.Fatalf("expected 3 reps, got %d", p.last.Stats.TotalReps)
	}
}

func TestStillBodyCountsNothing(t *testing.T) {
	t.Parallel()
	e := started(t, models.BicepCurls)
	ts := int64(0)
	// the skeleton never drifts, so only the wrist jump between poses opens
	// the gate and the smoothed angle has not crossed a threshold by then
	for _, arm := range []float64{170, 65, 170, 65, 170} {
		for i := 0; i < 20; i++ {
			ts += frameStep
			e.ProcessFrame(curl(ts, 0, arm))
		}
	}
	st := e.Snapshot()
	if st.Counter.CurrentRep != 0 || st.Stats.TotalReps != 0 || st.Counter.Phase != models.PhaseStart {
		t.Fatalf("expected no transitions without motion, got %+v", st)
	}
}

func TestInvalidFramesAreSkipped(t *testing.T) {
	t.Parallel()
	e := started(t, models.BicepCurls)
	first := e.ProcessFrame(curl(1000, 0, 50))
	if first.Skipped {
		t.Fatal("first frame skipped")
	}

	before := e.Snapshot()
	for _, f := range []*models.Frame{
		{Timestamp: 2000},
		curl(500, 0, 170),
		curl(-1, 0, 170),
	} {
		res := e.ProcessFrame(f)
		if !res.Skipped {
			t.Fatalf("expected frame %d to be skipped", f.Timestamp)
		}
		if res.Form != nil {
			t.Fatal("skipped frame produced a form result")
		}
	}
	after := e.Snapshot()
	if after.Timestamp != before.Timestamp || after.Stats.FormErrorCount != before.Stats.FormErrorCount {
		t.Fatalf("skipped frames changed state: before=%+v after=%+v", before, after)
	}
}

func TestMissingKneeDuringSquat(t *testing.T) {
	t.Parallel()
	e := started(t, models.Squats)
	// with the knee below the hip the torso lean equals the hip angle
	f := squat(100, 0, 40)
	f.Keypoints[models.LeftKnee].Visibility = 0.1

	res := e.ProcessFrame(f)
	if res.Form == nil {
		t.Fatal("expected a form result")
	}
	if _, ok := res.Form.Deviations[models.JointKnee]; ok {
		t.Fatal("knee deviation should be excluded")
	}
	if res.Form.Status == models.StatusError || res.Form.FormScore != 100 {
		t.Fatalf("occluded knee affected the score: %+v", res.Form)
	}
	if res.Form.Primary != models.JointTorso {
		t.Fatalf("expected torso to drive feedback, got %s", res.Form.Primary)
	}
	if res.Confidence >= 1 {
		t.Fatalf("expected reduced pose confidence, got %v", res.Confidence)
	}
}

func TestInactiveEngineOnlyTracksMotion(t *testing.T) {
	t.Parallel()
	e := New(exercise.DefaultRegistry(), DefaultOptions(), nil)
	if err := e.SelectExercise(models.BicepCurls); err != nil {
		t.Fatal(err)
	}
	e.ProcessFrame(curl(33, 0, 170))
	res := e.ProcessFrame(curl(66, 0.05, 170))
	if res.Form != nil || res.Active {
		t.Fatalf("inactive engine produced form output: %+v", res)
	}
	if !res.Moving {
		t.Fatal("expected motion to be tracked while inactive")
	}
	e.Tick(time.Second)
	if e.Snapshot().Stats.ExerciseElapsedSeconds != 0 {
		t.Fatal("clock advanced while inactive")
	}
}

func TestSwitchingExerciseClearsState(t *testing.T) {
	t.Parallel()
	e := started(t, models.BicepCurls)
	p := &player{t: t, e: e}
	p.hold(curl, 170, 10)
	p.hold(curl, 65, 20)
	p.hold(curl, 170, 20)
	e.Tick(2 * time.Second)
	if e.Snapshot().Stats.TotalReps != 1 {
		t.Fatal("expected a rep before switching")
	}

	if err := e.SelectExercise(models.Squats); err != nil {
		t.Fatal(err)
	}
	st := e.Snapshot()
	if st.Active || st.Exercise != models.Squats {
		t.Fatalf("expected inactive squats, got %+v", st)
	}
	if st.Stats.TotalReps != 0 || st.Stats.ExerciseElapsedSeconds != 0 || st.Counter.Phase != models.PhaseStart {
		t.Fatalf("state leaked across exercises: %+v", st)
	}
}

func TestResetKeepsExerciseRunning(t *testing.T) {
	t.Parallel()
	e := started(t, models.FrontKicks)
	e.Tick(time.Second)
	e.ProcessFrame(body(10, 0, nil))
	e.Reset()

	st := e.Snapshot()
	if !st.Active || st.Exercise != models.FrontKicks {
		t.Fatalf("reset changed the running exercise: %+v", st)
	}
	if st.Stats.ExerciseElapsedSeconds != 0 || st.Stats.AverageConfidence != 0 {
		t.Fatalf("reset kept stats: %+v", st.Stats)
	}
	if res := e.ProcessFrame(body(5, 0, nil)); res.Skipped {
		t.Fatal("reset should clear the timestamp ordering")
	}
}
