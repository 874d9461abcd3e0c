package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/san-kum/formcoach/server/models"
)

func TestConfidenceUsesEqualWeightBlend(t *testing.T) {
	t.Parallel()
	a := NewAggregator(0)
	a.ObserveConfidence(1)
	a.ObserveConfidence(1)
	a.ObserveConfidence(0.5)
	// ((0+1)/2+1)/2 = 0.75, (0.75+0.5)/2 = 0.625
	if got := a.Snapshot().AverageConfidence; math.Abs(got-0.625) > 1e-12 {
		t.Fatalf("expected 0.625, got %v", got)
	}
}

func TestErrorLogOnlyWarningsAndErrors(t *testing.T) {
	t.Parallel()
	a := NewAggregator(0)
	now := time.Unix(100, 0)
	a.RecordForm(now, &models.FormResult{Status: models.StatusGood, Feedback: "ok"})
	a.RecordForm(now, &models.FormResult{Status: models.StatusNeutral})
	a.RecordForm(now, &models.FormResult{Status: models.StatusWarning, Feedback: "w"})
	a.RecordForm(now.Add(time.Second), &models.FormResult{Status: models.StatusError, Feedback: "e"})
	a.RecordForm(now, nil)

	st := a.Snapshot()
	if st.FormErrorCount != 2 || len(st.FormErrorLog) != 2 {
		t.Fatalf("expected two entries, got %+v", st)
	}
	if st.FormErrorLog[0].Message != "w" || st.FormErrorLog[1].Status != models.StatusError {
		t.Fatalf("unexpected log order: %+v", st.FormErrorLog)
	}
}

func TestErrorLogIsBounded(t *testing.T) {
	t.Parallel()
	a := NewAggregator(3)
	for i := 0; i < 10; i++ {
		a.RecordForm(time.Unix(int64(i), 0), &models.FormResult{Status: models.StatusError, Feedback: string(rune('a' + i))})
	}
	st := a.Snapshot()
	if st.FormErrorCount != 10 || len(st.FormErrorLog) != 3 {
		t.Fatalf("unexpected bounds: count=%d len=%d", st.FormErrorCount, len(st.FormErrorLog))
	}
	if st.FormErrorLog[0].Message != "h" || st.FormErrorLog[2].Message != "j" {
		t.Fatalf("expected most recent entries, got %+v", st.FormErrorLog)
	}
}

func TestAccuracyAndClock(t *testing.T) {
	t.Parallel()
	a := NewAggregator(0)
	if a.Snapshot().Accuracy != 0 {
		t.Fatal("expected zero accuracy without reps")
	}
	a.RecordRep(true)
	a.RecordRep(false)
	a.RecordRep(true)
	a.RecordRep(true)
	a.Tick(time.Second)
	a.Tick(time.Second)
	a.Tick(-time.Second)

	st := a.Snapshot()
	if st.TotalReps != 4 || st.CorrectReps != 3 || st.Accuracy != 75 {
		t.Fatalf("unexpected reps: %+v", st)
	}
	if st.ExerciseElapsedSeconds != 2 {
		t.Fatalf("expected 2s elapsed, got %v", st.ExerciseElapsedSeconds)
	}

	a.Reset()
	if st := a.Snapshot(); st.TotalReps != 0 || st.ExerciseElapsedSeconds != 0 {
		t.Fatalf("expected cleared stats, got %+v", st)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	t.Parallel()
	a := NewAggregator(0)
	a.RecordForm(time.Unix(1, 0), &models.FormResult{Status: models.StatusError, Feedback: "first"})
	st := a.Snapshot()
	st.FormErrorLog[0].Message = "changed"
	if a.Snapshot().FormErrorLog[0].Message != "first" {
		t.Fatal("snapshot shares memory with the aggregator")
	}
}

func TestPoseConfidence(t *testing.T) {
	t.Parallel()
	kps := make([]models.Keypoint, models.NumLandmarks)
	for i, l := range models.KeyLandmarks {
		vis := 0.9
		if i%4 == 0 {
			vis = 0.2
		}
		kps[l] = models.Keypoint{X: 0.5, Y: 0.5, Visibility: vis}
	}
	got := PoseConfidence(&models.Frame{Keypoints: kps}, 0.3)
	if math.Abs(got-0.75) > 1e-12 {
		t.Fatalf("expected 0.75, got %v", got)
	}
	if PoseConfidence(&models.Frame{}, 0.3) != 0 {
		t.Fatal("expected zero confidence for empty frame")
	}
}
