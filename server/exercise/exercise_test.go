package exercise

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/san-kum/formcoach/server/models"
)

// pose builds a full frame with every landmark visible at a neutral spot and
// the given overrides applied.
func pose(points map[models.Landmark]models.Point) *models.Frame {
	kps := make([]models.Keypoint, models.NumLandmarks)
	for i := range kps {
		kps[i] = models.Keypoint{X: 0.5, Y: 0.5, Visibility: 0.9}
	}
	for l, p := range points {
		kps[l] = models.Keypoint{X: p.X, Y: p.Y, Visibility: 0.9}
	}
	return &models.Frame{Timestamp: 1, Keypoints: kps}
}

// ray returns the point at distance r from origin, deg degrees clockwise from
// straight up in image coordinates.
func ray(origin models.Point, deg, r float64) models.Point {
	rad := deg * math.Pi / 180
	return models.Point{X: origin.X + r*math.Sin(rad), Y: origin.Y - r*math.Cos(rad)}
}

func curlFrame(armAngle float64) *models.Frame {
	shoulder := models.Point{X: 0.5, Y: 0.3}
	elbow := models.Point{X: 0.5, Y: 0.5}
	return pose(map[models.Landmark]models.Point{
		models.LeftShoulder: shoulder,
		models.LeftElbow:    elbow,
		models.LeftWrist:    ray(elbow, armAngle, 0.2),
		models.LeftHip:      {X: 0.5, Y: 0.7},
	})
}

func mustGet(t *testing.T, id models.ExerciseID) *Definition {
	t.Helper()
	d, err := DefaultRegistry().Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return d
}

func TestBicepCurlPerfectForm(t *testing.T) {
	t.Parallel()
	res := mustGet(t, models.BicepCurls).Validate(curlFrame(50))
	if res.FormScore != 100 || res.Status != models.StatusGood || !res.IsValid {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Feedback != "Perfect arm curl (50.0°)" {
		t.Fatalf("unexpected feedback %q", res.Feedback)
	}
}

func TestBicepCurlExtendedArmIsError(t *testing.T) {
	t.Parallel()
	res := mustGet(t, models.BicepCurls).Validate(curlFrame(170))
	if res.Status != models.StatusError || res.IsValid {
		t.Fatalf("expected error, got %+v", res)
	}
	if res.Primary != models.JointArm {
		t.Fatalf("expected arm to be primary, got %s", res.Primary)
	}
	if !strings.HasPrefix(res.Feedback, "Arm angle is 170.0° - curl more") {
		t.Fatalf("unexpected feedback %q", res.Feedback)
	}
	// arm deviation 240%, torso 0% -> mean 120 -> clamped to 0
	if res.FormScore != 0 {
		t.Fatalf("expected clamped score 0, got %d", res.FormScore)
	}
}

func TestBicepCurlOverCurledArmKeepsCurlHint(t *testing.T) {
	t.Parallel()
	res := mustGet(t, models.BicepCurls).Validate(curlFrame(20))
	if res.Primary != models.JointArm || res.Status == models.StatusGood {
		t.Fatalf("expected arm issue, got %+v", res)
	}
	want := "Arm angle is 20.0° - curl more to reach the target range (ideal: 30-70°)"
	if res.Feedback != want {
		t.Fatalf("expected %q, got %q", want, res.Feedback)
	}
}

func TestStatusBuckets(t *testing.T) {
	t.Parallel()
	cases := map[float64]models.Status{
		0:    models.StatusGood,
		10:   models.StatusGood,
		10.1: models.StatusWarning,
		20:   models.StatusWarning,
		20.1: models.StatusError,
		500:  models.StatusError,
	}
	for dev, want := range cases {
		if got := StatusFor(dev); got != want {
			t.Fatalf("deviation %v: expected %s, got %s", dev, want, got)
		}
	}
}

func TestSquatTieBreakPrefersKnee(t *testing.T) {
	t.Parallel()
	d := mustGet(t, models.Squats)
	// both exactly 50% from their midpoints
	res := d.Score(Measurement{Angles: map[models.JointKey]float64{
		models.JointHip:   90.75,
		models.JointKnee:  92.25,
		models.JointTorso: 40,
		models.JointAnkle: 80,
	}})
	if res.Primary != models.JointKnee {
		t.Fatalf("expected knee to win the tie, got %s", res.Primary)
	}
	if !strings.Contains(res.Feedback, "bend knees more") {
		t.Fatalf("unexpected feedback %q", res.Feedback)
	}
	if res.FormScore != 75 {
		t.Fatalf("expected score 75, got %d", res.FormScore)
	}
}

func TestBicepCurlTieBreakPrefersArm(t *testing.T) {
	t.Parallel()
	res := mustGet(t, models.BicepCurls).Score(Measurement{Angles: map[models.JointKey]float64{
		models.JointArm:   150,
		models.JointTorso: 52.5,
	}})
	if res.Primary != models.JointArm {
		t.Fatalf("expected arm to win the tie, got %s", res.Primary)
	}
}

func TestSquatAllGoodMessage(t *testing.T) {
	t.Parallel()
	res := mustGet(t, models.Squats).Score(Measurement{Angles: map[models.JointKey]float64{
		models.JointHip:   60,
		models.JointKnee:  60,
		models.JointTorso: 40,
		models.JointAnkle: 80,
	}})
	if res.Feedback != "Perfect squat form! All angles within range." || res.FormScore != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestFrontKickFeedbackUsesIdealText(t *testing.T) {
	t.Parallel()
	res := mustGet(t, models.FrontKicks).Score(Measurement{Angles: map[models.JointKey]float64{
		models.JointHip: 90,
		models.JointLeg: 80,
	}})
	if res.Primary != models.JointLeg {
		t.Fatalf("expected leg to be primary, got %s", res.Primary)
	}
	if !strings.HasSuffix(res.Feedback, "(ideal: >120°)") {
		t.Fatalf("unexpected feedback %q", res.Feedback)
	}
}

func TestFormScoreMonotonicInDeviation(t *testing.T) {
	t.Parallel()
	d := mustGet(t, models.Squats)
	prev := 101
	for knee := 68.0; knee <= 180; knee += 0.5 {
		res := d.Score(Measurement{Angles: map[models.JointKey]float64{
			models.JointHip:   95,
			models.JointKnee:  knee,
			models.JointTorso: 30,
			models.JointAnkle: 80,
		}})
		if res.FormScore > prev {
			t.Fatalf("score increased at knee=%v: %d > %d", knee, res.FormScore, prev)
		}
		if res.FormScore < 0 || res.FormScore > 100 {
			t.Fatalf("score out of range: %d", res.FormScore)
		}
		prev = res.FormScore
	}
}

func TestMissingKneeIsExcludedFromScore(t *testing.T) {
	t.Parallel()
	shoulder := models.Point{X: 0.5, Y: 0.5}
	frame := pose(map[models.Landmark]models.Point{
		models.LeftShoulder: shoulder,
		models.LeftHip:      ray(shoulder, 40, 0.3),
		models.LeftKnee:     {X: 0.6, Y: 0.7},
		models.LeftAnkle:    {X: 0.6, Y: 0.9},
	})
	frame.Keypoints[models.LeftKnee].Visibility = 0.1

	res := mustGet(t, models.Squats).Validate(frame)
	if _, ok := res.Deviations[models.JointKnee]; ok {
		t.Fatal("expected knee deviation to be excluded")
	}
	if len(res.Deviations) != 1 {
		t.Fatalf("expected only torso to be measured, got %v", res.Deviations)
	}
	if res.Status == models.StatusError {
		t.Fatalf("occluded knee must not flag an error: %+v", res)
	}
	if res.FormScore != 100 {
		t.Fatalf("expected score from torso alone, got %d", res.FormScore)
	}
	missing := map[models.JointKey]bool{}
	for _, k := range res.Missing {
		missing[k] = true
	}
	if !missing[models.JointKnee] || !missing[models.JointHip] || !missing[models.JointAnkle] {
		t.Fatalf("expected knee-dependent joints to be missing, got %v", res.Missing)
	}
}

func TestNothingVisibleIsNeutral(t *testing.T) {
	t.Parallel()
	frame := pose(nil)
	for i := range frame.Keypoints {
		frame.Keypoints[i].Visibility = 0
	}
	res := mustGet(t, models.BicepCurls).Validate(frame)
	if res.Status != models.StatusNeutral || res.Measured() {
		t.Fatalf("expected neutral result, got %+v", res)
	}
}

func TestDegenerateGeometryIsSkipped(t *testing.T) {
	t.Parallel()
	frame := curlFrame(50)
	frame.Keypoints[models.LeftWrist] = frame.Keypoints[models.LeftElbow]
	res := mustGet(t, models.BicepCurls).Validate(frame)
	if _, ok := res.Angles[models.JointArm]; ok {
		t.Fatal("expected arm angle to be skipped")
	}
	if _, ok := res.Angles[models.JointTorso]; !ok {
		t.Fatal("expected torso to still be measured")
	}
}

func TestDetectPhaseUsesGoverningAngle(t *testing.T) {
	t.Parallel()
	sig := mustGet(t, models.BicepCurls).DetectPhase(curlFrame(65), DefaultMinVisibility)
	if !sig.OK || sig.Joint != models.JointArm || math.Abs(sig.Angle-65) > 1e-6 {
		t.Fatalf("unexpected signal %+v", sig)
	}
}

func TestRegistryUnknownExercise(t *testing.T) {
	t.Parallel()
	_, err := DefaultRegistry().Get("burpees")
	if !errors.Is(err, ErrUnknownExercise) {
		t.Fatalf("expected ErrUnknownExercise, got %v", err)
	}
}

func TestRegistryListOrder(t *testing.T) {
	t.Parallel()
	defs := DefaultRegistry().List()
	if len(defs) != 3 || defs[0].ID != models.BicepCurls || defs[1].ID != models.Squats || defs[2].ID != models.FrontKicks {
		t.Fatalf("unexpected registry order")
	}
}
