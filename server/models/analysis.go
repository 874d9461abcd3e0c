package models

import "time"

type ExerciseID string

const (
	BicepCurls ExerciseID = "bicepCurls"
	Squats     ExerciseID = "squats"
	FrontKicks ExerciseID = "frontKicks"
)

// JointKey names a measured joint angle. Keys are shared across exercises;
// smoothing state is keyed by (ExerciseID, JointKey).
type JointKey string

const (
	JointArm   JointKey = "arm"
	JointTorso JointKey = "torso"
	JointHip   JointKey = "hip"
	JointKnee  JointKey = "knee"
	JointAnkle JointKey = "ankle"
	JointLeg   JointKey = "leg"
)

type Status string

const (
	StatusGood    Status = "good"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
	StatusNeutral Status = "neutral"
)

type MotionPhase string

const (
	PhaseStart      MotionPhase = "start"
	PhaseContracted MotionPhase = "contracted"
	PhaseExtended   MotionPhase = "extended"
	PhaseSquat      MotionPhase = "squat"
	PhaseStanding   MotionPhase = "standing"
	PhaseRetracted  MotionPhase = "retracted"
)

// FormResult is the per-frame form judgment. Deviations only holds joints
// that were measured this frame.
type FormResult struct {
	Feedback   string               `json:"feedback"`
	Status     Status               `json:"status"`
	FormScore  int                  `json:"form_score"`
	IsValid    bool                 `json:"is_valid"`
	Primary    JointKey             `json:"primary,omitempty"`
	Deviations map[JointKey]float64 `json:"deviations"`
	Angles     map[JointKey]float64 `json:"angles"`
	Missing    []JointKey           `json:"missing,omitempty"`
}

// Measured reports whether at least one joint produced an angle.
func (r *FormResult) Measured() bool {
	return r != nil && len(r.Deviations) > 0
}

type RepCounterState struct {
	Phase              MotionPhase `json:"phase"`
	CurrentRep         int         `json:"current_rep"`
	CurrentSet         int         `json:"current_set"`
	TotalSetsCompleted int         `json:"total_sets_completed"`
	TargetRepsPerSet   int         `json:"target_reps_per_set"`
}

type FormErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Status    Status    `json:"status"`
}

type SessionStats struct {
	TotalReps              int              `json:"total_reps"`
	CorrectReps            int              `json:"correct_reps"`
	Accuracy               float64          `json:"accuracy"`
	AverageConfidence      float64          `json:"average_confidence"`
	ExerciseElapsedSeconds float64          `json:"exercise_elapsed_seconds"`
	FormErrorCount         int              `json:"form_error_count"`
	FormErrorLog           []FormErrorEntry `json:"form_error_log"`
}

type Velocity struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Magnitude float64 `json:"magnitude"`
}

// RepEvent describes the state machine edge taken on a frame, if any.
type RepEvent string

const (
	EventNone         RepEvent = ""
	EventEnteredA     RepEvent = "entered_a"
	EventEnteredB     RepEvent = "entered_b"
	EventRepCompleted RepEvent = "rep_completed"
	EventSetCompleted RepEvent = "set_completed"
)

// Result is everything the engine returns for one processed frame.
type Result struct {
	Exercise   ExerciseID          `json:"exercise,omitempty"`
	Active     bool                `json:"active"`
	Skipped    bool                `json:"skipped"`
	Timestamp  int64               `json:"timestamp"`
	Form       *FormResult         `json:"form,omitempty"`
	Counter    RepCounterState     `json:"counter"`
	Stats      SessionStats        `json:"stats"`
	Confidence float64             `json:"confidence"`
	Moving     bool                `json:"moving"`
	Velocity   map[string]Velocity `json:"velocity,omitempty"`
	Governing  float64             `json:"governing_angle,omitempty"`
	Event      RepEvent            `json:"event,omitempty"`
}

type APIResponse struct {
	Success bool          `json:"success"`
	Data    any           `json:"data"`
	Error   *APIError     `json:"error"`
	Meta    *ResponseMeta `json:"meta"`
}

type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type ResponseMeta struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Version        string    `json:"version"`
}
