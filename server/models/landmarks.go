package models

import "math"

// Landmark indexes a keypoint inside a Frame. Values follow the MediaPipe Pose
// topology so detector output can be forwarded without remapping.
type Landmark int

const (
	LeftShoulder  Landmark = 11
	RightShoulder Landmark = 12
	LeftElbow     Landmark = 13
	RightElbow    Landmark = 14
	LeftWrist     Landmark = 15
	RightWrist    Landmark = 16
	LeftHip       Landmark = 23
	RightHip      Landmark = 24
	LeftKnee      Landmark = 25
	RightKnee     Landmark = 26
	LeftAnkle     Landmark = 27
	RightAnkle    Landmark = 28

	// NumLandmarks is the size of a full detector frame.
	NumLandmarks = 33
)

// KeyLandmarks are the joints used for pose confidence.
var KeyLandmarks = []Landmark{
	LeftShoulder, RightShoulder,
	LeftElbow, RightElbow,
	LeftWrist, RightWrist,
	LeftHip, RightHip,
	LeftKnee, RightKnee,
	LeftAnkle, RightAnkle,
}

// MotionLandmarks are the joints tracked by the movement gate.
var MotionLandmarks = []Landmark{
	LeftShoulder, LeftElbow, LeftWrist,
	LeftHip, LeftKnee, LeftAnkle,
}

var landmarkNames = map[Landmark]string{
	LeftShoulder:  "left_shoulder",
	RightShoulder: "right_shoulder",
	LeftElbow:     "left_elbow",
	RightElbow:    "right_elbow",
	LeftWrist:     "left_wrist",
	RightWrist:    "right_wrist",
	LeftHip:       "left_hip",
	RightHip:      "right_hip",
	LeftKnee:      "left_knee",
	RightKnee:     "right_knee",
	LeftAnkle:     "left_ankle",
	RightAnkle:    "right_ankle",
}

func (l Landmark) String() string {
	if name, ok := landmarkNames[l]; ok {
		return name
	}
	return "landmark"
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Keypoint is a single estimated landmark in normalized frame coordinates.
type Keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z,omitempty"`
	Visibility float64 `json:"visibility"`
}

func (k Keypoint) Point() Point {
	return Point{X: k.X, Y: k.Y}
}

// Finite reports whether the keypoint carries usable coordinates.
func (k Keypoint) Finite() bool {
	return !math.IsNaN(k.X) && !math.IsNaN(k.Y) && !math.IsInf(k.X, 0) && !math.IsInf(k.Y, 0)
}

// Frame is the landmark set of one detection cycle. Timestamp is in
// milliseconds and must not decrease within a session.
type Frame struct {
	Timestamp int64      `json:"timestamp"`
	Keypoints []Keypoint `json:"keypoints"`
}

// Empty reports a frame with no landmarks at all.
func (f *Frame) Empty() bool {
	return f == nil || len(f.Keypoints) == 0
}

// Keypoint returns the landmark if present, finite and more visible than
// minVisibility.
func (f *Frame) Keypoint(l Landmark, minVisibility float64) (Keypoint, bool) {
	if f == nil || int(l) < 0 || int(l) >= len(f.Keypoints) {
		return Keypoint{}, false
	}
	kp := f.Keypoints[l]
	if !kp.Finite() || kp.Visibility <= minVisibility {
		return Keypoint{}, false
	}
	return kp, true
}
