package types

import (
	"errors"
	"strings"
)

// FrameTask represents a single video frame sent to an embedder worker.
type FrameTask struct {
	Index int
	Data  []byte
}

// Detection is one face found in a frame by the external embedder.
type Detection struct {
	Box               [4]int    `json:"box"` // [left, top, right, bottom]
	Vector            []float32 `json:"vector"`
	Quality           float64   `json:"quality"`
	Emotion           string    `json:"emotion,omitempty"`
	EmotionConfidence float64   `json:"emotion_confidence,omitempty"`
}

// FaceSize is the larger side of the bounding box, in pixels.
func (d Detection) FaceSize() int {
	return max(d.Box[2]-d.Box[0], d.Box[3]-d.Box[1])
}

// Frame is one observation of a tracked subject, as read from a JSONL stream,
// the HTTP API or MQTT.
type Frame struct {
	Index             int       `json:"index,omitempty"`
	Subject           string    `json:"subject"`
	Vector            []float32 `json:"vector"`
	Quality           float64   `json:"quality,omitempty"`
	FaceSize          int       `json:"face_size,omitempty"`
	Emotion           string    `json:"emotion,omitempty"`
	EmotionConfidence float64   `json:"emotion_confidence,omitempty"`
}

var ErrNoSubject = errors.New("frame has no subject")

// Check validates the fields the tracker relies on. Vector contents are
// validated by the matcher.
func (f Frame) Check() error {
	if strings.TrimSpace(f.Subject) == "" {
		return ErrNoSubject
	}
	return nil
}

// ErrorResult captures the error object returned by an embedder on failure.
type ErrorResult struct {
	Error string `json:"error"`
}
