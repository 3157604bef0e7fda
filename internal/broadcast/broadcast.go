// Package broadcast fans stable-state changes out to WebSocket clients and
// an MQTT broker.
package broadcast

import (
	"context"
	"errors"
	"time"

	"github.com/andresmejia3/bioface/internal/tracking"
)

// Channel names shared by every sink.
const (
	ChannelDetections = "detections"
	ChannelEmotions   = "emotions"
)

// ValidChannel reports whether name is a channel sinks publish on.
func ValidChannel(name string) bool {
	return name == ChannelDetections || name == ChannelEmotions
}

// Sink receives JSON-encodable messages for a channel.
type Sink interface {
	Publish(ctx context.Context, channel string, msg any) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, channel string, msg any) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, channel, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DetectionMessage is sent on the detections channel when a subject's
// confirmed identity changes. Stable is false when the identity was lost.
type DetectionMessage struct {
	Subject    string    `json:"subject"`
	Stable     bool      `json:"stable"`
	OwnerID    int64     `json:"owner_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Confidence float64   `json:"confidence"`
	Frame      int       `json:"frame"`
	At         time.Time `json:"at"`
}

// EmotionMessage is sent on the emotions channel when a subject's
// confirmed emotion changes.
type EmotionMessage struct {
	Subject    string    `json:"subject"`
	Stable     bool      `json:"stable"`
	Emotion    string    `json:"emotion,omitempty"`
	Confidence float64   `json:"confidence"`
	OwnerID    int64     `json:"owner_id,omitempty"`
	Frame      int       `json:"frame"`
	At         time.Time `json:"at"`
}

// PublishUpdate emits one message per channel whose state changed in u.
// A nil sink is a no-op.
func PublishUpdate(ctx context.Context, sink Sink, u tracking.Update) error {
	if sink == nil {
		return nil
	}
	now := time.Now().UTC()
	var owner int64
	if u.Identity.Stable {
		owner = u.Identity.Value
	}

	var errs []error
	if u.IdentityChanged {
		msg := DetectionMessage{
			Subject:    u.Subject,
			Stable:     u.Identity.Stable,
			OwnerID:    owner,
			Name:       u.Identity.Display,
			Confidence: u.Identity.Confidence,
			Frame:      u.Frame,
			At:         now,
		}
		errs = append(errs, sink.Publish(ctx, ChannelDetections, msg))
	}
	if u.EmotionChanged {
		msg := EmotionMessage{
			Subject:    u.Subject,
			Stable:     u.Emotion.Stable,
			Emotion:    u.Emotion.Value,
			Confidence: u.Emotion.Confidence,
			OwnerID:    owner,
			Frame:      u.Frame,
			At:         now,
		}
		errs = append(errs, sink.Publish(ctx, ChannelEmotions, msg))
	}
	return errors.Join(errs...)
}
