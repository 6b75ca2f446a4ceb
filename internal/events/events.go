// Package events publishes capture, mode and crawl events to observers
// outside the process.
package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeCaptureFinalized = "capture.finalized"
	TypeCaptureAborted   = "capture.aborted"
	TypeModeChanged      = "mode.changed"
	TypeScrapeStatus     = "scrape.status"
)

// Event is one published occurrence. Key groups related events (a URL for
// captures, a crawl id for status) and becomes the Kafka message key.
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Capture is the payload of capture events.
type Capture struct {
	RecordingID int64  `json:"recordingId,omitempty"`
	URL         string `json:"url"`
	Method      string `json:"method"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
}
