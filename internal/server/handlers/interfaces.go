package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/mux"
)

// ErrRecordingNotFound is returned for unknown recording IDs.
var ErrRecordingNotFound = errors.New("recording not found")

// Recording is a running session as seen by the HTTP layer
type Recording interface {
	ID() string
	CreatedAt() time.Time
	State() string
	Streams() []core.StreamID
	Format(id core.StreamID) (core.PCMFormat, bool)
	Stats() map[core.StreamID]mux.Stats

	// Subscribe returns a live copy of every emitted sample. Samples are
	// dropped while the channel is full.
	Subscribe(id string, bufferSize int) <-chan core.Sample
	Unsubscribe(id string)

	// Done is closed once the recording has stopped.
	Done() <-chan struct{}
}

// CreateOptions is the body of a create request
type CreateOptions struct {
	FPS      int     `json:"fps,omitempty"`
	Mic      bool    `json:"mic"`
	Loopback bool    `json:"loopback"`
	ToneHz   float64 `json:"tone_hz,omitempty"`
	Duration string  `json:"duration,omitempty"` // e.g. "30s", empty for unlimited
}

// RecordingService defines the registry operations handlers need
type RecordingService interface {
	CreateRecording(ctx context.Context, opts CreateOptions) (Recording, error)
	GetRecording(id string) (Recording, bool)
	StopRecording(id string) error
	ListRecordings() []Recording
}
