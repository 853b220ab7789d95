package core

import "time"

// StreamID identifies one logical output stream of a session.
type StreamID string

const (
	StreamVideo    StreamID = "video"
	StreamMic      StreamID = "mic"
	StreamLoopback StreamID = "loopback"
)

// IsAudio reports whether the stream carries PCM audio.
func (id StreamID) IsAudio() bool {
	return id == StreamMic || id == StreamLoopback
}

// Chunk is a block of raw PCM bytes delivered by a capture callback.
// Data must not be modified once the chunk has been pushed.
type Chunk struct {
	Data      []byte        // Interleaved PCM bytes
	Timestamp time.Duration // Capture clock time of the first byte
}

// Frame is one captured video frame.
type Frame struct {
	Data      []byte        // Opaque surface payload (H.264 access unit for the bundled sinks)
	Timestamp time.Duration // Capture clock time
	IsKey     bool          // Whether the payload is independently decodable
}

// Sample is one timestamped unit handed to the downstream muxer.
type Sample struct {
	Stream    StreamID
	Data      []byte
	Timestamp time.Duration // Relative to the session start epoch
	Duration  time.Duration
	IsKey     bool
	Silence   bool // Synthesized to bridge an audio underrun
}

// End returns the timestamp immediately after the sample.
func (s Sample) End() time.Duration {
	return s.Timestamp + s.Duration
}
