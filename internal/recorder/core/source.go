package core

import "context"

// FrameSource produces captured video frames.
type FrameSource interface {
	// NextFrame blocks until the next frame is captured. It returns
	// ErrEndOfStream when capture has finished and ctx.Err() when cancelled.
	NextFrame(ctx context.Context) (Frame, error)

	// Close releases the capture resources and unblocks pending waits.
	Close() error
}

// AudioSource delivers PCM chunks from a capture device on its own cadence.
type AudioSource interface {
	// Start begins capturing. push is invoked from the capture goroutine
	// for every chunk; it must not be called after Stop returns.
	Start(push func(Chunk)) error

	// Stop ends the capture.
	Stop() error
}
