package core

import "errors"

var (
	// ErrEndOfStream is the terminal "no more samples" signal.
	ErrEndOfStream = errors.New("end of stream")

	// ErrSessionFailed wraps a fault that tore the session down.
	ErrSessionFailed = errors.New("session failed")

	// ErrRequestPending is returned when a stream already has an outstanding request.
	ErrRequestPending = errors.New("request already pending for stream")

	// ErrNotStarted is returned for requests issued before the session started.
	ErrNotStarted = errors.New("session not started")

	// ErrUnknownStream is returned for streams the session was not configured with.
	ErrUnknownStream = errors.New("unknown stream")
)
