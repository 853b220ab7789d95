package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ingest"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/mux"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AudioInput is an audio capture source and the format it delivers.
type AudioInput struct {
	Source core.AudioSource
	Format core.PCMFormat
}

// Config describes the producers a session owns.
type Config struct {
	ID       string
	Video    core.FrameSource
	Mic      *AudioInput
	Loopback *AudioInput
	Options  mux.Options
	Logger   *slog.Logger
}

type audioTrack struct {
	id      core.StreamID
	source  core.AudioSource
	buffer  *ingest.Buffer
	muted   atomic.Bool
	started atomic.Bool
}

// Session owns one recording: its video source, audio sources, their
// ingest buffers and the multiplexer serving samples downstream.
type Session struct {
	id     string
	logger *slog.Logger

	video core.FrameSource
	audio []*audioTrack
	mux   *mux.Multiplexer

	mu        sync.Mutex
	state     State
	startedAt time.Time
	stopOnce  sync.Once
	stopErr   error
	done      chan struct{}
}

// New validates cfg and prepares a session. Nothing is captured until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Video == nil {
		return nil, errors.New("session requires a video source")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	logger = logger.With("component", "session", "session", cfg.ID)

	s := &Session{
		id:     cfg.ID,
		logger: logger,
		video:  cfg.Video,
		done:   make(chan struct{}),
	}

	var inputs []mux.AudioInput
	for _, in := range []struct {
		id    core.StreamID
		input *AudioInput
	}{
		{core.StreamMic, cfg.Mic},
		{core.StreamLoopback, cfg.Loopback},
	} {
		if in.input == nil {
			continue
		}
		if in.input.Source == nil {
			return nil, errors.Errorf("%s input has no source", in.id)
		}
		if err := in.input.Format.Validate(); err != nil {
			return nil, errors.Wrapf(err, "%s format", in.id)
		}
		track := &audioTrack{id: in.id, source: in.input.Source, buffer: ingest.New(in.input.Format)}
		s.audio = append(s.audio, track)
		inputs = append(inputs, mux.AudioInput{Stream: in.id, Buffer: track.buffer})
	}

	opts := cfg.Options
	if opts.Logger == nil {
		opts.Logger = logger
	}
	m, err := mux.New(cfg.Video, inputs, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create multiplexer")
	}
	s.mux = m
	m.OnTerminate(s.onTerminate)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Streams lists the streams this session produces, video first.
func (s *Session) Streams() []core.StreamID {
	return s.mux.Streams()
}

// Format returns the PCM format of an audio stream.
func (s *Session) Format(id core.StreamID) (core.PCMFormat, bool) {
	return s.mux.Format(id)
}

// Start begins capture. Audio sources start pushing first, then the first
// video frame fixes the start epoch and all audio captured before it is
// discarded. If ctx ends before a frame arrives the session is torn down.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return errors.Errorf("cannot start session in state %s", state)
	}
	s.state = StateStarted
	s.startedAt = time.Now()
	s.mu.Unlock()

	for _, track := range s.audio {
		if err := track.source.Start(s.pushFunc(track)); err != nil {
			s.teardown(nil)
			return errors.Wrapf(err, "failed to start %s capture", track.id)
		}
		track.started.Store(true)
	}

	first, err := s.video.NextFrame(ctx)
	if err != nil {
		s.teardown(nil)
		return errors.Wrap(err, "failed to capture first video frame")
	}

	if s.State() != StateStarted {
		return errors.Wrap(core.ErrEndOfStream, "session stopped during start")
	}

	epoch := first.Timestamp
	for _, track := range s.audio {
		if n := track.buffer.DiscardBefore(epoch); n > 0 {
			s.logger.Debug("Discarded pre-roll audio", "stream", track.id, "bytes", n)
		}
	}
	s.mux.Begin(epoch, first)
	s.logger.Info("Session started", "epoch", epoch, "streams", len(s.Streams()))
	return nil
}

func (s *Session) pushFunc(track *audioTrack) func(core.Chunk) {
	return func(c core.Chunk) {
		if track.muted.Load() {
			c.Data = make([]byte, len(c.Data))
		}
		track.buffer.Push(c)
	}
}

// RequestSample issues a pull for the next sample of stream id.
func (s *Session) RequestSample(id core.StreamID) *mux.Request {
	return s.mux.RequestSample(id)
}

// Next requests the next sample of stream id and waits for it.
func (s *Session) Next(ctx context.Context, id core.StreamID) (core.Sample, error) {
	return s.mux.Next(ctx, id)
}

// SetMuted replaces the stream's captured audio with silence while muted.
// Timing is unaffected.
func (s *Session) SetMuted(id core.StreamID, muted bool) error {
	for _, track := range s.audio {
		if track.id == id {
			track.muted.Store(muted)
			s.logger.Info("Audio mute changed", "stream", id, "muted", muted)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", core.ErrUnknownStream, id)
}

// Muted reports whether an audio stream is muted.
func (s *Session) Muted(id core.StreamID) bool {
	for _, track := range s.audio {
		if track.id == id {
			return track.muted.Load()
		}
	}
	return false
}

// Stats returns per-stream counters.
func (s *Session) Stats() map[core.StreamID]mux.Stats {
	return s.mux.Stats()
}

// BufferStats returns ingest buffer counters per audio stream.
func (s *Session) BufferStats() map[core.StreamID]ingest.Stats {
	out := make(map[core.StreamID]ingest.Stats, len(s.audio))
	for _, track := range s.audio {
		out[track.id] = track.buffer.Stats()
	}
	return out
}

// Done is closed once the session has been torn down, either by Stop or
// because the video source ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault that ended the session, or nil.
func (s *Session) Err() error {
	return s.mux.Err()
}

// Stop ends the session and releases every resource it owns. It is safe
// to call more than once; only the first call can return an error.
func (s *Session) Stop() error {
	return s.teardown(nil)
}

// Dispose is Stop without the error.
func (s *Session) Dispose() {
	_ = s.Stop()
}

func (s *Session) onTerminate(cause error) {
	if cause != nil {
		s.logger.Error("Session failed", "error", cause)
	}
	go s.teardown(cause)
}

func (s *Session) teardown(cause error) error {
	performed := false
	s.stopOnce.Do(func() {
		performed = true

		s.mu.Lock()
		prev := s.state
		s.state = StateStopped
		startedAt := s.startedAt
		s.mu.Unlock()

		s.mux.Close()
		s.mux.Wait()

		var errs []error
		for _, track := range s.audio {
			if track.started.Load() {
				if err := track.source.Stop(); err != nil {
					errs = append(errs, errors.Wrapf(err, "failed to stop %s capture", track.id))
				}
			}
			track.buffer.Release()
		}
		if err := s.video.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close video source"))
		}
		s.stopErr = stderrors.Join(errs...)

		if prev == StateStarted {
			s.logSummary(time.Since(startedAt), cause)
		}
		close(s.done)
	})
	if !performed {
		return nil
	}
	return s.stopErr
}

func (s *Session) logSummary(wall time.Duration, cause error) {
	stats := s.mux.Stats()
	video := stats[core.StreamVideo]
	rate := 0.0
	if video.Emitted > 0 {
		rate = float64(video.Samples) / video.Emitted.Seconds()
	}
	s.logger.Info("Session stopped",
		"frames", video.Samples,
		"duration", video.Emitted,
		"fps", fmt.Sprintf("%.2f", rate),
		"dropped_frames", video.DroppedFrames,
		"wall", wall.Round(time.Millisecond),
		"failed", cause != nil)
	for _, track := range s.audio {
		st := stats[track.id]
		s.logger.Info("Audio stream summary",
			"stream", track.id,
			"samples", st.Samples,
			"duration", st.Emitted,
			"silence", st.SilenceDuration,
			"underruns", st.Underruns)
	}
}
