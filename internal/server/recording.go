package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/config"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/mux"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/pipeline"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/recorder/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// SessionFactory builds an unstarted session for a create request.
type SessionFactory func(opts handlers.CreateOptions) (*session.Session, error)

// SyntheticFactory builds sessions from a test pattern and sine tones,
// paced on the real clock.
func SyntheticFactory(settings config.Recorder) SessionFactory {
	return func(opts handlers.CreateOptions) (*session.Session, error) {
		clk := clock.RealClock{}
		base := clk.Now()

		fps := opts.FPS
		if fps == 0 {
			fps = settings.FPS
		}
		hz := opts.ToneHz
		if hz == 0 {
			hz = 440
		}
		format := core.PCMFormat{
			SampleRate:    settings.SampleRate,
			Channels:      settings.Channels,
			BitsPerSample: settings.BitsPerSample,
		}

		cfg := session.Config{
			Video: source.NewPatternSource(clk, base, source.PatternOptions{FPS: fps}),
			Options: mux.Options{
				Quantum:       settings.Quantum,
				RetryAttempts: settings.RetryAttempts,
				RetryDelay:    settings.RetryDelay,
				MinSilence:    settings.MinSilence,
				MaxJitter:     settings.MaxJitter,
			},
		}
		if opts.Mic {
			tone, err := source.NewToneSource(clk, base, format, hz, source.PCMOptions{})
			if err != nil {
				return nil, err
			}
			cfg.Mic = &session.AudioInput{Source: tone, Format: format}
		}
		if opts.Loopback {
			tone, err := source.NewToneSource(clk, base, format, hz*1.5, source.PCMOptions{})
			if err != nil {
				return nil, err
			}
			cfg.Loopback = &session.AudioInput{Source: tone, Format: format}
		}
		return session.New(cfg)
	}
}

// recording is a started session together with the pump feeding its
// live subscribers.
type recording struct {
	session   *session.Session
	pump      *pipeline.Pump
	createdAt time.Time
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	timer *time.Timer
	err   error
}

func newRecording(s *session.Session) *recording {
	return &recording{
		session:   s,
		pump:      pipeline.NewPump(s),
		createdAt: time.Now(),
		logger:    util.GetLogger().With("component", "recording", "id", s.ID()),
		done:      make(chan struct{}),
	}
}

// start captures the first frame and begins pumping samples.
func (r *recording) start(ctx context.Context) error {
	if err := r.session.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start session")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go func() {
		defer close(r.done)
		err := r.pump.Run(runCtx)
		if stopErr := r.session.Stop(); err == nil {
			err = stopErr
		}
		<-r.session.Done()
		if err == nil {
			err = r.session.Err()
		}
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.logger.Info("Recording finished", "error", err)
	}()
	return nil
}

func (r *recording) stopAfter(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = time.AfterFunc(d, fn)
}

// stop ends the recording and waits for the pump to drain.
func (r *recording) stop() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	r.cancel()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *recording) ID() string               { return r.session.ID() }
func (r *recording) CreatedAt() time.Time     { return r.createdAt }
func (r *recording) State() string            { return r.session.State().String() }
func (r *recording) Streams() []core.StreamID { return r.session.Streams() }
func (r *recording) Done() <-chan struct{}    { return r.done }
func (r *recording) Unsubscribe(id string)    { r.pump.Unsubscribe(id) }
func (r *recording) Stats() map[core.StreamID]mux.Stats {
	return r.session.Stats()
}

func (r *recording) Format(id core.StreamID) (core.PCMFormat, bool) {
	return r.session.Format(id)
}

func (r *recording) Subscribe(id string, bufferSize int) <-chan core.Sample {
	return r.pump.Subscribe(id, bufferSize)
}

