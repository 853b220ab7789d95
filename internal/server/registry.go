package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/server/handlers"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"
)

// Registry owns the recordings started through the API.
type Registry struct {
	factory SessionFactory
	logger  *slog.Logger

	mu         sync.RWMutex
	recordings map[string]*recording
	closed     bool

	// serializes start, stop and timed stop of one recording
	recordingLock keymutex.KeyMutex
}

// NewRegistry creates an empty registry building sessions with factory.
func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		factory:       factory,
		logger:        util.GetLogger().With("component", "registry"),
		recordings:    make(map[string]*recording),
		recordingLock: keymutex.NewHashed(64),
	}
}

func (r *Registry) CreateRecording(ctx context.Context, opts handlers.CreateOptions) (handlers.Recording, error) {
	var limit time.Duration
	if opts.Duration != "" {
		d, err := time.ParseDuration(opts.Duration)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid duration %q", opts.Duration)
		}
		limit = d
	}

	s, err := r.factory(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	rec := newRecording(s)
	id := rec.ID()

	r.recordingLock.LockKey(id)
	defer r.recordingLock.UnlockKey(id)

	if err := rec.start(ctx); err != nil {
		s.Dispose()
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		rec.stop()
		return nil, errors.New("registry is closed")
	}
	r.recordings[id] = rec
	r.mu.Unlock()

	if limit > 0 {
		rec.stopAfter(limit, func() {
			if err := r.StopRecording(id); err != nil && !errors.Is(err, handlers.ErrRecordingNotFound) {
				r.logger.Warn("Timed stop failed", "id", id, "error", err)
			}
		})
	}
	return rec, nil
}

func (r *Registry) GetRecording(id string) (handlers.Recording, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recordings[id]
	if !ok {
		return nil, false
	}
	return rec, true
}

func (r *Registry) ListRecordings() []handlers.Recording {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]handlers.Recording, 0, len(r.recordings))
	for _, rec := range r.recordings {
		out = append(out, rec)
	}
	return out
}

// StopRecording stops and forgets a recording.
func (r *Registry) StopRecording(id string) error {
	r.recordingLock.LockKey(id)
	defer r.recordingLock.UnlockKey(id)

	r.mu.Lock()
	rec, ok := r.recordings[id]
	delete(r.recordings, id)
	r.mu.Unlock()
	if !ok {
		return errors.Wrap(handlers.ErrRecordingNotFound, id)
	}

	err := rec.stop()
	r.logger.Info("Recording stopped", "id", id, "error", err)
	return err
}

// Close stops every recording and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.recordings))
	for id := range r.recordings {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.StopRecording(id); err != nil && !errors.Is(err, handlers.ErrRecordingNotFound) {
			r.logger.Warn("Failed to stop recording", "id", id, "error", err)
		}
	}
}
