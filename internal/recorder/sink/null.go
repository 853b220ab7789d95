package sink

import (
	"context"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// NullMuxer discards samples and only counts them.
type NullMuxer struct {
	mu       sync.Mutex
	samples  map[core.StreamID]int64
	duration map[core.StreamID]time.Duration
}

func NewNullMuxer() *NullMuxer {
	return &NullMuxer{
		samples:  make(map[core.StreamID]int64),
		duration: make(map[core.StreamID]time.Duration),
	}
}

func (n *NullMuxer) Initialize(tracks []Track) error {
	return validateTracks(tracks)
}

func (n *NullMuxer) Stream(ctx context.Context, samples <-chan core.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-samples:
			if !ok {
				return nil
			}
			n.mu.Lock()
			n.samples[s.Stream]++
			n.duration[s.Stream] += s.Duration
			n.mu.Unlock()
		}
	}
}

// Written returns the sample count per stream.
func (n *NullMuxer) Written() map[core.StreamID]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[core.StreamID]int64, len(n.samples))
	for id, c := range n.samples {
		out[id] = c
	}
	return out
}

// Duration returns the summed sample durations of a stream.
func (n *NullMuxer) Duration(id core.StreamID) time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.duration[id]
}

func (n *NullMuxer) Close() error { return nil }
