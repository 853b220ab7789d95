package mux

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// Stats counts what a stream has emitted so far.
type Stats struct {
	Samples         int64
	SilenceSamples  int64
	SilenceDuration time.Duration
	Emitted         time.Duration // end of the last emitted sample
	Underruns       int64
	PreRollDiscards int64
	TrimmedBytes    int64
	DroppedFrames   int64
}

// Cursor is the per-stream timing state.
type Cursor struct {
	stream core.StreamID

	mu             sync.Mutex
	startEpoch     time.Duration
	lastEmittedEnd time.Duration
	stats          Stats

	busy atomic.Bool
}

func newCursor(id core.StreamID) *Cursor {
	return &Cursor{stream: id}
}

// Stream returns the stream the cursor tracks.
func (c *Cursor) Stream() core.StreamID {
	return c.stream
}

// StartEpoch returns the capture clock instant that maps to t=0.
func (c *Cursor) StartEpoch() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startEpoch
}

// LastEmittedEnd returns the end timestamp of the last emitted sample.
func (c *Cursor) LastEmittedEnd() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEmittedEnd
}

// Stats returns a snapshot of the stream counters.
func (c *Cursor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Emitted = c.lastEmittedEnd
	return st
}

func (c *Cursor) begin(epoch time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startEpoch = epoch
	c.lastEmittedEnd = 0
}

// advance records s as emitted. s must not start before lastEmittedEnd.
func (c *Cursor) advance(s core.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEmittedEnd = s.End()
	c.stats.Samples++
	if s.Silence {
		c.stats.SilenceSamples++
		c.stats.SilenceDuration += s.Duration
	}
}

func (c *Cursor) count(fn func(st *Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}
