package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ingest"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"k8s.io/utils/clock"
)

// Options tunes the synchronization policy.
type Options struct {
	Quantum       time.Duration // audio slice length per request
	RetryAttempts int           // retries after the first empty poll
	RetryDelay    time.Duration // pause between retries
	MinSilence    time.Duration // floor for underrun silence samples
	MaxJitter     time.Duration // tolerated timestamp deviation before a gap or overlap is corrected
	Clock         clock.Clock
	Logger        *slog.Logger
}

// DefaultOptions returns the production policy.
func DefaultOptions() Options {
	return Options{
		Quantum:       100 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    10 * time.Millisecond,
		MinSilence:    20 * time.Millisecond,
		MaxJitter:     10 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Quantum <= 0 {
		o.Quantum = def.Quantum
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.MinSilence <= 0 {
		o.MinSilence = def.MinSilence
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = 0
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = util.GetLogger()
	}
	return o
}

// AudioInput binds an audio stream to the buffer feeding it.
type AudioInput struct {
	Stream core.StreamID
	Buffer *ingest.Buffer
}

// heldSlice is audio pulled ahead of a gap, emitted on the next request.
type heldSlice struct {
	data []byte
}

type audioStream struct {
	buf    *ingest.Buffer
	format core.PCMFormat
	held   *heldSlice
}

// Multiplexer answers per-stream pull requests with ordered, timestamped
// samples. Streams are resolved independently; a stalled producer only
// delays its own stream.
type Multiplexer struct {
	opts   Options
	logger *slog.Logger

	video   core.FrameSource
	audio   map[core.StreamID]*audioStream
	cursors map[core.StreamID]*Cursor

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	terminated  bool
	cause       error
	epoch       time.Duration
	pending     core.Frame
	onTerminate func(error)

	videoClock atomic.Int64
	inflight   sync.WaitGroup
}

// New creates a multiplexer over one video source and zero or more audio inputs.
func New(video core.FrameSource, audio []AudioInput, opts Options) (*Multiplexer, error) {
	if video == nil {
		return nil, fmt.Errorf("video source is required")
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		opts:    opts,
		logger:  opts.Logger.With("component", "multiplexer"),
		video:   video,
		audio:   make(map[core.StreamID]*audioStream),
		cursors: map[core.StreamID]*Cursor{core.StreamVideo: newCursor(core.StreamVideo)},
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, in := range audio {
		if !in.Stream.IsAudio() {
			cancel()
			return nil, fmt.Errorf("stream %q is not an audio stream", in.Stream)
		}
		if in.Buffer == nil {
			cancel()
			return nil, fmt.Errorf("stream %q has no buffer", in.Stream)
		}
		if _, dup := m.audio[in.Stream]; dup {
			cancel()
			return nil, fmt.Errorf("stream %q configured twice", in.Stream)
		}
		format := in.Buffer.Format()
		if err := format.Validate(); err != nil {
			cancel()
			return nil, fmt.Errorf("stream %q: %w", in.Stream, err)
		}
		if format.BytesForDuration(opts.Quantum) == 0 {
			cancel()
			return nil, fmt.Errorf("stream %q: quantum %v is shorter than one frame", in.Stream, opts.Quantum)
		}
		m.audio[in.Stream] = &audioStream{buf: in.Buffer, format: format}
		m.cursors[in.Stream] = newCursor(in.Stream)
	}
	return m, nil
}

// Streams lists the configured streams, video first.
func (m *Multiplexer) Streams() []core.StreamID {
	ids := []core.StreamID{core.StreamVideo}
	audio := make([]core.StreamID, 0, len(m.audio))
	for id := range m.audio {
		audio = append(audio, id)
	}
	sort.Slice(audio, func(i, j int) bool { return audio[i] < audio[j] })
	return append(ids, audio...)
}

// Format returns the PCM format of an audio stream.
func (m *Multiplexer) Format(id core.StreamID) (core.PCMFormat, bool) {
	st, ok := m.audio[id]
	if !ok {
		return core.PCMFormat{}, false
	}
	return st.format, true
}

// Cursor returns the timing state of a stream.
func (m *Multiplexer) Cursor(id core.StreamID) (*Cursor, bool) {
	c, ok := m.cursors[id]
	return c, ok
}

// OnTerminate registers fn to run once when the multiplexer terminates,
// with a nil cause for end-of-stream and a non-nil cause for faults.
func (m *Multiplexer) OnTerminate(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminate = fn
}

// Begin fixes the start epoch and seeds the video stream with the first
// captured frame, which becomes the first video sample at t=0.
func (m *Multiplexer) Begin(epoch time.Duration, first core.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch = epoch
	m.pending = first
	m.started = true
	m.videoClock.Store(0)
	for _, c := range m.cursors {
		c.begin(epoch)
	}
	m.logger.Debug("Multiplexer started", "epoch", epoch, "streams", len(m.cursors))
}

// Epoch returns the start epoch set by Begin.
func (m *Multiplexer) Epoch() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// VideoClock returns the timestamp of the most recently emitted video sample.
func (m *Multiplexer) VideoClock() time.Duration {
	return time.Duration(m.videoClock.Load())
}

// Terminated reports whether the multiplexer stopped producing samples.
func (m *Multiplexer) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// Err returns the fault that terminated the multiplexer, if any.
func (m *Multiplexer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Stats returns a snapshot of every stream's counters.
func (m *Multiplexer) Stats() map[core.StreamID]Stats {
	out := make(map[core.StreamID]Stats, len(m.cursors))
	for id, c := range m.cursors {
		out[id] = c.Stats()
	}
	return out
}

// Next requests the next sample of a stream and waits for it.
func (m *Multiplexer) Next(ctx context.Context, id core.StreamID) (core.Sample, error) {
	return m.RequestSample(id).Wait(ctx)
}

// RequestSample issues a pull for stream id. The returned request may
// already be resolved; otherwise it completes once the producer yields
// data, the retry budget runs out, or the multiplexer terminates.
func (m *Multiplexer) RequestSample(id core.StreamID) *Request {
	c, ok := m.cursors[id]
	if !ok {
		return resolvedRequest(id, fmt.Errorf("%w: %s", core.ErrUnknownStream, id))
	}

	m.mu.Lock()
	started, terminated := m.started, m.terminated
	m.mu.Unlock()
	if terminated {
		return resolvedRequest(id, core.ErrEndOfStream)
	}
	if !started {
		return resolvedRequest(id, core.ErrNotStarted)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return resolvedRequest(id, core.ErrRequestPending)
	}

	req := newRequest(id)
	req.release = func() { c.busy.Store(false) }

	if id == core.StreamVideo {
		m.resolveLater(req, func() { m.resolveVideo(req, c) })
		return req
	}

	st := m.audio[id]
	var (
		s     core.Sample
		ready bool
	)
	if err := m.protect(id, func() { s, ready = m.tryAudio(c, st) }); err != nil {
		req.finish(core.Sample{}, err)
		return req
	}
	if ready {
		req.finish(s, nil)
		return req
	}
	c.count(func(s *Stats) { s.Underruns++ })
	m.resolveLater(req, func() { m.resolveAudio(req, c, st) })
	return req
}

// Close terminates the multiplexer: pending frame waits are cancelled and
// every later request resolves with core.ErrEndOfStream.
func (m *Multiplexer) Close() {
	m.terminate(nil)
}

// Wait blocks until every deferred resolver has returned. Call it after
// Close before releasing the audio buffers.
func (m *Multiplexer) Wait() {
	m.inflight.Wait()
}

func (m *Multiplexer) resolveLater(req *Request, resolve func()) {
	req.deferred = true
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if err := m.protect(req.Stream, resolve); err != nil {
			req.finish(core.Sample{}, err)
		}
	}()
}

// protect runs fn and turns a panic into a session fault.
func (m *Multiplexer) protect(id core.StreamID, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic resolving %s: %v", core.ErrSessionFailed, id, r)
			m.logger.Error("Sample resolution panicked", "stream", id, "panic", r)
			m.terminate(err)
		}
	}()
	fn()
	return nil
}

func (m *Multiplexer) terminate(cause error) {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.cause = cause
	fn := m.onTerminate
	m.mu.Unlock()

	m.cancel()
	if cause != nil {
		m.logger.Error("Multiplexer terminated", "error", cause)
	} else {
		m.logger.Info("Multiplexer terminated")
	}
	if fn != nil {
		fn(cause)
	}
}

func (m *Multiplexer) resolveVideo(req *Request, c *Cursor) {
	for {
		frame, err := m.video.NextFrame(m.ctx)
		if err != nil {
			if errors.Is(err, core.ErrEndOfStream) || m.ctx.Err() != nil {
				m.logger.Info("Video source reached end of stream")
				m.terminate(nil)
				req.finish(core.Sample{}, core.ErrEndOfStream)
				return
			}
			fault := fmt.Errorf("%w: video source: %v", core.ErrSessionFailed, err)
			m.terminate(fault)
			req.finish(core.Sample{}, fault)
			return
		}

		m.mu.Lock()
		prev := m.pending
		if frame.Timestamp <= prev.Timestamp {
			m.mu.Unlock()
			c.count(func(s *Stats) { s.DroppedFrames++ })
			m.logger.Debug("Dropping non-advancing video frame", "ts", frame.Timestamp, "prev", prev.Timestamp)
			continue
		}
		m.pending = frame
		epoch := m.epoch
		m.mu.Unlock()

		s := core.Sample{
			Stream:    core.StreamVideo,
			Data:      prev.Data,
			Timestamp: prev.Timestamp - epoch,
			Duration:  frame.Timestamp - prev.Timestamp,
			IsKey:     prev.IsKey,
		}
		c.advance(s)
		m.videoClock.Store(int64(s.Timestamp))
		req.finish(s, nil)
		return
	}
}

// resolveAudio polls until a full quantum is buffered. Once the retry
// budget is spent and the stream lags the video clock, whatever audio is
// buffered is emitted, and silence only when the buffer is empty. A stream
// already level with the video clock keeps polling.
func (m *Multiplexer) resolveAudio(req *Request, c *Cursor, st *audioStream) {
	for attempt := 0; ; attempt++ {
		if m.ctx.Err() != nil {
			req.finish(core.Sample{}, core.ErrEndOfStream)
			return
		}
		if attempt >= m.opts.RetryAttempts && c.LastEmittedEnd() < m.VideoClock() {
			if s, ok := m.drainAudio(c, st); ok {
				req.finish(s, nil)
				return
			}
			req.finish(m.underrunSilence(c, st), nil)
			return
		}

		select {
		case <-m.opts.Clock.After(m.opts.RetryDelay):
		case <-m.ctx.Done():
			req.finish(core.Sample{}, core.ErrEndOfStream)
			return
		}
		if s, ok := m.tryAudio(c, st); ok {
			req.finish(s, nil)
			return
		}
	}
}

// tryAudio emits the next full quantum if one can be produced without
// waiting. Pre-roll slices and slices fully covered by emitted time are
// skipped.
func (m *Multiplexer) tryAudio(c *Cursor, st *audioStream) (core.Sample, bool) {
	return m.pullAudio(c, st, st.buf.PullExact)
}

// drainAudio is tryAudio for whatever whole frames are buffered, up to a
// quantum.
func (m *Multiplexer) drainAudio(c *Cursor, st *audioStream) (core.Sample, bool) {
	return m.pullAudio(c, st, st.buf.PullUpTo)
}

func (m *Multiplexer) pullAudio(c *Cursor, st *audioStream, pull func(n int) ([]byte, time.Duration, bool)) (core.Sample, bool) {
	if st.held != nil {
		held := st.held
		st.held = nil
		s := m.audioSample(c, st.format, held.data)
		c.advance(s)
		return s, true
	}

	n := st.format.BytesForDuration(m.opts.Quantum)
	epoch := c.StartEpoch()
	for {
		data, ts, ok := pull(n)
		if !ok {
			return core.Sample{}, false
		}
		if ts < epoch {
			c.count(func(s *Stats) { s.PreRollDiscards++ })
			continue
		}
		if s, ok := m.place(c, st, data, ts-epoch); ok {
			return s, true
		}
	}
}

// place aligns a pulled slice with the stream's emitted timeline.
func (m *Multiplexer) place(c *Cursor, st *audioStream, data []byte, rel time.Duration) (core.Sample, bool) {
	end := c.LastEmittedEnd()

	switch {
	case rel > end+m.opts.MaxJitter:
		st.held = &heldSlice{data: data}
		m.logger.Debug("Bridging audio gap", "stream", c.Stream(), "from", end, "to", rel)
		return m.silence(c, st.format, rel-end), true

	case rel < end-m.opts.MaxJitter:
		trim := st.format.BytesCeil(end - rel)
		if trim >= len(data) {
			c.count(func(s *Stats) { s.TrimmedBytes += int64(len(data)) })
			return core.Sample{}, false
		}
		c.count(func(s *Stats) { s.TrimmedBytes += int64(trim) })
		data = data[trim:]
	}

	s := m.audioSample(c, st.format, data)
	c.advance(s)
	return s, true
}

func (m *Multiplexer) audioSample(c *Cursor, format core.PCMFormat, data []byte) core.Sample {
	return core.Sample{
		Stream:    c.Stream(),
		Data:      data,
		Timestamp: c.LastEmittedEnd(),
		Duration:  format.DurationOf(len(data)),
		IsKey:     true,
	}
}

// underrunSilence fills from the stream's last emitted end up to the
// video clock, never shorter than MinSilence.
func (m *Multiplexer) underrunSilence(c *Cursor, st *audioStream) core.Sample {
	gap := m.VideoClock() - c.LastEmittedEnd()
	if gap < m.opts.MinSilence {
		gap = m.opts.MinSilence
	}
	m.logger.Debug("Audio underrun, emitting silence", "stream", c.Stream(), "at", c.LastEmittedEnd(), "duration", gap)
	return m.silence(c, st.format, gap)
}

// silence covers d with zeroed frames. The duration is that of the
// rounded payload so container timing matches the bytes.
func (m *Multiplexer) silence(c *Cursor, format core.PCMFormat, d time.Duration) core.Sample {
	data := make([]byte, format.BytesForDuration(d))
	s := core.Sample{
		Stream:    c.Stream(),
		Data:      data,
		Timestamp: c.LastEmittedEnd(),
		Duration:  format.DurationOf(len(data)),
		IsKey:     true,
		Silence:   true,
	}
	c.advance(s)
	return s
}
