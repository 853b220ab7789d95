package mux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

var stereo48k = core.PCMFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}

// fakeFrames is a FrameSource fed through a channel. Closing the channel
// signals end of stream unless failWith is set.
type fakeFrames struct {
	frames   chan core.Frame
	failWith error
	closed   atomic.Int32
}

func newFakeFrames(frames ...core.Frame) *fakeFrames {
	f := &fakeFrames{frames: make(chan core.Frame, 64)}
	for _, fr := range frames {
		f.frames <- fr
	}
	return f
}

func (f *fakeFrames) NextFrame(ctx context.Context) (core.Frame, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			if f.failWith != nil {
				return core.Frame{}, f.failWith
			}
			return core.Frame{}, core.ErrEndOfStream
		}
		return fr, nil
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	}
}

func (f *fakeFrames) Close() error {
	f.closed.Add(1)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryDelay = time.Millisecond
	opts.Logger = quietLogger()
	return opts
}

func newMicMux(t *testing.T, video core.FrameSource, opts Options) (*Multiplexer, *ingest.Buffer) {
	t.Helper()
	mic := ingest.New(stereo48k)
	m, err := New(video, []AudioInput{{Stream: core.StreamMic, Buffer: mic}}, opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, mic
}

func pcm(d time.Duration, ts time.Duration, fill byte) core.Chunk {
	return core.Chunk{Data: bytes.Repeat([]byte{fill}, stereo48k.BytesForDuration(d)), Timestamp: ts}
}

func next(t *testing.T, m *Multiplexer, id core.StreamID) core.Sample {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := m.Next(ctx, id)
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, testOptions())
	assert.Error(t, err)

	_, err = New(newFakeFrames(), []AudioInput{{Stream: core.StreamVideo, Buffer: ingest.New(stereo48k)}}, testOptions())
	assert.Error(t, err)

	_, err = New(newFakeFrames(), []AudioInput{{Stream: core.StreamMic}}, testOptions())
	assert.Error(t, err)

	dup := []AudioInput{
		{Stream: core.StreamMic, Buffer: ingest.New(stereo48k)},
		{Stream: core.StreamMic, Buffer: ingest.New(stereo48k)},
	}
	_, err = New(newFakeFrames(), dup, testOptions())
	assert.Error(t, err)

	bad := []AudioInput{{Stream: core.StreamLoopback, Buffer: ingest.New(core.PCMFormat{SampleRate: 48000})}}
	_, err = New(newFakeFrames(), bad, testOptions())
	assert.Error(t, err)
}

func TestMultiplexer_Streams(t *testing.T) {
	in := []AudioInput{
		{Stream: core.StreamMic, Buffer: ingest.New(stereo48k)},
		{Stream: core.StreamLoopback, Buffer: ingest.New(stereo48k)},
	}
	m, err := New(newFakeFrames(), in, testOptions())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []core.StreamID{core.StreamVideo, core.StreamLoopback, core.StreamMic}, m.Streams())
	f, ok := m.Format(core.StreamMic)
	assert.True(t, ok)
	assert.Equal(t, stereo48k, f)
	_, ok = m.Format(core.StreamVideo)
	assert.False(t, ok)
}

func TestRequestSample_BeforeBeginAndUnknownStream(t *testing.T) {
	m, _ := newMicMux(t, newFakeFrames(), testOptions())

	_, err := m.RequestSample(core.StreamMic).Result()
	assert.ErrorIs(t, err, core.ErrNotStarted)

	m.Begin(0, core.Frame{})
	_, err = m.RequestSample(core.StreamLoopback).Result()
	assert.ErrorIs(t, err, core.ErrUnknownStream)
}

func TestVideo_LookaheadDurations(t *testing.T) {
	epoch := time.Second
	video := newFakeFrames(
		core.Frame{Data: []byte{2}, Timestamp: epoch + 33*time.Millisecond},
		core.Frame{Data: []byte{3}, Timestamp: epoch + 66*time.Millisecond},
	)
	m, _ := newMicMux(t, video, testOptions())
	m.Begin(epoch, core.Frame{Data: []byte{1}, Timestamp: epoch, IsKey: true})

	s := next(t, m, core.StreamVideo)
	assert.Equal(t, time.Duration(0), s.Timestamp)
	assert.Equal(t, 33*time.Millisecond, s.Duration)
	assert.Equal(t, []byte{1}, s.Data)
	assert.True(t, s.IsKey)

	s = next(t, m, core.StreamVideo)
	assert.Equal(t, 33*time.Millisecond, s.Timestamp)
	assert.Equal(t, 33*time.Millisecond, s.Duration)
	assert.Equal(t, []byte{2}, s.Data)

	assert.Equal(t, 33*time.Millisecond, m.VideoClock())
	assert.Equal(t, 66*time.Millisecond, m.Stats()[core.StreamVideo].Emitted)
}

func TestVideo_DropsNonAdvancingFrames(t *testing.T) {
	video := newFakeFrames(
		core.Frame{Data: []byte{9}, Timestamp: 0},
		core.Frame{Data: []byte{2}, Timestamp: 40 * time.Millisecond},
	)
	m, _ := newMicMux(t, video, testOptions())
	m.Begin(0, core.Frame{Data: []byte{1}, Timestamp: 0})

	s := next(t, m, core.StreamVideo)
	assert.Equal(t, []byte{1}, s.Data)
	assert.Equal(t, 40*time.Millisecond, s.Duration)
	assert.Equal(t, int64(1), m.Stats()[core.StreamVideo].DroppedFrames)
}

func TestVideo_EndOfStreamTerminates(t *testing.T) {
	video := newFakeFrames(core.Frame{Timestamp: 33 * time.Millisecond})
	close(video.frames)
	m, _ := newMicMux(t, video, testOptions())

	var causes []error
	m.OnTerminate(func(err error) { causes = append(causes, err) })
	m.Begin(0, core.Frame{})

	next(t, m, core.StreamVideo)
	_, err := m.Next(context.Background(), core.StreamVideo)
	assert.ErrorIs(t, err, core.ErrEndOfStream)

	assert.True(t, m.Terminated())
	assert.NoError(t, m.Err())
	assert.Equal(t, []error{nil}, causes)

	for _, id := range m.Streams() {
		_, err := m.RequestSample(id).Result()
		assert.ErrorIs(t, err, core.ErrEndOfStream, "stream %s", id)
	}

	m.Close()
	assert.Len(t, causes, 1, "terminate hook runs once")
}

func TestVideo_SourceFaultFailsSession(t *testing.T) {
	video := newFakeFrames()
	video.failWith = errors.New("display lost")
	close(video.frames)
	m, _ := newMicMux(t, video, testOptions())
	m.Begin(0, core.Frame{})

	_, err := m.Next(context.Background(), core.StreamVideo)
	assert.ErrorIs(t, err, core.ErrSessionFailed)
	assert.ErrorIs(t, m.Err(), core.ErrSessionFailed)

	_, err = m.RequestSample(core.StreamMic).Result()
	assert.ErrorIs(t, err, core.ErrEndOfStream)
}

func TestAudio_InlineResolution(t *testing.T) {
	epoch := 2 * time.Second
	m, mic := newMicMux(t, newFakeFrames(), testOptions())
	mic.Push(pcm(100*time.Millisecond, epoch, 1))
	m.Begin(epoch, core.Frame{Timestamp: epoch})

	req := m.RequestSample(core.StreamMic)
	assert.False(t, req.Deferred())
	s, err := req.Result()
	require.NoError(t, err)
	assert.Equal(t, core.StreamMic, s.Stream)
	assert.Equal(t, time.Duration(0), s.Timestamp)
	assert.Equal(t, 100*time.Millisecond, s.Duration)
	assert.Len(t, s.Data, stereo48k.BytesForDuration(100*time.Millisecond))
	assert.False(t, s.Silence)
}

func TestAudio_SkipsPreRoll(t *testing.T) {
	epoch := time.Second
	m, mic := newMicMux(t, newFakeFrames(), testOptions())
	mic.Push(pcm(100*time.Millisecond, epoch-100*time.Millisecond, 1))
	mic.Push(pcm(100*time.Millisecond, epoch, 2))
	m.Begin(epoch, core.Frame{Timestamp: epoch})

	s, err := m.RequestSample(core.StreamMic).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), s.Timestamp)
	assert.Equal(t, byte(2), s.Data[0])
	assert.Equal(t, int64(1), m.Stats()[core.StreamMic].PreRollDiscards)
}

func TestAudio_GapBridgedWithSilence(t *testing.T) {
	m, mic := newMicMux(t, newFakeFrames(), testOptions())
	mic.Push(pcm(100*time.Millisecond, 0, 1))
	mic.Push(pcm(100*time.Millisecond, 150*time.Millisecond, 2))
	m.Begin(0, core.Frame{})

	first := next(t, m, core.StreamMic)
	gap := next(t, m, core.StreamMic)
	held := next(t, m, core.StreamMic)

	assert.False(t, first.Silence)
	assert.True(t, gap.Silence)
	assert.Equal(t, 100*time.Millisecond, gap.Timestamp)
	assert.Equal(t, 50*time.Millisecond, gap.Duration)
	assert.Len(t, gap.Data, stereo48k.BytesForDuration(50*time.Millisecond))

	assert.Equal(t, 150*time.Millisecond, held.Timestamp)
	assert.Equal(t, byte(2), held.Data[0])
	assert.Equal(t, 250*time.Millisecond, m.Stats()[core.StreamMic].Emitted)
}

func TestAudio_OverlapTrimmed(t *testing.T) {
	m, mic := newMicMux(t, newFakeFrames(), testOptions())
	mic.Push(pcm(100*time.Millisecond, 0, 1))
	mic.Push(pcm(100*time.Millisecond, 50*time.Millisecond, 2))
	m.Begin(0, core.Frame{})

	next(t, m, core.StreamMic)
	s := next(t, m, core.StreamMic)
	assert.Equal(t, 100*time.Millisecond, s.Timestamp)
	assert.Equal(t, 50*time.Millisecond, s.Duration)
	assert.Equal(t, int64(stereo48k.BytesForDuration(50*time.Millisecond)), m.Stats()[core.StreamMic].TrimmedBytes)
}

func TestAudio_JitterSnapped(t *testing.T) {
	m, mic := newMicMux(t, newFakeFrames(), testOptions())
	mic.Push(pcm(100*time.Millisecond, 0, 1))
	mic.Push(pcm(100*time.Millisecond, 105*time.Millisecond, 2))
	m.Begin(0, core.Frame{})

	next(t, m, core.StreamMic)
	s := next(t, m, core.StreamMic)
	assert.False(t, s.Silence)
	assert.Equal(t, 100*time.Millisecond, s.Timestamp)
	assert.Equal(t, byte(2), s.Data[0])
}

func TestAudio_UnderrunFillsToVideoClock(t *testing.T) {
	m, _ := newMicMux(t, newFakeFrames(), testOptions())
	m.Begin(0, core.Frame{})

	c, ok := m.Cursor(core.StreamMic)
	require.True(t, ok)
	c.lastEmittedEnd = 460 * time.Millisecond
	m.videoClock.Store(int64(500 * time.Millisecond))

	req := m.RequestSample(core.StreamMic)
	assert.True(t, req.Deferred())
	s, err := req.Wait(context.Background())
	require.NoError(t, err)

	assert.True(t, s.Silence)
	assert.Equal(t, 460*time.Millisecond, s.Timestamp)
	assert.Equal(t, 40*time.Millisecond, s.Duration)
	assert.Len(t, s.Data, stereo48k.FramesForDuration(40*time.Millisecond)*stereo48k.BlockAlign())
	assert.Equal(t, make([]byte, len(s.Data)), s.Data)
	assert.Equal(t, 500*time.Millisecond, c.LastEmittedEnd())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Underruns)
	assert.Equal(t, int64(1), st.SilenceSamples)
	assert.Equal(t, 40*time.Millisecond, st.SilenceDuration)
}

func TestAudio_UnderrunClampedToMinimum(t *testing.T) {
	tests := []struct {
		name       string
		videoClock time.Duration
		lastEnd    time.Duration
		want       time.Duration
	}{
		{"gap below floor", 305 * time.Millisecond, 300 * time.Millisecond, 20 * time.Millisecond},
		{"gap above floor", 335 * time.Millisecond, 300 * time.Millisecond, 35 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMicMux(t, newFakeFrames(), testOptions())
			m.Begin(0, core.Frame{})
			c, _ := m.Cursor(core.StreamMic)
			c.lastEmittedEnd = tt.lastEnd
			m.videoClock.Store(int64(tt.videoClock))

			s := next(t, m, core.StreamMic)
			assert.Equal(t, tt.lastEnd, s.Timestamp)
			assert.Equal(t, tt.want, s.Duration)
			assert.Equal(t, tt.lastEnd+tt.want, c.LastEmittedEnd())
		})
	}
}

func TestAudio_DeferredCompletesAfterRetries(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	opts := testOptions()
	opts.Clock = fc
	opts.RetryDelay = 10 * time.Millisecond
	m, mic := newMicMux(t, newFakeFrames(), opts)
	m.Begin(0, core.Frame{})

	req := m.RequestSample(core.StreamMic)
	require.True(t, req.Deferred())
	_, err := req.Result()
	assert.ErrorIs(t, err, core.ErrRequestPending)

	second := m.RequestSample(core.StreamMic)
	_, err = second.Result()
	assert.ErrorIs(t, err, core.ErrRequestPending, "only one outstanding request per stream")

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	mic.Push(pcm(100*time.Millisecond, 0, 7))
	fc.Step(10 * time.Millisecond)

	s, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Silence)
	assert.Equal(t, byte(7), s.Data[0])

	mic.Push(pcm(100*time.Millisecond, 100*time.Millisecond, 8))
	s, err = m.RequestSample(core.StreamMic).Result()
	require.NoError(t, err, "stream accepts a new request once the previous one resolved")
	assert.Equal(t, 100*time.Millisecond, s.Timestamp)
}

func TestAudio_RetryBudget(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	opts := testOptions()
	opts.Clock = fc
	opts.RetryDelay = 10 * time.Millisecond
	m, _ := newMicMux(t, newFakeFrames(), opts)
	m.Begin(0, core.Frame{})
	m.videoClock.Store(int64(5 * time.Millisecond))

	req := m.RequestSample(core.StreamMic)
	for i := 0; i < opts.RetryAttempts; i++ {
		_, err := req.Result()
		require.ErrorIs(t, err, core.ErrRequestPending, "resolved before retry %d", i+1)
		require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(10 * time.Millisecond)
	}

	s, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Silence)
	assert.Equal(t, 20*time.Millisecond, s.Duration)
}

func TestAudio_WaitsWhileLevelWithVideo(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	opts := testOptions()
	opts.Clock = fc
	opts.RetryDelay = 10 * time.Millisecond
	m, mic := newMicMux(t, newFakeFrames(), opts)
	m.Begin(0, core.Frame{})
	c, _ := m.Cursor(core.StreamMic)
	c.lastEmittedEnd = 300 * time.Millisecond
	m.videoClock.Store(int64(100 * time.Millisecond))

	req := m.RequestSample(core.StreamMic)
	for i := 0; i < 3*opts.RetryAttempts; i++ {
		require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
		fc.Step(10 * time.Millisecond)
		_, err := req.Result()
		require.ErrorIs(t, err, core.ErrRequestPending, "no silence ahead of the video clock")
	}

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	mic.Push(pcm(100*time.Millisecond, 300*time.Millisecond, 5))
	fc.Step(10 * time.Millisecond)

	s, err := req.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Silence)
	assert.Equal(t, 300*time.Millisecond, s.Timestamp)
	assert.Equal(t, 100*time.Millisecond, s.Duration)
	assert.Equal(t, int64(0), c.Stats().SilenceSamples)
}

func TestAudio_UnderrunServesBufferedAudio(t *testing.T) {
	m, mic := newMicMux(t, newFakeFrames(), testOptions())
	m.Begin(0, core.Frame{})
	m.videoClock.Store(int64(50 * time.Millisecond))
	mic.Push(pcm(30*time.Millisecond, 0, 4))

	req := m.RequestSample(core.StreamMic)
	assert.True(t, req.Deferred(), "less than a quantum is buffered")
	s, err := req.Wait(context.Background())
	require.NoError(t, err)

	assert.False(t, s.Silence)
	assert.Equal(t, time.Duration(0), s.Timestamp)
	assert.Equal(t, 30*time.Millisecond, s.Duration)
	assert.Equal(t, byte(4), s.Data[0])

	st := m.Stats()[core.StreamMic]
	assert.Equal(t, int64(1), st.Underruns)
	assert.Equal(t, int64(0), st.SilenceSamples)
}

func TestAudio_SilenceDurationMatchesPayload(t *testing.T) {
	format := core.PCMFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}
	buf := ingest.New(format)
	m, err := New(newFakeFrames(), []AudioInput{{Stream: core.StreamMic, Buffer: buf}}, testOptions())
	require.NoError(t, err)
	defer m.Close()
	m.Begin(0, core.Frame{})

	gap := 30*time.Millisecond + 11*time.Microsecond
	m.videoClock.Store(int64(gap))

	s := next(t, m, core.StreamMic)
	assert.True(t, s.Silence)
	assert.Len(t, s.Data, 1323*format.BlockAlign())
	assert.Equal(t, 30*time.Millisecond, s.Duration)
	assert.Equal(t, format.DurationOf(len(s.Data)), s.Duration)

	c, _ := m.Cursor(core.StreamMic)
	assert.Equal(t, s.Duration, c.LastEmittedEnd())
}

func TestAudio_PanicFailsSession(t *testing.T) {
	m, _ := newMicMux(t, newFakeFrames(), testOptions())
	m.Begin(0, core.Frame{})
	m.audio[core.StreamMic].buf = nil

	req := m.RequestSample(core.StreamMic)
	assert.False(t, req.Deferred())
	_, err := req.Result()
	assert.ErrorIs(t, err, core.ErrSessionFailed)
	assert.True(t, m.Terminated())
	assert.ErrorIs(t, m.Err(), core.ErrSessionFailed)

	_, err = m.RequestSample(core.StreamVideo).Result()
	assert.ErrorIs(t, err, core.ErrEndOfStream)
}

func TestAudio_RealTimeCaptureKeepsRealAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("runs in real time")
	}
	const (
		frameInterval = 33 * time.Millisecond
		chunk         = 10 * time.Millisecond
		capture       = 1500 * time.Millisecond
	)
	opts := testOptions()
	opts.RetryDelay = 10 * time.Millisecond
	video := newFakeFrames()
	m, mic := newMicMux(t, video, opts)

	start := time.Now()
	m.Begin(0, core.Frame{})

	ctx, cancel := context.WithCancel(context.Background())
	var producers sync.WaitGroup
	every := func(d time.Duration, fn func()) {
		defer producers.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}
	producers.Add(2)
	go every(frameInterval, func() {
		select {
		case video.frames <- core.Frame{Timestamp: time.Since(start)}:
		case <-ctx.Done():
		}
	})
	var captured time.Duration
	go every(chunk, func() {
		for captured+chunk <= time.Since(start) {
			mic.Push(pcm(chunk, captured, 1))
			captured += chunk
		}
	})

	var realAudio, silentAudio time.Duration
	var pullers sync.WaitGroup
	pullers.Add(2)
	pull := func(id core.StreamID, record func(core.Sample)) {
		defer pullers.Done()
		for time.Since(start) < capture {
			reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
			s, err := m.Next(reqCtx, id)
			reqCancel()
			if !assert.NoError(t, err, "stream %s", id) {
				return
			}
			record(s)
		}
	}
	go pull(core.StreamVideo, func(core.Sample) {})
	go pull(core.StreamMic, func(s core.Sample) {
		if s.Silence {
			silentAudio += s.Duration
		} else {
			realAudio += s.Duration
		}
	})
	pullers.Wait()
	cancel()
	producers.Wait()

	assert.Greater(t, realAudio, capture/2, "captured audio reaches the output")
	assert.Less(t, silentAudio, capture/10, "silence only covers real gaps")
	assert.Less(t, m.Stats()[core.StreamMic].TrimmedBytes, int64(stereo48k.BytesForDuration(capture/10)))
}

func TestAudio_CloseResolvesDeferred(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	opts := testOptions()
	opts.Clock = fc
	m, _ := newMicMux(t, newFakeFrames(), opts)
	m.Begin(0, core.Frame{})

	req := m.RequestSample(core.StreamMic)
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	m.Close()

	_, err := req.Wait(context.Background())
	assert.ErrorIs(t, err, core.ErrEndOfStream)
	m.Wait()
}

func TestRequest_WaitHonoursContext(t *testing.T) {
	m, _ := newMicMux(t, newFakeFrames(), testOptions())
	m.Begin(0, core.Frame{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.Next(ctx, core.StreamVideo)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreams_Monotonic(t *testing.T) {
	const frameDur = 33 * time.Millisecond
	video := newFakeFrames()
	m, mic := newMicMux(t, video, testOptions())
	m.Begin(0, core.Frame{})

	// audio arrives in bursts with a hole between 300ms and 420ms
	go func() {
		for ts := time.Duration(0); ts < 300*time.Millisecond; ts += 30 * time.Millisecond {
			mic.Push(pcm(30*time.Millisecond, ts, 1))
		}
		for ts := 420 * time.Millisecond; ts < 900*time.Millisecond; ts += 30 * time.Millisecond {
			mic.Push(pcm(30*time.Millisecond, ts, 2))
		}
	}()
	for i := 1; i <= 30; i++ {
		video.frames <- core.Frame{Timestamp: time.Duration(i) * frameDur}
	}

	var wg sync.WaitGroup
	check := func(id core.StreamID, n int) {
		defer wg.Done()
		var prev *core.Sample
		for i := 0; i < n; i++ {
			s, err := m.Next(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			if prev != nil {
				assert.LessOrEqual(t, prev.End(), s.Timestamp, "%s sample %d", id, i)
				if !s.Silence && !prev.Silence && id == core.StreamVideo {
					assert.Equal(t, prev.End(), s.Timestamp)
				}
			}
			prev = &s
		}
	}
	wg.Add(2)
	go check(core.StreamVideo, 25)
	go check(core.StreamMic, 8)
	wg.Wait()
}
