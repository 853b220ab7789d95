package ingest

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 100 * time.Nanosecond

// tickFormat makes one byte last exactly one tick.
var tickFormat = core.PCMFormat{SampleRate: 5_000_000, Channels: 1, BitsPerSample: 16}

func chunkOf(fill byte, size int, ts time.Duration) core.Chunk {
	return core.Chunk{Data: bytes.Repeat([]byte{fill}, size), Timestamp: ts}
}

func pushScenario(b *Buffer) {
	b.Push(chunkOf(1, 1000, 0))
	b.Push(chunkOf(2, 1000, 1000*tick))
	b.Push(chunkOf(3, 1000, 2000*tick))
}

func TestBuffer_PullExactAcrossChunks(t *testing.T) {
	b := New(tickFormat)
	pushScenario(b)

	data, ts, ok := b.PullExact(1500)
	require.True(t, ok)
	assert.Len(t, data, 1500)
	assert.Equal(t, time.Duration(0), ts)
	assert.Equal(t, bytes.Repeat([]byte{1}, 1000), data[:1000])
	assert.Equal(t, bytes.Repeat([]byte{2}, 500), data[1000:])

	data, ts, ok = b.PullExact(1500)
	require.True(t, ok)
	assert.Len(t, data, 1500)
	assert.Equal(t, 1500*tick, ts, "second slice starts mid-chunk")
	assert.Equal(t, bytes.Repeat([]byte{2}, 500), data[:500])
	assert.Equal(t, bytes.Repeat([]byte{3}, 1000), data[500:])

	assert.Equal(t, 0, b.Len())
}

func TestBuffer_PullExactNotReady(t *testing.T) {
	b := New(tickFormat)
	b.Push(chunkOf(1, 400, 0))

	data, _, ok := b.PullExact(500)
	assert.False(t, ok)
	assert.Nil(t, data)
	assert.Equal(t, 400, b.Len(), "a failed pull must not consume")

	b.Push(chunkOf(2, 100, 400*tick))
	data, _, ok = b.PullExact(500)
	require.True(t, ok)
	assert.Len(t, data, 500)

	_, _, ok = b.PullExact(0)
	assert.False(t, ok)
}

func TestBuffer_DiscardBefore(t *testing.T) {
	b := New(tickFormat)
	pushScenario(b)

	dropped := b.DiscardBefore(2500 * tick)
	assert.Equal(t, 2500, dropped)
	assert.Equal(t, 500, b.Len())

	data, ts, ok := b.PullExact(500)
	require.True(t, ok)
	assert.Equal(t, 2500*tick, ts)
	assert.Equal(t, bytes.Repeat([]byte{3}, 500), data)
}

func TestBuffer_DiscardBeforeNeverLeaksPreRoll(t *testing.T) {
	cutoffs := []time.Duration{0, 1 * tick, 999 * tick, 1000 * tick, 1001 * tick, 2999 * tick, 5000 * tick}
	for _, cutoff := range cutoffs {
		b := New(tickFormat)
		pushScenario(b)
		b.DiscardBefore(cutoff)

		for {
			_, ts, ok := b.PullExact(2)
			if !ok {
				break
			}
			assert.GreaterOrEqual(t, ts, cutoff)
		}
	}
}

func TestBuffer_DiscardAlignsToFrames(t *testing.T) {
	format := core.PCMFormat{SampleRate: 48000, Channels: 2, BitsPerSample: 16}
	b := New(format)
	b.Push(core.Chunk{Data: make([]byte, 4*480), Timestamp: 0}) // 10ms

	b.DiscardBefore(3 * time.Millisecond)
	assert.Equal(t, 0, (4*480-b.Len())%format.BlockAlign())

	_, ts, ok := b.PullExact(4)
	require.True(t, ok)
	assert.GreaterOrEqual(t, ts, 3*time.Millisecond)
}

func TestBuffer_ResetAndRelease(t *testing.T) {
	b := New(tickFormat)
	pushScenario(b)

	b.Reset()
	assert.Equal(t, 0, b.Len())
	b.Push(chunkOf(4, 10, 0))
	assert.Equal(t, 10, b.Len())

	assert.True(t, b.Release())
	assert.False(t, b.Release(), "second release is a no-op")
	assert.True(t, b.Released())

	b.Push(chunkOf(5, 10, 0))
	assert.Equal(t, 0, b.Len())
	_, _, ok := b.PullExact(1)
	assert.False(t, ok)
}

func TestBuffer_Stats(t *testing.T) {
	b := New(tickFormat)
	pushScenario(b)
	b.DiscardBefore(500 * tick)
	_, _, ok := b.PullExact(1000)
	require.True(t, ok)

	st := b.Stats()
	assert.Equal(t, int64(3000), st.Pushed)
	assert.Equal(t, int64(500), st.Discarded)
	assert.Equal(t, int64(1000), st.Pulled)
	assert.Equal(t, 1500, st.Buffered)
}

func TestBuffer_ConcurrentPushPull(t *testing.T) {
	b := New(tickFormat)
	const chunks = 200
	const chunkSize = 64

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < chunks; i++ {
			b.Push(chunkOf(byte(i), chunkSize, time.Duration(i*chunkSize)*tick))
		}
	}()

	total := 0
	last := time.Duration(-1)
	deadline := time.Now().Add(5 * time.Second)
	for total < chunks*chunkSize && time.Now().Before(deadline) {
		data, ts, ok := b.PullExact(48)
		if !ok {
			if total+48 > chunks*chunkSize {
				break
			}
			time.Sleep(time.Millisecond)
			continue
		}
		assert.Len(t, data, 48)
		assert.Greater(t, ts, last)
		last = ts
		total += len(data)
	}
	wg.Wait()

	assert.Equal(t, chunks*chunkSize-total, b.Len())
}

func TestBuffer_PullUpTo(t *testing.T) {
	b := New(tickFormat)
	b.Push(chunkOf(1, 1000, 0))

	data, ts, ok := b.PullUpTo(600)
	require.True(t, ok)
	assert.Len(t, data, 600)
	assert.Equal(t, time.Duration(0), ts)

	data, ts, ok = b.PullUpTo(1000)
	require.True(t, ok)
	assert.Len(t, data, 400, "short reads return what is buffered")
	assert.Equal(t, 600*tick, ts)

	b.Push(chunkOf(2, 101, 1000*tick))
	data, ts, ok = b.PullUpTo(1000)
	require.True(t, ok)
	assert.Len(t, data, 100, "partial frames stay buffered")
	assert.Equal(t, 1000*tick, ts)

	_, _, ok = b.PullUpTo(1000)
	assert.False(t, ok)
	assert.Equal(t, 1, b.Len())

	b.Release()
	_, _, ok = b.PullUpTo(1000)
	assert.False(t, ok)
}
