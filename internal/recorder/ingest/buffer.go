package ingest

import (
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// segment is one pushed chunk; bytes before the buffer's head offset
// have already been consumed.
type segment struct {
	data []byte
	ts   time.Duration
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Buffered  int
	Pushed    int64
	Pulled    int64
	Discarded int64
}

// Buffer accumulates PCM chunks pushed by a capture callback and serves
// them back as exact-size slices. It is safe for one producer and one
// consumer to use concurrently.
type Buffer struct {
	mu       sync.Mutex
	format   core.PCMFormat
	segs     []segment
	head     int // read offset into segs[0]
	size     int // unread bytes across all segments
	released bool

	pushed    int64
	pulled    int64
	discarded int64
}

// New creates an empty buffer for audio in the given format.
func New(format core.PCMFormat) *Buffer {
	return &Buffer{format: format}
}

// Format returns the PCM format of the buffered audio.
func (b *Buffer) Format() core.PCMFormat {
	return b.format
}

// Push appends a chunk to the tail. Empty chunks and pushes after
// Release are ignored.
func (b *Buffer) Push(c core.Chunk) {
	if len(c.Data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return
	}
	b.segs = append(b.segs, segment{data: c.Data, ts: c.Timestamp})
	b.size += len(c.Data)
	b.pushed += int64(len(c.Data))
}

// DiscardBefore evicts every buffered byte whose timestamp precedes
// instant and returns the number of bytes dropped. A chunk straddling
// instant loses only its leading bytes, rounded up to a whole frame.
func (b *Buffer) DiscardBefore(instant time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for len(b.segs) > 0 {
		seg := b.segs[0]
		end := seg.ts + b.format.DurationOf(len(seg.data))
		if end <= instant {
			dropped += len(seg.data) - b.head
			b.popFront()
			continue
		}

		start := seg.ts + b.format.DurationOf(b.head)
		if start < instant {
			cut := b.format.BytesCeil(instant - seg.ts)
			if cut >= len(seg.data) {
				dropped += len(seg.data) - b.head
				b.popFront()
				continue
			}
			if cut > b.head {
				dropped += cut - b.head
				b.head = cut
			}
		}
		break
	}

	b.size -= dropped
	b.discarded += int64(dropped)
	return dropped
}

// PullExact returns exactly n bytes from the read position together with
// the timestamp of the first returned byte. When fewer than n bytes are
// buffered it returns ok == false and consumes nothing. It never blocks.
func (b *Buffer) PullExact(n int) (data []byte, ts time.Duration, ok bool) {
	if n <= 0 {
		return nil, 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released || b.size < n {
		return nil, 0, false
	}
	data, ts = b.take(n)
	return data, ts, true
}

// PullUpTo returns at most n bytes, trimmed to whole frames, from the read
// position. It returns ok == false when not even one frame is buffered.
func (b *Buffer) PullUpTo(n int) (data []byte, ts time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.size {
		n = b.size
	}
	if align := b.format.BlockAlign(); align > 1 {
		n -= n % align
	}
	if b.released || n <= 0 {
		return nil, 0, false
	}
	data, ts = b.take(n)
	return data, ts, true
}

func (b *Buffer) take(n int) ([]byte, time.Duration) {
	ts := b.segs[0].ts + b.format.DurationOf(b.head)
	data := make([]byte, n)
	copied := 0
	for copied < n {
		seg := b.segs[0]
		c := copy(data[copied:], seg.data[b.head:])
		copied += c
		b.head += c
		if b.head == len(seg.data) {
			b.popFront()
		}
	}

	b.size -= n
	b.pulled += int64(n)
	return data, ts
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Reset drops all buffered bytes. The buffer stays usable.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.discarded += int64(b.size)
	b.clear()
}

// Release drops all buffered bytes and rejects further pushes. It reports
// whether this call performed the release.
func (b *Buffer) Release() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return false
	}
	b.released = true
	b.clear()
	return true
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Buffered:  b.size,
		Pushed:    b.pushed,
		Pulled:    b.pulled,
		Discarded: b.discarded,
	}
}

func (b *Buffer) popFront() {
	b.segs[0] = segment{}
	b.segs = b.segs[1:]
	b.head = 0
}

func (b *Buffer) clear() {
	b.segs = nil
	b.head = 0
	b.size = 0
}
