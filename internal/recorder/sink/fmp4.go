package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/vishalkuo/bimap"
)

const videoTimeScale = 90000

// DefaultFlushInterval is how often buffered samples are written as a fragment.
const DefaultFlushInterval = 150 * time.Millisecond

type fmp4Track struct {
	id        int
	stream    core.StreamID
	timeScale uint32
	codec     mp4.Codec

	samples  []*fmp4.Sample
	baseTime uint64
	written  int64
}

// FMP4Writer writes fragmented MP4 with an H.264 video track and LPCM
// audio tracks. The init segment is emitted once the first access unit
// carrying SPS and PPS arrives; samples seen before that are held.
type FMP4Writer struct {
	writer  io.Writer
	logger  *slog.Logger
	flusher http.Flusher

	// FlushInterval bounds how long samples stay buffered before being
	// written as a fragment.
	FlushInterval time.Duration

	mu             sync.Mutex
	ids            *bimap.BiMap[core.StreamID, int]
	tracks         map[int]*fmp4Track
	held           []core.Sample
	initSent       bool
	closed         bool
	sequenceNumber uint32
}

// NewFMP4Writer creates a new fMP4 writer
func NewFMP4Writer(w io.Writer, logger *slog.Logger) *FMP4Writer {
	if logger == nil {
		logger = slog.Default()
	}
	fw := &FMP4Writer{
		writer:         w,
		logger:         logger.With("component", "fmp4_writer"),
		FlushInterval:  DefaultFlushInterval,
		ids:            bimap.NewBiMap[core.StreamID, int](),
		tracks:         make(map[int]*fmp4Track),
		sequenceNumber: 1,
	}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

// Initialize declares the tracks. Track IDs follow declaration order.
func (w *FMP4Writer) Initialize(tracks []Track) error {
	if err := validateTracks(tracks); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.tracks) > 0 {
		return fmt.Errorf("fmp4 writer already initialized")
	}
	for i, t := range tracks {
		tr := &fmp4Track{id: i + 1, stream: t.Stream}
		if t.Stream == core.StreamVideo {
			tr.timeScale = videoTimeScale
		} else {
			tr.timeScale = uint32(t.Format.SampleRate)
			tr.codec = &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     t.Format.BitsPerSample,
				SampleRate:   t.Format.SampleRate,
				ChannelCount: t.Format.Channels,
			}
		}
		w.tracks[tr.id] = tr
		w.ids.Insert(t.Stream, tr.id)
	}
	return nil
}

// Stream consumes samples, writing a fragment every FlushInterval and a
// final one when the channel closes.
func (w *FMP4Writer) Stream(ctx context.Context, samples <-chan core.Sample) error {
	interval := w.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return w.Flush()
		case s, ok := <-samples:
			if !ok {
				if err := w.Flush(); err != nil {
					return err
				}
				if !w.initialized() {
					return fmt.Errorf("video stream carried no H.264 parameter sets")
				}
				return nil
			}
			if err := w.WriteSample(s); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

func (w *FMP4Writer) initialized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.initSent
}

// WriteSample buffers one sample for the next fragment.
func (w *FMP4Writer) WriteSample(s core.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if _, ok := w.ids.Get(s.Stream); !ok {
		return fmt.Errorf("sample for undeclared track %s", s.Stream)
	}

	if !w.initSent {
		if s.Stream == core.StreamVideo {
			if sps, pps, ok := parameterSets(s.Data); ok {
				if err := w.writeInit(sps, pps); err != nil {
					return err
				}
				held := w.held
				w.held = nil
				for _, h := range held {
					if err := w.appendSample(h); err != nil {
						return err
					}
				}
				return w.appendSample(s)
			}
		}
		w.held = append(w.held, s)
		return nil
	}
	return w.appendSample(s)
}

func (w *FMP4Writer) writeInit(sps, pps []byte) error {
	init := &fmp4.Init{}
	for id := 1; id <= len(w.tracks); id++ {
		tr := w.tracks[id]
		if tr.stream == core.StreamVideo {
			tr.codec = &mp4.CodecH264{SPS: sps, PPS: pps}
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        tr.id,
			TimeScale: tr.timeScale,
			Codec:     tr.codec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal init segment: %w", err)
	}
	if _, err := w.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write init segment: %w", err)
	}
	w.initSent = true
	w.logger.Info("fMP4 init segment written", "size", len(buf.Bytes()), "tracks", len(init.Tracks))
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

func (w *FMP4Writer) appendSample(s core.Sample) error {
	id, _ := w.ids.Get(s.Stream)
	tr := w.tracks[id]

	payload := s.Data
	if s.Stream == core.StreamVideo {
		avcc, err := toAVCC(s.Data)
		if err != nil {
			w.logger.Warn("Skipping undecodable video sample", "ts", s.Timestamp, "error", err)
			return nil
		}
		payload = avcc
	}

	start := scale(s.Timestamp, tr.timeScale)
	end := scale(s.End(), tr.timeScale)
	if len(tr.samples) == 0 {
		tr.baseTime = uint64(start)
	}
	tr.samples = append(tr.samples, &fmp4.Sample{
		Duration:        uint32(end - start),
		IsNonSyncSample: s.Stream == core.StreamVideo && !s.IsKey,
		Payload:         payload,
	})
	return nil
}

// Flush writes all buffered samples as one fragment.
func (w *FMP4Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *FMP4Writer) flushLocked() error {
	if !w.initSent {
		return nil
	}

	part := &fmp4.Part{SequenceNumber: w.sequenceNumber}
	for id := 1; id <= len(w.tracks); id++ {
		tr := w.tracks[id]
		if len(tr.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       tr.id,
			BaseTime: tr.baseTime,
			Samples:  tr.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return fmt.Errorf("failed to marshal fragment: %w", err)
	}
	if _, err := w.writer.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write fragment: %w", err)
	}
	for _, pt := range part.Tracks {
		tr := w.tracks[pt.ID]
		tr.written += int64(len(tr.samples))
		tr.samples = nil
	}
	w.sequenceNumber++

	w.logger.Debug("Fragment written", "sequence", part.SequenceNumber, "tracks", len(part.Tracks), "size", len(buf.Bytes()))
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Written returns how many samples of each stream reached the output.
func (w *FMP4Writer) Written() map[core.StreamID]int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[core.StreamID]int64, len(w.tracks))
	for id, tr := range w.tracks {
		if stream, ok := w.ids.GetInverse(id); ok {
			out[stream] = tr.written
		}
	}
	return out
}

// Close flushes pending samples and closes the writer
func (w *FMP4Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	if len(w.held) > 0 {
		w.logger.Warn("Discarding samples received before the first keyframe", "count", len(w.held))
		w.held = nil
	}
	w.logger.Info("fMP4 writer closed", "fragments", w.sequenceNumber-1)
	return err
}

// scale converts d to units of the given timescale, rounding down.
func scale(d time.Duration, timeScale uint32) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	rem := int64(d % time.Second)
	return secs*int64(timeScale) + rem*int64(timeScale)/int64(time.Second)
}
