package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/vishalkuo/bimap"
)

// MKVWriter writes Matroska with an H.264 video track and little-endian
// PCM audio tracks. Blocks are written in global timestamp order.
type MKVWriter struct {
	writer io.Writer
	logger *slog.Logger
	out    *writerCloser

	mu          sync.Mutex
	tracks      []Track
	numbers     *bimap.BiMap[core.StreamID, int]
	blocks      map[core.StreamID]webm.BlockWriteCloser
	order       *interleaver
	held        []core.Sample
	initialized bool
	closed      bool
	fatalMu     sync.Mutex
	fatal       error
	written     map[core.StreamID]int64
	lastTS      time.Duration
}

// NewMKVWriter creates a new Matroska writer
func NewMKVWriter(w io.Writer, logger *slog.Logger) *MKVWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MKVWriter{
		writer:  w,
		logger:  logger.With("component", "mkv_writer"),
		numbers: bimap.NewBiMap[core.StreamID, int](),
		blocks:  make(map[core.StreamID]webm.BlockWriteCloser),
		written: make(map[core.StreamID]int64),
	}
}

// Initialize declares the tracks. Track numbers follow declaration order.
func (m *MKVWriter) Initialize(tracks []Track) error {
	if err := validateTracks(tracks); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tracks != nil {
		return fmt.Errorf("mkv writer already initialized")
	}
	m.tracks = tracks
	streams := make([]core.StreamID, 0, len(tracks))
	for i, t := range tracks {
		m.numbers.Insert(t.Stream, i+1)
		streams = append(streams, t.Stream)
	}
	m.order = newInterleaver(streams)
	return nil
}

func (m *MKVWriter) open(sps, pps []byte) error {
	entries := make([]webm.TrackEntry, 0, len(m.tracks))
	for _, t := range m.tracks {
		number, _ := m.numbers.Get(t.Stream)
		entry := webm.TrackEntry{
			Name:        string(t.Stream),
			TrackNumber: uint64(number),
			TrackUID:    uint64(number),
		}
		if t.Stream == core.StreamVideo {
			entry.CodecID = "V_MPEG4/ISO/AVC"
			entry.TrackType = 1
			entry.CodecPrivate = avcDecoderConfig(sps, pps)
			entry.Video = &webm.Video{PixelWidth: 1920, PixelHeight: 1080}
		} else {
			entry.CodecID = "A_PCM/INT/LIT"
			entry.TrackType = 2
			entry.Audio = &webm.Audio{
				SamplingFrequency: float64(t.Format.SampleRate),
				Channels:          uint64(t.Format.Channels),
			}
		}
		entries = append(entries, entry)
	}

	header := *webm.DefaultEBMLHeader
	header.DocType = "matroska"

	m.out = newWriterCloser(m.writer, m.logger)
	writers, err := webm.NewSimpleBlockWriter(
		m.out,
		entries,
		mkvcore.WithEBMLHeader(&header),
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Warn("Matroska writer failed", "error", err)
			m.fatalMu.Lock()
			m.fatal = err
			m.fatalMu.Unlock()
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create matroska writer: %w", err)
	}
	for i, t := range m.tracks {
		m.blocks[t.Stream] = writers[i]
	}
	m.initialized = true
	m.logger.Info("Matroska container initialized", "tracks", len(entries))
	return nil
}

// Stream consumes samples until the channel closes or ctx is done.
func (m *MKVWriter) Stream(ctx context.Context, samples <-chan core.Sample) error {
	for {
		select {
		case <-ctx.Done():
			return m.drain()
		case s, ok := <-samples:
			if !ok {
				if err := m.drain(); err != nil {
					return err
				}
				m.mu.Lock()
				initialized := m.initialized
				m.mu.Unlock()
				if !initialized {
					return fmt.Errorf("video stream carried no H.264 parameter sets")
				}
				return nil
			}
			if err := m.WriteSample(s); err != nil {
				return err
			}
		}
	}
}

// WriteSample queues one sample and writes every sample that is now in order.
func (m *MKVWriter) WriteSample(s core.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("writer closed")
	}
	if _, ok := m.numbers.Get(s.Stream); !ok {
		return fmt.Errorf("sample for undeclared track %s", s.Stream)
	}

	if !m.initialized {
		if s.Stream == core.StreamVideo {
			if sps, pps, ok := parameterSets(s.Data); ok {
				if err := m.open(sps, pps); err != nil {
					return err
				}
				for _, h := range m.held {
					m.order.push(h)
				}
				m.held = nil
				m.order.push(s)
				return m.release(false)
			}
		}
		m.held = append(m.held, s)
		return nil
	}

	m.order.push(s)
	return m.release(false)
}

func (m *MKVWriter) drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	return m.release(true)
}

func (m *MKVWriter) release(drain bool) error {
	for {
		if err := m.fatalErr(); err != nil {
			return err
		}
		s, ok := m.order.pop(drain)
		if !ok {
			return nil
		}
		if err := m.writeBlock(s); err != nil {
			return err
		}
	}
}

func (m *MKVWriter) fatalErr() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	return m.fatal
}

func (m *MKVWriter) writeBlock(s core.Sample) error {
	payload := s.Data
	if s.Stream == core.StreamVideo {
		avcc, err := toAVCC(s.Data)
		if err != nil {
			m.logger.Warn("Skipping undecodable video sample", "ts", s.Timestamp, "error", err)
			return nil
		}
		payload = avcc
	}
	if len(payload) == 0 {
		return nil
	}

	// Blocks are timestamped in milliseconds (default TimecodeScale).
	ms := int64(s.Timestamp / time.Millisecond)
	if _, err := m.blocks[s.Stream].Write(s.IsKey || s.Stream != core.StreamVideo, ms, payload); err != nil {
		return fmt.Errorf("failed to write %s block: %w", s.Stream, err)
	}
	m.written[s.Stream]++
	m.lastTS = s.Timestamp
	return nil
}

// Written returns how many blocks of each stream reached the output.
func (m *MKVWriter) Written() map[core.StreamID]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[core.StreamID]int64, len(m.written))
	for id, n := range m.written {
		out[id] = n
	}
	return out
}

// Close writes any queued samples and finalizes the container
func (m *MKVWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var err error
	if m.initialized {
		err = m.release(true)
	}
	m.closed = true
	for _, t := range m.tracks {
		if bw, ok := m.blocks[t.Stream]; ok {
			if cerr := bw.Close(); cerr != nil {
				m.logger.Warn("Track writer close error", "stream", t.Stream, "error", cerr)
			}
		}
	}
	m.blocks = map[core.StreamID]webm.BlockWriteCloser{}
	if m.out != nil {
		select {
		case <-m.out.done:
		case <-time.After(5 * time.Second):
			m.logger.Warn("Timed out waiting for matroska writer to finish")
		}
	}
	m.logger.Info("Matroska container finalized", "last_timestamp", m.lastTS.Truncate(time.Millisecond))
	return err
}
