package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
)

// Track declares one stream the muxer will receive.
type Track struct {
	Stream core.StreamID
	Format core.PCMFormat // audio tracks only
}

// Muxer defines a unified interface for writing recorded samples into a container
type Muxer interface {
	// Initialize declares the tracks. It must be called once before Stream.
	Initialize(tracks []Track) error

	// Stream consumes samples until the channel is closed or ctx is done.
	Stream(ctx context.Context, samples <-chan core.Sample) error

	// Close flushes and finalizes the container
	Close() error
}

// Kinds lists the container formats New accepts.
var Kinds = []string{"mp4", "mkv", "null"}

// New returns a muxer writing the given container kind to w.
func New(kind string, w io.Writer, logger *slog.Logger) (Muxer, error) {
	switch strings.ToLower(kind) {
	case "mp4", "fmp4":
		return NewFMP4Writer(w, logger), nil
	case "mkv", "matroska":
		return NewMKVWriter(w, logger), nil
	case "null", "":
		return NewNullMuxer(), nil
	default:
		return nil, fmt.Errorf("unsupported container %q (want one of %s)", kind, strings.Join(Kinds, ", "))
	}
}

// Extension returns the file extension for a container kind.
func Extension(kind string) string {
	switch strings.ToLower(kind) {
	case "mkv", "matroska":
		return ".mkv"
	case "null", "":
		return ""
	default:
		return ".mp4"
	}
}

func validateTracks(tracks []Track) error {
	if len(tracks) == 0 {
		return fmt.Errorf("no tracks")
	}
	seen := make(map[core.StreamID]bool, len(tracks))
	video := false
	for _, t := range tracks {
		if seen[t.Stream] {
			return fmt.Errorf("track %s declared twice", t.Stream)
		}
		seen[t.Stream] = true
		if t.Stream == core.StreamVideo {
			video = true
			continue
		}
		if err := t.Format.Validate(); err != nil {
			return fmt.Errorf("track %s: %w", t.Stream, err)
		}
	}
	if !video {
		return fmt.Errorf("a video track is required")
	}
	return nil
}

// writerCloser adapts an io.Writer to the io.WriteCloser the ebml writer
// expects and stops writing after the first error. done is closed once the
// ebml writer has finished with it.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
	done   chan struct{}
	once   sync.Once
}

func newWriterCloser(w io.Writer, logger *slog.Logger) *writerCloser {
	return &writerCloser{writer: w, logger: logger, done: make(chan struct{})}
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}
	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed", "error", err, "data_size", len(p), "bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.closed = true
	wc.once.Do(func() { close(wc.done) })
	return nil
}
