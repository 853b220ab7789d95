package source

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Stall is a window, relative to capture start, during which the device
// delivers nothing and the audio it would have captured is lost.
type Stall struct {
	At  time.Duration
	For time.Duration
}

// generator fills dst with frames starting at the given frame offset and
// returns the bytes written. io.EOF ends the capture.
type generator func(dst []byte, frame int64) (int, error)

// PCMSource is an AudioSource that delivers generated PCM on the capture
// clock. Each wake-up delivers every frame that has come due, so chunk
// sizes vary with scheduling like a real capture callback.
type PCMSource struct {
	clk    clock.Clock
	base   time.Time
	format core.PCMFormat
	period time.Duration
	stalls []Stall
	gen    generator
	closer io.Closer
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// PCMOptions configures pacing of a PCMSource.
type PCMOptions struct {
	Period time.Duration // wake-up interval, default 10ms
	Stalls []Stall
}

func newPCMSource(clk clock.Clock, base time.Time, format core.PCMFormat, opts PCMOptions, gen generator) *PCMSource {
	if clk == nil {
		clk = clock.RealClock{}
	}
	period := opts.Period
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	return &PCMSource{
		clk:    clk,
		base:   base,
		format: format,
		period: period,
		stalls: opts.Stalls,
		gen:    gen,
		logger: util.GetLogger().With("component", "pcm_source"),
	}
}

// NewToneSource generates a sine tone in 16-bit PCM.
func NewToneSource(clk clock.Clock, base time.Time, format core.PCMFormat, freq float64, opts PCMOptions) (*PCMSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if format.BitsPerSample != 16 {
		return nil, errors.Errorf("tone source needs 16-bit PCM, got %d-bit", format.BitsPerSample)
	}
	rate := float64(format.SampleRate)
	gen := func(dst []byte, frame int64) (int, error) {
		align := format.BlockAlign()
		for i := 0; i+align <= len(dst); i += align {
			t := float64(frame+int64(i/align)) / rate
			v := int16(0.25 * math.MaxInt16 * math.Sin(2*math.Pi*freq*t))
			for c := 0; c < format.Channels; c++ {
				binary.LittleEndian.PutUint16(dst[i+2*c:], uint16(v))
			}
		}
		return len(dst) / align * align, nil
	}
	return newPCMSource(clk, base, format, opts, gen), nil
}

// NewPCMFileSource replays raw interleaved PCM from r. Capture ends at EOF.
func NewPCMFileSource(clk clock.Clock, base time.Time, format core.PCMFormat, r io.Reader, opts PCMOptions) (*PCMSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	gen := func(dst []byte, _ int64) (int, error) {
		n, err := io.ReadFull(r, dst)
		n = n / format.BlockAlign() * format.BlockAlign()
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return n, err
	}
	s := newPCMSource(clk, base, format, opts, gen)
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// OpenPCMFile opens path as a raw PCM source.
func OpenPCMFile(path string, clk clock.Clock, base time.Time, format core.PCMFormat, opts PCMOptions) (*PCMSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	s, err := NewPCMFileSource(clk, base, format, f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Format returns the delivered PCM format.
func (s *PCMSource) Format() core.PCMFormat {
	return s.format
}

func (s *PCMSource) Start(push func(core.Chunk)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("audio source already started")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(push, s.stop, s.done)
	return nil
}

// Stop halts delivery and closes the input. push is not called once Stop
// returns.
func (s *PCMSource) Stop() error {
	s.mu.Lock()
	running := s.running
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if running {
		close(stop)
		<-done
	}

	var err error
	s.closeOnce.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

func (s *PCMSource) run(push func(core.Chunk), stop, done chan struct{}) {
	defer close(done)

	start := s.clk.Now()
	origin := start.Sub(s.base)
	var frame int64
	align := s.format.BlockAlign()

	for {
		select {
		case <-stop:
			return
		case <-s.clk.After(s.period):
		}

		due := int64(s.format.FramesForDuration(s.clk.Since(start)))
		for frame < due {
			n := int(due - frame)
			if skip := s.stalled(frame, due); skip > 0 {
				frame += skip
				continue
			}
			if limit := s.stallLimit(frame, due); limit > 0 {
				n = int(limit - frame)
			}

			buf := make([]byte, n*align)
			written, err := s.gen(buf, frame)
			if written > 0 {
				push(core.Chunk{
					Data:      buf[:written],
					Timestamp: origin + s.format.DurationOf(int(frame)*align),
				})
				frame += int64(written / align)
			}
			if err != nil {
				if err != io.EOF {
					s.logger.Error("Audio generator failed", "error", err)
				} else {
					s.logger.Info("Audio source reached end of input")
				}
				<-stop
				return
			}
		}
	}
}

// stalled returns how many frames from frame fall inside a stall window.
func (s *PCMSource) stalled(frame, due int64) int64 {
	for _, st := range s.stalls {
		from := int64(s.format.FramesForDuration(st.At))
		to := int64(s.format.FramesForDuration(st.At + st.For))
		if frame >= from && frame < to {
			end := to
			if end > due {
				end = due
			}
			return end - frame
		}
	}
	return 0
}

// stallLimit returns the first stall start between frame and due, or 0.
func (s *PCMSource) stallLimit(frame, due int64) int64 {
	limit := int64(0)
	for _, st := range s.stalls {
		from := int64(s.format.FramesForDuration(st.At))
		if from > frame && from < due && (limit == 0 || from < limit) {
			limit = from
		}
	}
	return limit
}
