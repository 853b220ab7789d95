package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Built-in constrained-baseline parameter sets and slices used by PatternSource.
var (
	patternSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	patternPPS = []byte{0x68, 0xce, 0x38, 0x80}
	patternIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	patternP   = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
)

// accessUnit is one encoded frame in Annex-B form.
type accessUnit struct {
	data  []byte
	isKey bool
}

func marshalAnnexB(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		size += 4 + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

// pacer releases frames at a fixed interval on the capture clock.
type pacer struct {
	clk      clock.Clock
	base     time.Time
	interval time.Duration
	next     time.Time
	started  bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newPacer(clk clock.Clock, base time.Time, fps int) *pacer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if fps <= 0 {
		fps = 30
	}
	return &pacer{
		clk:      clk,
		base:     base,
		interval: time.Second / time.Duration(fps),
		closed:   make(chan struct{}),
	}
}

// wait blocks until the next frame is due and returns its capture timestamp.
func (p *pacer) wait(ctx context.Context) (time.Duration, error) {
	if !p.started {
		p.next = p.clk.Now()
		p.started = true
	}
	if d := p.next.Sub(p.clk.Now()); d > 0 {
		select {
		case <-p.clk.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-p.closed:
			return 0, core.ErrEndOfStream
		}
	}
	select {
	case <-p.closed:
		return 0, core.ErrEndOfStream
	default:
	}
	ts := p.next.Sub(p.base)
	p.next = p.next.Add(p.interval)
	return ts, nil
}

func (p *pacer) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

// PatternSource emits a synthetic H.264 stream at a fixed frame rate.
type PatternSource struct {
	pacer    *pacer
	keyEvery int
	limit    int
	count    int
}

// PatternOptions configures a PatternSource.
type PatternOptions struct {
	FPS      int
	KeyEvery int // keyframe period in frames, default one per second
	Frames   int // stop after this many frames, 0 for unlimited
}

// NewPatternSource creates a synthetic frame source on clk, timestamped
// relative to base.
func NewPatternSource(clk clock.Clock, base time.Time, opts PatternOptions) *PatternSource {
	p := newPacer(clk, base, opts.FPS)
	keyEvery := opts.KeyEvery
	if keyEvery <= 0 {
		keyEvery = int(time.Second / p.interval)
	}
	return &PatternSource{pacer: p, keyEvery: keyEvery, limit: opts.Frames}
}

func (s *PatternSource) NextFrame(ctx context.Context) (core.Frame, error) {
	if s.limit > 0 && s.count >= s.limit {
		return core.Frame{}, core.ErrEndOfStream
	}
	ts, err := s.pacer.wait(ctx)
	if err != nil {
		return core.Frame{}, err
	}

	frame := core.Frame{Timestamp: ts}
	if s.count%s.keyEvery == 0 {
		frame.Data = marshalAnnexB([][]byte{patternSPS, patternPPS, patternIDR})
		frame.IsKey = true
	} else {
		frame.Data = marshalAnnexB([][]byte{patternP})
	}
	s.count++
	return frame, nil
}

func (s *PatternSource) Close() error {
	s.pacer.close()
	return nil
}

// H264FileSource replays an Annex-B elementary stream at a fixed frame rate.
type H264FileSource struct {
	pacer *pacer
	units []accessUnit
	loop  bool
	pos   int
}

// NewH264FileSource loads path and splits it into access units.
func NewH264FileSource(path string, clk clock.Clock, base time.Time, fps int, loop bool) (*H264FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	units, err := splitAccessUnits(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return &H264FileSource{pacer: newPacer(clk, base, fps), units: units, loop: loop}, nil
}

// Frames returns the number of access units in the file.
func (s *H264FileSource) Frames() int {
	return len(s.units)
}

func (s *H264FileSource) NextFrame(ctx context.Context) (core.Frame, error) {
	if s.pos >= len(s.units) {
		if !s.loop {
			return core.Frame{}, core.ErrEndOfStream
		}
		s.pos = 0
	}
	ts, err := s.pacer.wait(ctx)
	if err != nil {
		return core.Frame{}, err
	}
	au := s.units[s.pos]
	s.pos++
	return core.Frame{Data: au.data, Timestamp: ts, IsKey: au.isKey}, nil
}

func (s *H264FileSource) Close() error {
	s.pacer.close()
	return nil
}

// splitAccessUnits groups the NAL units of an elementary stream into
// access units. A unit ends before an access unit delimiter, before
// parameter sets that follow a slice, or before a slice starting a new
// picture.
func splitAccessUnits(stream []byte) ([]accessUnit, error) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(stream); err != nil {
		return nil, err
	}

	var (
		units   []accessUnit
		current [][]byte
		hasVCL  bool
		isKey   bool
	)
	flush := func() {
		if hasVCL {
			units = append(units, accessUnit{data: marshalAnnexB(current), isKey: isKey})
			current, hasVCL, isKey = nil, false, false
		}
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		typ := h264.NALUType(nalu[0] & 0x1F)
		switch typ {
		case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
			flush()
		case h264.NALUTypeIDR, h264.NALUTypeNonIDR:
			// first_mb_in_slice == 0 is coded as a leading 1 bit
			if hasVCL && len(nalu) > 1 && nalu[1]&0x80 != 0 {
				flush()
			}
			hasVCL = true
			if typ == h264.NALUTypeIDR {
				isKey = true
			}
		}
		current = append(current, nalu)
	}
	flush()

	if len(units) == 0 {
		return nil, fmt.Errorf("no coded pictures found")
	}
	return units, nil
}
