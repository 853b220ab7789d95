package cmd

import (
	"strconv"
	"strings"
	"time"

	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/core"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder/source"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const defaultToneHz = 440

// parseStalls parses "AT:FOR" pairs such as "2s:300ms".
func parseStalls(values []string) ([]source.Stall, error) {
	var stalls []source.Stall
	for _, value := range values {
		at, dur, ok := strings.Cut(value, ":")
		if !ok {
			return nil, errors.Errorf("invalid stall %q, want AT:FOR", value)
		}
		a, err := time.ParseDuration(at)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid stall start in %q", value)
		}
		d, err := time.ParseDuration(dur)
		if err != nil || d <= 0 {
			return nil, errors.Errorf("invalid stall length in %q", value)
		}
		stalls = append(stalls, source.Stall{At: a, For: d})
	}
	return stalls, nil
}

// buildAudioInput turns an audio flag into a capture source. "tone" or
// "tone:HZ" generates a sine wave, anything else is a raw PCM file in
// format.
func buildAudioInput(value string, clk clock.Clock, base time.Time, format core.PCMFormat, stalls []source.Stall) (*session.AudioInput, error) {
	if value == "" {
		return nil, nil
	}
	opts := source.PCMOptions{Stalls: stalls}

	if value == "tone" || strings.HasPrefix(value, "tone:") {
		hz := float64(defaultToneHz)
		if _, v, ok := strings.Cut(value, ":"); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				return nil, errors.Errorf("invalid tone frequency %q", v)
			}
			hz = f
		}
		src, err := source.NewToneSource(clk, base, format, hz, opts)
		if err != nil {
			return nil, err
		}
		return &session.AudioInput{Source: src, Format: format}, nil
	}

	src, err := source.OpenPCMFile(value, clk, base, format, opts)
	if err != nil {
		return nil, err
	}
	return &session.AudioInput{Source: src, Format: format}, nil
}

func buildVideoSource(path string, clk clock.Clock, base time.Time, fps int, loop bool) (core.FrameSource, error) {
	if path == "" {
		return source.NewPatternSource(clk, base, source.PatternOptions{FPS: fps}), nil
	}
	return source.NewH264FileSource(path, clk, base, fps, loop)
}
