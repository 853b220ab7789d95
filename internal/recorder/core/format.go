package core

import (
	"fmt"
	"time"
)

// PCMFormat describes interleaved little-endian integer PCM.
type PCMFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Validate checks that the format can be used for byte/time conversions.
func (f PCMFormat) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("invalid bits per sample %d", f.BitsPerSample)
	}
	return nil
}

// BlockAlign is the size in bytes of one frame (one sample for every channel).
func (f PCMFormat) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate is the number of bytes per second of audio.
func (f PCMFormat) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// FramesForDuration rounds d to the nearest whole number of frames.
func (f PCMFormat) FramesForDuration(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	rem := int64(d % time.Second)
	return int(secs*int64(f.SampleRate) + (rem*int64(f.SampleRate)+int64(time.Second)/2)/int64(time.Second))
}

// BytesForDuration returns the byte length of d, aligned to whole frames.
func (f PCMFormat) BytesForDuration(d time.Duration) int {
	return f.FramesForDuration(d) * f.BlockAlign()
}

// DurationOf returns the playback duration of n bytes.
func (f PCMFormat) DurationOf(n int) time.Duration {
	rate := int64(f.ByteRate())
	if rate == 0 {
		return 0
	}
	// split to keep the multiplication inside int64 for long recordings
	secs := int64(n) / rate
	rem := int64(n) % rate
	return time.Duration(secs)*time.Second + time.Duration(rem*int64(time.Second)/rate)
}

// BytesCeil returns the smallest frame-aligned byte count covering d.
func (f PCMFormat) BytesCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	rate := int64(f.ByteRate())
	secs := int64(d / time.Second)
	rem := int64(d % time.Second)
	n := secs*rate + (rem*rate+int64(time.Second)-1)/int64(time.Second)
	align := int64(f.BlockAlign())
	if align > 1 {
		n = (n + align - 1) / align * align
	}
	return int(n)
}

func (f PCMFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}
