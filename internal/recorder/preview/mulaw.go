package preview

import "encoding/binary"

const pcmuRate = 8000

// linearToMulaw encodes one 16-bit linear sample as G.711 μ-law.
func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exp := 7
	for mask := int32(0x4000); exp > 0; exp-- {
		if s&mask != 0 {
			break
		}
		mask >>= 1
	}
	mantissa := (s >> (uint(exp) + 3)) & 0x0F
	return ^(sign | byte(exp<<4) | byte(mantissa))
}

// downsampler turns interleaved S16LE audio at any rate into 8 kHz mono
// μ-law, keeping its position across calls so chunk boundaries do not drift.
type downsampler struct {
	rate     int64
	channels int
	inFrames int64
	out      int64
}

func newDownsampler(rate, channels int) *downsampler {
	return &downsampler{rate: int64(rate), channels: channels}
}

func (d *downsampler) encode(pcm []byte) []byte {
	frameSize := 2 * d.channels
	frames := int64(len(pcm) / frameSize)
	if frames == 0 {
		return nil
	}

	end := (d.inFrames + frames) * pcmuRate / d.rate
	out := make([]byte, 0, end-d.out)
	for ; d.out < end; d.out++ {
		idx := d.out*d.rate/pcmuRate - d.inFrames
		if idx < 0 {
			idx = 0
		}
		if idx >= frames {
			idx = frames - 1
		}
		off := int(idx) * frameSize
		sum := 0
		for c := 0; c < d.channels; c++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off+2*c:])))
		}
		out = append(out, linearToMulaw(int16(sum/d.channels)))
	}
	d.inFrames += frames
	return out
}
