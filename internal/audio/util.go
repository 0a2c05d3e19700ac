package audio

import (
	"math"
	"slices"
)

// BytesToLES16Slice decodes little-endian signed 16 bit samples from src,
// appending them to dst.
func BytesToLES16Slice(src []byte, dst []int16) []int16 {
	s16len := len(src) / 2
	dst = slices.Grow(dst, s16len)
	for i := 0; i < s16len; i++ {
		dst = append(dst, int16(src[i*2])|(int16(src[i*2+1])<<8))
	}
	return dst
}

// LES16SliceToBytes encodes samples as little-endian signed 16 bit values,
// appending them to dst.
func LES16SliceToBytes(src []int16, dst []byte) []byte {
	s8len := len(src) * 2
	dst = slices.Grow(dst, s8len)
	for i := 0; i < len(src); i++ {
		dst = append(dst, byte(src[i]), byte(src[i]>>8))
	}
	return dst
}

// S16ToFloat converts a 16 bit sample to the [-1, 1] range.
func S16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// FloatToS16 converts a sample in the [-1, 1] range to a 16 bit sample,
// clipping values outside the range.
func FloatToS16(f float32) int16 {
	switch {
	case f != f: // NaN
		return 0
	case f >= 1:
		return math.MaxInt16
	case f <= -1:
		return math.MinInt16
	}
	v := math.Round(float64(f) * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

// InterleavedS16 converts the buffer into interleaved 16 bit samples.
func (b Buffer) InterleavedS16() []int16 {
	nch := len(b.Channels)
	frames := b.Frames()
	res := make([]int16, frames*nch)
	for i := 0; i < frames; i++ {
		for c := 0; c < nch; c++ {
			res[i*nch+c] = FloatToS16(b.Channels[c][i])
		}
	}
	return res
}

// BufferFromInterleavedS16 builds a planar buffer out of interleaved 16 bit
// samples.
func BufferFromInterleavedS16(samples []int16, sampleRate, channels int) Buffer {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	buf := NewBuffer(sampleRate, channels, frames)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			buf.Channels[c][i] = S16ToFloat(samples[i*channels+c])
		}
	}
	return buf
}

// dbToLinear converts a gain in decibels to a linear scale factor.
func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

// ApplyGainDB applies a gain (in dB) to the samples, in place, clipping at the
// 16 bit limits.
func ApplyGainDB(samples []int16, gainDB float64) {
	gain := dbToLinear(gainDB)
	for i := range samples {
		v := math.Round(float64(samples[i]) * gain)
		switch {
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
}
