package quality

import (
	"math"

	"github.com/companyzero/voicenote/internal/audio"
)

// TargetPeak is the amplitude the loudest sample of each channel is scaled to.
const TargetPeak = 0.95

// Peak returns the largest absolute sample value of ch.
func Peak(ch []float32) float32 {
	var peak float32
	for _, s := range ch {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// NormalizeScale returns the factor that brings a channel with the given peak
// to TargetPeak. Silent (or invalid) channels are left unchanged.
func NormalizeScale(peak float32) float32 {
	if peak <= 0 || math.IsNaN(float64(peak)) || math.IsInf(float64(peak), 0) {
		return 1
	}
	return TargetPeak / peak
}

// Normalize returns a copy of buf where each channel is independently scaled
// so that its peak is at TargetPeak.
func Normalize(buf audio.Buffer) audio.Buffer {
	res := buf.Clone()
	for _, ch := range res.Channels {
		scale := NormalizeScale(Peak(ch))
		if scale == 1 {
			continue
		}
		for i := range ch {
			ch[i] *= scale
		}
	}
	return res
}
