package quality

import (
	"context"
	"math"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
)

// CompressorParams configures the dynamic range compressor.
type CompressorParams struct {
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration

	// MakeupGain is a linear multiplier applied after compression.
	MakeupGain float64
}

// DefaultCompressorParams are the voice note compression settings. These are
// tunable values kept for parity with existing recordings, not derived ones.
var DefaultCompressorParams = CompressorParams{
	ThresholdDB: -18,
	KneeDB:      6,
	Ratio:       4,
	Attack:      3 * time.Millisecond,
	Release:     100 * time.Millisecond,
	MakeupGain:  1.2,
}

// silenceDB is the level assigned to zero samples.
const silenceDB = -200

// ctxCheckFrames is how many frames are rendered between context checks.
const ctxCheckFrames = 1 << 14

// Compressor is an offline feed-forward compressor with a soft knee. The
// detector is linked across channels so the stereo image is preserved.
// Rendering is deterministic: the same input always produces the same
// output.
type Compressor struct {
	params CompressorParams
}

// NewCompressor returns a compressor with the given parameters.
func NewCompressor(params CompressorParams) *Compressor {
	if params.Ratio < 1 {
		params.Ratio = 1
	}
	if params.KneeDB < 0 {
		params.KneeDB = 0
	}
	return &Compressor{params: params}
}

// Params returns the compressor parameters.
func (c *Compressor) Params() CompressorParams {
	return c.params
}

// GainDB returns the static gain change (zero or negative) applied to a signal
// at the given level, ignoring the attack and release smoothing.
func (c *Compressor) GainDB(levelDB float64) float64 {
	t, w, r := c.params.ThresholdDB, c.params.KneeDB, c.params.Ratio
	var out float64
	switch over := levelDB - t; {
	case 2*over < -w:
		out = levelDB
	case w > 0 && 2*math.Abs(over) <= w:
		k := over + w/2
		out = levelDB + (1/r-1)*k*k/(2*w)
	default:
		out = t + over/r
	}
	return out - levelDB
}

// smoothingCoef is the one-pole coefficient for a time constant.
func smoothingCoef(d time.Duration, sampleRate int) float64 {
	n := d.Seconds() * float64(sampleRate)
	if n <= 0 {
		return 0
	}
	return math.Exp(-1 / n)
}

// Render compresses buf, returning a new buffer. The input is not modified.
func (c *Compressor) Render(ctx context.Context, buf audio.Buffer) (audio.Buffer, error) {
	res := buf.Clone()
	frames := res.Frames()
	if frames == 0 {
		return res, nil
	}

	attack := smoothingCoef(c.params.Attack, buf.SampleRate)
	release := smoothingCoef(c.params.Release, buf.SampleRate)
	makeup := c.params.MakeupGain
	if makeup <= 0 {
		makeup = 1
	}

	var envDB float64 // current gain reduction, zero or negative
	for i := 0; i < frames; i++ {
		if i%ctxCheckFrames == 0 {
			if err := ctx.Err(); err != nil {
				return audio.Buffer{}, err
			}
		}

		var level float64
		for _, ch := range res.Channels {
			if v := math.Abs(float64(ch[i])); v > level {
				level = v
			}
		}
		levelDB := float64(silenceDB)
		if level > 1e-10 {
			levelDB = 20 * math.Log10(level)
		}

		target := c.GainDB(levelDB)
		coef := release
		if target < envDB {
			coef = attack
		}
		envDB = coef*envDB + (1-coef)*target

		gain := float32(math.Pow(10, envDB/20) * makeup)
		for _, ch := range res.Channels {
			ch[i] *= gain
		}
	}

	return res, nil
}
