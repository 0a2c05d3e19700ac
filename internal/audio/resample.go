package audio

// Resample converts the buffer to the target sample rate using linear
// interpolation. If the buffer is already at the target rate, it is returned
// unchanged.
func Resample(b Buffer, targetRate int) Buffer {
	if b.SampleRate == targetRate || targetRate <= 0 || b.SampleRate <= 0 {
		return b
	}

	srcFrames := b.Frames()
	dstFrames := int(int64(srcFrames) * int64(targetRate) / int64(b.SampleRate))
	res := NewBuffer(targetRate, len(b.Channels), dstFrames)
	if srcFrames == 0 {
		return res
	}

	ratio := float64(b.SampleRate) / float64(targetRate)
	for c, src := range b.Channels {
		dst := res.Channels[c]
		for i := range dst {
			pos := float64(i) * ratio
			idx := int(pos)
			if idx >= srcFrames-1 {
				dst[i] = src[srcFrames-1]
				continue
			}
			frac := float32(pos - float64(idx))
			dst[i] = src[idx]*(1-frac) + src[idx+1]*frac
		}
	}
	return res
}
