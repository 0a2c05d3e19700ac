//go:build cgo && !noaudio

package audio

import "github.com/companyzero/gopus"

func init() {
	NewOpusEncoder = func(sampleRate, channels int) (OpusEncoder, error) {
		return gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	}
	NewOpusDecoder = func(sampleRate, channels int) (OpusDecoder, error) {
		return gopus.NewDecoder(sampleRate, channels)
	}
}
