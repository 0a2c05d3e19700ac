//go:build !cgo || noaudio

// Opus codecs require cgo. In cgo-less and noaudio builds the constructors
// fail, which makes opus content undecodable instead of failing the build.

package audio

func init() {
	NewOpusEncoder = func(sampleRate, channels int) (OpusEncoder, error) {
		return nil, ErrAudioDisabledCompilation
	}
	NewOpusDecoder = func(sampleRate, channels int) (OpusDecoder, error) {
		return nil, ErrAudioDisabledCompilation
	}
}
