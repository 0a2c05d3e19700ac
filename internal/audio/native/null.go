//go:build !cgo || noaudio

// This device context is only used in cgo-less and noaudio builds.

package native

import (
	"github.com/companyzero/voicenote/internal/audio"
	"github.com/decred/slog"
)

func init() {
	newDeviceContext = newNullContext
}

type nullContext struct{}

func newNullContext() (deviceContext, error) {
	return nullContext{}, nil
}

func (nullContext) name() string { return "nullaudio" }

func (nullContext) initPlayback(audio.DeviceID, int, dataProc) (device, error) {
	return nil, audio.ErrAudioDisabledCompilation
}

func (nullContext) initCapture(audio.DeviceID, int, dataProc) (device, error) {
	return nil, audio.ErrAudioDisabledCompilation
}

func (nullContext) listDevices(slog.Logger) (audio.Devices, error) {
	return audio.Devices{}, audio.ErrAudioDisabledCompilation
}

func (nullContext) free() error {
	return nil
}
