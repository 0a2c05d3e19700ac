package native

import (
	"github.com/companyzero/voicenote/internal/audio"
	"github.com/decred/slog"
)

// sampleRate must be agreed everywhere
const sampleRate = audio.ProcessingSampleRate

// periodSizeMS is the device period (and opus frame) size in milliseconds.
const periodSizeMS = 20

// samplesPerPeriod is the number of samples per channel in one period.
const samplesPerPeriod = sampleRate / 1000 * periodSizeMS

// rawFormatSampleSize is the size in bytes of one raw device sample (S16).
const rawFormatSampleSize = 2

// encodeBitRate is the bitrate (in bps) to use as encoder output.
const encodeBitRate = 40000

// dataProc is the callback called by devices to exchange samples.
type dataProc func(out, in []byte, frameCount uint32)

// device is a started or stopped audio device.
type device interface {
	Start() error
	Stop() error
	Uninit()
}

// deviceContext abstracts the audio backend.
type deviceContext interface {
	name() string
	initCapture(deviceID audio.DeviceID, channels int, cb dataProc) (device, error)
	initPlayback(deviceID audio.DeviceID, channels int, cb dataProc) (device, error)
	listDevices(log slog.Logger) (audio.Devices, error)
	free() error
}

// newDeviceContext is set by the backend selected at compile time.
var newDeviceContext func() (deviceContext, error)

// Context gives access to the audio devices of the host.
type Context struct {
	dctx deviceContext
	log  slog.Logger
}

// NewContext initializes the audio backend.
func NewContext(log slog.Logger) (*Context, error) {
	if log == nil {
		log = slog.Disabled
	}
	dctx, err := newDeviceContext()
	if err != nil {
		return nil, err
	}
	log.Debugf("Initialized audio context with driver %s", dctx.name())
	return &Context{dctx: dctx, log: log}, nil
}

// Free releases the backend resources. The context must not be used
// afterwards.
func (c *Context) Free() error {
	return c.dctx.free()
}

// Devices lists the available capture and playback devices.
func (c *Context) Devices() (audio.Devices, error) {
	return c.dctx.listDevices(c.log)
}

// FindDevice finds the device with the given ID or returns nil.
func (c *Context) FindDevice(typ audio.DeviceType, id audio.DeviceID) *audio.Device {
	devices, err := c.Devices()
	if err != nil {
		return nil
	}
	list := devices.Capture
	if typ == audio.DeviceTypePlayback {
		list = devices.Playback
	}
	for i := range list {
		if list[i].ID == id {
			out := list[i]
			return &out
		}
	}
	return nil
}
