//go:build cgo && !noaudio

package native

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"strconv"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/decred/slog"
	"github.com/gen2brain/malgo"
)

// rawFormat needs to be agreed upon between capture and playback.
var rawFormat = malgo.FormatS16

// emptyDeviceID is an empty malgo device id.
var emptyDeviceID malgo.DeviceID

func init() {
	newDeviceContext = newMalgoContext
}

// toMalgoDeviceID converts a device id to a malgo device id.
func toMalgoDeviceID(id audio.DeviceID) malgo.DeviceID {
	var res malgo.DeviceID
	if runtime.GOOS == "android" {
		i, err := strconv.ParseInt(string(id), 10, 32)
		if err == nil {
			binary.LittleEndian.PutUint32(res[:], uint32(i))
		}
	} else {
		copy(res[:], id)
	}
	return res
}

func listMalgoDevices(typ malgo.DeviceType, malgoCtx *malgo.AllocatedContext, log slog.Logger) ([]audio.Device, error) {
	devices, err := malgoCtx.Devices(typ)
	if err != nil {
		return nil, err
	}

	res := make([]audio.Device, 0, len(devices))
	seen := make(map[audio.DeviceID]struct{}, len(devices))
	for _, dev := range devices {
		full, err := malgoCtx.DeviceInfo(typ, dev.ID, malgo.Shared)
		if err != nil {
			log.Warnf("Unable to get audio device info: %v", err)
			continue
		}

		// Avoid duplicate device IDs.
		id := audio.DeviceID(string(append([]byte(nil), full.ID[:]...)))
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		res = append(res, audio.Device{
			ID:        id,
			Name:      full.Name(),
			IsDefault: full.IsDefault == 1,
		})
	}

	return res, nil
}

// malgoContext offloads device handling to the malgo library.
type malgoContext struct {
	malgoCtx *malgo.AllocatedContext
}

func newMalgoContext() (deviceContext, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &malgoContext{malgoCtx: malgoCtx}, nil
}

func (mc *malgoContext) name() string {
	return "malgo"
}

func (mc *malgoContext) free() error {
	if err := mc.malgoCtx.Uninit(); err != nil {
		return err
	}
	mc.malgoCtx.Free()
	return nil
}

func (mc *malgoContext) listDevices(log slog.Logger) (audio.Devices, error) {
	playbackDevs, err := listMalgoDevices(malgo.Playback, mc.malgoCtx, log)
	if err != nil {
		return audio.Devices{}, err
	}
	captureDevs, err := listMalgoDevices(malgo.Capture, mc.malgoCtx, log)
	if err != nil {
		return audio.Devices{}, err
	}
	return audio.Devices{Playback: playbackDevs, Capture: captureDevs}, nil
}

func (mc *malgoContext) checkFormat() error {
	sampleSizeInBytes := malgo.SampleSizeInBytes(rawFormat)
	if sampleSizeInBytes != rawFormatSampleSize {
		return fmt.Errorf("malgo raw format has wrong sample size "+
			"(got %d, want %d)", sampleSizeInBytes, rawFormatSampleSize)
	}
	return nil
}

func (mc *malgoContext) initPlayback(deviceID audio.DeviceID, channels int, cb dataProc) (device, error) {
	if err := mc.checkFormat(); err != nil {
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	if id := toMalgoDeviceID(deviceID); id != emptyDeviceID {
		deviceConfig.Playback.DeviceID = id.Pointer()
	}
	deviceConfig.PeriodSizeInMilliseconds = periodSizeMS
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Playback.Format = rawFormat
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{Data: malgo.DataProc(cb)}
	dev, err := malgo.InitDevice(mc.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (mc *malgoContext) initCapture(deviceID audio.DeviceID, channels int, cb dataProc) (device, error) {
	if err := mc.checkFormat(); err != nil {
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	if id := toMalgoDeviceID(deviceID); id != emptyDeviceID {
		deviceConfig.Capture.DeviceID = id.Pointer()
	}
	deviceConfig.PeriodSizeInMilliseconds = periodSizeMS
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{Data: malgo.DataProc(cb)}
	dev, err := malgo.InitDevice(mc.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, err
	}
	return dev, nil
}
