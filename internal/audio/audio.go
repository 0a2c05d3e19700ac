package audio

import (
	"errors"
	"mime"
	"strings"
	"time"
)

// ProcessingSampleRate is the rate every decoded buffer is converted to before
// any processing happens. It matches the capture rate of the native devices.
const ProcessingSampleRate = 48000

// CaptureChannels is the channel count requested from input devices.
const CaptureChannels = 1

// ErrAudioDisabledCompilation is returned by codec and device constructors
// when audio support was removed at compile time.
var ErrAudioDisabledCompilation = errors.New("audio was disabled during compilation")

// Well known content types.
const (
	TypeWAV      = "audio/wav"
	TypeOggOpus  = "audio/ogg;codecs=opus"
	TypeOgg      = "audio/ogg"
	TypeWebmOpus = "audio/webm;codecs=opus"
	TypeWebm     = "audio/webm"
	TypeMP4AAC   = "audio/mp4;codecs=mp4a.40.2"
	TypeMP4      = "audio/mp4"
)

// Blob is an encoded audio artifact along with its declared content type.
type Blob struct {
	Data []byte
	Type string
}

// Empty returns true if the blob has no data.
func (b Blob) Empty() bool {
	return len(b.Data) == 0
}

// BaseType returns the lowercased content type without any parameters (for
// example, "audio/webm" for "audio/webm;codecs=opus").
func (b Blob) BaseType() string {
	return BaseType(b.Type)
}

// BaseType returns the lowercased media type of typ, without parameters.
func BaseType(typ string) string {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(typ)
	if err != nil {
		// Fallback to a manual split of the parameters.
		mt, _, _ = strings.Cut(typ, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
	}
	return mt
}

// Codecs returns the value of the "codecs" parameter of the content type.
func Codecs(typ string) string {
	_, params, err := mime.ParseMediaType(typ)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["codecs"])
}

// Buffer is a decoded, planar audio buffer. Samples are in the [-1, 1] range.
// Buffers are treated as immutable: processing functions return new buffers
// instead of changing the samples of their input.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(sampleRate, channels, frames int) Buffer {
	buf := Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for i := range buf.Channels {
		buf.Channels[i] = make([]float32, frames)
	}
	return buf
}

// NumChannels is the number of channels in the buffer.
func (b Buffer) NumChannels() int {
	return len(b.Channels)
}

// Frames is the number of samples per channel.
func (b Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration is the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Clone returns a deep copy of the buffer.
func (b Buffer) Clone() Buffer {
	res := Buffer{
		SampleRate: b.SampleRate,
		Channels:   make([][]float32, len(b.Channels)),
	}
	for i := range b.Channels {
		res.Channels[i] = append([]float32(nil), b.Channels[i]...)
	}
	return res
}

// Mono returns the buffer downmixed to a single channel. If b is already mono,
// b itself is returned.
func (b Buffer) Mono() Buffer {
	if len(b.Channels) <= 1 {
		return b
	}
	res := NewBuffer(b.SampleRate, 1, b.Frames())
	scale := 1 / float32(len(b.Channels))
	for _, ch := range b.Channels {
		for i, s := range ch {
			res.Channels[0][i] += s * scale
		}
	}
	return res
}

// DeviceType is the type of audio device.
type DeviceType string

const (
	DeviceTypeCapture  DeviceType = "capture"
	DeviceTypePlayback DeviceType = "playback"
)

// DeviceID is the platform-specific identifier of an audio device.
type DeviceID string

// Device is an audio device available on the host.
type Device struct {
	ID        DeviceID `json:"id"`
	Name      string   `json:"name"`
	IsDefault bool     `json:"is_default"`
}

// Devices lists the playback and capture devices.
type Devices struct {
	Playback []Device `json:"playback"`
	Capture  []Device `json:"capture"`
}
