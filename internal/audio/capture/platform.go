package capture

import (
	"context"
	"errors"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
)

var (
	// ErrPermissionDenied is returned when the platform refuses access to
	// the microphone.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceUnavailable is returned when no input device exists.
	ErrDeviceUnavailable = errors.New("no audio input device available")

	// ErrEmptyRecording is returned when a finalized capture has no data.
	ErrEmptyRecording = errors.New("recording is empty")

	// ErrBusy is returned when starting a capture while another one is in
	// progress.
	ErrBusy = errors.New("capture already in progress")

	// ErrCancelled is the result of a cancelled capture.
	ErrCancelled = errors.New("capture cancelled")

	// ErrNotRecording is returned by Stop when there is no recording to
	// finalize.
	ErrNotRecording = errors.New("not recording")
)

// Constraints are the requirements for the requested microphone stream.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	ChannelCount     int
	SampleRate       int

	// DeviceID selects a specific input device. Empty means the system
	// default.
	DeviceID audio.DeviceID
}

// DefaultConstraints is the constraint set used for voice notes.
var DefaultConstraints = Constraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
	ChannelCount:     audio.CaptureChannels,
	SampleRate:       audio.ProcessingSampleRate,
}

// Platform is the media capture capability of the host.
type Platform interface {
	// GetUserMedia acquires a live microphone stream. Implementations
	// must return errors that match ErrPermissionDenied or
	// ErrDeviceUnavailable when appropriate.
	GetUserMedia(ctx context.Context, c Constraints) (MediaStream, error)

	// IsTypeSupported returns true if recorders may be created with the
	// given content type.
	IsTypeSupported(mimeType string) bool
}

// MediaStream is a live input stream. The input device stays active until
// Release is called.
type MediaStream interface {
	// NewRecorder creates an encoder for the stream. An empty mimeType
	// selects the platform default.
	NewRecorder(mimeType string) (Recorder, error)

	// Release stops all tracks of the stream. It must be safe to call
	// more than once.
	Release()
}

// Recorder encodes a stream into time-sliced segments.
type Recorder interface {
	// MimeType is the content type of the encoded data.
	MimeType() string

	// Start begins encoding. onData is called with each encoded segment,
	// roughly every timeslice. It may also be called from within Start and
	// Stop, for example with stream headers or buffered data.
	Start(timeslice time.Duration, onData func([]byte)) error

	// Stop finalizes the encoder and returns any data that was pending.
	// onData is not called after Stop returns.
	Stop() ([]byte, error)
}

// PreferredFormats is the ordered list of encoder formats tried when starting
// a capture.
var PreferredFormats = []string{
	audio.TypeWebmOpus,
	audio.TypeWebm,
	audio.TypeMP4AAC,
	audio.TypeMP4,
	audio.TypeOggOpus,
}

// SelectFormat returns the first format in prefs for which supported returns
// true. It returns an empty string (the platform default) if none match.
func SelectFormat(supported func(string) bool, prefs []string) string {
	for _, f := range prefs {
		if supported(f) {
			return f
		}
	}
	return ""
}
