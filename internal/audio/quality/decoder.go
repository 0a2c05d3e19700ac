package quality

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/companyzero/voicenote/internal/audio"
)

// ErrDecode is the category of errors produced when a blob cannot be decoded.
var ErrDecode = errors.New("unable to decode audio")

// Decoder converts encoded bytes into a buffer.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (audio.Buffer, error)
}

// DecoderFunc is an adapter to use functions as decoders.
type DecoderFunc func(ctx context.Context, data []byte) (audio.Buffer, error)

// Decode is part of the Decoder interface.
func (f DecoderFunc) Decode(ctx context.Context, data []byte) (audio.Buffer, error) {
	return f(ctx, data)
}

var wavDecoder = DecoderFunc(func(_ context.Context, data []byte) (audio.Buffer, error) {
	return audio.DecodeWAV(data)
})

var oggOpusDecoder = DecoderFunc(func(_ context.Context, data []byte) (audio.Buffer, error) {
	return audio.DecodeOggOpus(data)
})

// sniff guesses the base content type from the leading bytes of data.
func sniff(data []byte) string {
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE")):
		return "audio/wav"
	case bytes.HasPrefix(data, []byte("OggS")):
		return "audio/ogg"
	case bytes.HasPrefix(data, []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return "audio/webm"
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return "audio/mp4"
	}
	return ""
}

// FFmpegDecoder decodes any format supported by an ffmpeg binary by piping
// the data through it.
type FFmpegDecoder struct {
	path       string
	sampleRate int
	channels   int
}

// NewFFmpegDecoder returns a decoder that runs the given ffmpeg binary. The
// output is converted to the given rate and channel count.
func NewFFmpegDecoder(path string, sampleRate, channels int) *FFmpegDecoder {
	return &FFmpegDecoder{path: path, sampleRate: sampleRate, channels: channels}
}

// Decode is part of the Decoder interface.
func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) (audio.Buffer, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(d.sampleRate),
		"-ac", strconv.Itoa(d.channels),
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return audio.Buffer{}, fmt.Errorf("ffmpeg: %w: %s", err,
			bytes.TrimSpace(stderr.Bytes()))
	}

	samples := audio.BytesToLES16Slice(stdout.Bytes(), nil)
	if len(samples) == 0 {
		return audio.Buffer{}, errors.New("ffmpeg produced no samples")
	}
	return audio.BufferFromInterleavedS16(samples, d.sampleRate, d.channels), nil
}

// ResolveFFmpegPath returns the path to the ffmpeg binary. If customPath is
// set, it must be executable. Otherwise, ffmpeg is searched in the PATH.
// Returns an empty string if ffmpeg is not found.
func ResolveFFmpegPath(customPath string) string {
	name := "ffmpeg"
	if customPath != "" {
		name = customPath
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}
