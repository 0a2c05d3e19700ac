package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by
// EncodeWAV.
const WAVHeaderSize = 44

// wavPCMFormat is the WAVE format tag for linear PCM.
const wavPCMFormat = 1

var errInvalidWAV = errors.New("invalid wav data")

// seekBuffer is an in-memory io.WriteSeeker. The wav encoder needs to seek
// back to patch the chunk sizes once all samples have been written.
type seekBuffer struct {
	buf []byte
	pos int
}

func (sb *seekBuffer) Write(p []byte) (int, error) {
	if need := sb.pos + len(p); need > len(sb.buf) {
		if need > cap(sb.buf) {
			nb := make([]byte, need, need*2)
			copy(nb, sb.buf)
			sb.buf = nb
		} else {
			sb.buf = sb.buf[:need]
		}
	}
	n := copy(sb.buf[sb.pos:], p)
	sb.pos += n
	return n, nil
}

func (sb *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(sb.pos) + offset
	case io.SeekEnd:
		abs = int64(len(sb.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("negative seek position")
	}
	sb.pos = int(abs)
	return abs, nil
}

// EncodeWAV serializes the buffer as a 16 bit little-endian PCM RIFF/WAVE
// file.
func EncodeWAV(b Buffer) (Blob, error) {
	nch := b.NumChannels()
	if nch == 0 || b.SampleRate <= 0 {
		return Blob{}, fmt.Errorf("cannot encode buffer with %d channels at %d Hz",
			nch, b.SampleRate)
	}

	samples := b.InterleavedS16()
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	out := &seekBuffer{buf: make([]byte, 0, WAVHeaderSize+len(samples)*2)}
	enc := wav.NewEncoder(out, b.SampleRate, 16, nch, wavPCMFormat)
	err := enc.Write(&goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: nch,
			SampleRate:  b.SampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return Blob{}, fmt.Errorf("unable to write wav samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Blob{}, fmt.Errorf("unable to finalize wav: %w", err)
	}

	return Blob{Data: out.buf, Type: TypeWAV}, nil
}

// DecodeWAV decodes an integer PCM WAVE file.
func DecodeWAV(data []byte) (Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Buffer{}, errInvalidWAV
	}
	if dec.WavAudioFormat != wavPCMFormat {
		return Buffer{}, fmt.Errorf("%w: unsupported audio format %d",
			errInvalidWAV, dec.WavAudioFormat)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", errInvalidWAV, err)
	}
	nch := int(dec.NumChans)
	if nch < 1 {
		return Buffer{}, fmt.Errorf("%w: no channels", errInvalidWAV)
	}

	bitDepth := int(dec.BitDepth)
	var offset int
	var scale float32
	switch bitDepth {
	case 8:
		// 8 bit samples are unsigned.
		offset, scale = 128, 128
	case 16, 24, 32:
		scale = float32(int64(1) << (bitDepth - 1))
	default:
		return Buffer{}, fmt.Errorf("%w: unsupported bit depth %d",
			errInvalidWAV, bitDepth)
	}

	frames := len(pcm.Data) / nch
	buf := NewBuffer(int(dec.SampleRate), nch, frames)
	for i := 0; i < frames; i++ {
		for c := 0; c < nch; c++ {
			buf.Channels[c][i] = float32(pcm.Data[i*nch+c]-offset) / scale
		}
	}
	return buf, nil
}
