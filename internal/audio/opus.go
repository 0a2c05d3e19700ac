package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	opusIdSig      = "OpusHead"
	opusCommentSig = "OpusTags"
	opusVendor     = "voicenote"

	// opusMaxFrameSize is the largest frame (120ms at 48kHz) a single opus
	// packet may decode into, per channel.
	opusMaxFrameSize = 5760
)

// OpusEncoder is the subset of the opus encoder API used for capturing.
type OpusEncoder interface {
	Encode(pcm []int16, frameSize int, out []byte) ([]byte, error)
	SetBitrate(int)
}

// OpusDecoder is the subset of the opus decoder API used for playback.
type OpusDecoder interface {
	Decode(data []byte, frameSize int, fec bool, out []int16) ([]int16, error)
}

// NewOpusEncoder and NewOpusDecoder are set by the codec implementation
// selected at compile time.
var (
	NewOpusEncoder func(sampleRate, channels int) (OpusEncoder, error)
	NewOpusDecoder func(sampleRate, channels int) (OpusDecoder, error)
)

var errNotOpusStream = errors.New("stream does not start with an opus id header")

// OpusHead is the identification header of an ogg/opus stream.
type OpusHead struct {
	Channels   int
	PreSkip    int
	SampleRate int
	OutputGain int16
}

func (h OpusHead) marshal() []byte {
	b := make([]byte, 19)
	copy(b[0:], opusIdSig)
	b[8] = 1 // version
	b[9] = uint8(h.Channels)
	binary.LittleEndian.PutUint16(b[10:], uint16(h.PreSkip))
	binary.LittleEndian.PutUint32(b[12:], uint32(h.SampleRate))
	binary.LittleEndian.PutUint16(b[16:], uint16(h.OutputGain))
	b[18] = 0 // mapping family: mono or stereo
	return b
}

func parseOpusHead(b []byte) (OpusHead, error) {
	if len(b) < 19 || !bytes.Equal(b[:8], []byte(opusIdSig)) {
		return OpusHead{}, errNotOpusStream
	}
	h := OpusHead{
		Channels:   int(b[9]),
		PreSkip:    int(binary.LittleEndian.Uint16(b[10:])),
		SampleRate: int(binary.LittleEndian.Uint32(b[12:])),
		OutputGain: int16(binary.LittleEndian.Uint16(b[16:])),
	}
	if h.Channels < 1 || h.Channels > 2 {
		return OpusHead{}, fmt.Errorf("unsupported opus channel count %d", h.Channels)
	}
	return h, nil
}

func opusTags() []byte {
	b := make([]byte, 8+4+len(opusVendor)+4)
	copy(b[0:], opusCommentSig)
	binary.LittleEndian.PutUint32(b[8:], uint32(len(opusVendor)))
	copy(b[12:], opusVendor)
	binary.LittleEndian.PutUint32(b[12+len(opusVendor):], 0) // comment list length
	return b
}

// OpusWriter muxes opus packets into an ogg stream.
type OpusWriter struct {
	ogg *OggWriter

	totalPCMSamples uint64
}

// NewOpusWriter writes the opus headers to out and returns a writer ready to
// receive packets.
func NewOpusWriter(out io.Writer, channels int) (*OpusWriter, error) {
	w := &OpusWriter{ogg: NewOggWriter(out)}
	head := OpusHead{Channels: channels, SampleRate: ProcessingSampleRate}
	if err := w.ogg.WritePacket(head.marshal(), 0, false); err != nil {
		return nil, err
	}
	if err := w.ogg.WritePacket(opusTags(), 0, false); err != nil {
		return nil, err
	}
	return w, nil
}

// WritePacket writes one opus packet that decodes into pcmSamples samples
// (per channel, at 48kHz).
func (w *OpusWriter) WritePacket(p []byte, pcmSamples uint64, isLast bool) error {
	w.totalPCMSamples += pcmSamples
	return w.ogg.WritePacket(p, w.totalPCMSamples, isLast)
}

// Close terminates the stream with an empty end of stream page.
func (w *OpusWriter) Close() error {
	return w.ogg.Finish(w.totalPCMSamples)
}

// DecodeOggOpus decodes a full ogg/opus file into a buffer at 48kHz.
func DecodeOggOpus(data []byte) (Buffer, error) {
	if NewOpusDecoder == nil {
		return Buffer{}, errors.New("opus decoding is not available")
	}

	r := NewOggReader(bytes.NewReader(data))
	pkt, err := r.ReadPacket()
	if err != nil {
		return Buffer{}, fmt.Errorf("unable to read opus id header: %w", err)
	}
	head, err := parseOpusHead(pkt)
	if err != nil {
		return Buffer{}, err
	}
	pkt, err = r.ReadPacket()
	if err != nil {
		return Buffer{}, fmt.Errorf("unable to read opus comment header: %w", err)
	}
	if !bytes.HasPrefix(pkt, []byte(opusCommentSig)) {
		return Buffer{}, errors.New("missing opus comment header")
	}

	// Opus always decodes at 48kHz, regardless of the input rate declared
	// in the header.
	dec, err := NewOpusDecoder(ProcessingSampleRate, head.Channels)
	if err != nil {
		return Buffer{}, err
	}

	var pcm []int16
	frame := make([]int16, opusMaxFrameSize*head.Channels)
	for {
		pkt, err := r.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Buffer{}, err
		}
		out, err := dec.Decode(pkt, opusMaxFrameSize, false, frame)
		if err != nil {
			return Buffer{}, fmt.Errorf("unable to decode opus packet: %w", err)
		}
		pcm = append(pcm, out...)
	}

	skip := head.PreSkip * head.Channels
	if skip > len(pcm) {
		skip = len(pcm)
	}
	pcm = pcm[skip:]
	if len(pcm) == 0 {
		return Buffer{}, errors.New("opus stream has no audio")
	}
	return BufferFromInterleavedS16(pcm, ProcessingSampleRate, head.Channels), nil
}
