package quality

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/decred/slog"
)

// Status tells whether a blob went through the full processing pipeline.
type Status int

const (
	// StatusProcessed means the result is the canonical WAV encoding of the
	// normalized and compressed input.
	StatusProcessed Status = iota

	// StatusUnprocessed means some stage failed and the result is the
	// original input.
	StatusUnprocessed
)

func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusUnprocessed:
		return "unprocessed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Result is the outcome of processing a blob.
type Result struct {
	Blob   audio.Blob
	Status Status

	// Reason is the error that caused the fallback to the original blob.
	// It is nil when Status is StatusProcessed.
	Reason error

	// Duration is the play time of the decoded audio. It is zero when the
	// blob could not be decoded.
	Duration time.Duration
}

// Processed returns true if the result went through the full pipeline.
func (r Result) Processed() bool {
	return r.Status == StatusProcessed
}

// StageError is an error in a specific processing stage.
type StageError struct {
	Stage string
	Err   error
}

func (err StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", err.Stage, err.Err)
}

func (err StageError) Unwrap() error {
	return err.Err
}

// Processing stages.
const (
	StageDecode   = "decode"
	StageCompress = "compress"
	StageEncode   = "encode"
)

type config struct {
	log        slog.Logger
	decoders   map[string]Decoder
	fallback   Decoder
	comp       CompressorParams
	sampleRate int
}

// Option is a functional processor option.
type Option func(c *config)

// WithLogger sets the processor logger.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithDecoder registers a decoder for a base content type (for example,
// "audio/webm"), replacing any existing one.
func WithDecoder(baseType string, dec Decoder) Option {
	return func(c *config) {
		c.decoders[audio.BaseType(baseType)] = dec
	}
}

// WithFallbackDecoder sets the decoder used for content types without a
// specific decoder.
func WithFallbackDecoder(dec Decoder) Option {
	return func(c *config) {
		c.fallback = dec
	}
}

// WithFFmpeg uses the ffmpeg binary at path as fallback decoder. If path is
// empty, this is a no-op.
func WithFFmpeg(path string) Option {
	return func(c *config) {
		if path != "" {
			c.fallback = NewFFmpegDecoder(path, audio.ProcessingSampleRate,
				audio.CaptureChannels)
		}
	}
}

// WithCompressorParams replaces the compressor parameters.
func WithCompressorParams(params CompressorParams) Option {
	return func(c *config) {
		c.comp = params
	}
}

// Processor improves the loudness consistency of recorded blobs.
type Processor struct {
	log        slog.Logger
	decoders   map[string]Decoder
	fallback   Decoder
	comp       *Compressor
	sampleRate int
}

// NewProcessor creates a processor with the default WAV and Ogg/Opus
// decoders.
func NewProcessor(opts ...Option) *Processor {
	cfg := config{
		log: slog.Disabled,
		decoders: map[string]Decoder{
			"audio/wav":       wavDecoder,
			"audio/wave":      wavDecoder,
			"audio/x-wav":     wavDecoder,
			"audio/vnd.wave":  wavDecoder,
			"audio/ogg":       oggOpusDecoder,
			"audio/opus":      oggOpusDecoder,
			"application/ogg": oggOpusDecoder,
		},
		comp:       DefaultCompressorParams,
		sampleRate: audio.ProcessingSampleRate,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Processor{
		log:        cfg.log,
		decoders:   cfg.decoders,
		fallback:   cfg.fallback,
		comp:       NewCompressor(cfg.comp),
		sampleRate: cfg.sampleRate,
	}
}

// decoderFor selects the decoder for a blob, based on its declared type and
// falling back to its contents.
func (p *Processor) decoderFor(blob audio.Blob) (Decoder, error) {
	if dec, ok := p.decoders[blob.BaseType()]; ok {
		return dec, nil
	}
	if dec, ok := p.decoders[sniff(blob.Data)]; ok {
		return dec, nil
	}
	if p.fallback != nil {
		return p.fallback, nil
	}
	return nil, fmt.Errorf("no decoder for type %q", blob.Type)
}

// Decode converts blob into a buffer at the processing sample rate. Returned
// errors always match ErrDecode.
func (p *Processor) Decode(ctx context.Context, blob audio.Blob) (audio.Buffer, error) {
	if blob.Empty() {
		return audio.Buffer{}, fmt.Errorf("%w: empty blob", ErrDecode)
	}
	dec, err := p.decoderFor(blob)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	buf, err := dec.Decode(ctx, blob.Data)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if buf.Frames() == 0 {
		return audio.Buffer{}, fmt.Errorf("%w: no samples", ErrDecode)
	}
	return audio.Resample(buf, p.sampleRate), nil
}

func (p *Processor) process(ctx context.Context, blob audio.Blob) (Result, error) {
	buf, err := p.Decode(ctx, blob)
	if err != nil {
		return Result{}, StageError{Stage: StageDecode, Err: err}
	}

	normalized := Normalize(buf)

	compressed, err := p.comp.Render(ctx, normalized)
	if err != nil {
		return Result{}, StageError{Stage: StageCompress, Err: err}
	}

	out, err := audio.EncodeWAV(compressed)
	if err != nil {
		return Result{}, StageError{Stage: StageEncode, Err: err}
	}
	if out.Empty() {
		return Result{}, StageError{Stage: StageEncode, Err: errors.New("empty output")}
	}

	return Result{
		Blob:     out,
		Status:   StatusProcessed,
		Duration: compressed.Duration(),
	}, nil
}

// Process decodes, normalizes, compresses and re-encodes blob as WAV. It never
// fails: when any stage fails, the original blob is returned with
// StatusUnprocessed and the failure as the reason.
func (p *Processor) Process(ctx context.Context, blob audio.Blob) Result {
	start := time.Now()
	res, err := p.process(ctx, blob)
	if err != nil {
		p.log.Warnf("Using unprocessed audio (%s, %d bytes): %v",
			blob.Type, len(blob.Data), err)
		return Result{Blob: blob, Status: StatusUnprocessed, Reason: err}
	}

	p.log.Debugf("Processed %s audio (%d bytes) into %d bytes of WAV "+
		"(%s of audio) in %s", blob.Type, len(blob.Data), len(res.Blob.Data),
		res.Duration, time.Since(start))
	return res
}
