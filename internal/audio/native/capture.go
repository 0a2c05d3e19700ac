package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/capture"
	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"
)

// frameQueueLen is how many device periods are buffered between the device
// callback and the encoder (1 second).
const frameQueueLen = 1000 / periodSizeMS

// PlatformOption is a functional platform option.
type PlatformOption func(p *Platform)

// WithCaptureGain sets a gain (in dB) applied to captured samples before
// encoding.
func WithCaptureGain(gainDB float64) PlatformOption {
	return func(p *Platform) {
		p.gainDB = gainDB
	}
}

// Platform captures from the host's input devices, encoding to ogg/opus. It
// implements capture.Platform.
type Platform struct {
	dctx       deviceContext
	log        slog.Logger
	gainDB     float64
	newEncoder func(sampleRate, channels int) (audio.OpusEncoder, error)
}

// Platform returns a capture platform backed by this context.
func (c *Context) Platform(opts ...PlatformOption) *Platform {
	p := &Platform{
		dctx:       c.dctx,
		log:        c.log,
		newEncoder: audio.NewOpusEncoder,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsTypeSupported returns true for ogg/opus content types.
func (p *Platform) IsTypeSupported(mimeType string) bool {
	if audio.BaseType(mimeType) != "audio/ogg" {
		return false
	}
	codecs := audio.Codecs(mimeType)
	return codecs == "" || codecs == "opus"
}

// GetUserMedia opens and starts the input device.
func (p *Platform) GetUserMedia(ctx context.Context, cons capture.Constraints) (capture.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channels := cons.ChannelCount
	if channels < 1 || channels > 2 {
		channels = audio.CaptureChannels
	}
	if cons.SampleRate != 0 && cons.SampleRate != sampleRate {
		p.log.Debugf("Ignoring requested sample rate %d (using %d)",
			cons.SampleRate, sampleRate)
	}
	if cons.EchoCancellation || cons.NoiseSuppression || cons.AutoGainControl {
		p.log.Tracef("Driver %s does not provide input processing",
			p.dctx.name())
	}

	devices, err := p.dctx.listDevices(p.log)
	switch {
	case errors.Is(err, audio.ErrAudioDisabledCompilation):
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	case err != nil:
		p.log.Warnf("Unable to list capture devices: %v", err)
	case len(devices.Capture) == 0:
		return nil, capture.ErrDeviceUnavailable
	case cons.DeviceID != "" && !hasDevice(devices.Capture, cons.DeviceID):
		return nil, fmt.Errorf("%w: device %q not found",
			capture.ErrDeviceUnavailable, cons.DeviceID)
	}

	s := &stream{
		p:        p,
		log:      p.log,
		channels: channels,
	}
	dev, err := p.dctx.initCapture(cons.DeviceID, channels, s.onFrames)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
	}

	// Starting is what triggers the OS level permission checks.
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: %v", capture.ErrPermissionDenied, err)
	}
	s.dev = dev
	p.log.Debugf("Started capture device %q with %d channels",
		cons.DeviceID, channels)
	return s, nil
}

func hasDevice(devices []audio.Device, id audio.DeviceID) bool {
	for i := range devices {
		if devices[i].ID == id {
			return true
		}
	}
	return false
}

// stream is a started input device.
type stream struct {
	p        *Platform
	log      slog.Logger
	channels int
	dev      device
	dropped  atomic.Int64

	mtx      sync.Mutex
	sink     chan []int16
	hasRec   bool
	released bool
}

// onFrames is called by the device with captured samples.
func (s *stream) onFrames(_, in []byte, frameCount uint32) {
	readSize := int(frameCount) * s.channels * rawFormatSampleSize
	if len(in) < readSize {
		s.log.Warnf("Input buffer has len %d when expected %d",
			len(in), readSize)
		readSize = len(in)
	}

	s.mtx.Lock()
	sink := s.sink
	s.mtx.Unlock()
	if sink == nil {
		return
	}

	samples := audio.BytesToLES16Slice(in[:readSize], nil)
	select {
	case sink <- samples:
	default:
		s.dropped.Add(1)
	}
}

func (s *stream) setSink(sink chan []int16) {
	s.mtx.Lock()
	s.sink = sink
	s.mtx.Unlock()
}

// NewRecorder creates an ogg/opus recorder for the stream. Only one recorder
// may be created per stream.
func (s *stream) NewRecorder(mimeType string) (capture.Recorder, error) {
	if mimeType == "" {
		mimeType = audio.TypeOggOpus
	}
	if !s.p.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("unsupported content type %q", mimeType)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.released {
		return nil, errors.New("stream was released")
	}
	if s.hasRec {
		return nil, errors.New("stream already has a recorder")
	}
	s.hasRec = true

	return &recorder{
		s:        s,
		log:      s.log,
		mimeType: mimeType,
		frames:   make(chan []int16, frameQueueLen),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Release stops the input device.
func (s *stream) Release() {
	s.mtx.Lock()
	if s.released {
		s.mtx.Unlock()
		return
	}
	s.released = true
	s.sink = nil
	s.mtx.Unlock()

	if err := s.dev.Stop(); err != nil {
		s.log.Warnf("Unable to stop capture device: %v", err)
	}
	s.dev.Uninit()
	if n := s.dropped.Load(); n > 0 {
		s.log.Warnf("Dropped %d captured periods due to a full queue", n)
	}
	s.log.Debugf("Released capture device")
}

// recorder opus-encodes the samples of a stream and muxes them into an ogg
// stream that is delivered in chunks.
type recorder struct {
	s        *stream
	log      slog.Logger
	mimeType string
	frames   chan []int16
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	started atomic.Bool

	// Set before done is closed.
	tail    []byte
	runErr  error
	packets int
}

func (r *recorder) MimeType() string {
	return r.mimeType
}

// Start starts encoding the captured samples.
func (r *recorder) Start(timeslice time.Duration, onData func([]byte)) error {
	if timeslice <= 0 {
		return fmt.Errorf("invalid timeslice %s", timeslice)
	}
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("recorder already started")
	}

	encoder, err := r.s.p.newEncoder(sampleRate, r.s.channels)
	if err != nil {
		return fmt.Errorf("unable to create opus encoder: %w", err)
	}
	encoder.SetBitrate(encodeBitRate)

	r.s.setSink(r.frames)

	packets := make(chan []byte, frameQueueLen)
	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return r.encodeLoop(gctx, encoder, packets) })
	g.Go(func() error { return r.muxLoop(timeslice, packets, onData) })
	go func() {
		r.runErr = g.Wait()
		close(r.done)
	}()
	return nil
}

// encodeLoop encodes the captured samples in fixed size opus frames.
func (r *recorder) encodeLoop(ctx context.Context, encoder audio.OpusEncoder, packets chan<- []byte) error {
	defer close(packets)

	gainDB := r.s.p.gainDB
	frameLen := samplesPerPeriod * r.s.channels
	pending := make([]int16, 0, frameLen*2)
	encodeBuffer := make([]byte, 4000)

	encode := func(pcm []int16) error {
		encoded, err := encoder.Encode(pcm, samplesPerPeriod, encodeBuffer)
		if err != nil {
			return err
		}
		select {
		case packets <- append([]byte(nil), encoded...):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	input := func(samples []int16) error {
		if gainDB != 0 {
			audio.ApplyGainDB(samples, gainDB)
		}
		pending = append(pending, samples...)
		var i int
		for ; len(pending)-i >= frameLen; i += frameLen {
			if err := encode(pending[i : i+frameLen]); err != nil {
				return err
			}
		}
		pending = append(pending[:0], pending[i:]...)
		return nil
	}

	for {
		select {
		case samples := <-r.frames:
			if err := input(samples); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-r.stop:
			// Encode whatever was already captured.
			r.s.setSink(nil)
			for {
				select {
				case samples := <-r.frames:
					if err := input(samples); err != nil {
						return err
					}
					continue
				default:
				}
				break
			}
			if len(pending) == 0 {
				return nil
			}

			// Pad the last frame with silence.
			last := make([]int16, frameLen)
			copy(last, pending)
			return encode(last)
		}
	}
}

// muxLoop writes encoded packets to an ogg stream, delivering the stream
// data every timeslice.
func (r *recorder) muxLoop(timeslice time.Duration, packets <-chan []byte, onData func([]byte)) error {
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	var buf bytes.Buffer
	var w *audio.OpusWriter
	for {
		select {
		case p, ok := <-packets:
			if !ok {
				if w != nil {
					if err := w.Close(); err != nil {
						return err
					}
				}
				r.tail = bytes.Clone(buf.Bytes())
				return nil
			}

			// The headers are only written once there is audio, so
			// that a recording without packets is empty.
			if w == nil {
				var err error
				w, err = audio.NewOpusWriter(&buf, r.s.channels)
				if err != nil {
					return err
				}
			}
			if err := w.WritePacket(p, samplesPerPeriod, false); err != nil {
				return err
			}
			r.packets++

		case <-ticker.C:
			if buf.Len() == 0 {
				continue
			}
			chunk := bytes.Clone(buf.Bytes())
			buf.Reset()
			onData(chunk)
		}
	}
}

// Stop finalizes the ogg stream, returning the data not yet delivered.
func (r *recorder) Stop() ([]byte, error) {
	if !r.started.Load() {
		return nil, nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	r.log.Debugf("Recorder finished with %d opus packets (%d ms)",
		r.packets, r.packets*periodSizeMS)
	return r.tail, r.runErr
}
