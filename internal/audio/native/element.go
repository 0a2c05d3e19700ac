package native

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/playback"
	"github.com/decred/slog"
)

// timeUpdateInterval is how often TimeUpdate events are emitted while
// playing.
const timeUpdateInterval = 250 * time.Millisecond

// maxFetchSize is the largest source an element loads.
const maxFetchSize = 64 << 20

// Decoder decodes a fetched source into a buffer at the device sample rate.
type Decoder interface {
	Decode(ctx context.Context, blob audio.Blob) (audio.Buffer, error)
}

// ElementOption is a functional element option.
type ElementOption func(e *Element)

// WithPlaybackDevice selects the output device. The default is the system
// default device.
func WithPlaybackDevice(id audio.DeviceID) ElementOption {
	return func(e *Element) {
		e.deviceID = id
	}
}

// WithHTTPClient sets the client used to fetch http(s) sources.
func WithHTTPClient(c *http.Client) ElementOption {
	return func(e *Element) {
		e.client = c
	}
}

// track is a decoded source.
type track struct {
	samples  []int16 // interleaved
	channels int
}

func (t *track) frames() int64 {
	return int64(len(t.samples) / t.channels)
}

// Element plays http(s) and file sources on an output device. It implements
// playback.Element.
type Element struct {
	dctx     deviceContext
	log      slog.Logger
	dec      Decoder
	client   *http.Client
	deviceID audio.DeviceID

	handlerMtx sync.Mutex
	handler    func(playback.ElementEvent)

	// Accessed from the device callback.
	track  atomic.Pointer[track]
	pos    atomic.Int64
	volume atomic.Uint64
	ended  chan struct{}

	mtx        sync.Mutex
	url        string
	cancelLoad context.CancelFunc
	loaded     chan struct{}
	loadErr    error
	dev        device
	devChans   int
	playing    bool
	stopPlay   chan struct{}
}

// NewElement creates a playback element that decodes sources with dec.
func (c *Context) NewElement(dec Decoder, opts ...ElementOption) *Element {
	e := &Element{
		dctx:   c.dctx,
		log:    c.log,
		dec:    dec,
		client: http.DefaultClient,
		ended:  make(chan struct{}, 1),
	}
	e.volume.Store(math.Float64bits(1))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetEventHandler is part of the playback.Element interface.
func (e *Element) SetEventHandler(h func(playback.ElementEvent)) {
	e.handlerMtx.Lock()
	e.handler = h
	e.handlerMtx.Unlock()
}

func (e *Element) emit(typ playback.ElementEventType, url string, err error) {
	e.handlerMtx.Lock()
	h := e.handler
	e.handlerMtx.Unlock()
	if h != nil {
		h(playback.ElementEvent{Type: typ, URL: url, Err: err})
	}
}

// fetch loads the source bytes and guesses its content type.
func (e *Element) fetch(ctx context.Context, src string) (audio.Blob, error) {
	u, err := url.Parse(src)
	if err != nil {
		return audio.Blob{}, err
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return audio.Blob{}, err
		}
		res, err := e.client.Do(req)
		if err != nil {
			return audio.Blob{}, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return audio.Blob{}, fmt.Errorf("unexpected HTTP status %s", res.Status)
		}
		data, err := io.ReadAll(io.LimitReader(res.Body, maxFetchSize))
		if err != nil {
			return audio.Blob{}, err
		}
		typ := res.Header.Get("Content-Type")
		if typ == "" || audio.BaseType(typ) == "application/octet-stream" {
			typ = mime.TypeByExtension(path.Ext(u.Path))
		}
		return audio.Blob{Data: data, Type: typ}, nil

	case "file", "":
		fname := u.Path
		if u.Scheme == "" {
			fname = src
		}
		data, err := os.ReadFile(fname)
		if err != nil {
			return audio.Blob{}, err
		}
		return audio.Blob{Data: data, Type: mime.TypeByExtension(path.Ext(fname))}, nil

	default:
		return audio.Blob{}, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
}

// load fetches and decodes the source.
func (e *Element) load(ctx context.Context, src string, loaded chan struct{}) {
	var t *track
	blob, err := e.fetch(ctx, src)
	if err == nil {
		var buf audio.Buffer
		buf, err = e.dec.Decode(ctx, blob)
		if err == nil && buf.NumChannels() > 2 {
			buf = buf.Mono()
		}
		if err == nil && buf.Frames() == 0 {
			err = errors.New("source has no audio")
		}
		if err == nil {
			t = &track{samples: buf.InterleavedS16(), channels: buf.NumChannels()}
		}
	}

	e.mtx.Lock()
	if e.url != src || e.loaded != loaded {
		// Replaced by a newer load.
		close(loaded)
		e.mtx.Unlock()
		return
	}
	e.loadErr = err
	if t != nil {
		e.pos.Store(0)
		e.track.Store(t)
	}
	close(loaded)
	e.mtx.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			e.log.Warnf("Unable to load %q: %v", src, err)
			e.emit(playback.ElementError, src, err)
		}
		return
	}
	e.log.Debugf("Loaded %q (%d frames, %d channels)", src, t.frames(), t.channels)
	e.emit(playback.ElementLoadedMetadata, src, nil)
	e.emit(playback.ElementCanPlay, src, nil)
}

// resetLocked stops playback and discards the current source. Must be called
// with the mutex held.
func (e *Element) resetLocked() {
	if e.cancelLoad != nil {
		e.cancelLoad()
		e.cancelLoad = nil
	}
	e.stopLocked()
	if e.dev != nil {
		e.dev.Uninit()
		e.dev = nil
	}
	e.url = ""
	e.loaded = nil
	e.loadErr = nil
	e.track.Store(nil)
	e.pos.Store(0)
}

// stopLocked stops the device. Must be called with the mutex held.
func (e *Element) stopLocked() {
	if !e.playing {
		return
	}
	if err := e.dev.Stop(); err != nil {
		e.log.Warnf("Unable to stop playback device: %v", err)
	}
	e.playing = false
	close(e.stopPlay)
	e.stopPlay = nil
}

// Load is part of the playback.Element interface.
func (e *Element) Load(src string) error {
	if _, err := url.Parse(src); err != nil {
		return err
	}

	e.mtx.Lock()
	e.resetLocked()
	ctx, cancel := context.WithCancel(context.Background())
	loaded := make(chan struct{})
	e.url = src
	e.cancelLoad = cancel
	e.loaded = loaded
	e.mtx.Unlock()

	e.emit(playback.ElementLoadStart, src, nil)
	go e.load(ctx, src, loaded)
	return nil
}

// onSendFrames is called by the device to fetch samples to play.
func (e *Element) onSendFrames(out, _ []byte, frameCount uint32) {
	t := e.track.Load()
	var channels int
	if t != nil {
		channels = t.channels
	}

	pos := e.pos.Load()
	vol := math.Float64frombits(e.volume.Load())
	var written int
	if t != nil {
		start := int(pos) * channels
		n := int(frameCount) * channels
		if n > len(out)/rawFormatSampleSize {
			n = len(out) / rawFormatSampleSize
		}
		if rem := len(t.samples) - start; n > rem {
			n = max(rem, 0)
		}
		for i := 0; i < n; i++ {
			s := int16(math.Round(float64(t.samples[start+i]) * vol))
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		written = n
		pos += int64(n / channels)
		e.pos.Store(pos)
	}
	clear(out[written*rawFormatSampleSize:])

	if t != nil && pos >= t.frames() {
		select {
		case e.ended <- struct{}{}:
		default:
		}
	}
}

// timeUpdates emits TimeUpdate events while playing and handles the end of the
// source.
func (e *Element) timeUpdates(src string, stop chan struct{}) {
	ticker := time.NewTicker(timeUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.emit(playback.ElementTimeUpdate, src, nil)
		case <-e.ended:
			e.mtx.Lock()
			if e.stopPlay != stop {
				e.mtx.Unlock()
				return
			}
			e.stopLocked()
			e.mtx.Unlock()
			e.emit(playback.ElementTimeUpdate, src, nil)
			e.emit(playback.ElementEnded, src, nil)
			return
		}
	}
}

// Play is part of the playback.Element interface. It waits until the source
// is loaded.
func (e *Element) Play(ctx context.Context) error {
	e.mtx.Lock()
	loaded := e.loaded
	e.mtx.Unlock()
	if loaded == nil {
		return errors.New("no source loaded")
	}
	select {
	case <-loaded:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.loaded != loaded {
		return errors.New("source replaced while waiting to play")
	}
	if e.loadErr != nil {
		return e.loadErr
	}
	if e.playing {
		return nil
	}
	t := e.track.Load()
	if e.pos.Load() >= t.frames() {
		e.pos.Store(0)
	}
	if e.dev != nil && e.devChans != t.channels {
		e.dev.Uninit()
		e.dev = nil
	}
	if e.dev == nil {
		dev, err := e.dctx.initPlayback(e.deviceID, t.channels, e.onSendFrames)
		if err != nil {
			return fmt.Errorf("unable to init playback device: %w", err)
		}
		e.dev, e.devChans = dev, t.channels
	}

	// Drop a stale end signal.
	select {
	case <-e.ended:
	default:
	}

	if err := e.dev.Start(); err != nil {
		return fmt.Errorf("unable to start playback device: %w", err)
	}
	e.playing = true
	e.stopPlay = make(chan struct{})
	go e.timeUpdates(e.url, e.stopPlay)
	return nil
}

// Pause is part of the playback.Element interface.
func (e *Element) Pause() error {
	e.mtx.Lock()
	e.stopLocked()
	e.mtx.Unlock()
	return nil
}

// SetCurrentTime is part of the playback.Element interface.
func (e *Element) SetCurrentTime(seconds float64) error {
	t := e.track.Load()
	if t == nil {
		return errors.New("no source loaded")
	}
	if math.IsNaN(seconds) || seconds < 0 {
		seconds = 0
	}
	frame := int64(seconds * sampleRate)
	if frame > t.frames() {
		frame = t.frames()
	}
	e.pos.Store(frame)
	return nil
}

// SetVolume is part of the playback.Element interface.
func (e *Element) SetVolume(level float64) error {
	if math.IsNaN(level) {
		return errors.New("invalid volume")
	}
	level = math.Max(0, math.Min(1, level))
	e.volume.Store(math.Float64bits(level))
	return nil
}

// CurrentTime is part of the playback.Element interface.
func (e *Element) CurrentTime() float64 {
	return float64(e.pos.Load()) / sampleRate
}

// Duration is part of the playback.Element interface.
func (e *Element) Duration() float64 {
	t := e.track.Load()
	if t == nil {
		return 0
	}
	return float64(t.frames()) / sampleRate
}

// Close is part of the playback.Element interface.
func (e *Element) Close() error {
	e.mtx.Lock()
	e.resetLocked()
	e.mtx.Unlock()
	return nil
}
