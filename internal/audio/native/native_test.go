package native

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/voicenote/internal/assert"
	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/capture"
	"github.com/companyzero/voicenote/internal/audio/playback"
	"github.com/companyzero/voicenote/internal/audio/quality"
	"github.com/companyzero/voicenote/internal/testutils"
	"github.com/decred/slog"
)

type testEncoder struct{}

func (testEncoder) Encode(pcm []int16, frameSize int, out []byte) ([]byte, error) {
	if frameSize != samplesPerPeriod {
		return nil, fmt.Errorf("wrong frame size %d", frameSize)
	}
	out = out[:3]
	out[0], out[1], out[2] = 0xfc, byte(len(pcm)), byte(len(pcm)>>8)
	return out, nil
}

func (testEncoder) SetBitrate(int) {}

func newTestEncoder(int, int) (audio.OpusEncoder, error) {
	return testEncoder{}, nil
}

// slowEncoder is a testEncoder that takes a while to encode each frame, so
// that the mux loop keeps flushing while the recorder is stopped.
type slowEncoder struct {
	testEncoder
	delay time.Duration
}

func (e slowEncoder) Encode(pcm []int16, frameSize int, out []byte) ([]byte, error) {
	time.Sleep(e.delay)
	return e.testEncoder.Encode(pcm, frameSize, out)
}

// testDeviceContext is used to test capture and playback without real
// devices.
type testDeviceContext struct {
	t testing.TB

	devices  audio.Devices
	listErr  error
	initErr  error
	startErr error

	mtx      sync.Mutex
	started  chan struct{}
	stopped  chan struct{}
	uninited chan struct{}
	cb       dataProc
	channels int
}

func newTestDeviceContext(t testing.TB) *testDeviceContext {
	return &testDeviceContext{
		t: t,
		devices: audio.Devices{
			Capture:  []audio.Device{{ID: "mic", Name: "Test mic", IsDefault: true}},
			Playback: []audio.Device{{ID: "spk", Name: "Test speaker", IsDefault: true}},
		},
		started:  make(chan struct{}, 5),
		stopped:  make(chan struct{}, 5),
		uninited: make(chan struct{}, 5),
	}
}

func (tdc *testDeviceContext) name() string {
	return "testaudio"
}

func (tdc *testDeviceContext) init(channels int, cb dataProc) (device, error) {
	if tdc.initErr != nil {
		return nil, tdc.initErr
	}
	tdc.mtx.Lock()
	tdc.cb = cb
	tdc.channels = channels
	tdc.mtx.Unlock()
	return tdc, nil
}

func (tdc *testDeviceContext) initPlayback(_ audio.DeviceID, channels int, cb dataProc) (device, error) {
	return tdc.init(channels, cb)
}

func (tdc *testDeviceContext) initCapture(_ audio.DeviceID, channels int, cb dataProc) (device, error) {
	return tdc.init(channels, cb)
}

func (tdc *testDeviceContext) listDevices(slog.Logger) (audio.Devices, error) {
	return tdc.devices, tdc.listErr
}

func (tdc *testDeviceContext) free() error {
	return nil
}

// These are part of the device interface.

func (tdc *testDeviceContext) Start() error {
	if tdc.startErr != nil {
		return tdc.startErr
	}
	tdc.started <- struct{}{}
	return nil
}
func (tdc *testDeviceContext) Stop() error {
	tdc.stopped <- struct{}{}
	return nil
}
func (tdc *testDeviceContext) Uninit() {
	tdc.uninited <- struct{}{}
}

// These are test functions.

// callback calls the device callback with the given buffer.
func (tdc *testDeviceContext) callback(out, in []byte, frames int) {
	tdc.t.Helper()
	tdc.mtx.Lock()
	cb := tdc.cb
	tdc.mtx.Unlock()
	if cb == nil {
		tdc.t.Fatalf("callback not initialized")
	}
	cb(out, in, uint32(frames))
}

// capture simulates the device capturing frames with a constant sample
// value.
func (tdc *testDeviceContext) capture(frames int, v int16) {
	tdc.t.Helper()
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = v
	}
	tdc.callback(nil, audio.LES16SliceToBytes(samples, nil), frames)
}

func newTestContext(t testing.TB) (*Context, *testDeviceContext) {
	tdc := newTestDeviceContext(t)
	return &Context{dctx: tdc, log: testutils.TestLoggerSys(t, "NATV")}, tdc
}

func newTestPlatform(t testing.TB) (*Platform, *testDeviceContext) {
	c, tdc := newTestContext(t)
	p := c.Platform()
	p.newEncoder = newTestEncoder
	return p, tdc
}

// readOggPackets returns all packets of an ogg stream.
func readOggPackets(t testing.TB, data []byte) [][]byte {
	t.Helper()
	r := audio.NewOggReader(bytes.NewReader(data))
	var res [][]byte
	for {
		p, err := r.ReadPacket()
		if errors.Is(err, io.EOF) {
			return res
		}
		assert.NilErr(t, err)
		res = append(res, p)
	}
}

// TestIsTypeSupported asserts only ogg/opus recordings are supported.
func TestIsTypeSupported(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlatform(t)
	tests := []struct {
		typ  string
		want bool
	}{
		{audio.TypeOggOpus, true},
		{audio.TypeOgg, true},
		{"audio/ogg; codecs=\"opus\"", true},
		{"audio/ogg;codecs=vorbis", false},
		{audio.TypeWebmOpus, false},
		{audio.TypeMP4AAC, false},
		{"", false},
	}
	for _, tc := range tests {
		if got := p.IsTypeSupported(tc.typ); got != tc.want {
			t.Fatalf("IsTypeSupported(%q): got %v, want %v", tc.typ, got, tc.want)
		}
	}
	got := capture.SelectFormat(p.IsTypeSupported, capture.PreferredFormats)
	if got != audio.TypeOggOpus {
		t.Fatalf("unexpected selected format %q", got)
	}
}

// TestGetUserMediaErrors asserts device failures are mapped to capture
// errors.
func TestGetUserMediaErrors(t *testing.T) {
	t.Parallel()

	errFailed := errors.New("failed")
	tests := []struct {
		name  string
		setup func(tdc *testDeviceContext, cons *capture.Constraints)
		want  error
	}{{
		name: "no devices",
		setup: func(tdc *testDeviceContext, _ *capture.Constraints) {
			tdc.devices.Capture = nil
		},
		want: capture.ErrDeviceUnavailable,
	}, {
		name: "unknown device",
		setup: func(_ *testDeviceContext, cons *capture.Constraints) {
			cons.DeviceID = "other"
		},
		want: capture.ErrDeviceUnavailable,
	}, {
		name: "init failure",
		setup: func(tdc *testDeviceContext, _ *capture.Constraints) {
			tdc.initErr = errFailed
		},
		want: capture.ErrDeviceUnavailable,
	}, {
		name: "start failure",
		setup: func(tdc *testDeviceContext, _ *capture.Constraints) {
			tdc.startErr = errFailed
		},
		want: capture.ErrPermissionDenied,
	}, {
		name: "audio disabled",
		setup: func(tdc *testDeviceContext, _ *capture.Constraints) {
			tdc.listErr = audio.ErrAudioDisabledCompilation
		},
		want: capture.ErrDeviceUnavailable,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, tdc := newTestPlatform(t)
			cons := capture.DefaultConstraints
			tc.setup(tdc, &cons)
			_, err := p.GetUserMedia(context.Background(), cons)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

// TestRecorderChunks asserts captured samples are encoded in fixed size
// frames and delivered as a valid ogg/opus stream split across chunks.
func TestRecorderChunks(t *testing.T) {
	t.Parallel()

	p, tdc := newTestPlatform(t)
	ms, err := p.GetUserMedia(context.Background(), capture.DefaultConstraints)
	assert.NilErr(t, err)
	assert.ChanWritten(t, tdc.started)

	rec, err := ms.NewRecorder("")
	assert.NilErr(t, err)
	if rec.MimeType() != audio.TypeOggOpus {
		t.Fatalf("unexpected mime type %q", rec.MimeType())
	}
	_, err = ms.NewRecorder("")
	assert.NonNilErr(t, err)

	var mtx sync.Mutex
	var chunks [][]byte
	gotChunk := make(chan struct{}, 100)
	err = rec.Start(5*time.Millisecond, func(b []byte) {
		mtx.Lock()
		chunks = append(chunks, b)
		mtx.Unlock()
		gotChunk <- struct{}{}
	})
	assert.NilErr(t, err)

	// Three full periods, delivered in uneven device callbacks, then half
	// a period that gets padded.
	tdc.capture(samplesPerPeriod/2, 1000)
	tdc.capture(samplesPerPeriod, 1000)
	tdc.capture(samplesPerPeriod*3/2, 1000)
	assert.ChanWritten(t, gotChunk)
	tdc.capture(samplesPerPeriod/2, 1000)

	tail, err := rec.Stop()
	assert.NilErr(t, err)
	ms.Release()
	ms.Release()
	assert.ChanWritten(t, tdc.stopped)
	assert.ChanWritten(t, tdc.uninited)
	assert.ChanNotWritten(t, tdc.uninited, 50*time.Millisecond)

	mtx.Lock()
	var data []byte
	for _, c := range chunks {
		data = append(data, c...)
	}
	mtx.Unlock()
	data = append(data, tail...)

	packets := readOggPackets(t, data)
	if len(packets) != 6 {
		t.Fatalf("unexpected nb of packets: got %d, want 6", len(packets))
	}
	if !bytes.HasPrefix(packets[0], []byte("OpusHead")) {
		t.Fatalf("missing opus head: %x", packets[0])
	}
	if !bytes.HasPrefix(packets[1], []byte("OpusTags")) {
		t.Fatalf("missing opus tags: %x", packets[1])
	}
	n := samplesPerPeriod
	wantPkt := []byte{0xfc, byte(n), byte(n >> 8)}
	for i, p := range packets[2:] {
		if !bytes.Equal(p, wantPkt) {
			t.Fatalf("unexpected packet %d: %x", i, p)
		}
	}
}

// TestRecorderNoData asserts a recorder that captured nothing produces no
// data at all.
func TestRecorderNoData(t *testing.T) {
	t.Parallel()

	p, _ := newTestPlatform(t)
	ms, err := p.GetUserMedia(context.Background(), capture.DefaultConstraints)
	assert.NilErr(t, err)
	defer ms.Release()

	rec, err := ms.NewRecorder(audio.TypeOgg)
	assert.NilErr(t, err)
	var calls int
	assert.NilErr(t, rec.Start(time.Millisecond, func([]byte) { calls++ }))
	time.Sleep(10 * time.Millisecond)
	tail, err := rec.Stop()
	assert.NilErr(t, err)
	if len(tail) != 0 || calls != 0 {
		t.Fatalf("unexpected data: tail %d bytes, %d chunks", len(tail), calls)
	}
}

// TestControllerWithPlatform asserts the capture controller works with the
// native platform and releases the device.
func TestControllerWithPlatform(t *testing.T) {
	t.Parallel()

	p, tdc := newTestPlatform(t)
	ctrl := capture.NewController(p,
		capture.WithLogger(testutils.TestLoggerSys(t, "CAPT")),
		capture.WithTimeslice(5*time.Millisecond))
	assert.NilErr(t, ctrl.Start(context.Background(), 10))
	assert.ChanWritten(t, tdc.started)
	for i := 0; i < 5; i++ {
		tdc.capture(samplesPerPeriod, int16(i*100))
	}

	blob, err := ctrl.Stop()
	assert.NilErr(t, err)
	if blob.Type != audio.TypeOggOpus {
		t.Fatalf("unexpected type %q", blob.Type)
	}
	if n := len(readOggPackets(t, blob.Data)); n != 7 {
		t.Fatalf("unexpected nb of packets: got %d, want 7", n)
	}
	assert.ChanWritten(t, tdc.uninited)
}

// TestControllerKeepsDataFlushedOnStop asserts no ogg page is lost when the
// recorder is still flushing as the capture is stopped.
func TestControllerKeepsDataFlushedOnStop(t *testing.T) {
	t.Parallel()

	const periods = 45
	for i := 0; i < 5; i++ {
		p, tdc := newTestPlatform(t)
		p.newEncoder = func(int, int) (audio.OpusEncoder, error) {
			return slowEncoder{delay: 300 * time.Microsecond}, nil
		}
		ctrl := capture.NewController(p,
			capture.WithLogger(testutils.TestLoggerSys(t, "CAPT")),
			capture.WithTimeslice(time.Millisecond))
		assert.NilErr(t, ctrl.Start(context.Background(), 10))
		assert.ChanWritten(t, tdc.started)
		for j := 0; j < periods; j++ {
			tdc.capture(samplesPerPeriod, int16(j))
		}

		blob, err := ctrl.Stop()
		assert.NilErr(t, err)
		if n := len(readOggPackets(t, blob.Data)); n != periods+2 {
			t.Fatalf("run %d: unexpected nb of packets: got %d, want %d",
				i, n, periods+2)
		}
		assert.ChanWritten(t, tdc.uninited)
	}
}

// writeTestWAV writes a WAV file with frames samples of a constant value.
func writeTestWAV(t testing.TB, dir string, frames int, v float32) string {
	t.Helper()
	buf := audio.NewBuffer(sampleRate, 1, frames)
	for i := range buf.Channels[0] {
		buf.Channels[0][i] = v
	}
	blob, err := audio.EncodeWAV(buf)
	assert.NilErr(t, err)
	fname := filepath.Join(dir, "note.wav")
	assert.NilErr(t, os.WriteFile(fname, blob.Data, 0o600))
	return fname
}

type testEvents chan playback.ElementEvent

// waitFor waits for an event of the given type, skipping others.
func (te testEvents) waitFor(t testing.TB, typ playback.ElementEventType) playback.ElementEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-te:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", typ)
		}
	}
}

func newTestElement(t testing.TB, opts ...ElementOption) (*Element, *testDeviceContext, testEvents) {
	c, tdc := newTestContext(t)
	e := c.NewElement(quality.NewProcessor(), opts...)
	events := make(testEvents, 100)
	e.SetEventHandler(func(ev playback.ElementEvent) { events <- ev })
	return e, tdc, events
}

// TestElementPlaysFile asserts a file source is decoded and played with the
// volume applied, until it ends.
func TestElementPlaysFile(t *testing.T) {
	t.Parallel()

	const frames = samplesPerPeriod + 40
	fname := writeTestWAV(t, testutils.TempTestDir(t, "element"), frames, 0.5)
	e, tdc, events := newTestElement(t)

	src := "file://" + filepath.ToSlash(fname)
	assert.NilErr(t, e.Load(src))
	ev := events.waitFor(t, playback.ElementLoadStart)
	if ev.URL != src {
		t.Fatalf("unexpected url %q", ev.URL)
	}
	events.waitFor(t, playback.ElementLoadedMetadata)
	events.waitFor(t, playback.ElementCanPlay)
	assert.FloatNear(t, e.Duration(), float64(frames)/sampleRate, 1e-9)

	assert.NilErr(t, e.SetVolume(0.5))
	assert.NilErr(t, e.Play(context.Background()))
	assert.ChanWritten(t, tdc.started)

	out := make([]byte, samplesPerPeriod*rawFormatSampleSize)
	tdc.callback(out, nil, samplesPerPeriod)
	got := audio.BytesToLES16Slice(out, nil)
	for i, s := range got {
		if s != 8192 {
			t.Fatalf("unexpected sample %d: got %d, want 8192", i, s)
		}
	}

	// Last partial period is followed by silence.
	tdc.callback(out, nil, samplesPerPeriod)
	got = audio.BytesToLES16Slice(out, nil)
	if got[39] != 8192 || got[40] != 0 || got[len(got)-1] != 0 {
		t.Fatalf("unexpected tail samples %d %d %d", got[39], got[40], got[len(got)-1])
	}

	events.waitFor(t, playback.ElementEnded)
	assert.ChanWritten(t, tdc.stopped)
	assert.FloatNear(t, e.CurrentTime(), e.Duration(), 1e-9)

	// Playing again restarts from the beginning.
	assert.NilErr(t, e.Play(context.Background()))
	assert.ChanWritten(t, tdc.started)
	assert.FloatNear(t, e.CurrentTime(), 0, 0)
	assert.NilErr(t, e.Pause())
	assert.ChanWritten(t, tdc.stopped)

	assert.NilErr(t, e.Close())
	assert.ChanWritten(t, tdc.uninited)
}

// TestElementHTTP asserts http sources are fetched and that failures are
// reported as error events.
func TestElementHTTP(t *testing.T) {
	t.Parallel()

	wav := writeTestWAV(t, testutils.TempTestDir(t, "element"), 4800, 0.25)
	data, err := os.ReadFile(wav)
	assert.NilErr(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/note.wav" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(data)
	}))
	defer srv.Close()

	e, _, events := newTestElement(t, WithHTTPClient(srv.Client()))

	assert.NilErr(t, e.Load(srv.URL+"/note.wav"))
	events.waitFor(t, playback.ElementLoadedMetadata)
	assert.FloatNear(t, e.Duration(), 0.1, 1e-9)

	assert.NilErr(t, e.Load(srv.URL+"/missing.wav"))
	ev := events.waitFor(t, playback.ElementError)
	if ev.URL != srv.URL+"/missing.wav" || ev.Err == nil {
		t.Fatalf("unexpected error event %+v", ev)
	}
	assert.NonNilErr(t, e.Play(context.Background()))
	assert.FloatNear(t, e.Duration(), 0, 0)
}

// TestElementWithController asserts the playback controller drives the
// native element through a full playback.
func TestElementWithController(t *testing.T) {
	t.Parallel()

	fname := writeTestWAV(t, testutils.TempTestDir(t, "element"), 960, 0.1)
	c, tdc := newTestContext(t)
	e := c.NewElement(quality.NewProcessor())
	changes := make(chan playback.Snapshot, 100)
	ctrl := playback.NewController(e,
		playback.WithLogger(testutils.TestLoggerSys(t, "PLAY")),
		playback.WithChangeHandler(func(s playback.Snapshot) { changes <- s }))

	assert.NilErr(t, ctrl.Bind(fname))
	for s := assert.ChanWritten(t, changes); s.State != playback.StateReady; {
		s = assert.ChanWritten(t, changes)
	}
	assert.NilErr(t, ctrl.Play(context.Background()))
	if ctrl.State() != playback.StatePlaying {
		t.Fatalf("unexpected state %s", ctrl.State())
	}

	out := make([]byte, samplesPerPeriod*rawFormatSampleSize)
	tdc.callback(out, nil, samplesPerPeriod)
	for s := assert.ChanWritten(t, changes); s.State != playback.StateReady; {
		s = assert.ChanWritten(t, changes)
	}
	if pos := ctrl.Snapshot().Position; pos != 0 {
		t.Fatalf("position not reset: %v", pos)
	}
}
