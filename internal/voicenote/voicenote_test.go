package voicenote

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/voicenote/internal/assert"
	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/capture"
	"github.com/companyzero/voicenote/internal/audio/quality"
	"github.com/companyzero/voicenote/internal/upload"
	"github.com/companyzero/voicenote/internal/testutils"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// testWAV returns a short WAV encoded tone.
func testWAV(t testing.TB) audio.Blob {
	t.Helper()
	buf := audio.NewBuffer(audio.ProcessingSampleRate, 1, 4800)
	for i := range buf.Channels[0] {
		buf.Channels[0][i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	blob, err := audio.EncodeWAV(buf)
	assert.NilErr(t, err)
	return blob
}

// testGateway records uploads.
type testGateway struct {
	err error

	mtx   sync.Mutex
	blobs []audio.Blob
}

func (g *testGateway) Upload(ctx context.Context, blob audio.Blob, ownerID string) (string, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.blobs = append(g.blobs, blob)
	return "https://cdn.example.com/voice/" + ownerID + "/note", nil
}

func (g *testGateway) uploads() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.blobs)
}

// testRecorder returns its data when stopped.
type testRecorder struct {
	data    []byte
	started chan struct{}
}

func (r *testRecorder) MimeType() string { return audio.TypeWAV }

func (r *testRecorder) Start(timeslice time.Duration, onData func([]byte)) error {
	r.started <- struct{}{}
	return nil
}

func (r *testRecorder) Stop() ([]byte, error) {
	return r.data, nil
}

type testStream struct {
	rec *testRecorder
}

func (s *testStream) NewRecorder(mimeType string) (capture.Recorder, error) {
	return s.rec, nil
}

func (s *testStream) Release() {}

type testPlatform struct {
	data    []byte
	started chan struct{}
}

func (p *testPlatform) GetUserMedia(ctx context.Context, c capture.Constraints) (capture.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &testStream{rec: &testRecorder{data: p.data, started: p.started}}, nil
}

func (p *testPlatform) IsTypeSupported(string) bool { return false }

// testTicker is a ticker driven by the test.
type testTicker struct {
	c chan time.Time
}

func (tt *testTicker) C() <-chan time.Time { return tt.c }
func (tt *testTicker) Stop()               {}

type testHarness struct {
	sender   *Sender
	stats    *Stats
	gw       *testGateway
	platform *testPlatform
	ctrl     *capture.Controller
	ticks    chan time.Time
}

func newTestHarness(t testing.TB, data []byte) *testHarness {
	h := &testHarness{
		stats:    NewStats(),
		gw:       &testGateway{},
		platform: &testPlatform{data: data, started: make(chan struct{}, 1)},
		ticks:    make(chan time.Time),
	}
	proc := quality.NewProcessor(quality.WithLogger(testutils.TestLoggerSys(t, "QUAL")))
	h.sender = NewSender(proc, h.gw, WithStats(h.stats),
		WithLogger(testutils.TestLoggerSys(t, "NOTE")))
	h.ctrl = capture.NewController(h.platform,
		capture.WithLogger(testutils.TestLoggerSys(t, "CAPT")),
		capture.WithTicker(func(time.Duration) capture.Ticker {
			return &testTicker{c: h.ticks}
		}))
	t.Cleanup(h.ctrl.Close)
	return h
}

type recordResult struct {
	note Note
	err  error
}

func (h *testHarness) record(ctx context.Context, maxSeconds int, stop chan struct{}) chan recordResult {
	c := make(chan recordResult, 1)
	go func() {
		note, err := h.sender.Record(ctx, h.ctrl, maxSeconds, "alice", stop)
		c <- recordResult{note: note, err: err}
	}()
	return c
}

// TestSendProcessed asserts decodable blobs are processed before upload.
func TestSendProcessed(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	note, err := h.sender.Send(context.Background(), testWAV(t), "alice")
	assert.NilErr(t, err)
	if !note.Processed() || note.Reason != nil {
		t.Fatalf("unexpected status %s: %v", note.Status, note.Reason)
	}
	if note.Type != audio.TypeWAV || note.Duration != 100*time.Millisecond {
		t.Fatalf("unexpected note %s", note)
	}
	if h.gw.uploads() != 1 || note.Size != len(h.gw.blobs[0].Data) {
		t.Fatalf("unexpected uploads %d", h.gw.uploads())
	}

	got := testutil.ToFloat64(h.stats.notesByStatus.WithLabelValues("processed"))
	if got != 1 {
		t.Fatalf("unexpected processed count %v", got)
	}
}

// TestSendUnprocessed asserts undecodable blobs are uploaded unchanged.
func TestSendUnprocessed(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	blob := audio.Blob{Data: testutils.RandomData(t, 512), Type: "audio/x-unknown"}
	note, err := h.sender.Send(context.Background(), blob, "alice")
	assert.NilErr(t, err)
	if note.Processed() || note.Reason == nil {
		t.Fatalf("unexpected status %s", note.Status)
	}
	assert.DeepEqual(t, h.gw.blobs[0], blob)
	assert.DeepEqual(t, note.Type, blob.Type)
}

// TestSendErrors asserts empty blobs are rejected and upload errors are
// returned unchanged.
func TestSendErrors(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	_, err := h.sender.Send(context.Background(), audio.Blob{Type: audio.TypeWAV}, "alice")
	assert.ErrorIs(t, err, capture.ErrEmptyRecording)
	if h.gw.uploads() != 0 {
		t.Fatal("empty blob was uploaded")
	}

	errTest := &upload.Error{Key: "k", Err: errors.New("denied")}
	h.gw.err = errTest
	_, err = h.sender.Send(context.Background(), testWAV(t), "alice")
	assert.ErrorIs(t, err, upload.ErrUpload)
	if !errors.Is(err, errTest) {
		t.Fatalf("unexpected error %v", err)
	}
	if got := testutil.ToFloat64(h.stats.uploadFailures); got != 1 {
		t.Fatalf("unexpected failure count %v", got)
	}
}

// TestRecordStop asserts a recording stopped by the user is sent.
func TestRecordStop(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, testWAV(t).Data)
	stop := make(chan struct{})
	res := h.record(context.Background(), 60, stop)
	assert.ChanWritten(t, h.platform.started)
	close(stop)

	r := assert.ChanWritten(t, res)
	assert.NilErr(t, r.err)
	if !r.note.Processed() || h.gw.uploads() != 1 {
		t.Fatalf("unexpected note %s", r.note)
	}
	if r.note.OwnerID != "alice" {
		t.Fatalf("unexpected owner %q", r.note.OwnerID)
	}
}

// TestRecordAutoStop asserts a recording reaching its max duration is sent.
func TestRecordAutoStop(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, testWAV(t).Data)
	res := h.record(context.Background(), 1, nil)
	assert.ChanWritten(t, h.platform.started)
	h.ticks <- time.Now()

	r := assert.ChanWritten(t, res)
	assert.NilErr(t, r.err)
	if h.gw.uploads() != 1 {
		t.Fatalf("unexpected uploads %d", h.gw.uploads())
	}
}

// TestRecordCancel asserts cancelled recordings are never uploaded.
func TestRecordCancel(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, testWAV(t).Data)
	ctx, cancel := context.WithCancel(context.Background())
	res := h.record(ctx, 60, make(chan struct{}))
	assert.ChanWritten(t, h.platform.started)
	cancel()

	r := assert.ChanWritten(t, res)
	assert.ErrorIs(t, r.err, capture.ErrCancelled)
	if h.gw.uploads() != 0 {
		t.Fatal("cancelled recording was uploaded")
	}
	if h.ctrl.Busy() {
		t.Fatal("controller still busy")
	}

	// Cancelled before the microphone is acquired.
	_, err := h.sender.Record(ctx, h.ctrl, 60, "alice", nil)
	assert.ErrorIs(t, err, capture.ErrCancelled)
	if got := testutil.ToFloat64(h.stats.cancelled); got != 2 {
		t.Fatalf("unexpected cancelled count %v", got)
	}
	if h.gw.uploads() != 0 {
		t.Fatal("cancelled recording was uploaded")
	}
}

// TestNoteEmbed asserts notes survive a round trip through their embed.
func TestNoteEmbed(t *testing.T) {
	t.Parallel()

	note := Note{
		URL:      "https://cdn.example.com/voice/alice/a.wav",
		Type:     audio.TypeWAV,
		Size:     9644,
		Status:   quality.StatusProcessed,
		Duration: 1500 * time.Millisecond,
	}
	body := "listen to this " + note.Embed() + " --embed[type=image/png,url=x]--"
	got := ParseEmbeds(body)
	assert.DeepEqual(t, got, []Note{note})
}
