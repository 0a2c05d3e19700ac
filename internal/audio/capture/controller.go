package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/logutil"
	"github.com/decred/slog"
)

// DefaultTimeslice is how often recorders are asked to emit encoded data.
const DefaultTimeslice = 500 * time.Millisecond

// tickInterval is the resolution of the duration timer.
const tickInterval = time.Second

// State is the state of the capture controller.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateRecording
	StateStopping
	StateCancelling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateCancelling:
		return "cancelling"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// EventType identifies events emitted by the controller.
type EventType int

const (
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventType = iota

	// EventTick is emitted once per second while recording.
	EventTick

	// EventStopped is emitted once per session that reached the stopping
	// state, either manually or due to the max duration.
	EventStopped

	// EventCancelled is emitted when a session is cancelled.
	EventCancelled
)

// Event is a notification from the controller.
type Event struct {
	Type    EventType
	State   State
	Elapsed int

	// Blob, Err and AutoStopped are filled for EventStopped.
	Blob        audio.Blob
	Err         error
	AutoStopped bool
}

type config struct {
	log         slog.Logger
	newTicker   NewTickerFunc
	timeslice   time.Duration
	prefs       []string
	constraints Constraints
	handler     func(Event)
}

// Option is a functional controller option.
type Option func(c *config)

// WithLogger sets the controller logger.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithTicker replaces the source of the one second duration ticks.
func WithTicker(f NewTickerFunc) Option {
	return func(c *config) {
		c.newTicker = f
	}
}

// WithTimeslice sets the interval at which recorders emit data.
func WithTimeslice(d time.Duration) Option {
	return func(c *config) {
		c.timeslice = d
	}
}

// WithPreferences replaces the ordered list of preferred formats.
func WithPreferences(prefs []string) Option {
	return func(c *config) {
		c.prefs = prefs
	}
}

// WithConstraints replaces the constraints used to request the microphone.
func WithConstraints(cons Constraints) Option {
	return func(c *config) {
		c.constraints = cons
	}
}

// WithEventHandler sets the handler for controller events. The handler is
// called without holding any controller locks, possibly from multiple
// goroutines.
func WithEventHandler(h func(Event)) Option {
	return func(c *config) {
		c.handler = h
	}
}

// session is the state of one capture, from start until it returns to idle.
type session struct {
	id         uint64
	log        slog.Logger
	maxSeconds int
	elapsed    int
	chunks     [][]byte
	size       int
	mimeType   string
	stream     MediaStream
	rec        Recorder
	ticker     Ticker
	tickQuit   chan struct{}
	auto       bool

	cancelAcquire context.CancelFunc

	// done is closed once blob and err are set.
	done chan struct{}
	blob audio.Blob
	err  error
}

func (sess *session) assemble() (audio.Blob, error) {
	if len(sess.chunks) == 0 || sess.size == 0 {
		return audio.Blob{}, ErrEmptyRecording
	}
	data := make([]byte, 0, sess.size)
	for _, c := range sess.chunks {
		data = append(data, c...)
	}
	return audio.Blob{Data: data, Type: sess.mimeType}, nil
}

type eventKind int

const (
	evStart eventKind = iota
	evAcquired
	evFailed
	evChunk
	evTick
	evStop
	evCancel
	evFinalized
)

// event is an input to the state machine.
type event struct {
	kind     eventKind
	sess     *session
	stream   MediaStream
	rec      Recorder
	mimeType string
	data     []byte
	err      error
}

// transition is the outcome of applying an event.
type transition struct {
	events []Event

	// run completes the transition. It is called without holding the
	// controller mutex and its result is returned to the dispatcher.
	run func() (audio.Blob, error)

	blob audio.Blob
	err  error
}

// Controller turns a live microphone input into one encoded blob, bounded in
// time. At most one capture may be in progress.
type Controller struct {
	platform Platform
	cfg      config
	log      slog.Logger

	mtx    sync.Mutex
	state  State
	sess   *session
	last   *session
	nextID uint64
}

// NewController creates a capture controller over the given platform.
func NewController(platform Platform, opts ...Option) *Controller {
	cfg := config{
		log:         slog.Disabled,
		newTicker:   newTimeTicker,
		timeslice:   DefaultTimeslice,
		prefs:       PreferredFormats,
		constraints: DefaultConstraints,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{
		platform: platform,
		cfg:      cfg,
		log:      cfg.log,
	}
}

// dispatch is the single entry point of the state machine. Every state change
// and its side effects go through here.
func (c *Controller) dispatch(ev event) (audio.Blob, error) {
	c.mtx.Lock()
	t := c.apply(ev)
	c.mtx.Unlock()

	if c.cfg.handler != nil {
		for _, e := range t.events {
			c.cfg.handler(e)
		}
	}
	if t.run != nil {
		return t.run()
	}
	return t.blob, t.err
}

// apply changes the state according to ev. It must be called with the mutex
// held and must not block. Calls into the platform or the recorder are
// deferred to the transition's run func.
func (c *Controller) apply(ev event) transition {
	var t transition
	sess := c.sess

	switch ev.kind {
	case evStart:
		if c.state != StateIdle {
			t.err = ErrBusy
			return t
		}
		c.nextID++
		ev.sess.id = c.nextID
		ev.sess.log = logutil.SessionLogger(c.log, "capture", c.nextID)
		c.sess, c.last = ev.sess, ev.sess
		c.setState(&t, StateRequesting)
		ev.sess.log.Debugf("Requesting microphone (max duration %ds)",
			ev.sess.maxSeconds)

	case evFailed:
		t.err = ev.err
		if ev.sess != sess {
			return t
		}
		if c.state == StateCancelling {
			t.err = ErrCancelled
		} else {
			sess.log.Warnf("Unable to start capture: %v", ev.err)
		}
		c.finish(&t, audio.Blob{}, t.err)

	case evAcquired:
		if ev.sess != sess || c.state != StateRequesting {
			// The recorder was started for a session that is no longer
			// wanted. It is torn down before the session goes idle.
			current := ev.sess == sess
			rec, stream := ev.rec, ev.stream
			t.run = func() (audio.Blob, error) {
				rec.Stop()
				stream.Release()
				if !current {
					return audio.Blob{}, ErrCancelled
				}
				return c.dispatch(event{kind: evFailed, sess: ev.sess, err: ErrCancelled})
			}
			return t
		}

		sess.stream, sess.rec = ev.stream, ev.rec
		sess.mimeType = ev.mimeType
		if sess.mimeType == "" {
			sess.mimeType = ev.rec.MimeType()
		}
		sess.ticker = c.cfg.newTicker(tickInterval)
		sess.tickQuit = make(chan struct{})
		go c.tickLoop(sess, sess.ticker, sess.tickQuit)
		c.setState(&t, StateRecording)
		sess.log.Infof("Recording with format %q", sess.mimeType)

	case evChunk:
		// Recorders may flush data while they are being started or
		// stopped. Only a cancelled session drops it.
		if ev.sess != sess || len(ev.data) == 0 {
			return t
		}
		switch c.state {
		case StateRequesting, StateRecording, StateStopping:
		default:
			return t
		}
		sess.chunks = append(sess.chunks, append([]byte(nil), ev.data...))
		sess.size += len(ev.data)
		sess.log.Tracef("Received chunk of %d bytes (total %d)",
			len(ev.data), sess.size)

	case evTick:
		if ev.sess != sess || c.state != StateRecording {
			return t
		}
		sess.elapsed++
		t.events = append(t.events, Event{
			Type:    EventTick,
			State:   c.state,
			Elapsed: sess.elapsed,
		})
		if sess.elapsed >= sess.maxSeconds {
			sess.log.Infof("Reached max duration of %ds", sess.maxSeconds)
			sess.auto = true
			c.beginTeardown(&t, StateStopping)
		}

	case evStop:
		if c.state != StateRecording {
			t.err = ErrNotRecording
			return t
		}
		c.beginTeardown(&t, StateStopping)

	case evCancel:
		switch c.state {
		case StateRequesting:
			c.setState(&t, StateCancelling)
			sess.cancelAcquire()
		case StateRecording:
			c.beginTeardown(&t, StateCancelling)
		}

	case evFinalized:
		if ev.sess != sess {
			t.err = ErrNotRecording
			return t
		}
		if ev.err != nil {
			sess.log.Warnf("Recorder finalized with error: %v", ev.err)
		}
		if c.state == StateCancelling {
			sess.chunks, sess.size = nil, 0
			t.blob, t.err = audio.Blob{}, ErrCancelled
		} else {
			if len(ev.data) > 0 {
				sess.chunks = append(sess.chunks, ev.data)
				sess.size += len(ev.data)
			}
			t.blob, t.err = sess.assemble()
		}
		c.finish(&t, t.blob, t.err)
	}

	return t
}

// setState switches to a new state, recording the change event.
func (c *Controller) setState(t *transition, to State) {
	c.state = to
	var elapsed int
	if c.sess != nil {
		elapsed = c.sess.elapsed
	}
	t.events = append(t.events, Event{
		Type:    EventStateChanged,
		State:   to,
		Elapsed: elapsed,
	})
}

// beginTeardown stops the duration timer and schedules finalization of the
// recorder. Chunks flushed by the recorder until Stop returns still belong to
// the session unless it is being cancelled.
func (c *Controller) beginTeardown(t *transition, to State) {
	sess := c.sess
	c.setState(t, to)
	c.stopTicker(sess)

	rec, stream := sess.rec, sess.stream
	t.run = func() (audio.Blob, error) {
		tail, err := rec.Stop()
		stream.Release()
		return c.dispatch(event{kind: evFinalized, sess: sess, data: tail, err: err})
	}
}

// finish completes the current session and returns to idle.
func (c *Controller) finish(t *transition, blob audio.Blob, err error) {
	sess := c.sess
	prev := c.state
	c.stopTicker(sess)
	sess.blob, sess.err = blob, err
	close(sess.done)
	c.setState(t, StateIdle)
	c.sess = nil

	switch {
	case errors.Is(err, ErrCancelled):
		sess.log.Infof("Capture cancelled")
		t.events = append(t.events, Event{Type: EventCancelled, Elapsed: sess.elapsed})
	case prev == StateStopping:
		if err == nil {
			sess.log.Infof("Capture finished after %ds with %d chunks "+
				"(%d bytes)", sess.elapsed, len(sess.chunks), sess.size)
		} else {
			sess.log.Warnf("Capture finished after %ds: %v", sess.elapsed, err)
		}
		t.events = append(t.events, Event{
			Type:        EventStopped,
			Elapsed:     sess.elapsed,
			Blob:        blob,
			Err:         err,
			AutoStopped: sess.auto,
		})
	}
}

func (c *Controller) stopTicker(sess *session) {
	if sess.tickQuit == nil {
		return
	}
	sess.ticker.Stop()
	close(sess.tickQuit)
	sess.tickQuit = nil
}

func (c *Controller) tickLoop(sess *session, ticker Ticker, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-ticker.C():
			c.dispatch(event{kind: evTick, sess: sess})
		}
	}
}

// Start requests access to the microphone and starts recording. Recording is
// automatically stopped once maxSeconds have elapsed. The passed context only
// bounds the acquisition of the microphone.
func (c *Controller) Start(ctx context.Context, maxSeconds int) error {
	if maxSeconds <= 0 {
		return fmt.Errorf("invalid max duration %d", maxSeconds)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := &session{
		maxSeconds:    maxSeconds,
		cancelAcquire: cancel,
		done:          make(chan struct{}),
	}
	if _, err := c.dispatch(event{kind: evStart, sess: sess}); err != nil {
		return err
	}

	stream, err := c.platform.GetUserMedia(ctx, c.cfg.constraints)
	if err != nil {
		_, err = c.dispatch(event{kind: evFailed, sess: sess, err: err})
		return err
	}

	// The stream is owned by this function until the session accepts it.
	handedOff := false
	defer func() {
		if !handedOff {
			stream.Release()
		}
	}()

	mimeType := SelectFormat(c.platform.IsTypeSupported, c.cfg.prefs)
	rec, err := stream.NewRecorder(mimeType)
	if err != nil {
		err = fmt.Errorf("unable to create recorder for %q: %w", mimeType, err)
		_, err = c.dispatch(event{kind: evFailed, sess: sess, err: err})
		return err
	}

	onData := func(b []byte) {
		c.dispatch(event{kind: evChunk, sess: sess, data: b})
	}
	if err := rec.Start(c.cfg.timeslice, onData); err != nil {
		err = fmt.Errorf("unable to start recorder: %w", err)
		_, err = c.dispatch(event{kind: evFailed, sess: sess, err: err})
		return err
	}

	// From here on the session owns the stream and the recorder, even
	// when it was cancelled in the meantime.
	handedOff = true
	_, err = c.dispatch(event{
		kind:     evAcquired,
		sess:     sess,
		stream:   stream,
		rec:      rec,
		mimeType: mimeType,
	})
	return err
}

// Stop finalizes the current recording and returns the encoded blob. It
// returns ErrEmptyRecording if no data was recorded.
func (c *Controller) Stop() (audio.Blob, error) {
	return c.dispatch(event{kind: evStop})
}

// Cancel discards the current capture. It is a no-op when idle.
func (c *Controller) Cancel() {
	c.dispatch(event{kind: evCancel})
}

// Close tears down any capture in progress.
func (c *Controller) Close() {
	c.Cancel()
}

// Wait blocks until the latest capture session ends and returns its result.
func (c *Controller) Wait(ctx context.Context) (audio.Blob, error) {
	c.mtx.Lock()
	sess := c.last
	c.mtx.Unlock()
	if sess == nil {
		return audio.Blob{}, ErrNotRecording
	}

	select {
	case <-sess.done:
		return sess.blob, sess.err
	case <-ctx.Done():
		return audio.Blob{}, ctx.Err()
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Busy returns true if a capture is in progress.
func (c *Controller) Busy() bool {
	return c.State() != StateIdle
}

// Elapsed returns the elapsed seconds of the current (or latest) capture.
func (c *Controller) Elapsed() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sess != nil {
		return c.sess.elapsed
	}
	if c.last != nil {
		return c.last.elapsed
	}
	return 0
}
