package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/decred/slog"
)

// UserErrorMessage is the message displayed when a voice note cannot be
// played.
const UserErrorMessage = "Unable to play this voice note."

var (
	// ErrPlayback matches every error that moved a controller into the
	// error state.
	ErrPlayback = errors.New("playback failed")

	// ErrNotBound is returned when a transport command is issued before a
	// source is bound.
	ErrNotBound = errors.New("no source bound to the player")
)

// Error is a failure to load or play a source.
type Error struct {
	URL string
	Err error
}

func (err *Error) Error() string {
	return fmt.Sprintf("unable to play %q: %v", err.URL, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}

func (err *Error) Is(target error) bool {
	return target == ErrPlayback
}

// State is the state of the playback controller.
type State int

const (
	// StateIdle means no source is bound.
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused

	// StateError is terminal until a new source is bound.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Snapshot is the transport state exposed to the UI.
type Snapshot struct {
	URL      string
	State    State
	Position float64
	Duration float64
	Volume   float64
	Err      error
}

// Elapsed is the formatted playback position.
func (s Snapshot) Elapsed() string {
	return FormatTime(s.Position)
}

// Total is the formatted duration.
func (s Snapshot) Total() string {
	return FormatTime(s.Duration)
}

// Progress is the position as a fraction of the duration, or zero when the
// duration is unknown.
func (s Snapshot) Progress() float64 {
	if !isKnownDuration(s.Duration) {
		return 0
	}
	return clamp01(s.Position / s.Duration)
}

// Message is the user facing error message, if any.
func (s Snapshot) Message() string {
	if s.Err == nil {
		return ""
	}
	return UserErrorMessage
}

type config struct {
	log     slog.Logger
	handler func(Snapshot)
	volume  float64
}

// Option is a functional controller option.
type Option func(c *config)

// WithLogger sets the controller logger.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithChangeHandler sets a function called with the new state after every
// change. It is called without holding controller locks.
func WithChangeHandler(h func(Snapshot)) Option {
	return func(c *config) {
		c.handler = h
	}
}

// WithVolume sets the initial volume.
func WithVolume(level float64) Option {
	return func(c *config) {
		c.volume = level
	}
}

// Controller drives a single media element from a bound URL.
type Controller struct {
	log     slog.Logger
	el      Element
	handler func(Snapshot)

	mtx      sync.Mutex
	gen      uint64 // incremented on every bind
	changes  uint64 // incremented on every state change
	url      string
	state    State
	position float64
	duration float64
	volume   float64
	err      error
}

// NewController creates a controller for the element. The controller takes
// over the element's event handler.
func NewController(el Element, opts ...Option) *Controller {
	cfg := config{
		log:    slog.Disabled,
		volume: 1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if math.IsNaN(cfg.volume) {
		cfg.volume = 1
	}
	c := &Controller{
		log:     cfg.log,
		el:      el,
		handler: cfg.handler,
		volume:  clamp01(cfg.volume),
	}
	el.SetEventHandler(c.handleEvent)
	return c
}

// snapshot returns the current state. Must be called with the mutex held.
func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		URL:      c.url,
		State:    c.state,
		Position: c.position,
		Duration: c.duration,
		Volume:   c.volume,
		Err:      c.err,
	}
}

// setState changes the state. Must be called with the mutex held.
func (c *Controller) setState(to State) {
	if c.state != to {
		c.log.Debugf("Player %s -> %s", c.state, to)
	}
	c.state = to
	c.changes++
}

// fail moves to the error state. Must be called with the mutex held.
func (c *Controller) fail(err error) error {
	perr := &Error{URL: c.url, Err: err}
	c.log.Warnf("Player error: %v", perr)
	c.err = perr
	c.position = 0
	c.setState(StateError)
	return perr
}

func (c *Controller) notify(snap Snapshot) {
	if c.handler != nil {
		c.handler(snap)
	}
}

// handleEvent processes an element signal.
func (c *Controller) handleEvent(ev ElementEvent) {
	var position, duration float64
	switch ev.Type {
	case ElementLoadedMetadata, ElementCanPlay, ElementTimeUpdate:
		position, duration = c.el.CurrentTime(), c.el.Duration()
	}

	c.mtx.Lock()
	if c.state == StateIdle || c.state == StateError || ev.URL != c.url {
		c.mtx.Unlock()
		c.log.Tracef("Ignoring %s event for %q", ev.Type, ev.URL)
		return
	}

	var rewind bool
	switch ev.Type {
	case ElementLoadStart:
		c.position, c.duration = 0, 0
		c.setState(StateLoading)

	case ElementLoadedMetadata, ElementCanPlay:
		if isKnownDuration(duration) {
			c.duration = duration
		}
		if c.state == StateLoading {
			c.setState(StateReady)
		}

	case ElementTimeUpdate:
		c.position = position
		if isKnownDuration(duration) {
			c.duration = duration
		}

	case ElementEnded:
		if c.state == StateLoading {
			break
		}
		c.position = 0
		c.setState(StateReady)
		rewind = true

	case ElementError:
		err := ev.Err
		if err == nil {
			err = errors.New("media element error")
		}
		c.fail(err)

	default:
		c.mtx.Unlock()
		return
	}
	snap := c.snapshot()
	c.mtx.Unlock()

	if rewind {
		if err := c.el.SetCurrentTime(0); err != nil {
			c.log.Debugf("Unable to rewind after end: %v", err)
		}
	}
	c.notify(snap)
}

// Bind loads a new source, discarding the current one. Load failures move the
// controller to the error state and are also returned.
func (c *Controller) Bind(url string) error {
	c.mtx.Lock()
	c.gen++
	gen := c.gen
	c.url = url
	c.position, c.duration = 0, 0
	c.err = nil
	c.setState(StateLoading)
	volume := c.volume
	snap := c.snapshot()
	c.mtx.Unlock()
	c.notify(snap)

	c.log.Debugf("Binding player to %q", url)
	if err := c.el.SetVolume(volume); err != nil {
		c.log.Debugf("Unable to set volume: %v", err)
	}

	err := c.el.Load(url)
	if err == nil {
		return nil
	}

	c.mtx.Lock()
	if gen != c.gen || c.state == StateError {
		c.mtx.Unlock()
		return err
	}
	err = c.fail(err)
	snap = c.snapshot()
	c.mtx.Unlock()
	c.notify(snap)
	return err
}

// Play starts or resumes playback. Failures move the controller to the error
// state. A canceled ctx aborts the attempt without entering the error state.
func (c *Controller) Play(ctx context.Context) error {
	c.mtx.Lock()
	switch c.state {
	case StateIdle:
		c.mtx.Unlock()
		return ErrNotBound
	case StateError:
		err := c.err
		c.mtx.Unlock()
		return err
	case StatePlaying:
		c.mtx.Unlock()
		return nil
	}
	gen, changes := c.gen, c.changes
	c.mtx.Unlock()

	err := c.el.Play(ctx)

	c.mtx.Lock()
	if gen != c.gen {
		// Rebound while starting.
		c.mtx.Unlock()
		return err
	}
	switch {
	case err != nil && ctx.Err() != nil:
		c.mtx.Unlock()
		return err
	case err != nil:
		if c.state != StateError {
			err = c.fail(err)
		} else {
			err = c.err
		}
	case changes == c.changes:
		c.setState(StatePlaying)
	}
	snap := c.snapshot()
	c.mtx.Unlock()
	c.notify(snap)
	return err
}

// Pause pauses playback. It is a no-op when not playing.
func (c *Controller) Pause() error {
	c.mtx.Lock()
	if c.state != StatePlaying {
		c.mtx.Unlock()
		return nil
	}
	gen := c.gen
	c.mtx.Unlock()

	err := c.el.Pause()
	pos := c.el.CurrentTime()

	c.mtx.Lock()
	if gen != c.gen || c.state != StatePlaying {
		c.mtx.Unlock()
		return err
	}
	if err != nil {
		err = c.fail(err)
	} else {
		c.position = pos
		c.setState(StatePaused)
	}
	snap := c.snapshot()
	c.mtx.Unlock()
	c.notify(snap)
	return err
}

// Seek moves the playback position to the given fraction of the duration.
// It is a no-op when the duration is unknown.
func (c *Controller) Seek(fraction float64) error {
	if math.IsNaN(fraction) {
		return nil
	}

	c.mtx.Lock()
	if c.state == StateIdle || c.state == StateError || !isKnownDuration(c.duration) {
		c.mtx.Unlock()
		return nil
	}
	gen := c.gen
	pos := clamp01(fraction) * c.duration
	c.mtx.Unlock()

	if err := c.el.SetCurrentTime(pos); err != nil {
		return fmt.Errorf("unable to seek: %w", err)
	}

	c.mtx.Lock()
	if gen != c.gen {
		c.mtx.Unlock()
		return nil
	}
	c.position = pos
	snap := c.snapshot()
	c.mtx.Unlock()
	c.notify(snap)
	return nil
}

// SetVolume sets the output volume, clamped to [0, 1].
func (c *Controller) SetVolume(level float64) error {
	if math.IsNaN(level) {
		return nil
	}
	level = clamp01(level)

	c.mtx.Lock()
	c.volume = level
	snap := c.snapshot()
	c.mtx.Unlock()

	if err := c.el.SetVolume(level); err != nil {
		return fmt.Errorf("unable to set volume: %w", err)
	}
	c.notify(snap)
	return nil
}

// Snapshot returns the current transport state.
func (c *Controller) Snapshot() Snapshot {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.snapshot()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Close unbinds the source and releases the element.
func (c *Controller) Close() error {
	c.mtx.Lock()
	c.gen++
	c.url = ""
	c.position, c.duration = 0, 0
	c.err = nil
	c.setState(StateIdle)
	c.mtx.Unlock()
	return c.el.Close()
}
