package playback

import (
	"context"
	"fmt"
)

// ElementEventType identifies signals emitted by a media element.
type ElementEventType int

const (
	ElementLoadStart ElementEventType = iota
	ElementLoadedMetadata
	ElementCanPlay
	ElementTimeUpdate
	ElementEnded
	ElementError
)

func (t ElementEventType) String() string {
	switch t {
	case ElementLoadStart:
		return "loadstart"
	case ElementLoadedMetadata:
		return "loadedmetadata"
	case ElementCanPlay:
		return "canplay"
	case ElementTimeUpdate:
		return "timeupdate"
	case ElementEnded:
		return "ended"
	case ElementError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ElementEvent is a signal emitted by a media element.
type ElementEvent struct {
	Type ElementEventType

	// URL is the source the element was loading or playing when the event
	// was generated.
	URL string

	// Err is set for ElementError events.
	Err error
}

// Element is a platform media element able to play one source at a time.
//
// Elements may call the event handler from any goroutine, including
// synchronously from within their methods.
type Element interface {
	// SetEventHandler sets the function that receives element events.
	SetEventHandler(h func(ElementEvent))

	// Load starts loading the source. Any previous source is discarded.
	Load(url string) error

	// Play starts or resumes playback. It may block until playback has
	// actually started.
	Play(ctx context.Context) error

	Pause() error

	// SetCurrentTime moves the playback position, in seconds.
	SetCurrentTime(seconds float64) error

	// SetVolume sets the output volume, in the range [0, 1].
	SetVolume(level float64) error

	// CurrentTime is the playback position, in seconds.
	CurrentTime() float64

	// Duration is the total duration of the source, in seconds. It is zero
	// or non-finite when unknown.
	Duration() float64

	// Close releases the resources held by the element.
	Close() error
}
