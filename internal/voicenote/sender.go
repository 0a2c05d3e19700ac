package voicenote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/capture"
	"github.com/companyzero/voicenote/internal/audio/quality"
	"github.com/companyzero/voicenote/internal/logutil"
	"github.com/companyzero/voicenote/internal/upload"
	"github.com/decred/slog"
)

// Processor turns a recorded blob into the blob to upload.
type Processor interface {
	Process(ctx context.Context, blob audio.Blob) quality.Result
}

type config struct {
	log   slog.Logger
	stats *Stats
}

// Option configures a Sender.
type Option func(c *config)

// WithLogger sets the logger of the sender.
func WithLogger(log slog.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WithStats sets the stats tracker updated by the sender.
func WithStats(stats *Stats) Option {
	return func(c *config) {
		c.stats = stats
	}
}

// Sender processes recorded voice notes and uploads them.
type Sender struct {
	proc  Processor
	gw    upload.Gateway
	log   slog.Logger
	stats *Stats
}

// NewSender creates a sender that processes blobs with proc and uploads them
// through gw.
func NewSender(proc Processor, gw upload.Gateway, opts ...Option) *Sender {
	cfg := config{log: slog.Disabled}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.stats == nil {
		cfg.stats = NewStats()
	}
	return &Sender{
		proc:  proc,
		gw:    gw,
		log:   cfg.log,
		stats: cfg.stats,
	}
}

// Send processes blob and uploads the result on behalf of ownerID. Processing
// failures are not errors: the original blob is uploaded instead. Upload
// failures are returned unchanged and are not retried.
func (s *Sender) Send(ctx context.Context, blob audio.Blob, ownerID string) (Note, error) {
	if blob.Empty() {
		return Note{}, capture.ErrEmptyRecording
	}
	log := logutil.SessionLogger(s.log, "note", ownerID)

	start := time.Now()
	res := s.proc.Process(ctx, blob)
	s.stats.processDelay.Observe(float64(time.Since(start).Milliseconds()))
	s.stats.notesByStatus.WithLabelValues(res.Status.String()).Inc()
	if !res.Processed() {
		log.Infof("Uploading unprocessed %s audio: %v", blob.Type, res.Reason)
	}

	// Processing is never the reason to drop a note, but a cancelled
	// request is.
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}

	url, err := s.gw.Upload(ctx, res.Blob, ownerID)
	if err != nil {
		s.stats.uploadFailures.Inc()
		log.Warnf("Unable to upload %d bytes: %v", len(res.Blob.Data), err)
		return Note{}, err
	}
	s.stats.notesSent.Inc()
	s.stats.encodedBytes.Add(float64(len(res.Blob.Data)))

	note := Note{
		URL:      url,
		OwnerID:  ownerID,
		Type:     res.Blob.Type,
		Size:     len(res.Blob.Data),
		Status:   res.Status,
		Reason:   res.Reason,
		Duration: res.Duration,
	}
	log.Infof("Sent voice note %s", note)
	return note, nil
}

// Recorder is the capture side used by Record. It is implemented by
// *capture.Controller.
type Recorder interface {
	Start(ctx context.Context, maxSeconds int) error
	Stop() (audio.Blob, error)
	Cancel()
	Wait(ctx context.Context) (audio.Blob, error)
}

var _ Recorder = (*capture.Controller)(nil)

type waitResult struct {
	blob audio.Blob
	err  error
}

// Record captures a voice note of at most maxSeconds and sends it. The
// recording ends when it reaches its maximum duration or when stop is closed.
// If ctx is done before the recording ends, the capture is cancelled, nothing
// is uploaded and capture.ErrCancelled is returned.
func (s *Sender) Record(ctx context.Context, rec Recorder, maxSeconds int,
	ownerID string, stop <-chan struct{}) (Note, error) {

	if err := rec.Start(ctx, maxSeconds); err != nil {
		if ctx.Err() != nil {
			s.stats.cancelled.Inc()
			return Note{}, capture.ErrCancelled
		}
		return Note{}, fmt.Errorf("unable to start capture: %w", err)
	}

	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	done := make(chan waitResult, 1)
	go func() {
		blob, err := rec.Wait(waitCtx)
		done <- waitResult{blob: blob, err: err}
	}()

	var res waitResult
	select {
	case res = <-done:
	case <-stop:
		// Stop may race with the automatic stop. Either way, the
		// session result is delivered through Wait.
		if _, err := rec.Stop(); err != nil && !errors.Is(err, capture.ErrNotRecording) {
			s.log.Debugf("Stop returned: %v", err)
		}
		res = <-done
	case <-ctx.Done():
		rec.Cancel()
		<-done
		s.stats.cancelled.Inc()
		return Note{}, capture.ErrCancelled
	}

	if res.err != nil {
		if errors.Is(res.err, capture.ErrCancelled) {
			s.stats.cancelled.Inc()
		}
		return Note{}, res.err
	}
	if ctx.Err() != nil {
		s.stats.cancelled.Inc()
		return Note{}, capture.ErrCancelled
	}
	return s.Send(ctx, res.blob, ownerID)
}
