package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/audio/capture"
	"github.com/companyzero/voicenote/internal/audio/native"
	"github.com/companyzero/voicenote/internal/audio/playback"
	"github.com/companyzero/voicenote/internal/lockfile"
	"github.com/companyzero/voicenote/internal/voicenote"
	strduration "github.com/xhit/go-str2duration/v2"
)

// fileTypes maps file extensions to content types.
var fileTypes = map[string]string{
	".wav":  audio.TypeWAV,
	".ogg":  audio.TypeOgg,
	".opus": audio.TypeOggOpus,
	".webm": audio.TypeWebm,
	".m4a":  audio.TypeMP4,
	".mp4":  audio.TypeMP4,
}

// readBlob reads an audio file, guessing its type from the extension.
func readBlob(fname string) (audio.Blob, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return audio.Blob{}, err
	}
	typ := fileTypes[strings.ToLower(filepath.Ext(fname))]
	return audio.Blob{Data: data, Type: typ}, nil
}

// captureLockTimeout is how long to wait for another process to release the
// microphone.
const captureLockTimeout = time.Second

// lockCapture ensures a single voicenote process records at a time.
func (a *app) lockCapture(ctx context.Context) (*lockfile.LockFile, error) {
	fname := filepath.Join(a.cfg.Root, "capture.lock")
	lockCtx, cancel := context.WithTimeout(ctx, captureLockTimeout)
	defer cancel()
	lock, err := lockfile.Acquire(lockCtx, fname, "recording")
	if errors.Is(err, context.DeadlineExceeded) {
		info, _ := lockfile.ReadInfo(fname)
		return nil, fmt.Errorf("%w: microphone in use by %s", capture.ErrBusy, info)
	}
	return lock, err
}

type recordCmd struct {
	MaxDuration string `short:"m" long:"max" description:"Max duration of the recording (e.g. 30s, 2m)"`
	Owner       string `short:"o" long:"owner" description:"Owner of the voice note"`

	app *app
}

func (cmd *recordCmd) Execute(args []string) error {
	a := cmd.app
	if err := a.setup(); err != nil {
		return err
	}
	if cmd.MaxDuration != "" {
		d, err := strduration.ParseDuration(cmd.MaxDuration)
		if err != nil {
			return fmt.Errorf("invalid max duration: %w", err)
		}
		a.cfg.MaxDuration = d
	}
	if cmd.Owner != "" {
		a.cfg.OwnerID = cmd.Owner
	}
	if err := a.cfg.check(); err != nil {
		return err
	}

	ctx, cancel := a.context()
	defer cancel()

	lock, err := a.lockCapture(ctx)
	if err != nil {
		return err
	}
	defer lock.Close()

	nctx, err := native.NewContext(a.logs.logger("AUDI"))
	if err != nil {
		return err
	}
	defer nctx.Free()

	sender, err := a.sender()
	if err != nil {
		return err
	}

	cons := capture.DefaultConstraints
	cons.DeviceID = audio.DeviceID(a.cfg.CaptureDevice)
	maxSeconds := int(a.cfg.MaxDuration / time.Second)
	ctrl := capture.NewController(
		nctx.Platform(native.WithCaptureGain(a.cfg.CaptureGain)),
		capture.WithLogger(a.logs.logger("CAPT")),
		capture.WithTimeslice(a.cfg.Timeslice),
		capture.WithConstraints(cons),
		capture.WithEventHandler(func(e capture.Event) {
			switch e.Type {
			case capture.EventTick:
				fmt.Fprintf(os.Stderr, "\rRecording %s / %s",
					playback.FormatTime(float64(e.Elapsed)),
					playback.FormatTime(float64(maxSeconds)))
			case capture.EventStopped:
				fmt.Fprintln(os.Stderr)
			}
		}),
	)
	defer ctrl.Close()

	// Enter stops the recording.
	stop := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(stop)
	}()

	fmt.Fprintf(os.Stderr, "Recording up to %s. Press enter to stop, "+
		"ctrl+c to cancel.\n", a.cfg.MaxDuration)
	note, err := sender.Record(ctx, ctrl, maxSeconds, a.cfg.OwnerID, stop)
	if errors.Is(err, capture.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "Recording cancelled")
		return nil
	}
	if err != nil {
		return err
	}
	if !note.Processed() {
		fmt.Fprintf(os.Stderr, "Sent unprocessed audio: %v\n", note.Reason)
	}
	fmt.Println(note.Embed())
	return nil
}

type sendCmd struct {
	Owner string `short:"o" long:"owner" description:"Owner of the voice note"`
	Args  struct {
		File string `positional-arg-name:"file"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (cmd *sendCmd) Execute(args []string) error {
	a := cmd.app
	if err := a.setup(); err != nil {
		return err
	}
	if cmd.Owner != "" {
		a.cfg.OwnerID = cmd.Owner
	}
	if err := a.cfg.check(); err != nil {
		return err
	}
	ctx, cancel := a.context()
	defer cancel()

	blob, err := readBlob(cmd.Args.File)
	if err != nil {
		return err
	}
	sender, err := a.sender()
	if err != nil {
		return err
	}
	note, err := sender.Send(ctx, blob, a.cfg.OwnerID)
	if err != nil {
		return err
	}
	if !note.Processed() {
		fmt.Fprintf(os.Stderr, "Sent unprocessed audio: %v\n", note.Reason)
	}
	fmt.Println(note.Embed())
	return nil
}

type processCmd struct {
	Args struct {
		In  string `positional-arg-name:"in"`
		Out string `positional-arg-name:"out"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

func (cmd *processCmd) Execute(args []string) error {
	a := cmd.app
	if err := a.setup(); err != nil {
		return err
	}
	ctx, cancel := a.context()
	defer cancel()

	blob, err := readBlob(cmd.Args.In)
	if err != nil {
		return err
	}
	res := a.processor().Process(ctx, blob)
	if err := os.WriteFile(cmd.Args.Out, res.Blob.Data, 0o600); err != nil {
		return err
	}
	if !res.Processed() {
		fmt.Printf("%s: unprocessed (%v), original copied\n", cmd.Args.Out, res.Reason)
		return nil
	}
	fmt.Printf("%s: %s, %d bytes, %s\n", cmd.Args.Out, res.Blob.Type,
		len(res.Blob.Data), playback.FormatTime(res.Duration.Seconds()))
	return nil
}

type playCmd struct {
	Args struct {
		Source string `positional-arg-name:"url|embed"`
	} `positional-args:"yes" required:"yes"`

	app *app
}

// playURL returns the URL to play from src, which may be an URL, a local path
// or a body with a voice note embed.
func playURL(src string) (string, error) {
	if !strings.Contains(src, "--embed[") {
		return src, nil
	}
	notes := voicenote.ParseEmbeds(src)
	if len(notes) == 0 {
		return "", errors.New("no voice note embed found")
	}
	return notes[0].URL, nil
}

func (cmd *playCmd) Execute(args []string) error {
	a := cmd.app
	if err := a.setup(); err != nil {
		return err
	}
	ctx, cancel := a.context()
	defer cancel()

	url, err := playURL(cmd.Args.Source)
	if err != nil {
		return err
	}

	nctx, err := native.NewContext(a.logs.logger("AUDI"))
	if err != nil {
		return err
	}
	defer nctx.Free()

	el := nctx.NewElement(a.processor(),
		native.WithPlaybackDevice(audio.DeviceID(a.cfg.PlaybackDevice)))
	changed := make(chan struct{}, 1)
	ctrl := playback.NewController(el,
		playback.WithLogger(a.logs.logger("PLAY")),
		playback.WithVolume(a.cfg.Volume),
		playback.WithChangeHandler(func(playback.Snapshot) {
			select {
			case changed <- struct{}{}:
			default:
			}
		}),
	)
	defer ctrl.Close()

	if err := ctrl.Bind(url); err != nil {
		return errors.New(playback.UserErrorMessage)
	}
	if err := ctrl.Play(ctx); err != nil {
		a.log.Debugf("Play failed: %v", err)
		return errors.New(playback.UserErrorMessage)
	}

	// Play returned, so the controller leaves the playing state only when
	// the note ends, fails or is paused.
	for {
		select {
		case <-ctx.Done():
			ctrl.Pause()
			fmt.Fprintln(os.Stderr)
			return nil
		case <-changed:
		}

		snap := ctrl.Snapshot()
		switch snap.State {
		case playback.StatePlaying:
			fmt.Fprintf(os.Stderr, "\r%s / %s", snap.Elapsed(), snap.Total())
		case playback.StateError:
			fmt.Fprintln(os.Stderr)
			a.log.Debugf("Playback failed: %v", snap.Err)
			return errors.New(snap.Message())
		case playback.StateReady, playback.StatePaused:
			fmt.Fprintln(os.Stderr)
			return nil
		}
	}
}

type lsdevCmd struct {
	app *app
}

func (cmd *lsdevCmd) Execute(args []string) error {
	a := cmd.app
	if err := a.setup(); err != nil {
		return err
	}
	nctx, err := native.NewContext(a.logs.logger("AUDI"))
	if err != nil {
		return err
	}
	defer nctx.Free()

	devices, err := nctx.Devices()
	if err != nil {
		return err
	}
	list := func(title string, devs []audio.Device) {
		fmt.Println(title)
		for _, d := range devs {
			def := ""
			if d.IsDefault {
				def = " (default)"
			}
			fmt.Printf("  %s%s\n    id: %s\n", d.Name, def, d.ID)
		}
	}
	list("Capture devices:", devices.Capture)
	list("Playback devices:", devices.Playback)
	return nil
}
