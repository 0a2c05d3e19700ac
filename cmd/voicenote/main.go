package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/companyzero/voicenote/internal/audio/quality"
	"github.com/companyzero/voicenote/internal/upload"
	"github.com/companyzero/voicenote/internal/voicenote"
	"github.com/decred/slog"
	"github.com/jessevdk/go-flags"
)

type globalOpts struct {
	ConfigFile string `short:"C" long:"cfg" description:"Path to the config file"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level (trace, debug, info, warn, error, critical)"`
}

// app is the state shared by all commands.
type app struct {
	opts globalOpts

	cfg   *settings
	logs  *loggers
	log   slog.Logger
	stats *voicenote.Stats
}

// setup loads the settings and initializes logging. It is called by every
// command before running.
func (a *app) setup() error {
	cfgFile := a.opts.ConfigFile
	if cfgFile == "" {
		cfgFile = filepath.Join(defaultRootDir, defaultConfigName)
	}
	cfg, err := loadSettings(cfgFile)
	if err != nil {
		return err
	}
	if a.opts.DebugLevel != "" {
		cfg.DebugLevel = a.opts.DebugLevel
	}

	logs, err := newLoggers(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	a.cfg, a.logs = cfg, logs
	a.log = logs.logger("VNOT")
	a.stats = voicenote.NewStats()
	return nil
}

func (a *app) close() {
	if a.logs != nil {
		a.logs.bknd.Close()
	}
}

// context returns a context canceled on SIGINT or SIGTERM. When configured,
// the metrics listener runs until the context is done.
func (a *app) context() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if a.cfg.ListenPrometheus != "" {
		go func() {
			err := a.stats.RunListener(ctx, a.cfg.ListenPrometheus, a.log)
			if err != nil {
				a.log.Errorf("Metrics listener failed: %v", err)
			}
		}()
	}
	return ctx, cancel
}

func (a *app) processor() *quality.Processor {
	return quality.NewProcessor(
		quality.WithLogger(a.logs.logger("QUAL")),
		quality.WithFFmpeg(a.cfg.FFmpegPath),
	)
}

func (a *app) gateway() (upload.Gateway, error) {
	log := a.logs.logger("UPLD")
	switch a.cfg.Storage {
	case "s3":
		return upload.NewS3Gateway(a.cfg.S3, log)
	default:
		return upload.NewDirGateway(a.cfg.UploadDir, a.cfg.S3.Prefix, log)
	}
}

func (a *app) sender() (*voicenote.Sender, error) {
	gw, err := a.gateway()
	if err != nil {
		return nil, err
	}
	return voicenote.NewSender(a.processor(), gw,
		voicenote.WithLogger(a.logs.logger("NOTE")),
		voicenote.WithStats(a.stats)), nil
}

func realMain() error {
	a := new(app)
	defer a.close()

	parser := flags.NewParser(&a.opts, flags.Default)
	parser.AddCommand("record", "Record and send a voice note",
		"Record from the microphone until enter is pressed or the max "+
			"duration is reached, then process, upload and print the "+
			"embed of the note.", &recordCmd{app: a})
	parser.AddCommand("send", "Send an audio file as a voice note",
		"Process and upload an existing audio file.", &sendCmd{app: a})
	parser.AddCommand("process", "Process an audio file",
		"Normalize, compress and encode an audio file as WAV.", &processCmd{app: a})
	parser.AddCommand("play", "Play a voice note",
		"Play a voice note from an URL, file path or embed.", &playCmd{app: a})
	parser.AddCommand("lsdev", "List audio devices",
		"List the capture and playback devices.", &lsdevCmd{app: a})

	_, err := parser.Parse()
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
		return nil
	}
	if err != nil && errors.As(err, &flagsErr) {
		// Already printed by the parser.
		os.Exit(1)
	}
	return err
}

func main() {
	err := realMain()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}
