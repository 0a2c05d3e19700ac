package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/companyzero/voicenote/internal/upload"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
	strduration "github.com/xhit/go-str2duration/v2"
)

const (
	defaultRootDir    = "~/.voicenote"
	defaultConfigName = "voicenote.conf"
	defaultMaxLogs    = 10
)

var errIniNotFound = errors.New("not found")

// settings is the collection of all voicenote settings.
type settings struct {
	// default section
	Root        string
	OwnerID     string        `validate:"required,max=128"`
	MaxDuration time.Duration `validate:"min=1s,max=1h"`
	Timeslice   time.Duration `validate:"min=20ms,max=10s"`
	FFmpegPath  string

	// audio section
	CaptureDevice  string
	PlaybackDevice string
	CaptureGain    float64 `validate:"min=-30,max=30"`
	Volume         float64 `validate:"min=0,max=1"`

	// storage section
	Storage   string `validate:"oneof=dir s3"`
	UploadDir string
	S3        upload.S3Config `validate:"-"`

	// log section
	LogFile          string
	DebugLevel       string
	MaxLogFiles      int `validate:"min=0"`
	ListenPrometheus string `validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// defaultSettings returns the settings used when the config file does not
// set a value.
func defaultSettings(root string) *settings {
	return &settings{
		Root:        root,
		OwnerID:     "local",
		MaxDuration: 2 * time.Minute,
		Timeslice:   500 * time.Millisecond,
		Volume:      1,
		Storage:     "dir",
		UploadDir:   filepath.Join(root, "notes"),
		S3:          upload.S3Config{Prefix: "voice"},
		LogFile:     filepath.Join(root, "logs", "voicenote.log"),
		DebugLevel:  "info",
		MaxLogFiles: defaultMaxLogs,
	}
}

func iniString(cfg ini.File, p *string, section, key string) {
	if v, ok := cfg.Get(section, key); ok {
		*p = strings.TrimSpace(v)
	}
}

func iniPath(cfg ini.File, p *string, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return nil
	}
	path, err := homedir.Expand(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("[%s]%s: %w", section, key, err)
	}
	*p = path
	return nil
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		*p = i
	}
	return err
}

func iniFloat(cfg ini.File, p *float64, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err == nil {
		*p = f
	}
	return err
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	dur, err := strduration.ParseDuration(strings.TrimSpace(v))
	if err == nil {
		*p = dur
	}
	return err
}

// notFound returns nil if err is errIniNotFound.
func notFound(err error, section, key string) error {
	if err == nil || errors.Is(err, errIniNotFound) {
		return nil
	}
	return fmt.Errorf("invalid [%s]%s: %w", section, key, err)
}

// loadSettings loads the settings from the config file. A missing config file
// is not an error: the defaults are used instead.
func loadSettings(filename string) (*settings, error) {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	root, err := homedir.Expand(defaultRootDir)
	if err != nil {
		return nil, err
	}

	cfg, err := ini.LoadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		cfg = ini.File{}
	} else if err != nil {
		return nil, fmt.Errorf("unable to load config %s: %w", filename, err)
	}

	// The root dir changes the default of every other path.
	if err := iniPath(cfg, &root, "", "root"); err != nil {
		return nil, err
	}
	s := defaultSettings(root)

	iniString(cfg, &s.OwnerID, "", "owner")
	iniString(cfg, &s.FFmpegPath, "", "ffmpeg")
	errs := []error{
		notFound(iniDuration(cfg, &s.MaxDuration, "", "maxduration"), "", "maxduration"),
		notFound(iniDuration(cfg, &s.Timeslice, "", "timeslice"), "", "timeslice"),

		notFound(iniFloat(cfg, &s.CaptureGain, "audio", "capturegain"), "audio", "capturegain"),
		notFound(iniFloat(cfg, &s.Volume, "audio", "volume"), "audio", "volume"),

		iniPath(cfg, &s.UploadDir, "storage", "dir"),
		iniPath(cfg, &s.LogFile, "log", "logfile"),
		notFound(iniInt(cfg, &s.MaxLogFiles, "log", "maxlogfiles"), "log", "maxlogfiles"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	iniString(cfg, &s.CaptureDevice, "audio", "capturedevice")
	iniString(cfg, &s.PlaybackDevice, "audio", "playbackdevice")

	iniString(cfg, &s.Storage, "storage", "type")
	iniString(cfg, &s.S3.Endpoint, "storage", "s3endpoint")
	iniString(cfg, &s.S3.Region, "storage", "s3region")
	iniString(cfg, &s.S3.Bucket, "storage", "s3bucket")
	iniString(cfg, &s.S3.AccessKeyID, "storage", "s3accesskeyid")
	iniString(cfg, &s.S3.SecretAccessKey, "storage", "s3secretaccesskey")
	iniString(cfg, &s.S3.Prefix, "storage", "s3prefix")
	iniString(cfg, &s.S3.PublicURL, "storage", "s3publicurl")

	iniString(cfg, &s.DebugLevel, "log", "debuglevel")
	iniString(cfg, &s.ListenPrometheus, "log", "listenprometheus")

	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

// check checks the settings after they have been loaded or changed by
// command line flags.
func (s *settings) check() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}
