package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

type logBackend struct {
	stdOut     io.Writer
	logRotator *rotator.Rotator
}

func (bknd *logBackend) Write(b []byte) (int, error) {
	if bknd.stdOut != nil {
		bknd.stdOut.Write(b)
	}
	if bknd.logRotator != nil {
		bknd.logRotator.Write(b)
	}

	return len(b), nil
}

func (bknd *logBackend) Close() error {
	if bknd.logRotator != nil {
		return bknd.logRotator.Close()
	}
	return nil
}

// loggers creates subsystem loggers.
type loggers struct {
	bknd  *logBackend
	slog  *slog.Backend
	level slog.Level
}

// newLoggers creates the log backend. Logs go to stderr (so that stdout only
// has command output) and, when logFile is set, to a rotated log file.
func newLoggers(logFile, debugLevel string, maxLogFiles int) (*loggers, error) {
	level, ok := slog.LevelFromString(debugLevel)
	if !ok {
		return nil, fmt.Errorf("unknown log level %q", debugLevel)
	}

	bknd := &logBackend{stdOut: os.Stderr}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logRotator, err := rotator.New(logFile, 1024, false, maxLogFiles)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
		bknd.logRotator = logRotator
	}
	return &loggers{bknd: bknd, slog: slog.NewBackend(bknd), level: level}, nil
}

func (l *loggers) logger(subsys string) slog.Logger {
	log := l.slog.Logger(subsys)
	log.SetLevel(l.level)
	return log
}
