package logutil

import (
	"bytes"
	"strings"
	"testing"

	"github.com/decred/slog"
)

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.NewBackend(&buf).Logger("TEST")
	log.SetLevel(slog.LevelDebug)

	sess := SessionLogger(log, "capture", 7)
	sess.Infof("started %d", 1)
	sess.Trace("not shown")
	sess.Warn("level", "kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected nb of lines %d: %q", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[0], "[capture 7] started 1") {
		t.Fatalf("unexpected line %q", lines[0])
	}
	if !strings.Contains(lines[1], "[capture 7]") {
		t.Fatalf("unexpected line %q", lines[1])
	}
	if sess.Level() != slog.LevelDebug {
		t.Fatalf("unexpected level %s", sess.Level())
	}

	if PrefixLogger(nil, "x") != slog.Disabled {
		t.Fatal("nil logger not disabled")
	}
}
