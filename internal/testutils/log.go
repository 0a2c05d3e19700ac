package testutils

import (
	"sync"
	"testing"

	"github.com/decred/slog"
)

// testLogBackend writes log lines with t.Log until the test ends. Device
// callbacks and timers may log after the test returns, so writes after
// cleanup are dropped instead of panicking.
type testLogBackend struct {
	mtx  sync.Mutex
	tb   testing.TB
	done bool
}

func (tlb *testLogBackend) Write(b []byte) (int, error) {
	tlb.mtx.Lock()
	if !tlb.done && len(b) > 0 {
		tlb.tb.Log(string(b[:len(b)-1]))
	}
	tlb.mtx.Unlock()
	return len(b), nil
}

// TestLoggerSys returns an slog.Logger for the given subsystem that logs by
// issuing t.Log calls.
func TestLoggerSys(t testing.TB, sys string) slog.Logger {
	tlb := &testLogBackend{tb: t}
	t.Cleanup(func() {
		tlb.mtx.Lock()
		tlb.done = true
		tlb.mtx.Unlock()
	})
	logg := slog.NewBackend(tlb).Logger(sys)
	logg.SetLevel(slog.LevelTrace)
	return logg
}
