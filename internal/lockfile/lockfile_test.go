package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/companyzero/voicenote/internal/assert"
)

// TestSingleUse tests that locking using a single caller works.
func TestSingleUse(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "capture.lock")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	lf, err := Acquire(ctx, fname, "recording")
	assert.NilErr(t, err)

	info, err := ReadInfo(fname)
	assert.NilErr(t, err)
	if info.PID != os.Getpid() || info.Purpose != "recording" || info.Process == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	assert.NilErr(t, lf.Close())
}

// TestConcurrentLock tests the behavior of the lockfile when multiple
// concurrent attempts are made to acquire it.
func TestConcurrentLock(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "capture.lock")
	testCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The first attempt succeeds immediately.
	ctx1, cancel1 := context.WithCancel(testCtx)
	lf, err := Acquire(ctx1, fname, "first")
	assert.NilErr(t, err)

	// Canceling the context now does not release the lock.
	cancel1()

	// The second attempt blocks until its context is done.
	ctx2, cancel2 := context.WithTimeout(testCtx, 50*time.Millisecond)
	defer cancel2()
	_, err = Acquire(ctx2, fname, "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The third attempt blocks until the first lock is released.
	ctx3, cancel3 := context.WithCancel(testCtx)
	defer cancel3()
	cf3, cerr3 := make(chan *LockFile), make(chan error)
	go func() {
		lf, err := Acquire(ctx3, fname, "third")
		if err != nil {
			cerr3 <- err
		} else {
			cf3 <- lf
		}
	}()
	assert.Chan2NotWritten(t, cf3, cerr3, time.Second)

	assert.NilErr(t, lf.Close())
	lf3 := assert.ChanWritten(t, cf3)
	info, err := ReadInfo(fname)
	assert.NilErr(t, err)
	assert.DeepEqual(t, info.Purpose, "third")
	assert.NilErr(t, lf3.Close())
}
