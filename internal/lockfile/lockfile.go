package lockfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// Info identifies the process holding a lock.
type Info struct {
	PID     int
	Host    string
	Process string
	Purpose string
}

func (info Info) String() string {
	return fmt.Sprintf("%s (pid %d on %s) for %s", info.Process, info.PID,
		info.Host, info.Purpose)
}

// LockFile is an exclusive lock held until closed or until the process ends.
type LockFile struct {
	f *lockedfile.File
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf.f == nil {
		return fmt.Errorf("nil internal locked file")
	}
	return lf.f.Close()
}

func writeInfo(f *lockedfile.File, purpose string) {
	host, _ := os.Hostname()
	procName := ""
	if len(os.Args) > 0 {
		procName = filepath.Base(os.Args[0])
	}
	fmt.Fprintf(f, "PID=%d\nHost=%q\nProcess=%q\nPurpose=%q\n",
		os.Getpid(), host, procName, purpose)
}

// Acquire blocks until the lock at filePath is held or ctx is done. The
// holder info is written to the file to ease debugging and to report who
// holds the lock.
func Acquire(ctx context.Context, filePath, purpose string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o0700); err != nil {
		return nil, err
	}

	type result struct {
		f   *lockedfile.File
		err error
	}
	c := make(chan result, 1)
	go func() {
		f, err := lockedfile.Create(filePath)
		c <- result{f: f, err: err}
	}()

	select {
	case r := <-c:
		if r.err != nil {
			return nil, r.err
		}
		// Errors writing the info are not fatal.
		writeInfo(r.f, purpose)
		return &LockFile{f: r.f}, nil

	case <-ctx.Done():
		// The file may still be locked after this returns, so release
		// it when that happens.
		go func() {
			if r := <-c; r.f != nil {
				r.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ReadInfo reads the info of the last holder of the lock. This does not take
// the lock, so it is best effort.
func ReadInfo(filePath string) (Info, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var info Info
	s := bufio.NewScanner(f)
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), "=")
		if !ok {
			continue
		}
		if uv, err := strconv.Unquote(v); err == nil {
			v = uv
		}
		switch k {
		case "PID":
			info.PID, _ = strconv.Atoi(v)
		case "Host":
			info.Host = v
		case "Process":
			info.Process = v
		case "Purpose":
			info.Purpose = v
		}
	}
	return info, s.Err()
}
