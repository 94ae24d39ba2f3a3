package db

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	lockSuffix     = ".lock"
	defaultTimeout = 500 * time.Millisecond
	initialBackoff = 5 * time.Millisecond
	maxBackoff     = 50 * time.Millisecond
)

// LockTimeoutError is returned when another process holds a store file
// for longer than the lock timeout
type LockTimeoutError struct {
	Path    string
	Timeout time.Duration
	Holder  lockHolder
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("store %s locked for %v by %s", e.Path, e.Timeout, e.Holder)
}

// lockHolder identifies the process owning a store lock
type lockHolder struct {
	PID   int
	Since time.Time
	Stale bool
}

func (h lockHolder) String() string {
	if h.PID == 0 {
		return "unknown holder"
	}
	s := fmt.Sprintf("pid %d since %s", h.PID, h.Since.Format(time.RFC3339))
	if h.Stale {
		s += " (process gone)"
	}
	return s
}

// storeLock serializes writers across processes sharing one store file.
// The OS drops the lock when the holder exits.
type storeLock struct {
	path string
	f    *os.File
}

func newStoreLock(dbPath string) *storeLock {
	return &storeLock{path: dbPath + lockSuffix}
}

// acquire polls for the lock with capped exponential backoff
func (l *storeLock) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.f = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.f.Close()
			l.f = nil
			return &LockTimeoutError{Path: strings.TrimSuffix(l.path, lockSuffix), Timeout: timeout, Holder: holder}
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (l *storeLock) release() error {
	if l.f == nil {
		return nil
	}
	l.f.Truncate(0)
	l.unlock()
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *storeLock) writeHolder() {
	l.f.Truncate(0)
	l.f.Seek(0, 0)
	fmt.Fprintf(l.f, "%d %d\n", os.Getpid(), time.Now().Unix())
	l.f.Sync()
}

func (l *storeLock) readHolder() lockHolder {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lockHolder{}
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return lockHolder{}
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return lockHolder{}
	}
	h := lockHolder{PID: pid, Stale: !processAlive(pid)}
	if ts, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
		h.Since = time.Unix(ts, 0)
	}
	return h
}
