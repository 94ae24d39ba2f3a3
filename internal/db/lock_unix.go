//go:build unix

package db

import (
	"golang.org/x/sys/unix"
)

func (l *storeLock) tryLock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (l *storeLock) unlock() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

// processAlive probes pid with signal 0
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
