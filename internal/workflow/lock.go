//go:build !windows

package workflow

import (
	"errors"
	"os"
	"syscall"
)

// FileLock is a non-blocking flock(2) lease on a path. The driver holds it
// for as long as it runs so two processes never advance the same database.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports whether the lease was taken. false with a nil error means
// another process holds it.
func (l *FileLock) TryLock() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, err
	}
	l.file = f
	return true, nil
}

// Held reports whether this process owns the lease.
func (l *FileLock) Held() bool { return l.file != nil }

// Unlock releases the lease and removes the lock file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	name := l.file.Name()
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	os.Remove(name)
	return nil
}
