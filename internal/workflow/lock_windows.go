//go:build windows

package workflow

import (
	"errors"
	"os"
)

// FileLock is a lease taken by exclusively creating the lock file.
type FileLock struct {
	path   string
	locked bool
}

// NewFileLock creates a FileLock for path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock reports whether the lease was taken.
func (l *FileLock) TryLock() (bool, error) {
	if l.locked {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.locked = true
	return true, nil
}

// Held reports whether this process owns the lease.
func (l *FileLock) Held() bool { return l.locked }

// Unlock releases the lease.
func (l *FileLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
