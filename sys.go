package docdb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const lockFileName = "LOCK"

// dirLock is an advisory exclusive lock on <dir>/LOCK held for the lifetime of a DB.
type dirLock struct {
	file *os.File
}

// flock acquires the lock without blocking.
func flock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	} else if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return ErrLockedByOther
	}
	return errors.Wrap(err, "flock failed: unknown error")
}

// waitflock retries flock until it succeeds or timeout expires. A zero
// timeout tries exactly once.
func waitflock(f *os.File, timeout time.Duration) error {
	var t time.Time
	for {
		err := flock(f)
		if !errors.Is(err, ErrLockedByOther) {
			return err
		}
		if t.IsZero() {
			t = time.Now()
		}
		if timeout <= 0 || time.Since(t) > timeout {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

func lockDir(dir string, timeout time.Duration) (*dirLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fsError("open", path, err)
	}
	if err := waitflock(f, timeout); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &dirLock{file: f}, nil
}

// funlock releases the lock and closes the lock file.
func (l *dirLock) funlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
