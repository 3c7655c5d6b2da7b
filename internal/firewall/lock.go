//go:build linux
// +build linux

package firewall

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/geoblock/internal/clock"
)

const lockRetryInterval = 100 * time.Millisecond

// FileLock is the cross-process writer lock. Only one geoblock process at a
// time may change the ruleset; readers never take it.
type FileLock struct {
	path  string
	clock clock.Clock
	f     *os.File
}

// NewFileLock returns a lock backed by path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, clock: clock.Default()}
}

// WithClock sets the clock used between lock attempts.
func (l *FileLock) WithClock(c clock.Clock) *FileLock {
	l.clock = c
	return l
}

// Lock blocks until the lock is held or ctx is done, in which case the
// error wraps ErrBusy.
func (l *FileLock) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	for {
		lockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if lockErr == nil {
			break
		}
		if !errors.Is(lockErr, unix.EWOULDBLOCK) && !errors.Is(lockErr, unix.EAGAIN) {
			f.Close()
			return fmt.Errorf("lock error: %w", lockErr)
		}
		if err := l.clock.Sleep(ctx, lockRetryInterval); err != nil {
			f.Close()
			return fmt.Errorf("%w: %s is held by another writer: %w", ErrBusy, l.path, err)
		}
	}

	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	l.f = f
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
	return err
}

// isBusy reports whether err is the kernel or nft refusing because the
// ruleset is in use.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBusy) || errors.Is(err, unix.EBUSY) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "resource busy")
}

// busy maps busy errors onto ErrBusy.
func busy(err error) error {
	if err == nil || errors.Is(err, ErrBusy) || !isBusy(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBusy, err)
}
