package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// fileLock represents a held lock file.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// lockOptions controls how long acquireFileLock waits and when an existing
// lock file is considered abandoned.
type lockOptions struct {
	retryDelay time.Duration
	staleAfter time.Duration
	maxWait    time.Duration // zero waits until ctx is done
}

// writeLockOptions guard a single record write, which takes milliseconds.
var writeLockOptions = lockOptions{
	retryDelay: 100 * time.Millisecond,
	staleAfter: 30 * time.Second,
	maxWait:    5 * time.Second,
}

// acquireFileLock creates lockPath exclusively, retrying while another
// process holds it. A lock file older than staleAfter is removed and retried.
func acquireFileLock(ctx context.Context, lockPath string, opts lockOptions) (*fileLock, error) {
	var deadline <-chan time.Time
	if opts.maxWait > 0 {
		timer := time.NewTimer(opts.maxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// PID helps when debugging a stuck lock
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{
				lockFile: lockFile,
				lockPath: lockPath,
			}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire file lock: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > opts.staleAfter {
				if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
					return nil, fmt.Errorf(
						"failed to remove stale lock file %s: %w",
						lockPath,
						remErr,
					)
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for file lock %s: %w", lockPath, ctx.Err())
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for file lock after %v", opts.maxWait)
		case <-time.After(opts.retryDelay):
		}
	}
}

// release removes the lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
		fl.lockFile = nil
	}
	return os.Remove(fl.lockPath)
}

// FileLocker serializes refreshes across processes sharing one token file.
type FileLocker struct {
	path       string
	staleAfter time.Duration
}

// NewFileLocker returns a locker using path as its lock file. staleAfter must
// exceed the longest refresh, otherwise a slow login loses its lock.
func NewFileLocker(path string, staleAfter time.Duration) *FileLocker {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &FileLocker{path: path, staleAfter: staleAfter}
}

// Lock blocks until the lock is held or ctx is done.
func (l *FileLocker) Lock(ctx context.Context) (func() error, error) {
	lock, err := acquireFileLock(ctx, l.path, lockOptions{
		retryDelay: 250 * time.Millisecond,
		staleAfter: l.staleAfter,
	})
	if err != nil {
		return nil, err
	}
	return lock.release, nil
}
