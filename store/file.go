package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/go-authgate/token-keeper/token"
)

// File keeps the token record and session state in two JSON files.
type File struct {
	tokenPath   string
	sessionPath string
	log         *zap.Logger
}

// NewFile returns a file store. sessionPath may be empty, in which case
// session state is neither read nor written.
func NewFile(tokenPath, sessionPath string, log *zap.Logger) *File {
	if log == nil {
		log = zap.NewNop()
	}
	return &File{
		tokenPath:   tokenPath,
		sessionPath: sessionPath,
		log:         log.Named("store"),
	}
}

// TokenPath returns the record file location.
func (f *File) TokenPath() string {
	return f.tokenPath
}

// Read returns the committed record, or nil when there is none or it cannot
// be parsed.
func (f *File) Read(_ context.Context) *token.Record {
	data, err := os.ReadFile(f.tokenPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.log.Warn("token file unreadable", zap.String("path", f.tokenPath), zap.Error(err))
		}
		return nil
	}

	rec, err := decodeRecord(data)
	if err != nil {
		f.log.Warn("token file corrupt, ignoring", zap.String("path", f.tokenPath), zap.Error(err))
		return nil
	}
	return rec
}

// Write replaces the record file. Readers see either the old or the new
// record, never a partial one.
func (f *File) Write(ctx context.Context, rec *token.Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return &Error{Op: "write", Path: f.tokenPath, Err: err}
	}

	if err := checkDir(f.tokenPath); err != nil {
		return &Error{Op: "write", Path: f.tokenPath, Err: err}
	}

	lock, err := acquireFileLock(ctx, f.tokenPath+".lock", writeLockOptions)
	if err != nil {
		return &Error{Op: "lock", Path: f.tokenPath, Err: err}
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			f.log.Warn("failed to release lock", zap.Error(releaseErr))
		}
	}()

	if err := writeAtomic(f.tokenPath, data); err != nil {
		return &Error{Op: "write", Path: f.tokenPath, Err: err}
	}
	return nil
}

// ReadSessionState returns the stored session blob, or nil.
func (f *File) ReadSessionState(_ context.Context) []byte {
	if f.sessionPath == "" {
		return nil
	}

	data, err := os.ReadFile(f.sessionPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.log.Warn("session file unreadable", zap.String("path", f.sessionPath), zap.Error(err))
		}
		return nil
	}
	if !json.Valid(data) {
		f.log.Warn("session file is not valid JSON, ignoring", zap.String("path", f.sessionPath))
		return nil
	}
	return data
}

// WriteSessionState replaces the session blob.
func (f *File) WriteSessionState(_ context.Context, state []byte) error {
	if f.sessionPath == "" || len(state) == 0 {
		return nil
	}
	if !json.Valid(state) {
		return &Error{Op: "write session", Path: f.sessionPath, Err: errors.New("session state is not valid JSON")}
	}
	if err := checkDir(f.sessionPath); err != nil {
		return &Error{Op: "write session", Path: f.sessionPath, Err: err}
	}
	if err := writeAtomic(f.sessionPath, state); err != nil {
		return &Error{Op: "write session", Path: f.sessionPath, Err: err}
	}
	return nil
}

// CheckDirs reports whether the directories of the configured files exist.
func (f *File) CheckDirs() error {
	if err := checkDir(f.tokenPath); err != nil {
		return fmt.Errorf("%s: %w", f.tokenPath, err)
	}
	if f.sessionPath != "" {
		if err := checkDir(f.sessionPath); err != nil {
			return fmt.Errorf("%s: %w", f.sessionPath, err)
		}
	}
	return nil
}

func checkDir(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDirMissing, dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDirMissing, dir)
	}
	return nil
}

// writeAtomic writes data to a temp file next to path and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
