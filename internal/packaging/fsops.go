// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/invowk/deskpack/pkg/platform"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultLockWaitAttempts bounds how often a locked archive is checked.
	DefaultLockWaitAttempts = 6
	// DefaultLockWaitInterval is the pause between checks.
	DefaultLockWaitInterval = 3 * time.Second

	// removeRetries bounds RemoveWithRetries.
	removeRetries = 5
)

// ErrFileLocked is the sentinel wrapped by FileLockedError.
var ErrFileLocked = errors.New("file is locked")

type (
	// LockWait configures WaitForUnlock.
	LockWait struct {
		// Attempts defaults to DefaultLockWaitAttempts.
		Attempts int
		// Interval defaults to DefaultLockWaitInterval.
		Interval time.Duration
		// Force enables waiting on platforms without lock contention.
		Force bool

		// check replaces the open-for-write check in tests.
		check func(path string) error
	}

	// FileLockedError is returned when a file stays locked for every attempt.
	FileLockedError struct {
		Path     string
		Attempts int
		Err      error
	}
)

// Error implements the error interface.
func (e *FileLockedError) Error() string {
	return fmt.Sprintf("file is locked: %s is still in use after %d attempts: %v", e.Path, e.Attempts, e.Err)
}

// Unwrap returns ErrFileLocked for errors.Is() compatibility.
func (e *FileLockedError) Unwrap() error { return ErrFileLocked }

// Applies reports whether lock waiting is active on this platform.
func (w LockWait) Applies() bool {
	return w.Force || runtime.GOOS == platform.Windows
}

// WaitForUnlock polls until path can be opened for read-write. A missing
// file has nothing to wait for. On platforms where Applies is false it
// returns immediately.
func (w LockWait) WaitForUnlock(path string) error {
	if !w.Applies() {
		return nil
	}
	attempts := w.Attempts
	if attempts <= 0 {
		attempts = DefaultLockWaitAttempts
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultLockWaitInterval
	}
	check := w.check
	if check == nil {
		check = openReadWrite
	}

	var lastErr error
	err := backoff.Retry(func() error {
		err := check(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		lastErr = err
		return err
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)))
	if err != nil {
		return &FileLockedError{Path: path, Attempts: attempts, Err: lastErr}
	}
	return nil
}

func openReadWrite(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// RemoveWithRetries removes path and everything below it, retrying with
// exponential backoff while the removal fails. The last error is returned
// once the retries are exhausted.
func RemoveWithRetries(path string) error {
	return removeWithRetries(path, 200*time.Millisecond, os.RemoveAll)
}

func removeWithRetries(path string, initial time.Duration, remove func(string) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		return remove(path)
	}, backoff.WithMaxRetries(b, removeRetries))
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// exists reports whether path exists. Errors other than "not exist" count
// as existing so callers do not overwrite something they cannot inspect.
func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// moveDir renames src to dst, creating dst's parent. When the rename
// fails because dst is on another device, the tree is copied and src removed.
func moveDir(src, dst string) error {
	return moveDirWith(src, dst, os.Rename)
}

func moveDirWith(src, dst string, rename func(string, string) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := rename(src, dst); err != nil {
		if !isCrossDevice(err) || !exists(src) || exists(dst) {
			return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
		}
		if copyErr := copyTree(src, dst); copyErr != nil {
			return fmt.Errorf("failed to move %s to %s: %w", src, dst, errors.Join(err, copyErr))
		}
		return RemoveWithRetries(src)
	}
	return nil
}

// copyTree copies a file or directory tree over dst. Symlinks are recreated,
// not followed, and replace whatever dst held at that path.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		default:
			// Writing through a link left at target would modify its target.
			if info, err := os.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) (err error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer func() { _ = srcFile.Close() }() // Read-only file; close error non-critical

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer func() {
		if closeErr := dstFile.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close destination file: %w", closeErr)
		}
	}()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	return nil
}
