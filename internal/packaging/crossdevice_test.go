// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestIsCrossDevice(t *testing.T) {
	t.Parallel()

	for _, err := range []error{
		&os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EACCES},
		&os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.ENOENT},
		errors.New("rename failed"),
	} {
		if isCrossDevice(err) {
			t.Errorf("isCrossDevice(%v) = true, want false", err)
		}
	}
}

func TestMoveDirDoesNotCopyOnLockedRename(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "tree")
	dst := filepath.Join(root, "app", "node_modules")
	writeFiles(t, src, map[string]string{"a/index.js": "a"})

	locked := func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EACCES}
	}
	err := moveDirWith(src, dst, locked)
	if !errors.Is(err, syscall.EACCES) {
		t.Fatalf("moveDirWith() error = %v, want EACCES", err)
	}
	assertExists(t, filepath.Join(src, "a", "index.js"), true)
	assertExists(t, dst, false)
}
