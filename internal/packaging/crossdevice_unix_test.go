// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package packaging

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestMoveDirCopiesAcrossDevices(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := filepath.Join(root, "tree")
	dst := filepath.Join(root, "app", "node_modules")
	writeFiles(t, src, map[string]string{"a/index.js": "a", "b/lib/b.js": "b"})

	crossDevice := func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	if err := moveDirWith(src, dst, crossDevice); err != nil {
		t.Fatalf("moveDirWith() error: %v", err)
	}
	assertExists(t, filepath.Join(dst, "a", "index.js"), true)
	assertExists(t, filepath.Join(dst, "b", "lib", "b.js"), true)
	assertExists(t, src, false)
}
