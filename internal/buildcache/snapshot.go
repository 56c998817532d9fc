// SPDX-License-Identifier: MPL-2.0

package buildcache

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultSnapshotIgnores are skipped by TakeSnapshot in addition to any
// caller-provided patterns.
var DefaultSnapshotIgnores = []string{
	".git/**",
	"node_modules/**",
	"**/.DS_Store",
}

type (
	// FileStat is the cheap fingerprint recorded per file.
	FileStat struct {
		Size    int64 `json:"size"`
		ModTime int64 `json:"mtime"`
	}

	// Snapshot maps slash-separated relative paths to their FileStat. It is
	// compared for equality only and is not a content hash.
	Snapshot map[string]FileStat
)

// TakeSnapshot records every regular file under root, skipping paths that
// match DefaultSnapshotIgnores or ignore (doublestar patterns relative to root).
func TakeSnapshot(root string, ignore []string) (Snapshot, error) {
	patterns := make([]string, 0, len(DefaultSnapshotIgnores)+len(ignore))
	patterns = append(patterns, DefaultSnapshotIgnores...)
	patterns = append(patterns, ignore...)
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid snapshot ignore pattern %q", p)
		}
	}

	snap := make(Snapshot)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if matchesAny(patterns, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// A directory pattern such as "node_modules/**" also covers the
			// directory itself.
			if matchesAny(patterns, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		snap[rel] = FileStat{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}
	return snap, nil
}

// Equal reports whether s and other record the same files with the same
// size and dates.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for rel, stat := range s {
		o, ok := other[rel]
		if !ok || o != stat {
			return false
		}
	}
	return true
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
