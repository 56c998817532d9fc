// SPDX-License-Identifier: MPL-2.0

package buildcache

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/invowk/deskpack/pkg/integrity"
)

var testSettings = json.RawMessage(`{"env":"dev","uglify":false}`)

func newTestGenerations(t *testing.T) *Generations {
	t.Helper()
	return &Generations{Store: newTestStore(t, CompressionZstd)}
}

func testInputs() Inputs {
	return Inputs{
		Snapshot:             testSnapshot(),
		Settings:             testSettings,
		CompatibilityVersion: "compat-1",
		Toolchain:            "identity",
	}
}

func testSnapshot() Snapshot {
	return Snapshot{
		"index.js":    {Size: 10, ModTime: 1000},
		"lib/util.js": {Size: 20, ModTime: 2000},
	}
}

func TestGenerationsHit(t *testing.T) {
	t.Parallel()

	g := newTestGenerations(t)
	archive := []byte("archive image")
	if err := g.Record(testInputs(), archive); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	// Whitespace differences in the settings document are not a change.
	in := testInputs()
	in.Settings = json.RawMessage(`{ "env": "dev", "uglify": false }`)
	hit, ok := g.Lookup(in, "dev")
	if !ok {
		t.Fatal("Lookup() = miss, want hit")
	}
	if string(hit.Archive) != string(archive) {
		t.Errorf("Lookup() archive = %q, want %q", hit.Archive, archive)
	}
	if err := hit.Integrity.Verify(archive); err != nil {
		t.Errorf("Lookup() integrity: %v", err)
	}
}

func TestGenerationsProductionBypass(t *testing.T) {
	t.Parallel()

	g := newTestGenerations(t)
	if err := g.Record(testInputs(), []byte("a")); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if _, ok := g.Lookup(testInputs(), EnvProduction); ok {
		t.Error("Lookup() in production = hit, want miss")
	}
	// The bypass does not invalidate: a later dev build still hits.
	if _, ok := g.Lookup(testInputs(), "dev"); !ok {
		t.Error("Lookup() after production bypass = miss, want hit")
	}
}

func TestGenerationsMisses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		snap     Snapshot
		settings json.RawMessage
		change   func(in *Inputs)
		tamper   func(t *testing.T, g *Generations)
	}{
		{
			name: "file added",
			snap: func() Snapshot {
				s := testSnapshot()
				s["new.js"] = FileStat{Size: 1, ModTime: 1}
				return s
			}(),
		},
		{
			name: "file removed",
			snap: Snapshot{"index.js": {Size: 10, ModTime: 1000}},
		},
		{
			name: "date changed",
			snap: func() Snapshot {
				s := testSnapshot()
				s["index.js"] = FileStat{Size: 10, ModTime: 1001}
				return s
			}(),
		},
		{
			name:     "settings changed",
			settings: json.RawMessage(`{"env":"dev","uglify":true}`),
		},
		{
			name:   "compatibility version changed",
			change: func(in *Inputs) { in.CompatibilityVersion = "compat-2" },
		},
		{
			name:   "transform configuration changed",
			change: func(in *Inputs) { in.Toolchain = "babel" },
		},
		{
			name: "archive missing",
			tamper: func(t *testing.T, g *Generations) {
				t.Helper()
				if err := g.Store.Remove(LastArchiveKey); err != nil {
					t.Fatalf("Remove() error: %v", err)
				}
			},
		},
		{
			name: "archive from another generation",
			tamper: func(t *testing.T, g *Generations) {
				t.Helper()
				if _, err := g.Store.Put(LastArchiveKey, []byte("half written")); err != nil {
					t.Fatalf("Put() error: %v", err)
				}
			},
		},
		{
			name: "settings pointer from another generation",
			tamper: func(t *testing.T, g *Generations) {
				t.Helper()
				data, _ := json.Marshal(SettingsPointer{Settings: testSettings, AsarIntegrity: integrity.Integrity("blake3-" + strings.Repeat("0", 64))})
				if _, err := g.Store.Put(LastSettingsKey, data); err != nil {
					t.Fatalf("Put() error: %v", err)
				}
			},
		},
		{
			name: "last pointer unreadable",
			tamper: func(t *testing.T, g *Generations) {
				t.Helper()
				if _, err := g.Store.Put(LastKey, []byte("not json")); err != nil {
					t.Fatalf("Put() error: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := newTestGenerations(t)
			if err := g.Record(testInputs(), []byte("archive")); err != nil {
				t.Fatalf("Record() error: %v", err)
			}
			if tt.tamper != nil {
				tt.tamper(t, g)
			}
			in := testInputs()
			if tt.snap != nil {
				in.Snapshot = tt.snap
			}
			if tt.settings != nil {
				in.Settings = tt.settings
			}
			if tt.change != nil {
				tt.change(&in)
			}

			if _, ok := g.Lookup(in, "dev"); ok {
				t.Fatal("Lookup() = hit, want miss")
			}
			if _, err := g.Store.Get(LastKey); !errors.Is(err, ErrNotFound) {
				t.Errorf("last pointer after miss: error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestGenerationsEmptyStore(t *testing.T) {
	t.Parallel()

	g := newTestGenerations(t)
	if _, ok := g.Lookup(testInputs(), "dev"); ok {
		t.Error("Lookup() on empty store = hit, want miss")
	}
}

func TestGenerationsLast(t *testing.T) {
	t.Parallel()

	g := newTestGenerations(t)
	if _, err := g.Last(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Last() on empty store error = %v, want ErrNotFound", err)
	}
	if err := g.Record(testInputs(), []byte("archive image")); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	last, err := g.Last()
	if err != nil {
		t.Fatalf("Last() error: %v", err)
	}
	if len(last.Stats) != 2 || last.AsarIntegrity.Verify([]byte("archive image")) != nil || last.CompatibilityVersion != "compat-1" {
		t.Errorf("Last() = %+v", last)
	}

	g.Invalidate()
	if _, err := g.Last(); !errors.Is(err, ErrNotFound) {
		t.Errorf("Last() after Invalidate() error = %v, want ErrNotFound", err)
	}
}

func TestFileKey(t *testing.T) {
	t.Parallel()

	a := FileKey("lib/a.js", []byte("one"))
	b := FileKey("lib/a.js", []byte("two"))
	if a == b {
		t.Error("FileKey() ignores content")
	}
	if !strings.HasPrefix(a, "lib/a.js-") || len(a) != len("lib/a.js-")+64 {
		t.Errorf("FileKey() = %q", a)
	}
	if a != FileKey("lib/a.js", []byte("one")) {
		t.Error("FileKey() is not deterministic")
	}
}

func TestTakeSnapshot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	for _, rel := range []string{"index.js", "lib/util.js", "node_modules/dep/index.js", "dist/out.js"} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(rel), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	snap, err := TakeSnapshot(root, []string{"dist/**"})
	if err != nil {
		t.Fatalf("TakeSnapshot() error: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("TakeSnapshot() = %v, want index.js and lib/util.js", snap)
	}
	if stat := snap["lib/util.js"]; stat.Size != int64(len("lib/util.js")) {
		t.Errorf("lib/util.js size = %d", stat.Size)
	}

	again, err := TakeSnapshot(root, []string{"dist/**"})
	if err != nil {
		t.Fatalf("TakeSnapshot() error: %v", err)
	}
	if !snap.Equal(again) {
		t.Error("snapshots of an unchanged tree differ")
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "index.js"), later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	touched, err := TakeSnapshot(root, []string{"dist/**"})
	if err != nil {
		t.Fatalf("TakeSnapshot() error: %v", err)
	}
	if snap.Equal(touched) {
		t.Error("snapshot did not notice an mtime change")
	}
}

func TestTakeSnapshotRejectsBadPattern(t *testing.T) {
	t.Parallel()

	if _, err := TakeSnapshot(t.TempDir(), []string{"[unclosed"}); err == nil {
		t.Error("TakeSnapshot() with invalid pattern succeeded")
	}
}
