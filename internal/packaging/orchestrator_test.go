// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/invowk/deskpack/pkg/archive"
)

var testHost = Target{Platform: "linux", Arch: "x64"}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func assertExists(t *testing.T, path string, want bool) {
	t.Helper()
	if got := exists(path); got != want {
		t.Errorf("exists(%s) = %v, want %v", path, got, want)
	}
}

// newProject lays out an app root and a dependency tree with one plain
// module, one native module (with shims) and one user-declared module.
func newProject(t *testing.T) Layout {
	t.Helper()
	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.AppRoot, map[string]string{
		"main.js":      "main()",
		"version.json": `{"version":"x_dev"}`,
	})
	writeFiles(t, layout.DepTree, map[string]string{
		"left-pad/index.js":               "module.exports = pad",
		"native/package.json":             `{"name":"native"}`,
		"native/build/Release/addon.node": "\x7fELF",
		"sqlite3/index.js":                "sqlite",
		".bin/native":                     "#!/bin/sh",
		".bin/native.cmd":                 "@echo off",
	})
	return layout
}

// fakeBuilder records where the dependency tree was while each target was
// built and writes a packaged archive like a real builder would. With
// blockModules set a regular file takes the place of the unpacked modules
// directory, so restoring extracted modules into the output fails.
type fakeBuilder struct {
	t            *testing.T
	layout       Layout
	fail         error
	blockModules bool
	beforeSeen   []bool
	targets      []Target
}

func (b *fakeBuilder) Build(ctx context.Context, config BuilderConfig) error {
	for _, target := range config.Targets {
		if err := config.BeforeBuild(ctx, target); err != nil {
			return err
		}
		b.targets = append(b.targets, target)
		// The builder must never see the dependency tree.
		b.beforeSeen = append(b.beforeSeen, exists(b.layout.DepTree) || exists(b.layout.InAppRoot()))
		if b.fail != nil {
			return b.fail
		}
		out := filepath.Join(config.Directories.OutputDir, target.String())
		if err := copyFile(config.Directories.Archive, filepath.Join(out, filepath.FromSlash(PackagedArchive))); err != nil {
			return err
		}
		if b.blockModules {
			if err := os.WriteFile(filepath.Join(out, "resources", "app.asar.unpacked"), []byte("busy"), 0o644); err != nil {
				return err
			}
		}
		if err := config.AfterPack(ctx, PackContext{Target: target, AppOutDir: out}); err != nil {
			return err
		}
	}
	return nil
}

type fakeRebuilder struct {
	rebuilds []Target
	installs int
	sawTree  bool
}

func (r *fakeRebuilder) Rebuild(_ context.Context, req RebuildRequest) error {
	r.rebuilds = append(r.rebuilds, req.Target)
	r.sawTree = exists(req.DepTree)
	return nil
}

func (r *fakeRebuilder) InstallLocal(_ context.Context, req RebuildRequest) error {
	r.installs += len(req.LocalDependencies)
	return nil
}

func TestOrchestratorRun(t *testing.T) {
	t.Parallel()

	layout := newProject(t)
	out := t.TempDir()
	builder := &fakeBuilder{t: t, layout: layout}
	o := &Orchestrator{
		Layout:    layout,
		Builder:   builder,
		Detector:  NativeDetector{},
		OutputDir: out,
		Host:      testHost,
		Targets:   []Target{testHost},
	}

	if err := o.Run(context.Background(), RunOptions{UserExtract: []string{"sqlite3", "native"}}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if o.State() != StateDone {
		t.Errorf("State() = %s, want %s", o.State(), StateDone)
	}
	if len(builder.beforeSeen) != 1 || builder.beforeSeen[0] {
		t.Errorf("dependency tree visible to the builder: %v", builder.beforeSeen)
	}

	// The tree is back in place without the extracted modules.
	assertExists(t, filepath.Join(layout.DepTree, "left-pad", "index.js"), true)
	assertExists(t, filepath.Join(layout.DepTree, "native"), false)
	assertExists(t, filepath.Join(layout.DepTree, "sqlite3"), false)
	assertExists(t, layout.SideDir, false)
	assertExists(t, layout.InAppRoot(), false)
	assertExists(t, layout.ExtractedDir, false)
	assertExists(t, layout.StatePath, false)

	// Extracted modules and their shims land in the packaged output.
	modules := filepath.Join(out, testHost.String(), filepath.FromSlash(DefaultPackagedModulesDir))
	assertExists(t, filepath.Join(modules, "native", "build", "Release", "addon.node"), true)
	assertExists(t, filepath.Join(modules, "sqlite3", "index.js"), true)
	assertExists(t, filepath.Join(modules, ".bin", "native.cmd"), true)
	if got := o.Outputs(); len(got) != 1 {
		t.Errorf("Outputs() = %v", got)
	}

	// The archive holds the app and the remaining dependencies only.
	data, err := os.ReadFile(layout.ArchivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	names, err := archive.List(data)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if !slices.Contains(names, "node_modules/left-pad/index.js") || !slices.Contains(names, "main.js") {
		t.Errorf("archive entries = %v", names)
	}
	if slices.Contains(names, "node_modules/native/") || slices.Contains(names, "node_modules/sqlite3/") {
		t.Errorf("extracted module archived: %v", names)
	}
}

func TestOrchestratorEmptyExtractionSet(t *testing.T) {
	t.Parallel()

	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.AppRoot, map[string]string{"main.js": "main()"})
	writeFiles(t, layout.DepTree, map[string]string{"left-pad/index.js": "pad"})

	o := &Orchestrator{
		Layout:    layout,
		Builder:   &fakeBuilder{t: t, layout: layout},
		Detector:  NativeDetector{},
		OutputDir: t.TempDir(),
		Host:      testHost,
	}
	if err := o.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	assertExists(t, layout.ExtractedDir, false)
	assertExists(t, filepath.Join(layout.DepTree, "left-pad", "index.js"), true)
}

func TestOrchestratorBuilderFailureAndRecovery(t *testing.T) {
	t.Parallel()

	layout := newProject(t)
	boom := errors.New("builder crashed")
	o := &Orchestrator{
		Layout:    layout,
		Builder:   &fakeBuilder{t: t, layout: layout, fail: boom},
		OutputDir: t.TempDir(),
		Host:      testHost,
	}

	err := o.Run(context.Background(), RunOptions{UserExtract: []string{"native"}})
	var te *TransitionError
	if !errors.As(err, &te) || !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want *TransitionError wrapping the builder error", err)
	}
	if te.State != StateExternalBuilderRunning {
		t.Errorf("TransitionError.State = %s", te.State)
	}
	if o.State() != StateError {
		t.Errorf("State() = %s, want %s", o.State(), StateError)
	}

	marker, err := (&StateStore{Path: layout.StatePath}).Load()
	if err != nil || marker == nil {
		t.Fatalf("Load() = %v, %v", marker, err)
	}
	if marker.State != StateError || marker.Previous != StateExternalBuilderRunning || marker.Error == "" {
		t.Errorf("marker = %+v", marker)
	}

	// The interrupted run left the tree aside and the module extracted.
	assertExists(t, layout.DepTree, false)
	assertExists(t, layout.SideDir, true)

	recovered := &Orchestrator{Layout: layout, Host: testHost}
	if err := recovered.Preflight(); err != nil {
		t.Fatalf("Preflight() error: %v", err)
	}
	assertExists(t, layout.SideDir, false)
	assertExists(t, filepath.Join(layout.DepTree, "left-pad", "index.js"), true)
	assertExists(t, filepath.Join(layout.DepTree, "native", "build", "Release", "addon.node"), true)
	assertExists(t, filepath.Join(layout.DepTree, ".bin", "native"), true)
	assertExists(t, layout.ExtractedDir, false)
	assertExists(t, layout.StatePath, false)
}

func TestPreflightReturnsModulesAfterRestoreFailure(t *testing.T) {
	t.Parallel()

	layout := newProject(t)
	o := &Orchestrator{
		Layout:    layout,
		Builder:   &fakeBuilder{t: t, layout: layout, blockModules: true},
		OutputDir: t.TempDir(),
		Host:      testHost,
	}

	err := o.Run(context.Background(), RunOptions{UserExtract: []string{"native"}})
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Run() error = %v, want *TransitionError", err)
	}
	if te.State != StateFlaggedRestoring {
		t.Fatalf("TransitionError.State = %s, want %s", te.State, StateFlaggedRestoring)
	}
	assertExists(t, filepath.Join(layout.ExtractedDir, "native", "build", "Release", "addon.node"), true)
	assertExists(t, filepath.Join(layout.DepTree, "native"), false)

	if err := (&Orchestrator{Layout: layout, Host: testHost}).Preflight(); err != nil {
		t.Fatalf("Preflight() error: %v", err)
	}
	assertExists(t, filepath.Join(layout.DepTree, "native", "build", "Release", "addon.node"), true)
	assertExists(t, filepath.Join(layout.DepTree, ".bin", "native"), true)
	assertExists(t, filepath.Join(layout.DepTree, ".bin", "native.cmd"), true)
	assertExists(t, filepath.Join(layout.DepTree, "left-pad", "index.js"), true)
	assertExists(t, layout.ExtractedDir, false)
	assertExists(t, layout.StatePath, false)
}

func TestPreflightUnreadableMarker(t *testing.T) {
	t.Parallel()

	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.DepTree, map[string]string{"left-pad/index.js": "pad"})
	writeFiles(t, layout.ExtractedDir, map[string]string{
		"native/package.json":       `{"name":"native"}`,
		"@scope/addon/package.json": `{"name":"@scope/addon"}`,
		".bin/native":               "#!/bin/sh",
		".bin/addon":                "#!/bin/sh",
	})
	writeFiles(t, filepath.Dir(layout.StatePath), map[string]string{filepath.Base(layout.StatePath): "{not json"})

	if err := (&Orchestrator{Layout: layout}).Preflight(); err != nil {
		t.Fatalf("Preflight() error: %v", err)
	}
	assertExists(t, filepath.Join(layout.DepTree, "native", "package.json"), true)
	assertExists(t, filepath.Join(layout.DepTree, "@scope", "addon", "package.json"), true)
	assertExists(t, filepath.Join(layout.DepTree, ".bin", "native"), true)
	assertExists(t, filepath.Join(layout.DepTree, ".bin", "addon"), true)
	assertExists(t, layout.ExtractedDir, false)
	assertExists(t, layout.StatePath, false)
}

func TestPreflightDiscardsRestoredExtraction(t *testing.T) {
	t.Parallel()

	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.DepTree, map[string]string{"left-pad/index.js": "pad"})
	writeFiles(t, layout.ExtractedDir, map[string]string{"native/package.json": `{"name":"native"}`})
	marker := &Marker{State: StateError, Previous: StateWaitingForLockRelease, Extracted: []string{"native"}}
	if err := (&StateStore{Path: layout.StatePath}).Save(marker); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if err := (&Orchestrator{Layout: layout}).Preflight(); err != nil {
		t.Fatalf("Preflight() error: %v", err)
	}
	// Every output already holds the module.
	assertExists(t, filepath.Join(layout.DepTree, "native"), false)
	assertExists(t, layout.ExtractedDir, false)
	assertExists(t, layout.StatePath, false)
}

func TestPreflightPrefersCanonicalTree(t *testing.T) {
	t.Parallel()

	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.DepTree, map[string]string{"a/index.js": "canonical"})
	writeFiles(t, layout.SideDir, map[string]string{"a/index.js": "leftover"})

	o := &Orchestrator{Layout: layout}
	if err := o.Preflight(); err != nil {
		t.Fatalf("Preflight() error: %v", err)
	}
	assertExists(t, layout.SideDir, false)
	data, err := os.ReadFile(filepath.Join(layout.DepTree, "a", "index.js"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "canonical" {
		t.Errorf("DepTree content = %q, want canonical", data)
	}
}

func TestPreflightRestoresLeftoverWhenTreeMissing(t *testing.T) {
	t.Parallel()

	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.SideDir, map[string]string{"a/index.js": "leftover"})

	if err := (&Orchestrator{Layout: layout}).Preflight(); err != nil {
		t.Fatalf("Preflight() error: %v", err)
	}
	assertExists(t, filepath.Join(layout.DepTree, "a", "index.js"), true)
	assertExists(t, layout.SideDir, false)
}

func TestBeforeBuildRebuildsOnArchChange(t *testing.T) {
	t.Parallel()

	layout := newProject(t)
	rebuilder := &fakeRebuilder{}
	skeleton := t.TempDir()
	writeFiles(t, skeleton, map[string]string{"skeleton.js": "scaffold"})

	o := &Orchestrator{
		Layout:     layout,
		Builder:    &fakeBuilder{t: t, layout: layout},
		Rebuilder:  rebuilder,
		Scaffolder: &SkeletonScaffolder{SkeletonDir: skeleton},
		OutputDir:  t.TempDir(),
		Host:       testHost,
		Targets: []Target{
			testHost,
			{Platform: "linux", Arch: "arm64"},
			{Platform: "linux", Arch: "arm64"},
			{Platform: "darwin", Arch: "arm64"},
		},
	}
	err := o.Run(context.Background(), RunOptions{LocalDependencies: map[string]string{"shared": "../shared"}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []Target{{Platform: "linux", Arch: "arm64"}}
	if !slices.Equal(rebuilder.rebuilds, want) {
		t.Errorf("rebuilds = %v, want %v", rebuilder.rebuilds, want)
	}
	if !rebuilder.sawTree {
		t.Error("rebuild ran without the dependency tree in place")
	}
	if rebuilder.installs != 1 {
		t.Errorf("local installs = %d, want 1", rebuilder.installs)
	}
	assertExists(t, filepath.Join(layout.AppRoot, "skeleton.js"), true)
	assertExists(t, filepath.Join(layout.DepTree, "left-pad"), true)
	if got := len(o.Outputs()); got != 3 {
		t.Errorf("Outputs() = %d entries, want 3 distinct targets", got)
	}
}

func TestRunMissingDependencyTreeFails(t *testing.T) {
	t.Parallel()

	layout := NewLayout(t.TempDir())
	writeFiles(t, layout.AppRoot, map[string]string{"main.js": "main()"})
	o := &Orchestrator{Layout: layout, Builder: &fakeBuilder{t: t, layout: layout}, Host: testHost}

	err := o.Run(context.Background(), RunOptions{})
	var te *TransitionError
	if !errors.As(err, &te) || te.State != StateDirTreeMovedOut {
		t.Fatalf("Run() error = %v, want failure in %s", err, StateDirTreeMovedOut)
	}
}

func TestRunRequiresBuilder(t *testing.T) {
	t.Parallel()

	if err := (&Orchestrator{}).Run(context.Background(), RunOptions{}); !errors.Is(err, ErrNoBuilder) {
		t.Errorf("Run() error = %v, want ErrNoBuilder", err)
	}
}

func TestExtractionSet(t *testing.T) {
	t.Parallel()

	got := ExtractionSet([]string{"native", "@scope/addon"}, []string{"sqlite3", "native", ""})
	want := []string{"@scope/addon", "native", "sqlite3"}
	if !slices.Equal(got, want) {
		t.Errorf("ExtractionSet() = %v, want %v", got, want)
	}
	if got := ExtractionSet(nil, nil); len(got) != 0 {
		t.Errorf("ExtractionSet(nil, nil) = %v", got)
	}
}
