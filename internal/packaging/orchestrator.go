// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/invowk/deskpack/pkg/archive"

	"github.com/charmbracelet/log"
)

// ErrNoBuilder is returned when an Orchestrator has no InstallerBuilder.
var ErrNoBuilder = errors.New("no installer-builder configured")

type (
	// Orchestrator drives one packaging run through its states. It is not
	// safe for concurrent use; one run owns the build directory at a time.
	Orchestrator struct {
		Layout  Layout
		Builder InstallerBuilder
		// Detector is optional; without it only user-declared modules are extracted.
		Detector   Detector
		Rebuilder  Rebuilder
		Scaffolder Scaffolder
		Targets    []Target
		// OutputDir receives the packaged applications.
		OutputDir string
		// PackagedModulesDir defaults to DefaultPackagedModulesDir.
		PackagedModulesDir string
		// Host defaults to HostTarget().
		Host     Target
		LockWait LockWait
		Log      *log.Logger

		state  State
		marker Marker
		run    RunOptions
	}

	// RunOptions are the inputs of one Run.
	RunOptions struct {
		// UserExtract lists modules declared for extraction by the project.
		UserExtract []string
		// LocalDependencies are reinstalled after a native rebuild.
		LocalDependencies map[string]string
	}

	// TransitionError reports the state a run failed in.
	TransitionError struct {
		State State
		Err   error
	}
)

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("packaging failed in state %s: %v", e.State, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransitionError) Unwrap() error { return e.Err }

// State returns the current state.
func (o *Orchestrator) State() State {
	if o.state == "" {
		return StateIdle
	}
	return o.state
}

// Run performs a full packaging run. Any failure moves the orchestrator to
// StateError and is returned as a *TransitionError.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	if o.Builder == nil {
		return ErrNoBuilder
	}
	o.run = opts
	o.state = StateIdle
	o.marker = Marker{State: StateIdle, LastRebuild: o.host().Arch}

	if err := o.Preflight(); err != nil {
		return o.fail(err)
	}

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateExtractFlagged, o.extractFlagged},
		{StateDirTreeMovedOut, o.moveTreeOut},
		{StateExternalBuilderRunning, o.runBuilder},
		{StateDirTreeRestoring, o.restoreTree},
		{StateFlaggedRestoring, o.restoreFlagged},
		{StateWaitingForLockRelease, o.waitForLocks},
	}
	for _, step := range steps {
		if err := o.enter(step.state); err != nil {
			return o.fail(err)
		}
		if err := step.fn(ctx); err != nil {
			return o.fail(err)
		}
	}

	o.state = StateDone
	if err := o.store().Clear(); err != nil {
		o.logger().Warn("failed to clear packaging state", "error", err)
	}
	o.logger().Info("packaging done", "outputs", len(o.marker.Outputs))
	return nil
}

// Outputs returns the packaged application directories of the last run.
func (o *Orchestrator) Outputs() []string {
	return slices.Clone(o.marker.Outputs)
}

// ExtractionSet returns detected ∪ declared, deduplicated and sorted.
func ExtractionSet(detected, declared []string) []string {
	set := make([]string, 0, len(detected)+len(declared))
	for _, group := range [][]string{detected, declared} {
		for _, name := range group {
			if name != "" && !slices.Contains(set, name) {
				set = append(set, name)
			}
		}
	}
	slices.Sort(set)
	return set
}

func (o *Orchestrator) extractFlagged(_ context.Context) error {
	var detected []string
	if o.Detector != nil {
		var err error
		detected, err = o.Detector.Detect(o.Layout.DepTree)
		if err != nil {
			// Detection is a heuristic; a failure only loses candidates.
			o.logger().Warn("native module detection failed", "error", err)
		}
	}
	set := ExtractionSet(detected, o.run.UserExtract)
	if len(set) == 0 {
		return nil
	}

	for _, name := range set {
		src := filepath.Join(o.Layout.DepTree, filepath.FromSlash(name))
		if !exists(src) {
			o.logger().Warn("module flagged for extraction is not installed", "module", name)
			continue
		}
		if err := moveDir(src, filepath.Join(o.Layout.ExtractedDir, filepath.FromSlash(name))); err != nil {
			return err
		}
		o.marker.Extracted = append(o.marker.Extracted, name)
		if err := o.moveShims(name, o.Layout.DepTree, o.Layout.ExtractedDir); err != nil {
			return err
		}
		if err := o.save(); err != nil {
			return err
		}
	}
	o.logger().Info("extracted modules", "modules", o.marker.Extracted)
	return nil
}

// moveShims moves the executable shims of module from one tree to another.
// Scoped modules use their unscoped name for shims.
func (o *Orchestrator) moveShims(module, fromTree, toTree string) error {
	base := filepath.Base(filepath.FromSlash(module))
	for _, ext := range shimExtensions {
		src := filepath.Join(fromTree, shimDir, base+ext)
		if !exists(src) {
			continue
		}
		dst := filepath.Join(toTree, shimDir, base+ext)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move shim %s: %w", src, err)
		}
	}
	return nil
}

// moveTreeOut co-locates the dependency tree with the app, packs both into
// the archive and moves the tree aside for the builder.
func (o *Orchestrator) moveTreeOut(_ context.Context) error {
	if err := moveDir(o.Layout.DepTree, o.Layout.InAppRoot()); err != nil {
		return err
	}
	return o.packAndMoveAside()
}

func (o *Orchestrator) packAndMoveAside() error {
	sum, err := archive.PackFile(o.Layout.AppRoot, o.Layout.ArchivePath)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", o.Layout.AppRoot, err)
	}
	o.logger().Debug("packed application archive", "path", o.Layout.ArchivePath, "integrity", sum)
	return o.moveAside()
}

// moveAside hides the dependency tree from the builder. It is idempotent.
func (o *Orchestrator) moveAside() error {
	if !exists(o.Layout.InAppRoot()) {
		if exists(o.Layout.SideDir) {
			return nil
		}
		return fmt.Errorf("dependency tree is neither in %s nor in %s", o.Layout.InAppRoot(), o.Layout.SideDir)
	}
	return moveDir(o.Layout.InAppRoot(), o.Layout.SideDir)
}

func (o *Orchestrator) runBuilder(ctx context.Context) error {
	return o.Builder.Build(ctx, BuilderConfig{
		BeforeBuild: o.BeforeBuild,
		AfterPack:   o.AfterPack,
		Targets:     o.targets(),
		Directories: Directories{
			AppRoot:   o.Layout.AppRoot,
			OutputDir: o.OutputDir,
			Archive:   o.Layout.ArchivePath,
		},
	})
}

// BeforeBuild prepares the dependency tree for one target. Native modules
// are rebuilt only when the target architecture differs from the last
// rebuild; targets of another platform are packaged as-is.
func (o *Orchestrator) BeforeBuild(ctx context.Context, target Target) error {
	host := o.host()
	if target.Platform != host.Platform {
		o.logger().Warn("native modules cannot be rebuilt for another platform; packaging as-is",
			"target", target, "host", host.Platform)
		return o.moveAside()
	}
	if target.Arch == o.marker.LastRebuild {
		return o.moveAside()
	}

	o.logger().Info("rebuilding native modules", "target", target)
	if err := o.treeHome(); err != nil {
		return err
	}
	req := RebuildRequest{
		DepTree:           o.Layout.DepTree,
		ExtractedDir:      o.Layout.ExtractedDir,
		Target:            target,
		LocalDependencies: o.run.LocalDependencies,
	}
	if o.Rebuilder != nil {
		if err := o.Rebuilder.Rebuild(ctx, req); err != nil {
			return err
		}
		if err := o.Rebuilder.InstallLocal(ctx, req); err != nil {
			return err
		}
	}
	if o.Scaffolder != nil {
		if err := o.Scaffolder.Scaffold(ctx, o.Layout.AppRoot); err != nil {
			return err
		}
	}
	o.marker.LastRebuild = target.Arch
	if err := o.save(); err != nil {
		return err
	}
	return o.moveTreeOut(ctx)
}

// AfterPack restores the dependency tree next to the app and waits for the
// packaged archive to be released.
func (o *Orchestrator) AfterPack(_ context.Context, pack PackContext) error {
	if exists(o.Layout.SideDir) {
		if err := moveDir(o.Layout.SideDir, o.Layout.InAppRoot()); err != nil {
			return err
		}
	}
	if pack.AppOutDir != "" && !slices.Contains(o.marker.Outputs, pack.AppOutDir) {
		o.marker.Outputs = append(o.marker.Outputs, pack.AppOutDir)
		if err := o.save(); err != nil {
			return err
		}
	}
	return o.LockWait.WaitForUnlock(filepath.Join(pack.AppOutDir, filepath.FromSlash(PackagedArchive)))
}

// treeHome moves the dependency tree back to its canonical location from
// wherever the run left it.
func (o *Orchestrator) treeHome() error {
	for _, src := range []string{o.Layout.InAppRoot(), o.Layout.SideDir} {
		if !exists(src) {
			continue
		}
		if exists(o.Layout.DepTree) {
			// The canonical tree wins over a leftover.
			o.logger().Warn("discarding leftover dependency tree", "path", src)
			if err := RemoveWithRetries(src); err != nil {
				return err
			}
			continue
		}
		if err := moveDir(src, o.Layout.DepTree); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) restoreTree(_ context.Context) error {
	return o.treeHome()
}

// restoreFlagged copies every extracted module into each packaged
// application, then removes the extracted copies.
func (o *Orchestrator) restoreFlagged(_ context.Context) error {
	if len(o.marker.Extracted) == 0 {
		return nil
	}
	modulesDir := o.PackagedModulesDir
	if modulesDir == "" {
		modulesDir = DefaultPackagedModulesDir
	}
	for _, out := range o.marker.Outputs {
		dest := filepath.Join(out, filepath.FromSlash(modulesDir))
		for _, name := range o.marker.Extracted {
			src := filepath.Join(o.Layout.ExtractedDir, filepath.FromSlash(name))
			if err := copyTree(src, filepath.Join(dest, filepath.FromSlash(name))); err != nil {
				return fmt.Errorf("failed to restore extracted module %s into %s: %w", name, out, err)
			}
		}
		shims := filepath.Join(o.Layout.ExtractedDir, shimDir)
		if exists(shims) {
			if err := copyTree(shims, filepath.Join(dest, shimDir)); err != nil {
				return fmt.Errorf("failed to restore shims into %s: %w", out, err)
			}
		}
	}
	return RemoveWithRetries(o.Layout.ExtractedDir)
}

func (o *Orchestrator) waitForLocks(_ context.Context) error {
	for _, out := range o.marker.Outputs {
		if err := o.LockWait.WaitForUnlock(filepath.Join(out, filepath.FromSlash(PackagedArchive))); err != nil {
			return err
		}
	}
	return nil
}

// Preflight recovers from an interrupted run. A leftover dependency tree is
// moved back when the canonical tree is missing and discarded otherwise.
// Extracted modules left by a run that stopped before
// StateWaitingForLockRelease are moved back into the tree; without a
// readable marker they are found by listing the extraction directory.
func (o *Orchestrator) Preflight() error {
	prev, loadErr := o.store().Load()
	if loadErr != nil {
		o.logger().Warn("ignoring unreadable packaging state", "error", loadErr)
	}

	if err := o.treeHome(); err != nil {
		return err
	}

	if exists(o.Layout.ExtractedDir) {
		// Once every output holds the modules, the extraction directory is
		// only a leftover copy.
		restored := prev != nil && (prev.Interrupted() == StateWaitingForLockRelease || prev.Interrupted() == StateDone)
		if !restored {
			names, err := o.extractedNames(prev)
			if err != nil {
				return err
			}
			if len(names) > 0 {
				o.logger().Warn("recovering extracted modules from an interrupted run", "modules", names)
			}
			if err := o.returnExtracted(names); err != nil {
				return err
			}
		}
		if err := RemoveWithRetries(o.Layout.ExtractedDir); err != nil {
			return err
		}
	}

	if prev != nil || loadErr != nil {
		if err := o.store().Clear(); err != nil {
			return err
		}
	}
	return nil
}

// extractedNames lists the modules in the extraction directory, scoped
// packages as "@scope/name", merged with those the marker recorded.
func (o *Orchestrator) extractedNames(prev *Marker) ([]string, error) {
	var names []string
	if prev != nil {
		names = append(names, prev.Extracted...)
	}
	entries, err := os.ReadDir(o.Layout.ExtractedDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted modules: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == shimDir {
			continue
		}
		if !strings.HasPrefix(entry.Name(), "@") {
			names = append(names, entry.Name())
			continue
		}
		scoped, err := os.ReadDir(filepath.Join(o.Layout.ExtractedDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list extracted modules: %w", err)
		}
		for _, child := range scoped {
			if child.IsDir() {
				names = append(names, entry.Name()+"/"+child.Name())
			}
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// returnExtracted moves extracted modules and their shims back into the
// dependency tree. A module already present in the tree is kept.
func (o *Orchestrator) returnExtracted(names []string) error {
	for _, name := range names {
		src := filepath.Join(o.Layout.ExtractedDir, filepath.FromSlash(name))
		if !exists(src) {
			continue
		}
		dst := filepath.Join(o.Layout.DepTree, filepath.FromSlash(name))
		if exists(dst) {
			o.logger().Warn("discarding extracted copy of an installed module", "module", name)
			continue
		}
		if err := moveDir(src, dst); err != nil {
			return err
		}
		if err := o.moveShims(name, o.Layout.ExtractedDir, o.Layout.DepTree); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) enter(state State) error {
	o.logger().Debug("packaging state", "from", o.State(), "to", state)
	o.state = state
	o.marker.State = state
	return o.save()
}

func (o *Orchestrator) fail(err error) error {
	failed := o.State()
	o.state = StateError
	o.marker.Previous = failed
	o.marker.State = StateError
	o.marker.Error = err.Error()
	if saveErr := o.save(); saveErr != nil {
		o.logger().Warn("failed to persist packaging error state", "error", saveErr)
	}
	return &TransitionError{State: failed, Err: err}
}

func (o *Orchestrator) save() error {
	return o.store().Save(&o.marker)
}

func (o *Orchestrator) store() *StateStore {
	return &StateStore{Path: o.Layout.StatePath}
}

func (o *Orchestrator) host() Target {
	if o.Host == (Target{}) {
		return HostTarget()
	}
	return o.Host
}

func (o *Orchestrator) targets() []Target {
	if len(o.Targets) == 0 {
		return []Target{o.host()}
	}
	return o.Targets
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Log == nil {
		return log.New(io.Discard)
	}
	return o.Log
}
