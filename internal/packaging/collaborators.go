// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/invowk/deskpack/internal/shellcmd"
	"github.com/invowk/deskpack/pkg/platform"

	"github.com/bmatcuk/doublestar/v4"
)

// Environment variables passed to packaging commands.
const (
	EnvAppRoot      = "DESKPACK_APP_ROOT"
	EnvOutputDir    = "DESKPACK_OUTPUT_DIR"
	EnvAppOutDir    = "DESKPACK_APP_OUT_DIR"
	EnvArchive      = "DESKPACK_ARCHIVE"
	EnvPlatform     = "DESKPACK_PLATFORM"
	EnvArch         = "DESKPACK_ARCH"
	EnvDepTree      = "DESKPACK_DEP_TREE"
	EnvExtractedDir = "DESKPACK_EXTRACTED_DIR"
	EnvDependency   = "DESKPACK_DEPENDENCY"
	EnvSpecifier    = "DESKPACK_SPECIFIER"
)

type (
	// Target is one platform/architecture the installer-builder produces.
	Target struct {
		Platform string `json:"platform" mapstructure:"platform"`
		Arch     string `json:"arch" mapstructure:"arch"`
	}

	// Directories are handed to the installer-builder.
	Directories struct {
		AppRoot   string
		OutputDir string
		// Archive is the archive packed from AppRoot and the dependency tree.
		Archive string
	}

	// PackContext describes one packaged application.
	PackContext struct {
		Target Target
		// AppOutDir is the packaged application's directory.
		AppOutDir string
	}

	// BuilderConfig is passed to InstallerBuilder.Build. The builder calls
	// BeforeBuild and AfterPack exactly once per target.
	BuilderConfig struct {
		BeforeBuild func(ctx context.Context, target Target) error
		AfterPack   func(ctx context.Context, pack PackContext) error
		Targets     []Target
		Directories Directories
	}

	// InstallerBuilder produces packaged applications.
	InstallerBuilder interface {
		Build(ctx context.Context, config BuilderConfig) error
	}

	// Detector lists dependencies likely to need extraction.
	Detector interface {
		Detect(depTree string) ([]string, error)
	}

	// RebuildRequest describes a native-module rebuild.
	RebuildRequest struct {
		DepTree      string
		ExtractedDir string
		Target       Target
		// LocalDependencies maps names to local-path specifiers.
		LocalDependencies map[string]string
	}

	// Rebuilder rebuilds native modules for another architecture.
	Rebuilder interface {
		Rebuild(ctx context.Context, req RebuildRequest) error
		InstallLocal(ctx context.Context, req RebuildRequest) error
	}

	// Scaffolder recreates the application root skeleton.
	Scaffolder interface {
		Scaffold(ctx context.Context, appRoot string) error
	}

	// CommandBuilder runs Command once per target between the callbacks.
	// Without a Command it copies the packed archive into each target's
	// resources directory.
	CommandBuilder struct {
		Runner  *shellcmd.Runner
		Command string
	}

	// NativeDetector flags dependencies that ship compiled addons (*.node)
	// or a binding.gyp.
	NativeDetector struct{}

	// CommandRebuilder runs shell commands to rebuild and reinstall.
	CommandRebuilder struct {
		Runner              *shellcmd.Runner
		RebuildCommand      string
		InstallLocalCommand string
	}

	// SkeletonScaffolder copies SkeletonDir over the application root.
	SkeletonScaffolder struct {
		SkeletonDir string
	}
)

// Compile-time interface checks
var (
	_ InstallerBuilder = (*CommandBuilder)(nil)
	_ Detector         = NativeDetector{}
	_ Rebuilder        = (*CommandRebuilder)(nil)
	_ Scaffolder       = (*SkeletonScaffolder)(nil)
)

// String returns "platform-arch".
func (t Target) String() string { return t.Platform + "-" + t.Arch }

// HostTarget returns the target of the running machine using Node.js
// platform and architecture names.
func HostTarget() Target {
	return Target{Platform: platform.NodePlatform(runtime.GOOS), Arch: platform.NodeArch(runtime.GOARCH)}
}

// ParseTarget parses "platform-arch" or "platform/arch".
func ParseTarget(s string) (Target, error) {
	name, arch, ok := strings.Cut(s, "-")
	if !ok {
		name, arch, ok = strings.Cut(s, "/")
	}
	if !ok || name == "" || arch == "" {
		return Target{}, fmt.Errorf("invalid target %q (expected platform-arch, e.g. linux-x64)", s)
	}
	return Target{Platform: name, Arch: arch}, nil
}

// Build implements InstallerBuilder.
func (b *CommandBuilder) Build(ctx context.Context, config BuilderConfig) error {
	for _, target := range config.Targets {
		if err := config.BeforeBuild(ctx, target); err != nil {
			return fmt.Errorf("before-build %s: %w", target, err)
		}

		// Output from an earlier run is replaced, not merged into.
		appOutDir := filepath.Join(config.Directories.OutputDir, target.String()+"-unpacked")
		if err := RemoveWithRetries(appOutDir); err != nil {
			return err
		}
		if err := os.MkdirAll(appOutDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", appOutDir, err)
		}

		if b.Command == "" {
			if err := copyFile(config.Directories.Archive, filepath.Join(appOutDir, filepath.FromSlash(PackagedArchive))); err != nil {
				return fmt.Errorf("failed to package %s: %w", target, err)
			}
		} else {
			runner := b.Runner
			if runner == nil {
				runner = shellcmd.NewRunner()
			}
			_, err := runner.Run(ctx, shellcmd.Command{
				Script: b.Command,
				Dir:    config.Directories.AppRoot,
				Env: []string{
					EnvAppRoot + "=" + config.Directories.AppRoot,
					EnvOutputDir + "=" + config.Directories.OutputDir,
					EnvAppOutDir + "=" + appOutDir,
					EnvArchive + "=" + config.Directories.Archive,
					EnvPlatform + "=" + target.Platform,
					EnvArch + "=" + target.Arch,
				},
				Stderr: os.Stderr,
			})
			if err != nil {
				return fmt.Errorf("installer-builder failed for %s: %w", target, err)
			}
		}

		if err := config.AfterPack(ctx, PackContext{Target: target, AppOutDir: appOutDir}); err != nil {
			return fmt.Errorf("after-pack %s: %w", target, err)
		}
	}
	return nil
}

// Detect implements Detector.
func (NativeDetector) Detect(depTree string) ([]string, error) {
	entries, err := os.ReadDir(depTree)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read dependency tree: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasPrefix(name, "@") {
			scoped, err := os.ReadDir(filepath.Join(depTree, name))
			if err != nil {
				return nil, fmt.Errorf("failed to read scope %s: %w", name, err)
			}
			for _, s := range scoped {
				if s.IsDir() && hasNativeCode(filepath.Join(depTree, name, s.Name())) {
					candidates = append(candidates, name+"/"+s.Name())
				}
			}
			continue
		}
		if hasNativeCode(filepath.Join(depTree, name)) {
			candidates = append(candidates, name)
		}
	}
	slices.Sort(candidates)
	return candidates, nil
}

func hasNativeCode(moduleDir string) bool {
	if _, err := os.Stat(filepath.Join(moduleDir, "binding.gyp")); err == nil {
		return true
	}
	matches, err := doublestar.Glob(os.DirFS(moduleDir), "**/*.node")
	return err == nil && len(matches) > 0
}

// Rebuild implements Rebuilder. Without a RebuildCommand it does nothing.
func (r *CommandRebuilder) Rebuild(ctx context.Context, req RebuildRequest) error {
	if r.RebuildCommand == "" {
		return nil
	}
	_, err := r.runner().Run(ctx, shellcmd.Command{
		Script: r.RebuildCommand,
		Dir:    filepath.Dir(req.DepTree),
		Env:    requestEnv(req),
		Stderr: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("native rebuild for %s failed: %w", req.Target, err)
	}
	return nil
}

// InstallLocal implements Rebuilder. It runs InstallLocalCommand once per
// local dependency, in name order.
func (r *CommandRebuilder) InstallLocal(ctx context.Context, req RebuildRequest) error {
	if r.InstallLocalCommand == "" {
		return nil
	}
	names := make([]string, 0, len(req.LocalDependencies))
	for name := range req.LocalDependencies {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		env := append(requestEnv(req), EnvDependency+"="+name, EnvSpecifier+"="+req.LocalDependencies[name])
		if _, err := r.runner().Run(ctx, shellcmd.Command{
			Script: r.InstallLocalCommand,
			Dir:    filepath.Dir(req.DepTree),
			Env:    env,
			Stderr: os.Stderr,
		}); err != nil {
			return fmt.Errorf("reinstalling local dependency %s for %s failed: %w", name, req.Target, err)
		}
	}
	return nil
}

func (r *CommandRebuilder) runner() *shellcmd.Runner {
	if r.Runner == nil {
		return shellcmd.NewRunner()
	}
	return r.Runner
}

func requestEnv(req RebuildRequest) []string {
	return []string{
		EnvDepTree + "=" + req.DepTree,
		EnvExtractedDir + "=" + req.ExtractedDir,
		EnvPlatform + "=" + req.Target.Platform,
		EnvArch + "=" + req.Target.Arch,
	}
}

// Scaffold implements Scaffolder. Without a SkeletonDir it does nothing.
func (s *SkeletonScaffolder) Scaffold(_ context.Context, appRoot string) error {
	if s.SkeletonDir == "" {
		return nil
	}
	if err := copyTree(s.SkeletonDir, appRoot); err != nil {
		return fmt.Errorf("failed to scaffold %s: %w", appRoot, err)
	}
	return nil
}
