// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/invowk/deskpack/internal/build"
	"github.com/invowk/deskpack/internal/buildcache"
	"github.com/invowk/deskpack/internal/config"
	"github.com/invowk/deskpack/internal/packaging"
	"github.com/invowk/deskpack/internal/settings"
	"github.com/invowk/deskpack/internal/shellcmd"
	"github.com/invowk/deskpack/internal/transform"
	"github.com/invowk/deskpack/pkg/compatver"
)

type (
	// projectOverrides are command-line flags that take precedence over the
	// configuration file.
	projectOverrides struct {
		settingsFile string
		sourceDir    string
		outputDir    string
		env          string
	}

	// project is a loaded configuration and settings document.
	project struct {
		cfg      *config.Loaded
		settings *settings.Settings
	}
)

// loadProject loads the configuration, applies overrides and reads the
// settings document.
func (a *App) loadProject(ctx context.Context, overrides projectOverrides) (*project, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range []struct {
		value string
		dst   *string
	}{
		{overrides.settingsFile, &cfg.SettingsFile},
		{overrides.sourceDir, &cfg.SourceDir},
		{overrides.outputDir, &cfg.OutputDir},
	} {
		if o.value == "" {
			continue
		}
		abs, err := filepath.Abs(o.value)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", o.value, err)
		}
		*o.dst = abs
	}

	s, err := loadSettings(cfg.SettingsFile)
	if err != nil {
		return nil, err
	}
	if overrides.env != "" {
		s.Env = overrides.env
	}
	return &project{cfg: cfg, settings: s}, nil
}

func loadSettings(path string) (*settings.Settings, error) {
	s, err := settings.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errSettingsNotFound, path)
		}
		return nil, err
	}
	return s, nil
}

// markers returns the compatibility version markers. The tool version
// defaults to the running deskpack version.
func (p *project) markers() compatver.Markers {
	toolVersion := p.cfg.Compat.ToolVersion
	if toolVersion == "" {
		toolVersion = Version
	}
	return compatver.Markers{
		ToolName:    p.cfg.Compat.ToolName,
		ToolVersion: toolVersion,
		AppType:     p.cfg.Compat.AppType,
		AppVersion:  p.cfg.Compat.AppVersion,
	}
}

func (p *project) openCache() (*buildcache.FileStore, error) {
	return buildcache.NewFileStore(p.cfg.CacheDir, p.cfg.Cache.Compression)
}

// newPipeline builds the build pipeline. A non-empty appDir also receives
// the exploded application tree.
func (a *App) newPipeline(p *project, appDir string) (*build.Pipeline, error) {
	store, err := p.openCache()
	if err != nil {
		return nil, err
	}
	runner := shellcmd.NewRunner()

	stage := &transform.Stage{
		Transformer: transform.Identity{},
		Patterns:    p.cfg.Transform.Patterns,
		Concurrency: p.cfg.Transform.Concurrency,
		Log:         a.logger("transform"),
	}
	if p.cfg.Transform.Command != "" {
		stage.Transformer = &transform.ShellTransformer{Runner: runner, Script: p.cfg.Transform.Command, Dir: p.cfg.SourceDir}
		stage.Fingerprint = transform.Fingerprint(p.cfg.Transform.Command)
	}
	if p.cfg.Transform.MinifyCommand != "" {
		stage.Minifier = &transform.ShellMinifier{Runner: runner, Script: p.cfg.Transform.MinifyCommand, Dir: p.cfg.SourceDir}
	}

	toolchain := transform.Fingerprint(
		p.cfg.Transform.Command,
		p.cfg.Transform.MinifyCommand,
		strings.Join(p.cfg.Transform.Patterns, ","),
	)

	return &build.Pipeline{
		Options: build.Options{
			SourceDir:   p.cfg.SourceDir,
			OutputDir:   p.cfg.OutputDir,
			ArchiveName: p.cfg.ArchiveName,
			AppDir:      appDir,
			Ignore:      p.cfg.Transform.Ignore,
			Settings:    p.settings,
			Markers:     p.markers(),
			Toolchain:   toolchain,
		},
		Cache: store,
		Stage: stage,
		Log:   a.logger("build"),
	}, nil
}

// newOrchestrator builds the packaging orchestrator from the configuration.
func (a *App) newOrchestrator(cfg *config.Config) (*packaging.Orchestrator, error) {
	targets := make([]packaging.Target, 0, len(cfg.Packaging.Targets))
	for _, raw := range cfg.Packaging.Targets {
		target, err := packaging.ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	runner := shellcmd.NewRunner()
	return &packaging.Orchestrator{
		Layout:   packaging.NewLayout(cfg.BuildDir),
		Builder:  &packaging.CommandBuilder{Runner: runner, Command: cfg.Packaging.BuilderCommand},
		Detector: packaging.NativeDetector{},
		Rebuilder: &packaging.CommandRebuilder{
			Runner:              runner,
			RebuildCommand:      cfg.Packaging.RebuildCommand,
			InstallLocalCommand: cfg.Packaging.InstallLocalCommand,
		},
		Scaffolder:         &packaging.SkeletonScaffolder{SkeletonDir: cfg.Packaging.SkeletonDir},
		Targets:            targets,
		OutputDir:          cfg.OutputDir,
		PackagedModulesDir: cfg.Packaging.PackagedModulesDir,
		LockWait: packaging.LockWait{
			Attempts: cfg.Packaging.LockWaitAttempts,
			Interval: cfg.Packaging.LockWaitInterval,
			Force:    cfg.Packaging.ForceLockWait,
		},
		Log: a.logger("package"),
	}, nil
}
