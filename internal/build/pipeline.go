// SPDX-License-Identifier: MPL-2.0

// Package build runs the incremental build: it merges the declared
// dependencies, fingerprints them, and either reuses the archive of the
// previous build or transforms and packs the sources again.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/invowk/deskpack/internal/buildcache"
	"github.com/invowk/deskpack/internal/settings"
	"github.com/invowk/deskpack/internal/transform"
	"github.com/invowk/deskpack/pkg/archive"
	"github.com/invowk/deskpack/pkg/compatver"
	"github.com/invowk/deskpack/pkg/depmanifest"
	"github.com/invowk/deskpack/pkg/integrity"

	"github.com/charmbracelet/log"
)

const (
	// DefaultArchiveName is the archive file written to the output directory.
	DefaultArchiveName = "app.asar"
	// VersionFileName is the version metadata asset.
	VersionFileName = "version.json"
)

// ErrNoSettings is returned when a Pipeline has no settings document.
var ErrNoSettings = errors.New("build settings are required")

type (
	// Options configure a Pipeline.
	Options struct {
		// SourceDir is the application source tree.
		SourceDir string
		// OutputDir receives the archive and VersionFileName.
		OutputDir string
		// ArchiveName defaults to DefaultArchiveName.
		ArchiveName string
		// AppDir, when set, also receives the exploded application tree and
		// a copy of VersionFileName, ready for packaging.
		AppDir string
		// Ignore lists doublestar patterns excluded from the snapshot and
		// the transform stage.
		Ignore   []string
		Settings *settings.Settings
		Markers  compatver.Markers
		// Toolchain fingerprints the transform and minify configuration. A
		// change invalidates the previous generation.
		Toolchain string
	}

	// Pipeline is one build configuration.
	Pipeline struct {
		Options
		// Cache backs both the generation pointers and the per-file
		// transform cache. Nil disables caching.
		Cache buildcache.Store
		// Stage transforms sources on a miss. Its Cache is filled from
		// Pipeline.Cache when unset.
		Stage *transform.Stage
		Log   *log.Logger
	}

	// VersionInfo is the content of VersionFileName.
	VersionInfo struct {
		Version              string `json:"version"`
		CompatibilityVersion string `json:"compatibilityVersion"`
	}

	// Result describes a finished build.
	Result struct {
		ArchivePath          string
		VersionPath          string
		Version              string
		CompatibilityVersion string
		Integrity            integrity.Integrity
		CacheHit             bool
		Manifest             map[string]string
		LocalDependencies    map[string]string
		Warnings             []depmanifest.Warning
		Stats                transform.Stats
	}
)

// Run executes the build.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.Settings == nil {
		return nil, ErrNoSettings
	}
	logger := p.logger()

	merger, warnings, err := MergeDependencies(p.Settings, p.SourceDir)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn(w.Message, "dependency", w.Dependency, "source", w.Source)
	}

	compat, err := compatver.Compute(merger.Manifest(), p.Markers, p.Settings.CompatibilityVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to compute compatibility version: %w", err)
	}
	logger.Debug("compatibility version", "version", compat.Version, "overridden", compat.Overridden)

	canonical, err := p.Settings.Canonical()
	if err != nil {
		return nil, err
	}

	var gens *buildcache.Generations
	if p.Cache != nil {
		gens = &buildcache.Generations{Store: p.Cache, Log: logger}
	}

	if _, err := os.Stat(p.SourceDir); err != nil {
		return nil, fmt.Errorf("%w: %s", archive.ErrSourceMissing, p.SourceDir)
	}
	ignore := p.ignorePatterns()

	snap, snapErr := buildcache.TakeSnapshot(p.SourceDir, ignore)
	if snapErr != nil {
		logger.Debug("snapshot failed, cache disabled for this build", "error", snapErr)
	}

	result := &Result{
		CompatibilityVersion: compat.Version,
		Manifest:             merger.Manifest(),
		LocalDependencies:    merger.LocalDependencies(),
		Warnings:             warnings,
	}

	inputs := buildcache.Inputs{
		Snapshot:             snap,
		Settings:             canonical,
		CompatibilityVersion: compat.Version,
		Toolchain:            p.Toolchain,
	}

	var data []byte
	if gens != nil && snapErr == nil {
		if hit, ok := gens.Lookup(inputs, p.Settings.Env); ok {
			data = hit.Archive
			result.CacheHit = true
			logger.Info("reusing cached archive", "integrity", hit.Integrity)
			if p.AppDir != "" {
				if err := resetDir(p.AppDir); err != nil {
					return nil, err
				}
				if err := archive.UnpackBytes(data, p.AppDir); err != nil {
					return nil, fmt.Errorf("failed to unpack cached archive: %w", err)
				}
			}
		}
	}

	if !result.CacheHit {
		if gens != nil {
			gens.Invalidate()
		}
		data, result.Stats, err = p.rebuild(ctx, ignore)
		if err != nil {
			return nil, err
		}
		if gens != nil && snapErr == nil {
			if err := gens.Record(inputs, data); err != nil {
				logger.Debug("failed to record build generation", "error", err)
			}
		}
	}

	result.Integrity = integrity.Of(data)
	result.Version = result.Integrity.Hex() + "_" + p.Settings.Env
	if err := p.writeOutputs(data, result); err != nil {
		return nil, err
	}
	return result, nil
}

// MergeDependencies merges every fragment declared by s and the modules
// under sourceDir.
func MergeDependencies(s *settings.Settings, sourceDir string) (*depmanifest.Merger, []depmanifest.Warning, error) {
	fragments, err := settings.CollectFragments(s, sourceDir)
	if err != nil {
		return nil, nil, err
	}
	merger := depmanifest.NewMerger()
	warnings, err := merger.MergeFragments(fragments...)
	if err != nil {
		return nil, warnings, err
	}
	return merger, warnings, nil
}

func (p *Pipeline) rebuild(ctx context.Context, ignore []string) (data []byte, stats transform.Stats, err error) {
	stage := transform.Stage{Transformer: transform.Identity{}}
	if p.Stage != nil {
		stage = *p.Stage
	}
	if stage.Cache == nil {
		stage.Cache = p.Cache
	}
	// Production builds are reproduced from source, file by file.
	if p.Settings.IsProduction() {
		stage.Cache = nil
	}
	if stage.Log == nil {
		stage.Log = p.Log
	}

	stagingDir := p.AppDir
	if stagingDir == "" {
		if err = os.MkdirAll(p.OutputDir, 0o755); err != nil {
			return nil, stats, fmt.Errorf("failed to create output directory: %w", err)
		}
		stagingDir, err = os.MkdirTemp(p.OutputDir, ".staging-*")
		if err != nil {
			return nil, stats, fmt.Errorf("failed to create staging directory: %w", err)
		}
		defer func() {
			if removeErr := os.RemoveAll(stagingDir); removeErr != nil && err == nil {
				err = fmt.Errorf("failed to remove staging directory: %w", removeErr)
			}
		}()
	} else if err = resetDir(stagingDir); err != nil {
		return nil, stats, err
	}

	stats, err = stage.Run(ctx, p.SourceDir, stagingDir, transform.Options{
		Minify:        p.Settings.Uglify,
		MinifyOptions: p.Settings.UglifyOptions,
		Ignore:        ignore,
	})
	if err != nil {
		return nil, stats, err
	}

	data, err = archive.Pack(stagingDir)
	if err != nil {
		return nil, stats, err
	}
	return data, stats, nil
}

// ignorePatterns returns the configured ignores plus the output and app
// directories when they live inside the source tree, so build products never
// feed back into the snapshot or the archive.
func (p *Pipeline) ignorePatterns() []string {
	ignore := append([]string{}, p.Ignore...)
	for _, dir := range []string{p.OutputDir, p.AppDir} {
		if dir == "" {
			continue
		}
		rel, err := filepath.Rel(p.SourceDir, dir)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		ignore = append(ignore, filepath.ToSlash(rel)+"/**")
	}
	return ignore
}

func (p *Pipeline) writeOutputs(data []byte, result *Result) error {
	name := p.ArchiveName
	if name == "" {
		name = DefaultArchiveName
	}
	result.ArchivePath = filepath.Join(p.OutputDir, name)
	if err := archive.WriteFile(result.ArchivePath, data); err != nil {
		return err
	}

	info, err := json.MarshalIndent(VersionInfo{
		Version:              result.Version,
		CompatibilityVersion: result.CompatibilityVersion,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode version info: %w", err)
	}
	info = append(info, '\n')

	result.VersionPath = filepath.Join(p.OutputDir, VersionFileName)
	if err := os.WriteFile(result.VersionPath, info, 0o644); err != nil {
		return fmt.Errorf("failed to write version info: %w", err)
	}
	if p.AppDir != "" {
		if err := os.WriteFile(filepath.Join(p.AppDir, VersionFileName), info, 0o644); err != nil {
			return fmt.Errorf("failed to write version info: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) logger() *log.Logger {
	if p.Log == nil {
		return log.New(io.Discard)
	}
	return p.Log
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clean %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
