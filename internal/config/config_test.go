// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/invowk/deskpack/internal/buildcache"
	"github.com/invowk/deskpack/internal/issue"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	loaded, err := NewProvider().Load(context.Background(), LoadOptions{ProjectDir: dir})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Path != "" {
		t.Errorf("Path = %q, want empty without a config file", loaded.Path)
	}
	if loaded.SourceDir != filepath.Join(dir, "src") || loaded.OutputDir != filepath.Join(dir, "dist") {
		t.Errorf("paths not resolved against the project: %q, %q", loaded.SourceDir, loaded.OutputDir)
	}
	if loaded.Cache.Compression != buildcache.CompressionZstd {
		t.Errorf("Cache.Compression = %q, want zstd", loaded.Cache.Compression)
	}
	if loaded.Packaging.LockWaitAttempts != 6 || loaded.Packaging.LockWaitInterval != 3*time.Second {
		t.Errorf("lock wait = %d x %s", loaded.Packaging.LockWaitAttempts, loaded.Packaging.LockWaitInterval)
	}
	if !slices.Equal(loaded.Transform.Patterns, []string{"**/*.js"}) {
		t.Errorf("Transform.Patterns = %v", loaded.Transform.Patterns)
	}
	if loaded.Compat.ToolName != AppName || loaded.Watch.Debounce != DefaultWatchDebounce {
		t.Errorf("Compat = %+v, Watch = %+v", loaded.Compat, loaded.Watch)
	}
}

func TestLoadProjectFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, `
source_dir: "app"
cache: compression: "lz4"
transform: {
	patterns: ["**/*.js", "**/*.mjs"]
	concurrency: 2
}
packaging: {
	targets: ["linux-x64", "win32-ia32"]
	lock_wait_interval: "250ms"
	force_lock_wait: true
}
watch: debounce: "2s"
`)

	loaded, err := NewProvider().Load(context.Background(), LoadOptions{ProjectDir: dir})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Path != path {
		t.Errorf("Path = %q, want %q", loaded.Path, path)
	}
	if loaded.SourceDir != filepath.Join(dir, "app") {
		t.Errorf("SourceDir = %q", loaded.SourceDir)
	}
	if loaded.Cache.Compression != buildcache.CompressionLZ4 || loaded.Transform.Concurrency != 2 {
		t.Errorf("Cache = %+v, Transform = %+v", loaded.Cache, loaded.Transform)
	}
	if !slices.Equal(loaded.Transform.Patterns, []string{"**/*.js", "**/*.mjs"}) {
		t.Errorf("Transform.Patterns = %v", loaded.Transform.Patterns)
	}
	if !slices.Equal(loaded.Packaging.Targets, []string{"linux-x64", "win32-ia32"}) {
		t.Errorf("Packaging.Targets = %v", loaded.Packaging.Targets)
	}
	if loaded.Packaging.LockWaitInterval != 250*time.Millisecond || !loaded.Packaging.ForceLockWait {
		t.Errorf("Packaging = %+v", loaded.Packaging)
	}
	if loaded.Packaging.LockWaitAttempts != 6 {
		t.Errorf("unset lock_wait_attempts = %d, want default 6", loaded.Packaging.LockWaitAttempts)
	}
	if loaded.Watch.Debounce != 2*time.Second {
		t.Errorf("Watch.Debounce = %s", loaded.Watch.Debounce)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "unknown key", content: `colour: "blue"`, want: "colour"},
		{name: "bad compression", content: `cache: compression: "gzip"`, want: "cache.compression"},
		{name: "zero lock attempts", content: `packaging: lock_wait_attempts: 0`, want: "packaging.lock_wait_attempts"},
		{name: "bad duration", content: `watch: debounce: "soon"`, want: "watch.debounce"},
		{name: "bad target", content: `packaging: targets: ["linux"]`, want: "packaging.targets[0]"},
		{name: "syntax error", content: `source_dir: "app`, want: ConfigFileName},
		{name: "source equals output", content: "source_dir: \"out\"\noutput_dir: \"out\"", want: "output_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := NewProvider().Load(context.Background(), LoadOptions{ProjectDir: dir})
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			var ae *issue.ActionableError
			if !errors.As(err, &ae) || !ae.HasSuggestions() {
				t.Errorf("Load() error = %T, want *issue.ActionableError with suggestions", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadExplicitFile(t *testing.T) {
	t.Parallel()

	projectDir := t.TempDir()
	other := t.TempDir()
	path := writeConfig(t, other, `output_dir: "release"`)

	loaded, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: path, ProjectDir: projectDir})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.OutputDir != filepath.Join(other, "release") {
		t.Errorf("OutputDir = %q, want it relative to the config file", loaded.OutputDir)
	}

	_, err = NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: filepath.Join(other, "missing.cue")})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() of missing file error = %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `cache: compression: "lz4"`)
	t.Setenv("DESKPACK_CACHE_COMPRESSION", "none")
	t.Setenv("DESKPACK_WATCH_DEBOUNCE", "1s")
	t.Setenv("DESKPACK_PACKAGING_FORCE_LOCK_WAIT", "true")

	loaded, err := NewProvider().Load(context.Background(), LoadOptions{ProjectDir: dir})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.Cache.Compression != buildcache.CompressionNone {
		t.Errorf("Cache.Compression = %q, want env override none", loaded.Cache.Compression)
	}
	if loaded.Watch.Debounce != time.Second || !loaded.Packaging.ForceLockWait {
		t.Errorf("Watch = %+v, Packaging.ForceLockWait = %v", loaded.Watch, loaded.Packaging.ForceLockWait)
	}
}

func TestLoadCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProvider().Load(ctx, LoadOptions{ProjectDir: t.TempDir()}); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
}

func TestCreateDefaultConfigLoadsBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := CreateDefaultConfig(dir)
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error: %v", err)
	}
	loaded, err := NewProvider().Load(context.Background(), LoadOptions{ProjectDir: dir})
	if err != nil {
		t.Fatalf("Load() of generated config error: %v\n%s", err, GenerateCUE(DefaultConfig()))
	}
	if loaded.Path != path {
		t.Errorf("Path = %q, want %q", loaded.Path, path)
	}

	want := DefaultConfig()
	want.Resolve(dir)
	if loaded.SourceDir != want.SourceDir || loaded.CacheDir != want.CacheDir ||
		loaded.Packaging.PackagedModulesDir != want.Packaging.PackagedModulesDir ||
		loaded.Packaging.LockWaitInterval != want.Packaging.LockWaitInterval ||
		loaded.Watch.Debounce != want.Watch.Debounce {
		t.Errorf("generated config loaded as %+v", loaded.Config)
	}

	// An existing file is left alone.
	if err := os.WriteFile(path, []byte(`archive_name: "custom.asar"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateDefaultConfig(dir); err != nil {
		t.Fatalf("CreateDefaultConfig() error: %v", err)
	}
	if data, _ := os.ReadFile(path); !strings.Contains(string(data), "custom.asar") {
		t.Error("CreateDefaultConfig() overwrote an existing file")
	}
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"":                     "",
		"source_dir":           "source_dir",
		"transform.patterns.0": "transform.patterns[0]",
		"packaging.targets.12": "packaging.targets[12]",
		"compat.app_version":   "compat.app_version",
	} {
		var path []string
		if in != "" {
			path = strings.Split(in, ".")
		}
		if got := formatPath(path); got != want {
			t.Errorf("formatPath(%q) = %q, want %q", in, got, want)
		}
	}
}
