// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/invowk/deskpack/internal/buildcache"
)

// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// InvalidConfigError collects field-level validation failures that the
	// schema cannot express.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the deskpack project configuration.
	Config struct {
		// SourceDir is the application source tree.
		SourceDir string `json:"source_dir" mapstructure:"source_dir"`
		// BuildDir holds the staged application and the packaging state.
		BuildDir string `json:"build_dir" mapstructure:"build_dir"`
		// OutputDir receives the archive, version.json and installers.
		OutputDir    string `json:"output_dir" mapstructure:"output_dir"`
		CacheDir     string `json:"cache_dir" mapstructure:"cache_dir"`
		SettingsFile string `json:"settings_file" mapstructure:"settings_file"`
		ArchiveName  string `json:"archive_name" mapstructure:"archive_name"`

		Compat    CompatConfig    `json:"compat" mapstructure:"compat"`
		Cache     CacheConfig     `json:"cache" mapstructure:"cache"`
		Transform TransformConfig `json:"transform" mapstructure:"transform"`
		Packaging PackagingConfig `json:"packaging" mapstructure:"packaging"`
		Watch     WatchConfig     `json:"watch" mapstructure:"watch"`
	}

	// CompatConfig names the version markers of the compatibility version.
	CompatConfig struct {
		ToolName string `json:"tool_name" mapstructure:"tool_name"`
		// ToolVersion defaults to the running deskpack version when empty.
		ToolVersion string `json:"tool_version" mapstructure:"tool_version"`
		AppType     string `json:"app_type" mapstructure:"app_type"`
		AppVersion  string `json:"app_version" mapstructure:"app_version"`
	}

	// CacheConfig configures the build cache.
	CacheConfig struct {
		Compression buildcache.Compression `json:"compression" mapstructure:"compression"`
	}

	// TransformConfig configures the per-file transform stage.
	TransformConfig struct {
		// Command transforms one file; empty copies files unchanged.
		Command       string   `json:"command" mapstructure:"command"`
		MinifyCommand string   `json:"minify_command" mapstructure:"minify_command"`
		Patterns      []string `json:"patterns" mapstructure:"patterns"`
		Ignore        []string `json:"ignore" mapstructure:"ignore"`
		// Concurrency of zero uses the number of CPUs.
		Concurrency int `json:"concurrency" mapstructure:"concurrency"`
	}

	// PackagingConfig configures the packaging orchestrator.
	PackagingConfig struct {
		// InstallCommand populates the dependency tree from the package.json
		// written to the build directory.
		InstallCommand      string   `json:"install_command" mapstructure:"install_command"`
		BuilderCommand      string   `json:"builder_command" mapstructure:"builder_command"`
		RebuildCommand      string   `json:"rebuild_command" mapstructure:"rebuild_command"`
		InstallLocalCommand string   `json:"install_local_command" mapstructure:"install_local_command"`
		SkeletonDir         string   `json:"skeleton_dir" mapstructure:"skeleton_dir"`
		Targets             []string `json:"targets" mapstructure:"targets"`
		// Extract lists dependencies to keep outside the archive in
		// addition to the detected ones.
		Extract            []string      `json:"extract" mapstructure:"extract"`
		PackagedModulesDir string        `json:"packaged_modules_dir" mapstructure:"packaged_modules_dir"`
		LockWaitAttempts   int           `json:"lock_wait_attempts" mapstructure:"lock_wait_attempts"`
		LockWaitInterval   time.Duration `json:"lock_wait_interval" mapstructure:"lock_wait_interval"`
		ForceLockWait      bool          `json:"force_lock_wait" mapstructure:"force_lock_wait"`
	}

	// WatchConfig configures build --watch.
	WatchConfig struct {
		Debounce time.Duration `json:"debounce" mapstructure:"debounce"`
	}
)

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// Validate checks constraints that span fields.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Cache.Compression.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache.compression: %w", err))
	}
	if c.Transform.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("transform.concurrency: must not be negative, got %d", c.Transform.Concurrency))
	}
	if c.Packaging.LockWaitAttempts < 1 {
		errs = append(errs, fmt.Errorf("packaging.lock_wait_attempts: must be at least 1, got %d", c.Packaging.LockWaitAttempts))
	}
	if c.Packaging.LockWaitInterval < 0 {
		errs = append(errs, errors.New("packaging.lock_wait_interval: must not be negative"))
	}
	if c.Watch.Debounce < 0 {
		errs = append(errs, errors.New("watch.debounce: must not be negative"))
	}
	if sameDir(c.SourceDir, c.OutputDir) {
		errs = append(errs, fmt.Errorf("output_dir: must differ from source_dir %q", c.SourceDir))
	}
	if sameDir(c.SourceDir, c.BuildDir) {
		errs = append(errs, fmt.Errorf("build_dir: must differ from source_dir %q", c.SourceDir))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Resolve makes every relative path absolute against projectDir.
func (c *Config) Resolve(projectDir string) {
	for _, p := range []*string{
		&c.SourceDir, &c.BuildDir, &c.OutputDir, &c.CacheDir,
		&c.SettingsFile, &c.Packaging.SkeletonDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(projectDir, *p)
		}
	}
}

func sameDir(a, b string) bool {
	return a != "" && b != "" && filepath.Clean(a) == filepath.Clean(b)
}
