// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/invowk/deskpack/internal/build"
	"github.com/invowk/deskpack/internal/buildcache"
	"github.com/invowk/deskpack/internal/issue"
	"github.com/invowk/deskpack/internal/packaging"
	"github.com/invowk/deskpack/internal/transform"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "deskpack"
	// ConfigFileName is the project config file looked up in the project
	// directory.
	ConfigFileName = "deskpack.cue"
	// EnvPrefix prefixes environment overrides, e.g. DESKPACK_OUTPUT_DIR or
	// DESKPACK_PACKAGING_TARGETS.
	EnvPrefix = "DESKPACK"

	// DefaultWatchDebounce is the quiet period before a watched rebuild.
	DefaultWatchDebounce = 500 * time.Millisecond

	maxConfigFileSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		SourceDir:    "src",
		BuildDir:     "build",
		OutputDir:    "dist",
		CacheDir:     filepath.Join(".deskpack", "cache"),
		SettingsFile: "settings.json",
		ArchiveName:  build.DefaultArchiveName,
		Compat: CompatConfig{
			ToolName:   AppName,
			AppType:    "electron",
			AppVersion: "1",
		},
		Cache: CacheConfig{Compression: buildcache.CompressionZstd},
		Transform: TransformConfig{
			Patterns: append([]string(nil), transform.DefaultPatterns...),
			Ignore:   []string{},
		},
		Packaging: PackagingConfig{
			Targets:            []string{},
			Extract:            []string{},
			PackagedModulesDir: packaging.DefaultPackagedModulesDir,
			LockWaitAttempts:   packaging.DefaultLockWaitAttempts,
			LockWaitInterval:   packaging.DefaultLockWaitInterval,
		},
		Watch: WatchConfig{Debounce: DefaultWatchDebounce},
	}
}

// loadWithOptions performs option-driven config loading. It returns the
// config file that was read, or "" when only defaults and environment
// overrides apply.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	projectDir := opts.ProjectDir
	if projectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get working directory: %w", err)
		}
		projectDir = wd
	}

	resolvedPath := ""
	switch {
	case opts.ConfigFilePath != "":
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'deskpack config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		resolvedPath = opts.ConfigFilePath
	case fileExists(filepath.Join(projectDir, ConfigFileName)):
		resolvedPath = filepath.Join(projectDir, ConfigFileName)
	}

	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(resolvedPath).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	// Paths in a config file are relative to the file's directory.
	base := projectDir
	if resolvedPath != "" {
		base = filepath.Dir(resolvedPath)
	}
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	cfg.Resolve(base)

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Keep source_dir, build_dir and output_dir apart").
			Wrap(err).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

func setDefaults(v *viper.Viper, defaults *Config) {
	v.SetDefault("source_dir", defaults.SourceDir)
	v.SetDefault("build_dir", defaults.BuildDir)
	v.SetDefault("output_dir", defaults.OutputDir)
	v.SetDefault("cache_dir", defaults.CacheDir)
	v.SetDefault("settings_file", defaults.SettingsFile)
	v.SetDefault("archive_name", defaults.ArchiveName)
	v.SetDefault("compat.tool_name", defaults.Compat.ToolName)
	v.SetDefault("compat.tool_version", defaults.Compat.ToolVersion)
	v.SetDefault("compat.app_type", defaults.Compat.AppType)
	v.SetDefault("compat.app_version", defaults.Compat.AppVersion)
	v.SetDefault("cache.compression", string(defaults.Cache.Compression))
	v.SetDefault("transform.command", defaults.Transform.Command)
	v.SetDefault("transform.minify_command", defaults.Transform.MinifyCommand)
	v.SetDefault("transform.patterns", defaults.Transform.Patterns)
	v.SetDefault("transform.ignore", defaults.Transform.Ignore)
	v.SetDefault("transform.concurrency", defaults.Transform.Concurrency)
	v.SetDefault("packaging.builder_command", defaults.Packaging.BuilderCommand)
	v.SetDefault("packaging.rebuild_command", defaults.Packaging.RebuildCommand)
	v.SetDefault("packaging.install_command", defaults.Packaging.InstallCommand)
	v.SetDefault("packaging.install_local_command", defaults.Packaging.InstallLocalCommand)
	v.SetDefault("packaging.skeleton_dir", defaults.Packaging.SkeletonDir)
	v.SetDefault("packaging.targets", defaults.Packaging.Targets)
	v.SetDefault("packaging.extract", defaults.Packaging.Extract)
	v.SetDefault("packaging.packaged_modules_dir", defaults.Packaging.PackagedModulesDir)
	v.SetDefault("packaging.lock_wait_attempts", defaults.Packaging.LockWaitAttempts)
	v.SetDefault("packaging.lock_wait_interval", defaults.Packaging.LockWaitInterval)
	v.SetDefault("packaging.force_lock_wait", defaults.Packaging.ForceLockWait)
	v.SetDefault("watch.debounce", defaults.Watch.Debounce)
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema and merges its contents into Viper. Fields are optional, so the
// file is validated with Concrete(false).
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := checkFileSize(data, maxConfigFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}

	// Merging keeps defaults and env overrides in effect.
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// GenerateCUE renders cfg as a deskpack.cue document.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// deskpack configuration\n\n")
	fmt.Fprintf(&sb, "source_dir:    %q\n", cfg.SourceDir)
	fmt.Fprintf(&sb, "build_dir:     %q\n", cfg.BuildDir)
	fmt.Fprintf(&sb, "output_dir:    %q\n", cfg.OutputDir)
	fmt.Fprintf(&sb, "cache_dir:     %q\n", cfg.CacheDir)
	fmt.Fprintf(&sb, "settings_file: %q\n", cfg.SettingsFile)
	fmt.Fprintf(&sb, "archive_name:  %q\n", cfg.ArchiveName)

	sb.WriteString("\ncompat: {\n")
	fmt.Fprintf(&sb, "\ttool_name:    %q\n", cfg.Compat.ToolName)
	if cfg.Compat.ToolVersion != "" {
		fmt.Fprintf(&sb, "\ttool_version: %q\n", cfg.Compat.ToolVersion)
	}
	fmt.Fprintf(&sb, "\tapp_type:     %q\n", cfg.Compat.AppType)
	fmt.Fprintf(&sb, "\tapp_version:  %q\n", cfg.Compat.AppVersion)
	sb.WriteString("}\n")

	sb.WriteString("\ncache: {\n")
	fmt.Fprintf(&sb, "\tcompression: %q\n", cfg.Cache.Compression)
	sb.WriteString("}\n")

	sb.WriteString("\ntransform: {\n")
	writeOptionalString(&sb, "command", cfg.Transform.Command)
	writeOptionalString(&sb, "minify_command", cfg.Transform.MinifyCommand)
	writeList(&sb, "patterns", cfg.Transform.Patterns)
	writeList(&sb, "ignore", cfg.Transform.Ignore)
	fmt.Fprintf(&sb, "\tconcurrency: %d\n", cfg.Transform.Concurrency)
	sb.WriteString("}\n")

	sb.WriteString("\npackaging: {\n")
	writeOptionalString(&sb, "install_command", cfg.Packaging.InstallCommand)
	writeOptionalString(&sb, "builder_command", cfg.Packaging.BuilderCommand)
	writeOptionalString(&sb, "rebuild_command", cfg.Packaging.RebuildCommand)
	writeOptionalString(&sb, "install_local_command", cfg.Packaging.InstallLocalCommand)
	writeOptionalString(&sb, "skeleton_dir", cfg.Packaging.SkeletonDir)
	writeList(&sb, "targets", cfg.Packaging.Targets)
	writeList(&sb, "extract", cfg.Packaging.Extract)
	fmt.Fprintf(&sb, "\tpackaged_modules_dir: %q\n", cfg.Packaging.PackagedModulesDir)
	fmt.Fprintf(&sb, "\tlock_wait_attempts: %d\n", cfg.Packaging.LockWaitAttempts)
	fmt.Fprintf(&sb, "\tlock_wait_interval: %q\n", cfg.Packaging.LockWaitInterval.String())
	fmt.Fprintf(&sb, "\tforce_lock_wait: %v\n", cfg.Packaging.ForceLockWait)
	sb.WriteString("}\n")

	sb.WriteString("\nwatch: {\n")
	fmt.Fprintf(&sb, "\tdebounce: %q\n", cfg.Watch.Debounce.String())
	sb.WriteString("}\n")

	return sb.String()
}

func writeOptionalString(sb *strings.Builder, key, value string) {
	if value != "" {
		fmt.Fprintf(sb, "\t%s: %q\n", key, value)
	}
}

func writeList(sb *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	quoted := make([]string, len(values))
	for i, value := range values {
		quoted[i] = fmt.Sprintf("%q", value)
	}
	fmt.Fprintf(sb, "\t%s: [%s]\n", key, strings.Join(quoted, ", "))
}

// CreateDefaultConfig writes the default deskpack.cue into dir unless one
// already exists. It returns the file path.
func CreateDefaultConfig(dir string) (string, error) {
	path := filepath.Join(dir, ConfigFileName)
	if fileExists(path) {
		return path, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}
