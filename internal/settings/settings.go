// SPDX-License-Identifier: MPL-2.0

// Package settings reads the project settings document and collects the
// dependency fragments declared by the project, its plugins and its
// modules.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/invowk/deskpack/pkg/depmanifest"

	"github.com/tidwall/jsonc"
)

const (
	// DefaultFileName is the settings document looked up in the project root.
	DefaultFileName = "settings.json"
	// ModulesDir holds per-module directories, each with a ModuleFileName.
	ModulesDir = "modules"
	// ModuleFileName declares a module's name and dependencies.
	ModuleFileName = "module.json"

	// EnvDevelopment is the default build environment.
	EnvDevelopment = "dev"
)

// ErrInvalidSettings is returned when the settings document cannot be decoded.
var ErrInvalidSettings = errors.New("invalid settings document")

type (
	// Settings is the subset of the settings document the build consumes.
	Settings struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
		// Env is "dev" or "prod"; production builds never reuse the cache.
		Env string `json:"env,omitempty"`
		// CompatibilityVersion, when set, replaces the computed compatibility version.
		CompatibilityVersion string          `json:"desktopHCPCompatibilityVersion,omitempty"`
		Uglify               bool            `json:"uglify,omitempty"`
		UglifyOptions        json.RawMessage `json:"uglifyOptions,omitempty"`
		// Extract lists dependency names to keep out of the archive.
		Extract      []string          `json:"extract,omitempty"`
		Dependencies map[string]string `json:"dependencies,omitempty"`
		Plugins      map[string]Plugin `json:"plugins,omitempty"`

		// raw is the whole document as plain JSON, including keys the
		// build does not read.
		raw json.RawMessage
	}

	// Plugin is a plugin entry. It decodes from either a version string or
	// an object with a version field.
	Plugin struct {
		Version string `json:"version"`
	}

	// Module is the content of a module's module.json.
	Module struct {
		Name         string            `json:"name"`
		Dependencies map[string]string `json:"dependencies,omitempty"`
	}
)

// UnmarshalJSON implements json.Unmarshaler.
func (p *Plugin) UnmarshalJSON(data []byte) error {
	var version string
	if err := json.Unmarshal(data, &version); err == nil {
		p.Version = version
		return nil
	}
	type plain Plugin
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("plugin must be a version string or an object with a version: %w", err)
	}
	*p = Plugin(obj)
	return nil
}

// Load reads and decodes the settings document at path. Comments and
// trailing commas are allowed.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a settings document.
func Parse(data []byte) (*Settings, error) {
	plain := jsonc.ToJSON(data)
	var s Settings
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	s.raw = plain
	if s.Env == "" {
		s.Env = EnvDevelopment
	}
	return &s, nil
}

// IsProduction reports whether the settings select the production environment.
func (s *Settings) IsProduction() bool {
	return s.Env == "prod" || s.Env == "production"
}

// Canonical returns the settings document as compact JSON with sorted keys
// for cache comparison. Every key counts, including those the build does
// not read. Settings built in code encode their fields instead.
func (s *Settings) Canonical() (json.RawMessage, error) {
	var doc any = s
	if len(s.raw) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(s.raw, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode settings: %w", err)
		}
		if decoded == nil {
			decoded = map[string]any{}
		}
		// Env may be defaulted or overridden after parsing.
		decoded["env"] = s.Env
		doc = decoded
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return data, nil
}

// Fragment source names.
const (
	SourceSettings = "settings"
	pluginPrefix   = "plugin:"
	modulePrefix   = "module:"
)

// CollectFragments returns the dependency fragments declared by s and by
// the modules under sourceDir: the settings dependencies first, then one
// fragment per plugin and per module, each group sorted by name.
func CollectFragments(s *Settings, sourceDir string) ([]depmanifest.Fragment, error) {
	fragments := []depmanifest.Fragment{{
		Source:       SourceSettings,
		Dependencies: maps.Clone(s.Dependencies),
	}}

	pluginNames := make([]string, 0, len(s.Plugins))
	for name := range s.Plugins {
		pluginNames = append(pluginNames, name)
	}
	slices.Sort(pluginNames)
	for _, name := range pluginNames {
		fragments = append(fragments, depmanifest.Fragment{
			Source:       pluginPrefix + name,
			Dependencies: map[string]string{name: s.Plugins[name].Version},
		})
	}

	modules, err := LoadModules(sourceDir)
	if err != nil {
		return nil, err
	}
	for _, m := range modules {
		fragments = append(fragments, depmanifest.Fragment{
			Source:       modulePrefix + m.Name,
			Dependencies: maps.Clone(m.Dependencies),
		})
	}
	return fragments, nil
}

// LoadModules reads <sourceDir>/modules/*/module.json, sorted by module
// name. A missing modules directory yields no modules. A module without a
// name is named after its directory.
func LoadModules(sourceDir string) ([]Module, error) {
	entries, err := os.ReadDir(filepath.Join(sourceDir, ModulesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read modules directory: %w", err)
	}

	var modules []Module
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(sourceDir, ModulesDir, entry.Name(), ModuleFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		var m Module
		if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidSettings, path, err)
		}
		if strings.TrimSpace(m.Name) == "" {
			m.Name = entry.Name()
		}
		modules = append(modules, m)
	}
	slices.SortFunc(modules, func(a, b Module) int { return strings.Compare(a.Name, b.Name) })
	return modules, nil
}
