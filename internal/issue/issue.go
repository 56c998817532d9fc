// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"
	"strings"
)

// Catalog entries.
const (
	SettingsNotFoundId Id = iota + 1
	SettingsInvalidId
	ConfigLoadFailedId
	DependencyPolicyId
	DependencyConflictId
	SourceMissingId
	CommandFailedId
	FileLockedId
	PackagingFailedId
)

type (
	// Id identifies a catalog entry.
	Id int

	// Issue is guidance shown to the user after a failure of a known kind.
	Issue struct {
		id     Id
		title  string
		body   string
		things []string
	}
)

var catalog = map[Id]*Issue{
	SettingsNotFoundId: {
		id:    SettingsNotFoundId,
		title: "No settings document found",
		body:  "deskpack reads the application settings (name, version, env, dependencies, plugins) from a JSON file.",
		things: []string{
			"Create settings.json in the project root",
			"Point settings_file in deskpack.cue at the right file",
			"Pass --settings <path>",
		},
	},
	SettingsInvalidId: {
		id:    SettingsInvalidId,
		title: "The settings document is invalid",
		body:  "The settings file must be a JSON object. Comments and trailing commas are accepted.",
		things: []string{
			"Check the reported line for a syntax error",
			"Plugins are either a version string or an object with a version field",
		},
	},
	ConfigLoadFailedId: {
		id:    ConfigLoadFailedId,
		title: "The configuration file could not be loaded",
		body:  "deskpack.cue is validated against the built-in schema before use.",
		things: []string{
			"Run 'deskpack config show' to see the effective configuration",
			"Remove unknown keys; the schema is closed",
		},
	},
	DependencyPolicyId: {
		id:    DependencyPolicyId,
		title: "A dependency specifier breaks the version policy",
		body:  "Dependencies must use an exact version or a local path. Ranges, tags and remote URLs are rejected.",
		things: []string{
			"Pin the dependency to a concrete version such as 1.2.3",
			"Use file:, ./ or ../ for a dependency that lives on disk",
		},
	},
	DependencyConflictId: {
		id:    DependencyConflictId,
		title: "Two sources declare one dependency with different versions",
		body:  "Every declaration of a dependency across the settings, plugins and modules must agree.",
		things: []string{
			"Align the versions in both sources",
			"Run 'deskpack manifest' to see where each dependency comes from",
		},
	},
	SourceMissingId: {
		id:     SourceMissingId,
		title:  "The application source directory does not exist",
		things: []string{"Check source_dir in deskpack.cue or pass --source"},
	},
	CommandFailedId: {
		id:    CommandFailedId,
		title: "An external command failed",
		body:  "Transform, minify, builder and rebuild commands run in an embedded POSIX shell.",
		things: []string{
			"Re-run with --verbose to see the command's stderr",
			"Run the command by hand from the reported directory",
		},
	},
	FileLockedId: {
		id:    FileLockedId,
		title: "A packaged file is still locked",
		body:  "Another process such as an antivirus scanner or indexer kept the archive open.",
		things: []string{
			"Wait a moment and run 'deskpack package' again",
			"Raise packaging.lock_wait_attempts or packaging.lock_wait_interval",
		},
	},
	PackagingFailedId: {
		id:    PackagingFailedId,
		title: "Packaging stopped before it finished",
		body:  "The build directory may hold a moved dependency tree or extracted modules.",
		things: []string{
			"Run 'deskpack recover' to put the build directory back in order",
			"The next 'deskpack package' run also recovers automatically",
		},
	},
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return catalog[id]
}

// Id returns the entry's identifier.
func (i *Issue) Id() Id { return i.id }

// Title returns the one-line heading.
func (i *Issue) Title() string { return i.title }

// ThingsToTry returns the remediation steps.
func (i *Issue) ThingsToTry() []string { return slices.Clone(i.things) }

// Render formats the entry as plain text. The title is passed through
// style so callers can color it.
func (i *Issue) Render(style func(string) string) string {
	if style == nil {
		style = func(s string) string { return s }
	}
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(style(i.title))
	sb.WriteString("\n")
	if i.body != "" {
		sb.WriteString(i.body)
		sb.WriteString("\n")
	}
	if len(i.things) > 0 {
		sb.WriteString("\nThings you can try:\n")
		for _, thing := range i.things {
			sb.WriteString("  - ")
			sb.WriteString(thing)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
