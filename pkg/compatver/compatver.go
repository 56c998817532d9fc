// SPDX-License-Identifier: MPL-2.0

// Package compatver derives the compatibility version: a fingerprint of the
// merged dependency manifest plus the major versions of the build tool and
// of the packaged application runtime.
//
// Two builds with the same compatibility version can exchange hot code
// pushes; any change to a pinned dependency or to either major version
// produces a different fingerprint.
package compatver

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/invowk/deskpack/pkg/integrity"

	"golang.org/x/mod/semver"
)

// ErrMissingMarker is returned when a version marker is empty.
var ErrMissingMarker = errors.New("missing version marker")

type (
	// Markers names the build tool and packaged-app runtime whose major
	// versions participate in the fingerprint.
	Markers struct {
		ToolName    string
		ToolVersion string
		AppType     string
		AppVersion  string
	}

	// Result is the computed compatibility version.
	Result struct {
		Version string
		// Overridden is true when Version came from the settings override.
		Overridden bool
	}
)

// Major returns the major component of a version string. Both "1.2.3" and
// "v1.2.3" are accepted; non-semver input falls back to the text before the
// first dot.
func Major(version string) string {
	v := strings.TrimSpace(version)
	if v == "" {
		return ""
	}
	canonical := v
	if !strings.HasPrefix(canonical, "v") {
		canonical = "v" + canonical
	}
	if semver.IsValid(canonical) {
		return strings.TrimPrefix(semver.Major(canonical), "v")
	}
	major, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	return major
}

// Entries returns the ordered list that is digested: sorted "name:specifier"
// pairs followed by the tool and app markers.
func Entries(manifest map[string]string, markers Markers) ([]string, error) {
	toolMajor := Major(markers.ToolVersion)
	appMajor := Major(markers.AppVersion)
	if markers.ToolName == "" || toolMajor == "" {
		return nil, fmt.Errorf("%w: build tool name and version are required", ErrMissingMarker)
	}
	if markers.AppType == "" || appMajor == "" {
		return nil, fmt.Errorf("%w: app type and version are required", ErrMissingMarker)
	}

	entries := make([]string, 0, len(manifest)+2)
	for _, name := range slices.Sorted(maps.Keys(manifest)) {
		entries = append(entries, name+":"+manifest[name])
	}
	entries = append(entries,
		markers.ToolName+":"+toolMajor,
		markers.AppType+"-app:"+appMajor,
	)
	return entries, nil
}

// Compute returns the compatibility version for a manifest. A non-empty
// override is returned verbatim without hashing.
func Compute(manifest map[string]string, markers Markers, override string) (Result, error) {
	if override != "" {
		return Result{Version: override, Overridden: true}, nil
	}

	entries, err := Entries(manifest, markers)
	if err != nil {
		return Result{}, err
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode compatibility entries: %w", err)
	}
	return Result{Version: integrity.Sum(integrity.Compat, encoded).Hex()}, nil
}
