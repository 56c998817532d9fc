// SPDX-License-Identifier: MPL-2.0

package depmanifest

import (
	"fmt"
	"maps"
	"slices"
)

type (
	// Fragment is a set of dependencies declared by one source.
	Fragment struct {
		// Source labels the declaring party, e.g. "settings" or "plugin:foo".
		Source string
		// Dependencies maps package names to version specifiers.
		Dependencies map[string]string
	}

	// Merger accumulates fragments into a single manifest.
	// The zero value is ready to use.
	Merger struct {
		entries map[string]entry
	}

	entry struct {
		specifier string
		source    string
	}
)

// NewMerger returns an empty Merger.
func NewMerger() *Merger {
	return &Merger{entries: make(map[string]entry)}
}

// MergeFragment validates a fragment and unions it into the manifest.
//
// Every specifier is checked against its class policies, then compared with
// entries already in the manifest. Any violation or conflict aborts the call
// before the manifest is touched. Warnings are deduplicated by label within
// the call and returned to the caller.
func (m *Merger) MergeFragment(fragment Fragment) ([]Warning, error) {
	var warnings []Warning
	if err := m.merge(fragment, warnSet{}, &warnings); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// MergeFragments merges fragments in order, deduplicating warnings across the
// whole call. It stops at the first failing fragment; fragments merged before
// it stay in the manifest.
func (m *Merger) MergeFragments(fragments ...Fragment) ([]Warning, error) {
	warned := warnSet{}
	var warnings []Warning
	for _, fragment := range fragments {
		if err := m.merge(fragment, warned, &warnings); err != nil {
			return warnings, err
		}
	}
	return warnings, nil
}

func (m *Merger) merge(fragment Fragment, warned warnSet, warnings *[]Warning) error {
	if fragment.Source == "" {
		return fmt.Errorf("%w: source label is required", ErrInvalidFragment)
	}
	if m.entries == nil {
		m.entries = make(map[string]entry)
	}

	names := slices.Sorted(maps.Keys(fragment.Dependencies))

	// Collect warnings locally so a rejected fragment does not mark labels
	// as already warned for the rest of the call.
	localWarned := maps.Clone(warned)
	var local []Warning
	for _, name := range names {
		if err := check(name, fragment.Dependencies[name], fragment.Source, localWarned, &local); err != nil {
			return err
		}
	}

	for _, name := range names {
		existing, ok := m.entries[name]
		if !ok {
			continue
		}
		if specifier := fragment.Dependencies[name]; specifier != existing.specifier {
			return &ConflictError{
				Dependency:        name,
				Source:            fragment.Source,
				Specifier:         specifier,
				ExistingSource:    existing.source,
				ExistingSpecifier: existing.specifier,
			}
		}
	}

	for _, name := range names {
		if _, ok := m.entries[name]; ok {
			continue
		}
		m.entries[name] = entry{specifier: fragment.Dependencies[name], source: fragment.Source}
	}
	maps.Copy(warned, localWarned)
	*warnings = append(*warnings, local...)
	return nil
}

// Manifest returns a copy of the merged name → specifier mapping.
func (m *Merger) Manifest() map[string]string {
	out := make(map[string]string, len(m.entries))
	for name, e := range m.entries {
		out[name] = e.specifier
	}
	return out
}

// Names returns the dependency names in sorted order.
func (m *Merger) Names() []string {
	return slices.Sorted(maps.Keys(m.entries))
}

// Source returns the label of the source that first declared name.
func (m *Merger) Source(name string) (string, bool) {
	e, ok := m.entries[name]
	return e.source, ok
}

// LocalDependencies returns the entries whose specifier is a local path or
// file reference.
func (m *Merger) LocalDependencies() map[string]string {
	return m.filter(true)
}

// RemoteDependencies returns every entry not returned by LocalDependencies.
func (m *Merger) RemoteDependencies() map[string]string {
	return m.filter(false)
}

func (m *Merger) filter(local bool) map[string]string {
	out := make(map[string]string)
	for name, e := range m.entries {
		if Classify(e.specifier).IsLocal() == local {
			out[name] = e.specifier
		}
	}
	return out
}
