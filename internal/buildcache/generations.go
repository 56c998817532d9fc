// SPDX-License-Identifier: MPL-2.0

package buildcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/invowk/deskpack/pkg/integrity"

	"github.com/charmbracelet/log"
)

const (
	// LastKey holds the LastPointer of the most recent successful build.
	LastKey = "last"
	// LastArchiveKey holds the archive bytes of that build.
	LastArchiveKey = "lastArchive"
	// LastSettingsKey holds the SettingsPointer of that build.
	LastSettingsKey = "lastSettings"

	// EnvProduction is the build environment that never trusts the cache.
	EnvProduction = "prod"
	// EnvProductionLong is accepted as a spelling of EnvProduction.
	EnvProductionLong = "production"
)

type (
	// LastPointer is stored under LastKey.
	LastPointer struct {
		Stats         Snapshot            `json:"stats"`
		AsarIntegrity integrity.Integrity `json:"asarIntegrity"`
		// CompatibilityVersion and Toolchain record the build inputs the
		// snapshot does not capture.
		CompatibilityVersion string `json:"compatibilityVersion,omitempty"`
		Toolchain            string `json:"toolchain,omitempty"`
	}

	// Inputs identify what a generation is built from. A generation is
	// reused only when every field matches.
	Inputs struct {
		Snapshot             Snapshot
		Settings             json.RawMessage
		CompatibilityVersion string
		// Toolchain fingerprints the transform and minify configuration.
		Toolchain string
	}

	// SettingsPointer is stored under LastSettingsKey.
	SettingsPointer struct {
		Settings      json.RawMessage     `json:"settings"`
		AsarIntegrity integrity.Integrity `json:"asarIntegrity"`
	}

	// Hit is a reusable generation returned by Lookup.
	Hit struct {
		Archive   []byte
		Integrity integrity.Integrity
	}

	// Generations tracks the last successful build generation in a Store.
	Generations struct {
		Store Store
		// Log receives debug-level cache diagnostics. Nil discards them.
		Log *log.Logger
	}
)

// Lookup decides whether the last generation can be reused for a build of
// in within env. It never returns an error: every failure is a miss, and
// every miss after the production check invalidates the last pointer.
func (g *Generations) Lookup(in Inputs, env string) (Hit, bool) {
	logger := g.logger()

	raw, err := g.Store.Get(LastKey)
	if err != nil {
		logger.Debug("no previous build generation", "error", err)
		return Hit{}, false
	}

	if IsProduction(env) {
		logger.Debug("production build, ignoring cache")
		return Hit{}, false
	}

	hit, err := g.verify(raw, in)
	if err != nil {
		logger.Debug("cache miss", "reason", err)
		g.Invalidate()
		return Hit{}, false
	}
	logger.Debug("cache hit", "integrity", hit.Integrity)
	return hit, true
}

func (g *Generations) verify(raw []byte, in Inputs) (Hit, error) {
	var last LastPointer
	if err := json.Unmarshal(raw, &last); err != nil {
		return Hit{}, fmt.Errorf("decoding last pointer: %w", err)
	}
	if !last.Stats.Equal(in.Snapshot) {
		return Hit{}, errors.New("source tree changed")
	}
	if last.CompatibilityVersion != in.CompatibilityVersion {
		return Hit{}, errors.New("compatibility version changed")
	}
	if last.Toolchain != in.Toolchain {
		return Hit{}, errors.New("transform configuration changed")
	}

	archive, err := g.Store.Get(LastArchiveKey)
	if err != nil {
		return Hit{}, err
	}
	if err := last.AsarIntegrity.Verify(archive); err != nil {
		return Hit{}, fmt.Errorf("archive does not match last pointer: %w", err)
	}

	rawSettings, err := g.Store.Get(LastSettingsKey)
	if err != nil {
		return Hit{}, err
	}
	var pointer SettingsPointer
	if err := json.Unmarshal(rawSettings, &pointer); err != nil {
		return Hit{}, fmt.Errorf("decoding settings pointer: %w", err)
	}
	if pointer.AsarIntegrity != last.AsarIntegrity {
		return Hit{}, errors.New("settings pointer belongs to another generation")
	}
	if !sameJSON(pointer.Settings, in.Settings) {
		return Hit{}, errors.New("settings changed")
	}

	return Hit{Archive: archive, Integrity: last.AsarIntegrity}, nil
}

// Record stores a new generation. The last pointer is written after the
// archive and settings so it never references a generation that was only
// partly written.
func (g *Generations) Record(in Inputs, archive []byte) error {
	sum, err := g.Store.Put(LastArchiveKey, archive)
	if err != nil {
		return fmt.Errorf("failed to store archive: %w", err)
	}

	settingsData, err := json.Marshal(SettingsPointer{Settings: compactJSON(in.Settings), AsarIntegrity: sum})
	if err != nil {
		return fmt.Errorf("failed to encode settings pointer: %w", err)
	}
	if _, err := g.Store.Put(LastSettingsKey, settingsData); err != nil {
		return fmt.Errorf("failed to store settings pointer: %w", err)
	}

	lastData, err := json.Marshal(LastPointer{
		Stats:                in.Snapshot,
		AsarIntegrity:        sum,
		CompatibilityVersion: in.CompatibilityVersion,
		Toolchain:            in.Toolchain,
	})
	if err != nil {
		return fmt.Errorf("failed to encode last pointer: %w", err)
	}
	if _, err := g.Store.Put(LastKey, lastData); err != nil {
		return fmt.Errorf("failed to store last pointer: %w", err)
	}
	g.logger().Debug("recorded build generation", "integrity", sum, "files", len(in.Snapshot))
	return nil
}

// Last returns the pointer of the most recently recorded generation, or an
// error wrapping ErrNotFound when there is none.
func (g *Generations) Last() (LastPointer, error) {
	raw, err := g.Store.Get(LastKey)
	if err != nil {
		return LastPointer{}, err
	}
	var last LastPointer
	if err := json.Unmarshal(raw, &last); err != nil {
		return LastPointer{}, fmt.Errorf("%w: decoding last pointer: %w", ErrCorrupt, err)
	}
	return last, nil
}

// Invalidate removes the last pointer. Failures are logged and ignored.
func (g *Generations) Invalidate() {
	if err := g.Store.Remove(LastKey); err != nil {
		g.logger().Debug("failed to invalidate cache", "error", err)
	}
}

// IsProduction reports whether env names the production environment.
func IsProduction(env string) bool {
	return env == EnvProduction || env == EnvProductionLong
}

// FileKey is the cache key of a single source file.
func FileKey(rel string, content []byte) string {
	return rel + "-" + integrity.Sum(integrity.File, content).Hex()
}

func (g *Generations) logger() *log.Logger {
	if g.Log == nil {
		return log.New(io.Discard)
	}
	return g.Log
}

func compactJSON(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}

// sameJSON compares two documents by value, so formatting and escaping
// differences do not count as a settings change.
func sameJSON(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(compactJSON(a), &av) != nil || json.Unmarshal(compactJSON(b), &bv) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(av, bv)
}
