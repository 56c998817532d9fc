// SPDX-License-Identifier: MPL-2.0

package packaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Orchestrator states, in the order a run passes through them.
const (
	StateIdle                   State = "idle"
	StateExtractFlagged         State = "extract-flagged"
	StateDirTreeMovedOut        State = "dir-tree-moved-out"
	StateExternalBuilderRunning State = "external-builder-running"
	StateDirTreeRestoring       State = "dir-tree-restoring"
	StateFlaggedRestoring       State = "flagged-restoring"
	StateWaitingForLockRelease  State = "waiting-for-lock-release"
	StateDone                   State = "done"
	// StateError absorbs a failure from any state.
	StateError State = "error"
)

var stateOrder = []State{
	StateIdle,
	StateExtractFlagged,
	StateDirTreeMovedOut,
	StateExternalBuilderRunning,
	StateDirTreeRestoring,
	StateFlaggedRestoring,
	StateWaitingForLockRelease,
	StateDone,
}

type (
	// State is a packaging orchestrator state.
	State string

	// Marker is the persisted record of a run. It survives crashes so the
	// next run's Preflight knows what to recover.
	Marker struct {
		State State `json:"state"`
		// Previous is the state an error interrupted.
		Previous    State     `json:"previous,omitempty"`
		LastRebuild string    `json:"lastRebuild,omitempty"`
		Extracted   []string  `json:"extracted,omitempty"`
		Outputs     []string  `json:"outputs,omitempty"`
		Error       string    `json:"error,omitempty"`
		Updated     time.Time `json:"updated"`
	}

	// StateStore persists a Marker as JSON.
	StateStore struct {
		Path string
	}
)

// String returns the string representation of the State.
func (s State) String() string { return string(s) }

// Before reports whether s comes earlier in a run than other. StateError
// and unknown states are not ordered.
func (s State) Before(other State) bool {
	i, j := slices.Index(stateOrder, s), slices.Index(stateOrder, other)
	return i >= 0 && j >= 0 && i < j
}

// Interrupted returns the state a run was in when it stopped.
func (m *Marker) Interrupted() State {
	if m.State == StateError && m.Previous != "" {
		return m.Previous
	}
	return m.State
}

// Load reads the marker. A missing marker returns (nil, nil).
func (s *StateStore) Load() (*Marker, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read packaging state: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode packaging state %s: %w", s.Path, err)
	}
	return &m, nil
}

// Save writes the marker atomically.
func (s *StateStore) Save(m *Marker) (err error) {
	m.Updated = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode packaging state: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create state temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name()) // Best-effort cleanup
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write packaging state: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync packaging state: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close packaging state: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("failed to move packaging state into place: %w", err)
	}
	return nil
}

// Clear removes the marker.
func (s *StateStore) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove packaging state: %w", err)
	}
	return nil
}
