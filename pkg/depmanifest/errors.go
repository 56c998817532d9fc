// SPDX-License-Identifier: MPL-2.0

package depmanifest

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyViolation is the sentinel error wrapped by PolicyViolationError.
	ErrPolicyViolation = errors.New("dependency policy violation")
	// ErrConflict is the sentinel error wrapped by ConflictError.
	ErrConflict = errors.New("dependency conflict")
	// ErrInvalidFragment is returned for fragments without a source label.
	ErrInvalidFragment = errors.New("invalid dependency fragment")
)

type (
	// PolicyViolationError reports a specifier that breaks a hard rule of its class.
	PolicyViolationError struct {
		Dependency string
		Specifier  string
		Source     string
		Class      Class
		Rule       string
	}

	// ConflictError reports two sources declaring different specifiers for
	// the same dependency.
	ConflictError struct {
		Dependency        string
		Source            string
		Specifier         string
		ExistingSource    string
		ExistingSpecifier string
	}
)

// Error implements the error interface.
func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("dependency %q declared by %s with %q (%s): %s",
		e.Dependency, e.Source, e.Specifier, e.Class, e.Rule)
}

// Unwrap returns ErrPolicyViolation for errors.Is compatibility.
func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("dependency %q is declared as %q by %s but as %q by %s",
		e.Dependency, e.ExistingSpecifier, e.ExistingSource, e.Specifier, e.Source)
}

// Unwrap returns ErrConflict for errors.Is compatibility.
func (e *ConflictError) Unwrap() error { return ErrConflict }
