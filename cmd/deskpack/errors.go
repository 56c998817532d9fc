// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/invowk/deskpack/internal/issue"
	"github.com/invowk/deskpack/internal/packaging"
	"github.com/invowk/deskpack/internal/settings"
	"github.com/invowk/deskpack/internal/shellcmd"
	"github.com/invowk/deskpack/pkg/archive"
	"github.com/invowk/deskpack/pkg/depmanifest"

	"github.com/spf13/cobra"
)

var (
	// errConfigLoad wraps every failure to load deskpack.cue.
	errConfigLoad = errors.New("failed to load configuration")
	// errSettingsNotFound is returned when the settings document is missing.
	errSettingsNotFound = errors.New("settings document not found")
)

// runE adapts a handler so that its error carries the exit code of its kind.
func runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err == nil {
			return nil
		}
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		_, code := classifyError(err)
		return &ExitError{Code: code, Err: err}
	}
}

// classifyError maps an error to its issue catalog entry and exit code. The
// zero Id means no catalog entry applies.
func classifyError(err error) (issue.Id, int) {
	var (
		shellErr      *shellcmd.ExitError
		transitionErr *packaging.TransitionError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return 0, exitCanceled
	case errors.Is(err, errConfigLoad):
		return issue.ConfigLoadFailedId, exitConfig
	case errors.Is(err, errSettingsNotFound):
		return issue.SettingsNotFoundId, exitConfig
	case errors.Is(err, settings.ErrInvalidSettings):
		return issue.SettingsInvalidId, exitConfig
	case errors.Is(err, depmanifest.ErrPolicyViolation):
		return issue.DependencyPolicyId, exitDependency
	case errors.Is(err, depmanifest.ErrConflict):
		return issue.DependencyConflictId, exitDependency
	case errors.Is(err, archive.ErrSourceMissing):
		return issue.SourceMissingId, exitFailure
	case errors.Is(err, packaging.ErrFileLocked):
		return issue.FileLockedId, exitPackaging
	case errors.As(err, &transitionErr):
		return issue.PackagingFailedId, exitPackaging
	case errors.As(err, &shellErr):
		return issue.CommandFailedId, exitFailure
	default:
		return 0, exitFailure
	}
}

// renderError prints err followed by the catalog guidance for its kind.
func renderError(w io.Writer, err error, verbose bool) {
	fmt.Fprintln(w, ErrorStyle.Render("Error:")+" "+formatErrorForDisplay(err, verbose))
	id, _ := classifyError(err)
	if id == 0 {
		return
	}
	if entry := issue.Get(id); entry != nil {
		fmt.Fprint(w, entry.Render(func(s string) string { return WarningStyle.Render(s) }))
	}
}

// formatErrorForDisplay formats an error for user display. An
// ActionableError anywhere in the chain is rendered with its suggestions.
func formatErrorForDisplay(err error, verbose bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verbose)
	}
	return err.Error()
}
