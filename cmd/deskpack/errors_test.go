// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/invowk/deskpack/internal/issue"
	"github.com/invowk/deskpack/internal/packaging"
	"github.com/invowk/deskpack/internal/settings"
	"github.com/invowk/deskpack/internal/shellcmd"
	"github.com/invowk/deskpack/pkg/archive"
	"github.com/invowk/deskpack/pkg/depmanifest"

	"github.com/spf13/cobra"
)

func TestClassifyError(t *testing.T) {
	t.Parallel()

	locked := &packaging.FileLockedError{Path: "app.asar", Attempts: 6}
	tests := []struct {
		name     string
		err      error
		wantID   issue.Id
		wantCode int
	}{
		{"config", fmt.Errorf("%w: %w", errConfigLoad, errors.New("bad key")), issue.ConfigLoadFailedId, exitConfig},
		{"settings missing", fmt.Errorf("%w: settings.json", errSettingsNotFound), issue.SettingsNotFoundId, exitConfig},
		{"settings invalid", fmt.Errorf("x: %w", settings.ErrInvalidSettings), issue.SettingsInvalidId, exitConfig},
		{"policy", &depmanifest.PolicyViolationError{Dependency: "a", Specifier: "^1"}, issue.DependencyPolicyId, exitDependency},
		{"conflict", &depmanifest.ConflictError{Dependency: "a"}, issue.DependencyConflictId, exitDependency},
		{"source missing", fmt.Errorf("%w: src", archive.ErrSourceMissing), issue.SourceMissingId, exitFailure},
		{"locked inside transition", &packaging.TransitionError{State: packaging.StateWaitingForLockRelease, Err: locked}, issue.FileLockedId, exitPackaging},
		{"transition", &packaging.TransitionError{State: packaging.StateDirTreeMovedOut, Err: errors.New("boom")}, issue.PackagingFailedId, exitPackaging},
		{"shell", fmt.Errorf("transformer script: %w", &shellcmd.ExitError{Code: 2}), issue.CommandFailedId, exitFailure},
		{"canceled", fmt.Errorf("build: %w", context.Canceled), 0, exitCanceled},
		{"other", errors.New("something else"), 0, exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			id, code := classifyError(tt.err)
			if id != tt.wantID || code != tt.wantCode {
				t.Errorf("classifyError() = (%d, %d), want (%d, %d)", id, code, tt.wantID, tt.wantCode)
			}
			if tt.wantID != 0 && issue.Get(tt.wantID) == nil {
				t.Errorf("issue %d has no catalog entry", tt.wantID)
			}
		})
	}
}

func TestRunEAttachesExitCode(t *testing.T) {
	t.Parallel()

	policyErr := &depmanifest.PolicyViolationError{Dependency: "left-pad", Specifier: "^1.3.0"}
	fn := runE(func(*cobra.Command, []string) error { return policyErr })
	err := fn(nil, nil)

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitDependency {
		t.Fatalf("runE() error = %v, want *ExitError with code %d", err, exitDependency)
	}
	if !errors.Is(err, depmanifest.ErrPolicyViolation) {
		t.Error("ExitError does not unwrap to the original error")
	}

	explicit := &ExitError{Code: 9}
	if got := runE(func(*cobra.Command, []string) error { return explicit })(nil, nil); got != explicit {
		t.Errorf("runE() replaced an explicit ExitError: %v", got)
	}
	if err := runE(func(*cobra.Command, []string) error { return nil })(nil, nil); err != nil {
		t.Errorf("runE() of a successful handler = %v", err)
	}
}

func TestRenderError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	renderError(&buf, &depmanifest.ConflictError{
		Dependency:        "shared",
		Source:            "module:auth",
		Specifier:         "2.0.0",
		ExistingSource:    "settings",
		ExistingSpecifier: "1.0.0",
	}, false)
	out := buf.String()
	for _, want := range []string{"Error:", `"shared"`, "Two sources declare one dependency", "Things you can try:"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderError() output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	renderError(&buf, errors.New("plain failure"), false)
	if strings.Contains(buf.String(), "Things you can try:") {
		t.Errorf("renderError() added guidance to an unclassified error:\n%s", buf.String())
	}
}

func TestFormatErrorForDisplay(t *testing.T) {
	t.Parallel()

	ae := issue.NewErrorContext().
		WithOperation("load config").
		WithResource("deskpack.cue").
		WithSuggestion("Fix the file").
		Wrap(errors.New("unknown field")).
		Build()
	wrapped := fmt.Errorf("%w: %w", errConfigLoad, ae)

	if got := formatErrorForDisplay(wrapped, false); !strings.Contains(got, "Fix the file") {
		t.Errorf("formatErrorForDisplay() = %q, want suggestions", got)
	}
	if got := formatErrorForDisplay(wrapped, true); !strings.Contains(got, "Error chain:") {
		t.Errorf("formatErrorForDisplay(verbose) = %q, want the error chain", got)
	}
	if got := formatErrorForDisplay(errors.New("plain"), true); got != "plain" {
		t.Errorf("formatErrorForDisplay() = %q, want plain message", got)
	}
}
