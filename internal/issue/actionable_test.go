// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
	"testing"
)

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *ActionableError
		expected string
	}{
		{
			name:     "operation only",
			err:      &ActionableError{Operation: "load settings"},
			expected: "failed to load settings",
		},
		{
			name:     "operation with resource",
			err:      &ActionableError{Operation: "load settings", Resource: "./settings.json"},
			expected: "failed to load settings: ./settings.json",
		},
		{
			name:     "operation with cause",
			err:      &ActionableError{Operation: "parse config", Cause: errors.New("syntax error at line 5")},
			expected: "failed to parse config: syntax error at line 5",
		},
		{
			name: "full context",
			err: &ActionableError{
				Operation: "load settings",
				Resource:  "./settings.json",
				Cause:     errors.New("file not found"),
			},
			expected: "failed to load settings: ./settings.json: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestActionableError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying error")
	err := &ActionableError{Operation: "pack archive", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if (&ActionableError{Operation: "pack archive"}).Unwrap() != nil {
		t.Error("Unwrap() should return nil when no cause")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      *ActionableError
		verbose  bool
		contains []string
		excludes []string
	}{
		{
			name: "suggestions",
			err: &ActionableError{
				Operation:   "load settings",
				Resource:    "./settings.json",
				Suggestions: []string{"Create settings.json", "Check file permissions"},
			},
			contains: []string{"failed to load settings", "• Create settings.json", "• Check file permissions"},
		},
		{
			name:     "no chain without verbose",
			err:      &ActionableError{Operation: "parse config", Cause: errors.New("syntax error")},
			contains: []string{"failed to parse config: syntax error"},
			excludes: []string{"Error chain:"},
		},
		{
			name: "nested chain verbose",
			err: &ActionableError{
				Operation: "build archive",
				Cause:     &ActionableError{Operation: "read source", Cause: errors.New("file not found")},
			},
			verbose:  true,
			contains: []string{"Error chain:", "1. failed to read source: file not found", "2. file not found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.err.Format(tt.verbose)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("Format() missing %q\ngot:\n%s", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("Format() should not contain %q\ngot:\n%s", s, got)
				}
			}
		})
	}
}

func TestErrorContext(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := NewErrorContext().
		WithOperation("package application").
		WithResource("build/").
		WithSuggestion("Run 'deskpack recover'").
		WithSuggestions("Check disk space", "Retry").
		Wrap(cause).
		BuildError()

	var ae *ActionableError
	if !errors.As(err, &ae) {
		t.Fatalf("BuildError() = %T, want *ActionableError", err)
	}
	if len(ae.Suggestions) != 3 || !ae.HasSuggestions() || !errors.Is(err, cause) {
		t.Errorf("built error = %+v", ae)
	}

	if NewErrorContext().WithResource("x").BuildError() != nil {
		t.Error("BuildError() without an operation should be nil")
	}
	if WrapWithOperation(nil, "noop") != nil {
		t.Error("WrapWithOperation(nil) should be nil")
	}
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	for id := SettingsNotFoundId; id <= PackagingFailedId; id++ {
		entry := Get(id)
		if entry == nil {
			t.Fatalf("Get(%d) = nil", id)
		}
		if entry.Id() != id || entry.Title() == "" || len(entry.ThingsToTry()) == 0 {
			t.Errorf("catalog entry %d incomplete: %+v", id, entry)
		}
	}
	if Get(0) != nil {
		t.Error("Get(0) should be nil")
	}

	rendered := Get(PackagingFailedId).Render(strings.ToUpper)
	if !strings.Contains(rendered, "PACKAGING STOPPED") || !strings.Contains(rendered, "  - Run 'deskpack recover'") {
		t.Errorf("Render() = %q", rendered)
	}
}
