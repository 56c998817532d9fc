// SPDX-License-Identifier: MPL-2.0

package integrity

import (
	"errors"
	"strings"
	"testing"
)

func TestOfIsDeterministic(t *testing.T) {
	t.Parallel()

	a := Of([]byte("hello"))
	b := Of([]byte("hello"))
	if a != b {
		t.Fatalf("Of() not deterministic: %s != %s", a, b)
	}
	if !strings.HasPrefix(string(a), Prefix) {
		t.Errorf("Of() = %q, want %q prefix", a, Prefix)
	}
	if len(a.Hex()) != 64 {
		t.Errorf("Hex() length = %d, want 64", len(a.Hex()))
	}
}

func TestDomainsAreSeparated(t *testing.T) {
	t.Parallel()

	data := []byte("same bytes")
	if Sum(Content, data) == Sum(File, data) {
		t.Error("content and file domains produced the same digest")
	}
	if Sum(Compat, data) == Sum(Key, data) {
		t.Error("compat and key domains produced the same digest")
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	sum := Of([]byte("payload"))
	if err := sum.Verify([]byte("payload")); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}

	err := sum.Verify([]byte("tampered"))
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("Verify() error = %v, want ErrMismatch", err)
	}
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Verify() error type = %T, want *MismatchError", err)
	}
	if mismatch.Expected != sum {
		t.Errorf("Expected = %s, want %s", mismatch.Expected, sum)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	valid := Of([]byte("x"))
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", string(valid), false},
		{"missing prefix", valid.Hex(), true},
		{"bad hex", Prefix + "zz", true},
		{"short", Prefix + "abcd", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidIntegrity) {
					t.Errorf("Parse(%q) error = %v, want ErrInvalidIntegrity", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if got != valid {
				t.Errorf("Parse(%q) = %q", tt.input, got)
			}
		})
	}
}
