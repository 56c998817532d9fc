// SPDX-License-Identifier: MPL-2.0

package platform

import "testing"

func TestIsWindowsReservedName(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"con":        true,
		"CON":        true,
		"Aux":        true,
		"com9":       true,
		"lpt1":       true,
		"con.txt":    true,
		"NUL.tar.gz": true,
		"confile":    false,
		"com10":      false,
		"index.js":   false,
		"":           false,
	} {
		if got := IsWindowsReservedName(name); got != want {
			t.Errorf("IsWindowsReservedName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestReservedSegment(t *testing.T) {
	t.Parallel()

	if got := ReservedSegment("node_modules/aux/index.js"); got != "aux" {
		t.Errorf("ReservedSegment() = %q, want aux", got)
	}
	if got := ReservedSegment("node_modules/left-pad/index.js"); got != "" {
		t.Errorf("ReservedSegment() = %q, want empty", got)
	}
}

func TestNodeNames(t *testing.T) {
	t.Parallel()

	for goos, want := range map[string]string{Windows: "win32", Darwin: "darwin", Linux: "linux"} {
		if got := NodePlatform(goos); got != want {
			t.Errorf("NodePlatform(%q) = %q, want %q", goos, got, want)
		}
	}
	for goarch, want := range map[string]string{"amd64": "x64", "386": "ia32", "arm64": "arm64"} {
		if got := NodeArch(goarch); got != want {
			t.Errorf("NodeArch(%q) = %q, want %q", goarch, got, want)
		}
	}
}
