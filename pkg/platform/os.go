// SPDX-License-Identifier: MPL-2.0

package platform

// OS name constants for runtime.GOOS comparisons.
const (
	Windows = "windows"
	Darwin  = "darwin"
	Linux   = "linux"
)

// NodePlatform returns the Node.js process.platform name for a GOOS value.
func NodePlatform(goos string) string {
	if goos == Windows {
		return "win32"
	}
	return goos
}

// NodeArch returns the Node.js process.arch name for a GOARCH value.
func NodeArch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	case "386":
		return "ia32"
	default:
		return goarch
	}
}
