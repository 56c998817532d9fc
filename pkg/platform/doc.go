// SPDX-License-Identifier: MPL-2.0

// Package platform maps Go platform names to the names used by Node.js
// tooling and flags file names that cannot exist on Windows.
package platform
