// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable errors and a catalog of remediation
// guidance for the failures deskpack users run into.
package issue
