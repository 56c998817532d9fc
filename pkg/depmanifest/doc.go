// SPDX-License-Identifier: MPL-2.0

// Package depmanifest merges dependency fragments declared by several sources
// into a single conflict-free manifest.
//
// A fragment maps package names to version specifiers and carries a source
// label such as "settings", "plugin:foo" or "module:bar". Every specifier is
// classified (see [Classify]) and checked against the policies of its class
// before the fragment is merged:
//
//   - exact versions must not be ranges, wildcards or empty
//   - VCS and SCM-shorthand references must pin a commit hash
//   - local paths and file references are allowed but produce a warning
//
// A fragment that violates a policy or disagrees with an entry already in the
// manifest is rejected as a whole; the manifest is never partially updated.
package depmanifest
