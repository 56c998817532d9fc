// SPDX-License-Identifier: MPL-2.0

package depmanifest

import "regexp"

const (
	// ClassLocalPath is a relative or absolute filesystem path.
	ClassLocalPath Class = "local-path"
	// ClassVCSRef is a git URL.
	ClassVCSRef Class = "vcs-ref"
	// ClassSCMShorthand is a hosted-repository shorthand such as "owner/repo#sha".
	ClassSCMShorthand Class = "scm-shorthand"
	// ClassURLArchive is a tarball served over HTTP(S).
	ClassURLArchive Class = "url-archive"
	// ClassFileReference is a "file:" specifier.
	ClassFileReference Class = "file-reference"
	// ClassExactVersion is a plain version number. Unrecognized specifiers
	// fall into this class.
	ClassExactVersion Class = "exact-version"
)

// Class is the policy category a version specifier falls into.
type Class string

type matcher struct {
	class   Class
	pattern *regexp.Regexp
}

// matchers are tried in order; the first match wins.
var matchers = []matcher{
	{ClassLocalPath, regexp.MustCompile(`^(\.{1,2}[/\\]|/|~/)`)},
	{ClassFileReference, regexp.MustCompile(`^file:`)},
	{ClassVCSRef, regexp.MustCompile(`^git(\+(ssh|https?|file))?://`)},
	{ClassSCMShorthand, regexp.MustCompile(`^((github|gitlab|bitbucket|gist):|[A-Za-z0-9][\w.-]*/[\w.-]+(#.*)?$)`)},
	{ClassURLArchive, regexp.MustCompile(`^https?://`)},
}

// Classify returns the class of a version specifier. It is total: every
// string maps to exactly one class, with ClassExactVersion as the default.
func Classify(specifier string) Class {
	for _, m := range matchers {
		if m.pattern.MatchString(specifier) {
			return m.class
		}
	}
	return ClassExactVersion
}

// IsLocal reports whether the class refers to something on the local disk.
func (c Class) IsLocal() bool {
	return c == ClassLocalPath || c == ClassFileReference
}

// String returns the string representation of the Class.
func (c Class) String() string { return string(c) }
