// SPDX-License-Identifier: MPL-2.0

package depmanifest

import (
	"fmt"
	"regexp"
)

const (
	// RejectIfMatches fails the check when the pattern matches the specifier.
	RejectIfMatches Sense = iota
	// RejectIfNotMatches fails the check when the pattern does not match.
	RejectIfNotMatches
)

type (
	// Sense selects whether a PatternPolicy rejects on match or on no match.
	Sense int

	// Policy is a rule applied to every specifier of a class. The set of
	// implementations is closed: PatternPolicy and WarnOncePolicy.
	Policy interface {
		policy()
	}

	// PatternPolicy rejects a specifier depending on whether it matches Pattern.
	PatternPolicy struct {
		Pattern *regexp.Regexp
		Sense   Sense
		// Rule is the human-readable requirement reported on violation.
		Rule string
	}

	// WarnOncePolicy accepts the specifier but emits Message. Warnings sharing
	// a Label are reported once per merge call.
	WarnOncePolicy struct {
		Label   string
		Message string
	}

	// Warning is a non-fatal finding produced by a WarnOncePolicy.
	Warning struct {
		Label      string
		Message    string
		Dependency string
		Source     string
	}

	// warnSet deduplicates warnings by label within one top-level merge call.
	warnSet map[string]bool
)

func (PatternPolicy) policy()  {}
func (WarnOncePolicy) policy() {}

var (
	rangePattern      = regexp.MustCompile(`[\^><=~\- ]|\.x|^$|^\*$`)
	commitHashPattern = regexp.MustCompile(`#[0-9a-fA-F]{7,40}$`)

	exactVersionPolicy = PatternPolicy{
		Pattern: rangePattern,
		Sense:   RejectIfMatches,
		Rule:    "version must be exact: ranges, wildcards and empty versions are not allowed",
	}
	commitHashPolicy = PatternPolicy{
		Pattern: commitHashPattern,
		Sense:   RejectIfNotMatches,
		Rule:    "repository reference must pin a commit hash (#<7-40 hex characters>)",
	}
	localPathPolicy = WarnOncePolicy{
		Label:   "local",
		Message: "dependencies from local paths are allowed but the build is not reproducible on other machines",
	}
	fileReferencePolicy = WarnOncePolicy{
		Label:   "file",
		Message: "file: dependencies are allowed but the build is not reproducible on other machines",
	}

	classPolicies = map[Class][]Policy{
		ClassExactVersion:  {exactVersionPolicy},
		ClassVCSRef:        {commitHashPolicy},
		ClassSCMShorthand:  {commitHashPolicy},
		ClassLocalPath:     {localPathPolicy},
		ClassFileReference: {fileReferencePolicy},
		ClassURLArchive:    nil,
	}
)

// PoliciesFor returns the policies applied to specifiers of the given class.
func PoliciesFor(class Class) []Policy {
	return classPolicies[class]
}

// check evaluates every policy of the specifier's class. Warnings go into
// warned/out; the first violated pattern policy is returned as an error.
func check(name, specifier, source string, warned warnSet, out *[]Warning) error {
	class := Classify(specifier)
	for _, p := range PoliciesFor(class) {
		switch p := p.(type) {
		case PatternPolicy:
			matched := p.Pattern.MatchString(specifier)
			if (p.Sense == RejectIfMatches && matched) || (p.Sense == RejectIfNotMatches && !matched) {
				return &PolicyViolationError{
					Dependency: name,
					Specifier:  specifier,
					Source:     source,
					Class:      class,
					Rule:       p.Rule,
				}
			}
		case WarnOncePolicy:
			if warned[p.Label] {
				continue
			}
			warned[p.Label] = true
			*out = append(*out, Warning{
				Label:      p.Label,
				Message:    p.Message,
				Dependency: name,
				Source:     source,
			})
		default:
			return fmt.Errorf("internal error: unhandled policy kind %T for class %s", p, class)
		}
	}
	return nil
}
