// SPDX-License-Identifier: MPL-2.0

// Package integrity computes the digests deskpack uses to address cache
// content, verify archives and fingerprint dependency manifests.
//
// All digests are BLAKE3 keyed hashes. Each use has its own domain key so
// that the same bytes hashed for different purposes never produce the same
// digest.
package integrity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Prefix is the algorithm tag carried by every Integrity string.
const Prefix = "blake3-"

var (
	// ErrInvalidIntegrity is returned when an Integrity string cannot be parsed.
	ErrInvalidIntegrity = errors.New("invalid integrity")
	// ErrMismatch is returned when data does not hash to the expected Integrity.
	ErrMismatch = errors.New("integrity mismatch")
)

type (
	// Domain selects the keyed-hash domain for a digest.
	Domain [32]byte

	// Digest is a raw 32-byte BLAKE3 digest.
	Digest [32]byte

	// Integrity is the textual form of a content digest: "blake3-<64 hex>".
	Integrity string

	// MismatchError reports that data hashed to something other than expected.
	MismatchError struct {
		Expected Integrity
		Actual   Integrity
	}
)

// Domain keys. The ASCII names are zero-padded to 32 bytes; changing them
// invalidates every stored digest in that domain.
var (
	// Content addresses cache payloads and packed archives.
	Content = Domain{
		'd', 'e', 's', 'k', 'p', 'a', 'c', 'k', '.', 'c', 'o', 'n', 't', 'e', 'n', 't',
	}
	// File fingerprints individual source files for per-file cache keys.
	File = Domain{
		'd', 'e', 's', 'k', 'p', 'a', 'c', 'k', '.', 'f', 'i', 'l', 'e',
	}
	// Compat fingerprints the dependency manifest plus version markers.
	Compat = Domain{
		'd', 'e', 's', 'k', 'p', 'a', 'c', 'k', '.', 'c', 'o', 'm', 'p', 'a', 't',
	}
	// Key hashes cache keys into index file names.
	Key = Domain{
		'd', 'e', 's', 'k', 'p', 'a', 'c', 'k', '.', 'k', 'e', 'y',
	}
)

// Error implements the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Unwrap returns ErrMismatch for errors.Is compatibility.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Sum computes the keyed digest of data in the given domain.
func Sum(domain Domain, data []byte) Digest {
	// NewKeyed only fails for keys that are not 32 bytes long, which the
	// Domain type rules out.
	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		panic("integrity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Of returns the content-domain Integrity of data.
func Of(data []byte) Integrity {
	return Integrity(Prefix + Sum(Content, data).Hex())
}

// Parse validates s and returns it as an Integrity.
func Parse(s string) (Integrity, error) {
	hexPart, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return "", fmt.Errorf("%w: %q lacks %q prefix", ErrInvalidIntegrity, s, Prefix)
	}
	decoded, err := hex.DecodeString(hexPart)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidIntegrity, s, err)
	}
	if len(decoded) != len(Digest{}) {
		return "", fmt.Errorf("%w: %q is %d bytes, want %d", ErrInvalidIntegrity, s, len(decoded), len(Digest{}))
	}
	return Integrity(s), nil
}

// Hex returns the hex portion of the integrity string.
func (i Integrity) Hex() string {
	return strings.TrimPrefix(string(i), Prefix)
}

// String returns the string representation of the Integrity.
func (i Integrity) String() string { return string(i) }

// Verify returns nil if data hashes to i.
func (i Integrity) Verify(data []byte) error {
	actual := Of(data)
	if actual != i {
		return &MismatchError{Expected: i, Actual: actual}
	}
	return nil
}
