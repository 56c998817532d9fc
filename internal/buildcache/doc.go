// SPDX-License-Identifier: MPL-2.0

// Package buildcache is the content-addressed cache behind incremental
// builds.
//
// A [Store] maps string keys to integrity-verified payloads. [FileStore]
// keeps CBOR index envelopes under index/ and compressed, deduplicated
// payloads under content/. On top of a Store, [Generations] remembers the
// last successful build (its [Snapshot] of the source tree, the packed
// archive and the settings it was built with) and decides whether the next
// build can reuse that archive.
//
// The cache is an optimization only. Every read failure is reported as a
// miss and every write failure is left to the caller to log; nothing in this
// package turns a cache problem into a build failure.
package buildcache
