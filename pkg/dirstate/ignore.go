// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"crypto/sha1"
	"hash"
	"io"
	"sort"
)

// IgnoreSource is one root ignore file: its path (used only to sort
// root sources by path string, per spec.md §4.4) and its expanded
// contents — the recursive concatenation of its own bytes with the
// expanded contents of each file it includes, in include order.
// Producing that expansion is the ignore-file parser's job (spec.md
// §1 scopes it out of this package); IgnoreSource only carries the
// already-expanded byte stream for hashing.
type IgnoreSource struct {
	Path     string
	Expanded io.Reader
}

// IgnoreDigest incrementally computes the 20-byte ignore-pattern hash
// stored in TreeMetadata.IgnoreHash: the digest, in path-sorted order,
// of the concatenation of each root ignore source's expanded contents.
// It is fed chunks via Write and never materialises the full
// concatenation in memory (spec.md §4.4 "MUST be computed
// incrementally").
type IgnoreDigest struct {
	h hash.Hash
}

// NewIgnoreDigest returns a fresh digest. sha1.Size is exactly the
// 20 bytes spec.md §3/§6 reserve for the ignore-pattern hash field, so
// no truncation is needed the way it would be with sha256.
func NewIgnoreDigest() *IgnoreDigest {
	return &IgnoreDigest{h: sha1.New()}
}

// Write feeds len(p) more bytes of the expanded-contents stream into
// the digest. It never returns an error and never buffers.
func (d *IgnoreDigest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum returns the current 20-byte digest without resetting state.
func (d *IgnoreDigest) Sum() [ignoreHashLen]byte {
	var out [ignoreHashLen]byte
	copy(out[:], d.h.Sum(nil))
	return out
}

// HashIgnoreSources computes the ignore-pattern digest over sources,
// sorting them by Path first (spec.md §4.4: "Root ignore files ...
// sorted by path string") and streaming each one's Expanded reader
// through the incremental digest rather than reading it all into
// memory first.
func HashIgnoreSources(sources []IgnoreSource) ([ignoreHashLen]byte, error) {
	sorted := make([]IgnoreSource, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	d := NewIgnoreDigest()
	buf := make([]byte, 32*1024)
	for _, src := range sorted {
		if _, err := io.CopyBuffer(d, src.Expanded, buf); err != nil {
			return [ignoreHashLen]byte{}, wrapIO(err)
		}
	}
	return d.Sum(), nil
}
