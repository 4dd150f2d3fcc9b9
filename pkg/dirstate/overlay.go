// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"strings"
)

// Entry is the mutable, in-memory counterpart of the per-node fields
// that matter to a caller setting or reading overlay state: the flags,
// cached filesystem metadata, and copy source. It deliberately omits
// the on-disk bookkeeping fields (pointers, descendant counters) which
// the Writer computes when it serializes.
type Entry struct {
	Flags Flags

	Size             uint32
	MtimeSeconds     uint32
	MtimeNanoseconds uint32

	CopySource string
}

// overlayNode is one trie node of the Overlay, keyed by path
// component. It mirrors dirstate_map.rs's Node/ChildNodes shape
// (original_source): children are addressed by base name rather than
// by on-disk pointer, so there is no possibility of a cycle during
// merge (spec.md §9).
type overlayNode struct {
	entry    *Entry
	removed  bool
	children map[string]*overlayNode
}

// Overlay is the in-memory mutable shadow described in spec.md §4
// component 5: it records insertions, updates and removals made since
// the underlying Tree was loaded. Its read API is Get and Removed, which
// report only what the overlay itself recorded; it has no Lookup or
// Walk and holds no reference to the base Tree, so base state is seen
// only when Writer.Commit merges the two.
type Overlay struct {
	root overlayNode
}

// NewOverlay returns an empty overlay recording no changes.
func NewOverlay() *Overlay {
	return &Overlay{root: overlayNode{children: map[string]*overlayNode{}}}
}

// Dirty reports whether any change has been recorded at all.
func (o *Overlay) Dirty() bool {
	return len(o.root.children) > 0
}

// Set records that path now has the given Entry (an insertion or an
// update of cached metadata/flags/copy-source).
func (o *Overlay) Set(path string, e Entry) {
	n := o.touch(path)
	n.removed = false
	copyEntry := e
	n.entry = &copyEntry
}

// Remove records that path is no longer present: on commit, its node
// (if any existed in the base tree) will not be carried into the new
// generation.
func (o *Overlay) Remove(path string) {
	n := o.touch(path)
	n.removed = true
	n.entry = nil
}

// Get returns the recorded overlay state for path, if any. The bool
// result is false both when nothing was recorded and when the overlay
// merely created path as a pass-through ancestor of a deeper change.
func (o *Overlay) Get(path string) (Entry, bool) {
	n := o.find(path)
	if n == nil || n.entry == nil {
		return Entry{}, false
	}
	return *n.entry, true
}

// Removed reports whether path was explicitly removed in this
// overlay.
func (o *Overlay) Removed(path string) bool {
	n := o.find(path)
	return n != nil && n.removed
}

func (o *Overlay) touch(path string) *overlayNode {
	cur := &o.root
	parts := splitPath(path)
	for i, part := range parts {
		if cur.children == nil {
			cur.children = map[string]*overlayNode{}
		}
		next, ok := cur.children[part]
		if !ok {
			next = &overlayNode{}
			cur.children[part] = next
		}
		if i < len(parts)-1 {
			// next is a strict ancestor of the path being touched: it
			// cannot still be recorded as removed once something
			// beneath it is about to be recorded.
			next.removed = false
		}
		cur = next
	}
	return cur
}

func (o *Overlay) find(path string) *overlayNode {
	cur := &o.root
	for _, part := range splitPath(path) {
		if cur.children == nil {
			return nil
		}
		next, ok := cur.children[part]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
