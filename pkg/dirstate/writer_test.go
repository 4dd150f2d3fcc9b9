// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"bytes"
	"testing"
)

// A commit that only changes the recorded parents (overlay clean) must
// not grow used_size or unreachable_bytes or duplicate any root-level
// sibling record — the whole tree is an unchanged subtree and should
// inherit its existing (pointer, count) untouched.
func TestWriterCommitParentOnlyChangeDoesNotRewriteTree(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked})
	overlay.Set("b.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	before := mgr.Docket()
	beforeUsedSize := before.UsedSize
	beforeUnreachable := before.Tree.UnreachableBytes
	beforeRootPtr := before.Tree.RootPtr
	beforeRootCount := before.Tree.RootCount

	base := baseTreeFromManager(mgr)
	noop := NewOverlay()
	newParent1 := bytes.Repeat([]byte{0x42}, 20)
	if err := w.Commit(mgr, base, noop, Append, newParent1, nil); err != nil {
		t.Fatalf("parent-only Commit: %v", err)
	}

	after := mgr.Docket()
	if after.UsedSize != beforeUsedSize {
		t.Fatalf("UsedSize changed on a parent-only commit: %d -> %d", beforeUsedSize, after.UsedSize)
	}
	if after.Tree.UnreachableBytes != beforeUnreachable {
		t.Fatalf("UnreachableBytes changed on a parent-only commit: %d -> %d", beforeUnreachable, after.Tree.UnreachableBytes)
	}
	if after.Tree.RootPtr != beforeRootPtr || after.Tree.RootCount != beforeRootCount {
		t.Fatalf("root (ptr, count) changed on a parent-only commit: (%d,%d) -> (%d,%d)",
			beforeRootPtr, beforeRootCount, after.Tree.RootPtr, after.Tree.RootCount)
	}
	if !bytes.HasPrefix(after.Parent1[:], newParent1) {
		t.Fatalf("Parent1 was not updated: %x", after.Parent1)
	}

	tree := baseTreeFromManager(mgr)
	mustLookup(t, tree, "a.txt")
	mustLookup(t, tree, "b.txt")
}

// A leased Manager's lease must follow it across a Fresh rewrite, or
// the old generation's lease count never drops to zero and Sweep can
// never reclaim it.
func TestWriterCommitFreshMovesLeaseToNewGeneration(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	reg, err := OpenRegistry(dir, nil)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	defer reg.Close()
	if err := mgr.Lease(reg); err != nil {
		t.Fatalf("Lease: %v", err)
	}

	oldID := append([]byte(nil), mgr.Docket().ID...)
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Fresh, nil, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	newID := mgr.Docket().ID
	if bytes.Equal(newID, oldID) {
		t.Fatalf("Fresh commit should have assigned a new generation identifier")
	}

	if count, err := reg.leaseCount(oldID); err != nil || count != 0 {
		t.Fatalf("old generation leaseCount = %d, %v, want 0, nil", count, err)
	}
	if count, err := reg.leaseCount(newID); err != nil || count != 1 {
		t.Fatalf("new generation leaseCount = %d, %v, want 1, nil", count, err)
	}
}

func baseTreeFromManager(mgr *Manager) *Tree {
	d := mgr.Docket()
	return NewTree(mgr.Data(), d.UsedSize, d.Tree.RootPtr, d.Tree.RootCount)
}

func mustLookup(t *testing.T, tree *Tree, path string) Node {
	t.Helper()
	n, found, err := tree.Lookup(path)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", path, err)
	}
	if !found {
		t.Fatalf("expected %q to be found", path)
	}
	return n
}

// S1: committing a brand-new entry against an empty dirstate writes a
// single-node root in Append mode (used_size starts at 0, so
// chooseMode always picks Append regardless of threshold).
func TestWriterCommitFirstEntry(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked | HasModeAndSize, Size: 10})

	w := NewWriter(nil)
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	d := mgr.Docket()
	if d.Tree.DirstateEntryCount != 1 {
		t.Fatalf("DirstateEntryCount = %d, want 1", d.Tree.DirstateEntryCount)
	}
	if d.Tree.UnreachableBytes != 0 {
		t.Fatalf("UnreachableBytes = %d, want 0 on the first write", d.Tree.UnreachableBytes)
	}

	tree := baseTreeFromManager(mgr)
	n := mustLookup(t, tree, "a.txt")
	if n.Size != 10 || !n.Flags.Has(WdirTracked) {
		t.Fatalf("got %+v", n)
	}
}

// S2: adding a second entry rewrites the root sibling run, making the
// first entry's old record bytes unreachable even though its content
// didn't change.
func TestWriterCommitAddSecondEntry(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	base := baseTreeFromManager(mgr)
	overlay2 := NewOverlay()
	overlay2.Set("b.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, base, overlay2, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	d := mgr.Docket()
	if d.Tree.DirstateEntryCount != 2 {
		t.Fatalf("DirstateEntryCount = %d, want 2", d.Tree.DirstateEntryCount)
	}
	if d.Tree.UnreachableBytes == 0 {
		t.Fatalf("expected UnreachableBytes > 0 after rewriting the sibling run")
	}

	tree := baseTreeFromManager(mgr)
	mustLookup(t, tree, "a.txt")
	mustLookup(t, tree, "b.txt")
}

// S3: removing an entry drops it from the new tree and counts its old
// bytes as unreachable.
func TestWriterCommitRemove(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked})
	overlay.Set("b.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	base := baseTreeFromManager(mgr)
	overlay2 := NewOverlay()
	overlay2.Remove("a.txt")
	if err := w.Commit(mgr, base, overlay2, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	d := mgr.Docket()
	if d.Tree.DirstateEntryCount != 1 {
		t.Fatalf("DirstateEntryCount = %d, want 1", d.Tree.DirstateEntryCount)
	}

	tree := baseTreeFromManager(mgr)
	if _, found, err := tree.Lookup("a.txt"); err != nil {
		t.Fatalf("Lookup: %v", err)
	} else if found {
		t.Fatalf("a.txt should have been removed")
	}
	mustLookup(t, tree, "b.txt")
}

// S4: an Append commit with no overlay changes and unchanged parents
// must be a complete no-op (spec.md §8 invariant 8).
func TestWriterCommitIdempotentNoOp(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	before := mgr.Docket()
	beforeUsedSize := before.UsedSize
	beforeUnreachable := before.Tree.UnreachableBytes
	beforeID := append([]byte(nil), before.ID...)

	base := baseTreeFromManager(mgr)
	noop := NewOverlay()
	if err := w.Commit(mgr, base, noop, Append, before.Parent1[:], before.Parent2[:]); err != nil {
		t.Fatalf("no-op Commit: %v", err)
	}

	after := mgr.Docket()
	if after.UsedSize != beforeUsedSize {
		t.Fatalf("UsedSize changed on a no-op commit: %d -> %d", beforeUsedSize, after.UsedSize)
	}
	if after.Tree.UnreachableBytes != beforeUnreachable {
		t.Fatalf("UnreachableBytes changed on a no-op commit: %d -> %d", beforeUnreachable, after.Tree.UnreachableBytes)
	}
	if !bytes.Equal(after.ID, beforeID) {
		t.Fatalf("generation identifier changed on a no-op commit")
	}
}

// S5: an explicit Fresh commit writes a new generation under a new
// identifier and resets UnreachableBytes to 0.
func TestWriterCommitFreshRewrite(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("a.txt", Entry{Flags: WdirTracked})
	overlay.Set("b.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}

	base := baseTreeFromManager(mgr)
	oldID := append([]byte(nil), mgr.Docket().ID...)

	overlay2 := NewOverlay()
	overlay2.Remove("a.txt")
	if err := w.Commit(mgr, base, overlay2, Fresh, nil, nil); err != nil {
		t.Fatalf("Commit Fresh: %v", err)
	}

	d := mgr.Docket()
	if bytes.Equal(d.ID, oldID) {
		t.Fatalf("Fresh commit should assign a new generation identifier")
	}
	if d.Tree.UnreachableBytes != 0 {
		t.Fatalf("UnreachableBytes = %d, want 0 after a Fresh rewrite", d.Tree.UnreachableBytes)
	}
	if d.Tree.DirstateEntryCount != 1 {
		t.Fatalf("DirstateEntryCount = %d, want 1", d.Tree.DirstateEntryCount)
	}

	tree := baseTreeFromManager(mgr)
	mustLookup(t, tree, "b.txt")
}

// S6: setting a deeply nested path synthesizes its ancestor
// directories as pass-through nodes, reachable by Lookup even though
// the overlay never called Set on them directly.
func TestWriterCommitSynthesizesPassThroughAncestors(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Set("dir/sub/file.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tree := baseTreeFromManager(mgr)
	dirNode := mustLookup(t, tree, "dir")
	if !dirNode.Flags.Has(Directory) {
		t.Fatalf("expected dir to be synthesized with the Directory flag")
	}
	if dirNode.Flags.TrackedAnywhere() {
		t.Fatalf("a synthesized pass-through ancestor should not itself be tracked")
	}

	subNode := mustLookup(t, tree, "dir/sub")
	if !subNode.Flags.Has(Directory) {
		t.Fatalf("expected dir/sub to be synthesized with the Directory flag")
	}

	leaf := mustLookup(t, tree, "dir/sub/file.txt")
	if !leaf.Flags.Has(WdirTracked) {
		t.Fatalf("expected dir/sub/file.txt to be tracked")
	}

	d := mgr.Docket()
	if d.Tree.DirstateEntryCount != 1 {
		t.Fatalf("DirstateEntryCount = %d, want 1 (only the leaf is tracked)", d.Tree.DirstateEntryCount)
	}
}

// A directory removed and then repopulated in the same overlay (e.g.
// rmdir followed by mkdir with new contents) must carry the new
// contents into the commit rather than disappearing along with the
// stale removal.
func TestWriterCommitSetUnderPreviouslyRemovedAncestor(t *testing.T) {
	dir := newTestDir(t)
	mgr, err := Init(dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	w := NewWriter(nil)

	overlay := NewOverlay()
	overlay.Remove("dir")
	overlay.Set("dir/file.txt", Entry{Flags: WdirTracked})
	if err := w.Commit(mgr, nil, overlay, Auto, nil, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tree := baseTreeFromManager(mgr)
	mustLookup(t, tree, "dir/file.txt")

	d := mgr.Docket()
	if d.Tree.DirstateEntryCount != 1 {
		t.Fatalf("DirstateEntryCount = %d, want 1", d.Tree.DirstateEntryCount)
	}
}
