// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"bytes"
	"os"
	"path/filepath"

	log "github.com/golang/glog"
)

// Mode selects how Writer.Commit produces the next generation.
type Mode int

const (
	// Auto lets Commit decide between Append and Fresh based on
	// RewriteThreshold (spec.md §4.5 "Rewrite policy").
	Auto Mode = iota
	// Append adds a new root + changed subtree to the tail of the
	// existing data file.
	Append
	// Fresh writes the whole merged tree to a new data file under a
	// fresh random identifier.
	Fresh
)

// Writer produces a new generation from a base Tree merged with an
// Overlay, per spec.md §4.5.
type Writer struct {
	// RewriteThreshold is the unreachable_bytes/used_size ratio above
	// which Auto mode chooses Fresh over Append. spec.md §9 leaves the
	// exact value an open question and suggests 50%; DESIGN.md records
	// that decision.
	RewriteThreshold float64

	Metrics *Metrics
}

// NewWriter returns a Writer with the default 50% rewrite threshold.
func NewWriter(metrics *Metrics) *Writer {
	return &Writer{RewriteThreshold: 0.5, Metrics: metrics}
}

// Commit merges overlay into base (base may be nil for an empty
// dirstate) and publishes the result through mgr: it writes the new
// or extended data file, fsyncs it, and atomically rewrites the
// docket. parent1/parent2 are the new parent changeset IDs to record;
// pass the manager's existing docket's values to leave them unchanged.
func (w *Writer) Commit(mgr *Manager, base *Tree, overlay *Overlay, mode Mode, parent1, parent2 []byte) error {
	old := mgr.docket

	if mode == Auto {
		mode = w.chooseMode(old)
	}

	if mode == Append && !overlay.Dirty() && bytes.Equal(parent1, old.Parent1[:]) && bytes.Equal(parent2, old.Parent2[:]) {
		// Nothing changed: spec.md §8 invariant 8, "append
		// idempotence" — an empty overlay must not grow
		// unreachable_bytes or used_size.
		log.Infof("dirstate2: commit with no changes, skipping write")
		return nil
	}

	var (
		ctx    = &mergeCtx{fresh: mode == Fresh, baseData: mgr.data, baseUsedSize: old.UsedSize}
		result mergeResult
	)
	if mode == Append {
		ctx.origin = old.UsedSize
	}

	if mode == Append && !overlay.Dirty() {
		// Only the parent IDs changed: the whole tree is an "unchanged
		// subtree" per spec.md §4.5 step 1 and inherits its existing
		// (pointer, count) and counters verbatim rather than paying to
		// re-serialize every root-level sibling purely for a parent
		// bump. Without this, routine parent-only updates (the common
		// case after every commit with no working-directory changes)
		// would grow used_size/unreachable_bytes on every call.
		result = mergeResult{
			ptr:           old.Tree.RootPtr,
			count:         old.Tree.RootCount,
			descWithEntry: old.Tree.DirstateEntryCount,
			copySrcCount:  old.Tree.CopySourceCount,
		}
	} else {
		var baseRoot []Node
		var err error
		if base != nil {
			baseRoot, err = base.Root()
			if err != nil {
				return err
			}
		}

		result, err = ctx.mergeChildren("", baseRoot, overlay.root.children)
		if err != nil {
			return err
		}
	}

	var newDocket Docket
	if err := setParentID(&newDocket.Parent1, parent1); err != nil {
		return err
	}
	if err := setParentID(&newDocket.Parent2, parent2); err != nil {
		return err
	}
	newDocket.Tree.RootPtr = result.ptr
	newDocket.Tree.RootCount = result.count
	newDocket.Tree.DirstateEntryCount = result.descWithEntry
	newDocket.Tree.CopySourceCount = result.copySrcCount
	newDocket.Tree.IgnoreHash = old.Tree.IgnoreHash

	switch mode {
	case Append:
		newDocket.ID = old.ID
		newDocket.UsedSize = old.UsedSize + uint32(len(ctx.tail))
		newDocket.Tree.UnreachableBytes = old.Tree.UnreachableBytes + ctx.replacedBytes
		if len(ctx.tail) > 0 {
			if err := appendToDataFile(filepath.Join(mgr.dir, old.DataFileName()), old.UsedSize, ctx.tail); err != nil {
				return err
			}
			// The live bytes through old.UsedSize never change under
			// append-only (spec.md §9), so the new generation's data is
			// exactly those bytes plus the tail just written — no need
			// to read the file back to learn what we just wrote
			// ourselves.
			mgr.data = append(append([]byte(nil), mgr.data[:old.UsedSize]...), ctx.tail...)
		}
	case Fresh:
		id, rerr := randomID(len(old.ID))
		if rerr != nil {
			return wrapIO(rerr)
		}
		newDocket.ID = id
		newDocket.UsedSize = uint32(len(ctx.tail))
		newDocket.Tree.UnreachableBytes = 0
		if err := writeFreshDataFile(filepath.Join(mgr.dir, newDocket.DataFileName()), ctx.tail); err != nil {
			return err
		}
		mgr.data = ctx.tail
	default:
		panic("dirstate2: unresolved write mode")
	}

	if mgr.reg != nil && !bytes.Equal(newDocket.ID, old.ID) {
		// A Fresh rewrite moves mgr onto a new generation identifier;
		// the lease must follow it, or the old generation's lease
		// never drops to zero and Sweep can never reclaim it.
		if err := mgr.reg.Acquire(newDocket.ID); err != nil {
			return err
		}
		if err := mgr.reg.Release(old.ID); err != nil {
			return err
		}
	}

	mgr.docket = &newDocket
	if err := mgr.writeDocket(); err != nil {
		return err
	}

	modeName := "append"
	if mode == Fresh {
		modeName = "fresh"
	}
	w.Metrics.observeRewrite(modeName, &newDocket)
	log.Infof("dirstate2: committed %s generation %s: used_size=%d unreachable=%d entries=%d",
		modeName, newDocket.DataFileName(), newDocket.UsedSize, newDocket.Tree.UnreachableBytes, newDocket.Tree.DirstateEntryCount)
	return nil
}

// chooseMode implements spec.md §4.5's rewrite policy: switch to
// Fresh once unreachable_bytes exceeds RewriteThreshold of used_size.
func (w *Writer) chooseMode(d *Docket) Mode {
	if d.UsedSize == 0 {
		return Append
	}
	ratio := float64(d.Tree.UnreachableBytes) / float64(d.UsedSize)
	if ratio > w.RewriteThreshold {
		return Fresh
	}
	return Append
}

// appendToDataFile writes tail at offset usedSize in the existing
// data file — never touching bytes before it, even if the file on
// disk is already longer due to a previous interrupted append
// (spec.md §4.6).
func appendToDataFile(path string, usedSize uint32, tail []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return wrapIO(err)
	}
	defer f.Close()
	if _, err := f.WriteAt(tail, int64(usedSize)); err != nil {
		return wrapIO(err)
	}
	if err := f.Sync(); err != nil {
		return wrapIO(err)
	}
	return nil
}

func writeFreshDataFile(path string, full []byte) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return wrapIO(err)
	}
	defer f.Close()
	if _, err := f.Write(full); err != nil {
		return wrapIO(err)
	}
	if err := f.Sync(); err != nil {
		return wrapIO(err)
	}
	return nil
}

// mergeCtx accumulates the bytes of one commit's new tail (the bytes
// appended after the old used_size, or the whole file from offset 0
// in Fresh mode) plus the running total of bytes the merge made
// unreachable (replaced ancestors, per spec.md §4.5 step 3).
type mergeCtx struct {
	fresh    bool
	baseData []byte

	// baseUsedSize bounds decoding of baseData: the base generation's
	// own used_size, regardless of write mode.
	baseUsedSize uint32

	// origin is the absolute offset the tail begins at: the old
	// used_size for Append, or 0 for Fresh.
	origin uint32

	tail          []byte
	replacedBytes uint32
}

// alloc reserves n bytes at the end of the tail and returns their
// absolute offset in the final file.
func (c *mergeCtx) alloc(n uint32) uint32 {
	off := c.origin + uint32(len(c.tail))
	c.tail = append(c.tail, make([]byte, n)...)
	return off
}

// appendBytes allocates len(b) bytes and copies b into them,
// returning their offset.
func (c *mergeCtx) appendBytes(b []byte) uint32 {
	off := c.alloc(uint32(len(b)))
	copy(c.tail[off-c.origin:], b)
	return off
}
