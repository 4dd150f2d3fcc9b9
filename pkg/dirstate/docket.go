// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/golang/glog"
)

// magic is the fixed 12-byte docket header literal (spec.md §6).
var magic = []byte("dirstate-v2\n")

const (
	parentIDLen  = 32
	ignoreHashLen = 20

	// Fixed docket offsets, per spec.md §6.
	offMagic          = 0
	offParent1        = 12
	offParent2        = 44
	offRootPtr        = 76
	offRootCount      = 80
	offEntryCount     = 84
	offCopySrcCount   = 88
	offUnreachable    = 92
	offReserved4      = 96
	offIgnoreHash     = 100
	offUsedSize       = 120
	offIDLen          = 124
	fixedDocketLength = 125
)

// TreeMetadata is the 44-byte inline block embedded in the docket
// (spec.md §3): the root pointer/count plus the two aggregate
// counters (entries and copy sources), the unreachable-bytes estimate,
// and the ignore-pattern digest.
type TreeMetadata struct {
	RootPtr   uint32
	RootCount uint32

	// DirstateEntryCount is the number of nodes with at least one of
	// the three tracked-anywhere flags set.
	DirstateEntryCount uint32

	// CopySourceCount is the number of nodes with a non-zero
	// copy-source pointer.
	CopySourceCount uint32

	// UnreachableBytes estimates bytes within UsedSize not reachable
	// from the root; monotonic across appends, reset to 0 on a fresh
	// write.
	UnreachableBytes uint32

	// IgnoreHash is the 20-byte digest of the expanded ignore-file
	// contents last used by a status walk, or all-zero if absent.
	IgnoreHash [ignoreHashLen]byte
}

// HasIgnoreHash reports whether IgnoreHash is non-zero.
func (m TreeMetadata) HasIgnoreHash() bool {
	var zero [ignoreHashLen]byte
	return m.IgnoreHash != zero
}

// Docket is the small fixed-layout file (.hg/dirstate) naming the
// current data file generation and carrying tree metadata.
type Docket struct {
	Parent1 [parentIDLen]byte
	Parent2 [parentIDLen]byte

	Tree TreeMetadata

	// UsedSize is the number of bytes of the data file that belong to
	// the current generation; the file may be longer if a concurrent
	// append is in flight, and any bytes beyond UsedSize are ignored.
	UsedSize uint32

	// ID is the random identifier naming the data file "dirstate.<ID>".
	ID []byte
}

// DataFileName returns the basename of the data file this docket
// names, "dirstate.<id>".
func (d *Docket) DataFileName() string {
	return "dirstate." + fmt.Sprintf("%x", d.ID)
}

// setParentID left-aligns and zero-pads id into a 32-byte parent slot,
// per spec.md §3 ("shorter natural IDs are left-aligned, zero-padded").
func setParentID(dst *[parentIDLen]byte, id []byte) error {
	if len(id) > parentIDLen {
		return corrupt("parent id of %d bytes exceeds %d byte slot", len(id), parentIDLen)
	}
	var buf [parentIDLen]byte
	copy(buf[:], id)
	*dst = buf
	return nil
}

// NewDocket returns the docket for a freshly initialized, empty
// dirstate: all-zero parents, empty tree, used_size zero, and a fresh
// random data-file identifier (spec.md §3 "Lifecycle").
func NewDocket(idLength int) (*Docket, error) {
	id, err := randomID(idLength)
	if err != nil {
		return nil, wrapIO(err)
	}
	return &Docket{ID: id}, nil
}

// DecodeDocket parses raw docket bytes, validating the magic literal,
// minimum length, and the declared identifier length (spec.md §6/§7).
func DecodeDocket(raw []byte) (*Docket, error) {
	if len(raw) < fixedDocketLength {
		return nil, &WrappedError{Kind: ShortDocket, Cause: fmt.Errorf("docket is %d bytes, need at least %d", len(raw), fixedDocketLength)}
	}
	if !bytes.Equal(raw[offMagic:offMagic+len(magic)], magic) {
		return nil, &WrappedError{Kind: InvalidMagic, Cause: fmt.Errorf("bad magic %q", raw[offMagic:offMagic+len(magic)])}
	}

	idLen := int(raw[offIDLen])
	if fixedDocketLength+idLen > len(raw) {
		return nil, &WrappedError{Kind: ShortDocket, Cause: fmt.Errorf("docket declares id_length %d but only has %d trailing bytes", idLen, len(raw)-fixedDocketLength)}
	}

	d := &Docket{}
	copy(d.Parent1[:], raw[offParent1:offParent1+parentIDLen])
	copy(d.Parent2[:], raw[offParent2:offParent2+parentIDLen])
	d.Tree.RootPtr = getU32(raw, offRootPtr)
	d.Tree.RootCount = getU32(raw, offRootCount)
	d.Tree.DirstateEntryCount = getU32(raw, offEntryCount)
	d.Tree.CopySourceCount = getU32(raw, offCopySrcCount)
	d.Tree.UnreachableBytes = getU32(raw, offUnreachable)
	copy(d.Tree.IgnoreHash[:], raw[offIgnoreHash:offIgnoreHash+ignoreHashLen])
	d.UsedSize = getU32(raw, offUsedSize)
	d.ID = append([]byte(nil), raw[fixedDocketLength:fixedDocketLength+idLen]...)

	return d, nil
}

// Encode serializes d to its on-disk byte layout. Reserved bytes are
// zeroed (spec.md §3, §9), and any bytes beyond fixedDocketLength+len(ID)
// are dropped, matching the "trailing bytes reserved, reset to zero
// on write" / "dropped on rewrite" rules.
func (d *Docket) Encode() ([]byte, error) {
	if len(d.ID) > 255 {
		return nil, fmt.Errorf("data file id of %d bytes exceeds 255 byte limit", len(d.ID))
	}
	out := make([]byte, fixedDocketLength+len(d.ID))
	copy(out[offMagic:], magic)
	copy(out[offParent1:offParent1+parentIDLen], d.Parent1[:])
	copy(out[offParent2:offParent2+parentIDLen], d.Parent2[:])
	putU32(out, offRootPtr, d.Tree.RootPtr)
	putU32(out, offRootCount, d.Tree.RootCount)
	putU32(out, offEntryCount, d.Tree.DirstateEntryCount)
	putU32(out, offCopySrcCount, d.Tree.CopySourceCount)
	putU32(out, offUnreachable, d.Tree.UnreachableBytes)
	// offReserved4 is left zero.
	copy(out[offIgnoreHash:offIgnoreHash+ignoreHashLen], d.Tree.IgnoreHash[:])
	putU32(out, offUsedSize, d.UsedSize)
	out[offIDLen] = byte(len(d.ID))
	copy(out[fixedDocketLength:], d.ID)
	return out, nil
}

// Manager owns the docket and the mapped bytes of its current data
// file, and is the single point of truth for their lifetimes
// (spec.md §9 "Shared buffer ownership"). It is safe for concurrent
// readers; Commit must be externally serialized by the repository
// lock spec.md §5 assumes.
type Manager struct {
	dir    string
	docket *Docket
	data   []byte

	metrics *Metrics

	// reg is the lease registry Lease acquired the current generation
	// from, if any. nil means this Manager was opened without leasing
	// and Close is a no-op.
	reg *Registry
}

// Open loads the docket at <dir>/dirstate and maps its named data
// file. If the docket does not exist, Open returns an IOError and no
// Manager; Init creates a new dirstate.
func Open(dir string, metrics *Metrics) (*Manager, error) {
	raw, err := ioutil.ReadFile(filepath.Join(dir, "dirstate"))
	if err != nil {
		return nil, wrapIO(err)
	}
	docket, err := DecodeDocket(raw)
	if err != nil {
		metrics.observeDocketError(err)
		return nil, err
	}

	m := &Manager{dir: dir, docket: docket, metrics: metrics}
	if err := m.loadDataFile(); err != nil {
		return nil, err
	}
	metrics.observeDocketLoaded(docket)
	log.Infof("dirstate2: loaded docket %s, generation %s, used_size=%d entries=%d",
		filepath.Join(dir, "dirstate"), docket.DataFileName(), docket.UsedSize, docket.Tree.DirstateEntryCount)
	return m, nil
}

// Init creates a brand-new, empty dirstate at dir: an empty data
// file and a docket naming it, both fsynced before returning
// (spec.md §3 "Lifecycle").
func Init(dir string) (*Manager, error) {
	docket, err := NewDocket(16)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapIO(err)
	}
	dataPath := filepath.Join(dir, docket.DataFileName())
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, wrapIO(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, wrapIO(err)
	}
	if err := f.Close(); err != nil {
		return nil, wrapIO(err)
	}

	m := &Manager{dir: dir, docket: docket, data: nil}
	if err := m.writeDocket(); err != nil {
		return nil, err
	}
	log.Infof("dirstate2: initialized empty dirstate at %s, generation %s", dir, docket.DataFileName())
	return m, nil
}

func (m *Manager) loadDataFile() error {
	path := filepath.Join(m.dir, m.docket.DataFileName())
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return &WrappedError{Kind: UnknownIdentifier, Cause: fmt.Errorf("data file %s named by docket does not exist", path)}
	}
	if err != nil {
		return wrapIO(err)
	}
	if uint64(len(raw)) < uint64(m.docket.UsedSize) {
		return corrupt("data file %s is %d bytes, shorter than docket used_size %d", path, len(raw), m.docket.UsedSize)
	}
	// Bytes beyond UsedSize belong to a concurrent in-flight append
	// and are silently ignored (spec.md §4.6).
	m.data = raw
	return nil
}

// Docket returns the currently loaded docket. Callers must not mutate
// the returned value; use Writer to produce a new generation.
func (m *Manager) Docket() *Docket { return m.docket }

// Lease acquires a reference on reg for m's current generation, so
// Registry.Sweep will not delete the data file out from under this
// Manager while it's in use. The caller must call Close exactly once
// to release it; Writer.Commit keeps the lease pinned to whichever
// generation m currently points at across Append and Fresh rewrites.
func (m *Manager) Lease(reg *Registry) error {
	if err := reg.Acquire(m.docket.ID); err != nil {
		return err
	}
	m.reg = reg
	return nil
}

// Close releases the lease acquired by Lease, if any. It is safe to
// call on a Manager that never called Lease.
func (m *Manager) Close() error {
	if m.reg == nil {
		return nil
	}
	reg := m.reg
	m.reg = nil
	return reg.Release(m.docket.ID)
}

// Data returns the byte slice of the current generation's live bytes
// (data[:UsedSize]). It is read-only: append-only guarantees mean
// these bytes never change under a reader once mapped.
func (m *Manager) Data() []byte {
	if m.data == nil {
		return nil
	}
	n := m.docket.UsedSize
	if uint64(n) > uint64(len(m.data)) {
		n = uint32(len(m.data))
	}
	return m.data[:n]
}

// writeDocket serializes and atomically publishes m.docket, per
// spec.md §4.5 step 6: write to a temp file in the same directory,
// fsync it, then rename over the live docket. Rename is atomic on the
// filesystems this format targets, so no reader ever observes a torn
// docket.
func (m *Manager) writeDocket() error {
	raw, err := m.docket.Encode()
	if err != nil {
		return err
	}
	final := filepath.Join(m.dir, "dirstate")
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return wrapIO(err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return wrapIO(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return wrapIO(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return wrapIO(err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return wrapIO(err)
	}
	log.Infof("dirstate2: docket rewritten at %s: generation=%s used_size=%d unreachable=%d",
		final, m.docket.DataFileName(), m.docket.UsedSize, m.docket.Tree.UnreachableBytes)
	return nil
}
