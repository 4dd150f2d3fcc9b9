// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

// nodeSize is the width in bytes of one fixed node record, per the
// field-width table in spec.md §3/§6. Summing the documented field
// widths (32+16+16+32+16+32+32+32+32+16+32+32+32 bits) gives 44
// bytes; this package takes the field-width table as authoritative
// over spec.md's prose "43 bytes" (see DESIGN.md, "record size"),
// since the offsets below must be internally consistent for the
// bounds checks in §4.1 to mean anything.
const nodeSize = 44

// Field offsets within a node record, per spec.md §3/§6.
const (
	offFullPathPtr          uint32 = 0
	offFullPathLen          uint32 = 4
	offBaseNameStart        uint32 = 6
	offCopySourcePtr        uint32 = 8
	offCopySourceLen        uint32 = 12
	offChildrenPtr          uint32 = 14
	offChildrenCount        uint32 = 18
	offDescendantsWithEntry uint32 = 22
	offTrackedDescendants   uint32 = 26
	offFlags                uint32 = 30
	offSize                 uint32 = 32
	offMtimeSeconds         uint32 = 36
	offMtimeNanoseconds     uint32 = 40
)

// Node is the decoded, logical view of a 43(44)-byte on-disk record.
// Its path fields borrow from the backing buffer; a Node must not
// outlive the Docket/data-file byte slice it was decoded from.
type Node struct {
	FullPath    []byte
	BaseStart   uint16
	CopySource  []byte // nil means no copy source
	ChildrenPtr uint32
	Children    uint32

	DescendantsWithEntry uint32
	TrackedDescendants   uint32

	Flags Flags
	Size  uint32

	MtimeSeconds     uint32
	MtimeNanoseconds uint32

	// selfOffset is where this record lives in the data file, as
	// recorded by decodeNode. Neither Tree nor Writer reads it.
	selfOffset uint32
}

// BaseName returns the slice of FullPath from BaseStart to the end —
// the last path component.
func (n *Node) BaseName() []byte {
	if int(n.BaseStart) > len(n.FullPath) {
		return nil
	}
	return n.FullPath[n.BaseStart:]
}

// decodeNode decodes the 43(44)-byte record at offset off in b,
// enforcing the bounds and invariants of spec.md §4.1. usedSize is the
// docket's declared used_size — the authoritative end of the live
// generation, which may be shorter than len(b.data) if a concurrent
// append is in flight (spec.md §4.6: truncated tail beyond used_size
// is ignored, not an error, but a node must not reach past it).
func decodeNode(b buf, off uint32, usedSize uint32) (Node, error) {
	var n Node

	if uint64(off)+uint64(nodeSize) > uint64(usedSize) {
		return n, corrupt("node at %d+%d exceeds used_size %d", off, nodeSize, usedSize)
	}

	fullPathPtr, err := b.u32(off + offFullPathPtr)
	if err != nil {
		return n, err
	}
	fullPathLen, err := b.u16(off + offFullPathLen)
	if err != nil {
		return n, err
	}
	baseNameStart, err := b.u16(off + offBaseNameStart)
	if err != nil {
		return n, err
	}
	copySourcePtr, err := b.u32(off + offCopySourcePtr)
	if err != nil {
		return n, err
	}
	copySourceLen, err := b.u16(off + offCopySourceLen)
	if err != nil {
		return n, err
	}
	childrenPtr, err := b.u32(off + offChildrenPtr)
	if err != nil {
		return n, err
	}
	childrenCount, err := b.u32(off + offChildrenCount)
	if err != nil {
		return n, err
	}
	descWithEntry, err := b.u32(off + offDescendantsWithEntry)
	if err != nil {
		return n, err
	}
	trackedDesc, err := b.u32(off + offTrackedDescendants)
	if err != nil {
		return n, err
	}
	flagsRaw, err := b.u16(off + offFlags)
	if err != nil {
		return n, err
	}
	size, err := b.u32(off + offSize)
	if err != nil {
		return n, err
	}
	mtimeSec, err := b.u32(off + offMtimeSeconds)
	if err != nil {
		return n, err
	}
	mtimeNsec, err := b.u32(off + offMtimeNanoseconds)
	if err != nil {
		return n, err
	}

	if uint64(fullPathPtr)+uint64(fullPathLen) > uint64(usedSize) {
		return n, corrupt("full_path_ptr %d + full_path_len %d exceeds used_size %d", fullPathPtr, fullPathLen, usedSize)
	}
	if baseNameStart > fullPathLen {
		return n, corrupt("base_name_start %d exceeds full_path_len %d", baseNameStart, fullPathLen)
	}
	if copySourceLen != 0 && uint64(copySourcePtr)+uint64(copySourceLen) > uint64(usedSize) {
		return n, corrupt("copy_source_ptr %d + copy_source_len %d exceeds used_size %d", copySourcePtr, copySourceLen, usedSize)
	}
	if uint64(childrenPtr)+uint64(nodeSize)*uint64(childrenCount) > uint64(usedSize) {
		return n, corrupt("children_ptr %d + %d*%d exceeds used_size %d", childrenPtr, nodeSize, childrenCount, usedSize)
	}
	if mtimeNsec >= 1_000_000_000 {
		return n, corrupt("mtime_nanoseconds %d out of range", mtimeNsec)
	}

	flags := Flags(flagsRaw)
	if err := validateNodeFlags(flags, size); err != nil {
		return n, err
	}

	fullPath, err := b.slice(fullPathPtr, uint32(fullPathLen))
	if err != nil {
		return n, err
	}
	var copySource []byte
	if copySourceLen != 0 {
		copySource, err = b.slice(copySourcePtr, uint32(copySourceLen))
		if err != nil {
			return n, err
		}
	}

	n = Node{
		FullPath:             fullPath,
		BaseStart:            baseNameStart,
		CopySource:           copySource,
		ChildrenPtr:          childrenPtr,
		Children:             childrenCount,
		DescendantsWithEntry: descWithEntry,
		TrackedDescendants:   trackedDesc,
		Flags:                flags,
		Size:                 size,
		MtimeSeconds:         mtimeSec,
		MtimeNanoseconds:     mtimeNsec,
		selfOffset:           off,
	}
	return n, nil
}

// validateNodeFlags enforces the flag-combination invariants of
// spec.md §3: an untracked node must not claim HasModeAndSize,
// ExpectedStateIsModified, or a non-zero size; ExpectedStateIsModified
// requires both HasModeAndSize and HasMtime.
func validateNodeFlags(f Flags, size uint32) error {
	if !f.TrackedAnywhere() {
		if f.Has(HasModeAndSize) {
			return corrupt("untracked node has HasModeAndSize set")
		}
		if f.Has(ExpectedStateIsModified) {
			return corrupt("untracked node has ExpectedStateIsModified set")
		}
		if size != 0 {
			return corrupt("untracked node has non-zero size %d", size)
		}
	}
	if f.Has(ExpectedStateIsModified) && !(f.Has(HasModeAndSize) && f.Has(HasMtime)) {
		return corrupt("ExpectedStateIsModified set without both HasModeAndSize and HasMtime")
	}
	return nil
}

// encodeNode writes n into dst[off:off+nodeSize]. fullPathPtr and
// copySourcePtr are the offsets at which n.FullPath/n.CopySource have
// already been placed in the data file — the writer resolves these
// separately (merge.go's writeSiblingRun), which appends a fresh copy
// of the path and copy-source bytes for every record it writes. The
// caller must ensure dst
// is large enough and that n.Flags has already been cleaned of
// reserved bits (Flags.Clean).
func encodeNode(dst []byte, off uint32, n Node, fullPathPtr, copySourcePtr uint32) {
	putU32(dst, off+offFullPathPtr, fullPathPtr)
	putU16(dst, off+offFullPathLen, uint16(len(n.FullPath)))
	putU16(dst, off+offBaseNameStart, n.BaseStart)
	if len(n.CopySource) == 0 {
		putU32(dst, off+offCopySourcePtr, 0)
		putU16(dst, off+offCopySourceLen, 0)
	} else {
		putU32(dst, off+offCopySourcePtr, copySourcePtr)
		putU16(dst, off+offCopySourceLen, uint16(len(n.CopySource)))
	}
	putU32(dst, off+offChildrenPtr, n.ChildrenPtr)
	putU32(dst, off+offChildrenCount, n.Children)
	putU32(dst, off+offDescendantsWithEntry, n.DescendantsWithEntry)
	putU32(dst, off+offTrackedDescendants, n.TrackedDescendants)
	putU16(dst, off+offFlags, uint16(n.Flags.Clean()))
	putU32(dst, off+offSize, n.Size)
	putU32(dst, off+offMtimeSeconds, n.MtimeSeconds)
	putU32(dst, off+offMtimeNanoseconds, n.MtimeNanoseconds)
}
