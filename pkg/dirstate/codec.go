// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import "encoding/binary"

// buf wraps a backing byte slice (the mapped or loaded data file) and
// gives bounds-checked big-endian field access. It never copies; every
// read returns a value or a sub-slice borrowing from data, so the
// caller must not outlive data (spec.md §4.1, §9 "Shared buffer
// ownership").
type buf struct {
	data []byte
}

// u16 reads a big-endian uint16 at off, returning CorruptIndex if
// off+2 exceeds the buffer.
func (b buf) u16(off uint32) (uint16, error) {
	if uint64(off)+2 > uint64(len(b.data)) {
		return 0, corrupt("u16 read at %d exceeds buffer of %d bytes", off, len(b.data))
	}
	return binary.BigEndian.Uint16(b.data[off : off+2]), nil
}

// u32 reads a big-endian uint32 at off, returning CorruptIndex if
// off+4 exceeds the buffer.
func (b buf) u32(off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(b.data)) {
		return 0, corrupt("u32 read at %d exceeds buffer of %d bytes", off, len(b.data))
	}
	return binary.BigEndian.Uint32(b.data[off : off+4]), nil
}

// slice returns b.data[off:off+length], bounds-checked.
func (b buf) slice(off, length uint32) ([]byte, error) {
	if uint64(off)+uint64(length) > uint64(len(b.data)) {
		return nil, corrupt("slice [%d:%d+%d] exceeds buffer of %d bytes", off, off, length, len(b.data))
	}
	return b.data[off : off+length], nil
}

// putU16 writes a big-endian uint16 at off. The caller is responsible
// for off+2 <= len(dst).
func putU16(dst []byte, off uint32, v uint16) {
	binary.BigEndian.PutUint16(dst[off:off+2], v)
}

// putU32 writes a big-endian uint32 at off. The caller is responsible
// for off+4 <= len(dst).
func putU32(dst []byte, off uint32, v uint32) {
	binary.BigEndian.PutUint32(dst[off:off+4], v)
}

func getU16(src []byte, off uint32) uint16 {
	return binary.BigEndian.Uint16(src[off : off+2])
}

func getU32(src []byte, off uint32) uint32 {
	return binary.BigEndian.Uint32(src[off : off+4])
}
