// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"bytes"
	"testing"
)

// layoutArena lays out a path and an optional copy source in a backing
// buffer, followed immediately by one node record (no alignment
// padding), and returns the buffer plus the offsets needed to decode it.
func layoutArena(path, copySource []byte, n Node) (data []byte, nodeOff, pathPtr, copyPtr uint32) {
	data = append(data, path...)
	pathPtr = 0
	copyPtr = uint32(len(path))
	data = append(data, copySource...)

	nodeOff = uint32(len(data))
	data = append(data, make([]byte, nodeSize)...)

	encodeNode(data, nodeOff, n, pathPtr, copyPtr)
	return data, nodeOff, pathPtr, copyPtr
}

func TestNodeEncodeDecodeRoundTrip(t *testing.T) {
	path := []byte("dir/file.go")
	n := Node{
		FullPath:             path,
		BaseStart:            4,
		ChildrenPtr:          0,
		Children:             0,
		DescendantsWithEntry: 0,
		TrackedDescendants:   0,
		Flags:                WdirTracked | HasModeAndSize | HasMtime,
		Size:                 1234,
		MtimeSeconds:         1000,
		MtimeNanoseconds:     500,
	}
	data, off, _, _ := layoutArena(path, nil, n)

	got, err := decodeNode(buf{data: data}, off, uint32(len(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got.FullPath, path) {
		t.Fatalf("FullPath = %q, want %q", got.FullPath, path)
	}
	if string(got.BaseName()) != "file.go" {
		t.Fatalf("BaseName() = %q, want %q", got.BaseName(), "file.go")
	}
	if got.Flags != n.Flags {
		t.Fatalf("Flags = %#x, want %#x", uint16(got.Flags), uint16(n.Flags))
	}
	if got.Size != n.Size || got.MtimeSeconds != n.MtimeSeconds || got.MtimeNanoseconds != n.MtimeNanoseconds {
		t.Fatalf("size/mtime mismatch: got %+v", got)
	}
	if got.CopySource != nil {
		t.Fatalf("expected nil CopySource, got %q", got.CopySource)
	}
}

func TestNodeEncodeDecodeWithCopySource(t *testing.T) {
	path := []byte("a/b.txt")
	src := []byte("a/old.txt")
	n := Node{
		FullPath:   path,
		BaseStart:  2,
		CopySource: src,
		Flags:      WdirTracked,
	}
	data, off, _, _ := layoutArena(path, src, n)

	got, err := decodeNode(buf{data: data}, off, uint32(len(data)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got.CopySource, src) {
		t.Fatalf("CopySource = %q, want %q", got.CopySource, src)
	}
}

func TestNodeDecodePastUsedSize(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, BaseStart: 0}
	data, off, _, _ := layoutArena(path, nil, n)

	if _, err := decodeNode(buf{data: data}, off, off+nodeSize-1); err == nil {
		t.Fatalf("expected CorruptIndex decoding a node that exceeds used_size")
	}
}

func TestNodeDecodeBaseNameStartOutOfRange(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, BaseStart: 0}
	data, off, _, _ := layoutArena(path, nil, n)
	// Corrupt base_name_start to exceed full_path_len.
	putU16(data, off+offBaseNameStart, 5)

	if _, err := decodeNode(buf{data: data}, off, uint32(len(data))); err == nil {
		t.Fatalf("expected CorruptIndex for base_name_start exceeding full_path_len")
	}
}

func TestNodeDecodeInvalidMtimeNanoseconds(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, Flags: WdirTracked | HasModeAndSize | HasMtime}
	data, off, _, _ := layoutArena(path, nil, n)
	putU32(data, off+offMtimeNanoseconds, 1_000_000_000)

	if _, err := decodeNode(buf{data: data}, off, uint32(len(data))); err == nil {
		t.Fatalf("expected CorruptIndex for out-of-range mtime nanoseconds")
	}
}

func TestNodeDecodeUntrackedWithModeAndSizeIsCorrupt(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, Flags: HasModeAndSize}
	data, off, _, _ := layoutArena(path, nil, n)

	if _, err := decodeNode(buf{data: data}, off, uint32(len(data))); err == nil {
		t.Fatalf("expected CorruptIndex for an untracked node claiming HasModeAndSize")
	}
}

func TestNodeDecodeUntrackedWithNonZeroSizeIsCorrupt(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, Size: 17}
	data, off, _, _ := layoutArena(path, nil, n)

	if _, err := decodeNode(buf{data: data}, off, uint32(len(data))); err == nil {
		t.Fatalf("expected CorruptIndex for an untracked node with a non-zero size")
	}
}

func TestNodeDecodeExpectedStateIsModifiedRequiresModeAndMtime(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, Flags: WdirTracked | ExpectedStateIsModified}
	data, off, _, _ := layoutArena(path, nil, n)

	if _, err := decodeNode(buf{data: data}, off, uint32(len(data))); err == nil {
		t.Fatalf("expected CorruptIndex for ExpectedStateIsModified without HasModeAndSize/HasMtime")
	}
}

func TestNodeDecodeChildrenPtrOutOfRange(t *testing.T) {
	path := []byte("x")
	n := Node{FullPath: path, ChildrenPtr: 1_000_000, Children: 1}
	data, off, _, _ := layoutArena(path, nil, n)

	if _, err := decodeNode(buf{data: data}, off, uint32(len(data))); err == nil {
		t.Fatalf("expected CorruptIndex for a children_ptr/count exceeding used_size")
	}
}

func TestBaseNameOutOfRangeReturnsNil(t *testing.T) {
	n := Node{FullPath: []byte("abc"), BaseStart: 10}
	if n.BaseName() != nil {
		t.Fatalf("expected nil BaseName for an out-of-range BaseStart")
	}
}
