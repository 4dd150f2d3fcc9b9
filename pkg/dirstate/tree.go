// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"bytes"
	"sort"
	"strings"

	"github.com/golang/groupcache/lru"
)

// defaultChildRunCacheSize bounds the number of decoded sibling runs
// the Tree keeps around, the way client/blb/lookup_cache.go bounds its
// partition->curator forward cache.
const defaultChildRunCacheSize = 4096

// Tree is the read-only façade over a loaded data file: a sorted,
// hierarchical map keyed by full path (spec.md §4.2). It supports
// point lookup, descent to a directory node, and ordered depth-first
// iteration. A Tree never mutates its backing buffer.
type Tree struct {
	b        buf
	usedSize uint32

	rootPtr   uint32
	rootCount uint32

	// cache holds decoded sibling runs keyed by their children_ptr, so
	// repeated Lookup/Children calls against a hot directory (as a
	// status walk performs) don't re-decode it every time. Grounded
	// in client/blb/lookup_cache.go's forward LRU.
	cache *lru.Cache
}

// NewTree builds a Tree over data[:usedSize] rooted at (rootPtr,
// rootCount), typically taken directly from a Docket's TreeMetadata.
func NewTree(data []byte, usedSize, rootPtr, rootCount uint32) *Tree {
	return &Tree{
		b:         buf{data: data},
		usedSize:  usedSize,
		rootPtr:   rootPtr,
		rootCount: rootCount,
		cache:     lru.New(defaultChildRunCacheSize),
	}
}

// Root returns the root sibling run (the top-level tracked paths).
func (t *Tree) Root() ([]Node, error) {
	return t.children(t.rootPtr, t.rootCount)
}

// Children decodes and returns the sibling run of n's children.
func (t *Tree) Children(n Node) ([]Node, error) {
	return t.children(n.ChildrenPtr, n.Children)
}

func (t *Tree) children(ptr, count uint32) ([]Node, error) {
	if count == 0 {
		return nil, nil
	}
	// A non-root (ptr, count) was already bounds-checked by decodeNode
	// when the parent node that carries it was decoded; the root
	// (ptr, count) comes straight from the docket header with no such
	// check. Validate before allocating, or a corrupt/crafted docket
	// claiming a huge root_count can force an OOM-sized allocation
	// before the per-node decode loop ever gets a chance to reject it.
	if uint64(ptr)+uint64(nodeSize)*uint64(count) > uint64(t.usedSize) {
		return nil, corrupt("children_ptr %d + %d*%d exceeds used_size %d", ptr, nodeSize, count, t.usedSize)
	}
	if v, ok := t.cache.Get(ptr); ok {
		return v.([]Node), nil
	}

	nodes := make([]Node, count)
	for i := uint32(0); i < count; i++ {
		off := ptr + i*nodeSize
		n, err := decodeNode(t.b, off, t.usedSize)
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	if err := checkSiblingOrder(nodes); err != nil {
		return nil, err
	}

	t.cache.Add(ptr, nodes)
	return nodes, nil
}

// checkSiblingOrder enforces spec.md §3/§8's invariant 2: siblings
// must be sorted ascending, unique, by base name.
func checkSiblingOrder(nodes []Node) error {
	for i := 1; i < len(nodes); i++ {
		if bytes.Compare(nodes[i-1].BaseName(), nodes[i].BaseName()) >= 0 {
			return corrupt("siblings not strictly sorted: %q >= %q", nodes[i-1].BaseName(), nodes[i].BaseName())
		}
	}
	return nil
}

// Lookup performs a point lookup for the full path p (slash
// separated, no leading slash), per spec.md §4.2: split at each '/',
// binary-search the current sibling run by base name, descend.
func (t *Tree) Lookup(p string) (Node, bool, error) {
	siblings, err := t.Root()
	if err != nil {
		return Node{}, false, err
	}

	rest := p
	for {
		head, tail, more := cutPath(rest)

		idx, found := searchBaseName(siblings, head)
		if !found {
			return Node{}, false, nil
		}
		n := siblings[idx]
		if !more {
			return n, true, nil
		}
		siblings, err = t.Children(n)
		if err != nil {
			return Node{}, false, err
		}
		rest = tail
	}
}

// cutPath splits p at the first '/', returning the head component,
// the remainder after the slash, and whether a remainder exists.
func cutPath(p string) (head, tail string, more bool) {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i+1:], true
	}
	return p, "", false
}

// searchBaseName binary-searches siblings (sorted by base name, per
// the ordering invariant) for base. Complexity O(log fan-out).
func searchBaseName(siblings []Node, base string) (int, bool) {
	lo, hi := 0, len(siblings)
	i := sort.Search(hi-lo, func(i int) bool {
		return string(siblings[i].BaseName()) >= base
	})
	if i < len(siblings) && string(siblings[i].BaseName()) == base {
		return i, true
	}
	return 0, false
}

// Walk calls visit for every node in the tree in depth-first order,
// siblings in stored (= sorted) order, passing each node's full path.
// Walk stops and returns the first error visit or decoding returns.
func (t *Tree) Walk(visit func(path string, n Node) error) error {
	root, err := t.Root()
	if err != nil {
		return err
	}
	return t.walkSiblings(root, visit)
}

func (t *Tree) walkSiblings(siblings []Node, visit func(string, Node) error) error {
	for _, n := range siblings {
		if err := visit(string(n.FullPath), n); err != nil {
			return err
		}
		if n.Children == 0 {
			continue
		}
		children, err := t.Children(n)
		if err != nil {
			return err
		}
		if err := t.walkSiblings(children, visit); err != nil {
			return err
		}
	}
	return nil
}
