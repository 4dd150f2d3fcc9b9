// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import "sort"

// mergeResult is what mergeChildren/deepCopyChildren return: the
// sibling run they just wrote, plus the aggregate counters a parent
// node folds into its own DescendantsWithEntry/TrackedDescendants
// fields and, ultimately, into the docket's TreeMetadata.
type mergeResult struct {
	ptr   uint32
	count uint32

	descWithEntry uint32
	trackedDesc   uint32
	copySrcCount  uint32
}

// mergeItem pairs a fully-built Node with the total number of
// copy-sources in its own subtree (including itself). Node has no
// field for this aggregate — unlike DescendantsWithEntry and
// TrackedDescendants, it's only ever needed transiently while
// building a parent's counters — so it travels alongside the node
// instead of inside it.
type mergeItem struct {
	node         Node
	copySrcTotal uint32
}

// selfContribution reports whether n itself counts toward its
// parent's "descendant with entry" / "tracked descendant" totals.
func selfContribution(n Node) (descWithEntry, tracked uint32) {
	if n.Flags.TrackedAnywhere() {
		descWithEntry = 1
	}
	if n.Flags.Has(WdirTracked) {
		tracked = 1
	}
	return
}

// mergeChildren produces the new sibling run for one directory level,
// folding overlay changes into base (base may be nil). parentPath is
// the slash-joined path of the directory these siblings belong to
// ("" at the root), used to build full paths for nodes the overlay
// introduces or passes through without a base counterpart.
//
// Three cases per key, per spec.md §4.5 and §9's merge discussion:
//   - no overlay entry at all: the whole subtree is untouched. Fresh
//     mode must still deep-copy it (old offsets are invalid in a new
//     file); Append mode reuses it as-is and only pays for re-writing
//     this one sibling's own record, since the sibling run it belongs
//     to is being rewritten contiguously regardless (spec.md §8
//     invariant 2).
//   - overlay entry marked removed: the node (and, in Append mode, its
//     whole subtree) is dropped and its old bytes become unreachable.
//   - overlay entry present and not removed: either a changed leaf, a
//     brand-new entry, or a pass-through ancestor the overlay created
//     implicitly while recording a deeper change. Recurse into its
//     children and rebuild its own record from the overlay Entry (or,
//     for a pass-through with no Entry, from the unchanged base node,
//     or as an all-zero synthesized directory node if neither exists).
func (c *mergeCtx) mergeChildren(parentPath string, base []Node, overlay map[string]*overlayNode) (mergeResult, error) {
	keys := unionKeys(base, overlay)
	items := make([]mergeItem, 0, len(keys))

	for _, key := range keys {
		baseNode, hasBase := findBase(base, key)
		ov, hasOv := overlay[key]

		switch {
		case !hasOv:
			if !hasBase {
				continue
			}
			if c.fresh {
				item, err := c.deepCopyNode(baseNode)
				if err != nil {
					return mergeResult{}, err
				}
				items = append(items, item)
				continue
			}
			c.replacedBytes += nodeSize + uint32(len(baseNode.FullPath)) + uint32(len(baseNode.CopySource))
			copySrcTotal, err := c.subtreeCopySourceTotal(baseNode)
			if err != nil {
				return mergeResult{}, err
			}
			items = append(items, mergeItem{node: *baseNode, copySrcTotal: copySrcTotal})

		case ov.removed:
			if hasBase && !c.fresh {
				size, err := c.subtreeByteSize(baseNode)
				if err != nil {
					return mergeResult{}, err
				}
				c.replacedBytes += size
			}
			continue

		default:
			childPath := joinPath(parentPath, key)

			var childBase []Node
			if hasBase {
				var err error
				childBase, err = c.decodeBaseChildren(baseNode)
				if err != nil {
					return mergeResult{}, err
				}
				if !c.fresh {
					c.replacedBytes += nodeSize + uint32(len(baseNode.FullPath)) + uint32(len(baseNode.CopySource))
				}
			}

			sub, err := c.mergeChildren(childPath, childBase, ov.children)
			if err != nil {
				return mergeResult{}, err
			}

			nn := Node{
				FullPath:             []byte(childPath),
				BaseStart:            uint16(len(childPath) - len(key)),
				ChildrenPtr:          sub.ptr,
				Children:             sub.count,
				DescendantsWithEntry: sub.descWithEntry,
				TrackedDescendants:   sub.trackedDesc,
			}

			selfCopy := uint32(0)
			switch {
			case ov.entry != nil:
				e := ov.entry
				nn.Flags = e.Flags.Clean()
				nn.Size = e.Size
				nn.MtimeSeconds = e.MtimeSeconds
				nn.MtimeNanoseconds = e.MtimeNanoseconds
				if e.CopySource != "" {
					nn.CopySource = []byte(e.CopySource)
					selfCopy = 1
				}
			case hasBase:
				nn.Flags = baseNode.Flags
				nn.Size = baseNode.Size
				nn.MtimeSeconds = baseNode.MtimeSeconds
				nn.MtimeNanoseconds = baseNode.MtimeNanoseconds
				if len(baseNode.CopySource) > 0 {
					nn.CopySource = baseNode.CopySource
					selfCopy = 1
				}
			default:
				// Synthesized pass-through directory node: the
				// overlay only needed this path to exist as an
				// ancestor of a deeper change. It carries no
				// tracked state of its own.
				nn.Flags = Directory
			}

			if err := validateNodeFlags(nn.Flags, nn.Size); err != nil {
				return mergeResult{}, err
			}

			items = append(items, mergeItem{node: nn, copySrcTotal: sub.copySrcCount + selfCopy})
		}
	}

	return c.writeSiblingRun(items)
}

// writeSiblingRun serializes items as one contiguous sibling run
// (spec.md §8 invariant 2) at the end of the tail and returns the
// aggregate counters a parent folds into its own fields.
func (c *mergeCtx) writeSiblingRun(items []mergeItem) (mergeResult, error) {
	if len(items) == 0 {
		return mergeResult{}, nil
	}

	blockOff := c.alloc(nodeSize * uint32(len(items)))

	var res mergeResult
	res.ptr = blockOff
	res.count = uint32(len(items))

	for i, item := range items {
		n := item.node
		fullPathPtr := c.appendBytes(n.FullPath)
		var copySourcePtr uint32
		if len(n.CopySource) > 0 {
			copySourcePtr = c.appendBytes(n.CopySource)
		}

		recOff := blockOff + uint32(i)*nodeSize
		encodeNode(c.tail, recOff-c.origin, n, fullPathPtr, copySourcePtr)

		selfDesc, selfTracked := selfContribution(n)
		res.descWithEntry += n.DescendantsWithEntry + selfDesc
		res.trackedDesc += n.TrackedDescendants + selfTracked
		res.copySrcCount += item.copySrcTotal
	}

	return res, nil
}

// deepCopyChildren re-serializes base and all its descendants into
// the tail unchanged, for the parts of a Fresh-mode tree the overlay
// never touched.
func (c *mergeCtx) deepCopyChildren(base []Node) (mergeResult, error) {
	items := make([]mergeItem, 0, len(base))
	for i := range base {
		item, err := c.deepCopyNode(&base[i])
		if err != nil {
			return mergeResult{}, err
		}
		items = append(items, item)
	}
	return c.writeSiblingRun(items)
}

func (c *mergeCtx) deepCopyNode(n *Node) (mergeItem, error) {
	children, err := c.decodeBaseChildren(n)
	if err != nil {
		return mergeItem{}, err
	}
	sub, err := c.deepCopyChildren(children)
	if err != nil {
		return mergeItem{}, err
	}

	nn := *n
	nn.ChildrenPtr = sub.ptr
	nn.Children = sub.count
	nn.DescendantsWithEntry = sub.descWithEntry
	nn.TrackedDescendants = sub.trackedDesc

	selfCopy := uint32(0)
	if len(n.CopySource) > 0 {
		selfCopy = 1
	}
	return mergeItem{node: nn, copySrcTotal: sub.copySrcCount + selfCopy}, nil
}

// decodeBaseChildren decodes n's sibling run from the base
// generation's data, bounded by the base generation's own used_size
// (not c.origin/c.tail, which belong to the generation being built).
func (c *mergeCtx) decodeBaseChildren(n *Node) ([]Node, error) {
	if n.Children == 0 {
		return nil, nil
	}
	b := buf{data: c.baseData}
	nodes := make([]Node, n.Children)
	for i := uint32(0); i < n.Children; i++ {
		off := n.ChildrenPtr + i*nodeSize
		nn, err := decodeNode(b, off, c.baseUsedSize)
		if err != nil {
			return nil, err
		}
		nodes[i] = nn
	}
	if err := checkSiblingOrder(nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// subtreeCopySourceTotal walks n and its descendants in the base
// generation, counting nodes with a non-zero copy source. Needed only
// when Append mode reuses an untouched subtree as-is: the subtree's
// own DescendantsWithEntry/TrackedDescendants fields are already
// correct and carried over unchanged, but there is no equivalent
// stored field for copy-source count to reuse.
func (c *mergeCtx) subtreeCopySourceTotal(n *Node) (uint32, error) {
	total := uint32(0)
	if len(n.CopySource) > 0 {
		total = 1
	}
	children, err := c.decodeBaseChildren(n)
	if err != nil {
		return 0, err
	}
	for i := range children {
		t, err := c.subtreeCopySourceTotal(&children[i])
		if err != nil {
			return 0, err
		}
		total += t
	}
	return total, nil
}

// subtreeByteSize walks n and its descendants in the base generation,
// summing the bytes their node records and path/copy-source text
// occupy, for the unreachable_bytes estimate when the overlay removes
// a whole subtree (spec.md §3's "unreachable_bytes... estimate").
func (c *mergeCtx) subtreeByteSize(n *Node) (uint32, error) {
	size := nodeSize + uint32(len(n.FullPath)) + uint32(len(n.CopySource))
	children, err := c.decodeBaseChildren(n)
	if err != nil {
		return 0, err
	}
	for i := range children {
		s, err := c.subtreeByteSize(&children[i])
		if err != nil {
			return 0, err
		}
		size += s
	}
	return size, nil
}

// unionKeys returns the sorted union of base's basenames and
// overlay's keys, matching the ascending-by-basename sibling order
// the format requires.
func unionKeys(base []Node, overlay map[string]*overlayNode) []string {
	set := make(map[string]struct{}, len(base)+len(overlay))
	for i := range base {
		set[string(base[i].BaseName())] = struct{}{}
	}
	for k := range overlay {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func findBase(base []Node, key string) (*Node, bool) {
	for i := range base {
		if string(base[i].BaseName()) == key {
			return &base[i], true
		}
	}
	return nil, false
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "/" + key
}
