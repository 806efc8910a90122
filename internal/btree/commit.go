package btree

import (
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

// FileLimit and BlockSize bound the tag-estimate computation (spec.md
// §4.3 "Estimate"); Tree callers set these once at open time via Limits.
type Limits struct {
	FileLimit uint32
	BlockSize uint32
}

// Commit applies attrs to the leaf owning weight-coordinate bid,
// splitting, relocating, or growing the tree's height as needed, and
// updates t.root on success (spec.md §4.4 "Commit").
//
// This implementation does not merge underfull siblings back together
// (spec.md §4.4 step 2's "Merge" case): merging is a space-reclamation
// optimization, not required by any of the correctness invariants in
// spec.md §8, so it is left to a future compaction pass
// (internal/traverse's "compact" phase) rather than every commit. See
// DESIGN.md.
func (t *Tree) Commit(bid int32, attrs []rbyd.Attr, lim Limits) error {
	if t.root.Block == 0 && t.root.Weight == 0 && len(attrs) > 0 {
		// first insert into an empty tree: seed a fresh root leaf.
		block, err := t.alloc()
		if err != nil {
			return err
		}
		if err := rbyd.New(t.dev, block).Commit(nil, rbyd.CommitOpts{NextRev: 1}); err != nil {
			return err
		}
		t.root = Root{Block: block}
	}

	branches, err := t.commitAt(t.root.Block, bid, attrs, lim)
	if err != nil {
		return err
	}

	switch len(branches) {
	case 1:
		t.root = Root{Block: branches[0].Block, Weight: branches[0].Weight}
	default:
		// the root itself split: grow the tree by one level.
		newRoot, err := t.alloc()
		if err != nil {
			return err
		}
		node := rbyd.New(t.dev, newRoot)
		var rows []rbyd.RawRow
		for _, b := range branches {
			rows = append(rows, rbyd.RawRow{
				Weight: b.Weight,
				Tags:   []rbyd.RawTag{{Tag: tag.StructBranch, Data: EncodeBranch(b)}},
			})
		}
		node.SetRows(rows)
		if err := node.Commit(nil, rbyd.CommitOpts{NextRev: 1}); err != nil {
			return err
		}
		var total int32
		for _, b := range branches {
			total += b.Weight
		}
		t.root = Root{Block: newRoot, Weight: total}
	}
	return nil
}

// commitAt applies attrs (targeting the leaf under weight-coordinate
// bid relative to block's subtree) and returns the one or two Branch
// descriptors that should replace block's entry in its parent (spec.md
// §4.4 "Commit" steps 1-3).
func (t *Tree) commitAt(block uint32, bid int32, attrs []rbyd.Attr, lim Limits) ([]Branch, error) {
	node, err := rbyd.Fetch(t.dev, block)
	if err != nil {
		return nil, err
	}

	isLeaf, childIdx, childOff := locateChild(node, bid)
	if !isLeaf {
		oldWeight := node.RowWeight(childIdx)
		childBranches, err := t.commitAt(childOff.block, bid-childOff.weight, attrs, lim)
		if err != nil {
			return nil, err
		}
		structAttrs := replaceChildAttrs(childIdx, oldWeight, childBranches)
		return t.applyAndMaybeSplit(node, block, structAttrs, lim)
	}

	// A leaf: attrs were authored against the local rid the caller
	// intends to touch (childIdx), not the global weight-coordinate
	// bid, since rbyd.Attr.Rid is a row-array index within this node.
	localAttrs := make([]rbyd.Attr, len(attrs))
	for i, a := range attrs {
		a.Rid = int32(childIdx)
		localAttrs[i] = a
	}
	return t.applyAndMaybeSplit(node, block, localAttrs, lim)
}

type childLoc struct {
	block  uint32
	weight int32 // cumulative weight of siblings before this child
}

// locateChild walks node's rows to find which child (or, if node is a
// leaf, which local rid) owns bid. A node is a leaf iff its rows carry
// no StructBranch tags at all; that determination is made once, up
// front, rather than per-row, so an existing leaf's later rows are not
// mistaken for "not yet a branch" and collapsed onto row 0.
func locateChild(node *rbyd.Tree, bid int32) (isLeaf bool, idx int, loc childLoc) {
	n := node.Rows()
	if n == 0 {
		return true, 0, childLoc{}
	}
	_, isBranchNode := node.Lookup(0, tag.StructBranch)

	var w int32
	for i := 0; i < n; i++ {
		rw := node.RowWeight(i)
		if bid < w+rw {
			if !isBranchNode {
				return true, i, childLoc{weight: w}
			}
			if data, ok := node.Lookup(int32(i), tag.StructBranch); ok {
				if br, err := DecodeBranch(data); err == nil {
					return false, i, childLoc{block: br.Block, weight: w}
				}
			}
		}
		w += rw
	}

	// past the end: treat as belonging to the last child/row, matching
	// an append at the tree's current weight.
	last := n - 1
	if !isBranchNode {
		return true, n, childLoc{weight: w}
	}
	lastWeight := node.RowWeight(last)
	if data, ok := node.Lookup(int32(last), tag.StructBranch); ok {
		if br, err := DecodeBranch(data); err == nil {
			return false, last, childLoc{block: br.Block, weight: w - lastWeight}
		}
	}
	return true, n, childLoc{weight: w}
}

func replaceChildAttrs(idx int, oldWeight int32, branches []Branch) []rbyd.Attr {
	if len(branches) == 1 {
		b := branches[0]
		return []rbyd.Attr{{
			Rid: int32(idx), Tag: tag.StructBranch, Data: EncodeBranch(b),
			Delta: b.Weight - oldWeight, Grow: true,
		}}
	}
	left, right := branches[0], branches[1]
	return []rbyd.Attr{
		{Rid: int32(idx), Delta: -1},
		{Rid: int32(idx), Delta: right.Weight, Tag: tag.StructBranch, Data: EncodeBranch(right)},
		{Rid: int32(idx), Delta: left.Weight, Tag: tag.StructBranch, Data: EncodeBranch(left)},
	}
}

// applyAndMaybeSplit commits attrs into node; on overflow it splits the
// (already-mutated-in-RAM) row set in two around the estimated
// split_rid (spec.md §4.3 "Estimate", §4.4 "Commit" step 2 "Split").
func (t *Tree) applyAndMaybeSplit(node *rbyd.Tree, block uint32, attrs []rbyd.Attr, lim Limits) ([]Branch, error) {
	err := node.Commit(attrs, rbyd.CommitOpts{NextRev: node.Rev + 1})
	if err == nil {
		return []Branch{{Weight: node.Weight(), Block: block, Cksum: node.Cksum}}, nil
	}
	if err != rbyd.ErrRange {
		return nil, err
	}

	// node now holds the fully mutated row set in RAM (AppendAttr
	// always succeeds; only the flush failed), so split directly from
	// it per spec.md §4.3's "Estimate" bisection.
	_, splitRid := node.EstimateSize(lim.FileLimit, lim.BlockSize)
	if splitRid <= 0 {
		splitRid = int32(node.Rows() / 2)
	}
	if int(splitRid) >= node.Rows() {
		splitRid = int32(node.Rows() - 1)
	}
	if splitRid < 1 {
		splitRid = 1
	}

	all := node.Export()
	leftRows, rightRows := all[:splitRid], all[splitRid:]

	rightBlock, err := t.alloc()
	if err != nil {
		return nil, err
	}

	left := rbyd.New(t.dev, block)
	left.SetRows(leftRows)
	if err := left.Commit(nil, rbyd.CommitOpts{NextRev: node.Rev + 1}); err != nil {
		return nil, err
	}

	right := rbyd.New(t.dev, rightBlock)
	right.SetRows(rightRows)
	if err := right.Commit(nil, rbyd.CommitOpts{NextRev: 1}); err != nil {
		return nil, err
	}

	return []Branch{
		{Weight: left.Weight(), Block: block, Cksum: left.Cksum},
		{Weight: right.Weight(), Block: rightBlock, Cksum: right.Cksum},
	}, nil
}
