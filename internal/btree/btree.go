// Package btree implements the multi-block B-tree built over rbyds
// (spec.md §4.4), and its inlined "shrub" variant (spec.md §4.5): a
// bshrub is null, a shrub (a secondary trunk inside a host rbyd), or a
// full B-tree, chosen dynamically by size.
//
// Inner nodes are rbyds whose rows hold BRANCH entries of the form
// (weight, block, cksum); weights sum from leaves
// to root (spec.md §8 property 4).
package btree

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

// Branch is a pointer to a child rbyd: its weight (the subtree weight
// it covers), its block, and a checksum guarding against stale reads
// (spec.md §9 "every branch pointer includes the child's CRC" as the
// cycle-prevention mechanism for B-tree structure, mirroring Brent's
// algorithm for the mroot chain).
type Branch struct {
	Weight int32
	Block  uint32
	Cksum  uint32
}

func EncodeBranch(b Branch) []byte {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(b.Weight))
	binary.LittleEndian.PutUint32(buf[4:8], b.Block)
	binary.LittleEndian.PutUint32(buf[8:12], b.Cksum)
	return buf[:]
}

func DecodeBranch(data []byte) (Branch, error) {
	if len(data) != 12 {
		return Branch{}, xerrors.Errorf("btree: malformed BRANCH entry (%d bytes)", len(data))
	}
	return Branch{
		Weight: int32(binary.LittleEndian.Uint32(data[0:4])),
		Block:  binary.LittleEndian.Uint32(data[4:8]),
		Cksum:  binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// Root is a B-tree's root descriptor as stored in its parent structure
// (an MTREE tag, a file's BTREE tag, or nothing for an empty tree).
type Root struct {
	Weight int32
	Block  uint32
}

// Alloc allocates a fresh block number; callers bind it to the real
// allocator (internal/alloc), decoupling btree from allocation policy.
type Alloc func() (uint32, error)

// Tree is an open handle onto a B-tree rooted at Root, bound to a
// Device and Alloc for fetching/writing child rbyds.
type Tree struct {
	dev   rbyd.Device
	alloc Alloc

	root Root
}

func Open(dev rbyd.Device, alloc Alloc, root Root) *Tree {
	return &Tree{dev: dev, alloc: alloc, root: root}
}

func (t *Tree) Root() Root { return t.root }
func (t *Tree) Weight() int32 {
	return t.root.Weight
}

// Lookup descends the tree to find the leaf rbyd and local rid owning
// global weight-coordinate bid, subtracting each level's preceding
// siblings' weight as it goes (spec.md §4.4 "Lookup leaf").
func (t *Tree) Lookup(bid int32) (leaf *rbyd.Tree, rid int32, err error) {
	if t.root.Block == 0 && t.root.Weight == 0 {
		return nil, 0, xerrors.Errorf("btree: empty tree")
	}
	block := t.root.Block
	remaining := bid

	for {
		node, ferr := rbyd.Fetch(t.dev, block)
		if ferr != nil {
			return nil, 0, xerrors.Errorf("btree: fetch node %d: %w", block, ferr)
		}
		isLeaf, idx, loc := locateChild(node, remaining)
		if isLeaf {
			if idx >= node.Rows() {
				return nil, 0, xerrors.Errorf("btree: bid %d out of range (weight %d)", bid, t.root.Weight)
			}
			return node, int32(idx), nil
		}
		block = loc.block
		remaining -= loc.weight
	}
}

// LookupName descends using the rbyd name-comparison primitive at every
// level, for named B-trees (spec.md §4.4 "Name lookup").
func (t *Tree) LookupName(nameTag tag.Kind, cmp func([]byte) int) (*rbyd.Tree, rbyd.Result, error) {
	block := t.root.Block
	for {
		node, err := rbyd.Fetch(t.dev, block)
		if err != nil {
			return nil, rbyd.Result{}, xerrors.Errorf("btree: fetch node %d: %w", block, err)
		}
		res, ok := node.LookupName(nameTag, cmp)
		if !ok {
			return nil, rbyd.Result{}, xerrors.Errorf("btree: name not found")
		}
		if br, ok2 := node.Lookup(res.Rid, tag.StructBranch); ok2 {
			b, err := DecodeBranch(br)
			if err != nil {
				return nil, rbyd.Result{}, err
			}
			block = b.Block
			continue
		}
		return node, res, nil
	}
}
