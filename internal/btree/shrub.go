package btree

import (
	"github.com/distr1/lfs3/internal/rbyd"
)

// Kind discriminates the three shapes a BShrub can take (spec.md §4.5,
// §9 "Polymorphism": "a tagged sum {null, shrub(trunk), btree(root)}").
type Kind uint8

const (
	KindNull Kind = iota
	KindShrub
	KindBTree
)

// BShrub is a file's data structure: nothing, an inline shrub trunk
// living inside the host mdir's rbyd block, or a promoted first-class
// B-tree (spec.md §4.5).
type BShrub struct {
	Kind Kind

	// Valid when Kind == KindShrub: the trunk lives inside HostBlock,
	// flagged by the high bit of the trunk offset
	// (LFS3_RBYD_ISSHRUB, spec.md §4.5).
	HostBlock uint32
	Trunk     uint32
	Weight    int32

	// Valid when Kind == KindBTree.
	Root Root
}

const shrubTrunkFlag = uint32(1) << 31

// EncodeTrunk packs a shrub trunk offset with its ISSHRUB flag set.
func EncodeTrunk(off uint32) uint32 { return off | shrubTrunkFlag }

// DecodeTrunk strips the ISSHRUB flag, reporting whether it was set.
func DecodeTrunk(v uint32) (off uint32, isShrub bool) {
	return v &^ shrubTrunkFlag, v&shrubTrunkFlag != 0
}

// ShouldPromote implements spec.md §4.5's "Promotion rule": a bshrub
// stays inline while its estimated compacted size is at most half the
// inline budget (soft limit, preferred) and absolutely at most the
// full inline budget (hard limit, forced). Above the hard limit the
// caller must convert to a first-class B-tree.
func ShouldPromote(estimatedSize int, inlineSize uint32) bool {
	return uint32(estimatedSize) > inlineSize
}

// PrefersShrub is the soft-limit check used when deciding whether newly
// written data should still try to stay inlined rather than eagerly
// promoting (spec.md §4.5: "remains a shrub while ... ≤ inline_size/2").
func PrefersShrub(estimatedSize int, inlineSize uint32) bool {
	return uint32(estimatedSize) <= inlineSize/2
}

// Promote converts a shrub into a first-class single-leaf B-tree rooted
// at a freshly allocated block, copying the shrub's rows verbatim
// (spec.md §4.5 "Overflow triggers conversion to a first-class B-tree").
func Promote(dev rbyd.Device, alloc Alloc, rows []rbyd.RawRow) (Root, error) {
	block, err := alloc()
	if err != nil {
		return Root{}, err
	}
	node := rbyd.New(dev, block)
	node.SetRows(rows)
	if err := node.Commit(nil, rbyd.CommitOpts{NextRev: 1}); err != nil {
		return Root{}, err
	}
	return Root{Block: block, Weight: node.Weight()}, nil
}
