// Package rbyd implements the red-black-yellow-Dhara tree: an
// append-only, copy-on-write, self-balancing search tree that lives
// inside a single erase block (spec.md §4.3). Every mutable on-disk
// structure in lfs3 — mdir records, B-tree nodes, shrubs — is an rbyd.
package rbyd

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/crc"
	"github.com/distr1/lfs3/internal/tag"
)

// Device is the subset of *bd.Cached an rbyd needs: cached block reads
// and appends. Kept as an interface here (rather than importing
// internal/bd directly into every signature) so tests can fake it.
type Device interface {
	Read(block, off uint32, buf []byte, hint int32) error
	Prog(block, off uint32, buf []byte) error
	Erase(block uint32) error
	Sync() error
	ReadSize() uint32
	ProgSize() uint32
	BlockSize() uint32
	BlockCount() uint32
}

// entry is one (rid, tag) -> bytes pair, the user-visible unit spec.md
// §3 defines an rbyd as a set of.
type entry struct {
	t    tag.Kind
	data []byte
}

// row is everything attached to one local id slot: its weight (for
// B-tree subtree-weight propagation) and its tags, kept sorted by Kind.
type row struct {
	weight int32
	tags   []entry
}

func (r *row) find(k tag.Kind) int {
	return sort.Search(len(r.tags), func(i int) bool { return r.tags[i].t >= k })
}

func (r *row) get(k tag.Kind) ([]byte, bool) {
	i := r.find(k)
	if i < len(r.tags) && r.tags[i].t == k {
		return r.tags[i].data, true
	}
	return nil, false
}

func (r *row) put(k tag.Kind, data []byte) {
	i := r.find(k)
	if i < len(r.tags) && r.tags[i].t == k {
		r.tags[i].data = data
		return
	}
	r.tags = append(r.tags, entry{})
	copy(r.tags[i+1:], r.tags[i:])
	r.tags[i] = entry{t: k, data: data}
}

func (r *row) delete(k tag.Kind) {
	i := r.find(k)
	if i < len(r.tags) && r.tags[i].t == k {
		r.tags = append(r.tags[:i], r.tags[i+1:]...)
	}
}

// Tree is an in-RAM view of one rbyd. Every mutation goes through
// AppendAttr, which updates the row set directly rather than threading
// individual inserts through an incremental alt-tree rebalance (see
// DESIGN.md); the row set is always fully re-encoded into a fresh,
// balanced trunk when it's time to write. What distinguishes a cheap
// write from an expensive one is WHERE that trunk lands: Append writes
// it as a new, independently-checksummed commit record immediately
// after whatever is already in the block (no erase, spec.md §4.7 stage
// 4's "try a rbyd append into the live half"), while Commit/Compact
// always start over at revSize, discarding any earlier commits in the
// block (the rare stage-5 path, and the only option for a block that
// hasn't been Fetched/Appended into yet).
type Tree struct {
	dev   Device
	Block uint32

	rows []row

	// on-disk bookkeeping from the most recent successful Fetch/Commit.
	Rev     uint32
	Trunk   uint32 // byte offset of the first tag of the active trunk
	EOff    uint32 // offset immediately past the last committed CKSUM
	Cksum   uint32
	Perturb bool
	Shrub   bool // ISSHRUB: this trunk is a secondary trunk within a host block
}

// New creates an empty, unfetched rbyd bound to block on dev, ready for
// its first Commit.
func New(dev Device, block uint32) *Tree {
	return &Tree{dev: dev, Block: block}
}

// Weight returns the tree's total weight (sum of all rows' weight),
// i.e. root.weight in spec.md §8 property 4.
func (t *Tree) Weight() int32 {
	var w int32
	for i := range t.rows {
		w += t.rows[i].weight
	}
	return w
}

// Rows returns the number of local id slots currently held.
func (t *Tree) Rows() int { return len(t.rows) }

// RowWeight returns the weight attached to local rid.
func (t *Tree) RowWeight(rid int) int32 {
	if rid < 0 || rid >= len(t.rows) {
		return 0
	}
	return t.rows[rid].weight
}

var errRange = xerrors.New("rbyd: commit exceeds block capacity")

// ErrRange is returned by Commit when the serialized trunk would not
// fit in the block, signalling the caller (the mdir/B-tree commit
// pipeline, spec.md §4.4 step 2 and §4.7 step 5) to split, merge, or
// relocate.
var ErrRange = errRange

const oddZero = crc.ODDZERO
