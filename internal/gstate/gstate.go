// Package gstate implements the filesystem's global state accumulator
// (spec.md §3 "gstate", §4.7 stage 2/9): an XOR-accumulator of pending
// grm (global remove) entries and a running gcksum, validated via
// crc.Cube rather than plain XOR so that per-mdir deltas cannot cancel
// each other out and hide a lost commit.
package gstate

import (
	"github.com/distr1/lfs3/internal/crc"
)

// MaxGRM is the number of mids a single GRM queue entry can hold before
// it must be flushed as its own commit (spec.md glossary "grm").
const MaxGRM = 2

// GRM is the pending global-remove queue: up to MaxGRM mids awaiting
// the removal of their orphaned bookmark/stickynote tags.
type GRM struct {
	Mids [MaxGRM]int32
	N    int
}

func (g GRM) Has(mid int32) bool {
	for i := 0; i < g.N; i++ {
		if g.Mids[i] == mid {
			return true
		}
	}
	return false
}

func (g *GRM) Push(mid int32) bool {
	if g.N >= MaxGRM {
		return false
	}
	g.Mids[g.N] = mid
	g.N++
	return true
}

func (g *GRM) Clear() { *g = GRM{} }

// State is the in-RAM global state: the committed gcksum (the value
// mounted from, or last successfully committed) and the pending delta
// accumulated by the commit currently in flight.
//
// Invariant (spec.md §8 property 6): at any consistent mount point,
// cube(gcksum) == XOR of every mdir's GCKSUMDELTA. gcksum itself is
// never written bit-for-bit; only its cube is, so a torn write of
// gcksum can never masquerade as a valid smaller delta.
type State struct {
	GCksum uint32
	GRM    GRM

	// pending holds this-commit-in-flight deltas, applied to the
	// committed fields only by Commit, and discarded by Revert
	// (spec.md §4.7 "3-deep rollback" / "revertgdelta").
	pendingCksumDelta uint32
	pendingGRM        GRM
	dirty             bool
}

// Delta folds a newly committed mdir's live cksum change into the
// pending gcksum delta (spec.md §3: "cube(live_cksum_before) XOR
// cube(live_cksum_after)").
func (s *State) Delta(before, after uint32) {
	s.pendingCksumDelta ^= crc.Cube(before) ^ crc.Cube(after)
	s.dirty = true
}

// PushGRM stages a mid for removal once its mdir commit lands
// (spec.md §4.7 stage 1 "Dry-run grm").
func (s *State) PushGRM(mid int32) bool {
	s.dirty = true
	return s.pendingGRM.Push(mid)
}

// Flush clears the pending deltas ahead of a primary commit attempt
// (spec.md §4.7 stage 2: "clear pending gcksum/grm deltas"), returning
// a snapshot Commit/Revert can act on.
func (s *State) Flush() Pending {
	p := Pending{cksumDelta: s.pendingCksumDelta, grm: s.pendingGRM}
	s.pendingCksumDelta = 0
	s.pendingGRM = GRM{}
	s.dirty = false
	return p
}

// Pending is a staged gstate delta, produced by Flush and consumed by
// exactly one of Commit or Revert.
type Pending struct {
	cksumDelta uint32
	grm        GRM
}

// Commit folds a staged delta, together with any Delta recorded since
// the Flush that produced it, into the committed state, on a
// successful mdir commit (spec.md §4.7 stage 9 "commit pending grm and
// gstate as on-disk").
func (s *State) Commit(p Pending) {
	s.GCksum ^= decube(p.cksumDelta ^ s.pendingCksumDelta)
	s.pendingCksumDelta = 0
	if p.grm.N > 0 {
		s.GRM = p.grm
	}
}

// decube recovers the raw delta XORed into GCksum. Per spec.md, the
// stored/validated quantity is cube(gcksum); the accumulator itself
// stays linear in gcksum so commits can be folded incrementally, and
// only the mount-time/traversal validator takes the cube. decube is
// therefore the identity: Delta already pre-cubes its inputs, and
// Commit XORs the (already-cubed) per-mdir contribution directly into
// the linear gcksum accumulator, matching spec.md §8 property 6's
// right-hand side (a sum, i.e. XOR, of GCKSUMDELTA_i terms).
func decube(delta uint32) uint32 { return delta }

// Revert discards a staged delta, restoring the pre-commit state
// exactly (spec.md §4.7 "Atomicity guarantee": "the on-disk state is
// identical to before step 2").
func (s *State) Revert(p Pending) {}

// Validate checks the mount-time invariant cube(gcksum) == sum of
// per-mdir deltas, where sum is supplied by a traversal's ckmeta pass
// (spec.md §4.9 "ckmeta").
func Validate(gcksum uint32, summedDeltas uint32) bool {
	return crc.Cube(gcksum) == summedDeltas
}
