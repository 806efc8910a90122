// Package alloc implements the lookahead-bitmap block allocator
// (spec.md §4.8 "Global allocator (contract only)"). spec.md leaves
// the allocator's placement *policy* unspecified ("we specify only
// its contract with the core"); this package implements the one
// policy spec.md does pin down in detail — the lookahead window,
// markinuse/markfree, and the checkpoint counter — choosing
// first-fit-within-the-window as the placement rule itself, the
// simplest policy that satisfies the contract.
package alloc

import (
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/mdir"
)

// ErrNoSpace is returned after a full lookahead scan finds no free
// block (spec.md §6.3 "NOSPC — allocator exhausted (reported only
// after a full lookahead pass)").
var ErrNoSpace = xerrors.New("alloc: no space left on device (after full lookahead scan)")

// Allocator is the lookahead-bitmap allocator (spec.md §4.8).
//
// bitmap[i] bit set means block (off+i) is in use, as of the last
// Reset/markinuse pass. off tracks which 8·lookaheadSize-block window
// of the device window currently covers; Next advances off and
// rescans when the window is exhausted.
type Allocator struct {
	blockCount uint32
	windowSize uint32 // in blocks: 8 * lookahead_size

	off    uint32 // start block of the current window
	bitmap []byte // ceil(windowSize/8) bytes
	cursor uint32 // next bit to try within the window

	ckpoint int // checkpoint counter: uncommitted allocations outstanding
}

// New creates an Allocator over a device of blockCount blocks, with a
// lookahead window of 8*lookaheadSize blocks (spec.md §4.8 "a
// lookahead bitmap window of 8·lookahead_size blocks").
func New(blockCount, lookaheadSize uint32) *Allocator {
	ws := 8 * lookaheadSize
	if ws == 0 || ws > blockCount {
		ws = blockCount
	}
	return &Allocator{
		blockCount: blockCount,
		windowSize: ws,
		bitmap:     make([]byte, (ws+7)/8),
	}
}

// Grow extends the allocator's addressable range to newBlockCount,
// the lookahead-side half of spec.md §8 scenario 6's "grow"
// (SPEC_FULL.md §3: "extends the lookahead bitmap's addressable
// range"). It never shrinks the device.
func (a *Allocator) Grow(newBlockCount uint32) error {
	if newBlockCount < a.blockCount {
		return xerrors.Errorf("alloc: grow: new block count %d < current %d", newBlockCount, a.blockCount)
	}
	a.blockCount = newBlockCount
	return nil
}

// markInUse sets the bit for block, if it falls within the current
// window (spec.md §4.8 "markinuse(block) sets the bit when the
// traversal visits it").
func (a *Allocator) markInUse(block uint32) {
	if block < a.off || block >= a.off+a.windowSize {
		return
	}
	i := block - a.off
	a.bitmap[i/8] |= 1 << (i % 8)
}

// MarkInUse is the exported form used by a lookahead traversal pass
// (internal/traverse's "lookahead" variant) to feed live blocks back
// to the allocator as it walks the filesystem.
func (a *Allocator) MarkInUse(block uint32) { a.markInUse(block) }

// Reset concludes a lookahead pass over [off, off+windowSize),
// "treating clear bits as free" from here on (spec.md §4.8
// "markfree() concludes a pass"): it rebases the window to off and
// clears the bitmap, ready for a fresh markInUse pass, or for Next to
// start handing out its clear bits.
func (a *Allocator) Reset(off uint32) {
	a.off = off % a.blockCount
	for i := range a.bitmap {
		a.bitmap[i] = 0
	}
	a.cursor = 0
}

func (a *Allocator) isFree(i uint32) bool {
	return a.bitmap[i/8]&(1<<(i%8)) == 0
}

// Next returns the next free block within the current lookahead
// window, or ErrNoSpace if the window is exhausted; callers that get
// ErrNoSpace must run a fresh traversal's lookahead pass (markInUse
// over the next window) via Reset before retrying, per spec.md §4.8
// and the NOSPC contract in spec.md §6.3.
func (a *Allocator) Next() (uint32, error) {
	// blocks {0,1} are the mroot anchor and never allocated (spec.md
	// §3 "Block address").
	for a.cursor < a.windowSize {
		block := a.off + a.cursor
		a.cursor++
		if block == mdir.Anchor.B0 || block == mdir.Anchor.B1 {
			continue
		}
		if block >= a.blockCount {
			continue
		}
		if a.isFree(a.cursor - 1) {
			a.markInUse(block)
			a.ckpoint++
			return block, nil
		}
	}
	return 0, ErrNoSpace
}

// Ckpoint is invoked once all in-flight allocations from the prior
// window are either committed to disk or tracked by an open handle
// (spec.md §4.8 "Callers invoke ckpoint() when all in-flight
// allocations are either committed or tracked by an open handle"),
// resetting the checkpoint counter that bounds how many allocations
// may be handed out before a fresh traversal is mandatory.
func (a *Allocator) Ckpoint() {
	a.ckpoint = 0
}

// Outstanding reports the checkpoint counter: how many allocations
// have been handed out since the last Ckpoint (spec.md §4.8 "A
// checkpoint counter tracks uncommitted allocations").
func (a *Allocator) Outstanding() int { return a.ckpoint }

// NeedsTraversal reports whether the checkpoint counter has run out
// of slack against the window and a full mark-in-use traversal must
// run before any further allocation (spec.md §4.8: "when exhausted,
// the allocator must trigger a full traversal and mark-in-use pass").
func (a *Allocator) NeedsTraversal() bool {
	return uint32(a.ckpoint) >= a.windowSize
}
