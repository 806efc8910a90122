// Package traverse implements the filesystem's single traversal state
// machine (spec.md §4.9 "Traversal engine"): a reified, pausable walk
// over the mroot chain, the mtree, and every mdir's file trees, used
// by mount-time gstate validation, the lookahead allocator pass, and
// GC/compaction.
//
// Per spec.md §9 "Iteration": traversals are explicit state machines,
// not generators, so a caller can run a bounded number of Step calls
// (gc(steps)) and resume later rather than holding a goroutine or
// callback stack across the walk.
package traverse

import (
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/btree"
	"github.com/distr1/lfs3/internal/mdir"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

// Phase names the traversal's position in the state machine (spec.md
// §4.9: "MROOTANCHOR → MROOTCHAIN → MTREE → MDIRS → MDIR → BTREE →
// OMDIRS → OBTREE → DONE").
type Phase int

const (
	MRootAnchor Phase = iota
	MRootChain
	MTree
	MDirs
	MDir
	BTree
	OMDirs
	OBTree
	Done
)

// Mode selects which validation/side-effect a Step performs on each
// visited block, matching spec.md §4.9's variants.
type Mode int

const (
	// ModeMtreeOnly stops at BTree without descending into file data,
	// the cheap mount/gstate pass (spec.md "Mtree-only: stops after
	// MDIR enumeration" — MDIR rows are still walked; only the
	// per-file BTree descent is skipped).
	ModeMtreeOnly Mode = iota
	// ModeCkMeta re-validates every rbyd cksum against in-RAM gcksum.
	ModeCkMeta
	// ModeCkData additionally validates whole-block data CRCs.
	ModeCkData
	// ModeLookahead feeds the allocator via OnBlock.
	ModeLookahead
	// ModeMkConsistent collects orphan stickynotes for removal.
	ModeMkConsistent
	// ModeCompact rewrites mdirs whose free space fell below threshold.
	ModeCompact
)

// Visit is one yielded (tag_kind, pointer) pair (spec.md §4.9: "Yields
// (tag_kind, pointer) for each reachable block or inner node").
type Visit struct {
	Kind  tag.Kind
	Block uint32
	Mid   int32 // valid when Kind names an mdir-resident record
}

// OnBlock, when set, is invoked for every block Step visits, before
// any mode-specific validation; ModeLookahead traversals bind this to
// an Allocator's MarkInUse.
type OnBlock func(block uint32)

// State is the reified traversal state machine. It holds no goroutine
// or callback stack: every field needed to resume is a plain value,
// so Step can be called a bounded number of times and the State
// stashed between calls (spec.md §9 "so they can be paused").
type State struct {
	dev  rbyd.Device
	mode Mode

	phase Phase
	err   error

	// MROOTCHAIN walk state, with Brent's cycle detection (spec.md §4.9
	// "Uses Brent's cycle detection on the mroot chain only").
	cur      mdir.Pair
	tortoise mdir.Pair
	power    uint32
	lam      uint32

	mroot *mdir.Mdir // the active mroot, once MROOTCHAIN completes

	mt        *btree.Tree
	mtreeBid  int32 // next bid to enumerate in the mtree
	curMdir   *mdir.Mdir
	curMid    int32 // next mrid to enumerate within curMdir

	OnBlock OnBlock

	// CompactThresh gates ModeCompact: a visited mdir whose live half has
	// fewer than this many free bytes left gets Compact'd in place to
	// reclaim the space earlier Append calls have chained into the
	// block (spec.md §4.9 "Compact: rewrites mdirs whose free space fell
	// below threshold"). Zero disables compaction regardless of mode.
	CompactThresh uint32

	// Orphans collects the mid of every row ModeMkConsistent finds still
	// carrying a STICKYNOTE tag (spec.md §3 invariant (iii)): a prior
	// Rename crashed between staging the note and finalizing it. The
	// caller is responsible for actually removing these rows; traverse
	// only ever reads.
	Orphans []Visit

	// Dirty is set by an external commit to force a restart at the
	// phase appropriate to what changed (spec.md §5 "Shared resources":
	// "a dirty traversal must restart from the phase appropriate to
	// what changed").
	dirty      bool
	restartAt  Phase
}

// New starts a traversal over dev in the given Mode.
func New(dev rbyd.Device, mode Mode) *State {
	return &State{dev: dev, mode: mode, phase: MRootAnchor, cur: mdir.Anchor, tortoise: mdir.Anchor, power: 1}
}

// MarkDirty records that the open-handle list (or a commit) changed
// underneath this traversal; the next Step restarts from at.
func (s *State) MarkDirty(at Phase) {
	s.dirty = true
	s.restartAt = at
}

// Done reports whether the traversal has reached its terminal phase.
func (s *State) Done() bool { return s.phase == Done }

// Err returns the first error Step encountered, if the traversal
// aborted early.
func (s *State) Err() error { return s.err }

// Step advances the traversal by one unit of work (one block fetch,
// or one mdir/mtree enumeration step) and returns the Visit produced,
// or ok=false once Done or on error (check Err()).
func (s *State) Step() (Visit, bool) {
	if s.dirty {
		s.phase = s.restartAt
		s.dirty = false
	}

	switch s.phase {
	case MRootAnchor:
		return s.stepAnchor()
	case MRootChain:
		return s.stepChain()
	case MTree:
		return s.stepMtreeOpen()
	case MDirs:
		return s.stepMdirs()
	case MDir:
		return s.stepMdir()
	case BTree:
		// File B-trees are walked by callers that need file data
		// (ckdata); the bare mount/gstate/lookahead passes this
		// package drives do not need to descend into file contents,
		// so BTree is a no-op pass-through back to MDirs.
		s.phase = MDirs
		return s.Step()
	case OMDirs, OBTree:
		// Open-handle enumeration is driven by the commit pipeline's
		// open-handle list directly (internal/commit), which is the
		// only thing that knows which handles are open; traverse's
		// own walk ends at DONE without needing to see them again.
		s.phase = Done
		return Visit{}, false
	default:
		return Visit{}, false
	}
}

func (s *State) fail(err error) (Visit, bool) {
	s.err = err
	s.phase = Done
	return Visit{}, false
}

func (s *State) stepAnchor() (Visit, bool) {
	if s.OnBlock != nil {
		s.OnBlock(mdir.Anchor.B0)
		s.OnBlock(mdir.Anchor.B1)
	}
	s.phase = MRootChain
	return Visit{Kind: tag.StructMRoot, Block: mdir.Anchor.B0}, true
}

// stepChain walks the mroot chain one link per Step call, using
// Brent's algorithm to bound the walk even over a corrupted cycle
// (spec.md §4.9).
func (s *State) stepChain() (Visit, bool) {
	m, err := mdir.Fetch(s.dev, s.cur)
	if err != nil {
		return s.fail(xerrors.Errorf("traverse: fetch mroot %+v: %w", s.cur, err))
	}
	if s.OnBlock != nil {
		s.OnBlock(m.Live.Block)
	}

	// Each mroot either carries an MROOT link to the next mroot in the
	// chain, or is itself the active mroot (spec.md glossary "mroot
	// chain"); that link's presence, not whether it also has an MTREE,
	// is what decides whether the walk continues.
	data, ok := m.Live.Lookup(0, tag.StructMRoot)
	if !ok {
		s.mroot = m
		s.phase = MTree
		return Visit{Kind: tag.StructMRoot, Block: m.Live.Block}, true
	}
	next, err := mdir.DecodeLink(data)
	if err != nil {
		return s.fail(err)
	}

	s.cur = next
	s.lam++
	if s.lam == s.power {
		s.tortoise = s.cur
		s.power *= 2
		s.lam = 0
	} else if s.cur == s.tortoise {
		return s.fail(xerrors.Errorf("traverse: cycle detected in mroot chain"))
	}

	return Visit{Kind: tag.StructMRoot, Block: m.Live.Block}, true
}

func (s *State) stepMtreeOpen() (Visit, bool) {
	if data, ok := s.mroot.Live.Lookup(0, tag.StructMTree); ok {
		root, err := decodeMTreeRoot(data)
		if err != nil {
			return s.fail(err)
		}
		s.mt = btree.Open(s.dev, nil, root)
		s.mtreeBid = 0
		s.phase = MDirs
		return Visit{Kind: tag.StructMTree, Block: s.mroot.Live.Block}, true
	}
	// inline: the mroot is the only mdir.
	if s.mode == ModeCkMeta || s.mode == ModeCkData {
		if err := validateMdir(s.dev, s.mroot); err != nil {
			return s.fail(err)
		}
	}
	s.curMdir = s.mroot
	s.curMid = 0
	s.phase = MDir
	return Visit{Kind: tag.StructMDir, Block: s.mroot.Live.Block}, true
}

func (s *State) stepMdirs() (Visit, bool) {
	if s.mt == nil || s.mtreeBid >= s.mt.Weight() {
		s.phase = Done
		return Visit{}, false
	}
	leaf, rid, err := s.mt.Lookup(s.mtreeBid)
	if err != nil {
		return s.fail(err)
	}
	data, ok := leaf.Lookup(rid, tag.StructMDir)
	if !ok {
		return s.fail(xerrors.Errorf("traverse: mtree entry %d missing MDIR", s.mtreeBid))
	}
	pair, err := mdir.DecodeLink(data)
	if err != nil {
		return s.fail(err)
	}
	m, err := mdir.Fetch(s.dev, pair)
	if err != nil {
		return s.fail(err)
	}
	if s.OnBlock != nil {
		s.OnBlock(m.Live.Block)
	}
	if s.mode == ModeCkMeta || s.mode == ModeCkData {
		if err := validateMdir(s.dev, m); err != nil {
			return s.fail(err)
		}
	}
	s.curMdir = m
	s.curMid = 0
	s.mtreeBid++
	s.phase = MDir
	return Visit{Kind: tag.StructMDir, Block: m.Live.Block}, true
}

// stepMdir enumerates the rows of the current mdir one at a time.
// Every mode walks the same rows (spec.md "Mtree-only: stops after
// MDIR enumeration" describes the phase it stops at, BTree, not the
// rows within MDIR); ModeMkConsistent additionally flags any row
// still carrying a stale STICKYNOTE into Orphans, and ModeCompact,
// once enumeration empties out, reclaims the mdir's chained-commit
// slack if it fell below CompactThresh.
func (s *State) stepMdir() (Visit, bool) {
	if s.curMdir != nil && int(s.curMid) < s.curMdir.Live.Rows() {
		mid := s.curMid
		s.curMid++
		if s.mode == ModeMkConsistent {
			if _, ok := s.curMdir.Live.Lookup(mid, tag.NameStickyNote); ok {
				s.Orphans = append(s.Orphans, Visit{Kind: tag.NameStickyNote, Block: s.curMdir.Live.Block, Mid: mid})
			}
		}
		return Visit{Kind: tag.NameReg, Block: s.curMdir.Live.Block, Mid: mid}, true
	}

	if s.mode == ModeCompact && s.CompactThresh > 0 && s.curMdir != nil {
		if free := s.dev.BlockSize() - s.curMdir.Live.EOff; free < s.CompactThresh {
			if err := s.curMdir.Live.Compact(rbyd.CommitOpts{NextRev: s.curMdir.Rev()}); err != nil {
				return s.fail(xerrors.Errorf("traverse: compact mdir %+v: %w", s.curMdir.Pair, err))
			}
		}
	}

	if s.mt == nil {
		s.phase = Done
	} else {
		s.phase = MDirs
	}
	return s.Step()
}

// validateMdir re-fetches both physical halves of m's pair
// independently of whichever half m already chose as live, matching
// spec.md §4.9's "ckmeta: re-validates every rbyd cksum" against the
// pair on disk rather than trusting the in-RAM Mdir. rbyd.Fetch itself
// stops at the first broken CKSUM while scanning a half, so a torn or
// stale half simply fails here (or loses the revision comparison)
// instead of silently being accepted as live.
func validateMdir(dev rbyd.Device, m *mdir.Mdir) error {
	t0, err0 := rbyd.Fetch(dev, m.Pair.B0)
	t1, err1 := rbyd.Fetch(dev, m.Pair.B1)
	switch {
	case err0 != nil && err1 != nil:
		return xerrors.Errorf("traverse: ckmeta: mdir %+v: both halves unreadable (%v / %v)", m.Pair, err0, err1)
	case m.Live.Block == m.Pair.B0 && err0 != nil:
		return xerrors.Errorf("traverse: ckmeta: mdir %+v: live half %d failed cksum validation: %w", m.Pair, m.Pair.B0, err0)
	case m.Live.Block == m.Pair.B1 && err1 != nil:
		return xerrors.Errorf("traverse: ckmeta: mdir %+v: live half %d failed cksum validation: %w", m.Pair, m.Pair.B1, err1)
	case err0 == nil && err1 == nil && mdir.RevGreater(t1.Rev, t0.Rev) && m.Live.Block != t1.Block:
		return xerrors.Errorf("traverse: ckmeta: mdir %+v: stale half (rev %d) chosen as live over rev %d", m.Pair, t0.Rev, t1.Rev)
	}
	return nil
}

func decodeMTreeRoot(data []byte) (btree.Root, error) {
	b, err := btree.DecodeBranch(data)
	if err != nil {
		return btree.Root{}, err
	}
	return btree.Root{Weight: b.Weight, Block: b.Block}, nil
}

// Run drives the traversal to completion (or error), returning every
// Visit along the way; intended for the bounded, non-interactive
// passes (mount-time ckmeta, fsck) where pausing is not needed.
func Run(dev rbyd.Device, mode Mode, onBlock OnBlock) ([]Visit, error) {
	s := New(dev, mode)
	s.OnBlock = onBlock
	var visits []Visit
	for {
		v, ok := s.Step()
		if !ok {
			if s.Err() != nil {
				return visits, s.Err()
			}
			return visits, nil
		}
		visits = append(visits, v)
	}
}
