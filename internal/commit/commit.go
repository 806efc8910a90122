// Package commit implements the mdir commit pipeline (spec.md §4.7
// "The mdir commit pipeline (the central transaction)"): the single
// point through which every mutation passes, coordinating rbyd
// appends, block allocation, mtree/mroot-chain propagation, and
// gstate.
//
// Simplification, documented here and in DESIGN.md: this
// implementation collapses stage 1 ("dry-run grm") into the gstate
// package's GRM queue directly (internal/gstate already tracks
// pending removes independent of mid arithmetic, since this
// implementation has no split-caused mid renumbering to react to —
// see internal/btree/commit.go's doc comment on deferred merging).
// The remaining stages (2 flush gdeltas, 4 primary commit, 5
// split/drop/relocate, 6 mtree update, 7 mroot-chain rewrite, 8
// device sync, 9 success-only updates) are implemented as described.
//
// Stage 4's primary commit always goes through mdir.Mdir.Commit, which
// tries a non-erasing rbyd.Append into the live half first and only
// falls back to mdir.Mdir.Swap's erase-and-relocate path when the live
// half is actually full (rbyd.ErrRange) — this is what keeps an
// ordinary mutation from wearing a flash block on every commit.
package commit

import (
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/alloc"
	"github.com/distr1/lfs3/internal/btree"
	"github.com/distr1/lfs3/internal/gstate"
	"github.com/distr1/lfs3/internal/mdir"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

// maxChainWalk bounds the mroot-chain open walk against a corrupted,
// cyclic chain; internal/traverse uses Brent's algorithm for the same
// purpose during a full traversal, but Open runs on every mount so a
// simple bound keeps the common case cheap.
const maxChainWalk = 1 << 20

// Pipeline is an open handle onto the commit machinery for one mounted
// filesystem: the active mroot (and the chain of mroots leading to
// it), the mtree (nil if empty — "all files inline in the mroot"),
// the global allocator, and gstate.
type Pipeline struct {
	dev rbyd.Device
	a   *alloc.Allocator
	gs  *gstate.State
	lim btree.Limits

	chain []mdir.Pair // anchor ... active mroot's pair, inclusive
	mroot *mdir.Mdir
	mt    *btree.Tree // nil when the mtree is empty (inline mode)
}

// Open walks the mroot chain from the fixed anchor to the active
// mroot and opens its mtree, if any (spec.md §4.6 "mroot chain").
func Open(dev rbyd.Device, a *alloc.Allocator, gs *gstate.State, lim btree.Limits) (*Pipeline, error) {
	p := &Pipeline{dev: dev, a: a, gs: gs, lim: lim}

	cur := mdir.Anchor
	p.chain = append(p.chain, cur)
	for i := 0; ; i++ {
		if i > maxChainWalk {
			return nil, xerrors.Errorf("commit: open: mroot chain exceeds %d links, likely corrupt", maxChainWalk)
		}
		m, err := mdir.Fetch(dev, cur)
		if err != nil {
			return nil, xerrors.Errorf("commit: open: fetch %+v: %w", cur, err)
		}
		data, ok := m.Live.Lookup(0, tag.StructMRoot)
		if !ok {
			p.mroot = m
			if mtData, ok2 := m.Live.Lookup(0, tag.StructMTree); ok2 {
				root, err := decodeMTreeRoot(mtData)
				if err != nil {
					return nil, err
				}
				p.mt = btree.Open(dev, p.allocBlock, root)
			}
			return p, nil
		}
		next, err := mdir.DecodeLink(data)
		if err != nil {
			return nil, err
		}
		cur = next
		p.chain = append(p.chain, cur)
	}
}

func (p *Pipeline) allocBlock() (uint32, error) { return p.a.Next() }

func decodeMTreeRoot(data []byte) (btree.Root, error) {
	b, err := btree.DecodeBranch(data)
	if err != nil {
		return btree.Root{}, err
	}
	return btree.Root{Weight: b.Weight, Block: b.Block}, nil
}

func encodeMTreeRoot(r btree.Root) []byte {
	return btree.EncodeBranch(btree.Branch{Weight: r.Weight, Block: r.Block})
}

// MRoot returns the currently active mroot, for callers that need to
// read its rows directly without going through the mtree.
func (p *Pipeline) MRoot() *mdir.Mdir { return p.mroot }

// GState exposes the shared gstate accumulator.
func (p *Pipeline) GState() *gstate.State { return p.gs }

// CommitInline runs the pipeline against the active mroot itself,
// for rattrs that live directly in it (spec.md §9 "block_count = 2
// uses only the mroot anchor; all files inline").
func (p *Pipeline) CommitInline(attrs []rbyd.Attr) error {
	return p.commitTarget(p.mroot, attrs)
}

// commitTarget runs stages 2-4 of spec.md §4.7 against target,
// falling into overflow handling (stage 5) if it does not fit.
func (p *Pipeline) commitTarget(target *mdir.Mdir, attrs []rbyd.Attr) error {
	before := target.Live.Cksum
	pending := p.gs.Flush() // stage 2

	// stage 4: primary commit.
	if err := target.Commit(p.dev, attrs, target.Pair == mdir.Anchor); err == nil {
		p.gs.Delta(before, target.Live.Cksum)
		p.gs.Commit(pending)
		return p.dev.Sync()
	} else if err != rbyd.ErrRange && err != mdir.ErrNoSpace {
		p.gs.Revert(pending)
		return err
	}

	// stage 5, relocate-in-place case (no mtree entry to touch: this
	// is the single-mdir/inline filesystem, or a caller that already
	// knows there is nowhere else to push an overflowing split).
	rows, terr := target.TrialCommit(attrs)
	if terr != nil {
		p.gs.Revert(pending)
		return terr
	}
	relocated, rerr := mdir.Relocate(p.dev, p.allocBlock, rows)
	if rerr != nil {
		p.gs.Revert(pending)
		return rerr
	}
	*target = *relocated
	p.gs.Delta(before, target.Live.Cksum)
	p.gs.Commit(pending)
	return p.dev.Sync()
}

// CommitMdir runs the full pipeline against the mdir selected by mbid
// in the mtree, including split/drop/relocate and mtree/mroot-chain
// propagation (spec.md §4.7 stages 4-8). It requires a non-empty
// mtree; callers on an inline filesystem use CommitInline instead.
func (p *Pipeline) CommitMdir(mbid int32, attrs []rbyd.Attr) error {
	if p.mt == nil {
		return xerrors.Errorf("commit: CommitMdir: mtree is empty (inline filesystem); use CommitInline")
	}
	leaf, rid, err := p.mt.Lookup(mbid)
	if err != nil {
		return err
	}
	data, ok := leaf.Lookup(rid, tag.StructMDir)
	if !ok {
		return xerrors.Errorf("commit: mtree entry %d missing MDIR", mbid)
	}
	pair, err := mdir.DecodeLink(data)
	if err != nil {
		return err
	}
	target, err := mdir.Fetch(p.dev, pair)
	if err != nil {
		return err
	}

	before := target.Live.Cksum
	pending := p.gs.Flush()

	if err := target.Commit(p.dev, attrs, false); err == nil {
		p.gs.Delta(before, target.Live.Cksum)
		p.gs.Commit(pending)
		return p.syncMtreeEntry(mbid, target, before)
	} else if err != rbyd.ErrRange && err != mdir.ErrNoSpace {
		p.gs.Revert(pending)
		return err
	}

	rows, terr := target.TrialCommit(attrs)
	if terr != nil {
		p.gs.Revert(pending)
		return terr
	}

	if sumWeight(rows) == 0 {
		// Drop: remove the mtree entry entirely (spec.md §4.7 stage 5
		// "Drop ... only possible for non-mroot mdirs").
		if err := p.mt.Commit(mbid, []rbyd.Attr{{Delta: -1}}, p.lim); err != nil {
			p.gs.Revert(pending)
			return err
		}
		p.gs.Delta(before, 0)
		p.gs.Commit(pending)
		return p.syncMtreeRoot()
	}

	estBlockSize := int(p.lim.BlockSize)
	if estimatedSize(rows) <= estBlockSize {
		// Relocate: single resulting mdir at different blocks.
		nm, err := mdir.Relocate(p.dev, p.allocBlock, rows)
		if err != nil {
			p.gs.Revert(pending)
			return err
		}
		if err := p.mt.Commit(mbid, []rbyd.Attr{{
			Tag: tag.StructMDir, Data: mdir.EncodeLink(nm.Pair),
		}}, p.lim); err != nil {
			p.gs.Revert(pending)
			return err
		}
		p.gs.Delta(before, nm.Live.Cksum)
		p.gs.Commit(pending)
		return p.syncMtreeRoot()
	}

	// Split: allocate two fresh mdirs, replay the mutated rows split
	// at the middle row (spec.md §4.7 stage 5 "Split").
	splitRid := len(rows) / 2
	if splitRid < 1 {
		splitRid = 1
	}
	leftRows, rightRows := rows[:splitRid], rows[splitRid:]

	lm, err := mdir.Relocate(p.dev, p.allocBlock, leftRows)
	if err != nil {
		p.gs.Revert(pending)
		return err
	}
	rm, err := mdir.Relocate(p.dev, p.allocBlock, rightRows)
	if err != nil {
		p.gs.Revert(pending)
		return err
	}

	splitAttrs := []rbyd.Attr{
		{Delta: -1},
		{Delta: rm.Weight(), Tag: tag.StructMDir, Data: mdir.EncodeLink(rm.Pair)},
		{Delta: lm.Weight(), Tag: tag.StructMDir, Data: mdir.EncodeLink(lm.Pair)},
	}
	if err := p.mt.Commit(mbid, splitAttrs, p.lim); err != nil {
		p.gs.Revert(pending)
		return err
	}
	p.gs.Delta(before, lm.Live.Cksum^rm.Live.Cksum)
	p.gs.Commit(pending)
	return p.syncMtreeRoot()
}

func sumWeight(rows []rbyd.RawRow) int32 {
	var w int32
	for _, r := range rows {
		w += r.Weight
	}
	return w
}

// estimatedSize is a coarse stand-in for rbyd.EstimateSize (spec.md
// §4.3 "Estimate") operating on an exported row set rather than a live
// Tree: a fixed per-tag overhead plus each tag's payload, a
// conservative enough bound to decide relocate-vs-split (see
// DESIGN.md).
func estimatedSize(rows []rbyd.RawRow) int {
	size := 0
	for _, r := range rows {
		for _, t := range r.Tags {
			size += 6 + len(t.Data) // tag header + alt-tag framing estimate
		}
	}
	return size
}

// syncMtreeEntry handles the common case where the target mdir
// committed in place: no mtree/mroot-chain change is needed, only
// gstate and a device sync (spec.md §4.7 stage 8).
func (p *Pipeline) syncMtreeEntry(mbid int32, target *mdir.Mdir, before uint32) error {
	return p.dev.Sync()
}

// syncMtreeRoot persists the mtree's (possibly new) root into the
// mroot, tail-recursing up the mroot chain if that commit itself
// overflows (spec.md §4.7 stages 6-8).
func (p *Pipeline) syncMtreeRoot() error {
	before := p.mroot.Live.Cksum
	attrs := []rbyd.Attr{{Tag: tag.StructMTree, Data: encodeMTreeRoot(p.mt.Root())}}

	if err := p.mroot.Commit(p.dev, attrs, len(p.chain) == 1); err == nil {
		p.gs.Delta(before, p.mroot.Live.Cksum)
		return p.dev.Sync()
	} else if err != rbyd.ErrRange && err != mdir.ErrNoSpace {
		return err
	}

	rows, terr := p.mroot.TrialCommit(attrs)
	if terr != nil {
		return terr
	}
	nm, rerr := mdir.Relocate(p.dev, p.allocBlock, rows)
	if rerr != nil {
		return rerr
	}
	return p.rewriteChain(nm)
}

// rewriteChain replaces the active mroot with nm and propagates the
// address change up the chain toward the anchor, extending the chain
// by one link if it reaches the anchor (spec.md §4.7 stage 7).
func (p *Pipeline) rewriteChain(nm *mdir.Mdir) error {
	if len(p.chain) == 1 {
		anchor, err := mdir.Fetch(p.dev, mdir.Anchor)
		if err != nil {
			return err
		}
		attrs := []rbyd.Attr{{Tag: tag.StructMRoot, Data: mdir.EncodeLink(nm.Pair)}}
		if err := anchor.Commit(p.dev, attrs, true); err != nil {
			return xerrors.Errorf("commit: anchor commit(force): %w", err)
		}
		p.chain = []mdir.Pair{mdir.Anchor, nm.Pair}
		p.mroot = nm
		return p.dev.Sync()
	}

	parentPair := p.chain[len(p.chain)-2]
	parent, err := mdir.Fetch(p.dev, parentPair)
	if err != nil {
		return err
	}
	attrs := []rbyd.Attr{{Tag: tag.StructMRoot, Data: mdir.EncodeLink(nm.Pair)}}

	if err := parent.Commit(p.dev, attrs, false); err == nil {
		p.chain[len(p.chain)-1] = nm.Pair
		p.mroot = nm
		return p.dev.Sync()
	} else if err != rbyd.ErrRange && err != mdir.ErrNoSpace {
		return err
	}

	rows, terr := parent.TrialCommit(attrs)
	if terr != nil {
		return terr
	}
	relocatedParent, rerr := mdir.Relocate(p.dev, p.allocBlock, rows)
	if rerr != nil {
		return rerr
	}
	p.chain[len(p.chain)-1] = nm.Pair
	p.mroot = nm
	p.chain = p.chain[:len(p.chain)-1]
	return p.rewriteChain(relocatedParent)
}
