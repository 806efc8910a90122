package rbyd

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/crc"
	"github.com/distr1/lfs3/internal/tag"
)

// revSize is the 32-bit revision counter every rbyd block carries in its
// first 4 bytes (spec.md §3 "rbyd").
const revSize = 4

// CommitOpts controls one Commit call.
type CommitOpts struct {
	// NextRev is the revision to stamp this commit with. Callers (mdir,
	// spec.md §4.6) own revision-counter semantics; rbyd just persists
	// whatever it is given.
	NextRev uint32
	// ECksum, when true, emits an ECKSUM tag ahead of the CKSUM so a
	// future appender can detect a half-erased suffix (spec.md §3).
	ECksum bool
}

// Commit applies attrs in order and serializes the resulting row set
// into the block as one new commit, starting immediately after the
// revision counter — i.e. it discards whatever commits already occupy
// the block and rewrites the trunk from scratch (spec.md §4.3
// "Compact"). Alloc, Relocate and explicit Compact all want exactly
// this: a block with nothing worth preserving before this write.
//
// It returns ErrRange if the serialized trunk (plus framing) would not
// fit within one block, leaving t's in-RAM rows unchanged on disk but
// already mutated in RAM — callers must be prepared to retry against a
// fresh Tree (split/relocate) rather than reuse t, matching spec.md
// §4.7 step 5's "on RANGE / overflow" handling.
func (t *Tree) Commit(attrs []Attr, opts CommitOpts) error {
	for _, a := range attrs {
		if err := t.AppendAttr(a); err != nil {
			return err
		}
	}
	return t.commitAt(revSize, opts)
}

// Append is the cheap primary commit path spec.md §4.7 stage 4
// describes: "try a rbyd append into the live half ... if it fits".
// It applies attrs to a checkpointed copy of the row set, then
// serializes a brand-new, independently-checksummed commit record
// immediately after the last commit already in the block (t.EOff)
// rather than erasing and rewriting from the top. rbyd.Fetch treats
// each such record as an independent commit boundary, so a reader that
// stops scanning after the latest valid CKSUM never depends on the
// earlier bytes being rewritten.
//
// If the result would not fit in the remaining space, Append returns
// ErrRange and leaves both the block and t's in-RAM rows exactly as
// they were before the call — the attrs are rolled back rather than
// left half-applied — so the caller is free to fall back to a genuine
// relocation (mdir.Swap) without double-applying attrs.
func (t *Tree) Append(attrs []Attr, opts CommitOpts) error {
	saved := t.Export()
	for _, a := range attrs {
		if err := t.AppendAttr(a); err != nil {
			t.SetRows(saved)
			return err
		}
	}
	base := t.EOff
	if base == 0 {
		base = revSize
	}
	if err := t.commitAt(base, opts); err != nil {
		t.SetRows(saved)
		return err
	}
	return nil
}

func (t *Tree) commitAt(base uint32, opts CommitOpts) error {
	bs := t.dev.BlockSize()

	b := &trunkBuilder{
		base: base,
		// The perturb bit resynchronizes readers across mdir half
		// swaps (spec.md glossary "phase / perturb bit"): flipping it
		// on revision parity ensures bytes left over from the stale
		// half's last commit can never look like a valid continuation
		// of this one.
		perturb: opts.NextRev&1 == 1,
	}

	if len(t.rows) == 0 {
		// an empty rbyd still needs a trunk: a single NULL leaf of
		// weight zero, so lookups against it terminate cleanly.
		b.writeTag(tag.Null, 0, nil)
	} else {
		buildTrunk(b, t.rows, 0, len(t.rows))
	}

	if opts.ECksum {
		// record the CRC of the CKSUM tag's prog-unit-to-be so a
		// later appender can tell a half-erased suffix from real data
		// (spec.md §3 "ECKSUM").
		b.writeTag(tag.ECksum, 0, leb(b.crc))
	}

	phase := t.Block & 0x3
	cksumKind := tag.Cksum | tag.Kind(phase)
	// The CKSUM tag's own bytes participate in the CRC it reports, so
	// fold in its header (Size=4, the trailing stored CRC) before
	// computing the final stored value.
	pbit := b.crc & 1
	if b.perturb {
		pbit ^= 1
	}
	hdrTag := tag.Tag{Valid: pbit == 1, Kind: cksumKind, Weight: 0, Size: 4}
	hdrEnc := hdrTag.Encode(nil)
	b.crc = crc.Update(b.crc, hdrEnc)
	b.buf = append(b.buf, hdrEnc...)

	final := b.crc
	if b.perturb {
		final ^= crc.ODDZERO
	}
	var stored [4]byte
	binary.LittleEndian.PutUint32(stored[:], final)
	b.buf = append(b.buf, stored[:]...)

	total := base + uint32(len(b.buf))
	if total > bs {
		return ErrRange
	}

	var rev [revSize]byte
	binary.LittleEndian.PutUint32(rev[:], opts.NextRev)
	if err := t.dev.Prog(t.Block, 0, rev[:]); err != nil {
		return xerrors.Errorf("rbyd: write revision: %w", err)
	}
	if err := t.dev.Prog(t.Block, base, b.buf); err != nil {
		return xerrors.Errorf("rbyd: write trunk: %w", err)
	}

	t.Rev = opts.NextRev
	t.Trunk = base
	t.EOff = total
	t.Cksum = final
	t.Perturb = b.perturb
	return nil
}

// Compact erases the block and rewrites the current row set fresh,
// reclaiming space from every commit record Append has accumulated in
// it so far (spec.md §4.3 "Compact"). Unlike Commit, which only
// rewrites from revSize and therefore depends on the block already
// being either empty or about to be erased by its caller (Alloc,
// Relocate), Compact is the one entry point callers use against a
// block that may already hold live, previously-Appended data — so it
// must erase first, or the fresh trunk it writes at revSize would
// leave stale bytes past its own EOff that an earlier Fetch-era
// assumption could misread as a further commit.
func (t *Tree) Compact(opts CommitOpts) error {
	if err := t.dev.Erase(t.Block); err != nil {
		return xerrors.Errorf("rbyd: erase %d: %w", t.Block, err)
	}
	return t.Commit(nil, opts)
}
