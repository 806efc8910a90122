// Package mdir implements the two-block redundant metadata directory
// (spec.md §4.6 "mdir and mroot"): a pair of rbyd blocks whose live
// half is the one with the greater revision (wrap-safe signed
// compare), giving wear-leveled, crash-atomic swaps at the granularity
// of a single compaction.
package mdir

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

// Pair identifies an mdir's two redundant blocks (spec.md glossary
// "mdir").
type Pair struct {
	B0, B1 uint32
}

// Anchor is the filesystem's one fixed, hardcoded address (spec.md
// glossary "mroot anchor"); every other mdir is reached by walking the
// chain starting here.
var Anchor = Pair{B0: 0, B1: 1}

// Revision counter layout (spec.md §3 glossary "Revision counter"):
// the top bits are a relocation revision, incremented only when an
// mdir is relocated to fresh blocks; the low recycleBits are a recycle
// counter, incremented on every in-place swap. recycleBits is a build
// choice (spec.md calls it "configurable width"); 9 gives 512 swaps
// between relocations, matching typical flash block-recycle budgets.
const (
	recycleBits = 9
	recycleMask = uint32(1)<<recycleBits - 1
)

func relocationOf(rev uint32) uint32 { return rev >> recycleBits }
func recycleOf(rev uint32) uint32    { return rev & recycleMask }

// RevGreater implements the wrap-safe signed compare spec.md requires
// when deciding which half of a pair is live: revision counters wrap,
// so comparison must be done on the signed difference, not raw
// magnitude.
func RevGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// ErrNoSpace is returned by Swap when the recycle counter has run out
// of room and the mdir must be relocated instead (spec.md §4.6
// "Swap": "if it overflows the relocation revision, fail with NOSPC
// so caller can relocate").
var ErrNoSpace = xerrors.New("mdir: recycle counter exhausted, relocation required")

// Mdir is one open mdir: its physical pair and the currently-live
// rbyd half.
type Mdir struct {
	Pair Pair
	Live *rbyd.Tree
	rev  uint32
}

func (m *Mdir) Rev() uint32    { return m.rev }
func (m *Mdir) Weight() int32  { return m.Live.Weight() }

func (m *Mdir) staleBlock() uint32 {
	if m.Live.Block == m.Pair.B0 {
		return m.Pair.B1
	}
	return m.Pair.B0
}

// Fetch reads both halves of pair and returns the live one: whichever
// fetches successfully with the greater revision (spec.md §4.6
// "Fetch"). A half that fails to fetch (CORRUPT, stale/half-erased
// tail) is simply ignored in favor of its sibling.
func Fetch(dev rbyd.Device, pair Pair) (*Mdir, error) {
	t0, err0 := rbyd.Fetch(dev, pair.B0)
	t1, err1 := rbyd.Fetch(dev, pair.B1)

	switch {
	case err0 != nil && err1 != nil:
		return nil, xerrors.Errorf("mdir: fetch {%d,%d}: both halves unreadable (%v / %v)", pair.B0, pair.B1, err0, err1)
	case err0 != nil:
		return &Mdir{Pair: pair, Live: t1, rev: t1.Rev}, nil
	case err1 != nil:
		return &Mdir{Pair: pair, Live: t0, rev: t0.Rev}, nil
	case RevGreater(t1.Rev, t0.Rev):
		return &Mdir{Pair: pair, Live: t1, rev: t1.Rev}, nil
	default:
		return &Mdir{Pair: pair, Live: t0, rev: t0.Rev}, nil
	}
}

// Swap writes attrs into the stale half of the pair, advancing the
// recycle counter (spec.md §4.6 "Swap"). force permits the one
// exception the spec carves out for the anchor: "The anchor itself
// must succeed with swap(force=true); failure here means the
// filesystem is stuck" (spec.md §4.7 stage 7) — force rolls the
// relocation revision instead of returning ErrNoSpace.
func (m *Mdir) Swap(dev rbyd.Device, attrs []rbyd.Attr, force bool) error {
	var nextRev uint32
	if nr := recycleOf(m.rev) + 1; nr > recycleMask {
		if !force {
			return ErrNoSpace
		}
		nextRev = (relocationOf(m.rev) + 1) << recycleBits
	} else {
		nextRev = relocationOf(m.rev)<<recycleBits | nr
	}

	target := m.staleBlock()
	if err := dev.Erase(target); err != nil {
		return xerrors.Errorf("mdir: erase %d: %w", target, err)
	}

	next := rbyd.New(dev, target)
	next.SetRows(m.Live.Export())
	if err := next.Commit(attrs, rbyd.CommitOpts{NextRev: nextRev}); err != nil {
		return err
	}

	m.Live = next
	m.rev = nextRev
	return nil
}

// Commit is the mdir-level primary commit path (spec.md §4.7 stage 4):
// it tries a cheap, non-erasing rbyd.Append into the live half at the
// current revision first, and only falls back to the erase-and-relocate
// Swap (stage 5) when Append reports ErrRange because the live half is
// full. This is what keeps ordinary mutations from wearing a flash
// block on every single commit — Swap is reserved for the rare case
// where a half has genuinely run out of room.
func (m *Mdir) Commit(dev rbyd.Device, attrs []rbyd.Attr, force bool) error {
	if err := m.Live.Append(attrs, rbyd.CommitOpts{NextRev: m.rev}); err != nil {
		if err != rbyd.ErrRange {
			return err
		}
		return m.Swap(dev, attrs, force)
	}
	return nil
}

// TrialCommit applies attrs to a scratch copy of m's current row set
// and returns the result without persisting anything, for callers that
// need to inspect an overflowing commit before deciding how to
// resolve it (spec.md §4.7 stage 5 "On RANGE / overflow"). The device
// is never touched: only rbyd.Attr's in-RAM row mutation runs.
func (m *Mdir) TrialCommit(attrs []rbyd.Attr) ([]rbyd.RawRow, error) {
	t := rbyd.New(nil, 0)
	t.SetRows(m.Live.Export())
	for _, a := range attrs {
		if err := t.AppendAttr(a); err != nil {
			return nil, err
		}
	}
	return t.Export(), nil
}

// Alloc seeds a brand-new mdir pair: one live block carrying attrs at
// revision 1, and one erased shadow half ready to receive the first
// swap (spec.md §4.6 "Alloc").
func Alloc(dev rbyd.Device, allocBlock func() (uint32, error), attrs []rbyd.Attr) (*Mdir, error) {
	b0, err := allocBlock()
	if err != nil {
		return nil, err
	}
	b1, err := allocBlock()
	if err != nil {
		return nil, err
	}
	if err := dev.Erase(b0); err != nil {
		return nil, err
	}
	if err := dev.Erase(b1); err != nil {
		return nil, err
	}

	t := rbyd.New(dev, b0)
	if err := t.Commit(attrs, rbyd.CommitOpts{NextRev: 1}); err != nil {
		return nil, err
	}
	return &Mdir{Pair: Pair{B0: b0, B1: b1}, Live: t, rev: 1}, nil
}

// Relocate allocates a fresh pair and seeds it with an existing row
// set, used when a commit's overflow handling decides the mdir must
// move to new blocks entirely (spec.md §4.7 stage 5 "Relocate").
func Relocate(dev rbyd.Device, allocBlock func() (uint32, error), rows []rbyd.RawRow) (*Mdir, error) {
	m, err := Alloc(dev, allocBlock, nil)
	if err != nil {
		return nil, err
	}
	m.Live.SetRows(rows)
	if err := m.Live.Commit(nil, rbyd.CommitOpts{NextRev: m.rev}); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeLink packs a Pair as a StructMRoot tag payload (spec.md §6.2).
func EncodeLink(p Pair) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], p.B0)
	binary.LittleEndian.PutUint32(buf[4:8], p.B1)
	return buf[:]
}

// DecodeLink is the inverse of EncodeLink.
func DecodeLink(data []byte) (Pair, error) {
	if len(data) != 8 {
		return Pair{}, xerrors.Errorf("mdir: malformed MROOT link (%d bytes)", len(data))
	}
	return Pair{
		B0: binary.LittleEndian.Uint32(data[0:4]),
		B1: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// MRootParent walks the mroot chain from the fixed anchor until it
// finds the link pointing at child, using Brent's cycle-detection
// algorithm to bound the scan even over a corrupted, cyclic chain
// (spec.md §4.6 "mroot_parent", §4.9 "Uses Brent's cycle detection on
// the mroot chain").
func MRootParent(dev rbyd.Device, child Pair) (Pair, error) {
	if child == Anchor {
		return Pair{}, xerrors.Errorf("mroot_parent: anchor has no parent")
	}

	power, lam := uint32(1), uint32(0)
	tortoise := Anchor
	cur := Anchor

	for {
		m, err := Fetch(dev, cur)
		if err != nil {
			return Pair{}, xerrors.Errorf("mroot_parent: fetch %+v: %w", cur, err)
		}
		data, ok := m.Live.Lookup(0, tag.StructMRoot)
		if !ok {
			return Pair{}, xerrors.Errorf("mroot_parent: %+v is the active mroot (no MROOT link)", cur)
		}
		next, err := DecodeLink(data)
		if err != nil {
			return Pair{}, err
		}
		if next == child {
			return cur, nil
		}

		cur = next
		lam++
		if lam == power {
			tortoise = cur
			power *= 2
			lam = 0
		} else if cur == tortoise {
			return Pair{}, xerrors.Errorf("mroot_parent: cycle detected in mroot chain")
		}
	}
}
