package traverse

import (
	"testing"

	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/mdir"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

func newTestDevice(t *testing.T) *bd.Cached {
	t.Helper()
	mem := bd.NewMemDevice(16, 16, 256, 8)
	return bd.NewCached(mem, 256, 256, bd.Validate{})
}

func TestRunWalksInlineAnchorAndEntries(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	anchor := rbyd.New(dev, mdir.Anchor.B0)
	attrs := []rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("alpha")},
		{Rid: 1, Delta: 1, Tag: tag.NameReg, Data: []byte("beta")},
	}
	if err := anchor.Commit(attrs, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}

	var blocks []uint32
	visits, err := Run(dev, ModeMtreeOnly, func(b uint32) { blocks = append(blocks, b) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var mids []int32
	for _, v := range visits {
		if v.Kind == tag.NameReg {
			mids = append(mids, v.Mid)
		}
	}
	if len(mids) != 2 || mids[0] != 0 || mids[1] != 1 {
		t.Fatalf("mids = %v, want [0 1]", mids)
	}
	if len(blocks) == 0 {
		t.Fatalf("OnBlock was never invoked")
	}
}

func TestModeMtreeOnlyStillWalksRows(t *testing.T) {
	// ModeMtreeOnly's doc comment ("stops after MDIR enumeration")
	// names the phase it stops at (BTree), not a skip of the row walk
	// itself; this pins that down explicitly alongside the
	// TestRunWalksInlineAnchorAndEntries case above.
	dev := newTestDevice(t)
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("alpha")},
	}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}

	visits, err := Run(dev, ModeMtreeOnly, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var rows int
	for _, v := range visits {
		if v.Kind == tag.NameReg {
			rows++
		}
	}
	if rows != 1 {
		t.Fatalf("ModeMtreeOnly visited %d NameReg rows, want 1", rows)
	}
}

func TestModeMkConsistentCollectsOrphanStickyNotes(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("clean")},
		{Rid: 1, Delta: 1, Tag: tag.NameStickyNote, Data: []byte("orphan")},
	}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}

	s := New(dev, ModeMkConsistent)
	for {
		if _, ok := s.Step(); !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		t.Fatalf("traversal error: %v", err)
	}
	if len(s.Orphans) != 1 || s.Orphans[0].Mid != 1 {
		t.Fatalf("Orphans = %v, want one entry at mid 1", s.Orphans)
	}
}

func TestModeCompactTriggersBelowThreshold(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("alpha")},
	}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}
	// Chain a handful of cheap appends so EOff has grown measurably
	// past a single commit's worth, the slack ModeCompact should
	// reclaim.
	for i := 0; i < 4; i++ {
		if err := anchor.Append([]rbyd.Attr{
			{Rid: 0, Tag: tag.StructData, Data: []byte("filler-filler-filler")},
		}, rbyd.CommitOpts{NextRev: 1}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	eoffBefore := anchor.EOff

	s := New(dev, ModeCompact)
	s.CompactThresh = dev.BlockSize() // always below threshold: forces a compact
	for {
		if _, ok := s.Step(); !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		t.Fatalf("traversal error: %v", err)
	}

	after, err := rbyd.Fetch(dev, mdir.Anchor.B0)
	if err != nil {
		t.Fatalf("refetch after compact: %v", err)
	}
	if after.EOff >= eoffBefore {
		t.Fatalf("EOff after compact = %d, want less than pre-compact %d", after.EOff, eoffBefore)
	}
}

func TestModeCompactSkipsAboveThreshold(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("alpha")},
	}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}
	eoffBefore := anchor.EOff

	s := New(dev, ModeCompact)
	s.CompactThresh = 1 // practically never satisfied: plenty of free space
	for {
		if _, ok := s.Step(); !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		t.Fatalf("traversal error: %v", err)
	}

	after, err := rbyd.Fetch(dev, mdir.Anchor.B0)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if after.EOff != eoffBefore {
		t.Fatalf("EOff changed from %d to %d, compact should not have run", eoffBefore, after.EOff)
	}
}

func TestModeCkMetaFailsOnTamperedHalf(t *testing.T) {
	dev := newTestDevice(t)
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase: %v", err)
	}

	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("alpha")},
	}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}

	// Corrupt a byte inside the committed live half directly on the
	// device, simulating torn/corrupted flash that ModeCkMeta's
	// validateMdir must catch even though the in-RAM Mdir already
	// chose this half as live.
	buf := make([]byte, dev.BlockSize())
	if err := dev.Read(mdir.Anchor.B0, 0, buf, -1); err != nil {
		t.Fatalf("read block: %v", err)
	}
	buf[4] ^= 0xff
	if err := dev.Prog(mdir.Anchor.B0, 0, buf); err != nil {
		t.Fatalf("prog tampered block: %v", err)
	}

	_, err := Run(dev, ModeCkMeta, nil)
	if err == nil {
		t.Fatalf("Run(ModeCkMeta) over a tampered live half should fail")
	}
}

func TestBrentDetectsMrootCycle(t *testing.T) {
	dev := newTestDevice(t)
	for _, b := range []uint32{mdir.Anchor.B0, mdir.Anchor.B1, 2, 3} {
		if err := dev.Erase(b); err != nil {
			t.Fatalf("erase %d: %v", b, err)
		}
	}

	// anchor points at {2,3}, which points right back at the anchor:
	// an (invalid) two-node cycle that Brent's algorithm must bound.
	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{{Rid: 0, Delta: 1, Tag: tag.StructMRoot, Data: mdir.EncodeLink(mdir.Pair{B0: 2, B1: 3})}}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit anchor: %v", err)
	}
	cycled := rbyd.New(dev, 2)
	if err := cycled.Commit([]rbyd.Attr{{Rid: 0, Delta: 1, Tag: tag.StructMRoot, Data: mdir.EncodeLink(mdir.Anchor)}}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("commit cycled mroot: %v", err)
	}

	_, err := Run(dev, ModeMtreeOnly, nil)
	if err == nil {
		t.Fatalf("Run should report a cycle error")
	}
}
