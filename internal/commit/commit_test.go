package commit

import (
	"testing"

	"github.com/distr1/lfs3/internal/alloc"
	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/btree"
	"github.com/distr1/lfs3/internal/gstate"
	"github.com/distr1/lfs3/internal/mdir"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

func newTestDevice(t *testing.T, blockSize, blockCount uint32) *bd.Cached {
	t.Helper()
	mem := bd.NewMemDevice(16, 16, blockSize, blockCount)
	return bd.NewCached(mem, blockSize, blockSize, bd.Validate{})
}

func formatInline(t *testing.T, dev *bd.Cached) {
	t.Helper()
	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		t.Fatalf("erase anchor b0: %v", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		t.Fatalf("erase anchor b1: %v", err)
	}
	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit([]rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.ConfigMagic, Data: []byte("lfs3")},
	}, rbyd.CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("format: commit anchor: %v", err)
	}
}

func TestOpenInlineAndCommit(t *testing.T) {
	dev := newTestDevice(t, 256, 16)
	formatInline(t, dev)

	a := alloc.New(16, 1)
	a.Reset(0)
	var gs gstate.State
	lim := btree.Limits{FileLimit: 1 << 20, BlockSize: 256}

	p, err := Open(dev, a, &gs, lim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.mt != nil {
		t.Fatalf("freshly formatted inline filesystem should have no mtree")
	}

	if err := p.CommitInline([]rbyd.Attr{
		{Rid: 1, Delta: 1, Tag: tag.NameReg, Data: []byte("hello")},
	}); err != nil {
		t.Fatalf("CommitInline: %v", err)
	}

	reopened, err := Open(dev, a, &gs, lim)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.MRoot().Weight() != 2 {
		t.Fatalf("Weight() = %d, want 2", reopened.MRoot().Weight())
	}
	data, ok := reopened.MRoot().Live.Lookup(1, tag.NameReg)
	if !ok || string(data) != "hello" {
		t.Fatalf("Lookup(1, NameReg) = %q, %v", data, ok)
	}
}

func TestCommitInlineSurvivesGstateRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 256, 16)
	formatInline(t, dev)

	a := alloc.New(16, 1)
	a.Reset(0)
	var gs gstate.State
	lim := btree.Limits{FileLimit: 1 << 20, BlockSize: 256}

	p, err := Open(dev, a, &gs, lim)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	beforeCksum := gs.GCksum

	if err := p.CommitInline([]rbyd.Attr{
		{Rid: 1, Delta: 1, Tag: tag.NameReg, Data: []byte("x")},
	}); err != nil {
		t.Fatalf("CommitInline: %v", err)
	}
	if gs.GCksum == beforeCksum {
		t.Fatalf("gcksum should change after a committed mutation")
	}
}
