package btree

import (
	"testing"

	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

func TestCommitGrowsAndSplits(t *testing.T) {
	mem := bd.NewMemDevice(16, 16, 128, 64)
	dev := bd.NewCached(mem, 128, 128, bd.Validate{})

	next := uint32(1)
	alloc := func() (uint32, error) {
		b := next
		next++
		return b, nil
	}

	tr := Open(dev, alloc, Root{})
	lim := Limits{FileLimit: 1 << 20, BlockSize: 128}

	for i := 0; i < 40; i++ {
		attrs := []rbyd.Attr{{Rid: int32(i), Delta: 1, Tag: tag.Attr, Data: []byte{byte(i)}}}
		if err := tr.Commit(int32(i), attrs, lim); err != nil {
			t.Fatalf("Commit(%d): %v", i, err)
		}
	}

	if got, want := tr.Weight(), int32(40); got != want {
		t.Fatalf("Weight() = %d, want %d", got, want)
	}

	leaf, rid, err := tr.Lookup(0)
	if err != nil {
		t.Fatalf("Lookup(0): %v", err)
	}
	data, ok := leaf.Lookup(rid, tag.Attr)
	if !ok || data[0] != 0 {
		t.Fatalf("Lookup(0) data = %v, ok=%v", data, ok)
	}

	leaf, rid, err = tr.Lookup(39)
	if err != nil {
		t.Fatalf("Lookup(39): %v", err)
	}
	data, ok = leaf.Lookup(rid, tag.Attr)
	if !ok || data[0] != 39 {
		t.Fatalf("Lookup(39) data = %v, ok=%v", data, ok)
	}
}
