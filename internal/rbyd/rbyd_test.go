package rbyd

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/tag"
)

func newTestDevice(t *testing.T) *bd.Cached {
	t.Helper()
	dev := bd.NewMemDevice(16, 16, 4096, 4)
	return bd.NewCached(dev, 512, 512, bd.Validate{})
}

func TestCommitFetchRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	tr := New(dev, 2)

	attrs := []Attr{
		{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("hello")},
		{Rid: 1, Delta: 1, Tag: tag.NameDir, Data: []byte("world")},
	}
	if err := tr.Commit(attrs, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, want := tr.Weight(), int32(2); got != want {
		t.Fatalf("Weight() = %d, want %d", got, want)
	}

	fetched, err := Fetch(dev, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, want := fetched.Weight(), int32(2); got != want {
		t.Fatalf("fetched Weight() = %d, want %d", got, want)
	}

	got, ok := fetched.Lookup(0, tag.NameReg)
	if !ok {
		t.Fatalf("Lookup(0, NameReg) missing")
	}
	if diff := cmp.Diff([]byte("hello"), got); diff != "" {
		t.Errorf("Lookup(0, NameReg) mismatch (-want +got):\n%s", diff)
	}

	got, ok = fetched.Lookup(1, tag.NameDir)
	if !ok || string(got) != "world" {
		t.Fatalf("Lookup(1, NameDir) = %q, %v", got, ok)
	}
}

func TestAppendAttrInsertUpdateDelete(t *testing.T) {
	dev := newTestDevice(t)
	tr := New(dev, 2)

	for i := 0; i < 4; i++ {
		if err := tr.AppendAttr(Attr{Rid: int32(i), Delta: 1, Tag: tag.NameReg, Data: []byte{byte('a' + i)}}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if tr.Rows() != 4 {
		t.Fatalf("Rows() = %d, want 4", tr.Rows())
	}

	if err := tr.AppendAttr(Attr{Rid: 1, Tag: tag.NameReg, Data: []byte("updated")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := tr.Lookup(1, tag.NameReg)
	if string(got) != "updated" {
		t.Fatalf("Lookup after update = %q", got)
	}

	if err := tr.AppendAttr(Attr{Rid: 2, Delta: -1}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if tr.Rows() != 3 {
		t.Fatalf("Rows() after delete = %d, want 3", tr.Rows())
	}

	if err := tr.Commit(nil, CommitOpts{NextRev: 2}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	fetched, err := Fetch(dev, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched.Rows() != 3 {
		t.Fatalf("fetched Rows() = %d, want 3", fetched.Rows())
	}
}

func TestCommitRangeOnOverflow(t *testing.T) {
	dev := bd.NewCached(bd.NewMemDevice(16, 16, 64, 4), 64, 64, bd.Validate{})
	tr := New(dev, 0)

	var attrs []Attr
	for i := 0; i < 16; i++ {
		attrs = append(attrs, Attr{Rid: int32(i), Delta: 1, Tag: tag.Attr, Data: make([]byte, 16)})
	}
	if err := tr.Commit(attrs, CommitOpts{NextRev: 1}); err != ErrRange {
		t.Fatalf("Commit() = %v, want ErrRange", err)
	}
}

func TestAppendWritesWithoutErasingPriorCommit(t *testing.T) {
	mem := bd.NewMemDevice(16, 16, 4096, 4)
	dev := bd.NewCached(mem, 512, 512, bd.Validate{})
	tr := New(dev, 2)

	if err := tr.Commit([]Attr{{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("v1")}}, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	firstEOff := tr.EOff

	// Record every byte before EOff: a non-erasing Append must leave
	// them untouched, unlike Swap/Compact which erase the whole block.
	raw := append([]byte(nil), mem.RawBlock(2)[:firstEOff]...)

	if err := tr.Append([]Attr{{Rid: 1, Delta: 1, Tag: tag.NameDir, Data: []byte("v2")}}, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if tr.EOff <= firstEOff {
		t.Fatalf("EOff after append = %d, want > %d", tr.EOff, firstEOff)
	}
	if diff := cmp.Diff(raw, mem.RawBlock(2)[:firstEOff]); diff != "" {
		t.Errorf("bytes before first EOff changed after Append (-want +got):\n%s", diff)
	}

	fetched, err := Fetch(dev, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched.Weight() != 2 {
		t.Fatalf("fetched Weight() = %d, want 2", fetched.Weight())
	}
	if got, ok := fetched.Lookup(0, tag.NameReg); !ok || string(got) != "v1" {
		t.Fatalf("Lookup(0, NameReg) = %q, %v", got, ok)
	}
	if got, ok := fetched.Lookup(1, tag.NameDir); !ok || string(got) != "v2" {
		t.Fatalf("Lookup(1, NameDir) = %q, %v", got, ok)
	}
}

func TestAppendOverflowRollsBackRowsAndLeavesBlockUntouched(t *testing.T) {
	dev := bd.NewCached(bd.NewMemDevice(16, 16, 64, 4), 64, 64, bd.Validate{})
	tr := New(dev, 0)
	if err := tr.Commit([]Attr{{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("x")}}, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	rowsBefore := tr.Rows()
	eoffBefore := tr.EOff

	big := Attr{Rid: 1, Delta: 1, Tag: tag.Attr, Data: make([]byte, 48)}
	if err := tr.Append([]Attr{big}, CommitOpts{NextRev: 1}); err != ErrRange {
		t.Fatalf("Append() = %v, want ErrRange", err)
	}
	if tr.Rows() != rowsBefore {
		t.Fatalf("Rows() after failed append = %d, want %d (rollback)", tr.Rows(), rowsBefore)
	}
	if tr.EOff != eoffBefore {
		t.Fatalf("EOff after failed append = %d, want %d (unchanged)", tr.EOff, eoffBefore)
	}

	fetched, err := Fetch(dev, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got, ok := fetched.Lookup(0, tag.NameReg); !ok || string(got) != "x" {
		t.Fatalf("Lookup(0, NameReg) after failed append = %q, %v", got, ok)
	}
}

func TestCompactErasesBeforeRewriting(t *testing.T) {
	mem := bd.NewMemDevice(16, 16, 4096, 4)
	dev := bd.NewCached(mem, 512, 512, bd.Validate{})
	tr := New(dev, 2)

	if err := tr.Commit([]Attr{{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("v1")}}, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := tr.Append([]Attr{{Rid: 1, Delta: 1, Tag: tag.NameDir, Data: []byte("v2")}}, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := tr.Compact(CommitOpts{NextRev: 2}); err != nil {
		t.Fatalf("compact: %v", err)
	}

	// The erased block must contain exactly one commit after Compact:
	// re-fetching from scratch should see the same single, combined
	// trunk Compact just wrote, not leftover bytes from the two prior
	// append commits.
	fetched, err := Fetch(dev, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched.Weight() != 2 {
		t.Fatalf("fetched Weight() after compact = %d, want 2", fetched.Weight())
	}
	if fetched.EOff != tr.EOff || fetched.Trunk != tr.Trunk {
		t.Fatalf("fetched {Trunk:%d EOff:%d} != live {Trunk:%d EOff:%d} after compact", fetched.Trunk, fetched.EOff, tr.Trunk, tr.EOff)
	}
	if got, ok := fetched.Lookup(0, tag.NameReg); !ok || string(got) != "v1" {
		t.Fatalf("Lookup(0, NameReg) after compact = %q, %v", got, ok)
	}
	if got, ok := fetched.Lookup(1, tag.NameDir); !ok || string(got) != "v2" {
		t.Fatalf("Lookup(1, NameDir) after compact = %q, %v", got, ok)
	}
}

func TestInterruptedCommitLeavesPriorStateMountable(t *testing.T) {
	mem := bd.NewMemDevice(16, 16, 4096, 4)
	dev := bd.NewCached(mem, 512, 512, bd.Validate{})
	tr := New(dev, 2)
	if err := tr.Commit([]Attr{{Rid: 0, Delta: 1, Tag: tag.NameReg, Data: []byte("v1")}}, CommitOpts{NextRev: 1}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Simulate a crash mid-next-commit: garbage bytes land right after
	// the last valid CKSUM, as a half-finished prog would leave. A
	// reader must still observe exactly the pre-commit state
	// (spec.md §8 property 1).
	raw := mem.RawBlock(2)
	for i := tr.EOff; i < tr.EOff+8 && int(i) < len(raw); i++ {
		raw[i] = 0x5a
	}

	fetched, err := Fetch(dev, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, ok := fetched.Lookup(0, tag.NameReg)
	if !ok || string(got) != "v1" {
		t.Fatalf("Lookup after simulated crash = %q, %v", got, ok)
	}
}
