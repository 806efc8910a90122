package alloc

import "testing"

func TestNextSkipsAnchorAndInUse(t *testing.T) {
	a := New(32, 4) // windowSize = 32
	a.Reset(0)
	a.MarkInUse(2)

	seen := map[uint32]bool{}
	for i := 0; i < 5; i++ {
		b, err := a.Next()
		if err != nil {
			t.Fatalf("Next() #%d: %v", i, err)
		}
		if b == 0 || b == 1 {
			t.Fatalf("Next() returned anchor block %d", b)
		}
		if b == 2 {
			t.Fatalf("Next() returned already-in-use block 2")
		}
		if seen[b] {
			t.Fatalf("Next() returned duplicate block %d", b)
		}
		seen[b] = true
	}
}

func TestNextExhaustsWindow(t *testing.T) {
	a := New(8, 1) // windowSize = 8
	a.Reset(0)

	var got int
	for {
		if _, err := a.Next(); err != nil {
			if err != ErrNoSpace {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		got++
	}
	// blocks 0,1 are anchor, so at most 6 of the 8-block window are
	// allocatable.
	if got != 6 {
		t.Fatalf("allocated %d blocks, want 6", got)
	}
}

func TestCkpointAndNeedsTraversal(t *testing.T) {
	a := New(32, 2) // windowSize = 16
	a.Reset(16)     // a window clear of the anchor blocks {0,1}
	if a.NeedsTraversal() {
		t.Fatalf("fresh allocator should not need a traversal")
	}
	for i := 0; i < 16; i++ {
		a.Next()
	}
	if !a.NeedsTraversal() {
		t.Fatalf("allocator should need a traversal once outstanding >= window size")
	}
	a.Ckpoint()
	if a.Outstanding() != 0 {
		t.Fatalf("Ckpoint should reset outstanding count")
	}
}

func TestGrowRejectsShrink(t *testing.T) {
	a := New(16, 2)
	if err := a.Grow(8); err == nil {
		t.Fatalf("Grow should reject a smaller block count")
	}
	if err := a.Grow(32); err != nil {
		t.Fatalf("Grow: %v", err)
	}
}
