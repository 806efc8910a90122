package gstate

import "testing"

func TestGRMPushAndHas(t *testing.T) {
	var g GRM
	if !g.Push(5) || !g.Push(9) {
		t.Fatalf("Push should succeed within MaxGRM")
	}
	if g.Push(1) {
		t.Fatalf("Push beyond MaxGRM should fail")
	}
	if !g.Has(5) || !g.Has(9) || g.Has(42) {
		t.Fatalf("Has returned wrong membership")
	}
	g.Clear()
	if g.N != 0 || g.Has(5) {
		t.Fatalf("Clear did not reset GRM")
	}
}

func TestStateDeltaCommitRoundTrip(t *testing.T) {
	var s State
	s.Delta(0, 0x12345678)
	p := s.Flush()
	s.Commit(p)

	// committing the exact inverse delta should XOR gcksum back to 0.
	var s2 State
	s2.Delta(0x12345678, 0)
	p2 := s2.Flush()
	before := s.GCksum
	s.Commit(p2)
	if s.GCksum != 0 {
		t.Fatalf("inverse delta left gcksum %#x (was %#x), want 0", s.GCksum, before)
	}
}

func TestStateRevertLeavesCommittedUntouched(t *testing.T) {
	var s State
	s.GCksum = 0xaa
	s.Delta(0, 0xff)
	p := s.Flush()
	s.Revert(p)
	if s.GCksum != 0xaa {
		t.Fatalf("Revert must not touch committed GCksum, got %#x", s.GCksum)
	}
}

func TestValidateAgreesWithDelta(t *testing.T) {
	var s State
	s.Delta(0, 7)
	p := s.Flush()
	s.Commit(p)
	if !Validate(s.GCksum, p.cksumDelta) {
		t.Fatalf("Validate should accept the delta that produced GCksum")
	}
}
