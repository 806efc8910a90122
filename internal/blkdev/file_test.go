package blkdev

import (
	"path/filepath"
	"testing"
)

func TestOpenWritesAndReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	d, err := Open(path, 16, 16, 512, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.BlockCount() != 8 || d.BlockSize() != 512 {
		t.Fatalf("geometry = %d/%d, want 8/512", d.BlockCount(), d.BlockSize())
	}

	buf := make([]byte, 512)
	if err := d.ReadAt(0, 0, 512, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff (freshly erased)", i, b)
		}
	}

	payload := []byte("hello lfs3")
	if err := d.ProgAt(1, 0, payload); err != nil {
		t.Fatalf("ProgAt: %v", err)
	}
	got := make([]byte, len(payload))
	if err := d.ReadAt(1, 0, uint32(len(payload)), got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("ReadAt = %q, want %q", got, payload)
	}

	if err := d.Erase(1); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := d.ReadAt(1, 0, 1, got[:1]); err != nil {
		t.Fatalf("ReadAt after Erase: %v", err)
	}
	if got[0] != 0xff {
		t.Fatalf("byte after Erase = %#x, want 0xff", got[0])
	}

	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestOpenRejectsSecondFlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	d, err := Open(path, 16, 16, 512, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := Open(path, 16, 16, 512, 8); err == nil {
		t.Fatalf("second Open on a locked image should fail")
	}
}
