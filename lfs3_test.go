package lfs3

import (
	"errors"
	"testing"

	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BlockSize = 512
	cfg.BlockCount = 32
	cfg.RCacheSize = 512
	cfg.PCacheSize = 512
	cfg.LookaheadSize = 1
	return cfg
}

func TestFormatThenMount(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)

	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if got := fs.Stat().BlockCount; got != cfg.BlockCount {
		t.Fatalf("Stat().BlockCount = %d, want %d", got, cfg.BlockCount)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	reopened, err := Mount(mem, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := reopened.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
}

func TestMountRejectsBadMagic(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)

	if _, err := Mount(mem, cfg); err == nil {
		t.Fatalf("Mount on unformatted device should fail")
	}
}

func TestGrowPersistsNewBlockCount(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)

	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := fs.Grow(64); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if got := fs.Stat().BlockCount; got != 64 {
		t.Fatalf("Stat().BlockCount after Grow = %d, want 64", got)
	}
}

func TestErrorsIsMatchesSentinel(t *testing.T) {
	err := newErr(CodeNoEnt, "open", "/missing", nil)
	if !errors.Is(err, ErrNoEnt) {
		t.Fatalf("expected %v to match ErrNoEnt", err)
	}
}

func isNoEnt(err error) bool {
	fe, ok := err.(*Error)
	return ok && fe.Code == CodeNoEnt
}

func TestWriteReadRemoveFile(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fs.WriteFile("hello.txt", []byte("world")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := fs.ReadFile("hello.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("ReadFile = %q, want %q", got, "world")
	}

	if err := fs.WriteFile("hello.txt", []byte("world!!")); err != nil {
		t.Fatalf("overwrite WriteFile: %v", err)
	}
	if got, err := fs.ReadFile("hello.txt"); err != nil || string(got) != "world!!" {
		t.Fatalf("ReadFile after overwrite = %q, %v", got, err)
	}

	if err := fs.Mkdir("sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	entries, err := fs.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ReadDir() = %v, want 2 entries", entries)
	}

	if err := fs.Remove("hello.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fs.ReadFile("hello.txt"); !isNoEnt(err) {
		t.Fatalf("ReadFile after Remove = %v, want NoEnt", err)
	}
}

func TestRenameSimpleMove(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fs.WriteFile("a.txt", []byte("contents")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.Rename("a.txt", "b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.ReadFile("a.txt"); !isNoEnt(err) {
		t.Fatalf("ReadFile(a.txt) after rename = %v, want NoEnt", err)
	}
	got, err := fs.ReadFile("b.txt")
	if err != nil || string(got) != "contents" {
		t.Fatalf("ReadFile(b.txt) = %q, %v", got, err)
	}
}

func TestRenameRoundTrip(t *testing.T) {
	// spec.md §8 scenario 4: rename(a,b); rename(b,a) must restore the
	// original state.
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fs.WriteFile("a.txt", []byte("original")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.Rename("a.txt", "b.txt"); err != nil {
		t.Fatalf("rename(a,b): %v", err)
	}
	if err := fs.Rename("b.txt", "a.txt"); err != nil {
		t.Fatalf("rename(b,a): %v", err)
	}
	got, err := fs.ReadFile("a.txt")
	if err != nil || string(got) != "original" {
		t.Fatalf("ReadFile(a.txt) after round trip = %q, %v", got, err)
	}
	if _, err := fs.ReadFile("b.txt"); !isNoEnt(err) {
		t.Fatalf("ReadFile(b.txt) after round trip = %v, want NoEnt", err)
	}
	entries, err := fs.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ReadDir() = %v, want exactly 1 entry", entries)
	}
}

func TestRenameOverwritesExistingDestination(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fs.WriteFile("src.txt", []byte("new")); err != nil {
		t.Fatalf("WriteFile src: %v", err)
	}
	if err := fs.WriteFile("dst.txt", []byte("old")); err != nil {
		t.Fatalf("WriteFile dst: %v", err)
	}
	if err := fs.Rename("src.txt", "dst.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.ReadFile("src.txt"); !isNoEnt(err) {
		t.Fatalf("ReadFile(src.txt) after overwrite-rename = %v, want NoEnt", err)
	}
	got, err := fs.ReadFile("dst.txt")
	if err != nil || string(got) != "new" {
		t.Fatalf("ReadFile(dst.txt) after overwrite-rename = %q, %v", got, err)
	}
	entries, err := fs.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ReadDir() = %v, want exactly 1 entry (src consumed)", entries)
	}
}

func TestRenameMissingSourceReturnsNoEnt(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := fs.Rename("missing.txt", "dst.txt"); !isNoEnt(err) {
		t.Fatalf("Rename(missing) = %v, want NoEnt", err)
	}
}

func TestMountReplaysOrphanedStickyNote(t *testing.T) {
	// Simulates a crash between Rename's two overwrite commits: the
	// destination row is left carrying only a STICKYNOTE, never
	// finalized. Mount must remove it outright (spec.md §3 invariant
	// (iii)).
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	if err := fs.WriteFile("src.txt", []byte("new")); err != nil {
		t.Fatalf("WriteFile src: %v", err)
	}
	if err := fs.WriteFile("dst.txt", []byte("old")); err != nil {
		t.Fatalf("WriteFile dst: %v", err)
	}

	rows := rootRows(fs)
	dstRid, _, _, ok := findByName(rows, "dst.txt")
	if !ok {
		t.Fatalf("dst.txt row not found")
	}
	if err := fs.pipe.CommitInline([]rbyd.Attr{
		{Rid: int32(dstRid), Tag: tag.NameReg, Rm: true},
		{Rid: int32(dstRid), Tag: tag.NameStickyNote, Data: []byte("dst.txt")},
	}); err != nil {
		t.Fatalf("stage stickynote: %v", err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	reopened, err := Mount(mem, cfg)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	entries, err := reopened.ReadDir()
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name == "" {
			t.Fatalf("ReadDir() after replay contains an orphaned empty-name row: %v", entries)
		}
	}
	if _, err := reopened.ReadFile("src.txt"); err != nil {
		t.Fatalf("ReadFile(src.txt) after replay: %v", err)
	}
	if _, err := reopened.ReadFile("dst.txt"); !isNoEnt(err) {
		t.Fatalf("ReadFile(dst.txt) after replay = %v, want NoEnt (orphan removed)", err)
	}
}

func TestReadFileMissingReturnsNoEnt(t *testing.T) {
	cfg := testConfig()
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if _, err := fs.ReadFile("missing"); !isNoEnt(err) {
		t.Fatalf("ReadFile(missing) = %v, want NoEnt", err)
	}
}
