package image

import (
	"path/filepath"
	"testing"

	"github.com/distr1/lfs3"
	"github.com/distr1/lfs3/internal/bd"
)

func newTestFS(t *testing.T) *lfs3.FS {
	t.Helper()
	cfg := lfs3.DefaultConfig()
	cfg.BlockSize = 512
	cfg.BlockCount = 32
	cfg.RCacheSize = 512
	cfg.PCacheSize = 512
	cfg.LookaheadSize = 1
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	fs, err := lfs3.Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return fs
}

func TestExportImportRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.WriteFile("a.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := fs.Mkdir("sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	path := filepath.Join(t.TempDir(), "snapshot.img")
	if err := Export(fs, path); err != nil {
		t.Fatalf("Export: %v", err)
	}

	entries, err := Import(path)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Import returned %d entries, want 2", len(entries))
	}

	fresh := newTestFS(t)
	if err := Restore(fresh, entries); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := fresh.ReadFile("a.txt")
	if err != nil {
		t.Fatalf("ReadFile after Restore: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadFile = %q, want %q", got, "hello")
	}
}
