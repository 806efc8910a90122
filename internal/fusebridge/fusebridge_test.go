package fusebridge

import (
	"context"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/distr1/lfs3"
	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/posix"
)

func newTestPosix(t *testing.T) *posix.FS {
	t.Helper()
	cfg := lfs3.DefaultConfig()
	cfg.BlockSize = 512
	cfg.BlockCount = 32
	cfg.RCacheSize = 512
	cfg.PCacheSize = 512
	cfg.LookaheadSize = 1
	mem := bd.NewMemDevice(16, 16, cfg.BlockSize, cfg.BlockCount)
	core, err := lfs3.Format(mem, cfg)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return posix.New(core)
}

func TestLookUpInodeAndReadFile(t *testing.T) {
	pfs := newTestPosix(t)
	if err := pfs.WriteFile("/hi", []byte("there")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	bfs := New(pfs)
	ctx := context.Background()

	lookup := &fuseops.LookUpInodeOp{Parent: rootInode, Name: "hi"}
	if err := bfs.LookUpInode(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}
	if lookup.Entry.Attributes.Size != 5 {
		t.Fatalf("Size = %d, want 5", lookup.Entry.Attributes.Size)
	}

	open := &fuseops.OpenFileOp{Inode: lookup.Entry.Child}
	if err := bfs.OpenFile(ctx, open); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	read := &fuseops.ReadFileOp{Inode: lookup.Entry.Child, Dst: make([]byte, 5)}
	if err := bfs.ReadFile(ctx, read); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(read.Dst[:read.BytesRead]) != "there" {
		t.Fatalf("ReadFile = %q, want %q", read.Dst[:read.BytesRead], "there")
	}
}

func TestReadDirListsEntries(t *testing.T) {
	pfs := newTestPosix(t)
	if err := pfs.WriteFile("/a", []byte("1")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := pfs.Mkdir("/b"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	bfs := New(pfs)
	ctx := context.Background()
	readdir := &fuseops.ReadDirOp{Inode: rootInode, Dst: make([]byte, 4096)}
	if err := bfs.ReadDir(ctx, readdir); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if readdir.BytesRead == 0 {
		t.Fatalf("ReadDir wrote no entries")
	}
}
