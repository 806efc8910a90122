// Package fusebridge adapts internal/posix onto jacobsa/fuse's
// fuseutil.FileSystem interface, the same shape the teacher's
// internal/fuse/fuse.go implements over squashfs images — a thin
// inode-number <-> path mapping plus LookUpInode/GetInodeAttributes/
// ReadDir/ReadFile and, for entries of the root directory, CreateFile/
// WriteFile/Unlink/Rename/MkDir, with everything else left at
// fuseutil.NotImplementedFileSystem's defaults. Per spec.md §1, no
// filesystem semantics are implemented here: every method either
// answers directly from internal/posix or returns a fuse errno
// (ENOENT, EIO or ENOSYS).
package fusebridge

import (
	"context"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/posix"
)

const rootInode = fuseops.RootInodeID

// bridgeFS is a read/write view of one root directory: an entry is
// assigned an inode number the first time it is looked up, created or
// listed, and keeps it until a Rename drops the old name's mapping;
// the core hands out no stable per-entry ids.
type bridgeFS struct {
	fuseutil.NotImplementedFileSystem

	fs *posix.FS

	names map[fuseops.InodeID]string
	next  fuseops.InodeID
}

// New returns a fuseutil.FileSystem backed by fs, ready to pass to
// fuse.Mount or fuseutil.NewFileSystemServer.
func New(fs *posix.FS) fuseutil.FileSystem {
	return &bridgeFS{
		fs:    fs,
		names: make(map[fuseops.InodeID]string),
		next:  rootInode + 1,
	}
}

func (b *bridgeFS) attrFor(name string) (fuseops.InodeAttributes, error) {
	if name == "" {
		return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0755}, nil
	}
	a, err := b.fs.Stat(name)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	return fuseops.InodeAttributes{Nlink: 1, Mode: a.Mode, Size: uint64(a.Size)}, nil
}

func (b *bridgeFS) inodeFor(name string) fuseops.InodeID {
	for id, n := range b.names {
		if n == name {
			return id
		}
	}
	id := b.next
	b.next++
	b.names[id] = name
	return id
}

func (b *bridgeFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 4096
	return nil
}

func (b *bridgeFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != rootInode {
		return fuse.ENOENT
	}
	attr, err := b.attrFor(op.Name)
	if err != nil {
		if os.IsNotExist(err) {
			return fuse.ENOENT
		}
		return err
	}
	op.Entry.Child = b.inodeFor(op.Name)
	op.Entry.Attributes = attr
	return nil
}

func (b *bridgeFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	if op.Inode == rootInode {
		attr, err := b.attrFor("")
		if err != nil {
			return err
		}
		op.Attributes = attr
		return nil
	}
	name, ok := b.names[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	attr, err := b.attrFor(name)
	if err != nil {
		if os.IsNotExist(err) {
			return fuse.ENOENT
		}
		return err
	}
	op.Attributes = attr
	return nil
}

func (b *bridgeFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOSYS
	}
	return nil
}

func (b *bridgeFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != rootInode {
		return fuse.EIO
	}
	entries, err := b.fs.ReadDir("/")
	if err != nil {
		return err
	}
	if int(op.Offset) > len(entries) {
		return fuse.EIO
	}
	for i, e := range entries[op.Offset:] {
		typ := fuseutil.DT_File
		if e.Mode&os.ModeDir != 0 {
			typ = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: op.Offset + fuseops.DirOffset(i) + 1,
			Inode:  b.inodeFor(e.Name),
			Name:   e.Name,
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (b *bridgeFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := b.names[op.Inode]; !ok {
		return fuse.ENOENT
	}
	return nil
}

func (b *bridgeFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	name, ok := b.names[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	data, err := b.fs.ReadFile(name)
	if err != nil {
		return err
	}
	if op.Offset >= int64(len(data)) {
		op.BytesRead = 0
		return nil
	}
	op.BytesRead = copy(op.Dst, data[op.Offset:])
	return nil
}

func (b *bridgeFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if op.Parent != rootInode {
		return fuse.ENOSYS
	}
	if err := b.fs.WriteFile(op.Name, nil); err != nil {
		return err
	}
	op.Entry.Child = b.inodeFor(op.Name)
	attr, err := b.attrFor(op.Name)
	if err != nil {
		return err
	}
	op.Entry.Attributes = attr
	return nil
}

func (b *bridgeFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	name, ok := b.names[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	data, err := b.fs.ReadFile(name)
	if err != nil {
		return err
	}
	end := op.Offset + int64(len(op.Data))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[op.Offset:], op.Data)
	return b.fs.WriteFile(name, data)
}

func (b *bridgeFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if op.Parent != rootInode {
		return fuse.ENOSYS
	}
	return b.fs.Remove(op.Name)
}

func (b *bridgeFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	if op.OldParent != rootInode || op.NewParent != rootInode {
		return fuse.ENOSYS
	}
	if err := b.fs.Rename(op.OldName, op.NewName); err != nil {
		return err
	}
	// Drop the stale name->inode mapping; the next LookUpInode for
	// either name re-resolves it (inodeFor assigns fresh ids on miss,
	// same as every other mutation this bridge doesn't itself track).
	for id, n := range b.names {
		if n == op.OldName {
			delete(b.names, id)
			break
		}
	}
	return nil
}

func (b *bridgeFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	if op.Parent != rootInode {
		return fuse.ENOSYS
	}
	if err := b.fs.Mkdir(op.Name); err != nil {
		return err
	}
	op.Entry.Child = b.inodeFor(op.Name)
	attr, err := b.attrFor(op.Name)
	if err != nil {
		return err
	}
	op.Entry.Attributes = attr
	return nil
}

func (b *bridgeFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (b *bridgeFS) Destroy() {}

// Mount starts serving fs at mountpoint, in the style of the
// teacher's internal/fuse.Mount: a thin wrapper around fuse.Mount
// whose returned join func blocks until the mount is unmounted.
func Mount(mountpoint string, fs *posix.FS) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(New(fs))
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{FSName: "lfs3"})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}
	return mfs.Join, nil
}
