// Package blkdev implements bd.Device over a real host file or block
// special device, using pread(2)/pwrite(2)/fsync(2)/flock(2) directly
// via golang.org/x/sys/unix rather than os.File's buffered Read/Write,
// the same direct-syscall layer cmd/minitrd reaches for (unix.Uname)
// instead of a higher-level wrapper when it needs the kernel's exact
// contract.
package blkdev

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/bd"
)

// File is a bd.Device backed by a plain host file: each erase block
// is a fixed-size region of the file, "erased" by filling it with
// eraseValue (spec.md §4.1 treats erase as "resets a block to its
// erase value", not as a distinct hardware primitive the host can
// exercise on a regular file).
type File struct {
	f          *os.File
	readSize   uint32
	progSize   uint32
	blockSize  uint32
	blockCount uint32
	eraseValue byte
}

// Open opens (or creates, flock'd exclusively so two lfs3 processes
// never share one image file) a file-backed device of blockCount
// blocks of blockSize bytes; a file shorter than that is extended to
// that length and every block erased to 0xff.
func Open(path string, readSize, progSize, blockSize, blockCount uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerrors.Errorf("blkdev: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, xerrors.Errorf("blkdev: flock %s: %w", path, err)
	}

	want := int64(blockSize) * int64(blockCount)
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("blkdev: stat %s: %w", path, err)
	}
	if st.Size() < want {
		if err := f.Truncate(want); err != nil {
			f.Close()
			return nil, xerrors.Errorf("blkdev: truncate %s to %d: %w", path, want, err)
		}
	}

	d := &File{
		f:          f,
		readSize:   readSize,
		progSize:   progSize,
		blockSize:  blockSize,
		blockCount: blockCount,
		eraseValue: 0xff,
	}
	if st.Size() < want {
		for b := uint32(0); b < blockCount; b++ {
			if err := d.Erase(b); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return d, nil
}

func (d *File) Close() error {
	unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	return d.f.Close()
}

func (d *File) ReadAt(block uint32, off, size uint32, buf []byte) error {
	n, err := unix.Pread(int(d.f.Fd()), buf[:size], int64(block)*int64(d.blockSize)+int64(off))
	if err != nil {
		return xerrors.Errorf("blkdev: pread block %d off %d: %w", block, off, err)
	}
	if uint32(n) != size {
		return xerrors.Errorf("blkdev: short pread: got %d, want %d", n, size)
	}
	return nil
}

func (d *File) ProgAt(block uint32, off uint32, buf []byte) error {
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(block)*int64(d.blockSize)+int64(off))
	if err != nil {
		return xerrors.Errorf("blkdev: pwrite block %d off %d: %w", block, off, err)
	}
	if n != len(buf) {
		return xerrors.Errorf("blkdev: short pwrite: wrote %d, want %d", n, len(buf))
	}
	return nil
}

func (d *File) Erase(block uint32) error {
	fill := make([]byte, d.blockSize)
	for i := range fill {
		fill[i] = d.eraseValue
	}
	return d.ProgAt(block, 0, fill)
}

func (d *File) Sync() error {
	return unix.Fsync(int(d.f.Fd()))
}

func (d *File) ReadSize() uint32   { return d.readSize }
func (d *File) ProgSize() uint32   { return d.progSize }
func (d *File) BlockSize() uint32  { return d.blockSize }
func (d *File) BlockCount() uint32 { return d.blockCount }

var _ bd.Device = (*File)(nil)
