package bd

// MemDevice is an in-memory Device fake used as the default test
// fixture, playing the role internal/squashfs/writer_test.go gives a
// temp file backed by a real filesystem, but without needing a
// subprocess to inspect it.
type MemDevice struct {
	readSize, progSize, blockSize, blockCount uint32
	eraseValue                                byte
	blocks                                    [][]byte
}

func NewMemDevice(readSize, progSize, blockSize, blockCount uint32) *MemDevice {
	d := &MemDevice{
		readSize:   readSize,
		progSize:   progSize,
		blockSize:  blockSize,
		blockCount: blockCount,
		eraseValue: 0xff,
		blocks:     make([][]byte, blockCount),
	}
	for i := range d.blocks {
		b := make([]byte, blockSize)
		for j := range b {
			b[j] = d.eraseValue
		}
		d.blocks[i] = b
	}
	return d
}

func (d *MemDevice) ReadAt(block uint32, off, size uint32, buf []byte) error {
	copy(buf, d.blocks[block][off:off+size])
	return nil
}

func (d *MemDevice) ProgAt(block uint32, off uint32, buf []byte) error {
	copy(d.blocks[block][off:off+uint32(len(buf))], buf)
	return nil
}

func (d *MemDevice) Erase(block uint32) error {
	b := d.blocks[block]
	for i := range b {
		b[i] = d.eraseValue
	}
	return nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) ReadSize() uint32   { return d.readSize }
func (d *MemDevice) ProgSize() uint32   { return d.progSize }
func (d *MemDevice) BlockSize() uint32  { return d.blockSize }
func (d *MemDevice) BlockCount() uint32 { return d.blockCount }

// RawBlock exposes the underlying bytes of block for tests that need to
// inspect or corrupt on-disk bytes directly (e.g. simulating a crash
// mid-commit).
func (d *MemDevice) RawBlock(block uint32) []byte { return d.blocks[block] }

// Grow extends the device to n blocks, used by lfs3.FS.Grow (SPEC_FULL.md §3).
func (d *MemDevice) Grow(n uint32) {
	for uint32(len(d.blocks)) < n {
		b := make([]byte, d.blockSize)
		for j := range b {
			b[j] = d.eraseValue
		}
		d.blocks = append(d.blocks, b)
	}
	d.blockCount = n
}
