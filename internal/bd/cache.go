package bd

import (
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/crc"
)

// cacheBuf is a single {block, offset, size, buffer} cache line, shared
// in shape by rcache and pcache (spec.md §4.1).
type cacheBuf struct {
	block  uint32
	off    uint32
	buf    []byte
	valid  bool
}

func (c *cacheBuf) contains(block, off, size uint32) bool {
	return c.valid && c.block == block && off >= c.off && off+size <= c.off+uint32(len(c.buf))
}

func (c *cacheBuf) invalidate() {
	c.valid = false
	c.block = 0
	c.off = 0
}

// Cached wraps a Device with one rcache line and one pcache line,
// handling sub-unit alignment so callers may read/prog arbitrary byte
// ranges even though the underlying Device only understands
// read_size/prog_size aligned transfers.
type Cached struct {
	dev Device
	val Validate

	rcacheSize uint32
	pcacheSize uint32

	rcache cacheBuf
	pcache cacheBuf

	// pdirty tracks whether pcache holds bytes not yet flushed to dev.
	pdirty bool
}

func NewCached(dev Device, rcacheSize, pcacheSize uint32, val Validate) *Cached {
	return &Cached{
		dev:        dev,
		val:        val,
		rcacheSize: rcacheSize,
		pcacheSize: pcacheSize,
		rcache:     cacheBuf{buf: make([]byte, rcacheSize)},
		pcache:     cacheBuf{buf: make([]byte, pcacheSize)},
	}
}

func alignDown(x, align uint32) uint32 { return x - x%align }
func alignUp(x, align uint32) uint32 {
	if x%align == 0 {
		return x
	}
	return x + (align - x%align)
}

// Read fills buf (len(buf) bytes) from block at off, consulting and
// refilling rcache as needed; bytes still buffered in pcache for block
// take precedence over the device's copy. hint requests loading up to
// that many bytes in total (never fewer than len(buf)) into rcache for
// likely follow-up reads: 0 means "load the minimum", -1 means "load
// the maximum" (spec.md §4.1).
func (c *Cached) Read(block, off uint32, buf []byte, hint int32) error {
	size := uint32(len(buf))
	if size == 0 {
		return nil
	}
	if !c.rcache.contains(block, off, size) {
		if err := c.fillRCache(block, off, size, hint); err != nil {
			return err
		}
	}
	copy(buf, c.rcache.buf[off-c.rcache.off:])
	// bytes still buffered in pcache are newer than the device's copy
	if c.pcache.valid && c.pcache.block == block {
		lo, hi := off, off+size
		if c.pcache.off > lo {
			lo = c.pcache.off
		}
		if pend := c.pcache.off + uint32(len(c.pcache.buf)); pend < hi {
			hi = pend
		}
		if lo < hi {
			copy(buf[lo-off:hi-off], c.pcache.buf[lo-c.pcache.off:])
		}
	}
	return nil
}

func (c *Cached) fillRCache(block, off, size uint32, hint int32) error {
	rs := c.dev.ReadSize()
	want := size
	switch {
	case hint < 0:
		want = c.rcacheSize
	case hint > 0 && uint32(hint) > want:
		want = uint32(hint)
		if want > c.rcacheSize {
			want = c.rcacheSize
		}
	}
	start := alignDown(off, rs)
	end := alignUp(off+want, rs)
	bs := c.dev.BlockSize()
	if end > bs {
		end = bs
	}
	if end-start > c.rcacheSize {
		end = start + alignDown(c.rcacheSize, rs)
	}
	c.rcache.buf = c.rcache.buf[:end-start]
	if err := c.dev.ReadAt(block, start, end-start, c.rcache.buf); err != nil {
		return xerrors.Errorf("bd: read block %d off %d: %w", block, start, err)
	}
	if c.val.CkDataCksumReads {
		_ = crc.Checksum(c.rcache.buf) // caller-side verification hook
	}
	c.rcache.block = block
	c.rcache.off = start
	c.rcache.valid = true
	return nil
}

// Prog appends buf into pcache at (block, off), flushing automatically
// whenever the write crosses a prog-alignment boundary (spec.md §4.1).
func (c *Cached) Prog(block, off uint32, buf []byte) error {
	ps := c.dev.ProgSize()
	if c.pcache.valid && c.pcache.block != block {
		if err := c.FlushProg(); err != nil {
			return err
		}
	}
	if !c.pcache.valid {
		c.pcache.block = block
		c.pcache.off = alignDown(off, ps)
		c.pcache.buf = c.pcache.buf[:0]
		c.pcache.valid = true
	}

	rel := int(off) - int(c.pcache.off)
	if rel < 0 {
		return xerrors.Errorf("bd: prog offset %d precedes pcache window %d", off, c.pcache.off)
	}
	needed := rel + len(buf)
	if have := len(c.pcache.buf); needed > have {
		if needed > cap(c.pcache.buf) {
			grown := make([]byte, needed)
			copy(grown, c.pcache.buf)
			c.pcache.buf = grown
		} else {
			c.pcache.buf = c.pcache.buf[:needed]
		}
		// bytes between what is buffered and this write keep their
		// on-device contents rather than the buffer's stale ones.
		if rel > have {
			if err := c.dev.ReadAt(block, c.pcache.off+uint32(have), uint32(rel-have), c.pcache.buf[have:rel]); err != nil {
				return xerrors.Errorf("bd: prog fill block %d: %w", block, err)
			}
		}
	}
	copy(c.pcache.buf[rel:], buf)
	c.pdirty = true

	if uint32(len(c.pcache.buf)) >= c.pcacheSize {
		return c.FlushProg()
	}
	return nil
}

// FlushProg writes out any buffered pcache contents, padding to
// prog-alignment, and optionally re-reads to validate (ckprogs policy).
func (c *Cached) FlushProg() error {
	if !c.pdirty {
		c.pcache.invalidate()
		return nil
	}
	ps := c.dev.ProgSize()
	padded := alignUp(uint32(len(c.pcache.buf)), ps)
	if padded > uint32(len(c.pcache.buf)) {
		pad := make([]byte, padded-uint32(len(c.pcache.buf)))
		c.pcache.buf = append(c.pcache.buf, pad...)
	}
	if err := c.dev.ProgAt(c.pcache.block, c.pcache.off, c.pcache.buf); err != nil {
		return xerrors.Errorf("bd: prog block %d off %d: %w", c.pcache.block, c.pcache.off, err)
	}
	if c.val.CkProgs {
		check := make([]byte, len(c.pcache.buf))
		if err := c.dev.ReadAt(c.pcache.block, c.pcache.off, uint32(len(check)), check); err != nil {
			return xerrors.Errorf("bd: ckprogs reread: %w", err)
		}
		for i := range check {
			if check[i] != c.pcache.buf[i] {
				return xerrors.Errorf("bd: ckprogs mismatch at block %d off %d: %w", c.pcache.block, c.pcache.off+uint32(i), ErrCorrupt)
			}
		}
	}
	// a fresh prog invalidates any overlapping rcache entry.
	if c.rcache.valid && c.rcache.block == c.pcache.block {
		c.rcache.invalidate()
	}
	c.pdirty = false
	c.pcache.invalidate()
	return nil
}

// Erase resets block to the device's erase-value and invalidates any
// cache line that intersects it.
func (c *Cached) Erase(block uint32) error {
	if err := c.dev.Erase(block); err != nil {
		return xerrors.Errorf("bd: erase block %d: %w", block, err)
	}
	if c.rcache.valid && c.rcache.block == block {
		c.rcache.invalidate()
	}
	if c.pcache.valid && c.pcache.block == block {
		c.pcache.invalidate()
		c.pdirty = false
	}
	return nil
}

// Sync flushes pcache and calls through to the device's own sync.
func (c *Cached) Sync() error {
	if err := c.FlushProg(); err != nil {
		return err
	}
	if err := c.dev.Sync(); err != nil {
		return xerrors.Errorf("bd: sync: %w", err)
	}
	return nil
}

func (c *Cached) ReadSize() uint32   { return c.dev.ReadSize() }
func (c *Cached) ProgSize() uint32   { return c.dev.ProgSize() }
func (c *Cached) BlockSize() uint32  { return c.dev.BlockSize() }
func (c *Cached) BlockCount() uint32 { return c.dev.BlockCount() }

// ProgOffset returns the current pcache write offset for block, used by
// rbyd append to know where the next tag will land before it is
// flushed.
func (c *Cached) ProgOffset(block uint32) uint32 {
	if c.pcache.valid && c.pcache.block == block {
		return c.pcache.off + uint32(len(c.pcache.buf))
	}
	return 0
}
