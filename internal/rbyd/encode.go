package rbyd

import (
	"github.com/distr1/lfs3/internal/crc"
	"github.com/distr1/lfs3/internal/tag"
)

// trunkBuilder accumulates the bytes of one freshly rebuilt trunk,
// tracking the running CRC across every tag so the final CKSUM can be
// computed without a second pass (spec.md §4.3 "Commit finalize").
type trunkBuilder struct {
	base    uint32 // absolute block offset where buf[0] will land
	buf     []byte
	crc     uint32
	perturb bool
}

func (b *trunkBuilder) off() uint32 { return b.base + uint32(len(b.buf)) }

func (b *trunkBuilder) writeTag(k tag.Kind, weight int32, payload []byte) uint32 {
	start := b.off()
	parity := b.crc & 1
	pbit := parity
	if b.perturb {
		pbit ^= 1
	}
	t := tag.Tag{
		Valid:  pbit == 1,
		Kind:   k,
		Weight: weight,
		Size:   uint32(len(payload)),
	}
	enc := t.Encode(nil)
	b.crc = crc.Update(b.crc, enc)
	b.buf = append(b.buf, enc...)
	if len(payload) > 0 {
		b.crc = crc.Update(b.crc, payload)
		b.buf = append(b.buf, payload...)
	}
	return start
}

// writeAlt writes an alt tag whose jump is a backward byte distance
// from this tag's own start to target (spec.md §4.2 "Alt tags encode
// {color, direction, key} plus a relative back-jump").
//
// Because this implementation always rebuilds the whole trunk from
// scratch on every commit (see rbyd.go's doc comment), every alt node
// produced here is the root of a perfectly balanced subtree; there is
// no incremental rebalancing, so every alt is colored Black and no
// transient "yellow" (two reds) state can ever occur. This trivially
// satisfies the black-height invariant (spec.md §8 property 2).
func (b *trunkBuilder) writeAlt(dir tag.Direction, weight int32, target uint32) uint32 {
	start := b.off()
	jump := start - target
	k := tag.AltKey(tag.Black, dir, 0)
	return b.writeTag(k, weight, leb(jump))
}

func leb(v uint32) []byte { return tag.PutLEB128(nil, v) }

// buildTrunk serializes rows into a freshly balanced alt-tree of leaves,
// starting at absolute offset base, per the bottom-up construction
// spec.md §4.3 "Compact" describes. It returns the trunk offset (the
// entry point a descent begins at) and the total weight.
func buildTrunk(b *trunkBuilder, rows []row, lo, hi int) (trunk uint32, weight int32) {
	if hi-lo == 1 {
		r := &rows[lo]
		var first uint32
		for i, e := range r.tags {
			w := int32(0)
			if i == 0 {
				w = r.weight
			}
			off := b.writeTag(e.t, w, e.data)
			if i == 0 {
				first = off
			}
		}
		if len(r.tags) == 0 {
			// a row with no tags yet (freshly inserted, awaiting its
			// first attr) still needs a trunk entry carrying its
			// weight so B-tree ancestors can account for it.
			first = b.writeTag(tag.Null, r.weight, nil)
		}
		return first, r.weight
	}

	mid := lo + (hi-lo)/2
	leftTrunk, leftW := buildTrunk(b, rows, lo, mid)
	altOff := b.writeAlt(tag.LE, leftW, leftTrunk)
	_, rightW := buildTrunk(b, rows, mid, hi)
	return altOff, leftW + rightW
}
