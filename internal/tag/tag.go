// Package tag implements the 16-bit semantic tag + leb128 weight/size wire
// encoding shared by every on-disk structure in lfs3 (spec.md §3 "Tag",
// §4.2 "Tag codec"). It is deliberately CRC-agnostic: the valid-bit /
// parity dance that ties a tag's encoding to the enclosing commit's
// running checksum lives in internal/rbyd, which is the only place that
// knows about "the current commit in progress".
package tag

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Mode occupies the top 4 bits of a Tag.
type Mode uint16

const (
	ModeAlt      Mode = 0x4 << 12
	ModeCksum    Mode = 0x3 << 12
	ModeInternal Mode = 0x2 << 12
	ModeNormal   Mode = 0x0 << 12

	modeMask Mode = 0x7 << 12
	// the high bit of the mode nibble is reused as the tag's valid bit on
	// the wire; Mode values above never set it directly.
	validBit uint16 = 1 << 15
)

// Kind enumerates the tag kinds named in spec.md §3. Values are chosen so
// that Kind&modeMaskBits recovers the Mode, matching how littlefs-style
// formats pack "supkey"/"subkey" into a 12-bit key space under a 4-bit
// mode nibble.
type Kind uint16

const (
	Null Kind = 0x000

	// CONFIG subtypes, mode=internal-ish "normal" superblock records.
	ConfigMagic     Kind = 0x010
	ConfigVersion   Kind = 0x011
	ConfigRCompat   Kind = 0x012
	ConfigWCompat   Kind = 0x013
	ConfigOCompat   Kind = 0x014
	ConfigGeometry  Kind = 0x015
	ConfigNameLimit Kind = 0x016
	ConfigFileLimit Kind = 0x017

	GDelta       Kind = 0x100
	GRMDelta     Kind = 0x101
	GCksumDelta  Kind = 0x102

	NameReg        Kind = 0x200
	NameDir        Kind = 0x201
	NameStickyNote Kind = 0x202
	NameBookmark   Kind = 0x203
	NameBName      Kind = 0x204
	NameMName      Kind = 0x205

	StructData   Kind = 0x300
	StructBlock  Kind = 0x301
	StructDid    Kind = 0x302
	StructBShrub Kind = 0x303
	StructBTree  Kind = 0x304
	StructMRoot  Kind = 0x305
	StructMDir   Kind = 0x306
	StructMTree  Kind = 0x307
	StructBranch Kind = 0x308

	Attr Kind = 0x400

	// Cksum occupies 0x500..0x503; the low 2 bits carry the commit's
	// phase (spec.md §3 "every commit ends with a CKSUM tag whose
	// subtype carries the commit's phase").
	Cksum  Kind = 0x500
	ECksum Kind = 0x510
	Note   Kind = 0x511
	Alt    Kind = 0x600

	// Internal-only kinds, never written to disk (spec.md §3: "never
	// written to disk"). They exist purely as rattr opcodes threaded
	// through the commit pipeline (spec.md §4.7).
	internalBase    Kind = 0xf00
	RAttrs          Kind = internalBase + 0
	ShrubCommit     Kind = internalBase + 1
	GRMPush         Kind = internalBase + 2
	Move            Kind = internalBase + 3
	Attrs           Kind = internalBase + 4
	Orphan          Kind = internalBase + 5
	Traversal       Kind = internalBase + 6
	Unknown         Kind = internalBase + 7
)

// IsInternal reports whether k is one of the internal-only rattr opcodes
// that must never be committed to disk.
func (k Kind) IsInternal() bool {
	return k&internalBase == internalBase
}

// Alt-tag encoding: color and direction live in the low bits of the key
// field when Mode == ModeAlt.
type Color uint8

const (
	Red   Color = 0
	Black Color = 1
)

type Direction uint8

const (
	LE Direction = 0 // "less than or equal", follow toward lower rids
	GT Direction = 1 // "greater than", follow toward higher rids
)

// Tag is the decoded, CRC-agnostic form of a tag's wire header: the 16
// bit tag word plus its leb128-encoded weight and size fields
// (spec.md §3 "Tag wire form").
type Tag struct {
	Valid  bool
	Kind   Kind
	Weight int32 // signed weight delta; ≤31 bits magnitude per spec.md §4.2
	Size   uint32
}

const (
	MaxWeight = 1<<31 - 1
	MaxSize   = 1<<28 - 1
)

// EncodedWord returns the raw 16-bit tag word (without the leb128 tail),
// with the valid bit set according to v.
func (t Tag) EncodedWord() uint16 {
	w := uint16(t.Kind)
	if t.Valid {
		w |= validBit
	} else {
		w &^= validBit
	}
	return w
}

// DecodeWord splits a raw 16-bit tag word into its valid bit and Kind.
func DecodeWord(w uint16) (valid bool, kind Kind) {
	return w&validBit != 0, Kind(w &^ validBit)
}

// PutLEB128 appends the unsigned leb128 encoding of v to dst and returns
// the extended slice.
func PutLEB128(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// LEB128Size returns the number of bytes PutLEB128 would emit for v.
func LEB128Size(v uint32) int {
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}

// ReadLEB128 decodes an unsigned leb128 value from r, returning the value
// and the number of bytes consumed.
func ReadLEB128(r io.ByteReader) (uint32, int, error) {
	var v uint32
	var n int
	for shift := uint(0); ; shift += 7 {
		if shift >= 35 {
			return 0, n, xerrors.Errorf("leb128: value too long")
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, n, nil
		}
	}
}

// zigzag encodes a signed weight delta as an unsigned leb128-friendly
// value, matching the "signed-reserved" weight field spec.md §4.2
// describes (31-bit magnitude, sign folded into the low bit).
func ZigZagEncode(v int32) uint32 {
	return uint32((v << 1) ^ (v >> 31))
}

func ZigZagDecode(v uint32) int32 {
	return int32(v>>1) ^ -int32(v&1)
}

// Encode writes the full wire header (tag word, zigzag weight, size) to
// dst and returns the extended slice. It does not touch any checksum;
// callers in internal/rbyd are responsible for folding the bytes into
// the running commit CRC and for picking Valid correctly before calling.
func (t Tag) Encode(dst []byte) []byte {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], t.EncodedWord())
	dst = append(dst, hdr[:]...)
	dst = PutLEB128(dst, ZigZagEncode(t.Weight))
	dst = PutLEB128(dst, t.Size)
	return dst
}

// EncodedLen returns len(t.Encode(nil)).
func (t Tag) EncodedLen() int {
	return 2 + LEB128Size(ZigZagEncode(t.Weight)) + LEB128Size(t.Size)
}

// Decode reads a wire header from r.
func Decode(r io.ByteReader) (Tag, int, error) {
	var hdr [2]byte
	for i := range hdr {
		b, err := r.ReadByte()
		if err != nil {
			return Tag{}, i, err
		}
		hdr[i] = b
	}
	word := binary.BigEndian.Uint16(hdr[:])
	valid, kind := DecodeWord(word)
	n := 2

	zw, wn, err := ReadLEB128(r)
	if err != nil {
		return Tag{}, n + wn, err
	}
	n += wn

	sz, sn, err := ReadLEB128(r)
	if err != nil {
		return Tag{}, n + sn, err
	}
	n += sn

	if zw>>1 > MaxWeight {
		return Tag{}, n, xerrors.Errorf("tag: weight out of range")
	}
	if sz > MaxSize {
		return Tag{}, n, xerrors.Errorf("tag: size out of range")
	}

	return Tag{
		Valid:  valid,
		Kind:   kind,
		Weight: ZigZagDecode(zw),
		Size:   sz,
	}, n, nil
}

// AltKey packs a Color, Direction and 12-bit relative key into the Kind
// space used by an alt tag, per spec.md §4.2 "Alt tags encode
// {color, direction, key}".
func AltKey(c Color, d Direction, key uint16) Kind {
	k := uint16(Alt)
	if c == Black {
		k |= 0x080
	}
	if d == GT {
		k |= 0x040
	}
	k |= key & 0x03f
	return Kind(k)
}

// DecodeAltKey is the inverse of AltKey.
func DecodeAltKey(k Kind) (c Color, d Direction, key uint16) {
	v := uint16(k)
	if v&0x080 != 0 {
		c = Black
	} else {
		c = Red
	}
	if v&0x040 != 0 {
		d = GT
	} else {
		d = LE
	}
	key = v & 0x03f
	return
}
