package lfs3

import "strconv"

// GCFlags controls which passes Config.GC performs (spec.md §4.9
// "Variants").
type GCFlags uint32

const (
	GCLookahead GCFlags = 1 << iota
	GCCkMeta
	GCCkData
	GCMkConsistent
	GCCompact
)

// Config is the filesystem's immutable configuration, fixed at Format
// time and re-validated (read-only fields) at every Mount (spec.md
// §6.1 "Configuration fields consumed", §6.2 "On-disk superblock").
//
// Field names follow spec.md's own vocabulary rather than Go
// convention (e.g. ReadSize not BlockReadSize) so the struct reads as
// a direct transliteration of the specification's configuration
// surface.
type Config struct {
	// Device geometry, consumed by internal/bd.
	ReadSize   uint32
	ProgSize   uint32
	BlockSize  uint32
	BlockCount uint32

	// Cache sizes, forwarded to bd.NewCached.
	RCacheSize uint32
	PCacheSize uint32

	// LookaheadSize controls the allocator's bitmap window: 8 *
	// LookaheadSize blocks (spec.md §4.8).
	LookaheadSize uint32

	// InlineSize bounds a bshrub's promotion threshold (spec.md §4.5).
	InlineSize uint32

	// FragmentSize and CrystalThresh are file-data layout knobs
	// spec.md names but marks as outside the core's concern beyond
	// being configuration the allocator and traversal consult.
	FragmentSize  uint32
	CrystalThresh uint32

	// BlockRecycles bounds the mdir revision counter's recycle-counter
	// width before relocation is forced (spec.md §3 "Revision
	// counter"); internal/mdir's own recycleBits constant is the
	// concrete choice this field conceptually parameterizes.
	BlockRecycles uint32

	NameLimit uint32
	FileLimit uint32

	GCFlags         GCFlags
	GCSteps         int
	GCCompactThresh uint32
}

// DefaultConfig returns reasonable defaults for a small embedded NOR
// flash device, the shape spec.md's scenarios describe.
func DefaultConfig() Config {
	return Config{
		ReadSize:        16,
		ProgSize:        16,
		BlockSize:       4096,
		BlockCount:      256,
		RCacheSize:      64,
		PCacheSize:      64,
		LookaheadSize:   16,
		InlineSize:      4096 / 8,
		FragmentSize:    4096,
		CrystalThresh:   4096 / 2,
		BlockRecycles:   1 << 9,
		NameLimit:       255,
		FileLimit:       1 << 31 - 1,
		GCFlags:         GCLookahead | GCCkMeta,
		GCSteps:         16,
		GCCompactThresh: 4096 / 4,
	}
}

// rcompat / wcompat flags (spec.md §6.2). Only the bits this
// implementation understands are named; any other bit set in an
// on-disk superblock is NOTSUP on read, or forces read-only mount on
// write per spec.md's distinction.
type compatFlags uint32

const (
	compatNonstandard compatFlags = 1 << iota
	compatWOnly                   // rcompat only
	compatBMoss
	compatBSprout
	compatBShrub
	compatBTree
	compatMMoss
	compatMSprout
	compatMShrub
	compatMTree
	compatGRM
)

const (
	rcompatSupported = compatNonstandard | compatBShrub | compatBTree | compatMShrub | compatMTree | compatGRM
	wcompatSupported = compatNonstandard | compatGRM
)

// On-disk format version (spec.md §6.2 VERSION: "{major, minor}").
// Format stamps every fresh superblock with this pair; Mount compares
// it against whatever is already on disk via golang.org/x/mod/semver,
// so a newer-major image is rejected instead of silently misread.
const (
	formatVersionMajor = 2
	formatVersionMinor = 0
)

// formatVersion renders a {major, minor} pair as the vMAJOR.MINOR.0
// string semver.Compare expects.
func formatVersion(major, minor byte) string {
	return "v" + strconv.Itoa(int(major)) + "." + strconv.Itoa(int(minor)) + ".0"
}
