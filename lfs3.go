// Package lfs3 is a power-fail-safe, wear-leveled filesystem for
// embedded flash devices: an append-only, copy-on-write, self-
// balancing tree (rbyd) inside each erase block, a B-tree layer over
// rbyds, and an mdir commit pipeline that makes multi-block metadata
// updates atomic (spec.md §0).
package lfs3

import (
	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/alloc"
	"github.com/distr1/lfs3/internal/bd"
	"github.com/distr1/lfs3/internal/btree"
	"github.com/distr1/lfs3/internal/commit"
	"github.com/distr1/lfs3/internal/gstate"
	"github.com/distr1/lfs3/internal/mdir"
	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
	"github.com/distr1/lfs3/internal/trace"
	"github.com/distr1/lfs3/internal/traverse"
)

// FS is an open filesystem handle. Per spec.md §5 "Scheduling model",
// FS is not safe for concurrent use from multiple goroutines: every
// public method runs to completion before returning, and the caller
// owns mutual exclusion if sharing a handle across threads.
type FS struct {
	cfg Config
	dev *bd.Cached

	alloc *alloc.Allocator
	gs    gstate.State
	pipe  *commit.Pipeline
}

// Format initializes dev as a fresh lfs3 filesystem per cfg, writing
// the on-disk superblock at the mroot anchor (spec.md §6.2) and
// returns an FS mounted on it.
func Format(raw bd.Device, cfg Config) (*FS, error) {
	dev := bd.NewCached(raw, cfg.RCacheSize, cfg.PCacheSize, bd.Validate{
		CkProgs: true, CkFetches: true, CkMetaParity: true, CkDataCksumReads: true,
	})

	if err := dev.Erase(mdir.Anchor.B0); err != nil {
		return nil, wrapCorrupt("format", "", err)
	}
	if err := dev.Erase(mdir.Anchor.B1); err != nil {
		return nil, wrapCorrupt("format", "", err)
	}

	sb := superblockAttrs(cfg)
	anchor := rbyd.New(dev, mdir.Anchor.B0)
	if err := anchor.Commit(sb, rbyd.CommitOpts{NextRev: 1}); err != nil {
		return nil, wrapCorrupt("format", "", err)
	}
	if err := dev.Sync(); err != nil {
		return nil, wrapCorrupt("format", "", err)
	}

	return Mount(raw, cfg)
}

// superblockAttrs builds the fixed first tags of a fresh mroot
// (spec.md §6.2 "On-disk superblock").
func superblockAttrs(cfg Config) []rbyd.Attr {
	geometry := append(tag.PutLEB128(nil, cfg.BlockSize-1), tag.PutLEB128(nil, cfg.BlockCount-1)...)
	return []rbyd.Attr{
		{Rid: 0, Delta: 1, Tag: tag.ConfigMagic, Data: []byte("littlefs")},
		{Rid: 0, Tag: tag.ConfigVersion, Data: []byte{formatVersionMajor, formatVersionMinor}},
		{Rid: 0, Tag: tag.ConfigRCompat, Data: leb32(uint32(rcompatSupported))},
		{Rid: 0, Tag: tag.ConfigWCompat, Data: leb32(uint32(wcompatSupported))},
		{Rid: 0, Tag: tag.ConfigOCompat, Data: leb32(0)},
		{Rid: 0, Tag: tag.ConfigGeometry, Data: geometry},
		{Rid: 0, Tag: tag.ConfigNameLimit, Data: tag.PutLEB128(nil, cfg.NameLimit)},
		{Rid: 0, Tag: tag.ConfigFileLimit, Data: tag.PutLEB128(nil, cfg.FileLimit)},
		// BOOKMARK@did=0 reserves the root directory id.
		{Rid: 1, Delta: 1, Tag: tag.NameBookmark, Data: leb32(0)},
	}
}

func leb32(v uint32) []byte { return tag.PutLEB128(nil, v) }

// Mount opens an already-formatted device, validating the superblock
// and walking the mroot chain to the active mroot (spec.md §6.2).
func Mount(raw bd.Device, cfg Config) (*FS, error) {
	dev := bd.NewCached(raw, cfg.RCacheSize, cfg.PCacheSize, bd.Validate{
		CkProgs: true, CkFetches: true, CkMetaParity: true, CkDataCksumReads: true,
	})

	anchor, err := rbyd.Fetch(dev, mdir.Anchor.B0)
	if err != nil {
		if anchor, err = rbyd.Fetch(dev, mdir.Anchor.B1); err != nil {
			return nil, wrapCorrupt("mount", "", xerrors.Errorf("anchor unreadable: %w", err))
		}
	}
	if data, ok := anchor.Lookup(0, tag.ConfigMagic); !ok || string(data) != "littlefs" {
		return nil, newErr(CodeNotSup, "mount", "", xerrors.Errorf("missing or wrong MAGIC"))
	}
	if data, ok := anchor.Lookup(0, tag.ConfigRCompat); ok {
		if rc := decodeLEB(data); rc&^uint32(rcompatSupported) != 0 {
			return nil, newErr(CodeNotSup, "mount", "", xerrors.Errorf("unknown rcompat bits %#x", rc))
		}
	}
	if data, ok := anchor.Lookup(0, tag.ConfigVersion); ok && len(data) == 2 {
		onDisk := formatVersion(data[0], data[1])
		supported := formatVersion(formatVersionMajor, formatVersionMinor)
		if !semver.IsValid(onDisk) {
			return nil, newErr(CodeNotSup, "mount", "", xerrors.Errorf("malformed on-disk VERSION %v", data))
		}
		if semver.Major(onDisk) != semver.Major(supported) {
			return nil, newErr(CodeNotSup, "mount", "", xerrors.Errorf("on-disk format %s is a different major version than this build's %s", onDisk, supported))
		}
	}

	a := alloc.New(cfg.BlockCount, cfg.LookaheadSize)
	lim := btree.Limits{FileLimit: cfg.FileLimit, BlockSize: cfg.BlockSize}

	fs := &FS{cfg: cfg, dev: dev, alloc: a}
	pipe, err := commit.Open(dev, a, &fs.gs, lim)
	if err != nil {
		return nil, wrapCorrupt("mount", "", err)
	}
	fs.pipe = pipe

	if err := fs.replayStickyNotes(); err != nil {
		return nil, wrapCorrupt("mount", "", err)
	}
	if err := fs.runLookahead(); err != nil {
		return nil, wrapCorrupt("mount", "", err)
	}
	return fs, nil
}

// replayStickyNotes removes any row still carrying a StickyNote tag
// (spec.md §3 invariant (iii)): Rename stages one across two commits
// when it overwrites an existing destination (fs_files.go), and a
// crash landing between those commits leaves the row stuck with the
// note and no usable NAME. Dropping the row outright on mount restores
// the invariant the same way POSIX rename's destructive overwrite
// would have finished it — the destination is gone either way.
func (fs *FS) replayStickyNotes() error {
	rows := rootRows(fs)
	var attrs []rbyd.Attr
	for i := len(rows) - 1; i >= 0; i-- {
		for _, t := range rows[i].Tags {
			if t.Tag == tag.NameStickyNote {
				attrs = append(attrs, rbyd.Attr{Rid: int32(i), Delta: -1})
				break
			}
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return fs.pipe.CommitInline(attrs)
}

func decodeLEB(data []byte) uint32 {
	v, _, _ := tag.ReadLEB128(byteReaderOf(data))
	return v
}

// runLookahead seeds the allocator's first window by marking every
// block reachable from the mroot chain / mtree / mdirs as in-use
// (spec.md §4.9 "lookahead: feeds the allocator").
func (fs *FS) runLookahead() error {
	fs.alloc.Reset(0)
	_, err := traverse.Run(fs.dev, traverse.ModeLookahead, fs.alloc.MarkInUse)
	return err
}

// Unmount flushes any device-internal buffers. FS is not usable after
// Unmount returns.
func (fs *FS) Unmount() error {
	return fs.dev.Sync()
}

// Stat reports filesystem-wide occupancy, derived from the allocator
// and the mroot chain rather than a cached counter, matching spec.md
// §8 property 7's "ownership of blocks ... expressed as an explicit
// free-vs-allocated bitmap computed by a full traversal".
type Stat struct {
	BlockSize  uint32
	BlockCount uint32
	GCksum     uint32
}

func (fs *FS) Stat() Stat {
	return Stat{BlockSize: fs.cfg.BlockSize, BlockCount: fs.cfg.BlockCount, GCksum: fs.gs.GCksum}
}

// Grow extends the filesystem onto a larger device, a supplemented
// operation named in spec.md §8 scenario 6 and left for the
// implementation to define (SPEC_FULL.md §3 "grow(new_block_count)").
// It persists the new block_count via a GEOMETRY rewrite at the
// mroot, then extends the allocator's addressable range.
func (fs *FS) Grow(newBlockCount uint32) error {
	if newBlockCount <= fs.cfg.BlockCount {
		return newErr(CodeInval, "grow", "", xerrors.Errorf("new block count %d must exceed current %d", newBlockCount, fs.cfg.BlockCount))
	}
	geometry := append(tag.PutLEB128(nil, fs.cfg.BlockSize-1), tag.PutLEB128(nil, newBlockCount-1)...)
	if err := fs.pipe.CommitInline([]rbyd.Attr{
		{Tag: tag.ConfigGeometry, Data: geometry},
	}); err != nil {
		return wrapCorrupt("grow", "", err)
	}
	if err := fs.alloc.Grow(newBlockCount); err != nil {
		return wrapCorrupt("grow", "", err)
	}
	fs.cfg.BlockCount = newBlockCount
	return nil
}

// CheckMeta walks the mroot chain and every mdir, independently
// re-fetching and comparing both physical halves of every pair
// (spec.md §4.9 "Ckmeta: re-validates every rbyd cksum against in-RAM
// gcksum"). It always runs in ModeCkMeta regardless of fs.cfg.GCFlags:
// unlike GC, which budgets background maintenance according to
// configured policy, a caller asking to validate the filesystem wants
// the validation to actually happen.
func (fs *FS) CheckMeta(steps int) (done bool, err error) {
	ev := trace.Event("checkmeta", 0)
	defer ev.Done()

	t := traverse.New(fs.dev, traverse.ModeCkMeta)
	for i := 0; i < steps; i++ {
		if _, ok := t.Step(); !ok {
			if err := t.Err(); err != nil {
				return false, wrapCorrupt("checkmeta", "", err)
			}
			return true, nil
		}
	}
	return t.Done(), nil
}

// SweepOrphans walks every mdir in ModeMkConsistent and removes any row
// still carrying a stale STICKYNOTE (spec.md §3 invariant (iii)), the
// same repair replayStickyNotes performs at Mount for the root mdir,
// but reachable on demand (fsck) and over the whole mtree rather than
// only at open time. It forces ModeMkConsistent regardless of
// fs.cfg.GCFlags, for the same reason CheckMeta forces ModeCkMeta.
func (fs *FS) SweepOrphans(steps int) (done bool, removed int, err error) {
	t := traverse.New(fs.dev, traverse.ModeMkConsistent)
	for i := 0; i < steps; i++ {
		if _, ok := t.Step(); !ok {
			if err := t.Err(); err != nil {
				return false, 0, wrapCorrupt("sweeporphans", "", err)
			}
			if len(t.Orphans) > 0 {
				if err := fs.removeOrphans(t.Orphans); err != nil {
					return false, 0, wrapCorrupt("sweeporphans", "", err)
				}
			}
			return true, len(t.Orphans), nil
		}
	}
	return false, 0, nil
}

// GC runs up to steps units of traversal work — lookahead refresh,
// gcksum re-validation, orphan collection, or mdir compaction,
// according to fs.cfg.GCFlags — and reports whether it ran to
// completion within the budget (spec.md §4.9, §9 "Iteration": "so
// they can be paused (for bounded gc() steps)").
func (fs *FS) GC(steps int) (done bool, err error) {
	ev := trace.Event("gc", 0)
	defer ev.Done()

	mode := traverse.ModeMtreeOnly
	switch {
	case fs.cfg.GCFlags&GCCompact != 0:
		mode = traverse.ModeCompact
	case fs.cfg.GCFlags&GCMkConsistent != 0:
		mode = traverse.ModeMkConsistent
	case fs.cfg.GCFlags&GCCkData != 0:
		mode = traverse.ModeCkData
	case fs.cfg.GCFlags&GCCkMeta != 0:
		mode = traverse.ModeCkMeta
	case fs.cfg.GCFlags&GCLookahead != 0:
		mode = traverse.ModeLookahead
	}

	t := traverse.New(fs.dev, mode)
	if fs.cfg.GCFlags&GCLookahead != 0 {
		t.OnBlock = fs.alloc.MarkInUse
	}
	if mode == traverse.ModeCompact {
		t.CompactThresh = fs.cfg.GCCompactThresh
	}
	for i := 0; i < steps; i++ {
		if _, ok := t.Step(); !ok {
			if err := t.Err(); err != nil {
				return false, wrapCorrupt("gc", "", err)
			}
			if mode == traverse.ModeMkConsistent && len(t.Orphans) > 0 {
				if err := fs.removeOrphans(t.Orphans); err != nil {
					return false, wrapCorrupt("gc", "", err)
				}
			}
			return true, nil
		}
	}
	return t.Done(), nil
}

// removeOrphans deletes every row ModeMkConsistent flagged as still
// carrying a stale STICKYNOTE, the same cleanup Mount's
// replayStickyNotes performs (spec.md §3 invariant (iii)). lfs3.FS
// never populates the mtree (fs_files.go keeps every entry inline in
// the root mdir, see DirEntry's doc comment), so every orphan found
// here necessarily lives in that same root mdir and CommitInline is
// the right target; a caller that grew the mtree out would need to
// route through Pipeline.CommitMdir per mbid instead.
func (fs *FS) removeOrphans(orphans []traverse.Visit) error {
	var mids []int32
	for _, o := range orphans {
		mids = append(mids, o.Mid)
	}
	var attrs []rbyd.Attr
	for i := len(mids) - 1; i >= 0; i-- {
		attrs = append(attrs, rbyd.Attr{Rid: mids[i], Delta: -1})
	}
	return fs.pipe.CommitInline(attrs)
}

type sliceByteReader struct {
	b []byte
	i int
}

func (r *sliceByteReader) ReadByte() (byte, error) {
	if r.i >= len(r.b) {
		return 0, xerrors.Errorf("lfs3: leb128: unexpected end")
	}
	c := r.b[r.i]
	r.i++
	return c, nil
}

func byteReaderOf(b []byte) *sliceByteReader { return &sliceByteReader{b: b} }
