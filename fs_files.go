package lfs3

import (
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/rbyd"
	"github.com/distr1/lfs3/internal/tag"
)

// DirEntry describes one name living directly in the root directory.
//
// Only the root directory is reachable today: nested directories are
// out of this package's scope (internal/posix, not lfs3.FS, owns
// path walking per SPEC_FULL.md §0) and the mtree is never populated,
// so every entry lives inline in the mroot — the "empty mtree: all
// files inline" mode spec.md §3 names explicitly, rather than a
// shortcut taken for this implementation.
type DirEntry struct {
	Name string
	Dir  bool
	Size int
}

func rootRows(fs *FS) []rbyd.RawRow {
	return fs.pipe.MRoot().Live.Export()
}

// findByName returns the rid holding name (as NameReg or NameDir) and
// its data, or ok=false if no such entry exists.
func findByName(rows []rbyd.RawRow, name string) (rid int, dir bool, data []byte, ok bool) {
	for i, r := range rows {
		for _, t := range r.Tags {
			if t.Tag != tag.NameReg && t.Tag != tag.NameDir {
				continue
			}
			if string(t.Data) != name {
				continue
			}
			for _, t2 := range r.Tags {
				if t2.Tag == tag.StructData {
					data = t2.Data
				}
			}
			return i, t.Tag == tag.NameDir, data, true
		}
	}
	return 0, false, nil, false
}

// WriteFile creates name as a regular file holding data, or overwrites
// it in place if name already exists as a regular file (spec.md §3
// NAME/STRUCT row pair: a REG tag alongside its DATA tag at the same
// rid).
func (fs *FS) WriteFile(name string, data []byte) error {
	rows := rootRows(fs)
	if rid, dir, _, ok := findByName(rows, name); ok {
		if dir {
			return newErr(CodeIsDir, "writefile", name, nil)
		}
		return fs.pipe.CommitInline([]rbyd.Attr{
			{Rid: int32(rid), Tag: tag.StructData, Data: data},
		})
	}
	rid := int32(len(rows))
	return fs.pipe.CommitInline([]rbyd.Attr{
		{Rid: rid, Delta: 1, Tag: tag.NameReg, Data: []byte(name)},
		{Rid: rid, Tag: tag.StructData, Data: data},
	})
}

// ReadFile returns the contents of the regular file name.
func (fs *FS) ReadFile(name string) ([]byte, error) {
	rows := rootRows(fs)
	_, dir, data, ok := findByName(rows, name)
	if !ok {
		return nil, newErr(CodeNoEnt, "readfile", name, nil)
	}
	if dir {
		return nil, newErr(CodeIsDir, "readfile", name, nil)
	}
	return append([]byte(nil), data...), nil
}

// Mkdir creates an empty directory entry named name (spec.md §3 NAME
// DIR). Nested contents are out of scope; see DirEntry's doc comment.
func (fs *FS) Mkdir(name string) error {
	rows := rootRows(fs)
	if _, _, _, ok := findByName(rows, name); ok {
		return newErr(CodeExist, "mkdir", name, nil)
	}
	rid := int32(len(rows))
	return fs.pipe.CommitInline([]rbyd.Attr{
		{Rid: rid, Delta: 1, Tag: tag.NameDir, Data: []byte(name)},
	})
}

// Remove deletes the entry named name, file or empty directory.
//
// Per spec.md §4.7 stage 1 "Dry-run grm", the mid is pushed onto the
// global pending-remove queue before the removal commits; this
// implementation removes the row in that same commit rather than
// deferring it to a later one (see DESIGN.md), so in steady state the
// queue simply records the most recent remove rather than surviving
// across a crash unresolved. Mount does not read or replay the queue.
func (fs *FS) Remove(name string) error {
	rows := rootRows(fs)
	rid, _, _, ok := findByName(rows, name)
	if !ok {
		return newErr(CodeNoEnt, "remove", name, nil)
	}
	fs.pipe.GState().PushGRM(int32(rid))
	return fs.pipe.CommitInline([]rbyd.Attr{
		{Rid: int32(rid), Delta: -1},
	})
}

// findStickyNote returns the rid of the row carrying a StickyNote tag
// matching target, or ok=false if none exists. A STICKYNOTE marks a
// row mid-Rename: its original NAME tag has already been cleared but
// the replacement hasn't landed yet (spec.md §3 invariant (iii),
// glossary "STICKYNOTE").
func findStickyNote(rows []rbyd.RawRow, target string) (rid int, ok bool) {
	for i, r := range rows {
		for _, t := range r.Tags {
			if t.Tag == tag.NameStickyNote && string(t.Data) == target {
				return i, true
			}
		}
	}
	return 0, false
}

// Rename moves oldName to newName, overwriting newName if it already
// exists and is the same kind of entry (spec.md §8 scenario 4
// "Rename-over-stickynote").
//
// When newName doesn't yet exist, the move is one atomic commit: drop
// the old row, add a new one. When newName already holds an entry,
// overwriting it safely needs two commits — clearing the destination's
// old NAME tag and its content can't be folded into writing the new
// one without risking a half-applied row if power is lost in between —
// so the destination is staked out with a STICKYNOTE tag naming
// newName in the first commit, then finalized (STICKYNOTE replaced by
// the real NAME/DATA, old row dropped) in the second. A crash between
// the two leaves the destination row carrying only a STICKYNOTE, which
// Mount's replay step (replayStickyNotes) removes outright — the
// destination is gone either way, matching POSIX rename's "replace is
// destructive" semantics, and the source row is untouched until the
// second commit actually lands.
func (fs *FS) Rename(oldName, newName string) error {
	if oldName == newName {
		return nil
	}

	rows := rootRows(fs)
	srcRid, srcDir, srcData, ok := findByName(rows, oldName)
	if !ok {
		return newErr(CodeNoEnt, "rename", oldName, nil)
	}
	srcKind := tag.NameReg
	if srcDir {
		srcKind = tag.NameDir
	}

	dstRid, dstDir, _, exists := findByName(rows, newName)
	if !exists {
		newRid := int32(len(rows))
		attrs := []rbyd.Attr{
			{Rid: newRid, Delta: 1, Tag: srcKind, Data: []byte(newName)},
		}
		if !srcDir {
			attrs = append(attrs, rbyd.Attr{Rid: newRid, Tag: tag.StructData, Data: srcData})
		}
		attrs = append(attrs, rbyd.Attr{Rid: int32(srcRid), Delta: -1})
		return fs.pipe.CommitInline(attrs)
	}
	if dstDir != srcDir {
		if dstDir {
			return newErr(CodeIsDir, "rename", newName, nil)
		}
		return newErr(CodeNotDir, "rename", newName, nil)
	}

	dstKind := tag.NameReg
	if dstDir {
		dstKind = tag.NameDir
	}
	if err := fs.pipe.CommitInline([]rbyd.Attr{
		{Rid: int32(dstRid), Tag: dstKind, Rm: true},
		{Rid: int32(dstRid), Tag: tag.NameStickyNote, Data: []byte(newName)},
	}); err != nil {
		return err
	}

	// Re-resolve both rows: the stage commit only updated tags in
	// place, so rids are unchanged, but re-deriving them from a fresh
	// read keeps this correct even if that stops being true later.
	rows = rootRows(fs)
	stickyRid, ok := findStickyNote(rows, newName)
	if !ok {
		return wrapCorrupt("rename", newName, xerrors.New("staged stickynote vanished before finalize"))
	}
	srcRid, _, srcData, ok = findByName(rows, oldName)
	if !ok {
		return wrapCorrupt("rename", oldName, xerrors.New("source vanished between rename's two commits"))
	}

	finalize := []rbyd.Attr{
		{Rid: int32(stickyRid), Tag: tag.NameStickyNote, Rm: true},
		{Rid: int32(stickyRid), Tag: srcKind, Data: []byte(newName)},
	}
	if !srcDir {
		finalize = append(finalize, rbyd.Attr{Rid: int32(stickyRid), Tag: tag.StructData, Data: srcData})
	}
	srcDelete := rbyd.Attr{Rid: int32(srcRid), Delta: -1}

	// A Delta:-1 earlier in the batch shifts every later rid greater
	// than it down by one (rbyd.Attr.Rid is a plain row index, not a
	// stable mid), so order the two target rows by index and adjust
	// whichever comes after the delete.
	var attrs []rbyd.Attr
	if srcRid < stickyRid {
		attrs = append(attrs, srcDelete)
		for i := range finalize {
			finalize[i].Rid--
		}
		attrs = append(attrs, finalize...)
	} else {
		attrs = append(attrs, finalize...)
		attrs = append(attrs, srcDelete)
	}
	return fs.pipe.CommitInline(attrs)
}

// ReadDir lists every entry in the root directory.
func (fs *FS) ReadDir() ([]DirEntry, error) {
	rows := rootRows(fs)
	var out []DirEntry
	for _, r := range rows {
		for _, t := range r.Tags {
			if t.Tag != tag.NameReg && t.Tag != tag.NameDir {
				continue
			}
			size := 0
			for _, t2 := range r.Tags {
				if t2.Tag == tag.StructData {
					size = len(t2.Data)
				}
			}
			out = append(out, DirEntry{Name: string(t.Data), Dir: t.Tag == tag.NameDir, Size: size})
		}
	}
	return out, nil
}
