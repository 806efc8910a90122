// Package posix is the thin, non-core POSIX path/file/dir surface
// spec.md §1 deliberately excludes from the hard core: lfs3.FS deals
// in mdir rattrs, not paths, open file descriptors, or permission
// bits, so something outside the core has to own those (SPEC_FULL.md
// §0). internal/fusebridge is this package's only caller today.
package posix

import (
	"os"
	"time"

	"github.com/distr1/lfs3"
)

// FS adapts an *lfs3.FS to path-oriented file/dir operations. It only
// ever resolves paths against the filesystem's single root directory:
// lfs3.FS itself does not yet populate the mtree, so nested
// directories are not addressable from the core today (see
// fs_files.go's DirEntry doc comment).
type FS struct {
	core *lfs3.FS
}

func New(core *lfs3.FS) *FS { return &FS{core: core} }

// Attr is the subset of POSIX metadata this surface can report,
// matching what an mdir NAME/STRUCT row pair actually carries.
type Attr struct {
	Name  string
	Mode  os.FileMode
	Size  int64
	Mtime time.Time
}

func rootName(path string) string {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}

// Stat reports Attr for path, resolved against the root directory.
func (fs *FS) Stat(path string) (Attr, error) {
	name := rootName(path)
	if name == "" {
		return Attr{Name: "/", Mode: os.ModeDir | 0755}, nil
	}
	entries, err := fs.core.ReadDir()
	if err != nil {
		return Attr{}, err
	}
	for _, e := range entries {
		if e.Name != name {
			continue
		}
		mode := os.FileMode(0644)
		if e.Dir {
			mode = os.ModeDir | 0755
		}
		return Attr{Name: e.Name, Mode: mode, Size: int64(e.Size)}, nil
	}
	return Attr{}, &os.PathError{Op: "stat", Path: path, Err: os.ErrNotExist}
}

// ReadDir lists the root directory's entries.
func (fs *FS) ReadDir(path string) ([]Attr, error) {
	entries, err := fs.core.ReadDir()
	if err != nil {
		return nil, err
	}
	out := make([]Attr, 0, len(entries))
	for _, e := range entries {
		mode := os.FileMode(0644)
		if e.Dir {
			mode = os.ModeDir | 0755
		}
		out = append(out, Attr{Name: e.Name, Mode: mode, Size: int64(e.Size)})
	}
	return out, nil
}

// ReadFile returns path's full contents.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	return fs.core.ReadFile(rootName(path))
}

// WriteFile replaces path's contents, creating it if necessary.
func (fs *FS) WriteFile(path string, data []byte) error {
	return fs.core.WriteFile(rootName(path), data)
}

// Mkdir creates an empty directory at path.
func (fs *FS) Mkdir(path string) error {
	return fs.core.Mkdir(rootName(path))
}

// Remove deletes the file or empty directory at path.
func (fs *FS) Remove(path string) error {
	return fs.core.Remove(rootName(path))
}

// Rename moves oldPath to newPath, overwriting newPath if it exists.
func (fs *FS) Rename(oldPath, newPath string) error {
	return fs.core.Rename(rootName(oldPath), rootName(newPath))
}
