// Package image exports and imports a portable, cpio-formatted
// snapshot of an lfs3 filesystem's root directory, the same
// build-a-cpio-archive-then-gzip-it pipeline cmd/distri's
// initrd.go uses for its initrd image: a go-cpio.Writer streams
// entries into an in-memory buffer, then a compressing writer wraps
// the output file via renameio so a crash mid-export never leaves a
// half-written snapshot at the final path.
package image

import (
	"bytes"
	"compress/zlib"
	"io"
	"io/ioutil"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/distr1/lfs3"
)

// pgzipThreshold is the total uncompressed byte count above which
// Export parallelizes compression via pgzip rather than paying
// goroutine/dictionary overhead for a small snapshot (mirrors
// internal/squashfs/writer.go's per-block size-driven compressor
// choice, applied here to the archive as a whole instead of per
// block, since a snapshot has no block boundaries of its own).
const pgzipThreshold = 1 << 20

// Export walks fs's root directory and writes a compressed cpio
// snapshot to path.
func Export(fs *lfs3.FS, path string) error {
	entries, err := fs.ReadDir()
	if err != nil {
		return xerrors.Errorf("image: export: readdir: %w", err)
	}

	var buf bytes.Buffer
	wr := cpio.NewWriter(&buf)
	for _, e := range entries {
		if e.Dir {
			if err := wr.WriteHeader(&cpio.Header{
				Name: e.Name,
				Mode: cpio.ModeDir | 0755,
			}); err != nil {
				return xerrors.Errorf("image: export: header %q: %w", e.Name, err)
			}
			continue
		}
		data, err := fs.ReadFile(e.Name)
		if err != nil {
			return xerrors.Errorf("image: export: read %q: %w", e.Name, err)
		}
		if err := wr.WriteHeader(&cpio.Header{
			Name: e.Name,
			Mode: cpio.FileMode(0644),
			Size: int64(len(data)),
		}); err != nil {
			return xerrors.Errorf("image: export: header %q: %w", e.Name, err)
		}
		if _, err := wr.Write(data); err != nil {
			return xerrors.Errorf("image: export: write %q: %w", e.Name, err)
		}
	}
	if err := wr.Close(); err != nil {
		return xerrors.Errorf("image: export: close cpio: %w", err)
	}

	out, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("image: export: tempfile: %w", err)
	}
	defer out.Cleanup()

	if err := compress(&buf, out, buf.Len()); err != nil {
		return xerrors.Errorf("image: export: compress: %w", err)
	}
	return out.CloseAtomicallyReplace()
}

// compress writes src, compressed, to dst: gzip via pgzip for large
// snapshots (parallel deflate across blocks), single-stream zlib
// below pgzipThreshold where pgzip's goroutine fan-out would not pay
// for itself.
func compress(src io.Reader, dst io.Writer, size int) error {
	if size >= pgzipThreshold {
		zw := pgzip.NewWriter(dst)
		if _, err := io.Copy(zw, src); err != nil {
			return err
		}
		return zw.Close()
	}
	zw := zlib.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		return err
	}
	return zw.Close()
}

// Entry is one decoded record from a snapshot archive, returned by
// Import for the caller to replay into a freshly formatted lfs3.FS.
type Entry struct {
	Name string
	Dir  bool
	Data []byte
}

// Import decodes a snapshot previously written by Export, without
// requiring the caller to know in advance whether it is zlib- or
// pgzip/gzip-compressed: both produce a standard gzip-compatible
// header for pgzip's output, and compress/zlib output is detected by
// its own 2-byte magic, so Import sniffs the first two bytes.
func Import(path string) ([]Entry, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("image: import: %w", err)
	}
	if len(raw) < 2 {
		return nil, xerrors.Errorf("image: import: %s: truncated", path)
	}

	var zr io.ReadCloser
	if raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err = pgzip.NewReader(bytes.NewReader(raw))
	} else {
		zr, err = zlib.NewReader(bytes.NewReader(raw))
	}
	if err != nil {
		return nil, xerrors.Errorf("image: import: decompress: %w", err)
	}
	defer zr.Close()

	rd := cpio.NewReader(zr)
	var out []Entry
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("image: import: cpio: %w", err)
		}
		if hdr.Mode&cpio.ModeDir != 0 {
			out = append(out, Entry{Name: hdr.Name, Dir: true})
			continue
		}
		data, err := ioutil.ReadAll(rd)
		if err != nil {
			return nil, xerrors.Errorf("image: import: read %q: %w", hdr.Name, err)
		}
		out = append(out, Entry{Name: hdr.Name, Data: data})
	}
	return out, nil
}

// Restore replays a decoded snapshot into fs in archive order; entries
// are not reordered, so directories come before files only where the
// archive lists them that way.
func Restore(fs *lfs3.FS, entries []Entry) error {
	for _, e := range entries {
		if e.Dir {
			if err := fs.Mkdir(e.Name); err != nil {
				return xerrors.Errorf("image: restore: mkdir %q: %w", e.Name, err)
			}
			continue
		}
		if err := fs.WriteFile(e.Name, e.Data); err != nil {
			return xerrors.Errorf("image: restore: write %q: %w", e.Name, err)
		}
	}
	return nil
}
