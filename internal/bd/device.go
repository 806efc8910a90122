// Package bd wraps a raw block device (spec.md §6.1) with a single read
// cache and a single program cache (spec.md §4.1), the way
// internal/squashfs/reader.go's blockReader buffers one metadata block
// at a time rather than re-reading byte-by-byte.
package bd

import "golang.org/x/xerrors"

// Device is the raw synchronous block-device interface the core
// consumes (spec.md §6.1). Implementations live in internal/blkdev
// (host-backed) or are trivial in-memory fakes used by tests.
type Device interface {
	ReadAt(block uint32, off, size uint32, buf []byte) error
	ProgAt(block uint32, off uint32, buf []byte) error
	Erase(block uint32) error
	Sync() error

	ReadSize() uint32
	ProgSize() uint32
	BlockSize() uint32
	BlockCount() uint32
}

// ErrCorrupt is returned for any device read/prog error that is not an
// internal assertion failure (spec.md §4.1 "Errors").
var ErrCorrupt = xerrors.New("bd: corrupt")

// Validate bundles the compile-time-selectable validation policies named
// in spec.md §4.1. They are runtime flags here rather than build tags so
// a single binary can run the conformance suite under every combination.
type Validate struct {
	CkProgs         bool // re-read after each prog
	CkFetches       bool // re-validate every rbyd fetch
	CkMetaParity    bool // byte following each tag encodes the tag's parity
	CkDataCksumReads bool // indirect-block reads recompute the whole-block CRC
}
