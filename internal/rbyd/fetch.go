package rbyd

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/lfs3/internal/crc"
	"github.com/distr1/lfs3/internal/tag"
)

// ErrNoTrunk is returned by Fetch when a block contains no valid,
// checksummed trunk at all (spec.md §4.3 "Fetch": "Reject if no valid
// trunk found").
var ErrNoTrunk = xerrors.New("rbyd: no valid trunk")

// Fetch reads block from dev and reconstructs the in-RAM row set from
// its most recently validated commit (spec.md §4.3 "Fetch").
//
// A block can hold a whole chain of self-contained commits laid end to
// end: Append (internal/commit's primary, non-erasing path, spec.md
// §4.7 stage 4) writes each new commit immediately after the previous
// one's bytes rather than overwriting them, so the scan must walk
// every commit in sequence rather than stopping at the first. Each
// commit's own CRC covers only its own tags (it restarts at zero right
// after the prior commit's CKSUM), so a commit boundary is exactly a
// point where the running CRC resets; the scan tracks that explicitly
// via commitStart/rows/runningCRC. On each CKSUM tag it compares the
// stored value against the running CRC (reversing the perturb
// contribution first); a match snapshots the row set built since the
// last boundary and starts a fresh one for whatever commit may follow.
// A mismatch or malformed tag stops the scan immediately and returns
// the last good snapshot, so a commit interrupted by power loss — or
// anything written after it gets lost to a mismatch — is simply
// invisible rather than corrupting.
func Fetch(dev Device, block uint32) (*Tree, error) {
	raw := make([]byte, dev.BlockSize())
	if err := dev.Read(block, 0, raw, -1); err != nil {
		return nil, xerrors.Errorf("rbyd: read block %d: %w", block, err)
	}

	t := &Tree{dev: dev, Block: block}
	t.Rev = binary.LittleEndian.Uint32(raw[:revSize])

	r := bytes.NewReader(raw[revSize:])
	off := uint32(revSize)
	commitStart := off
	runningCRC := uint32(0)

	var (
		rows         []row
		pendingNew   = true
		haveSnapshot bool
	)

	for {
		start := off
		t0, n, err := tag.Decode(r)
		if err != nil {
			break
		}
		hdrEnd := start + uint32(n)

		switch {
		case t0.Kind >= tag.Alt && t0.Kind < tag.Alt+0x100:
			// alt tag: fold header into CRC, skip its (jump-only)
			// payload; the payload IS the leb128 jump already counted
			// in t0.Size by Decode's generic framing, so just skip it.
			payload := make([]byte, t0.Size)
			if _, err := io.ReadFull(r, payload); err != nil {
				goto done
			}
			runningCRC = foldTag(runningCRC, raw[start:hdrEnd], payload)
			off = hdrEnd + t0.Size
			pendingNew = true

		case t0.Kind >= tag.Cksum && t0.Kind < tag.Cksum+4:
			payload := make([]byte, t0.Size)
			if _, err := io.ReadFull(r, payload); err != nil {
				goto done
			}
			// the stored CRC covers this tag's header but not its own
			// four payload bytes, mirroring Commit's finalize step.
			runningCRC = foldTag(runningCRC, raw[start:hdrEnd], nil)
			off = hdrEnd + t0.Size

			if len(payload) != 4 {
				goto done
			}
			stored := binary.LittleEndian.Uint32(payload)
			// perturb is encoded in the valid bit of tags we wrote
			// after Commit/Append flipped it on revision parity;
			// check both parities since Fetch doesn't yet know which
			// one this commit used.
			if stored != runningCRC && stored != (runningCRC^crc.ODDZERO) {
				// this commit is torn or corrupt: everything from
				// commitStart onward is unreliable, so stop here
				// rather than attempt to resync on whatever garbage
				// follows.
				goto done
			}
			t.rows = append([]row(nil), rows...)
			t.Trunk = commitStart
			t.EOff = off
			t.Cksum = stored
			t.Perturb = stored != runningCRC
			haveSnapshot = true

			// this commit validated; anything after it is an
			// independent, self-contained later commit appended in
			// place (spec.md §4.7 stage 4), so its CRC and row
			// accumulation start fresh rather than continuing this
			// one's.
			rows = nil
			runningCRC = 0
			pendingNew = true
			commitStart = off

		case t0.Kind == tag.ECksum:
			payload := make([]byte, t0.Size)
			if _, err := io.ReadFull(r, payload); err != nil {
				goto done
			}
			runningCRC = foldTag(runningCRC, raw[start:hdrEnd], payload)
			off = hdrEnd + t0.Size

		default:
			payload := make([]byte, t0.Size)
			if _, err := io.ReadFull(r, payload); err != nil {
				goto done
			}
			runningCRC = foldTag(runningCRC, raw[start:hdrEnd], payload)
			off = hdrEnd + t0.Size

			if pendingNew {
				rows = append(rows, row{weight: t0.Weight})
				pendingNew = false
			}
			if t0.Kind != tag.Null {
				rows[len(rows)-1].tags = append(rows[len(rows)-1].tags, entry{t: t0.Kind, data: payload})
			}
		}
	}
done:
	if !haveSnapshot {
		return nil, ErrNoTrunk
	}
	return t, nil
}

// foldTag is the reader-side mirror of trunkBuilder.writeTag: it feeds
// the already-written header+payload bytes into the running CRC. Since
// Fetch reads bytes that already encode their valid bit, no XOR
// correction is needed here beyond what Commit already baked in.
func foldTag(runningCRC uint32, hdr, payload []byte) uint32 {
	runningCRC = crc.Update(runningCRC, hdr)
	if len(payload) > 0 {
		runningCRC = crc.Update(runningCRC, payload)
	}
	return runningCRC
}
