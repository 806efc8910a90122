package rbyd

import "github.com/distr1/lfs3/internal/tag"

// Result is one answer to LookupNext: the local rid and tag kind it
// landed on, plus the stored payload.
type Result struct {
	Rid  int32
	Tag  tag.Kind
	Data []byte
}

// LookupNext returns the smallest (rid', tag') >= (rid, tag) present in
// the tree (spec.md §4.3 "Lookup"). Since this implementation keeps the
// full row set decoded in RAM (see rbyd.go), the search is a direct
// binary scan rather than a disk descent through alt tags; the on-disk
// alt tree built by buildTrunk exists for format fidelity and crash
// detection, not as this function's search structure.
func (t *Tree) LookupNext(rid int32, k tag.Kind) (Result, bool) {
	start := int(rid)
	if start < 0 {
		start = 0
	}
	if start < len(t.rows) {
		r := &t.rows[start]
		i := r.find(k)
		if i < len(r.tags) {
			return Result{Rid: int32(start), Tag: r.tags[i].t, Data: r.tags[i].data}, true
		}
	}
	for i := start + 1; i < len(t.rows); i++ {
		r := &t.rows[i]
		if len(r.tags) > 0 {
			return Result{Rid: int32(i), Tag: r.tags[0].t, Data: r.tags[0].data}, true
		}
	}
	return Result{}, false
}

// Lookup returns the exact (rid, tag) entry, if present.
func (t *Tree) Lookup(rid int32, k tag.Kind) ([]byte, bool) {
	if rid < 0 || int(rid) >= len(t.rows) {
		return nil, false
	}
	return t.rows[rid].get(k)
}

// LookupName performs the binary-search-by-name primitive B-trees use
// for named lookups (spec.md §4.4 "Name lookup"): cmp is given each
// row's comparison tag payload (a BNAME/NAME) and must return <0, 0, >0
// the way bytes.Compare does against the caller's (did, name) target.
func (t *Tree) LookupName(nameTag tag.Kind, cmp func(data []byte) int) (Result, bool) {
	lo, hi := 0, len(t.rows)
	for lo < hi {
		mid := (lo + hi) / 2
		data, ok := t.rows[mid].get(nameTag)
		if !ok {
			// fall back to a linear probe from mid; named rows should
			// always carry nameTag, but tolerate holes defensively.
			for j := mid; j < hi; j++ {
				if d, ok := t.rows[j].get(nameTag); ok {
					data, mid = d, j
					break
				}
			}
		}
		c := cmp(data)
		switch {
		case c == 0:
			r := &t.rows[mid]
			i := r.find(nameTag)
			return Result{Rid: int32(mid), Tag: nameTag, Data: r.tags[i].data}, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	if lo < len(t.rows) {
		if d, ok := t.rows[lo].get(nameTag); ok {
			return Result{Rid: int32(lo), Tag: nameTag, Data: d}, true
		}
	}
	return Result{}, false
}
