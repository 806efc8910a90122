package rbyd

import "github.com/distr1/lfs3/internal/tag"

// Attr is one rattr: a single logical mutation passed to AppendAttr
// (spec.md §4.3 "Append-attr", §4.7 "rattr").
type Attr struct {
	Rid    int32
	Tag    tag.Kind
	Delta  int32 // weight delta; see AppendAttr doc
	Data   []byte
	Rm     bool // emit an unreachable "hole", rather than a visible delete
	Grow   bool // extend the row at Rid in place rather than inserting after it
}

// AppendAttr mutates the in-RAM row set according to a, implementing
// the four cases spec.md §4.3 enumerates:
//
//   - Delta > 0, not Grow: insert — a new row of weight Delta is
//     spliced in immediately before Rid.
//   - Delta < 0: delete — the range of -Delta rows ending at Rid is
//     removed.
//   - Delta == 0, not Rm: update — a.Tag/a.Data replaces (or adds) the
//     tag at the existing row Rid.
//   - Rm: the tag at Rid is removed; if the row's tag set becomes empty
//     and its weight is zero it is pruned (spec's "unreachable hole").
//
// Commit serializes the resulting row set; see rbyd.go's doc comment
// for why this implementation always rebuilds the full trunk rather
// than streaming an incremental rebalance.
func (t *Tree) AppendAttr(a Attr) error {
	switch {
	case a.Rm:
		return t.remove(a)
	case a.Delta > 0 && !a.Grow:
		return t.insert(a)
	case a.Delta < 0:
		return t.deleteRange(a)
	default:
		return t.update(a)
	}
}

func (t *Tree) insert(a Attr) error {
	rid := int(a.Rid)
	if rid < 0 || rid > len(t.rows) {
		return xerrInval("rbyd: insert rid %d out of range [0,%d]", rid, len(t.rows))
	}
	nr := row{weight: a.Delta}
	if a.Tag != tag.Null {
		nr.put(a.Tag, a.Data)
	}
	t.rows = append(t.rows, row{})
	copy(t.rows[rid+1:], t.rows[rid:])
	t.rows[rid] = nr
	return nil
}

func (t *Tree) deleteRange(a Attr) error {
	hi := int(a.Rid)
	n := int(-a.Delta)
	lo := hi - n + 1
	if lo < 0 || hi >= len(t.rows) {
		return xerrInval("rbyd: delete range [%d,%d] out of range [0,%d)", lo, hi, len(t.rows))
	}
	t.rows = append(t.rows[:lo], t.rows[hi+1:]...)
	return nil
}

func (t *Tree) update(a Attr) error {
	rid := int(a.Rid)
	if rid < 0 || rid >= len(t.rows) {
		return xerrInval("rbyd: update rid %d out of range [0,%d)", rid, len(t.rows))
	}
	if a.Grow {
		t.rows[rid].weight += a.Delta
	}
	if a.Tag != tag.Null {
		t.rows[rid].put(a.Tag, a.Data)
	}
	return nil
}

func (t *Tree) remove(a Attr) error {
	rid := int(a.Rid)
	if rid < 0 || rid >= len(t.rows) {
		return xerrInval("rbyd: rm rid %d out of range [0,%d)", rid, len(t.rows))
	}
	t.rows[rid].delete(a.Tag)
	if len(t.rows[rid].tags) == 0 && t.rows[rid].weight == 0 {
		t.rows = append(t.rows[:rid], t.rows[rid+1:]...)
	}
	return nil
}
