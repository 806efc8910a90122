package rbyd

import "github.com/distr1/lfs3/internal/tag"

// RawTag is an exported view of one (tag, payload) pair within a row,
// used by internal/btree to move rows between split/merged nodes
// without reaching into this package's internals.
type RawTag struct {
	Tag  tag.Kind
	Data []byte
}

// RawRow is an exported view of one row (local id slot).
type RawRow struct {
	Weight int32
	Tags   []RawTag
}

// Export snapshots the current row set, post any AppendAttr calls that
// have not yet been flushed by Commit.
func (t *Tree) Export() []RawRow {
	out := make([]RawRow, len(t.rows))
	for i, r := range t.rows {
		out[i].Weight = r.weight
		out[i].Tags = make([]RawTag, len(r.tags))
		for j, e := range r.tags {
			out[i].Tags[j] = RawTag{Tag: e.t, Data: e.data}
		}
	}
	return out
}

// SetRows replaces the entire row set, used to seed a freshly allocated
// node with one half of a split, or with the union of two merged
// nodes, ahead of calling Commit.
func (t *Tree) SetRows(rows []RawRow) {
	t.rows = make([]row, len(rows))
	for i, r := range rows {
		t.rows[i].weight = r.Weight
		t.rows[i].tags = make([]entry, len(r.Tags))
		for j, e := range r.Tags {
			t.rows[i].tags[j] = entry{t: e.Tag, data: e.Data}
		}
	}
}
