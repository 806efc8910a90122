package rbyd

// TagEstimate computes the deterministic per-tag overhead estimate
// spec.md §4.3 "Estimate" defines: a 2-byte tag word plus the worst-case
// leb128 width of a weight up to fileLimit and a size up to blockSize.
func TagEstimate(fileLimit, blockSize uint32) int {
	return 2 + log128(fileLimit+1) + log128(blockSize)
}

func log128(v uint32) int {
	n := 1
	for v >= 128 {
		v /= 128
		n++
	}
	return n
}

// EstimateSize deterministically computes an upper bound on this tree's
// compacted size by walking leaves from both ends inward and charging
// 3*tag_estimate+4 per tag plus its payload (spec.md §4.3 "Estimate"),
// returning a split_rid that bisects the result for callers deciding
// whether (and where) to split a B-tree node (spec.md §4.4 "Commit").
func (t *Tree) EstimateSize(fileLimit, blockSize uint32) (size int, splitRid int32) {
	te := TagEstimate(fileLimit, blockSize)
	perTag := 3*te + 4

	costs := make([]int, len(t.rows))
	total := 0
	for i, r := range t.rows {
		c := 0
		for _, e := range r.tags {
			c += perTag + len(e.data)
		}
		if len(r.tags) == 0 {
			c = perTag
		}
		costs[i] = c
		total += c
	}

	half := total / 2
	running := 0
	split := len(t.rows) / 2
	for i, c := range costs {
		running += c
		if running >= half {
			split = i
			break
		}
	}
	return total, int32(split)
}
