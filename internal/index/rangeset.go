package index

import (
	"sort"
	"time"
)

// span is one stored range with its recency stamp. Span slices are always
// sorted by Start, non-overlapping, and non-adjacent: inserts coalesce and
// removals split, so the invariant holds after every mutation.
type span struct {
	Range
	lastAccess time.Time
}

// mergeInto inserts r into spans, coalescing any overlapping or adjacent
// spans into one. The merged span takes now as its recency stamp. Returns
// the new slice and the number of newly resident bytes (zero when r was
// already fully covered).
func mergeInto(spans []span, r Range, now time.Time) ([]span, int64) {
	// Locate the window of spans that overlap or touch r.
	lo := sort.Search(len(spans), func(i int) bool {
		return spans[i].End >= r.Start
	})
	hi := lo
	for hi < len(spans) && spans[hi].Start <= r.End {
		hi++
	}

	merged := span{Range: r, lastAccess: now}
	var covered int64
	for i := lo; i < hi; i++ {
		if spans[i].Start < merged.Start {
			merged.Start = spans[i].Start
		}
		if spans[i].End > merged.End {
			merged.End = spans[i].End
		}
		covered += spans[i].Len()
	}
	added := merged.Len() - covered

	out := make([]span, 0, len(spans)-(hi-lo)+1)
	out = append(out, spans[:lo]...)
	out = append(out, merged)
	out = append(out, spans[hi:]...)
	return out, added
}

// subtractFrom removes r from spans, shrinking or splitting overlapping
// spans. Split fragments keep their original recency stamp. Returns the
// new slice and the number of bytes removed.
func subtractFrom(spans []span, r Range) ([]span, int64) {
	out := make([]span, 0, len(spans)+1)
	var removed int64
	for _, s := range spans {
		if !s.Overlaps(r) {
			out = append(out, s)
			continue
		}
		removed += s.Intersect(r).Len()
		if s.Start < r.Start {
			out = append(out, span{Range: Range{Start: s.Start, End: r.Start}, lastAccess: s.lastAccess})
		}
		if s.End > r.End {
			out = append(out, span{Range: Range{Start: r.End, End: s.End}, lastAccess: s.lastAccess})
		}
	}
	return out, removed
}

// partition splits r into alternating resident and missing segments by
// intersecting it with spans. Segments are ordered by Start and cover r
// exactly.
func partition(spans []span, r Range, disk int) []Segment {
	var segs []Segment
	pos := r.Start
	for _, s := range spans {
		if s.End <= pos {
			continue
		}
		if s.Start >= r.End {
			break
		}
		hit := s.Intersect(r)
		if hit.Start > pos {
			segs = append(segs, Segment{Range: Range{Start: pos, End: hit.Start}, Resident: false, Disk: -1})
		}
		segs = append(segs, Segment{Range: hit, Resident: true, Disk: disk})
		pos = hit.End
	}
	if pos < r.End {
		segs = append(segs, Segment{Range: Range{Start: pos, End: r.End}, Resident: false, Disk: -1})
	}
	return segs
}

// totalBytes sums the lengths of all spans.
func totalBytes(spans []span) int64 {
	var n int64
	for _, s := range spans {
		n += s.Len()
	}
	return n
}
