// Package index implements the in-memory cache-metadata index: per remote
// file, which byte ranges are resident on which local disk. Entries are
// independently locked so operations on unrelated files never contend.
package index

import (
	"fmt"
	"net/url"
)

// FileID is the stable identity of a remote file: its path plus a
// generation token (typically the remote modification time). Immutable
// once observed.
type FileID struct {
	Path       string `json:"path"`
	Generation int64  `json:"generation"`
}

// Key returns the canonical string form used for index keying, placement
// hashing, and fetch deduplication.
func (id FileID) Key() string {
	return fmt.Sprintf("%s@%d", id.Path, id.Generation)
}

// Encode returns a filesystem-safe encoding of the identity, used as the
// per-file directory name under a cache disk.
func (id FileID) Encode() string {
	return url.PathEscape(id.Key())
}

// Range is a half-open byte interval [Start, End) within a file.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Valid reports whether the range is well-formed and non-empty.
func (r Range) Valid() bool {
	return r.Start >= 0 && r.End > r.Start
}

// Overlaps reports whether r and other share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Adjacent reports whether r and other touch without overlapping.
func (r Range) Adjacent(other Range) bool {
	return r.End == other.Start || other.End == r.Start
}

// Intersect returns the overlap of r and other; empty if disjoint.
func (r Range) Intersect(other Range) Range {
	s := r.Start
	if other.Start > s {
		s = other.Start
	}
	e := r.End
	if other.End < e {
		e = other.End
	}
	if e <= s {
		return Range{}
	}
	return Range{Start: s, End: e}
}

// String formats the range as [start,end).
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Segment is one piece of a lookup result: a sub-range of the request and
// whether its bytes are resident. Disk is meaningful only when Resident.
type Segment struct {
	Range    Range `json:"range"`
	Resident bool  `json:"resident"`
	Disk     int   `json:"disk"`
}
