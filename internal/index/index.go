package index

import (
	"sync"
	"time"
)

// UsageSink receives used-byte deltas for a disk. The index is the only
// writer of disk usage: every resident-byte change flows through here.
type UsageSink interface {
	AddUsed(disk int, delta int64)
}

// Index maps file identities to their cached range sets. The entry map is
// guarded by a read-write lock; each entry carries its own mutex, created
// lazily on first access and never removed while referenced.
type Index struct {
	mu      sync.RWMutex
	entries map[string]*entry
	usage   UsageSink
	now     func() time.Time
}

// entry is the cache-metadata record for one file. All mutations happen
// under the entry's own lock. dead marks an entry that Invalidate has
// unlinked from the map; a writer holding a stale pointer must re-read
// the map instead of mutating it.
type entry struct {
	mu    sync.Mutex
	id    FileID
	disk  int
	dead  bool
	spans []span
}

// New creates an empty index reporting usage deltas to usage.
func New(usage UsageSink) *Index {
	return &Index{
		entries: make(map[string]*entry),
		usage:   usage,
		now:     time.Now,
	}
}

func (ix *Index) getEntry(id FileID) (*entry, bool) {
	ix.mu.RLock()
	e, ok := ix.entries[id.Key()]
	ix.mu.RUnlock()
	return e, ok
}

func (ix *Index) getOrCreate(id FileID, disk int) *entry {
	if e, ok := ix.getEntry(id); ok {
		return e
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[id.Key()]; ok {
		return e
	}
	e := &entry{id: id, disk: disk}
	ix.entries[id.Key()] = e
	return e
}

// Lookup partitions r into resident and missing segments against a
// consistent point-in-time view of the entry. Resident portions have their
// recency refreshed (touch-on-hit).
func (ix *Index) Lookup(id FileID, r Range) []Segment {
	e, ok := ix.getEntry(id)
	if !ok {
		return []Segment{{Range: r, Resident: false, Disk: -1}}
	}

	e.mu.Lock()
	now := ix.now()
	for i := range e.spans {
		if e.spans[i].Overlaps(r) {
			e.spans[i].lastAccess = now
		}
	}
	segs := partition(e.spans, r, e.disk)
	e.mu.Unlock()
	return segs
}

// Assign returns the disk that holds the file's cached data, creating
// the entry on preferred when the file is unknown. Once an entry exists
// its disk is sticky: callers that write blocks must place them on the
// assigned disk, so index accounting and physical contents always name
// the same disk even across topology refreshes.
func (ix *Index) Assign(id FileID, preferred int) int {
	for {
		e := ix.getOrCreate(id, preferred)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		d := e.disk
		e.mu.Unlock()
		return d
	}
}

// Insert records r as resident on disk, coalescing with existing ranges.
// Inserting an already-resident range only refreshes its recency. The
// first insert for a file fixes its disk; callers obtain it from Assign,
// so later inserts carry the same disk.
func (ix *Index) Insert(id FileID, disk int, r Range) {
	if !r.Valid() {
		return
	}
	for {
		e := ix.getOrCreate(id, disk)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		spans, added := mergeInto(e.spans, r, ix.now())
		e.spans = spans
		d := e.disk
		e.mu.Unlock()

		if added > 0 {
			ix.usage.AddUsed(d, added)
		}
		return
	}
}

// Remove drops r from the entry's resident set, shrinking or splitting
// overlapping ranges. A range that was not resident is a silent no-op.
func (ix *Index) Remove(id FileID, r Range) {
	e, ok := ix.getEntry(id)
	if !ok {
		return
	}

	e.mu.Lock()
	spans, removed := subtractFrom(e.spans, r)
	e.spans = spans
	d := e.disk
	e.mu.Unlock()

	if removed > 0 {
		ix.usage.AddUsed(d, -removed)
	}
}

// Touch refreshes the recency of resident ranges overlapping r.
func (ix *Index) Touch(id FileID, r Range) {
	e, ok := ix.getEntry(id)
	if !ok {
		return
	}
	e.mu.Lock()
	now := ix.now()
	for i := range e.spans {
		if e.spans[i].Overlaps(r) {
			e.spans[i].lastAccess = now
		}
	}
	e.mu.Unlock()
}

// Invalidate removes the file's entry entirely, returning the disk it
// lived on and the ranges that were resident so the caller can delete the
// backing bytes.
func (ix *Index) Invalidate(id FileID) (disk int, removed []Range, ok bool) {
	ix.mu.Lock()
	e, found := ix.entries[id.Key()]
	if found {
		delete(ix.entries, id.Key())
	}
	ix.mu.Unlock()
	if !found {
		return 0, nil, false
	}

	e.mu.Lock()
	var total int64
	removed = make([]Range, 0, len(e.spans))
	for _, s := range e.spans {
		removed = append(removed, s.Range)
		total += s.Len()
	}
	e.spans = nil
	e.dead = true
	disk = e.disk
	e.mu.Unlock()

	if total > 0 {
		ix.usage.AddUsed(disk, -total)
	}
	return disk, removed, true
}

// ResidentBytes returns the number of resident bytes for a file.
func (ix *Index) ResidentBytes(id FileID) int64 {
	e, ok := ix.getEntry(id)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return totalBytes(e.spans)
}

// Ranges returns a copy of the file's resident ranges, for tests and
// introspection.
func (ix *Index) Ranges(id FileID) []Range {
	e, ok := ix.getEntry(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Range, len(e.spans))
	for i, s := range e.spans {
		out[i] = s.Range
	}
	return out
}

// ColdestRange returns the least recently accessed range on disk, breaking
// recency ties by larger length so bigger ranges go first. Ranges for
// which skip returns true (in-flight fetch destinations) are ignored.
// ok is false when the disk holds no evictable range.
func (ix *Index) ColdestRange(disk int, skip func(FileID, Range) bool) (FileID, Range, bool) {
	ix.mu.RLock()
	candidates := make([]*entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		candidates = append(candidates, e)
	}
	ix.mu.RUnlock()

	var (
		bestID FileID
		best   span
		found  bool
	)
	for _, e := range candidates {
		e.mu.Lock()
		if e.disk == disk {
			for _, s := range e.spans {
				if skip != nil && skip(e.id, s.Range) {
					continue
				}
				if !found ||
					s.lastAccess.Before(best.lastAccess) ||
					(s.lastAccess.Equal(best.lastAccess) && s.Len() > best.Len()) {
					bestID = e.id
					best = s
					found = true
				}
			}
		}
		e.mu.Unlock()
	}
	return bestID, best.Range, found
}
