package index

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

// recordingSink accumulates usage deltas per disk.
type recordingSink struct {
	mu   sync.Mutex
	used map[int]int64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{used: make(map[int]int64)}
}

func (s *recordingSink) AddUsed(disk int, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[disk] += delta
}

func (s *recordingSink) get(disk int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[disk]
}

func testFile(path string) FileID {
	return FileID{Path: path, Generation: 1}
}

func TestLookupMissingFile(t *testing.T) {
	ix := New(newRecordingSink())
	segs := ix.Lookup(testFile("s3://bucket/a"), Range{0, 100})
	if len(segs) != 1 || segs[0].Resident || segs[0].Range != (Range{0, 100}) {
		t.Fatalf("unexpected segments for unknown file: %v", segs)
	}
}

func TestInsertLookupPartition(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/a")

	ix.Insert(id, 2, Range{100, 200})
	ix.Insert(id, 2, Range{300, 400})

	segs := ix.Lookup(id, Range{0, 500})
	var resident, missing int64
	for _, s := range segs {
		if s.Resident {
			resident += s.Range.Len()
			if s.Disk != 2 {
				t.Errorf("resident segment on disk %d, want 2", s.Disk)
			}
		} else {
			missing += s.Range.Len()
		}
	}
	if resident != 200 || missing != 300 {
		t.Errorf("resident/missing = %d/%d, want 200/300", resident, missing)
	}
	if sink.get(2) != 200 {
		t.Errorf("usedBytes = %d, want 200", sink.get(2))
	}
}

func TestInsertIdempotent(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/a")

	ix.Insert(id, 0, Range{0, 100})
	ix.Insert(id, 0, Range{0, 100})
	ix.Insert(id, 0, Range{20, 80})

	if got := ix.ResidentBytes(id); got != 100 {
		t.Errorf("ResidentBytes = %d, want 100", got)
	}
	if sink.get(0) != 100 {
		t.Errorf("usedBytes = %d, want 100 after idempotent inserts", sink.get(0))
	}
	if ranges := ix.Ranges(id); len(ranges) != 1 || ranges[0] != (Range{0, 100}) {
		t.Errorf("ranges = %v, want single [0,100)", ranges)
	}
}

func TestInsertInvalidRangeIgnored(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/a")

	ix.Insert(id, 0, Range{100, 100})
	ix.Insert(id, 0, Range{-5, 10})

	if sink.get(0) != 0 {
		t.Errorf("invalid inserts should not change usage, got %d", sink.get(0))
	}
}

func TestRemoveShrinksAndAccount(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/a")

	ix.Insert(id, 1, Range{0, 100})
	ix.Remove(id, Range{40, 60})

	if got := ix.ResidentBytes(id); got != 80 {
		t.Errorf("ResidentBytes = %d, want 80", got)
	}
	if sink.get(1) != 80 {
		t.Errorf("usedBytes = %d, want 80", sink.get(1))
	}

	// Removing what is not there is a silent no-op.
	ix.Remove(id, Range{500, 600})
	ix.Remove(testFile("s3://bucket/absent"), Range{0, 10})
	if sink.get(1) != 80 {
		t.Errorf("usedBytes changed by no-op removes: %d", sink.get(1))
	}
}

func TestInvalidate(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/a")

	ix.Insert(id, 3, Range{0, 100})
	ix.Insert(id, 3, Range{200, 250})

	disk, removed, ok := ix.Invalidate(id)
	if !ok {
		t.Fatal("Invalidate should report the entry existed")
	}
	if disk != 3 {
		t.Errorf("disk = %d, want 3", disk)
	}
	if len(removed) != 2 {
		t.Errorf("removed = %v, want two ranges", removed)
	}
	if sink.get(3) != 0 {
		t.Errorf("usedBytes = %d, want 0 after invalidate", sink.get(3))
	}

	if _, _, ok := ix.Invalidate(id); ok {
		t.Error("second invalidate should report absence")
	}
	if got := ix.ResidentBytes(id); got != 0 {
		t.Errorf("ResidentBytes = %d after invalidate", got)
	}
}

func TestColdestRangeOrder(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)

	clock := time.Unix(1000, 0)
	ix.now = func() time.Time { return clock }

	a := testFile("s3://bucket/a")
	b := testFile("s3://bucket/b")

	ix.Insert(a, 0, Range{0, 50})
	clock = clock.Add(time.Second)
	ix.Insert(b, 0, Range{0, 45})
	clock = clock.Add(time.Second)

	// a is the coldest.
	id, r, ok := ix.ColdestRange(0, nil)
	if !ok || id != a || r != (Range{0, 50}) {
		t.Fatalf("coldest = %v %v %v, want a [0,50)", id, r, ok)
	}

	// Touching a makes b the coldest.
	ix.Touch(a, Range{0, 50})
	id, r, ok = ix.ColdestRange(0, nil)
	if !ok || id != b || r != (Range{0, 45}) {
		t.Fatalf("coldest after touch = %v %v %v, want b [0,45)", id, r, ok)
	}

	// Lookup also refreshes recency.
	ix.Lookup(b, Range{0, 10})
	id, _, ok = ix.ColdestRange(0, nil)
	if !ok || id != a {
		t.Fatalf("coldest after lookup touch = %v, want a", id)
	}
}

func TestColdestRangeTieBreaksBySize(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)

	clock := time.Unix(1000, 0)
	ix.now = func() time.Time { return clock }

	small := testFile("s3://bucket/small")
	large := testFile("s3://bucket/large")
	ix.Insert(small, 0, Range{0, 10})
	ix.Insert(large, 0, Range{0, 90})

	id, r, ok := ix.ColdestRange(0, nil)
	if !ok || id != large || r.Len() != 90 {
		t.Fatalf("tie should evict the larger range first, got %v %v", id, r)
	}
}

func TestColdestRangeSkipsPinned(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)

	clock := time.Unix(1000, 0)
	ix.now = func() time.Time { return clock }

	a := testFile("s3://bucket/a")
	b := testFile("s3://bucket/b")
	ix.Insert(a, 0, Range{0, 100})
	clock = clock.Add(time.Second)
	ix.Insert(b, 0, Range{0, 10})

	skip := func(id FileID, r Range) bool { return id == a }
	id, _, ok := ix.ColdestRange(0, skip)
	if !ok || id != b {
		t.Fatalf("pinned range should be skipped, got %v", id)
	}

	skipAll := func(FileID, Range) bool { return true }
	if _, _, ok := ix.ColdestRange(0, skipAll); ok {
		t.Error("no candidate expected when everything is pinned")
	}

	if _, _, ok := ix.ColdestRange(7, nil); ok {
		t.Error("no candidate expected on an empty disk")
	}
}

// TestUsageMatchesResidentBytes runs a random operation mix over several
// files and checks that the sink's per-disk usage always equals the sum of
// resident range lengths.
func TestUsageMatchesResidentBytes(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	rng := rand.New(rand.NewSource(7))

	files := []FileID{
		testFile("s3://bucket/a"),
		testFile("s3://bucket/b"),
		testFile("s3://bucket/c"),
	}
	disks := []int{0, 1, 0}

	for i := 0; i < 1500; i++ {
		f := rng.Intn(len(files))
		start := rng.Int63n(4096)
		r := Range{Start: start, End: start + rng.Int63n(512) + 1}
		if rng.Intn(3) == 0 {
			ix.Remove(files[f], r)
		} else {
			ix.Insert(files[f], disks[f], r)
		}
	}

	wantByDisk := make(map[int]int64)
	for i, f := range files {
		wantByDisk[disks[i]] += ix.ResidentBytes(f)
	}
	for disk, want := range wantByDisk {
		if got := sink.get(disk); got != want {
			t.Errorf("disk %d usage = %d, resident sum = %d", disk, got, want)
		}
	}
}

// TestConcurrentDistinctFiles exercises the per-file locking: concurrent
// writers on different files must not corrupt accounting.
func TestConcurrentDistinctFiles(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)

	const workers = 8
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := FileID{Path: "s3://bucket/concurrent", Generation: int64(w)}
			for i := 0; i < 200; i++ {
				start := int64(i * 10)
				ix.Insert(id, w%2, Range{start, start + 10})
				ix.Lookup(id, Range{0, start + 10})
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for w := 0; w < workers; w++ {
		id := FileID{Path: "s3://bucket/concurrent", Generation: int64(w)}
		if got := ix.ResidentBytes(id); got != 2000 {
			t.Errorf("file %d resident = %d, want 2000", w, got)
		}
		total += 2000
	}
	if got := sink.get(0) + sink.get(1); got != total {
		t.Errorf("total usage = %d, want %d", got, total)
	}
}

func TestAssignSticky(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/a")

	if d := ix.Assign(id, 0); d != 0 {
		t.Fatalf("first Assign = %d, want 0", d)
	}
	ix.Insert(id, 0, Range{0, 64})

	// A later caller resolving to another disk still gets the assignment.
	if d := ix.Assign(id, 1); d != 0 {
		t.Errorf("Assign after placement change = %d, want 0", d)
	}
	ix.Insert(id, 0, Range{64, 128})
	if sink.get(0) != 128 || sink.get(1) != 0 {
		t.Errorf("used = disk0:%d disk1:%d, want 128/0", sink.get(0), sink.get(1))
	}

	// Invalidation releases the assignment.
	ix.Invalidate(id)
	if d := ix.Assign(id, 1); d != 1 {
		t.Errorf("Assign after invalidate = %d, want 1", d)
	}
}

func TestConcurrentInsertInvalidateBalance(t *testing.T) {
	sink := newRecordingSink()
	ix := New(sink)
	id := testFile("s3://bucket/contested")

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				start := rng.Int63n(1000)
				ix.Insert(id, 0, Range{start, start + 1 + rng.Int63n(100)})
			}
		}(int64(w))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			ix.Invalidate(id)
		}
	}()
	wg.Wait()

	// Every insert landed in an entry a final invalidation can reach, so
	// accounting returns to zero.
	ix.Invalidate(id)
	if got := sink.get(0); got != 0 {
		t.Errorf("used = %d after invalidating everything, want 0", got)
	}
	if got := ix.ResidentBytes(id); got != 0 {
		t.Errorf("ResidentBytes = %d, want 0", got)
	}
}
