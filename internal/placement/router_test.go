package placement

import (
	"fmt"
	"testing"

	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
)

func testTopology() Topology {
	return Topology{
		Workers:      []string{"node-a:8899", "node-b:8899", "node-c:8899"},
		DisksPerNode: 4,
	}
}

func TestResolveEmptyTopology(t *testing.T) {
	router := NewRouter(Topology{})
	_, err := router.Resolve(index.FileID{Path: "f", Generation: 1})
	if !errors.IsTopologyUnavailable(err) {
		t.Errorf("expected TopologyUnavailable, got %v", err)
	}

	router = NewRouter(Topology{Workers: []string{"a:1"}, DisksPerNode: 0})
	_, err = router.Resolve(index.FileID{Path: "f", Generation: 1})
	if !errors.IsTopologyUnavailable(err) {
		t.Errorf("expected TopologyUnavailable for zero disks, got %v", err)
	}
}

func TestResolveIsStable(t *testing.T) {
	router := NewRouter(testTopology())

	for i := 0; i < 100; i++ {
		id := index.FileID{Path: fmt.Sprintf("s3://bucket/part-%05d", i), Generation: 7}
		first, err := router.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		for rep := 0; rep < 10; rep++ {
			again, err := router.Resolve(id)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if again != first {
				t.Fatalf("placement of %s changed: %v then %v", id.Key(), first, again)
			}
		}
	}
}

func TestResolveDistribution(t *testing.T) {
	router := NewRouter(testTopology())

	const files = 1000
	counts := make(map[[2]int]int)
	for i := 0; i < files; i++ {
		id := index.FileID{Path: fmt.Sprintf("s3://bucket/table/part-%05d.orc", i), Generation: 1}
		p, err := router.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if p.NodeIndex < 0 || p.NodeIndex >= 3 {
			t.Fatalf("node index %d out of range", p.NodeIndex)
		}
		if p.DiskIndex < 0 || p.DiskIndex >= 4 {
			t.Fatalf("disk index %d out of range", p.DiskIndex)
		}
		counts[[2]int{p.NodeIndex, p.DiskIndex}]++
	}

	// 12 slots; no slot may receive more than twice the mean.
	mean := float64(files) / 12
	for slot, n := range counts {
		if float64(n) > 2*mean {
			t.Errorf("slot %v received %d files, more than 2x the mean %.1f", slot, n, mean)
		}
	}
	if len(counts) < 12 {
		t.Errorf("only %d of 12 slots received files", len(counts))
	}
}

func TestGenerationChangesPlacementKey(t *testing.T) {
	router := NewRouter(testTopology())
	a, _ := router.Resolve(index.FileID{Path: "s3://bucket/f", Generation: 1})
	b, _ := router.Resolve(index.FileID{Path: "s3://bucket/f", Generation: 1})
	if a != b {
		t.Error("same identity must resolve identically")
	}
}

func TestSetTopologySwapsAtomically(t *testing.T) {
	router := NewRouter(testTopology())
	id := index.FileID{Path: "s3://bucket/f", Generation: 1}

	before, err := router.Resolve(id)
	if err != nil {
		t.Fatal(err)
	}

	router.SetTopology(Topology{Workers: []string{"only:1"}, DisksPerNode: 2})
	after, err := router.Resolve(id)
	if err != nil {
		t.Fatal(err)
	}
	if after.NodeIndex != 0 || after.NodeEndpoint != "only:1" {
		t.Errorf("placement after refresh = %+v", after)
	}

	// Restoring the original topology restores the original placement.
	router.SetTopology(testTopology())
	restored, err := router.Resolve(id)
	if err != nil {
		t.Fatal(err)
	}
	if restored != before {
		t.Errorf("placement not stable across identical topologies: %v vs %v", before, restored)
	}
}

func TestTopologySnapshotIsolation(t *testing.T) {
	orig := testTopology()
	router := NewRouter(orig)

	// Mutating the caller's slice must not affect the router.
	orig.Workers[0] = "mutated:1"
	got := router.Topology()
	if got.Workers[0] != "node-a:8899" {
		t.Errorf("router topology leaked caller mutation: %v", got.Workers)
	}

	// Mutating a returned snapshot must not affect the router either.
	got.Workers[1] = "mutated:2"
	if router.Topology().Workers[1] != "node-b:8899" {
		t.Error("returned snapshot aliases internal state")
	}
}
