// Package placement maps file identities to the node and disk that own
// their cache data. Resolution is a pure function of the identity and the
// current topology snapshot, so every node routes identically.
package placement

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
)

// Topology is the cluster view used for routing: the ordered worker list
// and the fixed disk count per node. Refreshes replace the whole snapshot;
// partial views are never observable.
type Topology struct {
	IsMaster     bool
	Workers      []string
	DisksPerNode int
}

// Placement is the resolved owner of a file's cache data.
type Placement struct {
	NodeIndex    int
	NodeEndpoint string
	DiskIndex    int
}

// Router resolves placements against an atomically swapped topology
// snapshot. It holds no mutable cache state.
type Router struct {
	mu   sync.RWMutex
	topo Topology
}

// NewRouter creates a router with an initial topology.
func NewRouter(topo Topology) *Router {
	return &Router{topo: snapshot(topo)}
}

// SetTopology replaces the routing snapshot as a whole.
func (r *Router) SetTopology(topo Topology) {
	s := snapshot(topo)
	r.mu.Lock()
	r.topo = s
	r.mu.Unlock()
}

// Topology returns the current snapshot.
func (r *Router) Topology() Topology {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.topo)
}

// Resolve maps a file identity to its owning node and disk. Fails with
// TopologyUnavailable when no workers are registered.
func (r *Router) Resolve(id index.FileID) (Placement, error) {
	r.mu.RLock()
	topo := r.topo
	r.mu.RUnlock()

	if len(topo.Workers) == 0 {
		return Placement{}, errors.New(errors.ErrCodeTopologyUnavailable, "no worker nodes registered")
	}
	if topo.DisksPerNode <= 0 {
		return Placement{}, errors.New(errors.ErrCodeTopologyUnavailable, "no disks registered per node")
	}

	h := xxhash.Sum64String(id.Key())
	node := int(h % uint64(len(topo.Workers)))
	// Independent bits for the disk choice so node and disk selection
	// do not correlate.
	disk := int((h >> 32) % uint64(topo.DisksPerNode))

	return Placement{
		NodeIndex:    node,
		NodeEndpoint: topo.Workers[node],
		DiskIndex:    disk,
	}, nil
}

// snapshot deep-copies the worker slice so callers cannot mutate a shared
// snapshot after handing it over.
func snapshot(t Topology) Topology {
	workers := make([]string, len(t.Workers))
	copy(workers, t.Workers)
	t.Workers = workers
	return t
}
