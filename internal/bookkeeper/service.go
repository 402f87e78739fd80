// Package bookkeeper wires the cache index, disk storage, placement
// router, fetch coordinator and evictor into one service with an
// explicit lifecycle. Operations are rejected unless the service is
// running.
package bookkeeper

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bookkeeperd/bookkeeperd/internal/config"
	"github.com/bookkeeperd/bookkeeperd/internal/disk"
	"github.com/bookkeeperd/bookkeeperd/internal/evictor"
	"github.com/bookkeeperd/bookkeeperd/internal/fetch"
	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/internal/metrics"
	"github.com/bookkeeperd/bookkeeperd/internal/placement"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
	"github.com/bookkeeperd/bookkeeperd/pkg/logging"
)

// State is the service lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Service is the per-node cache coordinator.
type Service struct {
	cfg       *config.Configuration
	fetcher   fetch.Fetcher
	log       *logging.Logger
	collector *metrics.Collector

	// mu serializes lifecycle transitions; state is read lock-free on
	// the operation path.
	mu    sync.Mutex
	state atomic.Int32

	disks  *disk.Set
	idx    *index.Index
	router *placement.Router
	coord  *fetch.Coordinator
	evict  *evictor.Evictor
}

// NewService creates a stopped service. The fetcher supplies remote
// reads on cache miss. A nil collector gets a private one.
func NewService(cfg *config.Configuration, fetcher fetch.Fetcher, log *logging.Logger, collector *metrics.Collector) *Service {
	if log == nil {
		log = logging.Nop()
	}
	if collector == nil {
		collector = metrics.NewCollector(metrics.Config{Namespace: cfg.Metrics.Namespace})
	}
	return &Service{
		cfg:       cfg,
		fetcher:   fetcher,
		log:       log.WithComponent("bookkeeper"),
		collector: collector,
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// IsRunning reports whether operations are being accepted.
func (s *Service) IsRunning() bool {
	return s.State() == StateRunning
}

// Collector returns the metrics collector, for exposure over HTTP.
func (s *Service) Collector() *metrics.Collector {
	return s.collector
}

// Start builds the cache components and transitions to RUNNING. The
// cache directories are swept clean first; the index always starts
// empty and repopulates through cache misses. Any failure rolls back to
// STOPPED.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateStopped {
		return errors.Newf(errors.ErrCodeAlreadyRunning, "service is %s", s.State())
	}
	s.state.Store(int32(StateStarting))

	if err := s.startLocked(ctx); err != nil {
		s.state.Store(int32(StateStopped))
		return errors.Wrap(errors.ErrCodeStartupFailure, "service start failed", err)
	}

	s.state.Store(int32(StateRunning))
	s.collector.SetLive(true)
	s.log.Info("service started",
		logging.F("disks", s.disks.Count()),
		logging.F("listen", s.cfg.Server.ListenAddress))
	return nil
}

func (s *Service) startLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	capacity, err := s.cfg.DiskCapacityBytes()
	if err != nil {
		return err
	}
	blockSize, err := s.cfg.BlockSizeBytes()
	if err != nil {
		return err
	}

	disks, err := disk.NewSet(s.cfg.Cache.DirPrefix, s.cfg.Cache.DiskCount, capacity)
	if err != nil {
		return err
	}
	if err := disks.Sweep(); err != nil {
		return err
	}

	idx := index.New(disks)
	router := placement.NewRouter(placement.Topology{
		IsMaster:     s.cfg.Cluster.IsMaster,
		Workers:      s.cfg.Cluster.Workers,
		DisksPerNode: s.cfg.Cluster.DisksPerNode,
	})
	coord := fetch.New(idx, router, disks, s.fetcher, fetch.Config{
		Timeout:   s.cfg.Fetch.Timeout,
		BlockSize: blockSize,
	}, s.log, s.collector)
	evict := evictor.New(idx, disks, coord, evictor.Config{
		HighWatermark: s.cfg.Cache.HighWatermark,
		LowWatermark:  s.cfg.Cache.LowWatermark,
		Interval:      s.cfg.Cache.EvictionInterval,
	}, s.log, s.collector)

	s.disks = disks
	s.idx = idx
	s.router = router
	s.coord = coord
	s.evict = evict

	go evict.Run()
	s.publishDiskUsage()
	return nil
}

// Stop drains the background eviction loop and transitions to STOPPED.
// The liveness gauge disappears rather than reading zero.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateRunning {
		return errors.Newf(errors.ErrCodeNotRunning, "service is %s", s.State())
	}
	// The gauge must vanish the moment the service leaves RUNNING, not
	// after the evictor's in-progress pass drains.
	s.state.Store(int32(StateStopping))
	s.collector.SetLive(false)

	s.evict.Stop()
	s.state.Store(int32(StateStopped))
	s.log.Info("service stopped")
	return nil
}

func (s *Service) guard() error {
	if !s.IsRunning() {
		return errors.Newf(errors.ErrCodeNotRunning, "service is %s", s.State())
	}
	return nil
}

// GetCacheStatus partitions r into resident and missing segments
// without side effects on disk. Resident segments count as hits,
// missing ones as misses.
func (s *Service) GetCacheStatus(id index.FileID, r index.Range) ([]index.Segment, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if !r.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidRange, "range %s", r)
	}

	segments := s.idx.Lookup(id, r)
	for _, seg := range segments {
		if seg.Resident {
			s.collector.RecordHit(seg.Range.Len())
		} else {
			s.collector.RecordMiss(seg.Range.Len())
		}
	}
	return segments, nil
}

// EnsureCached makes every byte of r resident, fetching what is
// missing. A successful populate may push a disk over the high
// watermark, so the evictor is nudged afterwards.
func (s *Service) EnsureCached(ctx context.Context, id index.FileID, r index.Range) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.coord.EnsureCached(ctx, id, r); err != nil {
		return err
	}
	s.evict.Kick()
	s.publishDiskUsage()
	return nil
}

// Invalidate drops all cached data for id, both index entries and the
// bytes on disk. Unknown files are a no-op.
func (s *Service) Invalidate(id index.FileID) error {
	if err := s.guard(); err != nil {
		return err
	}

	diskIndex, removed, ok := s.idx.Invalidate(id)
	if !ok {
		return nil
	}
	s.log.Info("invalidated file",
		logging.F("file", id.Key()),
		logging.F("ranges", len(removed)))
	if err := s.disks.DeleteFile(diskIndex, id); err != nil {
		return errors.Wrap(errors.ErrCodeDiskIO, "delete invalidated file", err)
	}
	s.publishDiskUsage()
	return nil
}

// RefreshTopology installs a new cluster snapshot. In-flight requests
// finish against the snapshot they resolved with.
func (s *Service) RefreshTopology(topo placement.Topology) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.router.SetTopology(topo)
	s.log.Info("topology refreshed",
		logging.F("workers", len(topo.Workers)),
		logging.F("disks_per_node", topo.DisksPerNode))
	return nil
}

// IsMaster reports the node's configured role.
func (s *Service) IsMaster() (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	return s.router.Topology().IsMaster, nil
}

// DiskUsage reports used and capacity bytes per disk.
func (s *Service) DiskUsage() ([]DiskStat, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	stats := make([]DiskStat, s.disks.Count())
	for i := range stats {
		stats[i] = DiskStat{
			Disk:          i,
			Root:          s.disks.Root(i),
			UsedBytes:     s.disks.UsedBytes(i),
			CapacityBytes: s.disks.CapacityBytes(i),
		}
	}
	return stats, nil
}

// DiskStat describes one cache disk.
type DiskStat struct {
	Disk          int    `json:"disk"`
	Root          string `json:"root"`
	UsedBytes     int64  `json:"used_bytes"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

func (s *Service) publishDiskUsage() {
	for i := 0; i < s.disks.Count(); i++ {
		s.collector.SetDiskUsage(strconv.Itoa(i), s.disks.UsedBytes(i), s.disks.CapacityBytes(i))
	}
}
