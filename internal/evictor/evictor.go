// Package evictor reclaims disk space in the background. When a disk's
// usage crosses the high watermark, the least recently used ranges on
// that disk are deleted until usage falls to the low watermark.
package evictor

import (
	"time"

	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
	"github.com/bookkeeperd/bookkeeperd/pkg/logging"
)

// Catalog is the slice of the cache index the evictor needs.
type Catalog interface {
	ColdestRange(disk int, skip func(index.FileID, index.Range) bool) (index.FileID, index.Range, bool)
	Remove(id index.FileID, r index.Range)
}

// Storage is the slice of the disk set the evictor needs.
type Storage interface {
	Count() int
	CapacityBytes(disk int) int64
	UsedBytes(disk int) int64
	DeleteRange(disk int, id index.FileID, r index.Range) error
}

// Pinner reports ranges that are in-flight fetch destinations and must
// not be evicted.
type Pinner interface {
	Pinned(disk int, r index.Range) bool
}

// Stats receives eviction outcome counts.
type Stats interface {
	RecordEviction(bytes int64)
	RecordEvictionError()
}

// NopStats discards all eviction stats.
type NopStats struct{}

func (NopStats) RecordEviction(int64) {}
func (NopStats) RecordEvictionError() {}

// Config holds eviction tunables.
type Config struct {
	// HighWatermark is the usage fraction that triggers a pass.
	HighWatermark float64

	// LowWatermark is the usage fraction a pass drives usage down to.
	LowWatermark float64

	// Interval is the period of the background loop.
	Interval time.Duration
}

// Evictor runs the eviction loop. Start it with Run in a goroutine; Stop
// halts the loop and waits for an in-progress pass to finish.
type Evictor struct {
	catalog Catalog
	storage Storage
	pinner  Pinner
	cfg     Config
	log     *logging.Logger
	stats   Stats

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates an evictor.
func New(catalog Catalog, storage Storage, pinner Pinner, cfg Config, log *logging.Logger, stats Stats) *Evictor {
	if stats == nil {
		stats = NopStats{}
	}
	return &Evictor{
		catalog: catalog,
		storage: storage,
		pinner:  pinner,
		cfg:     cfg,
		log:     log.WithComponent("evictor"),
		stats:   stats,
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the loop until Stop is called. Call it in its own
// goroutine.
func (e *Evictor) Run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.Pass()
		case <-e.kick:
			e.Pass()
		}
	}
}

// Kick requests an immediate pass without waiting for the ticker. Safe to
// call from request paths; coalesces when a request is already pending.
func (e *Evictor) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Stop signals the loop to halt and blocks until the current pass, if
// any, finishes.
func (e *Evictor) Stop() {
	close(e.stop)
	<-e.done
}

// Pass runs one eviction pass over every disk.
func (e *Evictor) Pass() {
	for d := 0; d < e.storage.Count(); d++ {
		e.evictDisk(d)
	}
}

func (e *Evictor) evictDisk(d int) {
	capacity := e.storage.CapacityBytes(d)
	high := int64(float64(capacity) * e.cfg.HighWatermark)
	if e.storage.UsedBytes(d) <= high {
		return
	}

	target := int64(float64(capacity) * e.cfg.LowWatermark)
	var freed int64

	for e.storage.UsedBytes(d) > target {
		id, r, ok := e.catalog.ColdestRange(d, func(id index.FileID, r index.Range) bool {
			return e.pinner != nil && e.pinner.Pinned(d, r)
		})
		if !ok {
			break
		}

		if err := e.storage.DeleteRange(d, id, r); err != nil {
			// Keep the index entry so metadata never claims more than
			// the disk holds; the next pass retries the delete.
			e.stats.RecordEvictionError()
			e.log.Warn("failed to delete evicted bytes",
				logging.F("disk", d),
				logging.F("file", id.Key()),
				logging.F("range", r.String()),
				logging.Err(errors.Wrap(errors.ErrCodeEvictionIO, "delete evicted range", err)))
			break
		}

		e.catalog.Remove(id, r)
		e.stats.RecordEviction(r.Len())
		freed += r.Len()
	}

	if freed > 0 {
		e.log.Info("eviction pass reclaimed space",
			logging.F("disk", d),
			logging.F("freed_bytes", freed),
			logging.F("used_bytes", e.storage.UsedBytes(d)))
	}
}
