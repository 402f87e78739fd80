// Package fetch populates the cache on demand. Concurrent requests for
// the same missing data share one remote read: fetch units are
// block-aligned sub-ranges, deduplicated in flight per (file, block) key.
package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bookkeeperd/bookkeeperd/internal/disk"
	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/internal/placement"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
	"github.com/bookkeeperd/bookkeeperd/pkg/logging"
)

// Fetcher is the injected remote-read collaborator. Read returns the
// bytes of r, short when the file ends inside r, empty when it ends
// before r.
type Fetcher interface {
	Read(ctx context.Context, id index.FileID, r index.Range) ([]byte, error)
}

// Stats receives fetch outcome counts.
type Stats interface {
	RecordFetch(bytes int64)
	RecordFetchError()
}

// NopStats discards all fetch stats.
type NopStats struct{}

func (NopStats) RecordFetch(int64) {}
func (NopStats) RecordFetchError() {}

// Config holds coordinator tunables.
type Config struct {
	// Timeout bounds each remote block read.
	Timeout time.Duration

	// BlockSize is the fetch alignment. Overlapping requests map to
	// identical block keys, which is what makes deduplication effective.
	BlockSize int64
}

// Coordinator deduplicates concurrent cache-miss fetches and populates
// the index and disk storage.
type Coordinator struct {
	idx     *index.Index
	router  *placement.Router
	disks   *disk.Set
	fetcher Fetcher
	timeout time.Duration
	block   int64
	log     *logging.Logger
	stats   Stats

	group singleflight.Group

	// pins holds refcounts for in-flight fetch destinations, keyed by
	// disk and block. The evictor consults Pinned before removing a range.
	pinMu sync.Mutex
	pins  map[pinKey]int
}

type pinKey struct {
	disk int
	r    index.Range
}

// New creates a coordinator.
func New(idx *index.Index, router *placement.Router, disks *disk.Set, fetcher Fetcher, cfg Config, log *logging.Logger, stats Stats) *Coordinator {
	if stats == nil {
		stats = NopStats{}
	}
	return &Coordinator{
		idx:     idx,
		router:  router,
		disks:   disks,
		fetcher: fetcher,
		timeout: cfg.Timeout,
		block:   cfg.BlockSize,
		log:     log.WithComponent("fetch"),
		stats:   stats,
	}
}

// EnsureCached makes every byte of r resident, fetching missing
// block-aligned sub-ranges. Concurrent callers requesting overlapping
// ranges attach to the same in-flight fetches instead of issuing
// duplicates. A caller's cancellation abandons its wait but leaves the
// shared fetch running for other waiters.
func (c *Coordinator) EnsureCached(ctx context.Context, id index.FileID, r index.Range) error {
	if !r.Valid() {
		return errors.Newf(errors.ErrCodeInvalidRange, "range %s", r)
	}

	blocks := c.missingBlocks(id, r)
	if len(blocks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range blocks {
		b := b
		g.Go(func() error {
			return c.fetchBlock(gctx, id, b)
		})
	}
	return g.Wait()
}

// Pinned reports whether r on disk overlaps any in-flight fetch
// destination.
func (c *Coordinator) Pinned(diskIndex int, r index.Range) bool {
	c.pinMu.Lock()
	defer c.pinMu.Unlock()
	for k, n := range c.pins {
		if n > 0 && k.disk == diskIndex && k.r.Overlaps(r) {
			return true
		}
	}
	return false
}

// missingBlocks returns the distinct block-aligned ranges covering the
// non-resident portions of r.
func (c *Coordinator) missingBlocks(id index.FileID, r index.Range) []index.Range {
	segs := c.idx.Lookup(id, r)

	seen := make(map[int64]bool)
	var blocks []index.Range
	for _, seg := range segs {
		if seg.Resident {
			continue
		}
		start := seg.Range.Start - seg.Range.Start%c.block
		for ; start < seg.Range.End; start += c.block {
			if seen[start] {
				continue
			}
			seen[start] = true
			blocks = append(blocks, index.Range{Start: start, End: start + c.block})
		}
	}
	return blocks
}

func (c *Coordinator) fetchBlock(ctx context.Context, id index.FileID, b index.Range) error {
	key := fmt.Sprintf("%s:%d-%d", id.Key(), b.Start, b.End)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return nil, c.doFetch(id, b)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// doFetch is the winning caller's path: it runs once per in-flight block
// key. The fetch itself is detached from any single waiter's context and
// bounded only by the configured timeout.
func (c *Coordinator) doFetch(id index.FileID, b index.Range) error {
	// A racing caller may have populated the block between our lookup and
	// winning the flight.
	if c.resident(id, b) {
		return nil
	}

	p, err := c.router.Resolve(id)
	if err != nil {
		return err
	}
	// The index's assignment is authoritative once the file has an entry.
	// A topology refresh may re-resolve the file to another disk, but its
	// blocks keep landing where the existing ones live.
	diskIndex := c.idx.Assign(id, p.DiskIndex)

	c.pin(diskIndex, b)
	defer c.unpin(diskIndex, b)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	data, err := c.fetcher.Read(ctx, id, b)
	if err != nil {
		c.stats.RecordFetchError()
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Wrap(errors.ErrCodeFetchTimeout,
				fmt.Sprintf("remote read of %s %s exceeded %s", id.Key(), b, c.timeout), err)
		}
		return errors.Wrap(errors.ErrCodeFetchFailed,
			fmt.Sprintf("remote read of %s %s", id.Key(), b), err)
	}

	if len(data) == 0 {
		// File ends before the block; nothing to cache.
		return nil
	}
	if int64(len(data)) > b.Len() {
		c.stats.RecordFetchError()
		return errors.Newf(errors.ErrCodeFetchFailed,
			"remote read of %s %s returned %d bytes", id.Key(), b, len(data))
	}

	actual := index.Range{Start: b.Start, End: b.Start + int64(len(data))}
	if err := c.disks.WriteBlock(diskIndex, id, actual, data); err != nil {
		c.stats.RecordFetchError()
		return errors.Wrap(errors.ErrCodeFetchFailed,
			fmt.Sprintf("storing %s %s on disk %d", id.Key(), actual, diskIndex), err)
	}

	c.idx.Insert(id, diskIndex, actual)
	c.stats.RecordFetch(actual.Len())
	c.log.Debug("cached block",
		logging.F("file", id.Key()),
		logging.F("range", actual.String()),
		logging.F("disk", diskIndex))
	return nil
}

func (c *Coordinator) resident(id index.FileID, r index.Range) bool {
	for _, seg := range c.idx.Lookup(id, r) {
		if !seg.Resident {
			return false
		}
	}
	return true
}

func (c *Coordinator) pin(diskIndex int, r index.Range) {
	c.pinMu.Lock()
	if c.pins == nil {
		c.pins = make(map[pinKey]int)
	}
	c.pins[pinKey{disk: diskIndex, r: r}]++
	c.pinMu.Unlock()
}

func (c *Coordinator) unpin(diskIndex int, r index.Range) {
	c.pinMu.Lock()
	k := pinKey{disk: diskIndex, r: r}
	if c.pins[k] <= 1 {
		delete(c.pins, k)
	} else {
		c.pins[k]--
	}
	c.pinMu.Unlock()
}
