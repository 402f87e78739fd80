// Package disk manages the fixed set of local cache directories. Disk i
// lives at "<prefix><i>"; each cached file owns a directory of block files
// named "<start>-<end>" after the byte range they hold.
package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bookkeeperd/bookkeeperd/internal/index"
	"github.com/bookkeeperd/bookkeeperd/pkg/errors"
)

// Set is the fixed collection of local cache disks.
type Set struct {
	disks []*state
}

// state tracks one cache directory. usedBytes is written only through
// AddUsed, which the cache index drives on insert and remove.
type state struct {
	root     string
	capacity int64
	used     atomic.Int64
}

// NewSet creates the cache directories and returns the set. count
// directories are created at "<prefix>0" .. "<prefix>N-1", each with the
// same capacity.
func NewSet(prefix string, count int, capacity int64) (*Set, error) {
	if count <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "disk count %d must be positive", count)
	}
	if capacity <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "disk capacity %d must be positive", capacity)
	}

	set := &Set{disks: make([]*state, count)}
	for i := 0; i < count; i++ {
		root := fmt.Sprintf("%s%d", prefix, i)
		if err := os.MkdirAll(root, 0750); err != nil {
			return nil, errors.Wrap(errors.ErrCodeDiskIO,
				fmt.Sprintf("creating cache directory %s", root), err)
		}
		set.disks[i] = &state{root: root, capacity: capacity}
	}
	return set, nil
}

// Count returns the number of disks in the set.
func (s *Set) Count() int {
	return len(s.disks)
}

// Root returns the cache directory for a disk.
func (s *Set) Root(disk int) string {
	return s.disks[disk].root
}

// CapacityBytes returns the configured capacity of a disk.
func (s *Set) CapacityBytes(disk int) int64 {
	return s.disks[disk].capacity
}

// UsedBytes returns the resident bytes currently accounted to a disk.
func (s *Set) UsedBytes(disk int) int64 {
	return s.disks[disk].used.Load()
}

// AddUsed applies a usage delta to a disk. Only the cache index calls
// this; it satisfies index.UsageSink.
func (s *Set) AddUsed(disk int, delta int64) {
	s.disks[disk].used.Add(delta)
}

// Sweep clears every cache directory. Run at startup: the index is
// authoritative and starts empty, so files from a previous run are stale.
func (s *Set) Sweep() error {
	for _, d := range s.disks {
		entries, err := os.ReadDir(d.root)
		if err != nil {
			return errors.Wrap(errors.ErrCodeDiskIO,
				fmt.Sprintf("sweeping %s", d.root), err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(d.root, e.Name())); err != nil {
				return errors.Wrap(errors.ErrCodeDiskIO,
					fmt.Sprintf("sweeping %s", d.root), err)
			}
		}
		d.used.Store(0)
	}
	return nil
}

func (s *Set) fileDir(disk int, id index.FileID) string {
	return filepath.Join(s.disks[disk].root, id.Encode())
}

func blockName(r index.Range) string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func parseBlockName(name string) (index.Range, bool) {
	sep := strings.IndexByte(name, '-')
	if sep <= 0 {
		return index.Range{}, false
	}
	start, err1 := strconv.ParseInt(name[:sep], 10, 64)
	end, err2 := strconv.ParseInt(name[sep+1:], 10, 64)
	if err1 != nil || err2 != nil || end <= start {
		return index.Range{}, false
	}
	return index.Range{Start: start, End: end}, true
}

// WriteBlock persists one fetched block. The write goes to a temporary
// file first and is renamed into place, so readers never observe a
// partial block.
func (s *Set) WriteBlock(disk int, id index.FileID, r index.Range, data []byte) error {
	if int64(len(data)) != r.Len() {
		return errors.Newf(errors.ErrCodeDiskIO,
			"block %s has %d bytes of data", r, len(data))
	}

	dir := s.fileDir(disk, id)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(errors.ErrCodeDiskIO, fmt.Sprintf("creating %s", dir), err)
	}

	path := filepath.Join(dir, blockName(r))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return errors.Wrap(errors.ErrCodeDiskIO, fmt.Sprintf("writing %s", tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeDiskIO, fmt.Sprintf("publishing %s", path), err)
	}
	return nil
}

// ReadBlock returns the bytes of one stored block.
func (s *Set) ReadBlock(disk int, id index.FileID, r index.Range) ([]byte, error) {
	path := filepath.Join(s.fileDir(disk, id), blockName(r))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDiskIO, fmt.Sprintf("reading %s", path), err)
	}
	return data, nil
}

// DeleteRange removes all block files fully contained in r. Inserts only
// ever happen at block granularity, so an evicted index range always maps
// to whole block files. The file's directory is removed once empty.
func (s *Set) DeleteRange(disk int, id index.FileID, r index.Range) error {
	dir := s.fileDir(disk, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.ErrCodeDiskIO, fmt.Sprintf("listing %s", dir), err)
	}

	remaining := 0
	for _, e := range entries {
		br, ok := parseBlockName(e.Name())
		if !ok {
			continue
		}
		if br.Start >= r.Start && br.End <= r.End {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return errors.Wrap(errors.ErrCodeDiskIO,
					fmt.Sprintf("deleting block %s of %s", e.Name(), id.Key()), err)
			}
		} else {
			remaining++
		}
	}
	if remaining == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

// DeleteFile removes every cached block of a file.
func (s *Set) DeleteFile(disk int, id index.FileID) error {
	dir := s.fileDir(disk, id)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(errors.ErrCodeDiskIO, fmt.Sprintf("removing %s", dir), err)
	}
	return nil
}
