// Package eviction implements the cache eviction worker of spec.md
// §4.F: a single-threaded worker enforcing a byte budget on the cache
// directory via a prescribed three-phase cleanup protocol.
package eviction

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gonlo2/mucachefs/internal/metrics"
	"github.com/gonlo2/mucachefs/pkg/types"
)

// Worker owns no filesystem descriptors of its own beyond the scan in
// phase 3; it runs one goroutine consuming a buffered channel of byte
// deltas reported by the façade's background cacher.
type Worker struct {
	cachePath       string
	store           types.Store
	limitBytes      int64
	retentionFactor float64
	logger          *slog.Logger
	metrics         *metrics.Collector

	deltas chan int64
	wg     sync.WaitGroup
}

// New constructs a Worker. retentionFactor is the multiplier (0.6 per
// spec.md) applied to limitBytes to compute the post-cleanup target.
// collector may be nil, in which case no metrics are recorded.
func New(cachePath string, store types.Store, limitBytes int64, retentionFactor float64, logger *slog.Logger, collector *metrics.Collector) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionFactor <= 0 {
		retentionFactor = 0.6
	}
	return &Worker{
		cachePath:       cachePath,
		store:           store,
		limitBytes:      limitBytes,
		retentionFactor: retentionFactor,
		logger:          logger.With("component", "eviction"),
		metrics:         collector,
		deltas:          make(chan int64, 256),
	}
}

// ToAdd reports that nBytes are about to be added to the cache (called
// by the façade's background cacher before it starts copying a file).
func (w *Worker) ToAdd(nBytes int64) {
	w.deltas <- nBytes
}

// Start runs one initial cleanup synchronously (so the worker's
// accounting starts from ground truth) and then launches the
// background loop.
func (w *Worker) Start() {
	target := int64(float64(w.limitBytes) * w.retentionFactor)
	used, err := w.cleanup(target)
	if err != nil {
		w.logger.Error("initial cleanup failed", "error", err)
	}

	w.wg.Add(1)
	go w.loop(used)
}

// Stop closes the delta queue (the shutdown sentinel) and waits for
// the loop to drain.
func (w *Worker) Stop() {
	close(w.deltas)
	w.wg.Wait()
}

func (w *Worker) loop(usedBytes int64) {
	defer w.wg.Done()
	target := int64(float64(w.limitBytes) * w.retentionFactor)

	for n := range w.deltas {
		usedBytes += n
		if usedBytes > w.limitBytes {
			updated, err := w.cleanup(target)
			if err != nil {
				w.logger.Error("cleanup failed", "error", err)
				continue
			}
			usedBytes = updated
		}
	}
}

// cleanup runs the three prescribed passes in order and returns the
// resulting used-bytes figure from phase 2.
func (w *Worker) cleanup(target int64) (int64, error) {
	if err := w.fixOrphanedRows(); err != nil {
		return 0, fmt.Errorf("fix orphaned rows: %w", err)
	}
	used, err := w.evictOldest(target)
	if err != nil {
		return 0, fmt.Errorf("evict oldest: %w", err)
	}
	if err := w.removeStrayFiles(); err != nil {
		return used, fmt.Errorf("remove stray files: %w", err)
	}
	return used, nil
}

// fixOrphanedRows is phase 1: for every CACHED id, if its cache file is
// missing on disk, CAS the row back to NO_CACHED.
func (w *Worker) fixOrphanedRows() error {
	ids, err := w.store.GetCachedIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		path := filepath.Join(w.cachePath, strconv.FormatInt(id, 10))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if _, err := w.store.SetState(id, types.StateCached, types.StateNoCached); err != nil {
				w.logger.Warn("CAS orphaned row failed", "id", id, "error", err)
			}
		}
	}
	return nil
}

// evictOldest is phase 2: uncache the oldest-accessed CACHED rows
// until used bytes falls to target or evictable rows are exhausted.
func (w *Worker) evictOldest(target int64) (int64, error) {
	used, err := w.store.GetCachedBytes()
	if err != nil {
		return 0, err
	}

	for used > target {
		hasMore, rows, err := w.store.GetOldestCachedFiles(50)
		if err != nil {
			return used, err
		}
		for _, r := range rows {
			if _, err := w.store.SetState(r.ID, types.StateCached, types.StateNoCached); err != nil {
				w.logger.Warn("CAS eviction failed", "id", r.ID, "error", err)
				continue
			}
			used -= r.Size
			if w.metrics != nil {
				w.metrics.RecordEviction(r.Size)
			}
			if used <= target {
				break
			}
		}
		if !hasMore {
			break
		}
	}
	if w.metrics != nil {
		w.metrics.SetCachedBytes(used)
	}
	return used, nil
}

// removeStrayFiles is phase 3: enumerate the cache directory and
// delete any file that disagrees with the store's idea of which ids
// are CACHED at what size.
func (w *Worker) removeStrayFiles() error {
	entries, err := os.ReadDir(w.cachePath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, convErr := strconv.ParseInt(entry.Name(), 10, 64)
		if convErr != nil {
			w.removeCacheFile(entry.Name())
			continue
		}

		state, size, ok, err := w.store.GetStateSize(id)
		if err != nil {
			w.logger.Warn("get state/size failed", "id", id, "error", err)
			continue
		}
		if !ok {
			w.removeCacheFile(entry.Name())
			continue
		}

		info, err := entry.Info()
		if err != nil {
			w.removeCacheFile(entry.Name())
			continue
		}

		if state == types.StateCached && info.Size() == size {
			continue
		}
		if state == types.StateCached && info.Size() != size {
			if _, err := w.store.SetState(id, types.StateCached, types.StateNoCached); err != nil {
				w.logger.Warn("CAS size-mismatch row failed", "id", id, "error", err)
			}
		}
		w.removeCacheFile(entry.Name())
	}
	return nil
}

func (w *Worker) removeCacheFile(name string) {
	path := filepath.Join(w.cachePath, name)
	if err := os.Remove(path); err != nil {
		w.logger.Warn("remove stray cache file failed", "path", path, "error", err)
	}
}
