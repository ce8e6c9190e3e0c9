// Package vfs implements the filesystem façade of spec.md §4.E: it
// maps virtual paths to reference-counted file handles, orchestrates
// sibling prefetch, and hands background caching work to a single
// worker goroutine that also keeps the eviction worker informed.
package vfs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gonlo2/mucachefs/internal/handle"
	"github.com/gonlo2/mucachefs/internal/metrics"
	"github.com/gonlo2/mucachefs/pkg/types"
	"github.com/gonlo2/mucachefs/pkg/utils"
)

// Evictor is the narrow surface internal/eviction exposes to the
// façade's background cacher (spec.md §4.E: "notifies cleaner.to_add").
type Evictor interface {
	ToAdd(nBytes int64)
}

// Config carries the two prefetch knobs from spec.md §4.E plus the
// paths needed to resolve a virtual path to its source/cache files.
type Config struct {
	SrcPath       string
	CachePath     string
	PrefetchSec   int64
	PrefetchBytes int64
	QueueSize     int
}

// Filesystem is the façade: owns the id -> handle map, the background
// cacher goroutine, and the prefetch controller.
type Filesystem struct {
	store   types.Store
	lease   types.PowerLease
	evictor Evictor
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	mapMu sync.Mutex
	files map[int64]*handle.Handle

	queue chan string
	wg    sync.WaitGroup
}

// New constructs a Filesystem. Call Start to launch the background cacher.
// collector may be nil, in which case no metrics are recorded.
func New(store types.Store, lease types.PowerLease, evictor Evictor, cfg Config, logger *slog.Logger, collector *metrics.Collector) *Filesystem {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Filesystem{
		store:   store,
		lease:   lease,
		evictor: evictor,
		cfg:     cfg,
		logger:  logger.With("component", "vfs"),
		metrics: collector,
		files:   make(map[int64]*handle.Handle),
		queue:   make(chan string, cfg.QueueSize),
	}
}

// Start launches the single background cacher goroutine.
func (fs *Filesystem) Start() {
	fs.wg.Add(1)
	go fs.cacherLoop()
}

// Stop closes the cacher queue (the shutdown sentinel per spec.md §5)
// and waits for the goroutine to drain.
func (fs *Filesystem) Stop() {
	close(fs.queue)
	fs.wg.Wait()
}

// GetAttr passes through to the metadata store.
func (fs *Filesystem) GetAttr(path string) (*types.StatInfo, bool, error) {
	return fs.store.GetAttr(path)
}

// Lookup resolves path to its id (doubling as its kernel inode number
// per spec.md §3) together with its stat group, for the FUSE glue
// layer's Lookup callback.
func (fs *Filesystem) Lookup(path string) (id int64, st *types.StatInfo, ok bool, err error) {
	id, ok, err = fs.store.GetID(path)
	if err != nil || !ok {
		return 0, nil, false, err
	}
	st, ok, err = fs.store.GetAttr(path)
	if err != nil || !ok {
		return 0, nil, false, err
	}
	return id, st, true, nil
}

// ReadDir returns the sorted child basenames of path, or ok=false if
// path is absent.
func (fs *Filesystem) ReadDir(path string) (names []string, ok bool, err error) {
	id, found, err := fs.store.GetID(path)
	if err != nil || !found {
		return nil, false, err
	}
	names, err = fs.store.GetChildrenNames(id)
	if err != nil {
		return nil, false, err
	}
	sort.Strings(names)
	return names, true, nil
}

// srcFile resolves a virtual path to its absolute source-tree file,
// rejecting any path that would escape SrcPath. Virtual paths normally
// come from the indexer's own walk, but a crafted change-feed event
// name could otherwise smuggle a ".." component through to here.
func (fs *Filesystem) srcFile(path string) (string, error) {
	return utils.SecureJoin(fs.cfg.SrcPath, path)
}

func (fs *Filesystem) dstFile(id int64) string {
	return filepath.Join(fs.cfg.CachePath, strconv.FormatInt(id, 10))
}

// Open resolves path to an id, creating and opening its handle on
// first access, and returns the id as the kernel file handle.
func (fs *Filesystem) Open(ctx context.Context, path string) (int64, bool, error) {
	fs.mapMu.Lock()
	defer fs.mapMu.Unlock()

	id, state, size, found, err := fs.store.GetIDStateSize(path)
	if err != nil || !found {
		return 0, false, err
	}

	h, err := fs.openLocked(ctx, id, path, state, size)
	if err != nil {
		return 0, false, err
	}

	if err := fs.store.SetLastAccessTS(id, time.Now().Unix()); err != nil {
		fs.logger.Warn("set last access failed", "path", path, "error", err)
	}

	if err := h.Open(ctx); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// openLocked returns the handle for id, constructing it if this is the
// first reference. Must be called with mapMu held.
func (fs *Filesystem) openLocked(ctx context.Context, id int64, path string, state types.State, size int64) (*handle.Handle, error) {
	h, ok := fs.files[id]
	if ok {
		return h, nil
	}

	src, err := fs.srcFile(path)
	if err != nil {
		return nil, err
	}
	h = handle.New(id, src, fs.dstFile(id), size, state, fs.lease)
	fs.files[id] = h

	if state == types.StateCached && size < fs.cfg.PrefetchBytes {
		nextPath, nextState, ok, err := fs.store.GetNextFilePathState(path)
		if err != nil {
			fs.logger.Warn("get next file path state failed", "path", path, "error", err)
		} else if ok && nextState == types.StateNoCached {
			fs.triggerPrefetch(nextPath)
		}
	}
	return h, nil
}

// Read delegates to the handle's Read, triggering prefetch from path
// if the call promoted the file to CACHING.
func (fs *Filesystem) Read(ctx context.Context, path string, fh int64, length, offset int64) ([]byte, error) {
	start := time.Now()
	fs.mapMu.Lock()
	h, ok := fs.files[fh]
	fs.mapMu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}

	wasCached := h.State() == types.StateCached
	startCaching, data, err := h.Read(ctx, length, offset)
	if fs.metrics != nil {
		fs.metrics.RecordRead(time.Since(start), int64(len(data)), wasCached, err)
	}
	if err != nil {
		return nil, err
	}
	if startCaching {
		fs.mapMu.Lock()
		fs.triggerPrefetch(path)
		fs.mapMu.Unlock()
	}
	return data, nil
}

// Close releases one reference on fh's handle, removing it from the
// map if it is now idle. It reports whether fh was open, not whether
// the handle became idle.
func (fs *Filesystem) Close(ctx context.Context, fh int64) (bool, error) {
	fs.mapMu.Lock()
	defer fs.mapMu.Unlock()

	h, ok := fs.files[fh]
	if !ok {
		return false, nil
	}
	idle, err := h.Close(ctx)
	if idle {
		delete(fs.files, fh)
	}
	return true, err
}

// triggerPrefetch implements spec.md §4.E's prefetch trigger: scan up
// to fifty entries from path onward, collecting the NO_CACHED ones
// until the accumulated duration exceeds PrefetchSec (the entry that
// crosses the limit is included), stamp their last-access so
// eviction order matches prefetch order, CAS each to CACHING, and
// enqueue for the background cacher. Must be called with mapMu held.
func (fs *Filesystem) triggerPrefetch(path string) {
	candidates, err := fs.store.GetNextFilesToCache(path, fs.cfg.PrefetchSec)
	if err != nil {
		fs.logger.Warn("get next files to cache failed", "path", path, "error", err)
		return
	}

	now := time.Now().Unix()
	for i, c := range candidates {
		if err := fs.store.SetLastAccessTS(c.ID, now-int64(i)); err != nil {
			fs.logger.Warn("set last access failed", "id", c.ID, "error", err)
		}
		ok, err := fs.store.SetState(c.ID, types.StateNoCached, types.StateCaching)
		if err != nil {
			fs.logger.Warn("CAS to caching failed", "id", c.ID, "error", err)
			continue
		}
		if !ok {
			// Another party already transitioned this id; advisory,
			// skip silently per spec.md §7.
			continue
		}
		if fs.metrics != nil {
			fs.metrics.RecordPrefetchTriggered(c.Size)
		}
		select {
		case fs.queue <- c.Path:
		default:
			fs.logger.Warn("cacher queue full, dropping prefetch candidate", "path", c.Path)
		}
	}
}

// touchFile resolves path, creates-or-reuses its handle, re-stamps
// last access, and opens it — the background cacher's entry point,
// grounded on the later filesystem.py's `_touch_file` helper (spec.md
// §9's resolved open question).
func (fs *Filesystem) touchFile(ctx context.Context, path string) (*handle.Handle, error) {
	fs.mapMu.Lock()
	defer fs.mapMu.Unlock()

	id, state, size, found, err := fs.store.GetIDStateSize(path)
	if err != nil || !found {
		return nil, err
	}
	h, err := fs.openLocked(ctx, id, path, state, size)
	if err != nil {
		return nil, err
	}
	if err := fs.store.SetLastAccessTS(id, time.Now().Unix()); err != nil {
		fs.logger.Warn("set last access failed", "path", path, "error", err)
	}
	return h, nil
}

// cacherLoop is the single background-cacher goroutine of spec.md
// §4.E: pop a path, open its handle, notify the evictor of the
// pending add, copy chunks until done, then CAS CACHING -> CACHED and
// close.
func (fs *Filesystem) cacherLoop() {
	defer fs.wg.Done()
	ctx := context.Background()

	for path := range fs.queue {
		h, err := fs.touchFile(ctx, path)
		if err != nil || h == nil {
			fs.logger.Warn("touch file failed", "path", path, "error", err)
			continue
		}
		if err := h.Open(ctx); err != nil {
			fs.logger.Warn("open handle for caching failed", "path", path, "error", err)
			continue
		}

		fs.evictor.ToAdd(h.Size())

		for {
			hasMore, err := h.CacheNextChunk(ctx)
			if err != nil {
				fs.logger.Error("cache next chunk failed", "path", path, "error", err)
				break
			}
			if !hasMore {
				break
			}
		}

		cased, err := fs.store.SetState(h.ID(), types.StateCaching, types.StateCached)
		if err != nil {
			fs.logger.Warn("CAS to cached failed", "path", path, "error", err)
		}
		if cased && fs.metrics != nil {
			fs.metrics.RecordCachePromotion(h.Size())
			if used, berr := fs.store.GetCachedBytes(); berr == nil {
				fs.metrics.SetCachedBytes(used)
			}
		}

		fs.mapMu.Lock()
		idle, err := h.Close(ctx)
		if idle {
			delete(fs.files, h.ID())
		}
		fs.mapMu.Unlock()
		if err != nil {
			fs.logger.Warn("close handle after caching failed", "path", path, "error", err)
		}
	}
}
