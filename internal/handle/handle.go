// Package handle implements the per-file state machine of spec.md
// §4.D: a reference-counted open object that owns NO_CACHED -> CACHING
// -> CACHED transitions, the active read strategy, and the
// power-manager lease taken while the source fd is needed.
package handle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gonlo2/mucachefs/internal/chunk"
	"github.com/gonlo2/mucachefs/internal/readstrategy"
	"github.com/gonlo2/mucachefs/pkg/types"
)

const mib = 1 << 20

// PromotionThreshold returns clamp(16 MiB, 0.15*size, 64 MiB), the
// sustained-read volume that promotes a NO_CACHED file to CACHING.
func PromotionThreshold(size int64) int64 {
	t := int64(0.15 * float64(size))
	if t < 16*mib {
		return 16 * mib
	}
	if t > 64*mib {
		return 64 * mib
	}
	return t
}

// decayWindow is the interval after which an idle byte counter resets
// rather than accumulating.
const decayWindow = 5 * time.Minute

// bytesReaden is the decaying byte-since-last-reset counter driving
// promotion, grounded on mucache's BytesReaden.
type bytesReaden struct {
	expiresAt time.Time
	value     int64
}

func (b *bytesReaden) incr(n int64, now time.Time) int64 {
	if b.expiresAt.Before(now) {
		b.expiresAt = now.Add(decayWindow)
		b.value = 0
	}
	b.value += n
	return b.value
}

// Handle is the in-memory open-file object keyed by one metadata-store
// id. Its per-file mutex is held across all state-changing sections,
// including the reopen step of a promotion, per spec.md §4.D invariant
// (iv).
type Handle struct {
	id      int64
	srcPath string
	dstPath string
	size    int64
	lease   types.PowerLease

	mu        sync.Mutex
	refCount  int
	state     types.State
	strategy  readstrategy.Strategy
	chunks    *chunk.Chunks
	bytes     bytesReaden
	threshold int64
}

// New constructs a handle for id at the given initial state, not yet
// opened. If the initial state is CACHING the chunk bookkeeping is
// built eagerly so a resumed copy starts from chunk zero; per spec.md
// §4.D this branch is only reachable from a within-process transition,
// since startup recovery resets CACHING rows to NO_CACHED before any
// handle is built.
func New(id int64, srcPath, dstPath string, size int64, state types.State, lease types.PowerLease) *Handle {
	h := &Handle{
		id:        id,
		srcPath:   srcPath,
		dstPath:   dstPath,
		size:      size,
		state:     state,
		lease:     lease,
		threshold: PromotionThreshold(size),
	}
	if state == types.StateCaching {
		h.chunks = chunk.New(size)
	}
	return h
}

// ID returns the handle's metadata-store id.
func (h *Handle) ID() int64 { return h.id }

// Size returns the file's byte size.
func (h *Handle) Size() int64 { return h.size }

// State returns the handle's current in-memory state.
func (h *Handle) State() types.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Open increments the reference count; on the 0->1 transition it
// acquires the resources appropriate to the current state.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refCount == 0 {
		if err := h.open(ctx); err != nil {
			return err
		}
	}
	h.refCount++
	return nil
}

func (h *Handle) open(ctx context.Context) error {
	switch h.state {
	case types.StateNoCached:
		return h.openNoCached(ctx)
	case types.StateCaching:
		return h.openCaching(ctx)
	case types.StateCached:
		return h.openCached()
	default:
		return fmt.Errorf("handle %d: unknown state %v", h.id, h.state)
	}
}

func (h *Handle) openNoCached(ctx context.Context) error {
	if err := h.lease.Acquire(ctx); err != nil {
		return fmt.Errorf("handle %d: acquire power lease: %w", h.id, err)
	}
	src, err := os.Open(h.srcPath)
	if err != nil {
		_ = h.lease.Release(ctx)
		return fmt.Errorf("handle %d: open source: %w", h.id, err)
	}
	h.strategy = readstrategy.NewDirect(src)
	return nil
}

func (h *Handle) openCaching(ctx context.Context) error {
	if err := h.lease.Acquire(ctx); err != nil {
		return fmt.Errorf("handle %d: acquire power lease: %w", h.id, err)
	}
	src, err := os.Open(h.srcPath)
	if err != nil {
		_ = h.lease.Release(ctx)
		return fmt.Errorf("handle %d: open source: %w", h.id, err)
	}
	if err := extendFile(h.dstPath, h.size); err != nil {
		src.Close()
		_ = h.lease.Release(ctx)
		return fmt.Errorf("handle %d: extend cache file: %w", h.id, err)
	}
	dst, err := os.OpenFile(h.dstPath, os.O_RDWR, 0o644)
	if err != nil {
		src.Close()
		_ = h.lease.Release(ctx)
		return fmt.Errorf("handle %d: open cache file: %w", h.id, err)
	}
	if h.chunks == nil {
		h.chunks = chunk.New(h.size)
	}
	h.strategy = readstrategy.NewCache(src, dst, h.chunks)
	return nil
}

func (h *Handle) openCached() error {
	dst, err := os.Open(h.dstPath)
	if err != nil {
		return fmt.Errorf("handle %d: open cache file: %w", h.id, err)
	}
	h.strategy = readstrategy.NewDirect(dst)
	return nil
}

func extendFile(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// Read serves length bytes at offset, running the promotion check
// first if the handle is currently NO_CACHED. startCaching reports
// whether this call promoted the handle to CACHING, so the façade can
// enqueue the background copy.
func (h *Handle) Read(ctx context.Context, length, offset int64) (startCaching bool, data []byte, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == types.StateNoCached {
		total := h.bytes.incr(length, time.Now())
		if total >= h.threshold {
			if err := h.promoteLocked(ctx); err != nil {
				return false, nil, err
			}
			startCaching = true
		}
	}

	data, err = h.strategy.Read(length, offset)
	return startCaching, data, err
}

// promoteLocked transitions NO_CACHED -> CACHING, reopening the
// strategy: the old direct-from-source strategy is closed and a fresh
// CACHING strategy installed in its place. Called with h.mu held.
func (h *Handle) promoteLocked(ctx context.Context) error {
	h.chunks = chunk.New(h.size)
	if h.strategy != nil {
		if err := h.strategy.Close(); err != nil {
			return fmt.Errorf("handle %d: close strategy before promotion: %w", h.id, err)
		}
		h.strategy = nil
	}
	// The NO_CACHED strategy held the source lease; release it here
	// before re-opening as CACHING re-acquires it, or the lease count
	// drifts up by one on every promotion.
	if err := h.lease.Release(ctx); err != nil {
		return fmt.Errorf("handle %d: release power lease before promotion: %w", h.id, err)
	}
	h.state = types.StateCaching
	return h.open(ctx)
}

// CacheNextChunk is used only by the background cacher. If the handle
// is NO_CACHED it is promoted to CACHING first — the prefetch
// controller path, where a file is cached ahead of any reader. Returns
// false once the handle has reached CACHED.
func (h *Handle) CacheNextChunk(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == types.StateNoCached {
		if err := h.promoteLocked(ctx); err != nil {
			return false, err
		}
	}

	if h.state == types.StateCaching {
		hasMore, err := h.strategy.CacheNextChunk()
		if err != nil {
			return true, err
		}
		if !hasMore {
			if err := h.strategy.Close(); err != nil {
				return false, fmt.Errorf("handle %d: close caching strategy: %w", h.id, err)
			}
			h.strategy = nil
			h.chunks = nil
			h.state = types.StateCached
			if err := h.lease.Release(ctx); err != nil {
				return false, fmt.Errorf("handle %d: release power lease: %w", h.id, err)
			}
			if err := h.open(ctx); err != nil {
				return false, fmt.Errorf("handle %d: reopen as cached: %w", h.id, err)
			}
		}
	}

	return h.state != types.StateCached, nil
}

// Close decrements the reference count, releasing resources on the
// 1->0 transition. Returns whether the handle is now idle (ref count
// reached zero) so the façade can remove it from its map.
func (h *Handle) Close(ctx context.Context) (idle bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refCount--
	if h.refCount < 0 {
		h.refCount = 0
	}
	if h.refCount == 0 {
		err = h.closeLocked(ctx)
		return true, err
	}
	return false, nil
}

func (h *Handle) closeLocked(ctx context.Context) error {
	var strategyErr error
	if h.strategy != nil {
		strategyErr = h.strategy.Close()
		h.strategy = nil
	}
	if h.state == types.StateNoCached || h.state == types.StateCaching {
		if err := h.lease.Release(ctx); err != nil {
			if strategyErr == nil {
				strategyErr = err
			}
		}
	}
	return strategyErr
}
