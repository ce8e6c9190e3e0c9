// Package readstrategy implements the two read strategies of spec.md
// §4.C as a closed sum behind one interface: direct reads from a
// single fd, and hybrid reads that fault chunks into a cache fd before
// serving from it.
package readstrategy

import (
	"os"

	"github.com/gonlo2/mucachefs/internal/chunk"
)

// Strategy is the three-operation contract shared by both variants.
// internal/handle holds exactly one Strategy at a time and swaps it on
// promotion or completion.
type Strategy interface {
	Read(length, offset int64) ([]byte, error)
	CacheNextChunk() (hasMore bool, err error)
	Close() error
}

// Direct reads from a single fd: either the source (state NO_CACHED)
// or a fully-populated cache file (state CACHED). CacheNextChunk is
// always a no-op that reports no further work.
type Direct struct {
	fd *os.File
}

// NewDirect wraps fd, taking ownership of it.
func NewDirect(fd *os.File) *Direct {
	return &Direct{fd: fd}
}

// Read implements Strategy.
func (d *Direct) Read(length, offset int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := d.fd.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

// CacheNextChunk implements Strategy: direct reads have no caching work.
func (d *Direct) CacheNextChunk() (bool, error) { return false, nil }

// Close implements Strategy.
func (d *Direct) Close() error {
	return d.fd.Close()
}

// Cache reads from the source, ensuring each requested region has been
// copied into the cache fd first, then serves the read from the cache
// fd. Used only while a file is in state CACHING.
type Cache struct {
	src    *os.File
	dst    *os.File
	chunks *chunk.Chunks
}

// NewCache wraps src and dst, taking ownership of both, and drives
// chunks (owned by the caller, typically for the lifetime of one
// CACHING episode).
func NewCache(src, dst *os.File, chunks *chunk.Chunks) *Cache {
	return &Cache{src: src, dst: dst, chunks: chunks}
}

// Read implements Strategy.
func (c *Cache) Read(length, offset int64) ([]byte, error) {
	if err := c.chunks.EnsureInCache(c.src, c.dst, length, offset); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := c.dst.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

// CacheNextChunk implements Strategy by delegating to the chunk engine.
func (c *Cache) CacheNextChunk() (bool, error) {
	return c.chunks.CacheNextChunk(c.src, c.dst)
}

// Close implements Strategy, closing both owned fds.
func (c *Cache) Close() error {
	srcErr := c.src.Close()
	dstErr := c.dst.Close()
	if srcErr != nil {
		return srcErr
	}
	return dstErr
}

var (
	_ Strategy = (*Direct)(nil)
	_ Strategy = (*Cache)(nil)
)
