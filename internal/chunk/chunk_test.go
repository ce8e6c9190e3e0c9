package chunk

import (
	"bytes"
	"os"
	"testing"
)

func TestNumChunks(t *testing.T) {
	cases := []struct {
		size int64
		want int64
	}{
		{0, 0},
		{1, 1},
		{Size, 1},
		{Size + 1, 2},
		{3 * Size, 3},
	}
	for _, c := range cases {
		if got := NumChunks(c.size); got != c.want {
			t.Errorf("NumChunks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func tempFiles(t *testing.T, size int64) (src, dst *os.File) {
	t.Helper()
	dir := t.TempDir()

	srcPath := dir + "/src"
	data := bytes.Repeat([]byte{0xAB}, int(size))
	if err := os.WriteFile(srcPath, data, 0o644); err != nil {
		t.Fatalf("write source fixture: %v", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		t.Fatalf("open source fixture: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	dstPath := dir + "/dst"
	dst, err = os.OpenFile(dstPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("create dest fixture: %v", err)
	}
	if err := dst.Truncate(size); err != nil {
		t.Fatalf("extend dest fixture: %v", err)
	}
	t.Cleanup(func() { dst.Close() })
	return src, dst
}

func TestEnsureInCacheCopiesOverlappingChunks(t *testing.T) {
	size := int64(3 * Size)
	src, dst := tempFiles(t, size)
	c := New(size)

	if err := c.EnsureInCache(src, dst, Size, Size/2); err != nil {
		t.Fatalf("EnsureInCache: %v", err)
	}

	// The read spans chunk 0 and chunk 1 (offset Size/2, length Size).
	if c.NextChunk() != 2 {
		t.Errorf("next chunk = %d, want 2 (chunks 0 and 1 copied)", c.NextChunk())
	}
	if c.resident(2) {
		t.Error("chunk 2 should not be resident yet")
	}

	want := bytes.Repeat([]byte{0xAB}, Size)
	got := make([]byte, Size)
	if _, err := dst.ReadAt(got, 0); err != nil {
		t.Fatalf("read back chunk 0: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("copied chunk content mismatch")
	}
}

func TestEnsureInCacheOutOfOrderThenLinearCatchUp(t *testing.T) {
	size := int64(3 * Size)
	src, dst := tempFiles(t, size)
	c := New(size)

	// Touch chunk 2 first (out of order), then chunk 0 and 1 to catch up.
	if err := c.EnsureInCache(src, dst, 10, 2*Size+10); err != nil {
		t.Fatalf("EnsureInCache chunk 2: %v", err)
	}
	if c.NextChunk() != 0 {
		t.Errorf("next chunk = %d, want 0 (chunk 2 is out of order)", c.NextChunk())
	}
	if !c.resident(2) {
		t.Error("chunk 2 should be resident via out-of-order set")
	}

	if err := c.EnsureInCache(src, dst, 2*Size, 0); err != nil {
		t.Fatalf("EnsureInCache chunks 0-1: %v", err)
	}
	// Copying chunks 0 and 1 should subsume the out-of-order chunk 2,
	// advancing the cursor straight to numChunks.
	if c.NextChunk() != 3 {
		t.Errorf("next chunk = %d, want 3 after catch-up subsumes chunk 2", c.NextChunk())
	}
}

func TestCacheNextChunkAdvancesLinearly(t *testing.T) {
	size := int64(2*Size + 100)
	src, dst := tempFiles(t, size)
	c := New(size)

	hasMore, err := c.CacheNextChunk(src, dst)
	if err != nil {
		t.Fatalf("CacheNextChunk 1: %v", err)
	}
	if !hasMore {
		t.Error("expected more chunks after first copy")
	}
	if c.NextChunk() != 1 {
		t.Errorf("next chunk = %d, want 1", c.NextChunk())
	}

	hasMore, err = c.CacheNextChunk(src, dst)
	if err != nil {
		t.Fatalf("CacheNextChunk 2: %v", err)
	}
	if !hasMore {
		t.Error("expected more chunks after second copy")
	}

	hasMore, err = c.CacheNextChunk(src, dst)
	if err != nil {
		t.Fatalf("CacheNextChunk 3 (tail): %v", err)
	}
	if hasMore {
		t.Error("expected no more chunks after tail copy")
	}
	if c.NextChunk() != 3 {
		t.Errorf("next chunk = %d, want 3", c.NextChunk())
	}

	hasMore, err = c.CacheNextChunk(src, dst)
	if err != nil {
		t.Fatalf("CacheNextChunk past end: %v", err)
	}
	if hasMore {
		t.Error("CacheNextChunk should report no work once fully copied")
	}
}

func TestCopyChunkHandlesShortTailRead(t *testing.T) {
	size := int64(Size/2 + 17)
	src, dst := tempFiles(t, size)
	if err := dst.Truncate(Size); err != nil {
		t.Fatalf("extend dst to a full chunk: %v", err)
	}

	if err := copyChunk(src, dst, 0); err != nil {
		t.Fatalf("copyChunk: %v", err)
	}

	want := bytes.Repeat([]byte{0xAB}, int(size))
	got := make([]byte, size)
	n, err := dst.ReadAt(got, 0)
	if err != nil {
		t.Fatalf("read back tail chunk: %v", err)
	}
	if int64(n) != size || !bytes.Equal(got, want) {
		t.Error("tail chunk content mismatch")
	}

	// Bytes beyond the short source read must remain zero (dst was
	// pre-extended, not appended to).
	tail := make([]byte, Size-size)
	if _, err := dst.ReadAt(tail, size); err != nil {
		t.Fatalf("read trailing zeros: %v", err)
	}
	for _, b := range tail {
		if b != 0 {
			t.Fatal("expected zero-filled tail beyond short read")
		}
	}
}
