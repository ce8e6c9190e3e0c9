package eviction

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gonlo2/mucachefs/internal/store"
	"github.com/gonlo2/mucachefs/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func cachedEntry(id, parentID, size, lastAccess int64, path, name string) types.Entry {
	return types.Entry{
		ID: id, ParentID: parentID, Path: path, Name: name,
		State: types.StateCached, LastAccessTS: &lastAccess,
		Stat: types.StatInfo{Mode: 0100644, Size: size},
	}
}

func writeCacheFile(t *testing.T, dir string, id int64, size int64) {
	t.Helper()
	path := filepath.Join(dir, itoa(id))
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write cache file %d: %v", id, err)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestFixOrphanedRowsResetsMissingCacheFiles(t *testing.T) {
	s := newTestStore(t)
	cacheDir := t.TempDir()

	entries := []types.Entry{cachedEntry(1, -1, 100, 10, "/a.mkv", "a.mkv")}
	if err := s.ReplaceEntries(entries); err != nil {
		t.Fatalf("replace entries: %v", err)
	}
	// No cache file written for id 1: it is orphaned.

	w := New(cacheDir, s, 1<<30, 0.6, nil, nil)
	if err := w.fixOrphanedRows(); err != nil {
		t.Fatalf("fixOrphanedRows: %v", err)
	}

	state, _, ok, err := s.GetIDStateSize("/a.mkv")
	if err != nil || !ok {
		t.Fatalf("GetIDStateSize: ok=%v err=%v", ok, err)
	}
	if state != types.StateNoCached {
		t.Errorf("state = %v, want NO_CACHED after orphan fix", state)
	}
}

func TestEvictOldestStopsAtTarget(t *testing.T) {
	s := newTestStore(t)
	cacheDir := t.TempDir()

	var entries []types.Entry
	const fileSize = 200 * 1024 * 1024 // 200 MiB
	for i := int64(1); i <= 10; i++ {
		entries = append(entries, cachedEntry(i, -1, fileSize, i, "/f"+itoa(i), "f"+itoa(i)))
		writeCacheFile(t, cacheDir, i, fileSize)
	}
	if err := s.ReplaceEntries(entries); err != nil {
		t.Fatalf("replace entries: %v", err)
	}

	limit := int64(1 << 30) // 1 GiB
	target := int64(float64(limit) * 0.6)
	w := New(cacheDir, s, limit, 0.6, nil, nil)

	used, err := w.evictOldest(target)
	if err != nil {
		t.Fatalf("evictOldest: %v", err)
	}
	if used > target {
		t.Errorf("used = %d, want <= target %d", used, target)
	}

	// Oldest-accessed ids are evicted first, stopping as soon as the
	// running total falls to or below target.
	for i := int64(1); i <= 7; i++ {
		state, _, ok, err := s.GetStateSize(i)
		if err != nil || !ok {
			t.Fatalf("GetStateSize(%d): ok=%v err=%v", i, ok, err)
		}
		if state != types.StateNoCached {
			t.Errorf("id %d state = %v, want NO_CACHED (evicted)", i, state)
		}
	}
	// The newest-accessed ids should remain CACHED.
	for i := int64(8); i <= 10; i++ {
		state, _, ok, err := s.GetStateSize(i)
		if err != nil || !ok {
			t.Fatalf("GetStateSize(%d): ok=%v err=%v", i, ok, err)
		}
		if state != types.StateCached {
			t.Errorf("id %d state = %v, want CACHED (retained)", i, state)
		}
	}
}

func TestRemoveStrayFilesDeletesUnknownAndMismatched(t *testing.T) {
	s := newTestStore(t)
	cacheDir := t.TempDir()

	entries := []types.Entry{
		cachedEntry(1, -1, 100, 1, "/a.mkv", "a.mkv"),
	}
	if err := s.ReplaceEntries(entries); err != nil {
		t.Fatalf("replace entries: %v", err)
	}
	writeCacheFile(t, cacheDir, 1, 100) // matches: keep
	writeCacheFile(t, cacheDir, 2, 50)  // no matching row: stray
	if err := os.WriteFile(filepath.Join(cacheDir, "not-an-id"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write non-integer name: %v", err)
	}

	w := New(cacheDir, s, 1<<30, 0.6, nil, nil)
	if err := w.removeStrayFiles(); err != nil {
		t.Fatalf("removeStrayFiles: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, "1")); err != nil {
		t.Error("id 1's cache file should have been kept")
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "2")); !os.IsNotExist(err) {
		t.Error("id 2's stray cache file should have been removed")
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "not-an-id")); !os.IsNotExist(err) {
		t.Error("non-integer named file should have been removed")
	}
}

func TestRemoveStrayFilesSizeMismatchResetsRowAndDeletes(t *testing.T) {
	s := newTestStore(t)
	cacheDir := t.TempDir()

	entries := []types.Entry{cachedEntry(1, -1, 100, 1, "/a.mkv", "a.mkv")}
	if err := s.ReplaceEntries(entries); err != nil {
		t.Fatalf("replace entries: %v", err)
	}
	writeCacheFile(t, cacheDir, 1, 50) // wrong size

	w := New(cacheDir, s, 1<<30, 0.6, nil, nil)
	if err := w.removeStrayFiles(); err != nil {
		t.Fatalf("removeStrayFiles: %v", err)
	}

	state, _, ok, err := s.GetIDStateSize("/a.mkv")
	if err != nil || !ok {
		t.Fatalf("GetIDStateSize: ok=%v err=%v", ok, err)
	}
	if state != types.StateNoCached {
		t.Errorf("state = %v, want NO_CACHED after size mismatch", state)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "1")); !os.IsNotExist(err) {
		t.Error("size-mismatched cache file should have been removed")
	}
}
