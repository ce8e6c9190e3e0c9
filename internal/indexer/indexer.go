// Package indexer implements the indexer of spec.md §4.G: it walks the
// source tree (or a changed subtree of it) and replaces the
// corresponding rows of the metadata store, assigning each new entry's
// id, stat group and (for regular files) probed media duration.
//
// Grounded on original_source/mucache's file_builder.py: a
// reverse-sorted depth-first stack walk so that ids are assigned in
// ascending lexicographic path order, one power-manager lease held for
// the whole walk (the source disk only needs to be awake once, not
// once per file), and st_ino forced to the assigned id rather than the
// source filesystem's own inode number.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"syscall"

	"github.com/gonlo2/mucachefs/pkg/types"
	"github.com/gonlo2/mucachefs/pkg/utils"
)

// Indexer owns no state between calls beyond its collaborators; Rebuild
// and HandleEvent are each a single self-contained walk. Downstream
// forwarding of the triggering event is the change-feed server's job
// (internal/changefeed), not the indexer's.
type Indexer struct {
	srcPath string
	store   types.Store
	prober  types.DurationProber
	lease   types.PowerLease
	logger  *slog.Logger
}

// New constructs an Indexer.
func New(srcPath string, store types.Store, prober types.DurationProber, lease types.PowerLease, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		srcPath: srcPath,
		store:   store,
		prober:  prober,
		lease:   lease,
		logger:  logger.With("component", "indexer"),
	}
}

// Rebuild discards the existing index and reindexes the whole source
// tree from id zero.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	if err := ix.store.Purge(); err != nil {
		return fmt.Errorf("rebuild purge: %w", err)
	}

	if err := ix.lease.Acquire(ctx); err != nil {
		return fmt.Errorf("rebuild acquire power lease: %w", err)
	}
	defer func() {
		if err := ix.lease.Release(ctx); err != nil {
			ix.logger.Warn("release power lease after rebuild failed", "error", err)
		}
	}()

	entries, _, err := ix.walk(0, "/", types.RootParentID)
	if err != nil {
		return fmt.Errorf("rebuild walk: %w", err)
	}

	if err := ix.store.ReplaceEntries(entries); err != nil {
		return fmt.Errorf("rebuild replace entries: %w", err)
	}
	ix.logger.Info("rebuild complete", "entries", len(entries))
	return nil
}

// stackItem is one pending directory entry to visit, keyed by its
// virtual (store) path rather than its absolute source path.
type stackItem struct {
	virtualPath string
	parentID    int64
}

// walk performs the reverse-sorted DFS stack walk starting at
// virtualPath (assigned id startID), returning every entry discovered
// (including virtualPath itself) and the next unused id.
func (ix *Indexer) walk(startID int64, virtualPath string, parentID int64) ([]types.Entry, int64, error) {
	nextID := startID
	var entries []types.Entry

	stack := []stackItem{{virtualPath: virtualPath, parentID: parentID}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entry, isDir, err := ix.buildEntry(nextID, top.virtualPath, top.parentID)
		if err != nil {
			ix.logger.Warn("stat entry failed, skipping", "path", top.virtualPath, "error", err)
			continue
		}
		id := nextID
		nextID++
		entries = append(entries, entry)

		if isDir {
			children, err := ix.listChildren(top.virtualPath)
			if err != nil {
				ix.logger.Warn("list directory failed", "path", top.virtualPath, "error", err)
				continue
			}
			// Descending order so popping the stack (LIFO) visits
			// children in ascending lexicographic order.
			sort.Sort(sort.Reverse(sort.StringSlice(children)))
			for _, name := range children {
				stack = append(stack, stackItem{virtualPath: path.Join(top.virtualPath, name), parentID: id})
			}
		}
	}
	return entries, nextID, nil
}

// buildEntry lstats the source file at virtualPath and constructs its
// Entry, probing duration for regular files.
func (ix *Indexer) buildEntry(id int64, virtualPath string, parentID int64) (types.Entry, bool, error) {
	srcAbs, err := utils.SecureJoin(ix.srcPath, virtualPath)
	if err != nil {
		return types.Entry{}, false, err
	}
	fi, err := os.Lstat(srcAbs)
	if err != nil {
		return types.Entry{}, false, err
	}
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return types.Entry{}, false, fmt.Errorf("%s: unsupported stat type", virtualPath)
	}

	st := types.StatInfo{
		Mode:  uint32(sys.Mode),
		Dev:   uint64(sys.Dev),
		Nlink: uint64(sys.Nlink),
		UID:   sys.Uid,
		GID:   sys.Gid,
		Size:  sys.Size,
		Atime: sys.Atim.Sec,
		Ctime: sys.Ctim.Sec,
		Mtime: sys.Mtim.Sec,
	}

	entry := types.Entry{
		ID:       id,
		ParentID: parentID,
		Path:     virtualPath,
		Name:     path.Base(virtualPath),
		State:    types.StateNoCached,
		Stat:     st,
	}
	isDir := entry.IsDir()

	if entry.IsRegular() {
		seconds, found, err := ix.prober.Duration(context.Background(), srcAbs)
		if err != nil {
			ix.logger.Warn("duration probe failed", "path", virtualPath, "error", err)
		} else if found {
			entry.Duration = &seconds
		}
	}
	return entry, isDir, nil
}

func (ix *Indexer) listChildren(virtualPath string) ([]string, error) {
	srcAbs, err := utils.SecureJoin(ix.srcPath, virtualPath)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(srcAbs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		names = append(names, de.Name())
	}
	return names, nil
}

// HandleEvent implements incremental mode: a single change-feed event
// removes and/or adds the subtree it names.
func (ix *Indexer) HandleEvent(ctx context.Context, event types.ChangeEvent) error {
	virtualPath := path.Join(event.Path, event.Name)

	if types.MaskMatches(event.Mask, types.MaskMovedFrom) || types.MaskMatches(event.Mask, types.MaskDelete) {
		if err := ix.removeSubtree(virtualPath); err != nil {
			return fmt.Errorf("handle event remove %q: %w", virtualPath, err)
		}
	}

	if types.MaskMatches(event.Mask, types.MaskMovedTo) || types.MaskMatches(event.Mask, types.MaskCreate) {
		if err := ix.addSubtree(ctx, virtualPath); err != nil {
			return fmt.Errorf("handle event add %q: %w", virtualPath, err)
		}
	}

	if types.MaskMatches(event.Mask, types.MaskCloseWrite) {
		// Content changed in place: drop and reindex just this entry so
		// its size/duration/state reset to NO_CACHED.
		if err := ix.removeSubtree(virtualPath); err != nil {
			return fmt.Errorf("handle event close-write remove %q: %w", virtualPath, err)
		}
		if err := ix.addSubtree(ctx, virtualPath); err != nil {
			return fmt.Errorf("handle event close-write add %q: %w", virtualPath, err)
		}
	}

	return nil
}

// removeSubtree deletes virtualPath and, recursively, every descendant
// already present in the store.
func (ix *Indexer) removeSubtree(virtualPath string) error {
	id, found, err := ix.store.GetID(virtualPath)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return ix.removeSubtreeByID(id)
}

func (ix *Indexer) removeSubtreeByID(id int64) error {
	children, err := ix.store.GetChildrenIDs(id)
	if err != nil {
		return err
	}
	for _, childID := range children {
		if err := ix.removeSubtreeByID(childID); err != nil {
			return err
		}
	}
	return ix.store.RemoveEntry(id)
}

// addSubtree walks virtualPath and inserts every entry discovered, ids
// starting at one past the current largest id in the store, holding
// one power-manager lease for the whole walk.
func (ix *Indexer) addSubtree(ctx context.Context, virtualPath string) error {
	parentPath := path.Dir(virtualPath)
	parentID, found, err := ix.store.GetID(parentPath)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("parent %q not indexed", parentPath)
	}

	startID, err := ix.store.GetLargestID()
	if err != nil {
		return err
	}
	startID++

	if err := ix.lease.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire power lease: %w", err)
	}
	defer func() {
		if err := ix.lease.Release(ctx); err != nil {
			ix.logger.Warn("release power lease after incremental add failed", "error", err)
		}
	}()

	entries, _, err := ix.walk(startID, virtualPath, parentID)
	if err != nil {
		return err
	}
	return ix.store.ReplaceEntries(entries)
}
