// Package types defines the core data structures and cross-component
// contracts shared by mucachefs's store, chunk, handle, vfs, eviction,
// and indexer packages.
//
// # Architecture Overview
//
// mucachefs follows a layered architecture mirroring the data flow of a
// read:
//
//	┌─────────────────────────────────────────────┐
//	│            Kernel FUSE glue (internal/fuse)  │
//	└─────────────────────────────────────────────┘
//	                      │
//	┌─────────────────────────────────────────────┐
//	│         Filesystem façade (internal/vfs)     │
//	└─────────────────────────────────────────────┘
//	          │                          │
//	┌─────────┴────────┐     ┌───────────┴──────────┐
//	│  File Handle      │     │  Metadata Store      │
//	│ (internal/handle)  │     │  (internal/store)    │
//	└─────────┬─────────┘     └──────────────────────┘
//	          │
//	┌─────────┴─────────┐
//	│  Read Strategy /   │
//	│  Chunk Engine      │
//	│ (internal/readstrategy, internal/chunk) │
//	└────────────────────┘
//
// This package defines only the data shapes and interfaces that cross
// those package boundaries; it has no behavior of its own.
package types

import "time"

// State is the lifecycle stage of one Entry's cache content.
type State int

const (
	// StateNoCached means no cache file exists for this entry; reads
	// are served directly from the source.
	StateNoCached State = iota
	// StateCaching means a background or foreground copy is in
	// progress; reads may be served from either source or cache
	// depending on which chunks have landed.
	StateCaching
	// StateCached means the cache file is complete and byte-identical
	// to the source; reads are served from the cache file only.
	StateCached
)

// String implements fmt.Stringer for log output.
func (s State) String() string {
	switch s {
	case StateNoCached:
		return "NO_CACHED"
	case StateCaching:
		return "CACHING"
	case StateCached:
		return "CACHED"
	default:
		return "UNKNOWN"
	}
}

// RootParentID is the sentinel parent_id used by the root entry.
const RootParentID int64 = -1

// StatInfo is the stat(2) group copied byte-for-byte from the source
// filesystem at index time. Field widths mirror syscall.Stat_t so the
// indexer can populate it directly from a *syscall.Stat_t.
type StatInfo struct {
	Mode  uint32
	Dev   uint64
	Nlink uint64
	UID   uint32
	GID   uint32
	Size  int64
	Atime int64
	Ctime int64
	Mtime int64
}

// Entry is one row of the metadata store: one per path in the source
// tree.
type Entry struct {
	ID           int64
	ParentID     int64
	Path         string
	Name         string
	State        State
	LastAccessTS *int64 // wall-clock seconds of most recent open; nil until first access
	Duration     *int64 // seconds of media content; nil when not probeable
	Stat         StatInfo
}

// IsDir reports whether the entry's stat mode designates a directory.
func (e *Entry) IsDir() bool {
	const sIFDIR = 0040000
	return e.Stat.Mode&0170000 == sIFDIR
}

// IsRegular reports whether the entry's stat mode designates a regular file.
func (e *Entry) IsRegular() bool {
	const sIFREG = 0100000
	return e.Stat.Mode&0170000 == sIFREG
}

// CacheCandidate is one row returned by GetNextFilesToCache: an
// entry eligible for prefetch promotion.
type CacheCandidate struct {
	ID   int64
	Path string
	Size int64
}

// OldestCachedFile is one row returned by GetOldestCachedFiles.
type OldestCachedFile struct {
	ID   int64
	Size int64
}

// ChangeEvent is one notification delivered by the change-feed
// collaborator (internal/changefeed), carrying the same shape as the
// upstream contract in spec.md §6.
type ChangeEvent struct {
	Mask uint32
	Path string
	Name string
	At   time.Time
}

// Recognised change-feed mask bits (spec.md §6).
const (
	MaskMovedFrom   uint32 = 0x40
	MaskMovedTo     uint32 = 0x80
	MaskCloseWrite  uint32 = 0x08
	MaskCreate      uint32 = 0x100
	MaskDelete      uint32 = 0x200
)

// MaskMatches reports whether every bit set in selector is also set in mask.
func MaskMatches(mask, selector uint32) bool {
	return mask&selector == selector
}
