package types

import "context"

// Store is the persistent metadata index (internal/store's public
// surface), consumed by internal/handle, internal/vfs, internal/eviction
// and internal/indexer. All operations are synchronous and safe for
// concurrent use.
type Store interface {
	GetAttr(path string) (*StatInfo, bool, error)
	GetID(path string) (int64, bool, error)
	GetIDStateSize(path string) (id int64, state State, size int64, ok bool, err error)
	GetStateSize(id int64) (state State, size int64, ok bool, err error)
	GetChildrenNames(parentID int64) ([]string, error)
	GetChildrenIDs(parentID int64) ([]int64, error)
	GetNextFilePathState(path string) (nextPath string, state State, ok bool, err error)
	GetNextFilesToCache(path string, maxDurationSec int64) ([]CacheCandidate, error)

	SetState(id int64, expectedOld, newState State) (bool, error)
	SetStates(oldState, newState State) error
	SetLastAccessTS(id int64, ts int64) error

	GetCachedBytes() (int64, error)
	GetOldestCachedFiles(limit int) (hasMore bool, rows []OldestCachedFile, err error)
	GetCachedIDs() ([]int64, error)

	ReplaceEntries(entries []Entry) error
	RemoveEntry(id int64) error
	GetLargestID() (int64, error)
	Purge() error

	Close() error
}

// PowerLease is the narrow contract for the external power-manager
// collaborator (spec.md §6): symmetric reference counting on the
// caller's side, acquire/release on the remote service.
type PowerLease interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// DurationProber is the narrow contract for the external media-metadata
// probe (spec.md §6): given a filesystem path, return a duration in
// seconds, or ok=false when not probeable.
type DurationProber interface {
	Duration(ctx context.Context, path string) (seconds int64, ok bool, err error)
}

// ChangeFeedForwarder forwards a change event to a downstream proxy,
// used by the internal/changefeed server when a forward address is
// configured.
type ChangeFeedForwarder interface {
	Notify(ctx context.Context, event ChangeEvent) error
}
