// Package store implements the persistent metadata index described in
// spec.md §4.A: one row per source path, atomic compare-and-swap state
// transitions, and the queries consumed by the chunk/handle, façade,
// eviction and indexer packages.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/gonlo2/mucachefs/pkg/types"
)

// Store is the SQLite-backed implementation of types.Store. All public
// operations are serialised by mu; ReplaceEntries runs inside an
// explicit transaction, the other writes are single statements. SQLite itself permits only one writer at a
// time, so MaxOpenConns(1) plus mu avoids SQLITE_BUSY churn rather than
// adding real parallelism.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// the embedded migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const statCols = "st_mode, st_dev, st_nlink, st_uid, st_gid, st_size, st_atime, st_ctime, st_mtime"

func scanStat(row interface {
	Scan(dest ...any) error
}) (types.StatInfo, error) {
	var st types.StatInfo
	err := row.Scan(&st.Mode, &st.Dev, &st.Nlink, &st.UID, &st.GID, &st.Size, &st.Atime, &st.Ctime, &st.Mtime)
	return st, err
}

// GetAttr returns the stored stat group for path.
func (s *Store) GetAttr(path string) (*types.StatInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow("SELECT "+statCols+" FROM filesystem WHERE path = ?", path)
	st, err := scanStat(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get_attr %q: %w", path, err)
	}
	return &st, true, nil
}

// GetID returns the id assigned to path.
func (s *Store) GetID(path string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRow("SELECT id FROM filesystem WHERE path = ?", path).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get_id %q: %w", path, err)
	}
	return id, true, nil
}

// GetIDStateSize returns the (id, state, size) triple for path.
func (s *Store) GetIDStateSize(path string) (id int64, state types.State, size int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st int
	qerr := s.db.QueryRow("SELECT id, state, st_size FROM filesystem WHERE path = ?", path).Scan(&id, &st, &size)
	if qerr == sql.ErrNoRows {
		return 0, 0, 0, false, nil
	}
	if qerr != nil {
		return 0, 0, 0, false, fmt.Errorf("get_id_state_size %q: %w", path, qerr)
	}
	return id, types.State(st), size, true, nil
}

// GetStateSize returns the (state, size) pair for id.
func (s *Store) GetStateSize(id int64) (state types.State, size int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st int
	qerr := s.db.QueryRow("SELECT state, st_size FROM filesystem WHERE id = ?", id).Scan(&st, &size)
	if qerr == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if qerr != nil {
		return 0, 0, false, fmt.Errorf("get_state_size %d: %w", id, qerr)
	}
	return types.State(st), size, true, nil
}

// GetChildrenNames returns the basenames of every direct child of parentID.
func (s *Store) GetChildrenNames(parentID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT name FROM filesystem WHERE parent_id = ?", parentID)
	if err != nil {
		return nil, fmt.Errorf("get_children_names %d: %w", parentID, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// GetChildrenIDs returns the ids of every direct child of parentID.
func (s *Store) GetChildrenIDs(parentID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id FROM filesystem WHERE parent_id = ?", parentID)
	if err != nil {
		return nil, fmt.Errorf("get_children_ids %d: %w", parentID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetNextFilePathState scans at most eight entries whose path is
// strictly greater than path, in lexicographic order, and returns the
// first regular file among them.
func (s *Store) GetNextFilePathState(path string) (nextPath string, state types.State, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, qerr := s.db.Query(
		"SELECT path, state, st_mode FROM filesystem WHERE path > ? ORDER BY path LIMIT 8", path)
	if qerr != nil {
		return "", 0, false, fmt.Errorf("get_next_file_path_state %q: %w", path, qerr)
	}
	defer rows.Close()

	const sIFREG = 0100000
	const sIFMT = 0170000
	for rows.Next() {
		var p string
		var st int
		var mode uint32
		if err := rows.Scan(&p, &st, &mode); err != nil {
			return "", 0, false, err
		}
		if mode&sIFMT == sIFREG {
			return p, types.State(st), true, rows.Err()
		}
	}
	return "", 0, false, rows.Err()
}

// GetNextFilesToCache scans up to fifty entries with path >= path in
// lexicographic order, accumulating duration and stopping as soon as
// the accumulator exceeds maxDurationSec; returns the NO_CACHED subset
// encountered before the stop.
func (s *Store) GetNextFilesToCache(path string, maxDurationSec int64) ([]types.CacheCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, path, state, duration, st_size FROM filesystem
		 WHERE path >= ? ORDER BY path LIMIT 50`, path)
	if err != nil {
		return nil, fmt.Errorf("get_next_files_to_cache %q: %w", path, err)
	}
	defer rows.Close()

	var res []types.CacheCandidate
	var accDuration int64
	for rows.Next() {
		var id int64
		var p string
		var st int
		var duration sql.NullInt64
		var size int64
		if err := rows.Scan(&id, &p, &st, &duration, &size); err != nil {
			return nil, err
		}
		if !duration.Valid {
			continue
		}
		if types.State(st) == types.StateNoCached {
			res = append(res, types.CacheCandidate{ID: id, Path: p, Size: size})
		}
		accDuration += duration.Int64
		if accDuration > maxDurationSec {
			break
		}
	}
	return res, rows.Err()
}

// SetState performs the compare-and-swap: the row transitions only if
// its current state equals expectedOld. A mismatch is silent — the
// caller must treat the transition as advisory.
func (s *Store) SetState(id int64, expectedOld, newState types.State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE filesystem SET state = ? WHERE id = ? AND state = ?",
		int(newState), id, int(expectedOld))
	if err != nil {
		return false, fmt.Errorf("set_state %d %v->%v: %w", id, expectedOld, newState, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetStates bulk-swaps every row in oldState to newState. Used only at
// startup to recover orphan CACHING rows.
func (s *Store) SetStates(oldState, newState types.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE filesystem SET state = ? WHERE state = ?", int(newState), int(oldState))
	if err != nil {
		return fmt.Errorf("set_states %v->%v: %w", oldState, newState, err)
	}
	return nil
}

// SetLastAccessTS stamps the most recent open time for id.
func (s *Store) SetLastAccessTS(id int64, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE filesystem SET last_access_ts = ? WHERE id = ?", ts, id)
	if err != nil {
		return fmt.Errorf("set_last_access_ts %d: %w", id, err)
	}
	return nil
}

// GetCachedBytes returns the sum of st_size over every CACHED row.
func (s *Store) GetCachedBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum sql.NullInt64
	err := s.db.QueryRow("SELECT sum(st_size) FROM filesystem WHERE state = ?", int(types.StateCached)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("get_cached_bytes: %w", err)
	}
	return sum.Int64, nil
}

// GetOldestCachedFiles returns up to limit CACHED rows ordered by
// ascending last_access_ts, and whether the page was full (more rows
// may remain).
func (s *Store) GetOldestCachedFiles(limit int) (hasMore bool, rows []types.OldestCachedFile, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, qerr := s.db.Query(
		"SELECT id, st_size FROM filesystem WHERE state = ? ORDER BY last_access_ts LIMIT ?",
		int(types.StateCached), limit)
	if qerr != nil {
		return false, nil, fmt.Errorf("get_oldest_cached_files: %w", qerr)
	}
	defer r.Close()

	for r.Next() {
		var row types.OldestCachedFile
		if err := r.Scan(&row.ID, &row.Size); err != nil {
			return false, nil, err
		}
		rows = append(rows, row)
	}
	if err := r.Err(); err != nil {
		return false, nil, err
	}
	return len(rows) == limit, rows, nil
}

// GetCachedIDs returns every id currently in state CACHED.
func (s *Store) GetCachedIDs() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id FROM filesystem WHERE state = ?", int(types.StateCached))
	if err != nil {
		return nil, fmt.Errorf("get_cached_ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceEntries upserts every entry by primary key in a single
// transaction, used by the indexer for both rebuild and incremental add.
func (s *Store) ReplaceEntries(entries []types.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("replace_entries begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`REPLACE INTO filesystem
		(id, parent_id, path, name, state, last_access_ts, duration,
		 st_mode, st_dev, st_nlink, st_uid, st_gid, st_size, st_atime, st_ctime, st_mtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("replace_entries prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var lastAccess, duration any
		if e.LastAccessTS != nil {
			lastAccess = *e.LastAccessTS
		}
		if e.Duration != nil {
			duration = *e.Duration
		}
		_, err := stmt.Exec(
			e.ID, e.ParentID, e.Path, e.Name, int(e.State), lastAccess, duration,
			e.Stat.Mode, e.Stat.Dev, e.Stat.Nlink, e.Stat.UID, e.Stat.GID,
			e.Stat.Size, e.Stat.Atime, e.Stat.Ctime, e.Stat.Mtime,
		)
		if err != nil {
			return fmt.Errorf("replace_entries exec %q: %w", e.Path, err)
		}
	}

	return tx.Commit()
}

// RemoveEntry deletes a single row by id.
func (s *Store) RemoveEntry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM filesystem WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove_entry %d: %w", id, err)
	}
	return nil
}

// GetLargestID returns max(id) across the whole table, or 0 if empty.
func (s *Store) GetLargestID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max sql.NullInt64
	if err := s.db.QueryRow("SELECT max(id) FROM filesystem").Scan(&max); err != nil {
		return 0, fmt.Errorf("get_largest_id: %w", err)
	}
	if max.Int64 < 0 {
		return 0, nil
	}
	return max.Int64, nil
}

// Purge drops and recreates the filesystem table and its indexes.
// Resolves spec.md §9's open question: the original issues an invalid
// `DELETE TABLE filesystem`; this uses DROP TABLE followed by the
// embedded migration.
func (s *Store) Purge() error {
	s.mu.Lock()
	if _, err := s.db.Exec("DROP TABLE IF EXISTS filesystem"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("purge drop table: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM goose_db_version"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("purge reset migration bookkeeping: %w", err)
	}
	s.mu.Unlock()

	if err := runMigrations(s.db); err != nil {
		return fmt.Errorf("purge recreate schema: %w", err)
	}
	return nil
}

var _ types.Store = (*Store)(nil)
