package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const standardColumns = `key, title, language, name, version, sources, content, content_hash,
	created_at, last_updated_at, last_accessed_at, access_count,
	auto_update_enabled, freshness_threshold_secs,
	last_refresh_attempt_at, last_refresh_success_at,
	consecutive_failures, refresh_in_flight`

// CreateStandard inserts a new standard together with its first retained
// version. CreatedAt and LastUpdatedAt must be set by the caller.
func (s *Store) CreateStandard(std Standard) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM standards WHERE key = ?`, std.Key).Scan(&exists); err != nil {
		return fmt.Errorf("checking for existing standard: %w", err)
	}
	if exists > 0 {
		return ErrAlreadyExists
	}

	_, err = tx.Exec(`
		INSERT INTO standards (key, title, language, name, version, sources, content, content_hash,
			created_at, last_updated_at, last_accessed_at, access_count,
			auto_update_enabled, freshness_threshold_secs,
			last_refresh_attempt_at, last_refresh_success_at, consecutive_failures, refresh_in_flight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?, NULL, NULL, 0, 0)`,
		std.Key, std.Title, std.Language, std.Name, std.Version, sourcesOrEmpty(std.Sources), std.Content, std.ContentHash,
		fmtTime(std.CreatedAt), fmtTime(std.LastUpdatedAt),
		boolInt(std.AutoUpdateEnabled), std.FreshnessThresholdSecs,
	)
	if err != nil {
		return fmt.Errorf("inserting standard: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO standard_versions (id, standard_key, content, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), std.Key, std.Content, std.ContentHash, fmtTime(std.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting initial version: %w", err)
	}

	return tx.Commit()
}

// GetStandard loads the full record for one key.
func (s *Store) GetStandard(key string) (Standard, error) {
	row := s.db.QueryRow(`SELECT `+standardColumns+` FROM standards WHERE key = ?`, key)
	std, err := scanStandard(row)
	if err == sql.ErrNoRows {
		return Standard{}, ErrNotFound
	}
	return std, err
}

// ListStandards returns standards ordered by key.
func (s *Store) ListStandards(limit, offset int) ([]Standard, error) {
	rows, err := s.db.Query(`SELECT `+standardColumns+` FROM standards ORDER BY key LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Standard
	for rows.Next() {
		std, err := scanStandard(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, std)
	}
	return results, rows.Err()
}

// SaveStandard overwrites the whole record for std.Key. The engine mutates
// metadata in memory under its own concurrency control and writes it back
// atomically; partial-field updates are reserved for the hot paths below.
func (s *Store) SaveStandard(std Standard) error {
	res, err := s.db.Exec(`
		UPDATE standards SET title = ?, language = ?, name = ?, version = ?, sources = ?,
			content = ?, content_hash = ?, created_at = ?, last_updated_at = ?,
			last_accessed_at = ?, access_count = ?,
			auto_update_enabled = ?, freshness_threshold_secs = ?,
			last_refresh_attempt_at = ?, last_refresh_success_at = ?,
			consecutive_failures = ?, refresh_in_flight = ?
		WHERE key = ?`,
		std.Title, std.Language, std.Name, std.Version, sourcesOrEmpty(std.Sources),
		std.Content, std.ContentHash, fmtTime(std.CreatedAt), fmtTime(std.LastUpdatedAt),
		fmtNullTime(std.LastAccessedAt), std.AccessCount,
		boolInt(std.AutoUpdateEnabled), std.FreshnessThresholdSecs,
		fmtNullTime(std.LastRefreshAttemptAt), fmtNullTime(std.LastRefreshSuccessAt),
		std.ConsecutiveFailures, boolInt(std.RefreshInFlight),
		std.Key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAccess bumps access_count and last_accessed_at. Latest timestamp wins;
// callers never need ordering here.
func (s *Store) RecordAccess(key string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE standards SET last_accessed_at = ?, access_count = access_count + 1
		WHERE key = ?`,
		fmtTime(now), key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TryBeginRefresh atomically sets refresh_in_flight for key if no refresh is
// already in flight. The conditional UPDATE is the engine's sole
// mutual-exclusion gate: at most one caller can win it per key.
// Returns true if this caller started the refresh.
func (s *Store) TryBeginRefresh(key string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE standards SET refresh_in_flight = 1, last_refresh_attempt_at = ?
		WHERE key = ? AND refresh_in_flight = 0`,
		fmtTime(now), key,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Lost the race, or the key doesn't exist at all.
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM standards WHERE key = ?`, key).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// CompleteRefreshSuccess applies a successful regeneration: new content, a
// retained version row, advanced content timestamps, reset failure counter,
// cleared in-flight flag — all in one transaction so a partially-applied
// update can never be observed.
//
// If the new content hashes identically to the current content, no new
// version row is written, but the timestamps still advance.
func (s *Store) CompleteRefreshSuccess(key, content, contentHash string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning refresh transaction: %w", err)
	}
	defer tx.Rollback()

	var currentHash string
	err = tx.QueryRow(`SELECT content_hash FROM standards WHERE key = ?`, key).Scan(&currentHash)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if currentHash != contentHash {
		if _, err := tx.Exec(`
			INSERT INTO standard_versions (id, standard_key, content, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), key, content, contentHash, fmtTime(now),
		); err != nil {
			return fmt.Errorf("retaining version: %w", err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE standards SET content = ?, content_hash = ?, last_updated_at = ?,
			last_refresh_attempt_at = ?, last_refresh_success_at = ?,
			consecutive_failures = 0, refresh_in_flight = 0
		WHERE key = ?`,
		content, contentHash, fmtTime(now), fmtTime(now), fmtTime(now), key,
	); err != nil {
		return fmt.Errorf("updating standard: %w", err)
	}

	return tx.Commit()
}

// RecordRefreshFailure records a failed regeneration attempt. Content and
// last_updated_at are untouched, and the in-flight flag stays held: the
// refresh owns the key until its retry budget is exhausted or it succeeds.
func (s *Store) RecordRefreshFailure(key string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE standards SET consecutive_failures = consecutive_failures + 1,
			last_refresh_attempt_at = ?
		WHERE key = ?`,
		fmtTime(now), key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseRefresh unconditionally clears the in-flight flag for key. Called on
// terminal failure so the key becomes eligible for a fresh staleness check on
// the next access.
func (s *Store) ReleaseRefresh(key string) error {
	res, err := s.db.Exec(`UPDATE standards SET refresh_in_flight = 0 WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverRefreshState reconciles refresh bookkeeping after a restart. Tasks
// orphaned in 'running' by a crash go back to 'pending' so their work is not
// lost, and in-flight flags are cleared only for keys with no surviving task.
// A key whose queued refresh survived the restart keeps its flag held, so the
// claim gate still admits exactly one refresh per key across restarts.
func (s *Store) RecoverRefreshState(now time.Time) (flagsCleared, tasksRequeued int64, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("beginning recovery transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE refresh_tasks SET status = 'pending', updated_at = ?
		WHERE status = 'running'`, fmtTime(now))
	if err != nil {
		return 0, 0, fmt.Errorf("requeueing orphaned tasks: %w", err)
	}
	if tasksRequeued, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	res, err = tx.Exec(`
		UPDATE standards SET refresh_in_flight = 0
		WHERE refresh_in_flight = 1
		  AND key NOT IN (SELECT standard_key FROM refresh_tasks WHERE status IN ('pending', 'running'))`)
	if err != nil {
		return 0, 0, fmt.Errorf("clearing orphaned flags: %w", err)
	}
	if flagsCleared, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	return flagsCleared, tasksRequeued, tx.Commit()
}

// GetVersions returns retained versions for key, newest first.
func (s *Store) GetVersions(key string, limit int) ([]StandardVersion, error) {
	rows, err := s.db.Query(`
		SELECT id, standard_key, content, content_hash, created_at
		FROM standard_versions WHERE standard_key = ?
		ORDER BY created_at DESC LIMIT ?`, key, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StandardVersion
	for rows.Next() {
		var v StandardVersion
		var createdAt string
		if err := rows.Scan(&v.ID, &v.StandardKey, &v.Content, &v.ContentHash, &createdAt); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, v)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStandard(row rowScanner) (Standard, error) {
	var std Standard
	var createdAt, lastUpdatedAt string
	var lastAccessedAt, lastAttemptAt, lastSuccessAt sql.NullString
	var autoUpdate, inFlight int

	err := row.Scan(
		&std.Key, &std.Title, &std.Language, &std.Name, &std.Version, &std.Sources,
		&std.Content, &std.ContentHash,
		&createdAt, &lastUpdatedAt, &lastAccessedAt, &std.AccessCount,
		&autoUpdate, &std.FreshnessThresholdSecs,
		&lastAttemptAt, &lastSuccessAt,
		&std.ConsecutiveFailures, &inFlight,
	)
	if err != nil {
		return Standard{}, err
	}

	std.AutoUpdateEnabled = autoUpdate != 0
	std.RefreshInFlight = inFlight != 0

	if std.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Standard{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if std.LastUpdatedAt, err = time.Parse(time.RFC3339, lastUpdatedAt); err != nil {
		return Standard{}, fmt.Errorf("parsing last_updated_at: %w", err)
	}
	if std.LastAccessedAt, err = parseNullTime(lastAccessedAt); err != nil {
		return Standard{}, fmt.Errorf("parsing last_accessed_at: %w", err)
	}
	if std.LastRefreshAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return Standard{}, fmt.Errorf("parsing last_refresh_attempt_at: %w", err)
	}
	if std.LastRefreshSuccessAt, err = parseNullTime(lastSuccessAt); err != nil {
		return Standard{}, fmt.Errorf("parsing last_refresh_success_at: %w", err)
	}
	return std, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s.String)
}

func sourcesOrEmpty(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
