package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueTask adds a refresh task to the durable queue.
func (s *Store) EnqueueTask(t RefreshTask, now time.Time) error {
	runAfter := now
	if !t.RunAfter.IsZero() {
		runAfter = t.RunAfter
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO refresh_tasks (id, standard_key, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?)`,
		t.ID, t.StandardKey, t.Attempts, maxAttempts, fmtTime(runAfter), fmtTime(now), fmtTime(now),
	)
	return err
}

// ClaimNextTask picks the oldest due pending task and marks it running.
// The select-then-conditional-update runs in one transaction so two workers
// can never claim the same task. Returns nil when nothing is due.
func (s *Store) ClaimNextTask(now time.Time) (*RefreshTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var t RefreshTask
	var runAfter, createdAt string
	var lastError sql.NullString
	err = tx.QueryRow(`
		SELECT id, standard_key, status, attempts, max_attempts, run_after, created_at, last_error
		FROM refresh_tasks
		WHERE status = 'pending' AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, fmtTime(now),
	).Scan(&t.ID, &t.StandardKey, &t.Status, &t.Attempts, &t.MaxAttempts, &runAfter, &createdAt, &lastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.Exec(`UPDATE refresh_tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		fmtTime(now), t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated task rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = "running"
	t.LastError = lastError.String
	t.UpdatedAt = now.UTC()
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	return &t, nil
}

// CompleteTask marks a task done after a successful regeneration.
func (s *Store) CompleteTask(id string, now time.Time) error {
	return s.setTaskStatus(id, "completed", fmtTime(now))
}

// RetryTask puts a failed task back in the queue, due again at runAfter.
func (s *Store) RetryTask(id, errMsg string, runAfter, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE refresh_tasks SET status = 'pending', attempts = attempts + 1,
			last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?`,
		errMsg, fmtTime(runAfter), fmtTime(now), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// FailTask marks a task terminally failed once its attempts are exhausted.
func (s *Store) FailTask(id, errMsg string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE refresh_tasks SET status = 'failed', attempts = attempts + 1,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		errMsg, fmtTime(now), id,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// QueueDepth counts tasks still waiting to run.
func (s *Store) QueueDepth() (int, error) {
	var depth int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM refresh_tasks WHERE status = 'pending'`).Scan(&depth)
	return depth, err
}

// HasPendingTask reports whether a pending or running task already exists for key.
func (s *Store) HasPendingTask(key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM refresh_tasks
		WHERE standard_key = ? AND status IN ('pending', 'running')`, key,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) setTaskStatus(id, status, now string) error {
	res, err := s.db.Exec(`UPDATE refresh_tasks SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
