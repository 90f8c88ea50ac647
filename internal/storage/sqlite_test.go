package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testStandard(key string, now time.Time) Standard {
	return Standard{
		Key:               key,
		Title:             "Go Error Handling",
		Language:          "go",
		Name:              "errors",
		Version:           "1",
		Sources:           `["https://go.dev/blog/error-handling"]`,
		Content:           "Always wrap errors with %w.",
		ContentHash:       "hash-v1",
		CreatedAt:         now,
		LastUpdatedAt:     now,
		AutoUpdateEnabled: true,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// migrations are not re-applied.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies that the migration creates the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_versions_key", "idx_tasks_claim"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestCreateAndGetStandard round-trips a full record including freshness metadata.
func TestCreateAndGetStandard(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	want := testStandard("go.errors@1", now)
	want.FreshnessThresholdSecs = 3600
	if err := s.CreateStandard(want); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	got, err := s.GetStandard("go.errors@1")
	if err != nil {
		t.Fatalf("GetStandard: %v", err)
	}

	if got.Key != want.Key || got.Title != want.Title || got.Language != want.Language ||
		got.Name != want.Name || got.Version != want.Version {
		t.Errorf("identity mismatch: got %+v", got)
	}
	if got.Content != want.Content || got.ContentHash != want.ContentHash {
		t.Errorf("content mismatch: got content=%q hash=%q", got.Content, got.ContentHash)
	}
	if got.Sources != want.Sources {
		t.Errorf("sources mismatch: got %q want %q", got.Sources, want.Sources)
	}
	if !got.CreatedAt.Equal(now) || !got.LastUpdatedAt.Equal(now) {
		t.Errorf("timestamps mismatch: created=%v updated=%v", got.CreatedAt, got.LastUpdatedAt)
	}
	if !got.AutoUpdateEnabled {
		t.Error("AutoUpdateEnabled should round-trip as true")
	}
	if got.FreshnessThresholdSecs != 3600 {
		t.Errorf("FreshnessThresholdSecs = %d, want 3600", got.FreshnessThresholdSecs)
	}
	if got.AccessCount != 0 || got.ConsecutiveFailures != 0 || got.RefreshInFlight {
		t.Errorf("fresh record should have zero counters: %+v", got)
	}
	if !got.LastAccessedAt.IsZero() || !got.LastRefreshAttemptAt.IsZero() || !got.LastRefreshSuccessAt.IsZero() {
		t.Errorf("nullable timestamps should be zero on a fresh record: %+v", got)
	}
}

// TestCreateStandardRetainsInitialVersion verifies the first version row is
// written in the same transaction as the standard.
func TestCreateStandardRetainsInitialVersion(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	versions, err := s.GetVersions("go.errors@1", 10)
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 initial version, got %d", len(versions))
	}
	if versions[0].ContentHash != "hash-v1" {
		t.Errorf("initial version hash = %q, want hash-v1", versions[0].ContentHash)
	}
}

// TestGetStandardNotFound verifies the sentinel error for unknown keys.
func TestGetStandardNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetStandard("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStandard(missing) = %v, want ErrNotFound", err)
	}
}

// TestRecordAccess bumps the counter and timestamp without touching content
// timestamps.
func TestRecordAccess(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	later := now.Add(time.Minute)
	if err := s.RecordAccess("go.errors@1", later); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	if err := s.RecordAccess("go.errors@1", later.Add(time.Minute)); err != nil {
		t.Fatalf("second RecordAccess: %v", err)
	}

	got, err := s.GetStandard("go.errors@1")
	if err != nil {
		t.Fatalf("GetStandard: %v", err)
	}
	if got.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", got.AccessCount)
	}
	if !got.LastAccessedAt.Equal(later.Add(time.Minute)) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, later.Add(time.Minute))
	}
	if !got.LastUpdatedAt.Equal(now) {
		t.Errorf("LastUpdatedAt moved on access: %v", got.LastUpdatedAt)
	}

	if err := s.RecordAccess("missing", later); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordAccess(missing) = %v, want ErrNotFound", err)
	}
}

// TestTryBeginRefresh verifies the conditional update admits exactly one
// claimant until the flag is cleared.
func TestTryBeginRefresh(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	started, err := s.TryBeginRefresh("go.errors@1", now)
	if err != nil {
		t.Fatalf("TryBeginRefresh: %v", err)
	}
	if !started {
		t.Fatal("first TryBeginRefresh should win")
	}

	started, err = s.TryBeginRefresh("go.errors@1", now)
	if err != nil {
		t.Fatalf("second TryBeginRefresh: %v", err)
	}
	if started {
		t.Error("second TryBeginRefresh should lose while flag is held")
	}

	got, _ := s.GetStandard("go.errors@1")
	if !got.RefreshInFlight {
		t.Error("RefreshInFlight should be set after a won claim")
	}
	if !got.LastRefreshAttemptAt.Equal(now) {
		t.Errorf("LastRefreshAttemptAt = %v, want %v", got.LastRefreshAttemptAt, now)
	}

	if err := s.ReleaseRefresh("go.errors@1"); err != nil {
		t.Fatalf("ReleaseRefresh: %v", err)
	}
	started, err = s.TryBeginRefresh("go.errors@1", now)
	if err != nil || !started {
		t.Errorf("TryBeginRefresh after release = (%v, %v), want (true, nil)", started, err)
	}

	if _, err := s.TryBeginRefresh("missing", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("TryBeginRefresh(missing) = %v, want ErrNotFound", err)
	}
}

// TestCompleteRefreshSuccess commits new content, retains a version, resets
// the failure counter and clears the flag atomically.
func TestCompleteRefreshSuccess(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}
	if _, err := s.TryBeginRefresh("go.errors@1", now); err != nil {
		t.Fatalf("TryBeginRefresh: %v", err)
	}
	if err := s.RecordRefreshFailure("go.errors@1", now); err != nil {
		t.Fatalf("RecordRefreshFailure: %v", err)
	}

	later := now.Add(time.Hour)
	if err := s.CompleteRefreshSuccess("go.errors@1", "new content", "hash-v2", later); err != nil {
		t.Fatalf("CompleteRefreshSuccess: %v", err)
	}

	got, err := s.GetStandard("go.errors@1")
	if err != nil {
		t.Fatalf("GetStandard: %v", err)
	}
	if got.Content != "new content" || got.ContentHash != "hash-v2" {
		t.Errorf("content not committed: content=%q hash=%q", got.Content, got.ContentHash)
	}
	if !got.LastUpdatedAt.Equal(later) || !got.LastRefreshSuccessAt.Equal(later) {
		t.Errorf("timestamps not advanced: updated=%v success=%v", got.LastUpdatedAt, got.LastRefreshSuccessAt)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after success", got.ConsecutiveFailures)
	}
	if got.RefreshInFlight {
		t.Error("RefreshInFlight should be cleared after success")
	}

	versions, err := s.GetVersions("go.errors@1", 10)
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions (initial + refreshed), got %d", len(versions))
	}
	if versions[0].ContentHash != "hash-v2" {
		t.Errorf("newest version hash = %q, want hash-v2", versions[0].ContentHash)
	}
}

// TestCompleteRefreshSuccessUnchangedContent skips the version row when the
// hash is identical but still advances timestamps.
func TestCompleteRefreshSuccessUnchangedContent(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	later := now.Add(time.Hour)
	if err := s.CompleteRefreshSuccess("go.errors@1", "Always wrap errors with %w.", "hash-v1", later); err != nil {
		t.Fatalf("CompleteRefreshSuccess: %v", err)
	}

	versions, err := s.GetVersions("go.errors@1", 10)
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("unchanged content should not add a version, got %d", len(versions))
	}

	got, _ := s.GetStandard("go.errors@1")
	if !got.LastUpdatedAt.Equal(later) {
		t.Errorf("LastUpdatedAt should still advance: %v", got.LastUpdatedAt)
	}
}

// TestRecordRefreshFailure increments the failure counter and keeps the
// in-flight flag held and content untouched.
func TestRecordRefreshFailure(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}
	if _, err := s.TryBeginRefresh("go.errors@1", now); err != nil {
		t.Fatalf("TryBeginRefresh: %v", err)
	}

	attempt := now.Add(time.Minute)
	if err := s.RecordRefreshFailure("go.errors@1", attempt); err != nil {
		t.Fatalf("RecordRefreshFailure: %v", err)
	}
	if err := s.RecordRefreshFailure("go.errors@1", attempt.Add(time.Minute)); err != nil {
		t.Fatalf("second RecordRefreshFailure: %v", err)
	}

	got, err := s.GetStandard("go.errors@1")
	if err != nil {
		t.Fatalf("GetStandard: %v", err)
	}
	if got.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2", got.ConsecutiveFailures)
	}
	if !got.RefreshInFlight {
		t.Error("RefreshInFlight should stay held through failed attempts")
	}
	if got.Content != "Always wrap errors with %w." {
		t.Errorf("content changed on failure: %q", got.Content)
	}
	if !got.LastUpdatedAt.Equal(now) {
		t.Errorf("LastUpdatedAt moved on failure: %v", got.LastUpdatedAt)
	}
	if !got.LastRefreshAttemptAt.Equal(attempt.Add(time.Minute)) {
		t.Errorf("LastRefreshAttemptAt = %v, want %v", got.LastRefreshAttemptAt, attempt.Add(time.Minute))
	}
}

// TestRecoverRefreshState reconciles flags and tasks after a simulated crash:
// keys with surviving tasks keep their claim, orphaned running tasks go back
// to pending, and only taskless flags are cleared.
func TestRecoverRefreshState(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for _, key := range []string{"queued", "mid-run", "inline", "idle"} {
		if err := s.CreateStandard(testStandard(key, now)); err != nil {
			t.Fatalf("CreateStandard(%s): %v", key, err)
		}
	}

	// "queued": claimed flag with a pending task surviving the crash.
	s.TryBeginRefresh("queued", now)
	enqueueTestTask(t, s, "t-queued", "queued", now, now)

	// "mid-run": claimed flag with its task caught in 'running'.
	s.TryBeginRefresh("mid-run", now)
	// Due earlier than t-queued so ClaimNextTask picks it deterministically;
	// with identical run_after/created_at the claim order would tie and the
	// loop below could spin on t-queued forever.
	enqueueTestTask(t, s, "t-midrun", "mid-run", now.Add(-time.Second), now)
	for {
		task, err := s.ClaimNextTask(now)
		if err != nil {
			t.Fatalf("ClaimNextTask: %v", err)
		}
		if task == nil {
			t.Fatal("t-midrun never claimed")
		}
		if task.StandardKey == "mid-run" {
			break
		}
		// Put the other task back so only mid-run's stays running.
		if err := s.RetryTask(task.ID, "", now, now); err != nil {
			t.Fatalf("RetryTask: %v", err)
		}
	}

	// "inline": claimed flag with no task at all (a blocking refresh died).
	s.TryBeginRefresh("inline", now)

	flagsCleared, tasksRequeued, err := s.RecoverRefreshState(now)
	if err != nil {
		t.Fatalf("RecoverRefreshState: %v", err)
	}
	if flagsCleared != 1 {
		t.Errorf("flagsCleared = %d, want 1 (only the taskless key)", flagsCleared)
	}
	if tasksRequeued != 1 {
		t.Errorf("tasksRequeued = %d, want 1", tasksRequeued)
	}

	// Keys with surviving tasks still own their claim: a second caller loses.
	for _, key := range []string{"queued", "mid-run"} {
		got, _ := s.GetStandard(key)
		if !got.RefreshInFlight {
			t.Errorf("key %s lost its claim across restart", key)
		}
		started, err := s.TryBeginRefresh(key, now)
		if err != nil {
			t.Fatalf("TryBeginRefresh(%s): %v", key, err)
		}
		if started {
			t.Errorf("second caller won the claim for %s after restart", key)
		}
	}

	got, _ := s.GetStandard("inline")
	if got.RefreshInFlight {
		t.Error("taskless flag not cleared")
	}
	got, _ = s.GetStandard("idle")
	if got.RefreshInFlight {
		t.Error("idle key gained a flag")
	}

	// Both surviving tasks are pending and claimable; no duplicates appeared.
	depth, err := s.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

// TestCreateStandardDuplicateKey rejects a second create for the same key.
func TestCreateStandardDuplicateKey(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.CreateStandard(testStandard("go.errors@1", now)); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}
	if err := s.CreateStandard(testStandard("go.errors@1", now)); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate CreateStandard = %v, want ErrAlreadyExists", err)
	}

	versions, err := s.GetVersions("go.errors@1", 10)
	if err != nil {
		t.Fatalf("GetVersions: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("duplicate create added a version row: %d", len(versions))
	}
}

// TestSaveStandard overwrites the whole record.
func TestSaveStandard(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	std := testStandard("go.errors@1", now)
	if err := s.CreateStandard(std); err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	std.Title = "Updated Title"
	std.AutoUpdateEnabled = false
	std.FreshnessThresholdSecs = 120
	std.Sources = `["https://example.com/errors"]`
	if err := s.SaveStandard(std); err != nil {
		t.Fatalf("SaveStandard: %v", err)
	}

	got, err := s.GetStandard("go.errors@1")
	if err != nil {
		t.Fatalf("GetStandard: %v", err)
	}
	if got.Title != "Updated Title" || got.AutoUpdateEnabled || got.FreshnessThresholdSecs != 120 {
		t.Errorf("save not applied: %+v", got)
	}
	if got.Sources != `["https://example.com/errors"]` {
		t.Errorf("sources not saved: %q", got.Sources)
	}

	if err := s.SaveStandard(testStandard("missing", now)); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveStandard(missing) = %v, want ErrNotFound", err)
	}
}

// TestListStandards pages results ordered by key.
func TestListStandards(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for _, key := range []string{"c", "a", "b"} {
		if err := s.CreateStandard(testStandard(key, now)); err != nil {
			t.Fatalf("CreateStandard(%s): %v", key, err)
		}
	}

	page, err := s.ListStandards(2, 0)
	if err != nil {
		t.Fatalf("ListStandards: %v", err)
	}
	if len(page) != 2 || page[0].Key != "a" || page[1].Key != "b" {
		t.Errorf("first page wrong: %+v", page)
	}

	page, err = s.ListStandards(2, 2)
	if err != nil {
		t.Fatalf("ListStandards offset: %v", err)
	}
	if len(page) != 1 || page[0].Key != "c" {
		t.Errorf("second page wrong: %+v", page)
	}
}
