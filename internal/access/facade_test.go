package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/stdkeep/internal/refresh"
	"github.com/kalambet/stdkeep/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubRegenerator struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (r *stubRegenerator) Regenerate(ctx context.Context, std storage.Standard) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.content, nil
}

func (r *stubRegenerator) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	store  *storage.Store
	clock  *fakeClock
	regen  *stubRegenerator
	coord  *refresh.Coordinator
	queue  *refresh.Queue
	facade *Facade
}

func newFixture(t *testing.T, mode string, regen *stubRegenerator) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock()
	coord := refresh.NewCoordinator(store, regen, refresh.Options{
		Enabled:     true,
		Threshold:   time.Hour,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
		Now:         clock.Now,
	})
	queue := refresh.NewQueue(store, coord, 1, 0)
	return &fixture{
		store:  store,
		clock:  clock,
		regen:  regen,
		coord:  coord,
		queue:  queue,
		facade: New(store, coord, queue, mode),
	}
}

func (f *fixture) createStandard(t *testing.T, key, content string) {
	t.Helper()
	err := f.store.CreateStandard(storage.Standard{
		Key:               key,
		Content:           content,
		ContentHash:       refresh.ContentHash(content),
		CreatedAt:         f.clock.Now(),
		LastUpdatedAt:     f.clock.Now(),
		AutoUpdateEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateStandard(%s): %v", key, err)
	}
}

// TestGetFreshStandard serves immediately without regenerating and bumps the
// access counter.
func TestGetFreshStandard(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{content: "v2"})
	f.createStandard(t, "go.errors@1", "v1")

	std, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if std.Content != "v1" {
		t.Errorf("content = %q, want v1 (fresh, no regeneration)", std.Content)
	}
	if f.regen.callCount() != 0 {
		t.Errorf("regenerator called %d times for a fresh standard", f.regen.callCount())
	}

	got, _ := f.store.GetStandard("go.errors@1")
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
}

// TestGetStaleBlocking regenerates inline and returns the new content.
func TestGetStaleBlocking(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{content: "v2"})
	f.createStandard(t, "go.errors@1", "v1")
	f.clock.Advance(2 * time.Hour)

	std, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if std.Content != "v2" {
		t.Errorf("content = %q, want v2 (blocking refresh completed)", std.Content)
	}
	if f.regen.callCount() != 1 {
		t.Errorf("regenerator called %d times, want 1", f.regen.callCount())
	}
	if std.RefreshInFlight {
		t.Error("flag should be clear after the inline refresh")
	}
}

// TestGetStaleBlockingFailureServesLastKnownGood returns prior content when
// the refresh exhausts its budget.
func TestGetStaleBlockingFailureServesLastKnownGood(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{err: errors.New("research down")})
	f.createStandard(t, "go.errors@1", "v1")
	f.clock.Advance(2 * time.Hour)

	std, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{})
	if err != nil {
		t.Fatalf("Get should not fail when prior content exists: %v", err)
	}
	if std.Content != "v1" {
		t.Errorf("content = %q, want last-known-good v1", std.Content)
	}
	if std.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures = %d, want 2 (full budget)", std.ConsecutiveFailures)
	}
	if std.RefreshInFlight {
		t.Error("flag should be released after the abandoned refresh")
	}
}

// TestGetStaleBlockingFailureNoPriorContent surfaces ErrRefreshFailed when
// there is nothing to fall back to.
func TestGetStaleBlockingFailureNoPriorContent(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{err: errors.New("research down")})
	f.createStandard(t, "go.errors@1", "")
	f.clock.Advance(2 * time.Hour)

	_, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{})
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Get = %v, want ErrRefreshFailed for an empty standard", err)
	}
}

// TestGetStaleBackground returns the stale content immediately and queues a
// task behind the read.
func TestGetStaleBackground(t *testing.T) {
	f := newFixture(t, ModeBackground, &stubRegenerator{content: "v2"})
	f.createStandard(t, "go.errors@1", "v1")
	f.clock.Advance(2 * time.Hour)

	std, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if std.Content != "v1" {
		t.Errorf("content = %q, want stale v1 served immediately", std.Content)
	}
	if !std.RefreshInFlight {
		t.Error("flag should be held while the queued refresh is pending")
	}

	has, err := f.store.HasPendingTask("go.errors@1")
	if err != nil {
		t.Fatalf("HasPendingTask: %v", err)
	}
	if !has {
		t.Error("no task queued for the stale key")
	}

	// A second read joins the in-flight refresh instead of double-queueing.
	if _, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{}); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	depth, _ := f.store.QueueDepth()
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1 (no duplicate task)", depth)
	}

	// Drain the task and verify the content lands.
	if _, err := f.queue.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got, _ := f.store.GetStandard("go.errors@1")
	if got.Content != "v2" {
		t.Errorf("content = %q after drain, want v2", got.Content)
	}
}

// TestGetSkipAutoRefresh serves stored state without any staleness handling.
func TestGetSkipAutoRefresh(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{content: "v2"})
	f.createStandard(t, "go.errors@1", "v1")
	f.clock.Advance(2 * time.Hour)

	std, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{SkipAutoRefresh: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if std.Content != "v1" {
		t.Errorf("content = %q, want untouched v1", std.Content)
	}
	if f.regen.callCount() != 0 {
		t.Errorf("regenerator called %d times with SkipAutoRefresh", f.regen.callCount())
	}
}

// TestGetForceRefresh regenerates even when the standard is fresh.
func TestGetForceRefresh(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{content: "v2"})
	f.createStandard(t, "go.errors@1", "v1")

	std, err := f.facade.Get(context.Background(), "go.errors@1", GetOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if std.Content != "v2" {
		t.Errorf("content = %q, want forced v2", std.Content)
	}
	if f.regen.callCount() != 1 {
		t.Errorf("regenerator called %d times, want 1", f.regen.callCount())
	}
}

// TestGetUnknownKey propagates ErrNotFound.
func TestGetUnknownKey(t *testing.T) {
	f := newFixture(t, ModeBlocking, &stubRegenerator{})

	_, err := f.facade.Get(context.Background(), "missing", GetOptions{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

// TestTriggerRefreshBackground queues a task and rejects a second trigger
// while the first is in flight.
func TestTriggerRefreshBackground(t *testing.T) {
	f := newFixture(t, ModeBackground, &stubRegenerator{content: "v2"})
	f.createStandard(t, "go.errors@1", "v1")

	taskID, err := f.facade.TriggerRefresh("go.errors@1")
	if err != nil {
		t.Fatalf("TriggerRefresh: %v", err)
	}
	if taskID == "" {
		t.Error("empty task ID")
	}

	if _, err := f.facade.TriggerRefresh("go.errors@1"); !errors.Is(err, ErrAlreadyInFlight) {
		t.Errorf("second TriggerRefresh = %v, want ErrAlreadyInFlight", err)
	}

	if _, err := f.facade.TriggerRefresh("missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("TriggerRefresh(missing) = %v, want ErrNotFound", err)
	}
}

// TestTriggerRefreshDisabledKey verifies a manual trigger bypasses the
// per-key auto-update setting.
func TestTriggerRefreshDisabledKey(t *testing.T) {
	f := newFixture(t, ModeBackground, &stubRegenerator{content: "v2"})
	err := f.store.CreateStandard(storage.Standard{
		Key:           "pinned",
		Content:       "v1",
		CreatedAt:     f.clock.Now(),
		LastUpdatedAt: f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreateStandard: %v", err)
	}

	if _, err := f.facade.TriggerRefresh("pinned"); err != nil {
		t.Fatalf("TriggerRefresh on disabled key: %v", err)
	}

	if _, err := f.queue.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	std, _ := f.store.GetStandard("pinned")
	if std.Content != "v2" {
		t.Errorf("content = %q, want v2 after manual refresh", std.Content)
	}
}
