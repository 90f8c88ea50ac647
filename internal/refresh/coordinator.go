package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/stdkeep/internal/storage"
)

// BeginResult is the outcome of TryBegin.
type BeginResult int

const (
	// Started means this caller won the in-flight flag and owns the refresh.
	Started BeginResult = iota
	// AlreadyInFlight means another refresh owns the key right now.
	AlreadyInFlight
	// Disabled means auto-refresh is switched off for this key.
	Disabled
)

// Backoff strategies between failed attempts.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// MetadataStore is the subset of storage the coordinator needs.
type MetadataStore interface {
	GetStandard(key string) (storage.Standard, error)
	TryBeginRefresh(key string, now time.Time) (bool, error)
	CompleteRefreshSuccess(key, content, contentHash string, now time.Time) error
	RecordRefreshFailure(key string, now time.Time) error
	ReleaseRefresh(key string) error
	RecordAccess(key string, now time.Time) error
}

// Regenerator produces new content for a standard. Assumed slow (seconds to
// tens of seconds) and fallible; the coordinator only contracts on the
// signature and honors ctx deadlines.
type Regenerator interface {
	Regenerate(ctx context.Context, std storage.Standard) (string, error)
}

// Options configures a Coordinator. Now defaults to time.Now; tests inject
// their own clock.
type Options struct {
	Enabled          bool          // global kill switch
	Threshold        time.Duration // global staleness threshold
	AttemptTimeout   time.Duration // per regeneration attempt
	MaxAttempts      int
	RetryDelay       time.Duration
	Backoff          string // BackoffFixed or BackoffExponential
	JoinWaitTimeout  time.Duration // bounded wait for another caller's refresh
	JoinPollInterval time.Duration
	Now              func() time.Time
}

// Coordinator is the single source of truth for "is this standard stale, and
// should a regeneration start now". It owns per-key mutual exclusion through
// the store's conditional update and all refresh bookkeeping.
type Coordinator struct {
	store  MetadataStore
	regen  Regenerator
	opts   Options
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator with the given dependencies.
func NewCoordinator(store MetadataStore, regen Regenerator, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 60 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffExponential
	}
	if opts.JoinWaitTimeout <= 0 {
		opts.JoinWaitTimeout = opts.AttemptTimeout
	}
	if opts.JoinPollInterval <= 0 {
		opts.JoinPollInterval = 100 * time.Millisecond
	}
	return &Coordinator{
		store:  store,
		regen:  regen,
		opts:   opts,
		logger: slog.Default(),
	}
}

// MaxAttempts exposes the configured retry budget for task enqueueing.
func (c *Coordinator) MaxAttempts() int { return c.opts.MaxAttempts }

// IsStale reports whether std is due for regeneration. A key with auto-update
// disabled is never stale, and the global kill switch overrides everything.
func (c *Coordinator) IsStale(std storage.Standard) bool {
	if !c.opts.Enabled {
		return false
	}
	if !std.AutoUpdateEnabled {
		return false
	}
	threshold := c.opts.Threshold
	if std.FreshnessThresholdSecs > 0 {
		threshold = time.Duration(std.FreshnessThresholdSecs) * time.Second
	}
	return c.opts.Now().Sub(std.LastUpdatedAt) >= threshold
}

// TryBegin atomically claims the refresh for key. force bypasses the per-key
// auto-update setting (manual refreshes still run on disabled keys) but never
// bypasses mutual exclusion.
func (c *Coordinator) TryBegin(key string, force bool) (BeginResult, error) {
	if !force {
		std, err := c.store.GetStandard(key)
		if err != nil {
			return Disabled, err
		}
		if !std.AutoUpdateEnabled {
			return Disabled, nil
		}
	}
	started, err := c.store.TryBeginRefresh(key, c.opts.Now())
	if err != nil {
		return Disabled, err
	}
	if !started {
		return AlreadyInFlight, nil
	}
	return Started, nil
}

// RunAttempt executes exactly one regeneration attempt for a key whose
// in-flight flag the caller already holds. On success the new content is
// committed atomically and the flag is released. On failure (including
// timeout, and including a store-write failure after a successful
// regeneration) the attempt is recorded and the flag stays held — the caller
// decides whether to retry or abandon.
func (c *Coordinator) RunAttempt(ctx context.Context, key string) error {
	std, err := c.store.GetStandard(key)
	if err != nil {
		return fmt.Errorf("loading standard %s: %w", key, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	content, err := c.regen.Regenerate(attemptCtx, std)
	if err != nil {
		c.recordFailure(key)
		return fmt.Errorf("regenerating %s: %w", key, err)
	}

	hash := ContentHash(content)
	if err := c.store.CompleteRefreshSuccess(key, content, hash, c.opts.Now()); err != nil {
		// Committing the new content failed; believing it succeeded would
		// silently serve stale content as fresh. Count it as a failed attempt.
		c.recordFailure(key)
		return fmt.Errorf("committing refreshed content for %s: %w", key, err)
	}
	return nil
}

// RefreshBlocking runs a full refresh inline: up to MaxAttempts attempts with
// backoff delays, holding the in-flight flag (already claimed by the caller)
// for the whole budget. Returns the last attempt's error if all fail.
func (c *Coordinator) RefreshBlocking(ctx context.Context, key string) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		lastErr = c.RunAttempt(ctx, key)
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("blocking refresh attempt failed",
			"key", key, "attempt", attempt, "error", lastErr)

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			c.Abandon(key)
			return ctx.Err()
		case <-time.After(c.BackoffDelay(attempt)):
		}
	}
	c.Abandon(key)
	return lastErr
}

// Abandon releases the in-flight flag after a terminal failure. The key keeps
// its last-known-good content and becomes eligible for a fresh staleness
// check on the next access.
func (c *Coordinator) Abandon(key string) {
	if err := c.store.ReleaseRefresh(key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Error("releasing refresh flag failed", "key", key, "error", err)
	}
}

// AwaitRefresh waits, bounded, for an in-flight refresh started by someone
// else to finish. It polls the stored flag; on timeout or cancellation the
// caller proceeds with whatever content is current. Never returns an error —
// one slow regeneration must not fan out into failed reads.
func (c *Coordinator) AwaitRefresh(ctx context.Context, key string) {
	deadline := time.NewTimer(c.opts.JoinWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.JoinPollInterval)
	defer ticker.Stop()

	for {
		std, err := c.store.GetStandard(key)
		if err != nil || !std.RefreshInFlight {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// RecordAccess bumps access metadata. Fire-and-forget: a failed counter write
// must never fail a read, so errors are logged and dropped.
func (c *Coordinator) RecordAccess(key string) {
	if err := c.store.RecordAccess(key, c.opts.Now()); err != nil {
		c.logger.Warn("recording access failed", "key", key, "error", err)
	}
}

// BackoffDelay returns the delay to wait after the given 1-based failed
// attempt number.
func (c *Coordinator) BackoffDelay(attempt int) time.Duration {
	if c.opts.Backoff == BackoffFixed {
		return c.opts.RetryDelay
	}
	d := c.opts.RetryDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (c *Coordinator) recordFailure(key string) {
	if err := c.store.RecordRefreshFailure(key, c.opts.Now()); err != nil {
		c.logger.Error("recording refresh failure failed", "key", key, "error", err)
	}
}

// ContentHash returns the fingerprint used to detect no-op regenerations.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
