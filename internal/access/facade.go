// Package access is the caller-facing entry point for reading standards.
// It wires the staleness check, refresh trigger, and access bookkeeping into
// one operation, and guarantees that reads never fail because of the refresh
// machinery: callers get the best currently available content.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/stdkeep/internal/refresh"
	"github.com/kalambet/stdkeep/internal/storage"
)

// Modes for handling a stale standard on the read path.
const (
	ModeBlocking   = "blocking"
	ModeBackground = "background"
)

// ErrAlreadyInFlight is returned by TriggerRefresh when a refresh for the key
// is already queued or executing.
var ErrAlreadyInFlight = errors.New("refresh already in flight")

// ErrRefreshFailed wraps a blocking-mode refresh failure for a standard with
// no usable prior content.
var ErrRefreshFailed = errors.New("refresh failed")

// StandardReader is the subset of storage the facade reads from.
type StandardReader interface {
	GetStandard(key string) (storage.Standard, error)
}

// GetOptions tweaks a single read.
type GetOptions struct {
	// ForceRefresh triggers a regeneration even if the standard is fresh.
	ForceRefresh bool
	// SkipAutoRefresh serves the stored state without any staleness handling.
	SkipAutoRefresh bool
}

// Facade exposes standards to callers. The stale-handling strategy is chosen
// once from configuration, not branched per read.
type Facade struct {
	store    StandardReader
	coord    *refresh.Coordinator
	strategy refreshStrategy
	logger   *slog.Logger
}

// New creates a Facade. mode is ModeBlocking or ModeBackground; anything else
// falls back to ModeBackground.
func New(store StandardReader, coord *refresh.Coordinator, queue *refresh.Queue, mode string) *Facade {
	var strategy refreshStrategy
	if mode == ModeBlocking {
		strategy = &blockingStrategy{coord: coord}
	} else {
		strategy = &backgroundStrategy{coord: coord, queue: queue}
	}
	return &Facade{
		store:    store,
		coord:    coord,
		strategy: strategy,
		logger:   slog.Default(),
	}
}

// Get returns the standard for key, refreshing it first (blocking mode) or
// behind the read (background mode) when it is stale or the caller forces it.
//
// The only error paths are an unknown key and, in blocking mode, a refresh
// that exhausts its retry budget for a standard that has no prior content.
func (f *Facade) Get(ctx context.Context, key string, opts GetOptions) (storage.Standard, error) {
	std, err := f.store.GetStandard(key)
	if err != nil {
		return storage.Standard{}, err
	}

	if !opts.SkipAutoRefresh && (opts.ForceRefresh || f.coord.IsStale(std)) {
		if err := f.strategy.onStale(ctx, key, opts.ForceRefresh); err != nil {
			if std.Content == "" {
				// First-ever creation failed and there is nothing to fall
				// back to.
				return storage.Standard{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
			}
			f.logger.Warn("refresh failed, serving last-known-good content", "key", key, "error", err)
		}
	}

	// Re-read so a completed blocking refresh is what the caller sees.
	std, err = f.store.GetStandard(key)
	if err != nil {
		return storage.Standard{}, err
	}
	f.coord.RecordAccess(key)
	return std, nil
}

// TriggerRefresh manually enqueues a regeneration for key, bypassing the
// staleness check and the per-key auto-update setting. Returns the task ID.
func (f *Facade) TriggerRefresh(key string) (string, error) {
	result, err := f.coord.TryBegin(key, true)
	if err != nil {
		return "", err
	}
	switch result {
	case refresh.Started:
		taskID, err := f.strategy.enqueue(key)
		if err != nil {
			f.coord.Abandon(key)
			return "", fmt.Errorf("enqueueing refresh for %s: %w", key, err)
		}
		return taskID, nil
	default:
		return "", ErrAlreadyInFlight
	}
}

// refreshStrategy decides what the read path does when a standard is stale.
type refreshStrategy interface {
	onStale(ctx context.Context, key string, force bool) error
	enqueue(key string) (string, error)
}

// blockingStrategy runs the regeneration inline and makes the caller wait for
// it; callers who lose the in-flight race wait, bounded, for the winner.
type blockingStrategy struct {
	coord *refresh.Coordinator
}

func (s *blockingStrategy) onStale(ctx context.Context, key string, force bool) error {
	result, err := s.coord.TryBegin(key, force)
	if err != nil {
		return err
	}
	switch result {
	case refresh.Started:
		return s.coord.RefreshBlocking(ctx, key)
	case refresh.AlreadyInFlight:
		s.coord.AwaitRefresh(ctx, key)
	}
	return nil
}

func (s *blockingStrategy) enqueue(key string) (string, error) {
	// Manual triggers run inline in blocking deployments too, but off the
	// caller's request: fire the refresh in the background of this process.
	go func() {
		if err := s.coord.RefreshBlocking(context.Background(), key); err != nil {
			slog.Default().Warn("triggered refresh failed", "key", key, "error", err)
		}
	}()
	return key, nil
}

// backgroundStrategy enqueues and returns immediately; the caller gets the
// last-known-good content while workers regenerate behind the scenes.
type backgroundStrategy struct {
	coord *refresh.Coordinator
	queue *refresh.Queue
}

func (s *backgroundStrategy) onStale(ctx context.Context, key string, force bool) error {
	result, err := s.coord.TryBegin(key, force)
	if err != nil {
		return err
	}
	if result != refresh.Started {
		return nil
	}
	if _, err := s.queue.Enqueue(key); err != nil {
		s.coord.Abandon(key)
		return fmt.Errorf("enqueueing refresh for %s: %w", key, err)
	}
	return nil
}

func (s *backgroundStrategy) enqueue(key string) (string, error) {
	return s.queue.Enqueue(key)
}
