package refresh

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/stdkeep/internal/storage"
)

// TaskStore is the subset of storage the queue needs.
type TaskStore interface {
	EnqueueTask(t storage.RefreshTask, now time.Time) error
	ClaimNextTask(now time.Time) (*storage.RefreshTask, error)
	CompleteTask(id string, now time.Time) error
	RetryTask(id, errMsg string, runAfter, now time.Time) error
	FailTask(id, errMsg string, now time.Time) error
	QueueDepth() (int, error)
}

// Status is a snapshot of queue state for monitoring.
type Status struct {
	Depth     int   `json:"depth"`
	Active    int   `json:"active"`
	Attempts  int64 `json:"attempts"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Queue drains refresh tasks with a fixed number of workers. Worker count is
// the system-wide bound on concurrent regenerations: however many keys go
// stale at once, at most N regenerations hit the research service in
// parallel. Tasks are claimed FIFO by due time, so no key starves.
type Queue struct {
	store   TaskStore
	coord   *Coordinator
	workers int
	poll    time.Duration
	now     func() time.Time
	logger  *slog.Logger

	active    atomic.Int64
	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
}

// NewQueue creates a Queue. workers defaults to 3 and pollInterval to 250ms.
func NewQueue(store TaskStore, coord *Coordinator, workers int, pollInterval time.Duration) *Queue {
	if workers <= 0 {
		workers = 3
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Queue{
		store:   store,
		coord:   coord,
		workers: workers,
		poll:    pollInterval,
		now:     coord.opts.Now,
		logger:  slog.Default(),
	}
}

// Enqueue adds a refresh task for key. The caller must have won
// Coordinator.TryBegin first; the in-flight flag is what keeps the queue from
// ever holding two tasks for the same key.
func (q *Queue) Enqueue(key string) (string, error) {
	task := storage.RefreshTask{
		ID:          uuid.New().String(),
		StandardKey: key,
		MaxAttempts: q.coord.MaxAttempts(),
	}
	if err := q.store.EnqueueTask(task, q.now()); err != nil {
		return "", err
	}
	return task.ID, nil
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// workers have drained. In-flight attempts finish; their effects commit
// atomically or not at all.
func (q *Queue) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			q.workerLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := q.RunOnce(ctx)
		if err != nil {
			q.logger.Error("queue iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(q.poll):
		}
	}
}

// RunOnce claims and processes a single refresh task.
// Returns true if a task was processed (regardless of outcome).
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	task, err := q.store.ClaimNextTask(q.now())
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	q.active.Add(1)
	defer q.active.Add(-1)
	q.attempts.Add(1)

	attemptErr := q.coord.RunAttempt(ctx, task.StandardKey)
	if attemptErr == nil {
		q.successes.Add(1)
		if err := q.store.CompleteTask(task.ID, q.now()); err != nil {
			return true, err
		}
		return true, nil
	}

	attemptsDone := task.Attempts + 1
	if attemptsDone >= task.MaxAttempts {
		// Budget exhausted: the standard keeps its last-known-good content
		// and its elevated failure counter.
		q.failures.Add(1)
		q.coord.Abandon(task.StandardKey)
		q.logger.Warn("refresh task failed terminally",
			"key", task.StandardKey, "attempts", attemptsDone, "error", attemptErr)
		if err := q.store.FailTask(task.ID, attemptErr.Error(), q.now()); err != nil {
			return true, err
		}
		return true, nil
	}

	runAfter := q.now().Add(q.coord.BackoffDelay(attemptsDone))
	q.logger.Warn("refresh attempt failed, retrying",
		"key", task.StandardKey, "attempt", attemptsDone, "retry_at", runAfter, "error", attemptErr)
	if err := q.store.RetryTask(task.ID, attemptErr.Error(), runAfter, q.now()); err != nil {
		return true, err
	}
	return true, nil
}

// Status reports queue depth, active workers, and rolling counters.
func (q *Queue) Status() Status {
	depth, err := q.store.QueueDepth()
	if err != nil {
		q.logger.Warn("reading queue depth failed", "error", err)
	}
	return Status{
		Depth:     depth,
		Active:    int(q.active.Load()),
		Attempts:  q.attempts.Load(),
		Successes: q.successes.Load(),
		Failures:  q.failures.Load(),
	}
}
