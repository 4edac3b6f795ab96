package queue

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/types"
)

// OverdueMarkerPrefix prefixes the per-task "already notified" marker.
const OverdueMarkerPrefix = "task:overdue-notified:"

// Marker claims and releases dedupe markers in the shared store.
type Marker interface {
	SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Enqueuer adds a job to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (string, error)
}

// SweeperOptions configures an OverdueSweeper.
type SweeperOptions struct {
	// Interval between sweeps in Run.
	Interval time.Duration

	// BatchSize is the page size used to list overdue tasks. A sweep pages
	// through all of them.
	BatchSize int

	// MarkerTTL is how long a notified task is skipped by later sweeps.
	MarkerTTL time.Duration

	// EnqueueRate and EnqueueBurst pace the enqueues of one sweep.
	EnqueueRate  rate.Limit
	EnqueueBurst int

	Logger logging.Logger
	Now    func() time.Time
}

// DefaultSweeperOptions returns the default sweeper configuration.
func DefaultSweeperOptions() SweeperOptions {
	return SweeperOptions{
		Interval:     time.Hour,
		BatchSize:    500,
		MarkerTTL:    24 * time.Hour,
		EnqueueRate:  50,
		EnqueueBurst: 10,
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Found    int
	Enqueued int
	Skipped  int
}

// OverdueSweeper enqueues one notification job per overdue task. A task is
// claimed through its marker first, so overlapping or repeated sweeps never
// notify the same task twice within the marker TTL.
type OverdueSweeper struct {
	repo     TaskRepository
	marker   Marker
	enqueuer Enqueuer
	opts     SweeperOptions
	logger   logging.Logger
	now      func() time.Time
	limiter  *rate.Limiter
}

// NewOverdueSweeper creates a sweeper.
func NewOverdueSweeper(repo TaskRepository, marker Marker, enqueuer Enqueuer, opts SweeperOptions) (*OverdueSweeper, error) {
	if repo == nil || marker == nil || enqueuer == nil {
		return nil, fmt.Errorf("%w: repository, marker and enqueuer are required", ErrInvalidOptions)
	}
	if opts.Interval <= 0 || opts.BatchSize <= 0 || opts.MarkerTTL <= 0 || opts.EnqueueRate <= 0 || opts.EnqueueBurst <= 0 {
		return nil, fmt.Errorf("%w: sweeper options must be positive", ErrInvalidOptions)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &OverdueSweeper{
		repo:     repo,
		marker:   marker,
		enqueuer: enqueuer,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		now:      now,
		limiter:  rate.NewLimiter(opts.EnqueueRate, opts.EnqueueBurst),
	}, nil
}

// Sweep runs one pass. On error the partial result is returned with it.
func (s *OverdueSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	at := s.now()

	var after *OverdueCursor
	for {
		tasks, err := s.repo.FindOverdue(ctx, at, after, s.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("find overdue tasks: %w", err)
		}
		res.Found += len(tasks)

		for _, task := range tasks {
			if err := s.notify(ctx, task, at, &res); err != nil {
				return res, err
			}
		}

		if len(tasks) < s.opts.BatchSize {
			break
		}
		next := CursorOf(tasks[len(tasks)-1])
		if after != nil && !after.After(tasks[len(tasks)-1]) {
			break
		}
		after = next
	}

	s.logger.Info("overdue sweep finished", "found", res.Found, "enqueued", res.Enqueued, "skipped", res.Skipped)
	return res, nil
}

func (s *OverdueSweeper) notify(ctx context.Context, task types.Task, at time.Time, res *SweepResult) error {
	if !task.Overdue(at) {
		res.Skipped++
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	key := OverdueMarkerPrefix + task.ID
	claimed, err := s.marker.SetIfAbsent(ctx, key, at.Unix(), s.opts.MarkerTTL)
	if err != nil {
		return fmt.Errorf("claim overdue marker %s: %w", task.ID, err)
	}
	if !claimed {
		res.Skipped++
		return nil
	}

	payload := OverdueNotificationPayload{Criteria: CriteriaOverdue, TaskID: task.ID}
	if _, err := s.enqueuer.Enqueue(ctx, KindOverdueNotification, payload); err != nil {
		// release the claim so the next sweep retries this task
		if derr := s.marker.Delete(ctx, key); derr != nil {
			s.logger.Warn("release overdue marker failed", "task_id", task.ID, "error", derr)
		}
		return fmt.Errorf("enqueue overdue notification %s: %w", task.ID, err)
	}
	res.Enqueued++
	return nil
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *OverdueSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("overdue sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
