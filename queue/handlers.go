package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/types"
)

// ErrTaskNotFound is returned by a TaskRepository for an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository is the relational store the handlers read and mutate.
type TaskRepository interface {
	FindByID(ctx context.Context, id string) (*types.Task, error)
	UpdateStatus(ctx context.Context, id string, status types.TaskStatus) (*types.Task, error)
	// FindOverdue returns PENDING tasks due before now ordered by due date
	// and id, starting after the cursor when one is given. At most limit
	// tasks are returned unless limit <= 0.
	FindOverdue(ctx context.Context, now time.Time, after *OverdueCursor, limit int) ([]types.Task, error)
}

// OverdueCursor is the (due date, id) position of the last task of a page.
type OverdueCursor struct {
	DueDate time.Time
	ID      string
}

// CursorOf returns the position of t in an overdue listing.
func CursorOf(t types.Task) *OverdueCursor {
	c := &OverdueCursor{ID: t.ID}
	if t.DueDate != nil {
		c.DueDate = *t.DueDate
	}
	return c
}

// After reports whether t sorts after the cursor.
func (c *OverdueCursor) After(t types.Task) bool {
	if c == nil {
		return true
	}
	var due time.Time
	if t.DueDate != nil {
		due = *t.DueDate
	}
	if due.Equal(c.DueDate) {
		return t.ID > c.ID
	}
	return due.After(c.DueDate)
}

// Invalidator publishes a cache invalidation for a key.
type Invalidator interface {
	Invalidate(ctx context.Context, channel, key string) error
}

// TaskCacheKey is the cache key of a task.
func TaskCacheKey(id string) string {
	return "task:" + id
}

// StatusUpdateHandler applies a task status change. Re-running it for a task
// already in the target status changes nothing and publishes nothing.
func StatusUpdateHandler(repo TaskRepository, inv Invalidator, channel string, logger logging.Logger) Handler {
	logger = logging.OrNoOp(logger)
	return func(ctx context.Context, job *Job) error {
		p, err := DecodePayload[StatusUpdatePayload](job)
		if err != nil {
			return err
		}

		task, err := repo.FindByID(ctx, p.TaskID)
		if errors.Is(err, ErrTaskNotFound) {
			return resilience.Permanent(fmt.Errorf("status update %s: %w", p.TaskID, err))
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", p.TaskID, err)
		}
		if task.Status == p.Status {
			logger.Debug("task already in target status", "task_id", p.TaskID, "status", p.Status, "job_id", job.ID)
			return nil
		}

		if _, err := repo.UpdateStatus(ctx, p.TaskID, p.Status); err != nil {
			return fmt.Errorf("update task %s: %w", p.TaskID, err)
		}
		logger.Info("task status updated", "task_id", p.TaskID, "from", task.Status, "to", p.Status,
			"job_id", job.ID, "correlation_id", logging.CorrelationID(ctx))

		// A retry would see the new status and skip, so a failed publish is
		// not returned; the entry still expires on its TTL.
		if inv != nil {
			if err := inv.Invalidate(ctx, channel, TaskCacheKey(p.TaskID)); err != nil {
				logger.Warn("task cache invalidation failed", "task_id", p.TaskID, "error", err)
			}
		}
		return nil
	}
}

// OverdueNotificationHandler notifies owners of overdue tasks. A task that is
// no longer overdue when the job runs is skipped.
func OverdueNotificationHandler(repo TaskRepository, n Notifier, now func() time.Time, logger logging.Logger) Handler {
	logger = logging.OrNoOp(logger)
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, job *Job) error {
		p, err := DecodePayload[OverdueNotificationPayload](job)
		if err != nil {
			return err
		}

		at := now()
		if p.TaskID == "" {
			tasks, err := repo.FindOverdue(ctx, at, nil, 0)
			if err != nil {
				return fmt.Errorf("find overdue tasks: %w", err)
			}
			for _, t := range tasks {
				if err := n.NotifyOverdue(ctx, t); err != nil {
					return fmt.Errorf("notify task %s: %w", t.ID, err)
				}
			}
			logger.Info("overdue tasks notified", "count", len(tasks), "job_id", job.ID)
			return nil
		}

		task, err := repo.FindByID(ctx, p.TaskID)
		if errors.Is(err, ErrTaskNotFound) {
			logger.Info("overdue task no longer exists", "task_id", p.TaskID, "job_id", job.ID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load task %s: %w", p.TaskID, err)
		}
		if !task.Overdue(at) {
			logger.Debug("task no longer overdue", "task_id", p.TaskID, "status", task.Status)
			return nil
		}
		return n.NotifyOverdue(ctx, *task)
	}
}
