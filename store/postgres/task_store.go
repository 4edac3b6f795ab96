// Package postgres reads and updates tasks in PostgreSQL for the queue
// handlers and the overdue sweep.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/types"
)

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var taskColumns = []string{"id", "user_id", "title", "status", "due_date", "updated_at"}

// TaskStore implements queue.TaskRepository over the tasks table.
type TaskStore struct {
	exec    DBTX
	builder squirrel.StatementBuilderType
}

var _ queue.TaskRepository = (*TaskStore)(nil)

// NewTaskStore creates a store over exec.
func NewTaskStore(exec DBTX) *TaskStore {
	return &TaskStore{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// NewPool opens a connection pool and pings it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// WithTx returns a store executing within tx.
func (s *TaskStore) WithTx(tx pgx.Tx) *TaskStore {
	if tx == nil {
		return s
	}
	return &TaskStore{exec: tx, builder: s.builder}
}

// FindByID returns a task or queue.ErrTaskNotFound.
func (s *TaskStore) FindByID(ctx context.Context, id string) (*types.Task, error) {
	stmt, args, err := s.builder.Select(taskColumns...).
		From("tasks").
		Where(squirrel.Eq{"id": id}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select task sql: %w", err)
	}

	task, err := scanTask(s.exec.QueryRow(ctx, stmt, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// UpdateStatus sets the status and returns the updated task.
func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status types.TaskStatus) (*types.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("update task %s: invalid status %q", id, status)
	}

	stmt, args, err := s.builder.Update("tasks").
		Set("status", string(status)).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING id, user_id, title, status, due_date, updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build update task sql: %w", err)
	}

	task, err := scanTask(s.exec.QueryRow(ctx, stmt, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	return task, nil
}

// FindOverdue returns PENDING tasks due before now, oldest due date first,
// paging by (due_date, id).
func (s *TaskStore) FindOverdue(ctx context.Context, now time.Time, after *queue.OverdueCursor, limit int) ([]types.Task, error) {
	q := s.builder.Select(taskColumns...).
		From("tasks").
		Where(squirrel.Eq{"status": string(types.TaskPending)}).
		Where(squirrel.Lt{"due_date": now})
	if after != nil {
		q = q.Where(squirrel.Expr("(due_date, id) > (?, ?)", after.DueDate, after.ID))
	}
	q = q.OrderBy("due_date ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select overdue tasks sql: %w", err)
	}

	rows, err := s.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("select overdue tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (*types.Task, error) {
	var (
		task    types.Task
		status  string
		dueDate sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.UserID, &task.Title, &status, &dueDate, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Status = types.TaskStatus(status)
	if dueDate.Valid {
		d := dueDate.Time
		task.DueDate = &d
	}
	return &task, nil
}
