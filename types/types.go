package types

import "time"

// InvalidationMessage is a transient cache invalidation notice.
// On the wire only Key travels as the raw pub/sub payload; Channel is filled
// in by the receiver from the subscription it arrived on.
type InvalidationMessage struct {
	Channel string `json:"channel"`
	Key     string `json:"key"`
}

// TaskStatus is the lifecycle status of a task owned by the relational store.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

// Task is the collaborator's view of a task row.
type Task struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Overdue reports whether the task is still pending past its due date.
func (t Task) Overdue(now time.Time) bool {
	return t.Status == TaskPending && t.DueDate != nil && t.DueDate.Before(now)
}

// Identity is the authenticated principal supplied by the credential source.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}
