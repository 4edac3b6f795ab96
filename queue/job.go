package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/huykn/taskcore/types"
)

// Job kinds. The set is closed: anything else is dead-lettered at dequeue.
const (
	KindStatusUpdate        = "task-status-update"
	KindOverdueNotification = "overdue-tasks-notification"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting      State = "waiting"
	StateActive       State = "active"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead-lettered"
)

// Job is a unit of background work.
type Job struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	State         State           `json:"state"`
	LastError     string          `json:"lastError,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// LeaseToken proves ownership of an active job.
type LeaseToken string

// StatusUpdatePayload moves a task to a new status.
type StatusUpdatePayload struct {
	TaskID string           `json:"taskId" validate:"required"`
	Status types.TaskStatus `json:"status" validate:"required,task_status"`
}

// OverdueNotificationPayload asks for overdue task owners to be notified.
// Without a TaskID the handler scans for every task matching Criteria.
type OverdueNotificationPayload struct {
	Criteria string `json:"criteria" validate:"required,oneof=overdue"`
	TaskID   string `json:"taskId,omitempty"`
}

// CriteriaOverdue is the only notification criteria the sweep produces.
const CriteriaOverdue = "overdue"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("task_status", func(fl validator.FieldLevel) bool {
		return types.TaskStatus(fl.Field().String()).Valid()
	})
	return v
}

// DecodePayload decodes and validates the job payload. Any failure wraps
// ErrMalformedJob.
func DecodePayload[T any](job *Job) (T, error) {
	var p T
	if len(job.Payload) == 0 {
		return p, fmt.Errorf("%w: %s has no payload", ErrMalformedJob, job.ID)
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %w", ErrMalformedJob, job.ID, err)
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %s: %w", ErrMalformedJob, job.ID, err)
	}
	return p, nil
}

func jobFromHash(h map[string]string) (*Job, error) {
	if len(h) == 0 || h["id"] == "" {
		return nil, ErrJobNotFound
	}
	j := &Job{
		ID:            h["id"],
		Kind:          h["kind"],
		Payload:       json.RawMessage(h["payload"]),
		State:         State(h["state"]),
		LastError:     h["last_error"],
		CorrelationID: h["correlation_id"],
	}

	var err error
	if j.Attempts, err = atoi(h["attempts"]); err != nil {
		return nil, err
	}
	if j.MaxAttempts, err = atoi(h["max_attempts"]); err != nil {
		return nil, err
	}
	created, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", j.ID, err)
	}
	j.CreatedAt = time.UnixMilli(created)
	if v := h["updated_at"]; v != "" {
		updated, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("job %s updated_at: %w", j.ID, err)
		}
		j.UpdatedAt = time.UnixMilli(updated)
	}
	return j, nil
}

func pairsToMap(kv []string) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// ErrNoJob is returned by Lease when nothing is ready.
var ErrNoJob = errors.New("no job ready")

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("job not found")

// ErrLeaseLost is returned when a lease expired and the job moved on.
var ErrLeaseLost = errors.New("job lease lost")

// ErrUnknownJobKind marks a job no handler is registered for.
var ErrUnknownJobKind = errors.New("unknown job kind")

// ErrMalformedJob marks a job whose payload cannot be decoded or validated.
var ErrMalformedJob = errors.New("malformed job")
