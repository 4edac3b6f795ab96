// Package queue is a durable Redis-backed job queue with lease/ack semantics
// and a worker that dispatches jobs by kind.
//
// Delivery is at-least-once: a job whose lease expires is handed to another
// worker, so handlers must be idempotent. A job that keeps failing ends up in
// the dead-letter set and is never dropped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/resilience"
)

// QueueOptions configures a RedisQueue.
type QueueOptions struct {
	// Name scopes every key of the queue. Keys share a hash tag so the Lua
	// scripts stay on one cluster slot.
	Name string

	// MaxAttempts is the attempt budget of a job before it is dead-lettered.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration

	// BackoffMax caps a single retry delay.
	BackoffMax time.Duration

	// CompletedRetention is how long completed jobs stay readable.
	CompletedRetention time.Duration

	// AsyncTimeout bounds an EnqueueAsync call.
	AsyncTimeout time.Duration

	Logger logging.Logger
	Now    func() time.Time
}

// DefaultQueueOptions returns the default queue configuration.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Name:               "task-processing",
		MaxAttempts:        3,
		BackoffBase:        time.Second,
		BackoffMax:         time.Minute,
		CompletedRetention: time.Hour,
		AsyncTimeout:       5 * time.Second,
	}
}

// Validate validates the options.
func (o *QueueOptions) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidOptions)
	}
	if o.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidOptions)
	}
	if o.BackoffBase <= 0 || o.BackoffMax < o.BackoffBase {
		return fmt.Errorf("%w: invalid backoff bounds", ErrInvalidOptions)
	}
	if o.CompletedRetention <= 0 || o.AsyncTimeout <= 0 {
		return fmt.Errorf("%w: retention and async timeout must be positive", ErrInvalidOptions)
	}
	return nil
}

// ErrInvalidOptions is returned for an invalid queue or worker configuration.
var ErrInvalidOptions = errors.New("invalid queue options")

// Counts is a snapshot of the queue's state sizes.
type Counts struct {
	Waiting      int64 `json:"waiting"`
	Active       int64 `json:"active"`
	Delayed      int64 `json:"delayed"`
	DeadLettered int64 `json:"deadLettered"`
	Completed    int64 `json:"completed"`
}

// RedisQueue stores jobs in Redis.
type RedisQueue struct {
	client redis.UniversalClient
	policy *resilience.Policy
	opts   QueueOptions
	logger logging.Logger
	now    func() time.Time

	waitingKey   string
	delayedKey   string
	activeKey    string
	deadKey      string
	completedKey string
	jobPrefix    string

	async sync.WaitGroup
}

// NewRedisQueue creates a queue. Every Redis call goes through policy.
func NewRedisQueue(client redis.UniversalClient, policy *resilience.Policy, opts QueueOptions) (*RedisQueue, error) {
	if client == nil || policy == nil {
		return nil, fmt.Errorf("%w: client and policy are required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base := "queue:{" + opts.Name + "}"
	return &RedisQueue{
		client:       client,
		policy:       policy,
		opts:         opts,
		logger:       logging.OrNoOp(opts.Logger),
		now:          now,
		waitingKey:   base + ":waiting",
		delayedKey:   base + ":delayed",
		activeKey:    base + ":active",
		deadKey:      base + ":dead",
		completedKey: base + ":completed",
		jobPrefix:    base + ":job:",
	}, nil
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.opts.Name
}

// Enqueue stores a new job and returns its id. The payload is JSON encoded.
func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("%w: empty kind", ErrMalformedJob)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedJob, err)
	}

	id := uuid.NewString()
	keys := []string{q.waitingKey, q.jobPrefix + id}
	now := q.now().UnixMilli()
	corr := logging.CorrelationID(ctx)

	err = q.policy.Execute(ctx, "queue.enqueue", func(ctx context.Context) error {
		return enqueueScript.Run(ctx, q.client, keys, id, kind, string(data), q.opts.MaxAttempts, now, corr).Err()
	})
	if err != nil {
		return "", err
	}

	q.logger.Debug("job enqueued", "queue", q.opts.Name, "job_id", id, "kind", kind, "correlation_id", corr)
	return id, nil
}

// EnqueueAsync enqueues in the background and logs failures. The caller's
// correlation id is kept but its cancellation is not.
func (q *RedisQueue) EnqueueAsync(ctx context.Context, kind string, payload any) {
	q.async.Add(1)
	go func() {
		defer q.async.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.AsyncTimeout)
		defer cancel()
		if _, err := q.Enqueue(ctx, kind, payload); err != nil {
			q.logger.Error("async enqueue failed", "queue", q.opts.Name, "kind", kind, "error", err,
				"correlation_id", logging.CorrelationID(ctx))
		}
	}()
}

// Wait blocks until every EnqueueAsync call has finished.
func (q *RedisQueue) Wait() {
	q.async.Wait()
}

// Lease hands out one ready job for leaseFor. It returns ErrNoJob when the
// queue is empty.
func (q *RedisQueue) Lease(ctx context.Context, leaseFor time.Duration) (*Job, LeaseToken, error) {
	if leaseFor <= 0 {
		return nil, "", fmt.Errorf("%w: lease duration must be positive", ErrInvalidOptions)
	}

	token := LeaseToken(uuid.NewString())
	keys := []string{q.waitingKey, q.delayedKey, q.activeKey}
	now := q.now().UnixMilli()

	fields, err := resilience.Do(ctx, q.policy, "queue.lease", func(ctx context.Context) ([]string, error) {
		res, err := leaseScript.Run(ctx, q.client, keys, now, leaseFor.Milliseconds(), string(token), q.jobPrefix).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return res, err
	})
	if err != nil {
		return nil, "", err
	}
	if len(fields) == 0 {
		return nil, "", ErrNoJob
	}

	job, err := jobFromHash(pairsToMap(fields))
	if err != nil {
		return nil, "", fmt.Errorf("decode leased job: %w", err)
	}
	return job, token, nil
}

// Complete acknowledges a job. It returns ErrLeaseLost when the lease is no
// longer held by token.
func (q *RedisQueue) Complete(ctx context.Context, job *Job, token LeaseToken) error {
	keys := []string{q.activeKey, q.jobPrefix + job.ID, q.completedKey}
	now := q.now().UnixMilli()

	ok, err := q.runAck(ctx, "queue.complete", completeScript, keys,
		job.ID, string(token), now, q.opts.CompletedRetention.Milliseconds())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("complete %s: %w", job.ID, ErrLeaseLost)
	}
	job.State = StateCompleted
	return nil
}

// Fail records a failed attempt. The job is scheduled for a retry with
// exponential backoff, or dead-lettered once its attempt budget is spent.
// dead reports which one happened.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, token LeaseToken, cause error) (dead bool, err error) {
	if job.Attempts >= job.MaxAttempts {
		reason := fmt.Sprintf("attempts exhausted (%d/%d): %v", job.Attempts, job.MaxAttempts, cause)
		return true, q.DeadLetter(ctx, job, token, reason)
	}

	now := q.now()
	runAt := now.Add(q.Backoff(job.Attempts))
	keys := []string{q.activeKey, q.delayedKey, q.jobPrefix + job.ID}

	ok, err := q.runAck(ctx, "queue.fail", retryScript, keys,
		job.ID, string(token), now.UnixMilli(), runAt.UnixMilli(), errorText(cause))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("fail %s: %w", job.ID, ErrLeaseLost)
	}
	job.State = StateFailed
	job.LastError = errorText(cause)
	return false, nil
}

// DeadLetter moves a leased job to the dead-letter set for inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, job *Job, token LeaseToken, reason string) error {
	keys := []string{q.activeKey, q.deadKey, q.jobPrefix + job.ID}
	now := q.now().UnixMilli()

	ok, err := q.runAck(ctx, "queue.dead_letter", deadLetterScript, keys,
		job.ID, string(token), now, reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dead-letter %s: %w", job.ID, ErrLeaseLost)
	}

	job.State = StateDeadLettered
	job.LastError = reason
	q.logger.Warn("job dead-lettered", "queue", q.opts.Name, "job_id", job.ID, "kind", job.Kind,
		"attempts", job.Attempts, "reason", reason, "correlation_id", job.CorrelationID)
	return nil
}

// Backoff returns the retry delay after the given number of attempts.
func (q *RedisQueue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(q.opts.BackoffBase) * math.Pow(2, float64(attempts-1))
	if d > float64(q.opts.BackoffMax) {
		return q.opts.BackoffMax
	}
	return time.Duration(d)
}

// Get returns a job by id.
func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	h, err := resilience.Do(ctx, q.policy, "queue.get", func(ctx context.Context) (map[string]string, error) {
		return q.client.HGetAll(ctx, q.jobPrefix+id).Result()
	})
	if err != nil {
		return nil, err
	}
	return jobFromHash(h)
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	hashes, err := resilience.Do(ctx, q.policy, "queue.dead_letters", func(ctx context.Context) ([]map[string]string, error) {
		ids, err := q.client.ZRevRange(ctx, q.deadKey, 0, int64(limit-1)).Result()
		if err != nil || len(ids) == 0 {
			return nil, err
		}

		pipe := q.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.jobPrefix+id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}

		out := make([]map[string]string, 0, len(cmds))
		for _, cmd := range cmds {
			out = append(out, cmd.Val())
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(hashes))
	for _, h := range hashes {
		job, err := jobFromHash(h)
		if err != nil {
			q.logger.Warn("skipping unreadable dead-lettered job", "queue", q.opts.Name, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Replay moves a dead-lettered job back to waiting with a fresh attempt
// budget.
func (q *RedisQueue) Replay(ctx context.Context, id string) error {
	keys := []string{q.deadKey, q.waitingKey, q.jobPrefix + id}
	now := q.now().UnixMilli()

	ok, err := q.runAck(ctx, "queue.replay", replayScript, keys, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("replay %s: %w", id, ErrJobNotFound)
	}
	q.logger.Info("job replayed", "queue", q.opts.Name, "job_id", id)
	return nil
}

// Counts returns the size of every state.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	return resilience.Do(ctx, q.policy, "queue.counts", func(ctx context.Context) (Counts, error) {
		pipe := q.client.Pipeline()
		waiting := pipe.LLen(ctx, q.waitingKey)
		active := pipe.ZCard(ctx, q.activeKey)
		delayed := pipe.ZCard(ctx, q.delayedKey)
		dead := pipe.ZCard(ctx, q.deadKey)
		completed := pipe.Get(ctx, q.completedKey)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return Counts{}, err
		}

		c := Counts{
			Waiting:      waiting.Val(),
			Active:       active.Val(),
			Delayed:      delayed.Val(),
			DeadLettered: dead.Val(),
		}
		if v := completed.Val(); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Counts{}, fmt.Errorf("completed counter: %w", err)
			}
			c.Completed = n
		}
		return c, nil
	})
}

func (q *RedisQueue) runAck(ctx context.Context, op string, script *redis.Script, keys []string, args ...any) (bool, error) {
	n, err := resilience.Do(ctx, q.policy, op, func(ctx context.Context) (int64, error) {
		return script.Run(ctx, q.client, keys, args...).Int64()
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
