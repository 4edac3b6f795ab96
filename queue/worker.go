package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/resilience"
)

// Handler processes one job. Returning an error wrapping ErrMalformedJob, or
// one marked with resilience.Permanent, dead-letters the job immediately;
// any other error is retried.
type Handler func(ctx context.Context, job *Job) error

// Job outcomes reported to WorkerOptions.OnJobDone.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeLeaseLost    = "lease_lost"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Concurrency is the number of jobs processed in parallel.
	Concurrency int

	// LeaseDuration is how long a job stays owned by this worker.
	LeaseDuration time.Duration

	// JobTimeout bounds one handler call. It must be shorter than
	// LeaseDuration so the ack lands before the lease expires.
	JobTimeout time.Duration

	// PollInterval is the idle wait when the queue is empty or degraded.
	PollInterval time.Duration

	Logger logging.Logger

	// OnJobDone is called after every processed job.
	OnJobDone func(kind, outcome string, took time.Duration)
}

// DefaultWorkerOptions returns the default worker configuration.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:   4,
		LeaseDuration: 30 * time.Second,
		JobTimeout:    20 * time.Second,
		PollInterval:  500 * time.Millisecond,
	}
}

// Validate validates the options.
func (o *WorkerOptions) Validate() error {
	if o.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidOptions)
	}
	if o.LeaseDuration <= 0 || o.JobTimeout <= 0 || o.JobTimeout >= o.LeaseDuration {
		return fmt.Errorf("%w: job timeout must be positive and shorter than the lease", ErrInvalidOptions)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidOptions)
	}
	return nil
}

// Worker leases jobs from a queue and dispatches them by kind.
type Worker struct {
	queue  *RedisQueue
	opts   WorkerOptions
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker for q.
func NewWorker(q *RedisQueue, opts WorkerOptions) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: queue is required", ErrInvalidOptions)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Worker{
		queue:    q,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		handlers: make(map[string]Handler),
	}, nil
}

// Register binds a handler to a job kind, replacing any previous one.
func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	w.handlers[kind] = h
	w.mu.Unlock()
}

func (w *Worker) handler(kind string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[kind]
	return h, ok
}

// Run processes jobs until ctx is cancelled. It returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queue", w.queue.Name(), "concurrency", w.opts.Concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("worker stopped", "queue", w.queue.Name())
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("job processing failed", "queue", w.queue.Name(), "error", err,
				"degraded", resilience.IsDegraded(err))
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// ProcessOne leases and processes a single job. processed is false when the
// queue was empty.
func (w *Worker) ProcessOne(ctx context.Context) (processed bool, err error) {
	job, token, err := w.queue.Lease(ctx, w.opts.LeaseDuration)
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	start := time.Now()
	outcome, err := w.process(ctx, job, token)
	if w.opts.OnJobDone != nil {
		w.opts.OnJobDone(job.Kind, outcome, time.Since(start))
	}
	return true, err
}

func (w *Worker) process(ctx context.Context, job *Job, token LeaseToken) (string, error) {
	ctx = logging.WithCorrelationID(ctx, job.CorrelationID)
	logger := w.logger

	// An expired lease can hand the job out once more than its budget allows.
	if job.Attempts > job.MaxAttempts {
		reason := fmt.Sprintf("attempts exhausted (%d/%d) after lease expiry", job.Attempts, job.MaxAttempts)
		return w.deadLetter(ctx, job, token, reason)
	}

	h, ok := w.handler(job.Kind)
	if !ok {
		logger.Error("unknown job kind", "queue", w.queue.Name(), "job_id", job.ID, "kind", job.Kind)
		return w.deadLetter(ctx, job, token, fmt.Sprintf("%v: %q", ErrUnknownJobKind, job.Kind))
	}

	herr := w.run(ctx, h, job)
	switch {
	case herr == nil:
		if err := w.queue.Complete(ctx, job, token); err != nil {
			return w.ackFailure(job, err)
		}
		logger.Debug("job completed", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		return OutcomeCompleted, nil

	case errors.Is(herr, ErrMalformedJob) || resilience.IsPermanent(herr):
		logger.Error("job rejected", "queue", w.queue.Name(), "job_id", job.ID, "kind", job.Kind, "error", herr)
		return w.deadLetter(ctx, job, token, herr.Error())

	default:
		dead, err := w.queue.Fail(ctx, job, token, herr)
		if err != nil {
			return w.ackFailure(job, err)
		}
		if dead {
			return OutcomeDeadLettered, nil
		}
		logger.Warn("job failed, will retry", "job_id", job.ID, "kind", job.Kind,
			"attempts", job.Attempts, "max_attempts", job.MaxAttempts, "error", herr)
		return OutcomeRetried, nil
	}
}

// run calls h with the job timeout and turns a panic into an error.
func (w *Worker) run(ctx context.Context, h Handler, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", "job_id", job.ID, "kind", job.Kind,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) deadLetter(ctx context.Context, job *Job, token LeaseToken, reason string) (string, error) {
	if err := w.queue.DeadLetter(ctx, job, token, reason); err != nil {
		return w.ackFailure(job, err)
	}
	return OutcomeDeadLettered, nil
}

// ackFailure handles a failed ack. A lost lease means another worker owns
// the job now; anything else leaves the job to be re-leased after expiry.
func (w *Worker) ackFailure(job *Job, err error) (string, error) {
	if errors.Is(err, ErrLeaseLost) {
		w.logger.Warn("job lease lost before ack", "job_id", job.ID, "kind", job.Kind)
		return OutcomeLeaseLost, nil
	}
	return OutcomeLeaseLost, fmt.Errorf("ack job %s: %w", job.ID, err)
}
