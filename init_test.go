package taskcore

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/taskcore/metrics"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
	"github.com/huykn/taskcore/types"
)

type memoryRepo struct {
	mu    sync.Mutex
	tasks map[string]types.Task
}

func (r *memoryRepo) FindByID(ctx context.Context, id string) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	return &t, nil
}

func (r *memoryRepo) UpdateStatus(ctx context.Context, id string, status types.TaskStatus) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[id]
	t.Status = status
	r.tasks[id] = t
	return &t, nil
}

func (r *memoryRepo) FindOverdue(ctx context.Context, now time.Time, after *queue.OverdueCursor, limit int) ([]types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Task
	for _, t := range r.tasks {
		if t.Overdue(now) && after.After(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return queue.CursorOf(out[i]).After(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestCore(t *testing.T, configure func(*Config)) (*Core, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.RedisClient = client
	cfg.Policy.BaseDelay = time.Millisecond
	if configure != nil {
		configure(&cfg)
	}

	core, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core, mr
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 300*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, "cache:invalidate", cfg.TasksChannel)
	assert.Equal(t, 3, cfg.Policy.MaxAttempts)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "task-processing", cfg.Queue.Name)
	assert.Equal(t, "ratelimit", cfg.RateLimit.KeyPrefix)
}

func TestNewBuildsEveryComponent(t *testing.T) {
	core, _ := newTestCore(t, nil)
	ctx := context.Background()

	require.NoError(t, core.Ping(ctx))

	require.NoError(t, core.Cache.Set(ctx, "user:1", types.Identity{ID: "1", Email: "a@example.com"}, time.Minute))
	var id types.Identity
	found, err := core.Cache.Get(ctx, "user:1", &id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a@example.com", id.Email)

	d, err := core.Limiter.Consume(ctx, "203.0.113.7", ratelimit.DefaultRule())
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	revoked, err := core.Revoker.IsRevoked(ctx, "some.jwt.token")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestNewFailsWhenRedisIsUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 50 * time.Millisecond

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := DefaultConfig()
	cfg.RedisClient = client
	cfg.Policy.MaxAttempts = 0

	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStatusUpdateFlowPublishesInvalidation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(metrics.Options{Registerer: reg})
	require.NoError(t, err)

	core, _ := newTestCore(t, func(c *Config) {
		c.Metrics = m
		c.TasksChannel = "tasks:invalidate"
	})
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := core.Cache.SubscribeInvalidation(ctx, "tasks:invalidate", func(key string) { received <- key })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	repo := &memoryRepo{tasks: map[string]types.Task{"t1": {ID: "t1", Status: types.TaskPending}}}
	w, err := core.NewWorker(repo, nil, queue.DefaultWorkerOptions())
	require.NoError(t, err)

	_, err = core.Queue.Enqueue(ctx, queue.KindStatusUpdate, queue.StatusUpdatePayload{TaskID: "t1", Status: types.TaskCompleted})
	require.NoError(t, err)
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	select {
	case key := <-received:
		assert.Equal(t, "task:t1", key)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation received")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues(queue.KindStatusUpdate, queue.OutcomeCompleted)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BreakerState), "breaker state is published from start")
}

func TestSweeperUsesCacheMarkers(t *testing.T) {
	core, mr := newTestCore(t, nil)
	past := time.Now().Add(-time.Hour)
	repo := &memoryRepo{tasks: map[string]types.Task{"t1": {ID: "t1", Status: types.TaskPending, DueDate: &past}}}

	s, err := core.NewSweeper(repo, queue.DefaultSweeperOptions())
	require.NoError(t, err)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.True(t, mr.Exists(queue.OverdueMarkerPrefix+"t1"))
	assert.Equal(t, 24*time.Hour, mr.TTL(queue.OverdueMarkerPrefix+"t1"))

	res, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
}

func TestIsDegraded(t *testing.T) {
	core, mr := newTestCore(t, nil)
	mr.Close()

	err := core.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsDegraded(err))
}
