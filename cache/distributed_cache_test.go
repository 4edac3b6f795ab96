package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/storage"
	cachesync "github.com/huykn/taskcore/sync"
	"github.com/huykn/taskcore/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	cache  *DistributedCache
	mr     *miniredis.Miniredis
	policy *resilience.Policy
	clock  *testClock
}

func newTestPolicy(t *testing.T) *resilience.Policy {
	t.Helper()
	breaker, err := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig())
	require.NoError(t, err)
	policy, err := resilience.NewPolicy(resilience.PolicyConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, breaker, nil)
	require.NoError(t, err)
	return policy
}

func newTestCache(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	bus := cachesync.NewBus(client, nil)
	t.Cleanup(func() { _ = bus.Close() })

	clock := &testClock{now: time.Now()}
	opts := DefaultOptions()
	opts.Now = clock.Now
	if configure != nil {
		configure(&opts)
	}

	policy := newTestPolicy(t)
	c, err := New(storage.NewRedisStore(client), bus, policy, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &testEnv{cache: c, mr: mr, policy: policy, clock: clock}
}

func sampleTask() types.Task {
	due := time.Date(2024, 3, 18, 12, 0, 0, 0, time.UTC)
	return types.Task{
		ID:        "42",
		UserID:    "7",
		Title:     "Write report",
		Status:    types.TaskPending,
		DueDate:   &due,
		UpdatedAt: due.Add(-time.Hour),
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "task:42", sampleTask(), time.Minute))

	var got types.Task
	found, err := env.cache.Get(ctx, "task:42", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, sampleTask(), got)

	raw, err := env.mr.Get("task:42")
	require.NoError(t, err)
	assert.Contains(t, raw, `"title":"Write report"`, "values are stored as JSON text")
}

func TestGetAs(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "counts", map[string]int{"PENDING": 3}, time.Minute))

	got, found, err := GetAs[map[string]int](ctx, env.cache, "counts")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got["PENDING"])

	missing, found, err := GetAs[types.Task](ctx, env.cache, "task:none")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, missing)
}

func TestEntryExpires(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "short", "v", 2*time.Second))
	env.mr.FastForward(2 * time.Second)

	var v string
	found, err := env.cache.Get(ctx, "short", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetUsesDefaultTTL(t *testing.T) {
	env := newTestCache(t, nil)

	require.NoError(t, env.cache.Set(context.Background(), "k", 1, 0))
	assert.Equal(t, 300*time.Second, env.mr.TTL("k"))
}

func TestMissDoesNotTripBreaker(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	var v string
	for i := 0; i < 10; i++ {
		found, err := env.cache.Get(ctx, "absent", &v)
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, resilience.StateClosed, env.policy.Breaker().State())
	assert.Equal(t, int64(10), env.cache.Stats().RemoteMisses)
}

func TestCorruptedEntry(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, env.mr.Set("task:42", "{not json"))

	var got types.Task
	found, err := env.cache.Get(ctx, "task:42", &got)
	assert.False(t, found)
	assert.ErrorIs(t, err, ErrCorruptedEntry)
	assert.False(t, resilience.IsDegraded(err))
	assert.Equal(t, int64(1), env.cache.Stats().CorruptedEntries)
}

func TestGetOrLoadReplacesCorruptedEntry(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, env.mr.Set("task:42", "{not json"))

	var got types.Task
	err := env.cache.GetOrLoad(ctx, "task:42", time.Minute, &got, func(ctx context.Context) (any, error) {
		return sampleTask(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Write report", got.Title)

	var again types.Task
	found, err := env.cache.Get(ctx, "task:42", &again)
	require.NoError(t, err)
	assert.True(t, found, "corrupted entry was overwritten")
}

func TestGetOrLoadCachesResult(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return sampleTask(), nil
	}

	for i := 0; i < 3; i++ {
		var got types.Task
		require.NoError(t, env.cache.GetOrLoad(ctx, "task:42", time.Minute, &got, loader))
		assert.Equal(t, "42", got.ID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), env.cache.Stats().Loads)
}

func TestGetOrLoadConcurrentCallers(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return sampleTask(), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]types.Task, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.cache.GetOrLoad(ctx, "task:42", time.Minute, &results[i], loader)
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "42", results[i].ID)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(n))
}

func TestGetOrLoadPropagatesLoaderError(t *testing.T) {
	env := newTestCache(t, nil)
	errLoad := errors.New("task not found")

	var got types.Task
	err := env.cache.GetOrLoad(context.Background(), "task:1", time.Minute, &got, func(ctx context.Context) (any, error) {
		return nil, errLoad
	})
	assert.ErrorIs(t, err, errLoad)
	assert.False(t, env.mr.Exists("task:1"))
}

func TestOutageIsAnErrorNotAMiss(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()
	env.mr.Close()

	var v string
	found, err := env.cache.Get(ctx, "task:42", &v)
	assert.False(t, found)
	require.Error(t, err)
	assert.True(t, resilience.IsDegraded(err))
	assert.ErrorIs(t, err, resilience.ErrDependencyUnavailable)
	assert.Equal(t, resilience.StateOpen, env.policy.Breaker().State())

	err = env.cache.Set(ctx, "task:42", "v", time.Minute)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestDelete(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "task:42", sampleTask(), time.Minute))
	require.NoError(t, env.cache.Delete(ctx, "task:42"))
	require.NoError(t, env.cache.Delete(ctx, "task:42"), "deleting a missing key is fine")
	assert.False(t, env.mr.Exists("task:42"))
}

func TestSetIfAbsent(t *testing.T) {
	env := newTestCache(t, nil)
	ctx := context.Background()

	ok, err := env.cache.SetIfAbsent(ctx, "task:overdue-notified:1", true, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.cache.SetIfAbsent(ctx, "task:overdue-notified:1", true, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, time.Hour, env.mr.TTL("task:overdue-notified:1"))
}

func TestPublishAndSubscribeInvalidation(t *testing.T) {
	env := newTestCache(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys := make(chan string, 4)
	sub, err := env.cache.SubscribeInvalidation(ctx, "tasks", func(key string) { keys <- key })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, env.cache.Set(ctx, "task:42", sampleTask(), time.Minute))
	require.NoError(t, env.cache.Invalidate(ctx, "tasks", "task:42"))

	select {
	case key := <-keys:
		assert.Equal(t, "task:42", key)
	case <-time.After(time.Second):
		t.Fatal("invalidation not delivered")
	}
	assert.False(t, env.mr.Exists("task:42"))
	assert.Equal(t, int64(1), env.cache.Stats().Invalidations)
}

func TestSubscribeWithoutSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c, err := New(storage.NewRedisStore(client), nil, newTestPolicy(t), DefaultOptions())
	require.NoError(t, err)

	_, err = c.SubscribeInvalidation(context.Background(), "tasks", func(string) {})
	assert.ErrorIs(t, err, ErrNoSubscriber)
}

func TestNearCache(t *testing.T) {
	env := newTestCache(t, func(o *Options) {
		o.LocalCacheKind = LocalCacheLRU
		o.LocalCacheConfig.MaxTTL = 10 * time.Second
	})
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "task:42", sampleTask(), time.Minute))
	// the write's own announcement comes back on the channel
	require.Eventually(t, func() bool {
		return env.cache.Stats().Invalidations == 1
	}, time.Second, 5*time.Millisecond)

	var got types.Task
	found, err := env.cache.Get(ctx, "task:42", &got)
	require.NoError(t, err)
	require.True(t, found)

	// served locally even though Redis no longer has it
	env.mr.Del("task:42")
	found, err = env.cache.Get(ctx, "task:42", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), env.cache.Stats().LocalHits)

	env.clock.Advance(10 * time.Second)
	found, err = env.cache.Get(ctx, "task:42", &got)
	require.NoError(t, err)
	assert.False(t, found, "local entry honours its expiry")
}

func TestNearCacheDroppedOnInvalidation(t *testing.T) {
	env := newTestCache(t, func(o *Options) {
		o.LocalCacheKind = LocalCacheLFU
	})
	ctx := context.Background()

	require.NoError(t, env.cache.Set(ctx, "task:42", sampleTask(), time.Minute))
	var got types.Task
	_, err := env.cache.Get(ctx, "task:42", &got)
	require.NoError(t, err)

	// another instance rewrites the value and announces it
	require.NoError(t, env.mr.Set("task:42", `{"id":"42","title":"Updated"}`))
	require.NoError(t, env.cache.PublishInvalidation(ctx, DefaultOptions().InvalidationChannel, "task:42"))

	require.Eventually(t, func() bool {
		var v types.Task
		found, err := env.cache.Get(ctx, "task:42", &v)
		return err == nil && found && v.Title == "Updated"
	}, time.Second, 10*time.Millisecond)
}

func newNearCachePeer(t *testing.T, mr *miniredis.Miniredis, configure func(*Options)) *DistributedCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	bus := cachesync.NewBus(client, nil)
	t.Cleanup(func() { _ = bus.Close() })

	opts := DefaultOptions()
	opts.LocalCacheKind = LocalCacheLRU
	if configure != nil {
		configure(&opts)
	}
	c, err := New(storage.NewRedisStore(client), bus, newTestPolicy(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNearCacheWritesReachOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newNearCachePeer(t, mr, nil)
	b := newNearCachePeer(t, mr, nil)
	ctx := context.Background()

	old := sampleTask()
	old.Title = "old"
	require.NoError(t, a.Set(ctx, "task:42", old, time.Minute))

	var got types.Task
	found, err := b.Get(ctx, "task:42", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", got.Title)

	updated := sampleTask()
	updated.Title = "new"
	require.NoError(t, a.Set(ctx, "task:42", updated, time.Minute))
	require.Eventually(t, func() bool {
		var v types.Task
		found, err := b.Get(ctx, "task:42", &v)
		return err == nil && found && v.Title == "new"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Delete(ctx, "task:42"))
	require.Eventually(t, func() bool {
		found, err := b.Get(ctx, "task:42", new(types.Task))
		return err == nil && !found
	}, time.Second, 10*time.Millisecond)
}

func TestNearCacheAnnounceFailureReported(t *testing.T) {
	mr := miniredis.RunT(t)
	var reported atomic.Int32
	c := newNearCachePeer(t, mr, func(o *Options) {
		o.OnError = func(error) { reported.Add(1) }
	})
	ctx := context.Background()

	// the write lands but the publish is refused
	c.store = publishFailingStore{Store: c.store}

	require.NoError(t, c.Set(ctx, "task:1", sampleTask(), time.Minute))
	assert.Equal(t, int32(1), reported.Load())
	assert.True(t, mr.Exists("task:1"))
}

type publishFailingStore struct {
	Store
}

func (publishFailingStore) Publish(ctx context.Context, channel, payload string) error {
	return errors.New("publish refused")
}

func TestClosedCache(t *testing.T) {
	env := newTestCache(t, nil)
	require.NoError(t, env.cache.Close())
	require.NoError(t, env.cache.Close())

	ctx := context.Background()
	assert.ErrorIs(t, env.cache.Set(ctx, "k", 1, time.Minute), ErrCacheClosed)
	_, err := env.cache.Get(ctx, "k", new(int))
	assert.ErrorIs(t, err, ErrCacheClosed)
	assert.ErrorIs(t, env.cache.PublishInvalidation(ctx, "tasks", "k"), ErrCacheClosed)
}

func TestEmptyKey(t *testing.T) {
	env := newTestCache(t, nil)
	assert.ErrorIs(t, env.cache.Set(context.Background(), "", 1, time.Minute), ErrInvalidKey)
}
