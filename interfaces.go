package taskcore

import (
	"github.com/huykn/taskcore/cache"
	"github.com/huykn/taskcore/logging"
	"github.com/huykn/taskcore/queue"
	"github.com/huykn/taskcore/ratelimit"
	"github.com/huykn/taskcore/types"
)

// Logger is an alias for logging.Logger.
type Logger = logging.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// LocalCache is an alias for cache.LocalCache.
type LocalCache = cache.LocalCache

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// LocalCacheFactory is an alias for cache.LocalCacheFactory.
type LocalCacheFactory = cache.LocalCacheFactory

// Stats is an alias for cache.Stats.
type Stats = cache.Stats

// Rule is an alias for ratelimit.Rule.
type Rule = ratelimit.Rule

// Decision is an alias for ratelimit.Decision.
type Decision = ratelimit.Decision

// Job is an alias for queue.Job.
type Job = queue.Job

// TaskRepository is an alias for queue.TaskRepository.
type TaskRepository = queue.TaskRepository

// Task is an alias for types.Task.
type Task = types.Task

// TaskStatus is an alias for types.TaskStatus.
type TaskStatus = types.TaskStatus

// DefaultLocalCacheConfig returns the default near-cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
