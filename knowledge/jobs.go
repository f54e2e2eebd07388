package knowledge

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job tracker statuses. pending -> running -> {ready, error}; a run that fails
// before any chunk work may jump straight to error.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobReady   = "ready"
	JobError   = "error"
)

const (
	jobStatusTTL     = 72 * time.Hour
	trackerOpTimeout = 500 * time.Millisecond
)

// statusCache is the key-value surface the tracker needs. Backed by Redis in
// production; tests inject an in-memory fake.
type statusCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type redisStatusCache struct {
	client *redis.Client
}

func (c *redisStatusCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *redisStatusCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisStatusCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// DurableStatusFunc resolves the document's authoritative lifecycle status
// when the cache entry is missing or expired.
type DurableStatusFunc func(ctx context.Context, docID string) (string, error)

// JobTracker records ingestion progress per document in a TTL cache. Entries
// expire after three days; the relational document row stays authoritative, so
// cache failures degrade to the durable fallback instead of failing requests.
type JobTracker struct {
	cache   statusCache
	durable DurableStatusFunc
}

// NewJobTracker builds a tracker over an arbitrary cache, mainly for tests.
func NewJobTracker(cache statusCache, durable DurableStatusFunc) *JobTracker {
	return &JobTracker{cache: cache, durable: durable}
}

// NewRedisJobTracker builds the production tracker. A nil client disables the
// cache layer entirely; status then always comes from the durable fallback.
func NewRedisJobTracker(client *redis.Client, durable DurableStatusFunc) *JobTracker {
	tracker := &JobTracker{durable: durable}
	if client != nil {
		tracker.cache = &redisStatusCache{client: client}
	}
	return tracker
}

func jobStatusKey(docID string) string {
	return "job:" + docID
}

func jobProgressKey(docID string) string {
	return "job:" + docID + ":progress"
}

func (t *JobTracker) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), trackerOpTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= trackerOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, trackerOpTimeout)
}

// SetStatus records the tracker status. A new pending entry resets progress.
// Cache failures are logged and swallowed; the durable row is the source of
// truth.
func (t *JobTracker) SetStatus(ctx context.Context, docID, status string) {
	if t == nil || t.cache == nil {
		return
	}

	cacheCtx, cancel := t.cacheContext(ctx)
	defer cancel()

	if err := t.cache.SetWithTTL(cacheCtx, jobStatusKey(docID), status, jobStatusTTL); err != nil {
		log.Printf("knowledge: set job status for %s failed: %v", docID, err)
		return
	}
	if status == JobPending {
		t.SetProgress(ctx, docID, 0)
	}
}

// GetStatus returns the tracker status, falling back to the durable document
// status when the cache entry is absent or unusable. Durable statuses map as
// ready->ready, error->error, ingesting->running, anything else->pending.
func (t *JobTracker) GetStatus(ctx context.Context, docID string) (string, error) {
	if t != nil && t.cache != nil {
		cacheCtx, cancel := t.cacheContext(ctx)
		value, found, err := t.cache.Get(cacheCtx, jobStatusKey(docID))
		cancel()
		if err != nil {
			log.Printf("knowledge: get job status for %s failed: %v", docID, err)
		} else if found {
			return normalizeJobStatus(value), nil
		}
	}

	if t == nil || t.durable == nil {
		return JobPending, nil
	}
	durable, err := t.durable(ctx, docID)
	if err != nil {
		return "", err
	}
	return jobStatusFromDurable(durable), nil
}

// SetProgress records the monotonically increasing chunk counter for a run.
func (t *JobTracker) SetProgress(ctx context.Context, docID string, n int) {
	if t == nil || t.cache == nil {
		return
	}

	cacheCtx, cancel := t.cacheContext(ctx)
	defer cancel()

	if err := t.cache.SetWithTTL(cacheCtx, jobProgressKey(docID), strconv.Itoa(n), jobStatusTTL); err != nil {
		log.Printf("knowledge: set job progress for %s failed: %v", docID, err)
	}
}

// GetProgress returns the recorded counter, defaulting to 0 when absent.
func (t *JobTracker) GetProgress(ctx context.Context, docID string) int {
	if t == nil || t.cache == nil {
		return 0
	}

	cacheCtx, cancel := t.cacheContext(ctx)
	defer cancel()

	value, found, err := t.cache.Get(cacheCtx, jobProgressKey(docID))
	if err != nil {
		log.Printf("knowledge: get job progress for %s failed: %v", docID, err)
		return 0
	}
	if !found {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// normalizeJobStatus folds tracker-specific variants onto the four public
// tokens.
func normalizeJobStatus(status string) string {
	switch status {
	case JobPending, JobRunning, JobReady, JobError:
		return status
	case "done":
		return JobReady
	case StatusIngesting:
		return JobRunning
	default:
		return JobPending
	}
}

func jobStatusFromDurable(status string) string {
	switch status {
	case StatusReady:
		return JobReady
	case StatusError:
		return JobError
	case StatusIngesting:
		return JobRunning
	default:
		return JobPending
	}
}
