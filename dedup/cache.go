// Package dedup coalesces identical action executions. Executions are keyed
// by a content hash of the action identity; the first caller becomes the
// leader and proceeds, concurrent callers become followers and wait for the
// leader's result, and recently completed results are served from cache.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/calderalabs/actionexec/core"
)

// Status is the lifecycle state of a dedup entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome tells the caller what Check found.
type Outcome int

const (
	// Proceed means nothing usable is cached; the caller is the leader and
	// must call MarkStarted before any side effect.
	Proceed Outcome = iota
	// DuplicatePending means an identical execution is in flight.
	DuplicatePending
	// DuplicateCompleted means a recent successful result is cached.
	DuplicateCompleted
)

// Entry is the stored state for one key.
type Entry struct {
	Status      Status          `json:"status"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// CheckResult is the outcome of a Check call.
type CheckResult struct {
	Key       string
	Outcome   Outcome
	StartedAt time.Time
	Result    json.RawMessage
}

// Stats counts cache activity since startup.
type Stats struct {
	Hits      int64 `json:"hits"`
	Coalesced int64 `json:"coalesced"`
	Evictions int64 `json:"evictions"`
	Misses    int64 `json:"misses"`
}

// CacheConfig configures the dedup cache.
type CacheConfig struct {
	// Store holds entries. Nil means an in-process store.
	Store core.Memory

	// CompletedTTL is how long successful results are served from cache.
	CompletedTTL time.Duration

	// FailedTTL is how long a failure blocks re-execution.
	FailedTTL time.Duration

	// WaitTimeout bounds a follower's wait for the leader's result.
	WaitTimeout time.Duration

	// GCInterval is how often stale pending entries are swept.
	GCInterval time.Duration

	// PendingMaxAge is the age past which a pending entry is considered
	// abandoned and removed.
	PendingMaxAge time.Duration

	Clock  core.Clock
	Logger core.Logger
}

func (c *CacheConfig) withDefaults() *CacheConfig {
	out := *c
	if out.Store == nil {
		out.Store = core.NewMemoryStore()
	}
	if out.CompletedTTL <= 0 {
		out.CompletedTTL = 5 * time.Minute
	}
	if out.FailedTTL <= 0 {
		out.FailedTTL = 30 * time.Second
	}
	if out.WaitTimeout <= 0 {
		out.WaitTimeout = 5 * time.Minute
	}
	if out.GCInterval <= 0 {
		out.GCInterval = 60 * time.Second
	}
	if out.PendingMaxAge <= 0 {
		out.PendingMaxAge = 10 * time.Minute
	}
	if out.Clock == nil {
		out.Clock = core.SystemClock{}
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	return &out
}

// Cache is the process-wide dedup registry. Safe for concurrent use.
type Cache struct {
	cfg *CacheConfig

	mu      sync.Mutex
	pending map[string]time.Time
	waiters map[string][]chan struct{}
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCache creates a cache and starts its GC sweep.
func NewCache(cfg *CacheConfig) *Cache {
	if cfg == nil {
		cfg = &CacheConfig{}
	}
	c := &Cache{
		cfg:     cfg.withDefaults(),
		pending: make(map[string]time.Time),
		waiters: make(map[string][]chan struct{}),
		stop:    make(chan struct{}),
	}
	go c.gcLoop()
	return c
}

// Stop terminates the GC sweep. The cache remains usable.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Check looks up the key and classifies it. A cached failure is cleared so
// the caller proceeds with a fresh execution.
func (c *Cache) Check(ctx context.Context, key string) (*CheckResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		c.stats.Misses++
		return &CheckResult{Key: key, Outcome: Proceed}, nil
	}

	switch entry.Status {
	case StatusPending:
		return &CheckResult{Key: key, Outcome: DuplicatePending, StartedAt: entry.StartedAt}, nil
	case StatusCompleted:
		c.stats.Hits++
		return &CheckResult{Key: key, Outcome: DuplicateCompleted,
			StartedAt: entry.StartedAt, Result: entry.Result}, nil
	default:
		// A recorded failure does not block re-execution.
		if err := c.cfg.Store.Delete(ctx, key); err != nil {
			return nil, err
		}
		c.stats.Misses++
		return &CheckResult{Key: key, Outcome: Proceed}, nil
	}
}

// MarkStarted claims the key for this caller. It returns false when another
// execution claimed the key between Check and MarkStarted, in which case the
// caller must treat the result as duplicate_pending.
func (c *Cache) MarkStarted(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.load(ctx, key)
	if err != nil {
		return false, err
	}
	if entry != nil && entry.Status != StatusFailed {
		return false, nil
	}

	now := c.cfg.Clock.Now()
	// Pending entries are reaped by the GC sweep at PendingMaxAge; the store
	// TTL is a backstop at twice that age.
	if err := c.store(ctx, key, &Entry{Status: StatusPending, StartedAt: now},
		2*c.cfg.PendingMaxAge); err != nil {
		return false, err
	}
	c.pending[key] = now
	return true, nil
}

// MarkCompleted records the leader's successful result and wakes followers.
func (c *Cache) MarkCompleted(ctx context.Context, key string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	startedAt := c.pending[key]
	if startedAt.IsZero() {
		startedAt = now
	}
	entry := &Entry{
		Status:      StatusCompleted,
		StartedAt:   startedAt,
		CompletedAt: &now,
		Result:      json.RawMessage(result),
	}
	if err := c.store(ctx, key, entry, c.cfg.CompletedTTL); err != nil {
		return err
	}
	delete(c.pending, key)
	c.notify(key)
	return nil
}

// MarkFailed records a failure and wakes followers.
func (c *Cache) MarkFailed(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	startedAt := c.pending[key]
	if startedAt.IsZero() {
		startedAt = now
	}
	entry := &Entry{Status: StatusFailed, StartedAt: startedAt, CompletedAt: &now}
	if err := c.store(ctx, key, entry, c.cfg.FailedTTL); err != nil {
		return err
	}
	delete(c.pending, key)
	c.notify(key)
	return nil
}

// WaitForResult blocks a follower until the leader finishes or the wait times
// out. A successful result is returned as stored; failure and timeout both
// return nil so the caller may fall back to a fresh execution.
func (c *Cache) WaitForResult(ctx context.Context, key string) (json.RawMessage, error) {
	c.mu.Lock()
	signal := make(chan struct{}, 1)
	c.waiters[key] = append(c.waiters[key], signal)
	c.stats.Coalesced++
	c.mu.Unlock()

	defer c.removeWaiter(key, signal)

	deadline := time.NewTimer(c.cfg.WaitTimeout)
	defer deadline.Stop()
	// Polling backs up the signal channel in case the leader lives in another
	// process sharing the store.
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		result, done, err := c.resolveWait(ctx, key)
		if err != nil {
			return nil, err
		}
		if done {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			c.cfg.Logger.Warn("Timed out waiting for duplicate execution", map[string]interface{}{
				"operation": "dedup_wait",
				"key":       key,
				"timeout":   c.cfg.WaitTimeout.String(),
			})
			return nil, nil
		case <-signal:
		case <-poll.C:
		}
	}
}

// resolveWait checks whether the leader finished. done=true with a nil result
// means the leader failed.
func (c *Cache) resolveWait(ctx context.Context, key string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.load(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		// Entry vanished (GC or failed-TTL expiry): treat as failure.
		return nil, true, nil
	}
	switch entry.Status {
	case StatusCompleted:
		return entry.Result, true, nil
	case StatusFailed:
		return nil, true, nil
	default:
		return nil, false, nil
	}
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// gcLoop sweeps abandoned pending entries.
func (c *Cache) gcLoop() {
	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	for key, startedAt := range c.pending {
		if now.Sub(startedAt) < c.cfg.PendingMaxAge {
			continue
		}
		if err := c.cfg.Store.Delete(ctx, key); err != nil {
			c.cfg.Logger.Error("Failed to evict stale pending entry", map[string]interface{}{
				"operation": "dedup_gc",
				"key":       key,
				"error":     err.Error(),
			})
			continue
		}
		delete(c.pending, key)
		c.stats.Evictions++
		c.notify(key)
		c.cfg.Logger.Warn("Evicted stale pending execution", map[string]interface{}{
			"operation": "dedup_gc",
			"key":       key,
			"age":       now.Sub(startedAt).String(),
		})
	}
}

// load reads and decodes the entry for key. Called with mu held.
func (c *Cache) load(ctx context.Context, key string) (*Entry, error) {
	raw, err := c.cfg.Store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dedup store read failed: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("corrupt dedup entry for %s: %w", key, err)
	}
	return &entry, nil
}

// store encodes and writes the entry. Called with mu held.
func (c *Cache) store(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cannot encode dedup entry: %w", err)
	}
	if err := c.cfg.Store.Set(ctx, key, string(encoded), ttl); err != nil {
		return fmt.Errorf("dedup store write failed: %w", err)
	}
	return nil
}

// notify wakes all waiters for key. Called with mu held.
func (c *Cache) notify(key string) {
	for _, ch := range c.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(c.waiters, key)
}

func (c *Cache) removeWaiter(key string, signal chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[key]
	for i, ch := range chans {
		if ch == signal {
			c.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}
