// Package cache holds the in-process task view: a bounded, TTL-aware LRU of
// task snapshots with a memory-pressure watchdog.
package cache

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/josephgoksu/taskgraph/internal/events"
	"github.com/josephgoksu/taskgraph/models"
	"github.com/josephgoksu/taskgraph/types"
)

// entryOverhead approximates per-entry bookkeeping (list element, map slot, header).
const entryOverhead = 96

// Cache events reported to a Recorder.
const (
	EventHit           = "hit"
	EventMiss          = "miss"
	EventEviction      = "eviction"
	EventForcedCleanup = "forced_cleanup"
)

// Recorder receives cache counters.
type Recorder interface {
	RecordCache(ctx context.Context, event string, n int64)
}

// Options configures a Cache.
type Options struct {
	MaxEntries    int
	MaxBytes      int64
	TTL           time.Duration
	EvictFraction float64
	CheckInterval time.Duration
	HighWaterMark float64
	Cooldown      time.Duration
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg types.CacheConfig) Options {
	return Options{
		MaxEntries:    cfg.MaxEntries,
		MaxBytes:      cfg.MaxBytes,
		TTL:           cfg.TTL,
		EvictFraction: cfg.EvictFraction,
		CheckInterval: cfg.CheckInterval,
		HighWaterMark: cfg.HighWaterMark,
		Cooldown:      cfg.Cooldown,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 64 << 20
	}
	if o.EvictFraction <= 0 || o.EvictFraction > 1 {
		o.EvictFraction = 0.1
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = 0.9
	}
	return o
}

// Metrics is a point-in-time view of cache counters.
type Metrics struct {
	HitRate        float64 `json:"hitRate"`
	Entries        int     `json:"entries"`
	MemoryEstimate int64   `json:"memoryEstimate"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	ForcedCleanups uint64  `json:"forcedCleanups"`
}

type entry struct {
	data       []byte
	insertedAt time.Time
	lastAccess time.Time
	ttl        time.Duration
	size       int64
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) >= e.ttl
}

// Sampler reports current process memory in bytes.
type Sampler func() uint64

// HeapSampler samples the Go heap in use.
func HeapSampler() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// Cache is safe for concurrent use. Construct with New and release with Close.
type Cache struct {
	mu    sync.Mutex
	opts  Options
	lru   *simplelru.LRU[string, *entry]
	bytes int64

	hits, misses, evictions, forced uint64
	lastForced                      time.Time
	// gen counts writes and invalidations; a read-through load only writes
	// back when nothing changed while it ran.
	gen uint64

	now       func() time.Time
	sampler   Sampler
	logger    *slog.Logger
	publisher events.Publisher
	recorder  Recorder

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Option customizes a Cache at construction.
type Option func(*Cache)

// WithSampler replaces the process memory sampler.
func WithSampler(s Sampler) Option { return func(c *Cache) { c.sampler = s } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithPublisher sets where memory-pressure events go.
func WithPublisher(p events.Publisher) Option { return func(c *Cache) { c.publisher = p } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(c *Cache) { c.recorder = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New creates a cache and starts its watchdog when CheckInterval > 0.
func New(opts Options, options ...Option) *Cache {
	opts = opts.withDefaults()
	c := &Cache{
		opts:      opts,
		now:       time.Now,
		sampler:   HeapSampler,
		logger:    slog.New(slog.DiscardHandler),
		publisher: events.Nop{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range options {
		o(c)
	}
	c.logger = c.logger.With("component", "cache")

	// Capacity is one above the ceiling so overflow is handled by evict,
	// never silently by the list itself.
	l, err := simplelru.NewLRU[string, *entry](opts.MaxEntries+1, func(_ string, e *entry) {
		c.bytes -= e.size
	})
	if err != nil {
		panic(err) // only for non-positive size, excluded by withDefaults
	}
	c.lru = l

	if opts.CheckInterval > 0 {
		go c.watch(opts.CheckInterval)
	} else {
		close(c.done)
	}
	return c
}

func (c *Cache) record(event string, n int64) {
	if c.recorder != nil {
		c.recorder.RecordCache(context.Background(), event, n)
	}
}

// GetBytes returns the stored snapshot bytes for identity.
func (c *Cache) GetBytes(identity string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(identity)
	now := c.now()
	if ok && e.expired(now) {
		c.lru.Remove(identity)
		ok = false
	}
	if !ok {
		c.misses++
		c.record(EventMiss, 1)
		return nil, false
	}
	e.lastAccess = now
	c.hits++
	c.record(EventHit, 1)
	return e.data, true
}

// Get returns a private copy of the cached task.
func (c *Cache) Get(identity string) (models.Task, bool) {
	data, ok := c.GetBytes(identity)
	if !ok {
		return models.Task{}, false
	}
	t, err := models.UnmarshalSnapshot(data)
	if err != nil {
		c.Delete(identity)
		return models.Task{}, false
	}
	return t, true
}

// Set stores task with the default TTL.
func (c *Cache) Set(task models.Task) error {
	return c.SetWithTTL(task, c.opts.TTL)
}

// SetWithTTL stores task with its own TTL. Zero means no expiry.
func (c *Cache) SetWithTTL(task models.Task, ttl time.Duration) error {
	data, err := models.MarshalSnapshot(task)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(task.Identity(), data, ttl)
	return nil
}

// putLocked stores data under id and bumps the generation.
func (c *Cache) putLocked(id string, data []byte, ttl time.Duration) {
	c.gen++
	if old, ok := c.lru.Peek(id); ok {
		c.bytes -= old.size
	}
	now := c.now()
	e := &entry{
		data:       data,
		insertedAt: now,
		lastAccess: now,
		ttl:        ttl,
		size:       int64(len(data)+len(id)) + entryOverhead,
	}
	c.lru.Add(id, e)
	c.bytes += e.size
	c.evictLocked()
}

// evictLocked drops the least recently used max(ceil(fraction*n), overflow)
// entries once a ceiling is crossed, then keeps dropping while the byte
// estimate is still above its ceiling.
func (c *Cache) evictLocked() {
	n := c.lru.Len()
	if n <= c.opts.MaxEntries && c.bytes <= c.opts.MaxBytes {
		return
	}
	count := int(math.Ceil(c.opts.EvictFraction * float64(n)))
	if overflow := n - c.opts.MaxEntries; overflow > count {
		count = overflow
	}
	evicted := 0
	for i := 0; i < count; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	for c.bytes > c.opts.MaxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	c.evictions += uint64(evicted)
	c.record(EventEviction, int64(evicted))
	c.logger.Debug("evicted entries", "count", evicted, "entries", c.lru.Len(), "bytes", c.bytes)
}

// Delete removes identity.
func (c *Cache) Delete(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Remove(identity)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
	c.bytes = 0
}

// Len returns the number of entries, expired ones included until purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Metrics returns a snapshot of the cache counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Entries:        c.lru.Len(),
		MemoryEstimate: c.bytes,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		ForcedCleanups: c.forced,
	}
	if total := c.hits + c.misses; total > 0 {
		m.HitRate = float64(c.hits) / float64(total)
	}
	return m
}

// GetOrLoad returns the cached task or loads it. A successful load is written
// back only if no Set, Delete or Clear happened while it ran, so a slow read
// never replaces a snapshot stored by a newer commit.
func (c *Cache) GetOrLoad(ctx context.Context, identity string, load func(ctx context.Context, identity string) (models.Task, error)) (models.Task, error) {
	if t, ok := c.Get(identity); ok {
		return t, nil
	}
	c.mu.Lock()
	start := c.gen
	c.mu.Unlock()

	t, err := load(ctx, identity)
	if err != nil {
		return models.Task{}, err
	}
	data, err := models.MarshalSnapshot(t)
	if err != nil {
		c.logger.Warn("cache write-back failed", "identity", identity, "error", err)
		return t, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != start {
		c.logger.Debug("skipped stale write-back", "identity", identity)
		return t, nil
	}
	c.putLocked(t.Identity(), data, c.opts.TTL)
	return t, nil
}

// CheckMemoryPressure samples memory once and clears the cache when usage is
// above HighWaterMark*MaxBytes and the cooldown has passed. It reports
// whether a cleanup ran.
func (c *Cache) CheckMemoryPressure() bool {
	sample := c.sampler()
	threshold := uint64(c.opts.HighWaterMark * float64(c.opts.MaxBytes))
	if sample <= threshold {
		return false
	}

	c.mu.Lock()
	now := c.now()
	if !c.lastForced.IsZero() && now.Sub(c.lastForced) < c.opts.Cooldown {
		c.mu.Unlock()
		return false
	}
	cleared := c.lru.Len()
	c.gen++
	c.lru.Purge()
	c.bytes = 0
	c.forced++
	c.lastForced = now
	c.mu.Unlock()

	c.record(EventForcedCleanup, 1)
	c.logger.Warn("memory pressure: cache cleared",
		"sampled_bytes", sample, "threshold_bytes", threshold, "entries_cleared", cleared)
	c.publisher.Publish(events.TopicMemoryPressure, events.MemoryPressureEvent{
		SampledBytes:   sample,
		ThresholdBytes: threshold,
		EntriesCleared: cleared,
	})
	return true
}

func (c *Cache) watch(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.CheckMemoryPressure()
		}
	}
}

// Close stops the watchdog and waits for it to exit. Safe to call twice.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}
