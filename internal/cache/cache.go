// Package cache implements the Stream Cache (spec §4.6): a bounded,
// per-key time-ordered ring of recent records with TTL and a global memory
// cap. Grounded on the teacher's infrastructure/data cache janitor pattern
// (a background sweeper goroutine evicting expired entries on an interval),
// generalized from a single flat TTL map to per-key lists keyed
// exchange:symbol:type, as spec §4.6 requires.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/metrics"
	"github.com/meteo-x/marketfeed/internal/router"
)

// Key builds the canonical cache key from spec §4.5/§4.6.
func Key(exchange, symbol string, typ canonical.Type) string {
	return fmt.Sprintf("%s:%s:%s", exchange, symbol, typ)
}

// Config bounds the cache (spec §4.6).
type Config struct {
	MaxEntriesPerKey int
	TTL              time.Duration
	CleanupInterval  time.Duration
	MemoryCapBytes   int64
}

func (c *Config) applyDefaults() {
	if c.MaxEntriesPerKey <= 0 {
		c.MaxEntriesPerKey = 1000
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.MemoryCapBytes <= 0 {
		c.MemoryCapBytes = 100 * 1024 * 1024 // 100MB soft cap, spec §4.6
	}
}

type entry struct {
	record canonical.Record
}

// Metrics is the cache-wide counter set from spec §4.6.
type Metrics struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	MemoryEstimate int64
	LastCleanup   time.Time
}

// Cache is the Stream Cache.
type Cache struct {
	cfg   Config
	clock clock.Clock

	mu      sync.RWMutex
	entries map[string][]entry
	metrics Metrics
	reg     *metrics.Registry

	// overCapSweeps counts, per key, how many consecutive sweeps found the
	// key over 0.9*cap (spec §4.6 health rule).
	overCapSweeps map[string]int

	done chan struct{}
}

func New(cfg Config, clk clock.Clock) *Cache {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Cache{
		cfg:           cfg,
		clock:         clk,
		entries:       make(map[string][]entry),
		overCapSweeps: make(map[string]int),
		done:          make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// SetMetrics wires r into the Cache so hits, misses, evictions, and the
// memory estimate are reported to the Prometheus registry.
func (c *Cache) SetMetrics(r *metrics.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reg = r
}

// Close stops the background sweeper.
func (c *Cache) Close() { close(c.done) }

func (c *Cache) sweepLoop() {
	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// Put appends record to key's list, applying the size-cap eviction rule
// immediately (spec §4.6 rule 1); TTL eviction is lazy-on-read plus swept in
// the background (rules 2-3).
func (c *Cache) Put(key string, rec canonical.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := append(c.entries[key], entry{record: rec})
	if len(list) > c.cfg.MaxEntriesPerKey {
		drop := len(list) - c.cfg.MaxEntriesPerKey
		c.metrics.Evictions += int64(drop)
		if c.reg != nil {
			c.reg.CacheEvictions.Add(float64(drop))
		}
		list = list[drop:]
	}
	c.entries[key] = list
	c.recomputeMemoryLocked()
}

// GetOptions filters a Get call.
type GetOptions struct {
	Limit   int
	FromTs  int64
	ToTs    int64
	Sources map[string]bool // exchange allowlist, empty means all
}

// Get returns key's entries, newest-first, after lazily evicting expired
// ones.
func (c *Cache) Get(key string, opts GetOptions) []canonical.Record {
	c.mu.Lock()
	c.evictExpiredLocked(key)
	list := c.entries[key]
	c.mu.Unlock()

	out := make([]canonical.Record, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		rec := list[i].record
		if opts.FromTs > 0 && rec.EventTimestampMs < opts.FromTs {
			continue
		}
		if opts.ToTs > 0 && rec.EventTimestampMs > opts.ToTs {
			continue
		}
		if len(opts.Sources) > 0 && !opts.Sources[rec.Exchange] {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}

	c.mu.Lock()
	if len(out) > 0 {
		c.metrics.Hits++
		if c.reg != nil {
			c.reg.CacheHits.Inc()
		}
	} else {
		c.metrics.Misses++
		if c.reg != nil {
			c.reg.CacheMisses.Inc()
		}
	}
	c.mu.Unlock()
	return out
}

// Latest returns the newest record for key, if any.
func (c *Cache) Latest(key string) (canonical.Record, bool) {
	recs := c.Get(key, GetOptions{Limit: 1})
	if len(recs) == 0 {
		return canonical.Record{}, false
	}
	return recs[0], true
}

// Has reports whether key has any non-expired entries.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(key)
	return len(c.entries[key]) > 0
}

// Keys returns every key with at least one entry.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for k, v := range c.entries {
		if len(v) > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// KeyStats reports a single key's entry count and oldest/newest timestamps.
type KeyStats struct {
	Count      int
	OldestMs   int64
	NewestMs   int64
}

func (c *Cache) KeyStats(key string) KeyStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(key)
	list := c.entries[key]
	if len(list) == 0 {
		return KeyStats{}
	}
	return KeyStats{
		Count:    len(list),
		OldestMs: list[0].record.EventTimestampMs,
		NewestMs: list[len(list)-1].record.EventTimestampMs,
	}
}

// Delete removes a key entirely.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	delete(c.overCapSweeps, key)
	c.recomputeMemoryLocked()
}

// Clear removes every key.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]entry)
	c.overCapSweeps = make(map[string]int)
	c.recomputeMemoryLocked()
}

// evictExpiredLocked drops entries older than TTL, measured against each
// record's event_timestamp rather than insertion time (spec §8: "on any
// read ... no entry with event_timestamp < t-tau is returned" — an
// insertion-time TTL can return a freshly-inserted but stale-timestamped
// record within the same window).
func (c *Cache) evictExpiredLocked(key string) {
	list := c.entries[key]
	if len(list) == 0 {
		return
	}
	cutoff := c.clock.Now().Add(-c.cfg.TTL).UnixMilli()
	kept := make([]entry, 0, len(list))
	for _, e := range list {
		if e.record.EventTimestampMs >= cutoff {
			kept = append(kept, e)
		}
	}
	if evicted := len(list) - len(kept); evicted > 0 {
		c.metrics.Evictions += int64(evicted)
		if c.reg != nil {
			c.reg.CacheEvictions.Add(float64(evicted))
		}
		c.entries[key] = kept
	}
}

// sweep is the background TTL GC task (spec §5 "one sweeper task").
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		c.evictExpiredLocked(key)
		if len(c.entries[key]) >= int(float64(c.cfg.MaxEntriesPerKey)*0.9) {
			c.overCapSweeps[key]++
		} else {
			c.overCapSweeps[key] = 0
		}
	}
	c.recomputeMemoryLocked()
	c.metrics.LastCleanup = c.clock.Now()

	if c.metrics.MemoryEstimate > c.cfg.MemoryCapBytes {
		c.fullSweepLocked()
	}
}

// fullSweepLocked performs an aggressive TTL collection when the global
// memory cap is exceeded (spec §4.6 rule 3).
func (c *Cache) fullSweepLocked() {
	for key := range c.entries {
		c.evictExpiredLocked(key)
	}
	c.recomputeMemoryLocked()
}

func (c *Cache) recomputeMemoryLocked() {
	var total int64
	for key, list := range c.entries {
		total += int64(len(key))
		for range list {
			total += estimatedRecordSize
		}
	}
	c.metrics.MemoryEstimate = total
	if c.reg != nil {
		c.reg.CacheMemoryEstimate.Set(float64(total))
	}
}

// estimatedRecordSize is a best-effort per-record memory estimate (spec
// §4.6 "best-effort estimate"); exact sizing would require reflection over
// every payload variant for marginal accuracy.
const estimatedRecordSize = 256

// Metrics returns a snapshot of cache-wide counters.
func (c *Cache) Metrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Sink adapts Put into a router.SinkFunc for the Router's Cache channel
// (spec §4.5: "writes to the Stream Cache under key exchange:symbol:type").
func (c *Cache) Sink() router.SinkFunc {
	return func(rec canonical.Record) router.Result {
		c.Put(Key(rec.Exchange, rec.Symbol, rec.Type), rec)
		return router.Result{Success: true}
	}
}

// Healthy reports spec §4.6's health rule: under the soft memory cap, and
// no key has spent more than one sweep over 0.9x its per-key cap.
func (c *Cache) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.metrics.MemoryEstimate >= c.cfg.MemoryCapBytes {
		return false
	}
	for _, n := range c.overCapSweeps {
		if n > 1 {
			return false
		}
	}
	return true
}
