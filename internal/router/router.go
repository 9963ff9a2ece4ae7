// Package router implements the Dataflow Router (spec §4.5): a registry of
// named channels, each with a bounded queue, a backpressure policy, and a
// sink callback invoked through a circuit breaker. Grounded on the fan-out
// shape implicit in the teacher's VenueAdapter → multiple consumer channels
// pattern (infrastructure/datafacade/factory.go wires one adapter's streams
// to several downstream users), generalized into an explicit registry with
// per-channel policy instead of ad hoc channel fan-out.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/metrics"
)

// Policy is a channel's backpressure policy when its queue is full.
type Policy string

const (
	PolicyDropOldest   Policy = "drop_oldest"
	PolicyDropNewest   Policy = "drop_newest"
	PolicyBlockBounded Policy = "block_bounded"
	PolicyFailFast     Policy = "fail_fast"
)

// Result is a sink callback's outcome.
type Result struct {
	Success bool
	Err     error
}

// SinkFunc is a channel's delivery callback.
type SinkFunc func(record canonical.Record) Result

// ChannelConfig configures one named channel.
type ChannelConfig struct {
	Name         string
	Capacity     int
	Policy       Policy
	BlockTimeout time.Duration // used only when Policy == PolicyBlockBounded
	ErrorStreak  int           // consecutive sink failures before auto-disable; 0 uses default
	Filter       func(canonical.Record) bool
}

func (c *ChannelConfig) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.Policy == "" {
		c.Policy = PolicyDropOldest
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 2 * time.Second
	}
	if c.ErrorStreak <= 0 {
		c.ErrorStreak = 5
	}
}

// ChannelStats is a channel's live counters.
type ChannelStats struct {
	Count      int64
	Lag        int // current queue depth
	ErrorCount int64
	Dropped    int64
	Enabled    bool
}

type channel struct {
	cfg ChannelConfig
	clk clock.Clock
	reg *metrics.Registry

	queue chan canonical.Record
	sink  SinkFunc

	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker
	enabled bool
	dropped int64

	done chan struct{}
}

func newChannel(cfg ChannelConfig, sink SinkFunc, clk clock.Clock, reg *metrics.Registry, onDisable func(name string)) *channel {
	cfg.applyDefaults()
	ch := &channel{
		cfg:     cfg,
		clk:     clk,
		reg:     reg,
		queue:   make(chan canonical.Record, cfg.Capacity),
		sink:    sink,
		enabled: true,
		done:    make(chan struct{}),
	}
	ch.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		// Interval 0 means counts never reset on a rolling window: the
		// streak is exactly consecutive failures, matching spec §4.5.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.ErrorStreak)
		},
		// A long timeout means the breaker does not attempt an automatic
		// half-open probe; re-enabling is a deliberate control operation
		// (spec §4.5 "auto-re-enable requires a control operation").
		Timeout: 24 * time.Hour,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				ch.mu.Lock()
				ch.enabled = false
				ch.mu.Unlock()
				if onDisable != nil {
					onDisable(name)
				}
			}
		},
	})
	go ch.drain()
	return ch
}

// drain is the channel's single consumer task: it pulls records off the
// queue in FIFO order and invokes the sink through the circuit breaker. This
// is the only suspension point per record (spec §5).
func (c *channel) drain() {
	for {
		select {
		case rec, ok := <-c.queue:
			if !ok {
				return
			}
			c.mu.Lock()
			breaker := c.breaker
			c.mu.Unlock()
			_, _ = breaker.Execute(func() (any, error) {
				res := c.sink(rec)
				if !res.Success {
					err := res.Err
					if err == nil {
						err = fmt.Errorf("sink returned unsuccessful result")
					}
					if c.reg != nil {
						c.reg.RouterErrors.WithLabelValues(c.cfg.Name).Inc()
					}
					return nil, err
				}
				return nil, nil
			})
		case <-c.done:
			return
		}
	}
}

func (c *channel) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *channel) setEnabled(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = v
}

// enqueue applies the channel's backpressure policy when the queue is full.
func (c *channel) enqueue(rec canonical.Record) {
	select {
	case c.queue <- rec:
		return
	default:
	}

	switch c.cfg.Policy {
	case PolicyDropNewest:
		c.recordDrop()
	case PolicyBlockBounded:
		select {
		case c.queue <- rec:
		case <-time.After(c.cfg.BlockTimeout):
			c.recordDrop()
		}
	case PolicyFailFast:
		c.recordDrop()
	case PolicyDropOldest:
		fallthrough
	default:
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- rec:
		default:
		}
		c.recordDrop()
	}
}

func (c *channel) recordDrop() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
	if c.reg != nil {
		c.reg.RouterDropped.WithLabelValues(c.cfg.Name).Inc()
	}
}

func (c *channel) stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := c.breaker.Counts()
	return ChannelStats{
		Count:      int64(counts.Requests),
		Lag:        len(c.queue),
		ErrorCount: int64(counts.TotalFailures),
		Dropped:    c.dropped,
		Enabled:    c.enabled,
	}
}

// Router is the Dataflow Router: a registry of named channels, published to
// in registration order.
type Router struct {
	clk clock.Clock
	reg *metrics.Registry

	mu       sync.RWMutex
	order    []string
	channels map[string]*channel
}

func New(clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Router{clk: clk, channels: make(map[string]*channel)}
}

// SetMetrics wires r into the Router. Channels registered after this call
// report drops and sink errors to it; call before Register (buildService
// does) so every mandatory channel is covered.
func (r *Router) SetMetrics(m *metrics.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reg = m
}

// Register adds a named channel with its sink callback.
func (r *Router) Register(cfg ChannelConfig, sink SinkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := newChannel(cfg, sink, r.clk, r.reg, nil)
	r.channels[cfg.Name] = ch
	r.order = append(r.order, cfg.Name)
}

// Publish delivers record to every enabled channel, in registration order,
// applying each channel's filter and backpressure policy (spec §4.5).
func (r *Router) Publish(rec canonical.Record) {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, name := range order {
		r.mu.RLock()
		ch := r.channels[name]
		r.mu.RUnlock()
		if ch == nil || !ch.isEnabled() {
			continue
		}
		if ch.cfg.Filter != nil && !ch.cfg.Filter(rec) {
			continue
		}
		ch.enqueue(rec)
	}
}

// Enable re-enables a channel disabled by the error-streak policy or by a
// prior Disable call.
func (r *Router) Enable(name string) error {
	r.mu.RLock()
	ch := r.channels[name]
	r.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("router: unknown channel %q", name)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ch.cfg.Name,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(ch.cfg.ErrorStreak)
		},
		Timeout: 24 * time.Hour,
		OnStateChange: func(n string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				ch.setEnabled(false)
			}
		},
	})
	ch.mu.Lock()
	ch.breaker = breaker
	ch.enabled = true
	ch.mu.Unlock()
	return nil
}

// Disable turns a channel off without tripping its breaker.
func (r *Router) Disable(name string) error {
	r.mu.RLock()
	ch := r.channels[name]
	r.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("router: unknown channel %q", name)
	}
	ch.setEnabled(false)
	return nil
}

// Stats returns the per-channel counters from spec §4.5.
func (r *Router) Stats(name string) (ChannelStats, error) {
	r.mu.RLock()
	ch := r.channels[name]
	r.mu.RUnlock()
	if ch == nil {
		return ChannelStats{}, fmt.Errorf("router: unknown channel %q", name)
	}
	return ch.stats(), nil
}

// AllStats returns every channel's stats keyed by name.
func (r *Router) AllStats() map[string]ChannelStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ChannelStats, len(r.channels))
	for name, ch := range r.channels {
		out[name] = ch.stats()
	}
	return out
}

// Close stops every channel's drainer task.
func (r *Router) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		close(ch.done)
	}
}
