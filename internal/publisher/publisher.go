// Package publisher implements the Router's Publisher sink (spec §4.5): a
// forward to an external pub/sub bus, gated by a global publication_enabled
// toggle. Grounded on the teacher's infrastructure/data.RedisCacheManager,
// which wraps go-redis/v9 with its own connection options and stats
// counters; this swaps the Redis operation from GET/SET to PUBLISH and
// keeps the same client-construction and stats-tracking shape.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/metrics"
	"github.com/meteo-x/marketfeed/internal/router"
)

// Config configures the Redis connection and topic naming.
type Config struct {
	Addr         string
	Password     string
	DB           int
	TopicPrefix  string // spec §4.5 "<prefix>-<type>-<exchange>"
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "marketfeed"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
}

// Publisher forwards canonical records to Redis Pub/Sub with one PUBLISH per
// record; a failed publish is returned to the caller and is not retried.
type Publisher struct {
	cfg    Config
	client *redis.Client

	enabled atomic.Bool

	published atomic.Int64
	failed    atomic.Int64

	reg atomic.Pointer[metrics.Registry]
}

// SetMetrics wires r into the Publisher so publish successes/failures are
// reported to the Prometheus registry.
func (p *Publisher) SetMetrics(r *metrics.Registry) { p.reg.Store(r) }

func New(cfg Config) *Publisher {
	cfg.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	p := &Publisher{cfg: cfg, client: client}
	p.enabled.Store(true)
	return p
}

// Topic builds the per-record topic name: <prefix>-<type>-<exchange>.
func (p *Publisher) Topic(rec canonical.Record) string {
	return fmt.Sprintf("%s-%s-%s", p.cfg.TopicPrefix, rec.Type, rec.Exchange)
}

// SetEnabled flips the global publication_enabled toggle (spec §4.7
// toggle_publication). Other sinks are unaffected.
func (p *Publisher) SetEnabled(v bool) { p.enabled.Store(v) }

// Enabled reports the current publication toggle state.
func (p *Publisher) Enabled() bool { return p.enabled.Load() }

// Publish sends rec to its topic. If publication is disabled, Publish is a
// deliberate no-op returning success, so disabling it never accumulates
// failures on the channel it sits behind.
func (p *Publisher) Publish(ctx context.Context, rec canonical.Record) error {
	if !p.enabled.Load() {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		p.failed.Add(1)
		if r := p.reg.Load(); r != nil {
			r.PublishErrors.Inc()
		}
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := p.client.Publish(ctx, p.Topic(rec), payload).Err(); err != nil {
		p.failed.Add(1)
		if r := p.reg.Load(); r != nil {
			r.PublishErrors.Inc()
		}
		return fmt.Errorf("publish: %w", err)
	}
	p.published.Add(1)
	if r := p.reg.Load(); r != nil {
		r.PublishTotal.Inc()
	}
	return nil
}

// Sink adapts Publish into a router.SinkFunc for the Router's Publisher
// channel.
func (p *Publisher) Sink(ctx context.Context) router.SinkFunc {
	return func(rec canonical.Record) router.Result {
		if err := p.Publish(ctx, rec); err != nil {
			return router.Result{Success: false, Err: err}
		}
		return router.Result{Success: true}
	}
}

// Stats reports the publisher's lifetime counters.
type Stats struct {
	Published int64
	Failed    int64
	Enabled   bool
}

func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load(), Enabled: p.enabled.Load()}
}

// Close releases the underlying Redis client.
func (p *Publisher) Close() error { return p.client.Close() }
