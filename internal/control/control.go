// Package control implements the Control Surface (spec §4.7): the runtime
// operations needed to run the ingestion service safely — read operations
// (adapter list/metrics, subscription list, system stats, cache summary,
// per-exchange health), write operations (toggle_publication,
// add_subscription, remove_subscription, migrate), and a streaming change
// feed. Grounded on the teacher's factory.go, which exposed the equivalent
// read surface (venue status/health) as plain getters with no transport of
// its own; this package keeps that transport-independence and adds the
// write/streaming operations spec §4.7 names.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meteo-x/marketfeed/internal/adapter"
	"github.com/meteo-x/marketfeed/internal/cache"
	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/connection"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/metrics"
	"github.com/meteo-x/marketfeed/internal/publisher"
	"github.com/meteo-x/marketfeed/internal/router"
	"github.com/meteo-x/marketfeed/internal/subscription"
)

// AdapterInfo is one row of GET adapters.
type AdapterInfo struct {
	Name    string
	Status  string
	Healthy bool
	Metrics map[string]any
}

// SubscriptionRow is one row of GET subscriptions.
type SubscriptionRow struct {
	ID           string
	Exchange     string
	Symbol       string
	Type         canonical.Type
	Status       subscription.Status
	MessageCount int64
	ErrorCount   int64
}

// SubscriptionFilter narrows GET subscriptions.
type SubscriptionFilter struct {
	Exchange string
	Symbol   string
	Status   subscription.Status
}

// Stats is the GET stats real-time snapshot: adapters, system, cache.
type Stats struct {
	Adapters  map[string]subscription.Snapshot
	Router    map[string]router.ChannelStats
	Cache     cache.Metrics
	Publisher publisher.Stats
	ComputedAt time.Time
}

// Result is the write-operation return shape from spec §4.7/§7:
// {success, errors[], info[]}.
type Result struct {
	Success bool
	Errors  []string
	Info    []string
}

// Surface is the Control Surface: a thin, transport-independent facade over
// one or more Adapter Facades plus the shared Router/Cache/Publisher.
type Surface struct {
	clock clock.Clock

	mu       sync.RWMutex
	adapters map[string]*adapter.Facade

	rtr *router.Router
	c   *cache.Cache
	pub *publisher.Publisher
	reg *metrics.Registry

	feedMu   sync.Mutex
	feedSubs map[int]chan Stats
	nextFeed int
}

// New builds a Control Surface over the given exchange Facades.
func New(adapters map[string]*adapter.Facade, rtr *router.Router, c *cache.Cache, pub *publisher.Publisher, clk clock.Clock) *Surface {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Surface{
		clock:    clk,
		adapters: adapters,
		rtr:      rtr,
		c:        c,
		pub:      pub,
		feedSubs: make(map[int]chan Stats),
	}
}

// SetMetrics wires r into the Surface so RunFeed's tick also reports the
// subscription-status and message-rate gauges, and the Router's per-channel
// queue-lag/enabled gauges, which are snapshot-shaped rather than
// event-shaped and so are cheapest to feed on the same cadence as the
// change feed rather than at each mutation site.
func (s *Surface) SetMetrics(r *metrics.Registry) {
	s.reg = r
}

func (s *Surface) facade(exchange string) (*adapter.Facade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.adapters[exchange]
	if !ok {
		return nil, errs.New(errs.KindNotFound, map[string]any{"exchange": exchange})
	}
	return f, nil
}

// Adapters lists every adapter's name, status, health, and metrics (spec
// §4.7 read operation).
func (s *Surface) Adapters() []AdapterInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AdapterInfo, 0, len(s.adapters))
	for name, f := range s.adapters {
		status := f.Status()
		metrics := make(map[string]any, len(status.Connections))
		for id, st := range status.Connections {
			metrics[id] = st
		}
		out = append(out, AdapterInfo{
			Name:    name,
			Status:  fmt.Sprintf("%d connections", len(status.Connections)),
			Healthy: allConnected(status.Connections),
			Metrics: metrics,
		})
	}
	return out
}

func allConnected(conns map[string]connection.State) bool {
	if len(conns) == 0 {
		return false
	}
	for _, st := range conns {
		if st != connection.StateConnected {
			return false
		}
	}
	return true
}

// Subscriptions lists every subscription across every adapter matching f.
func (s *Surface) Subscriptions(f SubscriptionFilter) []SubscriptionRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []SubscriptionRow
	for exchange, fac := range s.adapters {
		if f.Exchange != "" && f.Exchange != exchange {
			continue
		}
		subs := fac.SubscriptionManager().Get(subscription.Filter{Symbol: f.Symbol, Status: f.Status})
		for _, sub := range subs {
			out = append(out, SubscriptionRow{
				ID: sub.ID, Exchange: sub.Exchange, Symbol: sub.Symbol, Type: sub.Type,
				Status: sub.Status, MessageCount: sub.MessageCount, ErrorCount: sub.ErrorCount,
			})
		}
	}
	return out
}

// Stats builds the GET stats real-time snapshot.
func (s *Surface) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make(map[string]subscription.Snapshot, len(s.adapters))
	for name, f := range s.adapters {
		adapters[name] = f.SubscriptionManager().Stats()
	}
	st := Stats{
		Adapters:   adapters,
		ComputedAt: s.clock.Now(),
	}
	if s.rtr != nil {
		st.Router = s.rtr.AllStats()
	}
	if s.c != nil {
		st.Cache = s.c.Metrics()
	}
	if s.pub != nil {
		st.Publisher = s.pub.Stats()
	}
	return st
}

// allStatuses is every subscription.Status, zeroed on each reportMetrics
// tick before the live counts overwrite it, so a status that drains to
// zero doesn't leave a stale gauge reading behind.
var allStatuses = []subscription.Status{
	subscription.StatusPending, subscription.StatusActive, subscription.StatusError,
	subscription.StatusPaused, subscription.StatusRemoving,
}

// reportMetrics feeds the Prometheus gauges that are cheapest read as a
// periodic snapshot rather than hooked at their mutation site: subscription
// counts by status, message rate, and the Router's per-channel queue depth
// and enabled state.
func (s *Surface) reportMetrics(snap Stats) {
	for exchange, adapterSnap := range snap.Adapters {
		for _, status := range allStatuses {
			s.reg.SubscriptionsByStatus.WithLabelValues(exchange, string(status)).Set(float64(adapterSnap.TotalByStatus[status]))
		}
		s.reg.MessageRate.WithLabelValues(exchange).Set(adapterSnap.MessageRatePerSec)
	}
	for name, stats := range snap.Router {
		s.reg.RouterQueueLag.WithLabelValues(name).Set(float64(stats.Lag))
		enabled := 0.0
		if stats.Enabled {
			enabled = 1.0
		}
		s.reg.RouterChannelState.WithLabelValues(name).Set(enabled)
	}
}

// CacheSummary reports the Stream Cache's keys and health (spec §4.7 "cache
// summary").
type CacheSummary struct {
	KeyCount int
	Metrics  cache.Metrics
	Healthy  bool
}

func (s *Surface) CacheSummary() CacheSummary {
	if s.c == nil {
		return CacheSummary{}
	}
	return CacheSummary{KeyCount: len(s.c.Keys()), Metrics: s.c.Metrics(), Healthy: s.c.Healthy()}
}

// ExchangeHealth reports one exchange's connection/subscription health.
func (s *Surface) ExchangeHealth(exchange string) (bool, error) {
	f, err := s.facade(exchange)
	if err != nil {
		return false, err
	}
	status := f.Status()
	return allConnected(status.Connections), nil
}

// TogglePublication flips the Publisher sink's enabled state (spec §4.7
// toggle_publication), logging the caller's reason.
func (s *Surface) TogglePublication(ctx context.Context, enabled bool, reason string) Result {
	if s.pub == nil {
		return Result{Success: false, Errors: []string{"no publisher configured"}}
	}
	prev := s.pub.Enabled()
	s.pub.SetEnabled(enabled)
	log.Info().Bool("previous", prev).Bool("enabled", enabled).Str("reason", reason).Msg("toggle_publication")
	return Result{
		Success: true,
		Info:    []string{fmt.Sprintf("publication %v -> %v", prev, enabled)},
	}
}

// AddSubscription subscribes symbol to types on exchange (spec §4.7
// add_subscription).
func (s *Surface) AddSubscription(ctx context.Context, exchange, symbol string, types []canonical.Type) Result {
	f, err := s.facade(exchange)
	if err != nil {
		return Result{Success: false, Errors: []string{errString(err)}}
	}
	res := f.Subscribe([]string{symbol}, types)
	return resultFromSubscription(res)
}

// RemoveSubscription unsubscribes every subscription matching (exchange,
// symbol) (spec §4.7 remove_subscription).
func (s *Surface) RemoveSubscription(ctx context.Context, exchange, symbol string) Result {
	f, err := s.facade(exchange)
	if err != nil {
		return Result{Success: false, Errors: []string{errString(err)}}
	}
	matches := f.SubscriptionManager().Get(subscription.Filter{Symbol: symbol})
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	res := f.Unsubscribe(ids)
	return resultFromSubscription(res)
}

// Migrate moves every subscription on fromConnID to toConnID (spec §4.7
// migrate).
func (s *Surface) Migrate(ctx context.Context, exchange, fromConnID, toConnID string) Result {
	f, err := s.facade(exchange)
	if err != nil {
		return Result{Success: false, Errors: []string{errString(err)}}
	}
	if err := f.Migrate(fromConnID, toConnID); err != nil {
		return Result{Success: false, Errors: []string{errString(err)}}
	}
	return Result{Success: true, Info: []string{fmt.Sprintf("migrated %s -> %s", fromConnID, toConnID)}}
}

func resultFromSubscription(res subscription.Result) Result {
	out := Result{Success: len(res.Failed) == 0}
	for _, ok := range res.Succeeded {
		out.Info = append(out.Info, fmt.Sprintf("%s: %s", ok.ID, ok.Status))
	}
	for _, f := range res.Failed {
		out.Errors = append(out.Errors, errString(f.Err))
	}
	return out
}

// errString renders err for a Result's Errors slice, redacting a structured
// *errs.Error's context before it crosses into a Control Surface response.
func errString(err error) string {
	if se, ok := err.(*errs.Error); ok {
		return se.Redact().Error()
	}
	return err.Error()
}

// Subscribe registers a receiver for the 5-second-cadence change feed (spec
// §4.7 streaming operations). The caller must call the returned cancel func
// to stop receiving and release the channel.
func (s *Surface) Subscribe() (<-chan Stats, func()) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	id := s.nextFeed
	s.nextFeed++
	ch := make(chan Stats, 1)
	s.feedSubs[id] = ch
	return ch, func() {
		s.feedMu.Lock()
		defer s.feedMu.Unlock()
		if c, ok := s.feedSubs[id]; ok {
			close(c)
			delete(s.feedSubs, id)
		}
	}
}

// RunFeed drives the change feed at a fixed cadence until ctx is canceled.
// One long-lived task per Surface, spec §5's "stats task" generalized to
// the Control Surface's external feed.
func (s *Surface) RunFeed(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			snap := s.Stats()
			if s.reg != nil {
				s.reportMetrics(snap)
			}
			s.feedMu.Lock()
			for _, ch := range s.feedSubs {
				select {
				case ch <- snap:
				default: // slow subscriber drops this tick, matches broadcast sink semantics
				}
			}
			s.feedMu.Unlock()
		}
	}
}
