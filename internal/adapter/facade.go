// Package adapter implements the Adapter Facade (spec §4.4): one instance
// per exchange, owning a Subscription Manager, a pool of Connection
// Managers, and a Parser, wiring raw socket frames through to the Router.
// Grounded on the teacher's factory.go, which wired one venue's cache, rate
// limiter, circuit breaker, and adapter together in CreateDataFacade; this
// generalizes that wiring to CM pool + SM + Parser + Router per spec §4.4.
package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/connection"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/metrics"
	"github.com/meteo-x/marketfeed/internal/parser"
	"github.com/meteo-x/marketfeed/internal/router"
	"github.com/meteo-x/marketfeed/internal/subscription"
	"github.com/meteo-x/marketfeed/internal/wsconn"
)

// Config configures one exchange's Facade.
type Config struct {
	Exchange                string
	BaseURL                 string
	MaxStreamsPerConnection int
	ConnectionConfig        connection.Config
	SubscriptionConfig      subscription.Config
}

// Facade is the Adapter Facade for one exchange.
type Facade struct {
	cfg    Config
	dialer wsconn.Dialer
	clock  clock.Clock
	parser *parser.Parser
	router *router.Router
	reg    *metrics.Registry

	mu    sync.RWMutex
	conns map[string]*connection.Manager

	sm *subscription.Manager

	// streamIndex maps a wire stream_name to the subscription that owns it,
	// the inverse of the stream_name builder (spec §4.4 step 1).
	streamIndex map[string]subscriptionKey
}

type subscriptionKey struct {
	exchange string
	symbol   string
	typ      canonical.Type
}

// New creates a Facade wired to rtr for canonical record delivery.
func New(cfg Config, dialer wsconn.Dialer, clk clock.Clock, rtr *router.Router) *Facade {
	if clk == nil {
		clk = clock.Real{}
	}
	f := &Facade{
		cfg:         cfg,
		dialer:      dialer,
		clock:       clk,
		parser:      parser.New(cfg.Exchange, clk),
		router:      rtr,
		conns:       make(map[string]*connection.Manager),
		streamIndex: make(map[string]subscriptionKey),
	}
	f.sm = subscription.New(cfg.SubscriptionConfig, f, clk)
	return f
}

// SetMetrics wires r into the Facade's Parser and into every Connection
// Manager it creates from here on (existing CMs, if any, are not
// retroactively wired — call this right after New, before any AssignConnection).
func (f *Facade) SetMetrics(r *metrics.Registry) {
	f.reg = r
	f.parser.SetMetrics(r)
}

// StreamName builds the exchange's wire stream name for (symbol, type),
// mirroring the Parser's NormalizeSymbol inverse.
func StreamName(symbol string, typ canonical.Type) string {
	base := strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
	switch typ {
	case canonical.TypeTrade:
		return base + "@trade"
	case canonical.TypeTicker:
		return base + "@ticker"
	case canonical.TypeDepth, canonical.TypeOrderBook:
		return base + "@depth"
	default:
		if interval, ok := intervalFor(typ); ok {
			return base + "@kline_" + interval
		}
		return base + "@" + string(typ)
	}
}

func intervalFor(typ canonical.Type) (string, bool) {
	switch typ {
	case canonical.TypeKline1m:
		return "1m", true
	case canonical.TypeKline5m:
		return "5m", true
	case canonical.TypeKline15m:
		return "15m", true
	case canonical.TypeKline30m:
		return "30m", true
	case canonical.TypeKline1h:
		return "1h", true
	case canonical.TypeKline4h:
		return "4h", true
	case canonical.TypeKline1d:
		return "1d", true
	default:
		return "", false
	}
}

// AssignConnection implements subscription.ConnectionPool: pick the first
// CM with spare capacity, or open a new one (spec §4.3 assignment policy).
func (f *Facade) AssignConnection(streamName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, cm := range f.conns {
		if len(cm.ActiveStreams()) < f.cfg.MaxStreamsPerConnection {
			return id, nil
		}
	}

	cfg := f.cfg.ConnectionConfig
	cfg.BaseURL = f.cfg.BaseURL
	cfg.MaxStreamsPerConnection = f.cfg.MaxStreamsPerConnection
	cm := connection.New(cfg, f.dialer, f.clock)
	if f.reg != nil {
		cm.SetMetrics(f.reg, f.cfg.Exchange)
	}
	if err := cm.Connect(context.Background()); err != nil {
		return "", errs.Wrap(errs.KindCapacityExhausted, err, map[string]any{"exchange": f.cfg.Exchange})
	}
	f.conns[cm.ID()] = cm
	go f.pumpRawMessages(cm)
	go f.pumpEvents(cm)
	return cm.ID(), nil
}

// AddStream implements subscription.ConnectionPool.
func (f *Facade) AddStream(connID, streamName string) error {
	f.mu.RLock()
	cm := f.conns[connID]
	f.mu.RUnlock()
	if cm == nil {
		return errs.New(errs.KindNotFound, map[string]any{"conn_id": connID})
	}
	return cm.AddStream(streamName)
}

// RemoveStream implements subscription.ConnectionPool.
func (f *Facade) RemoveStream(connID, streamName string) error {
	f.mu.RLock()
	cm := f.conns[connID]
	f.mu.RUnlock()
	if cm == nil {
		return errs.New(errs.KindNotFound, map[string]any{"conn_id": connID})
	}
	return cm.RemoveStream(streamName)
}

// Subscribe adds (symbol, type) subscriptions, building each stream name and
// registering it in the Facade's inverse index before delegating to the SM.
func (f *Facade) Subscribe(symbols []string, types []canonical.Type) subscription.Result {
	reqs := make([]subscription.Request, 0, len(symbols)*len(types))
	f.mu.Lock()
	for _, sym := range symbols {
		for _, typ := range types {
			name := StreamName(sym, typ)
			f.streamIndex[name] = subscriptionKey{exchange: f.cfg.Exchange, symbol: sym, typ: typ}
			reqs = append(reqs, subscription.Request{Exchange: f.cfg.Exchange, Symbol: sym, Type: typ, StreamName: name})
		}
	}
	f.mu.Unlock()
	return f.sm.Subscribe(reqs)
}

// Unsubscribe removes subscriptions by id.
func (f *Facade) Unsubscribe(ids []string) subscription.Result {
	return f.sm.Unsubscribe(ids)
}

// UnsubscribeAll removes every subscription on this exchange.
func (f *Facade) UnsubscribeAll() subscription.Result {
	all := f.sm.Get(subscription.Filter{})
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	return f.sm.Unsubscribe(ids)
}

// SubscriptionManager exposes the Facade's Subscription Manager for the
// Control Surface's read/filter operations (spec §4.7).
func (f *Facade) SubscriptionManager() *subscription.Manager {
	return f.sm
}

// Status reports subscription counts and per-connection health.
type Status struct {
	Subscriptions subscription.Snapshot
	Connections   map[string]connection.State
}

func (f *Facade) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	conns := make(map[string]connection.State, len(f.conns))
	for id, cm := range f.conns {
		conns[id] = cm.State()
	}
	return Status{Subscriptions: f.sm.Stats(), Connections: conns}
}

// Metrics aggregates every connection's live counters.
func (f *Facade) Metrics() map[string]connection.Metrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]connection.Metrics, len(f.conns))
	for id, cm := range f.conns {
		out[id] = cm.Metrics()
	}
	return out
}

// Migrate moves every subscription on fromConnID onto toConnID.
func (f *Facade) Migrate(fromConnID, toConnID string) error {
	return f.sm.Migrate(fromConnID, toConnID)
}

// Disconnect removes one connection from the pool and destroys it. The
// Subscription Manager's rows that reference it keep their ConnectionID and
// status; they are not updated here.
func (f *Facade) Disconnect(connID string) {
	f.mu.Lock()
	cm := f.conns[connID]
	delete(f.conns, connID)
	f.mu.Unlock()
	if cm != nil {
		cm.Destroy()
	}
}

// pumpRawMessages is the Facade's per-CM consumer task (spec §4.4): look up
// the subscription by stream_name, parse, tag, publish, and update SM
// counters, in strict per-connection socket order.
func (f *Facade) pumpRawMessages(cm *connection.Manager) {
	for raw := range cm.RawMessages() {
		f.mu.RLock()
		key, ok := f.streamIndex[raw.StreamName]
		f.mu.RUnlock()
		if !ok {
			continue
		}

		rec, err := f.parser.Parse(raw.Data, key.typ)
		if err != nil {
			f.sm.HandleStreamError(raw.StreamName, cm.ID())
			continue
		}
		if rec.Exchange == "" {
			rec.Exchange = key.exchange
		}
		f.router.Publish(rec)
		f.sm.HandleStreamData(raw.StreamName, cm.ID())
	}
}

// pumpEvents watches a CM's event stream for reconnected, which triggers a
// retry of any pending subscriptions (spec §4.3 failure semantics).
func (f *Facade) pumpEvents(cm *connection.Manager) {
	for ev := range cm.Events() {
		if ev.Kind == connection.EventReconnected {
			f.sm.RetryPending()
		}
	}
}
