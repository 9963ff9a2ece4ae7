// Package subscription implements the Subscription Manager (spec §4.3): the
// mapping from (exchange, symbol, type) to a stream name and the Connection
// Manager carrying it, with lifecycle states, migration, and per-subscription
// accounting. Grounded on the teacher's venue/stream bookkeeping in
// infrastructure/datafacade/factory.go, which tracked adapters but had no
// equivalent per-stream lifecycle table; this package adds that table.
package subscription

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/errs"
)

// Status is a subscription's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusPaused   Status = "paused"
	StatusRemoving Status = "removing"
)

// EventKind enumerates the Subscription Manager's migration lifecycle
// events (spec §4.3).
type EventKind string

const (
	EventMigrationStarted   EventKind = "migration_started"
	EventMigrationCompleted EventKind = "migration_completed"
	EventMigrationFailed    EventKind = "migration_failed"
)

// Event is one Subscription Manager lifecycle notification.
type Event struct {
	Kind       EventKind
	FromConnID string
	ToConnID   string
	Err        error
}

// Subscription is one (exchange, symbol, type) mapping and its accounting.
type Subscription struct {
	ID           string
	Exchange     string
	Symbol       string
	Type         canonical.Type
	StreamName   string
	ConnectionID string
	Status       Status
	LastActiveMs int64
	MessageCount int64
	ErrorCount   int64
}

// Request describes a subscription to add.
type Request struct {
	Exchange   string
	Symbol     string
	Type       canonical.Type
	StreamName string
}

// Result is the contract return type from spec §4.3: subscribe/unsubscribe
// partition their input into three buckets.
type Result struct {
	Succeeded []Subscription
	Existing  []Subscription
	Failed    []FailedItem
}

// FailedItem pairs a rejected request with the reason it failed.
type FailedItem struct {
	Request Request
	Err     error
}

// ConnectionPool is the seam the SM uses to ask the Adapter Facade for CM
// assignment and to push stream add/remove onto a specific CM, without the
// SM owning CMs directly (spec §4.3/§4.4 split of responsibility).
type ConnectionPool interface {
	// AssignConnection returns the connection_id of a CM with spare
	// capacity, requesting a new CM from the facade if none exists. It
	// returns errs.KindCapacityExhausted if no CM can be provisioned.
	AssignConnection(streamName string) (connID string, err error)
	AddStream(connID, streamName string) error
	RemoveStream(connID, streamName string) error
}

// Config validates and bounds subscriptions (spec §4.3).
type Config struct {
	SymbolPattern    string // default ^[A-Z0-9]+$
	MaxSubscriptions int
	DisabledTypes    map[canonical.Type]bool
}

func (c *Config) applyDefaults() {
	if c.SymbolPattern == "" {
		c.SymbolPattern = `^[A-Z0-9]+$`
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 10000
	}
}

// Manager is the Subscription Manager. A subscription table is read-heavy:
// readers take the shared lock, mutators take the exclusive lock (spec §5).
type Manager struct {
	cfg        Config
	symbolRe   *regexp.Regexp
	pool       ConnectionPool
	clock      clock.Clock

	mu   sync.RWMutex
	subs map[string]*Subscription

	stats  *rollingStats
	events chan Event
}

// Events exposes the Subscription Manager's migration lifecycle events.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// Event channel full: drop rather than block the caller (spec §5).
	}
}

func New(cfg Config, pool ConnectionPool, clk clock.Clock) *Manager {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		cfg:      cfg,
		symbolRe: regexp.MustCompile(cfg.SymbolPattern),
		pool:     pool,
		clock:    clk,
		subs:     make(map[string]*Subscription),
		stats:    newRollingStats(clk),
		events:   make(chan Event, 64),
	}
}

func (m *Manager) validate(req Request) error {
	if m.cfg.DisabledTypes[req.Type] {
		return errs.New(errs.KindValidation, map[string]any{"type": req.Type, "reason": "disabled data type"})
	}
	// The pattern is matched against the symbol with its BASE/QUOTE
	// separator removed, so "BTC/USDT" is checked as "BTCUSDT".
	if !m.symbolRe.MatchString(strings.ReplaceAll(req.Symbol, "/", "")) {
		return errs.New(errs.KindValidation, map[string]any{"symbol": req.Symbol, "reason": "symbol does not match configured pattern"})
	}
	return nil
}

func (m *Manager) findByKey(exchange, symbol string, typ canonical.Type) *Subscription {
	for _, s := range m.subs {
		if s.Exchange == exchange && s.Symbol == symbol && s.Type == typ {
			return s
		}
	}
	return nil
}

// Subscribe adds subscriptions, idempotent on duplicates (spec §4.3).
func (m *Manager) Subscribe(reqs []Request) Result {
	var res Result

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.subs)+len(reqs) > m.cfg.MaxSubscriptions {
		// Reject every new request under this call; existing subscriptions
		// are unaffected (spec §4.3 failure semantics).
		for _, r := range reqs {
			if existing := m.findByKey(r.Exchange, r.Symbol, r.Type); existing != nil {
				res.Existing = append(res.Existing, *existing)
				continue
			}
			res.Failed = append(res.Failed, FailedItem{Request: r, Err: errs.New(errs.KindCapacityExhausted, map[string]any{"reason": "max_subscriptions exceeded"})})
		}
		return res
	}

	for _, r := range reqs {
		if existing := m.findByKey(r.Exchange, r.Symbol, r.Type); existing != nil {
			res.Existing = append(res.Existing, *existing)
			continue
		}
		if err := m.validate(r); err != nil {
			res.Failed = append(res.Failed, FailedItem{Request: r, Err: err})
			continue
		}

		// The ID is derived from (exchange, symbol, type), so subscribing
		// the same key again yields the same ID.
		sub := &Subscription{
			ID:         fmt.Sprintf("%s:%s:%s", r.Exchange, r.Symbol, r.Type),
			Exchange:   r.Exchange,
			Symbol:     r.Symbol,
			Type:       r.Type,
			StreamName: r.StreamName,
			Status:     StatusPending,
		}

		connID, err := m.pool.AssignConnection(r.StreamName)
		if err != nil {
			sub.Status = StatusPending // retried on the CM's next reconnected event
			m.subs[sub.ID] = sub
			res.Failed = append(res.Failed, FailedItem{Request: r, Err: err})
			continue
		}
		if err := m.pool.AddStream(connID, r.StreamName); err != nil {
			sub.Status = StatusPending
			sub.ConnectionID = connID
			m.subs[sub.ID] = sub
			res.Failed = append(res.Failed, FailedItem{Request: r, Err: err})
			continue
		}

		sub.ConnectionID = connID
		sub.Status = StatusActive
		sub.LastActiveMs = m.clock.Now().UnixMilli()
		m.subs[sub.ID] = sub
		res.Succeeded = append(res.Succeeded, *sub)
	}
	return res
}

// Unsubscribe removes subscriptions by id, symmetrical to Subscribe.
func (m *Manager) Unsubscribe(ids []string) Result {
	var res Result
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		sub, ok := m.subs[id]
		if !ok {
			res.Failed = append(res.Failed, FailedItem{Request: Request{}, Err: errs.New(errs.KindNotFound, map[string]any{"id": id})})
			continue
		}
		if sub.ConnectionID != "" {
			if err := m.pool.RemoveStream(sub.ConnectionID, sub.StreamName); err != nil {
				res.Failed = append(res.Failed, FailedItem{Request: Request{Exchange: sub.Exchange, Symbol: sub.Symbol, Type: sub.Type}, Err: err})
				continue
			}
		}
		delete(m.subs, id)
		res.Succeeded = append(res.Succeeded, *sub)
	}
	return res
}

// Filter selects subscriptions for Get.
type Filter struct {
	ID           string
	ConnectionID string
	Symbol       string
	Status       Status
}

// Get returns subscriptions matching the non-zero fields of f.
func (m *Manager) Get(f Filter) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		if f.ID != "" && s.ID != f.ID {
			continue
		}
		if f.ConnectionID != "" && s.ConnectionID != f.ConnectionID {
			continue
		}
		if f.Symbol != "" && s.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		out = append(out, *s)
	}
	return out
}

// Migrate moves every active stream on fromConnID to toConnID, per the
// five-step protocol in spec §4.3, with compensating rollback on failure.
func (m *Manager) Migrate(fromConnID, toConnID string) error {
	m.emit(Event{Kind: EventMigrationStarted, FromConnID: fromConnID, ToConnID: toConnID})

	m.mu.Lock()
	var moving []*Subscription
	for _, s := range m.subs {
		if s.ConnectionID == fromConnID {
			moving = append(moving, s)
		}
	}
	for _, s := range moving {
		s.Status = StatusPending
		s.ConnectionID = toConnID
	}
	m.mu.Unlock()

	var addedOnTo, removedOnFrom []*Subscription
	var migrateErr error

	for _, s := range moving {
		if err := m.pool.AddStream(toConnID, s.StreamName); err != nil {
			migrateErr = fmt.Errorf("add on target connection: %w", err)
			break
		}
		addedOnTo = append(addedOnTo, s)
	}
	if migrateErr == nil {
		for _, s := range moving {
			if err := m.pool.RemoveStream(fromConnID, s.StreamName); err != nil {
				migrateErr = fmt.Errorf("remove on source connection: %w", err)
				break
			}
			removedOnFrom = append(removedOnFrom, s)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if migrateErr != nil {
		// Compensate: remove what was added on the target, re-add what was
		// removed on the source, revert the changed subscriptions.
		for _, s := range addedOnTo {
			_ = m.pool.RemoveStream(toConnID, s.StreamName)
		}
		for _, s := range removedOnFrom {
			_ = m.pool.AddStream(fromConnID, s.StreamName)
		}
		for _, s := range moving {
			s.ConnectionID = fromConnID
			s.Status = StatusActive
		}
		wrapped := errs.Wrap(errs.KindSink, migrateErr, map[string]any{"from": fromConnID, "to": toConnID})
		m.emit(Event{Kind: EventMigrationFailed, FromConnID: fromConnID, ToConnID: toConnID, Err: wrapped})
		return wrapped
	}

	now := m.clock.Now().UnixMilli()
	for _, s := range moving {
		s.Status = StatusActive
		s.LastActiveMs = now
	}
	m.emit(Event{Kind: EventMigrationCompleted, FromConnID: fromConnID, ToConnID: toConnID})
	return nil
}

// HandleStreamData updates per-subscription counters on a successfully
// parsed message (spec §4.3).
func (m *Manager) HandleStreamData(streamName, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.StreamName == streamName && s.ConnectionID == connID {
			s.MessageCount++
			s.LastActiveMs = m.clock.Now().UnixMilli()
			m.stats.recordMessage()
			return
		}
	}
}

// HandleStreamError increments error counters without changing status
// unless a higher-level policy escalates (spec §4.3).
func (m *Manager) HandleStreamError(streamName, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.StreamName == streamName && s.ConnectionID == connID {
			s.ErrorCount++
			m.stats.recordError()
			return
		}
	}
}

// RetryPending re-attempts assignment for every pending subscription; called
// on a CM's reconnected event (spec §4.3 failure semantics).
func (m *Manager) RetryPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.Status != StatusPending {
			continue
		}
		connID := s.ConnectionID
		if connID == "" {
			var err error
			connID, err = m.pool.AssignConnection(s.StreamName)
			if err != nil {
				continue
			}
		}
		if err := m.pool.AddStream(connID, s.StreamName); err != nil {
			continue
		}
		s.ConnectionID = connID
		s.Status = StatusActive
		s.LastActiveMs = m.clock.Now().UnixMilli()
	}
}
