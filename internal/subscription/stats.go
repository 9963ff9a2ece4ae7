package subscription

import (
	"sync"
	"time"

	"github.com/meteo-x/marketfeed/internal/clock"
)

const rollingWindowSeconds = 60

// rollingStats tracks a 1-second-bucketed message/error rate over a 60 s
// window (spec §4.3 statistics), recomputed by HandleStreamData/Error as
// they occur rather than a separate periodic task — the periodic "stats
// task" in spec §5 is satisfied by Manager.Stats being cheap to call on a
// timer; control.Surface.RunFeed calls it on each feed tick.
type rollingStats struct {
	clock clock.Clock

	mu           sync.Mutex
	msgBuckets   [rollingWindowSeconds]int64
	errBuckets   [rollingWindowSeconds]int64
	bucketStartS int64
}

func newRollingStats(clk clock.Clock) *rollingStats {
	return &rollingStats{clock: clk, bucketStartS: clk.Now().Unix()}
}

func (r *rollingStats) advance() {
	now := r.clock.Now().Unix()
	elapsed := now - r.bucketStartS
	if elapsed <= 0 {
		return
	}
	if elapsed >= rollingWindowSeconds {
		r.msgBuckets = [rollingWindowSeconds]int64{}
		r.errBuckets = [rollingWindowSeconds]int64{}
	} else {
		for i := int64(0); i < elapsed; i++ {
			idx := (r.bucketStartS + i + 1) % rollingWindowSeconds
			r.msgBuckets[idx] = 0
			r.errBuckets[idx] = 0
		}
	}
	r.bucketStartS = now
}

func (r *rollingStats) recordMessage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.msgBuckets[r.bucketStartS%rollingWindowSeconds]++
}

func (r *rollingStats) recordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.errBuckets[r.bucketStartS%rollingWindowSeconds]++
}

// Rates returns (messages/sec, errors/sec) averaged over the trailing window.
func (r *rollingStats) Rates() (msgRate, errRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	var msgTotal, errTotal int64
	for _, v := range r.msgBuckets {
		msgTotal += v
	}
	for _, v := range r.errBuckets {
		errTotal += v
	}
	return float64(msgTotal) / rollingWindowSeconds, float64(errTotal) / rollingWindowSeconds
}

// Snapshot is the SM-wide statistics view from spec §4.3.
type Snapshot struct {
	TotalByStatus     map[Status]int
	TotalByType       map[string]int
	TotalBySymbol     map[string]int
	TotalByConnection map[string]int
	MessageRatePerSec float64
	ErrorRatePerSec   float64
	ComputedAt        time.Time
}

// Stats recomputes the full statistics snapshot on demand (spec §4.3: "on a
// timer and on demand" — the timer side is the caller's responsibility).
func (m *Manager) Stats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		TotalByStatus:     make(map[Status]int),
		TotalByType:       make(map[string]int),
		TotalBySymbol:     make(map[string]int),
		TotalByConnection: make(map[string]int),
		ComputedAt:        m.clock.Now(),
	}
	for _, s := range m.subs {
		snap.TotalByStatus[s.Status]++
		snap.TotalByType[string(s.Type)]++
		snap.TotalBySymbol[s.Symbol]++
		if s.ConnectionID != "" {
			snap.TotalByConnection[s.ConnectionID]++
		}
	}
	snap.MessageRatePerSec, snap.ErrorRatePerSec = m.stats.Rates()
	return snap
}
