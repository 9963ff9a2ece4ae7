package parser

import (
	"sync"
	"time"

	"github.com/meteo-x/marketfeed/internal/errs"
)

const recentErrorCap = 20

// Snapshot is a point-in-time read of Parser statistics.
type Snapshot struct {
	Total             int64
	Success           int64
	Errors            int64
	ValidationFailures int64
	AvgParseTime      time.Duration
	RecentErrors      []RecentError
}

// RecentError is one entry in the most-recent-N-errors-by-kind ring.
type RecentError struct {
	Kind errs.Kind
	At   time.Time
}

type Stats struct {
	mu                 sync.Mutex
	total              int64
	success            int64
	errCount           int64
	validationFailures int64
	totalParseTime     time.Duration
	recent             []RecentError
}

func newStats() *Stats { return &Stats{} }

func (s *Stats) recordAttempt(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.totalParseTime += d
	if err == nil {
		s.success++
		return
	}
	s.errCount++
	kind := errs.Kind("unknown")
	if e, ok := err.(*errs.Error); ok {
		kind = e.Kind
		if kind == errs.KindValidation || kind == errs.KindStaleOrFuture {
			s.validationFailures++
		}
	}
	s.recent = append(s.recent, RecentError{Kind: kind, At: time.Now()})
	if len(s.recent) > recentErrorCap {
		s.recent = s.recent[len(s.recent)-recentErrorCap:]
	}
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var avg time.Duration
	if s.total > 0 {
		avg = s.totalParseTime / time.Duration(s.total)
	}
	recentCopy := make([]RecentError, len(s.recent))
	copy(recentCopy, s.recent)
	return Snapshot{
		Total:              s.total,
		Success:            s.success,
		Errors:             s.errCount,
		ValidationFailures: s.validationFailures,
		AvgParseTime:       avg,
		RecentErrors:       recentCopy,
	}
}
