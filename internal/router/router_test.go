package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
)

// TestPublish_DropOldestBackpressure covers Scenario E (spec §8): a
// 100-capacity drop_oldest channel fed 200 records while its sink is stalled
// drops 99 or 100 of them, with no error surfaced to the ingress side.
func TestPublish_DropOldestBackpressure(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	r := New(clk)
	defer r.Close()

	delivered := make(chan canonical.Record, 200)
	block := make(chan struct{})
	r.Register(ChannelConfig{Name: "sink", Capacity: 100, Policy: PolicyDropOldest}, func(rec canonical.Record) Result {
		<-block // hold the drainer so the queue actually fills up
		delivered <- rec
		return Result{Success: true}
	})

	for i := 0; i < 200; i++ {
		r.Publish(canonical.Record{EventTimestampMs: int64(i)})
	}

	// One record may already be in flight through the blocked drainer when
	// the 200th Publish lands, so the exact drop count is 99 or 100
	// depending on scheduling — never less, since the queue never exceeds
	// its 100-entry capacity plus the one in-flight record.
	stats, err := r.Stats("sink")
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.Dropped, int64(99))
	require.LessOrEqual(t, stats.Dropped, int64(100))

	close(block)
	require.Eventually(t, func() bool {
		s, _ := r.Stats("sink")
		return s.Count >= 1
	}, time.Second, time.Millisecond)
}

func TestPublish_SkipsDisabledChannelUntilReEnabled(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	r := New(clk)
	defer r.Close()

	firstCh := make(chan struct{}, 10)
	secondCh := make(chan struct{}, 10)
	r.Register(ChannelConfig{Name: "first", Capacity: 10}, func(rec canonical.Record) Result {
		firstCh <- struct{}{}
		return Result{Success: true}
	})
	r.Register(ChannelConfig{Name: "second", Capacity: 10}, func(rec canonical.Record) Result {
		secondCh <- struct{}{}
		return Result{Success: true}
	})

	require.NoError(t, r.Disable("second"))
	r.Publish(canonical.Record{})

	require.Eventually(t, func() bool { return len(firstCh) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 0, len(secondCh))

	require.NoError(t, r.Enable("second"))
	r.Publish(canonical.Record{})
	require.Eventually(t, func() bool { return len(secondCh) == 1 }, time.Second, time.Millisecond)
}

func TestChannel_AutoDisablesAfterErrorStreak(t *testing.T) {
	clk := clock.NewFake(time.UnixMilli(1700000000000))
	r := New(clk)
	defer r.Close()

	r.Register(ChannelConfig{Name: "flaky", Capacity: 10, ErrorStreak: 3}, func(rec canonical.Record) Result {
		return Result{Success: false, Err: assertErr}
	})

	for i := 0; i < 3; i++ {
		r.Publish(canonical.Record{})
	}

	require.Eventually(t, func() bool {
		s, _ := r.Stats("flaky")
		return !s.Enabled
	}, time.Second, time.Millisecond)
}

var assertErr = errTest("sink failure")

type errTest string

func (e errTest) Error() string { return string(e) }
