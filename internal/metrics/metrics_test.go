package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// newIsolatedRegistry builds a Registry without touching the global
// prometheus default registerer, so tests can run side by side.
func newIsolatedRegistry(t *testing.T) *Registry {
	t.Helper()
	old := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	t.Cleanup(func() { prometheus.DefaultRegisterer = old })
	return New()
}

func TestRecordParse_IncrementsTotalsAndHistogram(t *testing.T) {
	r := newIsolatedRegistry(t)

	r.RecordParse("binance", 2*time.Millisecond, "")
	require.Equal(t, float64(1), testutil.ToFloat64(r.ParseTotal.WithLabelValues("binance")))
	require.Equal(t, float64(0), testutil.ToFloat64(r.ParseErrors.WithLabelValues("binance", "parse_error")))

	r.RecordParse("binance", time.Millisecond, "parse_error")
	require.Equal(t, float64(2), testutil.ToFloat64(r.ParseTotal.WithLabelValues("binance")))
	require.Equal(t, float64(1), testutil.ToFloat64(r.ParseErrors.WithLabelValues("binance", "parse_error")))
}

func TestHandler_ReturnsNonNil(t *testing.T) {
	require.NotNil(t, Handler())
}
