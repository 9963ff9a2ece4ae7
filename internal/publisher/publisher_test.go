package publisher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meteo-x/marketfeed/internal/canonical"
)

func TestTopic_FollowsPrefixTypeExchangeTemplate(t *testing.T) {
	p := New(Config{Addr: "localhost:6379", TopicPrefix: "md"})
	defer p.Close()

	rec := canonical.Record{Exchange: "binance", Type: canonical.TypeTrade}
	require.Equal(t, "md-trade-binance", p.Topic(rec))
}

func TestPublish_DisabledIsNoOpSuccess(t *testing.T) {
	p := New(Config{Addr: "localhost:6379"})
	defer p.Close()
	p.SetEnabled(false)

	err := p.Publish(context.Background(), canonical.Record{Exchange: "binance", Type: canonical.TypeTrade})
	require.NoError(t, err)

	stats := p.Stats()
	require.Equal(t, int64(0), stats.Published)
	require.Equal(t, int64(0), stats.Failed)
	require.False(t, stats.Enabled)
}

func TestSetEnabled_TogglesIndependentlyOfOtherSinks(t *testing.T) {
	p := New(Config{Addr: "localhost:6379"})
	defer p.Close()

	require.True(t, p.Enabled())
	p.SetEnabled(false)
	require.False(t, p.Enabled())
	p.SetEnabled(true)
	require.True(t, p.Enabled())
}
