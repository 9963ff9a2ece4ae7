package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesMergeOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := `
log_level: debug
http_port: 9090
publisher:
  addr: "redis.internal:6379"
  topic_prefix: "md"
exchanges:
  - name: binance
    base_url: "wss://stream.binance.com:9443"
    symbols: ["BTC/USDT"]
    types: ["trade"]
    max_streams_per_connection: 200
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 9090, cfg.HTTPPort)
	require.Equal(t, "redis.internal:6379", cfg.Publisher.Addr)
	require.Equal(t, "md", cfg.Publisher.TopicPrefix)
	require.Len(t, cfg.Exchanges, 1)
	require.Equal(t, "binance", cfg.Exchanges[0].Name)

	// Cache/backoff sections weren't in the file, so defaults carry through.
	require.Equal(t, DefaultConfig().Cache.MaxEntriesPerKey, cfg.Cache.MaxEntriesPerKey)
	require.Equal(t, DefaultConfig().Backoff.Initial, cfg.Backoff.Initial)
}

func TestMerge_IdentityIsZeroConfig(t *testing.T) {
	base := DefaultConfig()
	require.Equal(t, base, Merge(base, Config{}))
}

func TestValidate_RejectsMissingExchangeBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = []ExchangeConfig{{Name: "binance"}}
	require.Error(t, Validate(cfg))
}

func TestValidate_RejectsUnknownChannelPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels = []RouterChannelConfig{{Name: "x", Policy: "not_a_policy"}}
	require.Error(t, Validate(cfg))
}
