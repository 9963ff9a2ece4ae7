package parser

import (
	"strconv"
	"testing"
	"time"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/stretchr/testify/require"
)

func fixedClock() *clock.Fake {
	return clock.NewFake(time.UnixMilli(1699123456789))
}

func TestParse_ScenarioA_SingleTrade(t *testing.T) {
	p := New("binance", fixedClock())
	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","E":1699123456789,"s":"BTCUSDT","t":12345,"p":"50000.00","q":"0.1","T":1699123456789,"m":false}}`)

	rec, err := p.Parse(raw, "")
	require.NoError(t, err)

	require.Equal(t, "binance", rec.Exchange)
	require.Equal(t, "BTC/USDT", rec.Symbol)
	require.Equal(t, canonical.TypeTrade, rec.Type)
	require.Equal(t, int64(1699123456789), rec.EventTimestampMs)

	trade, ok := rec.Payload.(canonical.TradePayload)
	require.True(t, ok)
	require.Equal(t, "12345", trade.ID)
	require.Equal(t, "50000.00", trade.Price)
	require.Equal(t, "0.1", trade.Quantity)
	require.Equal(t, canonical.SideBuy, trade.Side)
	require.Equal(t, int64(1699123456789), trade.TradeTime)
}

func TestParse_ScenarioB_ClosedKline(t *testing.T) {
	p := New("binance", fixedClock())
	raw := []byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":1699123499999,"s":"BTCUSDT","k":{"t":1699123440000,"T":1699123499999,"s":"BTCUSDT","i":"1m","o":"49900","c":"50000","h":"50100","l":"49850","v":"10.5","x":true}}}`)

	rec, err := p.Parse(raw, "")
	require.NoError(t, err)
	require.Equal(t, canonical.TypeKline1m, rec.Type)

	kline, ok := rec.Payload.(canonical.KlinePayload)
	require.True(t, ok)
	require.True(t, kline.Closed)
	require.Equal(t, int64(1699123440000), kline.OpenTime)
	require.Equal(t, int64(1699123499999), kline.CloseTime)
}

func TestParse_UnknownQuoteSuffix_Rejected(t *testing.T) {
	p := New("binance", fixedClock())
	raw := []byte(`{"e":"trade","E":1699123456789,"s":"FOOBAR","t":1,"p":"1","q":"1","T":1699123456789,"m":false}`)

	_, err := p.Parse(raw, "")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestParse_StaleTimestamp_Rejected(t *testing.T) {
	p := New("binance", fixedClock())
	stale := fixedClock().Now().Add(-48 * time.Hour).UnixMilli()
	raw := []byte(`{"e":"trade","E":` + strconv.FormatInt(stale, 10) + `,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1,"m":false}`)

	_, err := p.Parse(raw, "")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindStaleOrFuture))
}

func TestParse_NegativePrice_Rejected(t *testing.T) {
	p := New("binance", fixedClock())
	raw := []byte(`{"e":"trade","E":1699123456789,"s":"BTCUSDT","t":1,"p":"-1","q":"1","T":1,"m":false}`)

	_, err := p.Parse(raw, "")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestParseBatch_TooLarge(t *testing.T) {
	p := New("binance", fixedClock())
	raws := make([][]byte, 5)
	for i := range raws {
		raws[i] = []byte(`{"e":"trade","E":1699123456789,"s":"BTCUSDT","t":1,"p":"1","q":"1","T":1,"m":false}`)
	}

	records, errList := p.ParseBatch(raws, "", 3)
	require.Nil(t, records)
	require.Len(t, errList, 1)
	require.True(t, errs.Is(errList[0], errs.KindBatchTooLarge))
}

func TestSymbolNormalization_LongestSuffixFirst(t *testing.T) {
	cases := map[string]string{
		"btcusdt": "BTC/USDT",
		"ethbtc":  "ETH/BTC",
		"bnbbusd": "BNB/BUSD",
	}
	for wire, want := range cases {
		got, ok := NormalizeSymbol(wire)
		require.True(t, ok, wire)
		require.Equal(t, want, got)
	}
}
