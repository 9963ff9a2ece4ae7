// Package canonical defines the exchange-agnostic market-data record the
// Parser produces and every downstream component (Router, Stream Cache,
// Control Surface) consumes.
package canonical

import "time"

// Type enumerates the canonical record's tagged-sum discriminator.
type Type string

const (
	TypeTrade      Type = "trade"
	TypeTicker     Type = "ticker"
	TypeKline1m    Type = "kline_1m"
	TypeKline5m    Type = "kline_5m"
	TypeKline15m   Type = "kline_15m"
	TypeKline30m   Type = "kline_30m"
	TypeKline1h    Type = "kline_1h"
	TypeKline4h    Type = "kline_4h"
	TypeKline1d    Type = "kline_1d"
	TypeDepth      Type = "depth"
	TypeOrderBook  Type = "orderbook"
)

// KlineType maps a wire interval string to the canonical kline type. Only
// the subset of Binance-family intervals the canonical schema names (spec
// §3) has a dedicated Type; other intervals return ok=false, and the Parser
// rejects such klines with a validation error.
func KlineType(interval string) (Type, bool) {
	switch interval {
	case "1m":
		return TypeKline1m, true
	case "5m":
		return TypeKline5m, true
	case "15m":
		return TypeKline15m, true
	case "30m":
		return TypeKline30m, true
	case "1h":
		return TypeKline1h, true
	case "4h":
		return TypeKline4h, true
	case "1d":
		return TypeKline1d, true
	default:
		return "", false
	}
}

// Side is the trade taker side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Record is the wire-agnostic output of the Parser.
type Record struct {
	Exchange           string
	Symbol             string // canonical BASE/QUOTE, uppercase
	Type               Type
	EventTimestampMs   int64
	ReceivedTimestampMs int64
	Payload            any // one of TradePayload, TickerPayload, KlinePayload, DepthPayload
}

// TradePayload is the §3 trade payload. Price/Quantity are preserved as
// strings end-to-end; the Parser must not round them.
type TradePayload struct {
	ID        string
	Price     string
	Quantity  string
	Side      Side
	TradeTime int64
}

// TickerPayload is the §3 ticker payload.
type TickerPayload struct {
	Last      string
	Bid       string
	Ask       string
	Change24h float64
	Volume24h string
	High24h   string
	Low24h    string
}

// KlinePayload is the §3 kline_* payload.
type KlinePayload struct {
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	OpenTime  int64
	CloseTime int64
	Interval  string
	Closed    bool
}

// PriceLevel is one bid/ask level of a depth/orderbook payload.
type PriceLevel struct {
	Price    string
	Quantity string
}

// DepthPayload is the §3 depth/orderbook payload; depth and orderbook share
// this shape but remain distinct Type values (§9 open question) so
// downstream consumers can filter on book-update vs full-snapshot semantics.
type DepthPayload struct {
	Bids       []PriceLevel
	Asks       []PriceLevel
	UpdateTime int64
}

// NowMs is a small helper so call sites read naturally; production code
// should prefer an injected clock.Clock, this exists for Parser call sites
// that only need a received_timestamp stamp, not a controllable clock.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
