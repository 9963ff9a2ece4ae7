package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/meteo-x/marketfeed/internal/canonical"
	"github.com/meteo-x/marketfeed/internal/clock"
	"github.com/meteo-x/marketfeed/internal/errs"
	"github.com/meteo-x/marketfeed/internal/metrics"
)

const (
	// DefaultMaxBatchSize bounds parse_batch per spec §4.1.
	DefaultMaxBatchSize = 1000

	maxClockSkewFuture = 2 * time.Minute
	maxClockSkewPast   = 24 * time.Hour
)

// Parser decodes exchange wire messages into canonical.Record values. It
// never tears a connection down on a bad message: per-record failures are
// counted and the record is dropped (spec §4.1 failure semantics).
type Parser struct {
	exchange string
	clock    clock.Clock
	stats    *Stats
	metrics  *metrics.Registry
}

// New creates a Parser for one exchange's wire format.
func New(exchange string, clk clock.Clock) *Parser {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Parser{exchange: exchange, clock: clk, stats: newStats()}
}

// SetMetrics wires r into the Parser so every Parse call reports its outcome
// and duration to the Prometheus registry, not just the in-process Stats.
func (p *Parser) SetMetrics(r *metrics.Registry) { p.metrics = r }

// Stats returns a live view of parse statistics.
func (p *Parser) Stats() Snapshot { return p.stats.snapshot() }

// Parse decodes a single wire message, optionally asserting it is of
// expectedType, and returns the canonical record. On failure it returns a
// *errs.Error and records the failure in Stats; callers must not tear down
// the connection on error.
func (p *Parser) Parse(raw []byte, expectedType canonical.Type) (rec canonical.Record, err error) {
	start := p.clock.Now()
	defer func() {
		d := p.clock.Now().Sub(start)
		p.stats.recordAttempt(d, err)
		if p.metrics != nil {
			p.metrics.RecordParse(p.exchange, d, errKind(err))
		}
	}()

	inner, _, uerr := unwrap(raw)
	if uerr != nil {
		err = errs.Wrap(errs.KindParse, uerr, map[string]any{"exchange": p.exchange})
		return rec, err
	}

	var tag eventTag
	if jerr := json.Unmarshal(inner, &tag); jerr != nil {
		err = errs.Wrap(errs.KindParse, jerr, map[string]any{"exchange": p.exchange})
		return rec, err
	}

	switch tag.Event {
	case "trade":
		rec, err = p.parseTrade(inner)
	case "24hrTicker":
		rec, err = p.parseTicker(inner)
	case "kline":
		rec, err = p.parseKline(inner)
	case "depthUpdate":
		rec, err = p.parseDepth(inner)
	default:
		err = errs.New(errs.KindParse, map[string]any{"exchange": p.exchange, "event": tag.Event, "reason": "unknown event tag"})
		return rec, err
	}
	if err != nil {
		return rec, err
	}

	// depth and orderbook are the same wire event (depthUpdate) and the same
	// payload shape (spec §3); a subscription requesting either one is
	// satisfied by a depthUpdate frame, tagged with whichever type was
	// actually requested rather than rejected as a type mismatch.
	if rec.Type == canonical.TypeDepth && (expectedType == canonical.TypeOrderBook || expectedType == canonical.TypeDepth) {
		rec.Type = expectedType
	} else if expectedType != "" && rec.Type != expectedType {
		err = errs.New(errs.KindValidation, map[string]any{"expected": expectedType, "got": rec.Type})
		return rec, err
	}

	if verr := p.validateTimestamp(rec.EventTimestampMs); verr != nil {
		return rec, verr
	}

	rec.ReceivedTimestampMs = p.clock.Now().UnixMilli()
	return rec, nil
}

// ParseBatch decodes a slice of wire messages; it fails the whole batch
// with errs.KindBatchTooLarge (before any parsing begins) if len(raws)
// exceeds maxSize. Per-message failures inside an accepted batch are
// collected, not fatal to the batch.
func (p *Parser) ParseBatch(raws [][]byte, expectedType canonical.Type, maxSize int) ([]canonical.Record, []error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	if len(raws) > maxSize {
		return nil, []error{errs.New(errs.KindBatchTooLarge, map[string]any{"size": len(raws), "max": maxSize})}
	}

	records := make([]canonical.Record, 0, len(raws))
	var errors []error
	for _, raw := range raws {
		rec, err := p.Parse(raw, expectedType)
		if err != nil {
			errors = append(errors, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errors
}

// Validate reports whether raw decodes and passes validation for the given
// type without returning the record; it is a cheap boolean wrapper over
// Parse for callers that only need a yes/no.
func (p *Parser) Validate(raw []byte, expectedType canonical.Type) bool {
	_, err := p.Parse(raw, expectedType)
	return err == nil
}

func (p *Parser) validateTimestamp(eventMs int64) error {
	now := p.clock.Now()
	eventTime := time.UnixMilli(eventMs)
	if eventTime.Before(now.Add(-maxClockSkewPast)) || eventTime.After(now.Add(maxClockSkewFuture)) {
		return errs.New(errs.KindStaleOrFuture, map[string]any{"event_ts": eventMs, "now_ts": now.UnixMilli()})
	}
	return nil
}

func (p *Parser) parseTrade(inner []byte) (canonical.Record, error) {
	var w binanceTradeWire
	if err := json.Unmarshal(inner, &w); err != nil {
		return canonical.Record{}, errs.Wrap(errs.KindParse, err, nil)
	}
	symbol, ok := NormalizeSymbol(w.Symbol)
	if !ok {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"symbol": w.Symbol, "reason": "unknown quote suffix"})
	}
	price, err := strconv.ParseFloat(w.Price, 64)
	if err != nil || price <= 0 {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"price": w.Price, "reason": "price must be > 0"})
	}
	qty, err := strconv.ParseFloat(w.Quantity, 64)
	if err != nil || qty <= 0 {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"quantity": w.Quantity, "reason": "trade quantity must be > 0"})
	}

	side := canonical.SideBuy
	if w.IsBuyer {
		// IsBuyer true means the buyer was the maker: the taker sold.
		side = canonical.SideSell
	}

	return canonical.Record{
		Exchange:         p.exchange,
		Symbol:           symbol,
		Type:             canonical.TypeTrade,
		EventTimestampMs: w.EventTime,
		Payload: canonical.TradePayload{
			ID:        strconv.FormatInt(w.TradeID, 10),
			Price:     w.Price,
			Quantity:  w.Quantity,
			Side:      side,
			TradeTime: w.TradeTime,
		},
	}, nil
}

func (p *Parser) parseTicker(inner []byte) (canonical.Record, error) {
	var w binanceTickerWire
	if err := json.Unmarshal(inner, &w); err != nil {
		return canonical.Record{}, errs.Wrap(errs.KindParse, err, nil)
	}
	symbol, ok := NormalizeSymbol(w.Symbol)
	if !ok {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"symbol": w.Symbol})
	}
	changePct, err := strconv.ParseFloat(w.ChangePct, 64)
	if err != nil {
		return canonical.Record{}, errs.Wrap(errs.KindParse, err, map[string]any{"field": "P"})
	}

	return canonical.Record{
		Exchange:         p.exchange,
		Symbol:           symbol,
		Type:             canonical.TypeTicker,
		EventTimestampMs: w.EventTime,
		Payload: canonical.TickerPayload{
			Last:      w.Last,
			Bid:       w.Bid,
			Ask:       w.Ask,
			Change24h: changePct,
			Volume24h: w.Volume,
			High24h:   w.High,
			Low24h:    w.Low,
		},
	}, nil
}

func (p *Parser) parseKline(inner []byte) (canonical.Record, error) {
	var w binanceKlineWire
	if err := json.Unmarshal(inner, &w); err != nil {
		return canonical.Record{}, errs.Wrap(errs.KindParse, err, nil)
	}
	symbol, ok := NormalizeSymbol(w.Symbol)
	if !ok {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"symbol": w.Symbol})
	}
	klineType, ok := canonical.KlineType(w.Kline.Interval)
	if !ok {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"interval": w.Kline.Interval, "reason": "unsupported kline interval"})
	}
	price, err := strconv.ParseFloat(w.Kline.Open, 64)
	if err != nil || price <= 0 {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"open": w.Kline.Open})
	}

	return canonical.Record{
		Exchange:         p.exchange,
		Symbol:           symbol,
		Type:             klineType,
		EventTimestampMs: w.EventTime,
		Payload: canonical.KlinePayload{
			Open:      w.Kline.Open,
			High:      w.Kline.High,
			Low:       w.Kline.Low,
			Close:     w.Kline.Close,
			Volume:    w.Kline.Volume,
			OpenTime:  w.Kline.OpenTime,
			CloseTime: w.Kline.CloseTime,
			Interval:  w.Kline.Interval,
			Closed:    w.Kline.Closed,
		},
	}, nil
}

func (p *Parser) parseDepth(inner []byte) (canonical.Record, error) {
	var w binanceDepthWire
	if err := json.Unmarshal(inner, &w); err != nil {
		return canonical.Record{}, errs.Wrap(errs.KindParse, err, nil)
	}
	symbol, ok := NormalizeSymbol(w.Symbol)
	if !ok {
		return canonical.Record{}, errs.New(errs.KindValidation, map[string]any{"symbol": w.Symbol})
	}

	bids, err := levels(w.Bids)
	if err != nil {
		return canonical.Record{}, err
	}
	asks, err := levels(w.Asks)
	if err != nil {
		return canonical.Record{}, err
	}

	return canonical.Record{
		Exchange:         p.exchange,
		Symbol:           symbol,
		Type:             canonical.TypeDepth,
		EventTimestampMs: w.EventTime,
		Payload: canonical.DepthPayload{
			Bids:       bids,
			Asks:       asks,
			UpdateTime: w.EventTime,
		},
	}, nil
}

// errKind renders err's errs.Kind for the parse_errors_total label, or ""
// for a nil err (a successful parse).
func errKind(err error) string {
	if err == nil {
		return ""
	}
	if se, ok := err.(*errs.Error); ok {
		return string(se.Kind)
	}
	return "unknown"
}

func levels(raw [][]string) ([]canonical.PriceLevel, error) {
	out := make([]canonical.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) != 2 {
			return nil, errs.New(errs.KindValidation, map[string]any{"reason": "malformed price level", "level": fmt.Sprint(lvl)})
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil || price <= 0 {
			return nil, errs.New(errs.KindValidation, map[string]any{"price": lvl[0]})
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil || qty < 0 {
			return nil, errs.New(errs.KindValidation, map[string]any{"quantity": lvl[1]})
		}
		out = append(out, canonical.PriceLevel{Price: lvl[0], Quantity: lvl[1]})
	}
	return out, nil
}
