package parser

import "encoding/json"

// envelope is the combined-stream wrapper from spec §4.1/§6:
// {"stream": "<name>", "data": <single-stream message>}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventTag extracts the "e" discriminator Binance-family messages carry.
type eventTag struct {
	Event string `json:"e"`
}

// unwrap returns the inner single-stream message and, if present, the wire
// stream name. A message with no top-level "stream"/"data" envelope is
// itself the single-stream message.
func unwrap(raw []byte) (inner []byte, streamName string, err error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return env.Data, env.Stream, nil
	}
	return raw, "", nil
}

type binanceTradeWire struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsBuyer   bool   `json:"m"`
}

type binanceTickerWire struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	ChangePct string `json:"P"`
	Volume    string `json:"v"`
	High      string `json:"h"`
	Low       string `json:"l"`
}

type binanceKlineWire struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type binanceDepthWire struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}
