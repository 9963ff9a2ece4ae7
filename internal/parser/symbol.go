package parser

import "strings"

// quoteSuffixes is the ordered table of known quote assets, longest first,
// used to split a concatenated wire symbol into BASE/QUOTE (spec §4.1).
var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

// NormalizeSymbol converts a wire symbol such as "btcusdt" or "BTCUSDT" into
// the canonical "BASE/QUOTE" form. If no known quote suffix matches, ok is
// false — the implementer's default is to reject rather than guess.
func NormalizeSymbol(wire string) (canonical string, ok bool) {
	upper := strings.ToUpper(wire)
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			base := upper[:len(upper)-len(quote)]
			return base + "/" + quote, true
		}
	}
	return "", false
}

// StreamSymbol lowercases a canonical "BASE/QUOTE" symbol back into the
// concatenated wire form used to build stream names (spec §6), e.g.
// "BTC/USDT" -> "btcusdt". It is the inverse of NormalizeSymbol modulo case.
func StreamSymbol(canonicalSymbol string) string {
	return strings.ToLower(strings.ReplaceAll(canonicalSymbol, "/", ""))
}
