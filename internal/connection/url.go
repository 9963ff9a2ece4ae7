package connection

import "strings"

// BuildURL constructs the combined-stream URL form from spec §4.2/§6:
// <base>/stream?streams=<name1>/<name2>/... A single stream still uses the
// combined form; it is accepted either way by the exchange.
func BuildURL(base string, streams []string) string {
	base = strings.TrimRight(base, "/")
	if len(streams) == 0 {
		return base + "/stream?streams="
	}
	return base + "/stream?streams=" + strings.Join(streams, "/")
}
