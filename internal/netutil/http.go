// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// Headers that are unsafe to replay through the tunnel: hop-by-hop headers
// plus message-framing headers the receiving side recomputes.
var unsafeReplayHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// FilterProxyHeaders returns a copy of h with headers that must not be
// replayed through the tunnel removed. Headers named by the Connection
// header are stripped as well.
func FilterProxyHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	drop := make(map[string]bool, len(unsafeReplayHeaders))
	for _, name := range unsafeReplayHeaders {
		drop[name] = true
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				drop[key] = true
			}
		}
	}
	for k, v := range h {
		if drop[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
