package signaling

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/origin"
)

// originChecker returns a websocket.Upgrader CheckOrigin func for the given
// allow list.
//
// Requests without an Origin header come from non-browser clients and are let
// through; authentication still applies to them. Repeated Origin headers are
// always rejected.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		values := r.Header.Values("Origin")
		switch len(values) {
		case 0:
			return true
		case 1:
		default:
			return false
		}
		raw := strings.TrimSpace(values[0])
		if raw == "" {
			return true
		}
		normalized, host, ok := origin.NormalizeHeader(raw)
		if !ok {
			return false
		}
		return origin.IsAllowed(normalized, host, r.Host, allowed)
	}
}

// requestOrigin is the origin a request is logged under: the normalized
// Origin header, or scheme://host derived from the request itself.
func requestOrigin(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get("Origin")); raw != "" {
		if normalized, _, ok := origin.NormalizeHeader(raw); ok {
			return normalized
		}
		return raw
	}
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	scheme := "http"
	if proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ","); strings.EqualFold(strings.TrimSpace(proto), "https") || r.TLS != nil {
		scheme = "https"
	}
	if normalized, _, ok := origin.NormalizeHeader(scheme + "://" + host); ok {
		return normalized
	}
	return scheme + "://" + host
}
