// Package origin normalizes browser Origin headers and decides whether a call
// frontend served from that origin may open a signaling socket.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] together with the host[:port] part.
//
// "null" is accepted and returned as-is with an empty host.
func NormalizeHeader(raw string) (normalized string, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to the relay when the
// request arrived with the given Host header.
//
// A non-empty allow list is matched exactly ("*" matches everything). An empty
// list means same host only; the scheme is ignored so TLS can terminate in a
// proxy in front of the relay.
func IsAllowed(normalized, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalized, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	return ok && reqHost == originHost
}

// canonicalHost lowercases the hostname, brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(hostport, scheme string) (string, bool) {
	hostname, port := hostport, ""
	switch {
	case strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]"):
		hostname = hostport[1 : len(hostport)-1]
	case strings.HasPrefix(hostport, "[") || strings.Count(hostport, ":") == 1:
		h, p, err := net.SplitHostPort(hostport)
		if err != nil {
			return "", false
		}
		hostname, port = h, p
	case strings.Contains(hostport, ":"):
		// Bare IPv6 literals are not valid in Host/Origin.
		return "", false
	}

	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var n uint64
	if port != "" {
		v, err := strconv.ParseUint(port, 10, 16)
		if err != nil || v == 0 {
			return "", false
		}
		n = v
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		n = 0
	}

	out := hostname
	if strings.Contains(hostname, ":") {
		out = "[" + hostname + "]"
	}
	if n != 0 {
		out += ":" + strconv.FormatUint(n, 10)
	}
	return out, true
}
