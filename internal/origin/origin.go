// Package origin implements the browser Origin policy shared by the HTTP
// endpoints and the signaling WebSocket upgrade.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether a browser on some origin may talk to this server.
// With no allow list only same-host origins pass; "*" admits everyone.
type Policy struct {
	allowed []string
}

// NewPolicy takes origins already normalized by NormalizeHeader, "*" or
// "null".
func NewPolicy(allowed []string) Policy {
	return Policy{allowed: append([]string(nil), allowed...)}
}

// Check validates an Origin header against the request's Host. Requests
// without an Origin header come from non-browser clients and pass with an
// empty normalized origin.
func (p Policy) Check(header, requestHost string) (normalized string, ok bool) {
	if strings.TrimSpace(header) == "" {
		return "", true
	}
	normalized, host, ok := NormalizeHeader(header)
	if !ok {
		return "", false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == "*" || a == normalized {
				return normalized, true
			}
		}
		return "", false
	}

	// Same host:port regardless of scheme; TLS is often terminated upstream.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return "", false
	}
	reqHost, ok := normalizeAuthority(scheme, strings.ToLower(strings.TrimSpace(requestHost)))
	if !ok || reqHost != host {
		return "", false
	}
	return normalized, true
}

// NormalizeHeader validates a browser Origin header and returns
// scheme://host[:port] together with the host[:port] part. Default ports are
// dropped. The opaque origin "null" is returned as-is with no host.
func NormalizeHeader(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeAuthority(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeAuthority(scheme, authority string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets. The port is not validated.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}
	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
