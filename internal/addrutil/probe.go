package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// InspectionPath is where ngrok-style agents publish their tunnel list.
const InspectionPath = "/api/tunnels"

// InspectionURL builds the inspection endpoint URL for one candidate host.
//
// Hosts are normalized first, so "localhost:4040", "http://127.0.0.1/" and a
// bare IPv6 literal all yield a usable URL. The port argument always wins
// over a port embedded in the host.
func InspectionURL(host string, port int) string {
	return "http://" + net.JoinHostPort(NormalizeHost(host), strconv.Itoa(port)) + InspectionPath
}

// NormalizeHost strips scheme, path and port from a candidate host entry.
func NormalizeHost(host string) string {
	h := strings.TrimSpace(host)
	h = strings.TrimPrefix(h, "http://")
	h = strings.TrimPrefix(h, "https://")
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	if h == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4, name or bracketed IPv6).
	if hh, _, err := net.SplitHostPort(h); err == nil {
		return hh
	}

	// A bare IPv6 literal contains colons but no port to peel off.
	if strings.Contains(h, ":") {
		return strings.Trim(h, "[]")
	}
	return h
}
