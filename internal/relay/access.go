package relay

import (
	"net"
	"net/http"
	"strings"
)

// accessTier is the three-way classification spec.md §4.3 uses to decide
// whether a request needs a session cookie at all.
type accessTier string

const (
	tierLocalhost accessTier = "localhost"
	tierLAN       accessTier = "lan"
	tierInternet  accessTier = "internet"
)

// classifyAccess evaluates the tiers in order: localhost first (requires the
// socket address AND Host AND, if present, Origin to all agree it's local —
// this is what keeps an ngrok tunnel pointed at loopback from being treated
// as local), then LAN, then internet as the catch-all.
func classifyAccess(r *http.Request) accessTier {
	if isLoopbackAddr(r.RemoteAddr) && isLocalHost(r.Host) && originAgreesLocal(r) {
		return tierLocalhost
	}
	if isLANHost(r.Host) {
		return tierLAN
	}
	return tierInternet
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func isLocalHost(host string) bool {
	h := stripPort(host)
	switch h {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return strings.HasPrefix(h, "127.")
}

func originAgreesLocal(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	h := stripPort(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"))
	return strings.HasPrefix(h, "localhost") || strings.HasPrefix(h, "127.0.0.1") || strings.HasPrefix(h, "::1")
}

func isLANHost(host string) bool {
	h := stripPort(host)
	if strings.HasSuffix(h, ".local") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	private := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}
	for _, cidr := range private {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// requiresAuth reports whether tier demands a session cookie / CSRF at all.
func (t accessTier) requiresAuth() bool { return t != tierLocalhost }
