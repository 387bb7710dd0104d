// Package netutil provides shared networking helpers for the probe
// engine and metadata resolver.
package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain extracts the effective top-level-domain-plus-one
// (eTLD+1) from a target string that may be a URL, host:port, an IPv6
// address, etc.
//
// Examples:
//
//	"https://status.example.co.uk/x" -> "example.co.uk"
//	"api.example.com:8443"           -> "example.com"
//	"192.168.1.1:8080"               -> "192.168.1.1"
//	"[::1]:80"                       -> "::1"
func ExtractDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target

	// net.SplitHostPort handles both "host:port" and "[ipv6]:port".
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	// Returns an error for IP addresses, localhost, or bare TLDs.
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// HostPort splits host and port from a tcp:// or udp:// target URL host.
// Returns ok=false when the port is missing or outside [1, 65535].
func HostPort(rawHost string) (host string, port int, ok bool) {
	h, p, err := net.SplitHostPort(rawHost)
	if err != nil {
		return "", 0, false
	}
	n := 0
	for _, c := range p {
		if c < '0' || c > '9' {
			return "", 0, false
		}
		n = n*10 + int(c-'0')
		if n > 65535 {
			return "", 0, false
		}
	}
	if n < 1 {
		return "", 0, false
	}
	return h, n, true
}
