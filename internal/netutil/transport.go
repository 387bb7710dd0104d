package netutil

import (
	"crypto/tls"
	"net/http"
)

// NewProbeTransport builds the transport used for a single HTTP probe.
// Keep-alives are disabled so every probe measures a full connection
// setup; redirects are never followed because probes use RoundTrip
// directly.
func NewProbeTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		DisableKeepAlives:  true,
		ForceAttemptHTTP2:  true,
		DisableCompression: false,
		TLSClientConfig:    tlsConfig,
	}
}
