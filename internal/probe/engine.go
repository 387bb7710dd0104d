// Package probe implements the single-shot probe engine: HTTP(S) with
// staged timing and fallback retries, raw TCP connect, and UDP reachability.
// The engine performs exactly one probe per call and never talks to the
// store or warehouse; confirmation and retry policy belong to the scheduler.
package probe

import (
	"context"
	"crypto/tls"
	"net/url"
	"strings"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

const (
	// maxBodyBytes caps the response snippet used for validation.
	maxBodyBytes = 8192
	// bodyReadTimeout bounds the first-chunk body read independently of
	// the total probe timeout.
	bodyReadTimeout = 5 * time.Second
)

// Options carries the per-target probe configuration. It is passed
// explicitly so the engine reads no ambient state.
type Options struct {
	Kind                model.TargetKind
	Method              string
	Headers             map[string]string
	Body                string
	Validator           *model.BodyValidator
	ExpectedStatusCodes []int
	CacheNoCache        bool
	CaptureCert         bool

	// Timeout is the single total timeout governing the full probe,
	// fallback attempts included.
	Timeout time.Duration
}

// EngineConfig configures the probe engine.
type EngineConfig struct {
	UserAgent string
	// TLSConfig is injectable for tests; nil uses defaults.
	TLSConfig *tls.Config
}

// Engine performs probes. Safe for concurrent use.
type Engine struct {
	userAgent string
	tlsConfig *tls.Config
}

// NewEngine creates a probe engine.
func NewEngine(cfg EngineConfig) *Engine {
	ua := cfg.UserAgent
	if ua == "" {
		ua = "checkd/1.0"
	}
	return &Engine{userAgent: ua, tlsConfig: cfg.TLSConfig}
}

// Probe performs one probe against rawURL, dispatching on scheme.
// It always returns a result; errors are folded into the result's
// status and error text.
func (e *Engine) Probe(ctx context.Context, rawURL string, opts Options) *model.ProbeResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			Error:          "invalid target URL: " + rawURL,
		}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return e.probeHTTP(ctx, u, opts, timeout)
	case "tcp":
		return probeTCP(ctx, u.Host, timeout)
	case "udp":
		return probeUDP(ctx, u.Host, timeout)
	default:
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			Error:          "unsupported scheme: " + u.Scheme,
		}
	}
}
