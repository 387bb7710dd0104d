package probe

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// Connection stages, in order. The active stage name is attached to
// timeout errors for attribution; timings feed telemetry.
const (
	stageDNS     = "DNS"
	stageConnect = "CONNECT"
	stageTLS     = "TLS"
	stageTTFB    = "TTFB"
)

// stageTracker records which connection stage is active and how long
// each stage took. Callbacks may fire from transport goroutines, so all
// access is mutex-guarded.
type stageTracker struct {
	mu      sync.Mutex
	current string

	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	reqSent, firstByte        time.Time
}

func newStageTracker() *stageTracker {
	return &stageTracker{current: stageDNS}
}

// trace returns the httptrace hooks feeding this tracker.
func (s *stageTracker) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			s.set(stageDNS, &s.dnsStart)
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			s.set(stageConnect, &s.dnsDone)
		},
		ConnectStart: func(string, string) {
			s.set(stageConnect, &s.connectStart)
		},
		ConnectDone: func(string, string, error) {
			s.set(stageTTFB, &s.connectDone)
		},
		TLSHandshakeStart: func() {
			s.set(stageTLS, &s.tlsStart)
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			s.set(stageTTFB, &s.tlsDone)
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			s.set(stageTTFB, &s.reqSent)
		},
		GotFirstResponseByte: func() {
			s.set(stageTTFB, &s.firstByte)
		},
	}
}

func (s *stageTracker) set(stage string, at *time.Time) {
	s.mu.Lock()
	s.current = stage
	if at.IsZero() {
		*at = time.Now()
	}
	s.mu.Unlock()
}

// activeStage returns the stage the connection was in last.
func (s *stageTracker) activeStage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// timings converts the recorded marks into per-stage durations.
func (s *stageTracker) timings(start time.Time) model.StageTimings {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t model.StageTimings
	if !s.dnsStart.IsZero() && s.dnsDone.After(s.dnsStart) {
		t.DNSMs = s.dnsDone.Sub(s.dnsStart).Milliseconds()
	}
	if !s.connectStart.IsZero() && s.connectDone.After(s.connectStart) {
		t.ConnectMs = s.connectDone.Sub(s.connectStart).Milliseconds()
	}
	if !s.tlsStart.IsZero() && s.tlsDone.After(s.tlsStart) {
		t.TLSMs = s.tlsDone.Sub(s.tlsStart).Milliseconds()
	}
	if !s.firstByte.IsZero() {
		from := s.reqSent
		if from.IsZero() {
			from = start
		}
		if s.firstByte.After(from) {
			t.TTFBMs = s.firstByte.Sub(from).Milliseconds()
		}
	}
	return t
}
