package probe

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

func testEngine() *Engine {
	return NewEngine(EngineConfig{
		UserAgent: "checkd-test/1.0",
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
}

func probeOpts() Options {
	return Options{Kind: model.KindWebsite, Timeout: 5 * time.Second}
}

func TestProbe_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-0" {
			t.Errorf("expected single-byte range request, got %q", r.Header.Get("Range"))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := testEngine().Probe(context.Background(), srv.URL, probeOpts())
	if res.Status != model.StatusOnline || res.DetailedStatus != model.DetailedUp {
		t.Fatalf("got %s/%s: %s", res.Status, res.DetailedStatus, res.Error)
	}
	if res.StatusCode != 200 {
		t.Fatalf("status code = %d", res.StatusCode)
	}
	if !res.UsedRange {
		t.Fatal("expected range request")
	}
}

func TestProbe_Redirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://elsewhere.example.com/")
		w.WriteHeader(http.StatusPermanentRedirect)
	}))
	defer srv.Close()

	res := testEngine().Probe(context.Background(), srv.URL, probeOpts())
	if res.Status != model.StatusOnline || res.DetailedStatus != model.DetailedRedirect {
		t.Fatalf("got %s/%s", res.Status, res.DetailedStatus)
	}
	if res.RedirectLocation != "https://elsewhere.example.com/" {
		t.Fatalf("redirect location = %q", res.RedirectLocation)
	}
}

func TestProbe_AuthRequiredIsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := testEngine().Probe(context.Background(), srv.URL, probeOpts())
	if res.Status != model.StatusOnline || res.DetailedStatus != model.DetailedUp {
		t.Fatalf("401 should be online/UP, got %s/%s", res.Status, res.DetailedStatus)
	}
}

func TestProbe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	res := testEngine().Probe(context.Background(), srv.URL, probeOpts())
	if res.Status != model.StatusOffline || res.DetailedStatus != model.DetailedDown {
		t.Fatalf("got %s/%s", res.Status, res.DetailedStatus)
	}
	if res.StatusCode != 503 {
		t.Fatalf("status code = %d", res.StatusCode)
	}
}

func TestProbe_RangeRejectedRetriesWithout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := testEngine().Probe(context.Background(), srv.URL, probeOpts())
	if res.Status != model.StatusOnline {
		t.Fatalf("expected online after no-range retry, got %s: %s", res.Status, res.Error)
	}
	if res.UsedRange {
		t.Fatal("result should report the successful no-range attempt")
	}
}

func TestProbe_MethodNotAllowedFallsBackToHEAD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	res := testEngine().Probe(context.Background(), srv.URL, probeOpts())
	if res.Status != model.StatusOnline {
		t.Fatalf("expected online via HEAD fallback, got %s: %s", res.Status, res.Error)
	}
	if res.UsedMethod != http.MethodHead {
		t.Fatalf("used method = %q", res.UsedMethod)
	}
}

func TestProbe_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	opts := probeOpts()
	opts.Timeout = 200 * time.Millisecond
	res := testEngine().Probe(context.Background(), srv.URL, opts)
	if res.Status != model.StatusOffline {
		t.Fatalf("got %s", res.Status)
	}
	if res.StatusCode != model.CodeTimeout {
		t.Fatalf("status code = %d, want -1", res.StatusCode)
	}
	if !strings.Contains(res.Error, "timeout after 200ms during") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res := testEngine().Probe(context.Background(), "http://"+addr, probeOpts())
	if res.Status != model.StatusOffline {
		t.Fatalf("got %s", res.Status)
	}
	if res.StatusCode != model.CodeConnectionError {
		t.Fatalf("status code = %d, want 0", res.StatusCode)
	}
	if res.Error == "" {
		t.Fatal("expected an error description")
	}
}

func TestProbe_HTTPSUpgrade(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Plain HTTP against the TLS port dies with an HTTP parse error on
	// the TLS alert bytes; the engine retries with the scheme upgraded.
	plainURL := "http" + strings.TrimPrefix(srv.URL, "https")
	res := testEngine().Probe(context.Background(), plainURL, probeOpts())
	if res.Status != model.StatusOnline {
		t.Fatalf("expected online after https upgrade, got %s: %s", res.Status, res.Error)
	}
	if res.StatusCode != 200 {
		t.Fatalf("status code = %d", res.StatusCode)
	}
}

func TestProbe_ExpectedCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	opts := probeOpts()
	opts.ExpectedStatusCodes = []int{418}
	res := testEngine().Probe(context.Background(), srv.URL, opts)
	if res.Status != model.StatusOnline {
		t.Fatalf("418 in the expected set should be online, got %s: %s", res.Status, res.Error)
	}
}

func TestProbe_ValidatorFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Error("range must not be used when a validator needs the body")
		}
		w.Write([]byte(`{"status":"degraded"}`))
	}))
	defer srv.Close()

	opts := probeOpts()
	opts.Validator = &model.BodyValidator{ContainsText: []string{"healthy"}}
	res := testEngine().Probe(context.Background(), srv.URL, opts)
	if res.Status != model.StatusOffline {
		t.Fatalf("failed validation should be offline, got %s", res.Status)
	}
	if !strings.Contains(res.Error, "validation failed") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestProbe_CaptureCert(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opts := probeOpts()
	opts.CaptureCert = true
	res := testEngine().Probe(context.Background(), srv.URL, opts)
	if res.Status != model.StatusOnline {
		t.Fatalf("got %s: %s", res.Status, res.Error)
	}
	if res.Cert == nil {
		t.Fatal("expected a certificate snapshot")
	}
	if len(res.Cert.FingerprintSHA256) != 64 {
		t.Fatalf("fingerprint = %q", res.Cert.FingerprintSHA256)
	}
	if res.Cert.NotAfterMs == 0 || res.Cert.LastCheckedMs == 0 {
		t.Fatalf("incomplete snapshot: %+v", res.Cert)
	}
}

func TestProbe_InvalidURL(t *testing.T) {
	res := testEngine().Probe(context.Background(), "not a url", probeOpts())
	if res.Status != model.StatusOffline || res.StatusCode != model.CodeConnectionError {
		t.Fatalf("got %s code=%d", res.Status, res.StatusCode)
	}
}

func TestProbe_UnsupportedScheme(t *testing.T) {
	res := testEngine().Probe(context.Background(), "ftp://example.com/file", probeOpts())
	if res.Status != model.StatusOffline {
		t.Fatalf("got %s", res.Status)
	}
	if !strings.Contains(res.Error, "unsupported scheme") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestProbe_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	res := testEngine().Probe(context.Background(), "tcp://"+ln.Addr().String(), probeOpts())
	if res.Status != model.StatusOnline || res.DetailedStatus != model.DetailedUp {
		t.Fatalf("got %s/%s: %s", res.Status, res.DetailedStatus, res.Error)
	}
}

func TestProbe_TCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res := testEngine().Probe(context.Background(), "tcp://"+addr, probeOpts())
	if res.Status != model.StatusOffline || res.StatusCode != model.CodeConnectionError {
		t.Fatalf("got %s code=%d", res.Status, res.StatusCode)
	}
}

func TestProbe_TCPMissingPort(t *testing.T) {
	res := testEngine().Probe(context.Background(), "tcp://example.com", probeOpts())
	if res.Status != model.StatusOffline {
		t.Fatalf("got %s", res.Status)
	}
	if !strings.Contains(res.Error, "invalid host:port") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestProbe_UDPEcho(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			_, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo([]byte("pong"), addr)
		}
	}()

	opts := probeOpts()
	opts.Timeout = 2 * time.Second
	res := testEngine().Probe(context.Background(), "udp://"+pc.LocalAddr().String(), opts)
	if res.Status != model.StatusOnline {
		t.Fatalf("got %s: %s", res.Status, res.Error)
	}
}

func TestProbe_UDPSilenceIsOnline(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close() // listens but never answers

	opts := probeOpts()
	opts.Timeout = 300 * time.Millisecond
	res := testEngine().Probe(context.Background(), "udp://"+pc.LocalAddr().String(), opts)
	if res.Status != model.StatusOnline {
		t.Fatalf("silence should be online, got %s: %s", res.Status, res.Error)
	}
}

func TestReadSnippet_Truncation(t *testing.T) {
	big := strings.Repeat("a", 20000)
	snippet, truncated := readSnippet(strings.NewReader(big), func() {})
	if len(snippet) != maxBodyBytes {
		t.Fatalf("snippet length = %d, want %d", len(snippet), maxBodyBytes)
	}
	if !truncated {
		t.Fatal("expected truncation")
	}

	snippet, truncated = readSnippet(strings.NewReader("small"), func() {})
	if snippet != "small" || truncated {
		t.Fatalf("got (%q, %v)", snippet, truncated)
	}
}
