package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
	"github.com/Mopra/exit1.dev-sub001/internal/netutil"
)

// rangeRetryStatus reports whether a Range: bytes=0-0 response status
// warrants one retry without the range header.
func rangeRetryStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusMethodNotAllowed,
		http.StatusNotAcceptable, http.StatusRequestedRangeNotSatisfiable,
		http.StatusNotImplemented:
		return true
	}
	return false
}

// headFallbackStatus reports whether the no-range retry should instead
// be attempted as HEAD. The fallback is one-directional: a HEAD that
// itself fails is classified as-is.
func headFallbackStatus(code int) bool {
	return code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented
}

// upgradableError matches the allow-list of low-level errors that
// justify one retry with the scheme upgraded to HTTPS.
func upgradableError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT, syscall.EPIPE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	// A plaintext request answered with TLS bytes surfaces as an HTTP
	// parse error.
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP")
}

// attempt is the outcome of one request pass.
type attempt struct {
	resp    *http.Response
	tracker *stageTracker
	start   time.Time
	elapsed time.Duration
	err     error
}

func (a *attempt) closeBody() {
	if a.resp != nil && a.resp.Body != nil {
		a.resp.Body.Close()
	}
}

// doAttempt performs a single request pass without following redirects.
func (e *Engine) doAttempt(ctx context.Context, u *url.URL, method string, useRange bool, opts Options) attempt {
	tracker := newStageTracker()

	var body io.Reader
	if opts.Body != "" && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(
		httptrace.WithClientTrace(ctx, tracker.trace()),
		method, u.String(), body,
	)
	if err != nil {
		return attempt{tracker: tracker, start: time.Now(), err: fmt.Errorf("probe: create request: %w", err)}
	}

	req.Header.Set("User-Agent", e.userAgent)
	switch opts.Kind {
	case model.KindRestEndpoint:
		req.Header.Set("Accept", "application/json")
	default:
		req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*")
	}
	if opts.CacheNoCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	if useRange {
		req.Header.Set("Range", "bytes=0-0")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	transport := netutil.NewProbeTransport(e.tlsConfig)
	defer transport.CloseIdleConnections()

	start := time.Now()
	resp, err := transport.RoundTrip(req)
	elapsed := time.Since(start)
	return attempt{resp: resp, tracker: tracker, start: start, elapsed: elapsed, err: err}
}

// probeHTTP drives the HTTP probing state machine: optional single-byte
// range read, no-range and HEAD fallbacks, and a one-shot HTTPS upgrade
// on the connection-error allow-list. Redirects are never followed.
func (e *Engine) probeHTTP(ctx context.Context, u *url.URL, opts Options, timeout time.Duration) *model.ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	useRange := method == http.MethodGet && opts.Validator == nil && opts.Body == ""

	target := *u
	usedRange := useRange

	att := e.doAttempt(pctx, &target, method, useRange, opts)

	// Range fallback: retry without the range header, or as HEAD for
	// 405/501.
	if att.err == nil && useRange && rangeRetryStatus(att.resp.StatusCode) {
		code := att.resp.StatusCode
		att.closeBody()
		if headFallbackStatus(code) {
			method = http.MethodHead
		}
		useRange = false
		usedRange = false
		att = e.doAttempt(pctx, &target, method, false, opts)
	}

	// HTTPS upgrade: one retry when plain HTTP dies with a low-level
	// error from the allow-list.
	if att.err != nil && target.Scheme == "http" && upgradableError(att.err) {
		att.closeBody()
		upgraded := target
		upgraded.Scheme = "https"
		retry := e.doAttempt(pctx, &upgraded, method, useRange, opts)
		if retry.err == nil && useRange && rangeRetryStatus(retry.resp.StatusCode) {
			code := retry.resp.StatusCode
			retry.closeBody()
			if headFallbackStatus(code) {
				method = http.MethodHead
			}
			useRange = false
			usedRange = false
			retry = e.doAttempt(pctx, &upgraded, method, false, opts)
		}
		if retry.err == nil {
			att = retry
		} else {
			// The upgrade was speculative; report the original failure.
			retry.closeBody()
		}
	}

	if att.err != nil {
		return e.httpErrorResult(pctx, att, timeout)
	}
	defer att.closeBody()

	res := &model.ProbeResult{
		StatusCode:     att.resp.StatusCode,
		ResponseTimeMs: att.elapsed.Milliseconds(),
		Timings:        att.tracker.timings(att.start),
		UsedMethod:     method,
		UsedRange:      usedRange,
	}

	res.Status, res.DetailedStatus, res.Error = classifyStatus(att.resp.StatusCode, opts.ExpectedStatusCodes)

	if res.DetailedStatus == model.DetailedRedirect {
		res.RedirectLocation = att.resp.Header.Get("Location")
	}

	if method != http.MethodHead {
		snippet, _ := readSnippet(att.resp.Body, cancel)
		res.BodySnippet = snippet
	}

	if res.Status == model.StatusOnline && opts.Validator != nil {
		if verr := validateBody(res.BodySnippet, opts.Validator); verr != "" {
			res.Status = model.StatusOffline
			res.DetailedStatus = model.DetailedDown
			res.Error = verr
		}
	}

	res.Hints = extractEdgeHints(att.resp.Header)
	if opts.CaptureCert {
		res.Cert = certSnapshot(att.resp)
	}
	return res
}

// httpErrorResult folds a failed attempt into an offline result,
// distinguishing timeouts (code -1, labeled with the active stage)
// from connection errors (code 0).
func (e *Engine) httpErrorResult(ctx context.Context, att attempt, timeout time.Duration) *model.ProbeResult {
	res := &model.ProbeResult{
		Status:         model.StatusOffline,
		DetailedStatus: model.DetailedDown,
		ResponseTimeMs: att.elapsed.Milliseconds(),
		Timings:        att.tracker.timings(att.start),
	}

	var netErr net.Error
	timedOut := errors.Is(att.err, context.DeadlineExceeded) ||
		ctx.Err() == context.DeadlineExceeded ||
		(errors.As(att.err, &netErr) && netErr.Timeout())
	if timedOut {
		res.StatusCode = model.CodeTimeout
		res.Error = fmt.Sprintf("timeout after %dms during %s", timeout.Milliseconds(), att.tracker.activeStage())
		return res
	}

	res.StatusCode = model.CodeConnectionError
	msg := att.err.Error()
	var urlErr *url.Error
	if errors.As(att.err, &urlErr) && urlErr.Err != nil {
		msg = urlErr.Err.Error()
	}
	res.Error = msg
	return res
}

// readSnippet reads the first chunk of the body, hard-capped at
// maxBodyBytes with a cumulative guard (Content-Length is not trusted)
// and an independent read timeout that aborts the connection.
func readSnippet(body io.Reader, abort context.CancelFunc) (snippet string, truncated bool) {
	timer := time.AfterFunc(bodyReadTimeout, abort)
	defer timer.Stop()

	buf := make([]byte, 0, 2048)
	chunk := make([]byte, 2048)
	total := 0
	for total < maxBodyBytes {
		n, err := body.Read(chunk)
		if n > 0 {
			if total+n > maxBodyBytes {
				n = maxBodyBytes - total
				truncated = true
			}
			buf = append(buf, chunk[:n]...)
			total += n
		}
		if err != nil {
			break
		}
	}
	if total >= maxBodyBytes {
		truncated = true
	}
	return string(buf), truncated
}
