package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
	"github.com/Mopra/exit1.dev-sub001/internal/netutil"
)

// probeTCP attempts a plain TCP connect. A successful connect is
// online/UP with the connect time attributed; any error or timeout is
// offline/DOWN.
func probeTCP(ctx context.Context, rawHost string, timeout time.Duration) *model.ProbeResult {
	host, port, ok := netutil.HostPort(rawHost)
	if !ok {
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			Error:          "invalid host:port: " + rawHost,
		}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		res := &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			ResponseTimeMs: elapsed.Milliseconds(),
			Error:          err.Error(),
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			res.StatusCode = model.CodeTimeout
		} else {
			res.StatusCode = model.CodeConnectionError
		}
		return res
	}
	conn.Close()

	ms := elapsed.Milliseconds()
	return &model.ProbeResult{
		Status:         model.StatusOnline,
		DetailedStatus: model.DetailedUp,
		ResponseTimeMs: ms,
		Timings:        model.StageTimings{ConnectMs: ms},
	}
}

// probeUDP opens a connected datagram socket and sends a zero-byte
// datagram. Any response before the timeout is online; a quiet timeout
// is also online (UDP silence is not a negative signal). Only a
// synchronous socket error (e.g. ICMP port unreachable surfaced on the
// connected socket) is offline.
func probeUDP(ctx context.Context, rawHost string, timeout time.Duration) *model.ProbeResult {
	host, port, ok := netutil.HostPort(rawHost)
	if !ok {
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			Error:          "invalid host:port: " + rawHost,
		}
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Error:          err.Error(),
		}
	}
	defer conn.Close()

	if _, err := conn.Write(nil); err != nil {
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			ResponseTimeMs: time.Since(start).Milliseconds(),
			Error:          err.Error(),
		}
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 512)
	_, err = conn.Read(buf)
	elapsed := time.Since(start)

	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Silence before the deadline: reachable as far as UDP can tell.
			return &model.ProbeResult{
				Status:         model.StatusOnline,
				DetailedStatus: model.DetailedUp,
				ResponseTimeMs: elapsed.Milliseconds(),
			}
		}
		return &model.ProbeResult{
			Status:         model.StatusOffline,
			DetailedStatus: model.DetailedDown,
			StatusCode:     model.CodeConnectionError,
			ResponseTimeMs: elapsed.Milliseconds(),
			Error:          err.Error(),
		}
	}

	return &model.ProbeResult{
		Status:         model.StatusOnline,
		DetailedStatus: model.DetailedUp,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
}
