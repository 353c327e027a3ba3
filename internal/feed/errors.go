package feed

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Sentinel transport errors. Backend implementations wrap their native
// failure modes into these so the engine can classify them uniformly.
var (
	ErrUnavailable        = errors.New("backend unavailable")
	ErrDeadlineExceeded   = errors.New("backend deadline exceeded")
	ErrConnectionLost     = errors.New("connection lost")
	ErrNetworkUnreachable = errors.New("network unreachable")
)

// Retryable reports whether err is a transient transport failure worth
// retrying: unreachable network, lost connection, timeout, DNS failure, or
// the backend's own unavailable/deadline-exceeded statuses. Anything else
// (authorization failures, malformed input) is permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrDeadlineExceeded) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNetworkUnreachable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
