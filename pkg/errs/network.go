package errs

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// IsNetworkError recognizes transient network failures: peer reset,
// connection refused, network/host unreachable, and DNS resolution
// failures. Used by retry conditions and the connection supervisor.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	// Wrapped string forms from third-party transports.
	msg := err.Error()
	for _, probe := range []string{
		"connection reset",
		"connection refused",
		"network is unreachable",
		"no route to host",
		"no such host",
		"broken pipe",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}

// IsTimeoutError reports whether err represents a deadline or timeout.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
