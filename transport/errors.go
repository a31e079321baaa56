package transport

import (
	"errors"
	"fmt"
)

// TunnelError reports a failed CONNECT exchange or TLS upgrade.
type TunnelError struct {
	Op         string // "write", "read", "parse", "status", "handshake"
	Target     string // host:port the tunnel was requested for
	StatusCode int    // proxy status for "status" errors
	Err        error
}

func (e *TunnelError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("tunnel to %s: proxy answered CONNECT with HTTP %d", e.Target, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("tunnel to %s: %s: %v", e.Target, e.Op, e.Err)
	default:
		return fmt.Sprintf("tunnel to %s: %s failed", e.Target, e.Op)
	}
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}

// IsTunnelError reports whether err is or wraps a *TunnelError.
func IsTunnelError(err error) bool {
	var te *TunnelError
	return errors.As(err, &te)
}
