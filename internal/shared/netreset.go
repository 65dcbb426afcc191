package shared

import (
	"errors"
	"strings"
	"syscall"
)

// IsConnectionReset reports whether err carries a connection-reset signature.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "econnreset") ||
		strings.Contains(msg, "connection reset by peer")
}
