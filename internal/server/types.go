package server

import "strings"

// Close reasons sent alongside non-policy close codes. Policy closes (1008)
// carry the error code instead.
const (
	reasonIdleTimeout  = "idle timeout"
	reasonSlowConsumer = "slow consumer"
	reasonShutdown     = "server shutdown"
)

// AdminRole is the token role allowed to publish system alerts.
const AdminRole = "admin"

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
