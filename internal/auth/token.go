package auth

import (
	"net/http"
	"strings"
)

// TokenFromRequest extracts the bearer token from the handshake request. The
// "token" query parameter wins; browsers cannot set headers on a WebSocket
// upgrade. It returns "" when neither source carries a token.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}

	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
