// Package testutil provides helpers shared by the relay's package tests:
// recording subscribers, token minting against a throwaway RSA key, and
// WebSocket client helpers.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// Recorder is a registry subscriber that keeps every frame delivered to it.
type Recorder struct {
	id, user string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

// NewRecorder returns a subscriber with the given connection and user id.
func NewRecorder(id, user string) *Recorder {
	return &Recorder{id: id, user: user}
}

func (r *Recorder) ID() string     { return r.id }
func (r *Recorder) UserID() string { return r.user }

// Username mirrors the user id; tokens minted by TokenIssuer do the same.
func (r *Recorder) Username() string { return r.user }

func (r *Recorder) Deliver(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return true
}

// Send delivers env as a frame, mirroring what the router does for direct replies.
func (r *Recorder) Send(env envelope.Envelope) bool {
	frame, err := envelope.Marshal(env)
	if err != nil {
		return false
	}
	return r.Deliver(frame)
}

// Close makes further deliveries fail.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Len returns the number of frames received.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Envelopes decodes every frame received so far.
func (r *Recorder) Envelopes(t *testing.T) []envelope.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]envelope.Envelope, 0, len(r.frames))
	for _, f := range r.frames {
		env, err := envelope.Unmarshal(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// TokenIssuer mints tokens signed by a throwaway RSA key.
type TokenIssuer struct {
	key *rsa.PrivateKey
	Now func() time.Time
}

// NewTokenIssuer generates a fresh signing key.
func NewTokenIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &TokenIssuer{key: key, Now: time.Now}
}

// KeySet returns a key set trusting the issuer's key.
func (i *TokenIssuer) KeySet(t *testing.T) *auth.KeySet {
	t.Helper()
	ks := auth.NewKeySet()
	require.NoError(t, ks.Add("test", &i.key.PublicKey))
	return ks
}

// Verifier returns a verifier trusting the issuer's key.
func (i *TokenIssuer) Verifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier(i.KeySet(t), auth.Options{})
	require.NoError(t, err)
	return v
}

// Mint returns a token for userID that expires after ttl. A negative ttl
// yields an already expired token.
func (i *TokenIssuer) Mint(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	return i.MintWithRoles(t, userID, ttl)
}

// MintWithRoles is Mint with a roles claim.
func (i *TokenIssuer) MintWithRoles(t *testing.T, userID string, ttl time.Duration, roles ...string) string {
	t.Helper()
	now := i.Now()
	claims := jwt.MapClaims{
		"sub":      userID,
		"username": userID,
		"iat":      now.Add(-time.Minute).Unix(),
		"exp":      now.Add(ttl).Unix(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.key)
	require.NoError(t, err)
	return token
}

// WebSocketURL turns an httptest server URL into a ws:// URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with the test origin and an optional token
// query parameter. The handshake response is returned for close-code checks.
func ConnectWebSocket(url, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	if token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "token=" + token
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// SendEnvelope writes a client frame.
func SendEnvelope(conn *websocket.Conn, in envelope.Inbound) error {
	return conn.WriteJSON(in)
}

// ReadEnvelope reads one frame within timeout.
func ReadEnvelope(conn *websocket.Conn, timeout time.Duration) (envelope.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return envelope.Envelope{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Unmarshal(raw)
}

// ReadUntil reads frames until match returns true or timeout elapses.
func ReadUntil(t *testing.T, conn *websocket.Conn, timeout time.Duration, match func(envelope.Envelope) bool) envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(t, remaining, "no matching frame within %s", timeout)
		env, err := ReadEnvelope(conn, remaining)
		require.NoError(t, err)
		if match(env) {
			return env
		}
	}
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest executes an HTTP request with a 5-second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}
