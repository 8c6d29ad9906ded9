package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

func testServer(mutate func(*config.ServerConfig)) *Server {
	cfg := config.Default().Server
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, Deps{Log: zap.NewNop()})
}

// TestLifecycleTransitions verifies the legal edges of the state machine.
func TestLifecycleTransitions(t *testing.T) {
	legalEdges := [][2]State{
		{StateConnecting, StateAuthenticating},
		{StateAuthenticating, StateActive},
		{StateAuthenticating, StateRejected},
		{StateActive, StateClosing},
		{StateClosing, StateClosed},
	}
	for _, e := range legalEdges {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	illegalEdges := [][2]State{
		{StateConnecting, StateActive},
		{StateRejected, StateActive},
		{StateClosed, StateActive},
		{StateActive, StateAuthenticating},
		{StateClosing, StateActive},
	}
	for _, e := range illegalEdges {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

// TestLifecycleCompareAndSwap verifies that a transition only succeeds from
// the expected current state.
func TestLifecycleCompareAndSwap(t *testing.T) {
	var l lifecycle
	assert.Equal(t, StateConnecting, l.load())

	assert.False(t, l.transition(StateAuthenticating, StateActive))
	require.True(t, l.transition(StateConnecting, StateAuthenticating))
	require.True(t, l.transition(StateAuthenticating, StateRejected))
	assert.False(t, l.transition(StateAuthenticating, StateActive))
	assert.Equal(t, StateRejected, l.load())
	assert.Equal(t, "rejected", l.load().String())
}

// TestSlowConsumerIsClosed verifies that a full send queue closes the
// connection with 1013 instead of blocking the sender.
func TestSlowConsumerIsClosed(t *testing.T) {
	srv := testServer(func(cfg *config.ServerConfig) { cfg.SendQueueSize = 2 })
	c := newConnection(srv, nil, "test")
	c.state.transition(StateConnecting, StateAuthenticating)
	c.state.transition(StateAuthenticating, StateActive)

	assert.True(t, c.Deliver([]byte(`{}`)))
	assert.True(t, c.Send(envelope.ErrorFrame(envelope.CodeRateExceeded, "")))
	assert.False(t, c.Deliver([]byte(`{}`)))

	assert.False(t, c.isOpen())
	assert.Equal(t, websocket.CloseTryAgainLater, c.closeCode)
	assert.Equal(t, reasonSlowConsumer, c.closeText)
	assert.Equal(t, StateClosing, c.State())

	assert.False(t, c.Deliver([]byte(`{}`)), "closed connections refuse frames")
}

// TestCloseWithKeepsFirstReason verifies that only the first close request
// decides the close frame.
func TestCloseWithKeepsFirstReason(t *testing.T) {
	c := newConnection(testServer(nil), nil, "test")

	assert.True(t, c.closeWith(websocket.CloseGoingAway, reasonIdleTimeout))
	assert.False(t, c.closeWith(websocket.ClosePolicyViolation, "other"))
	assert.Equal(t, websocket.CloseGoingAway, c.closeCode)
	assert.Equal(t, reasonIdleTimeout, c.closeText)
}

// TestIdleCheckInterval verifies the clamping of the idle ticker.
func TestIdleCheckInterval(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		time.Millisecond:       10 * time.Millisecond,
		200 * time.Millisecond: 50 * time.Millisecond,
		5 * time.Minute:        30 * time.Second,
	}
	for idle, want := range cases {
		srv := testServer(func(cfg *config.ServerConfig) { cfg.IdleTimeout = idle })
		assert.Equal(t, want, srv.idleCheckInterval(), idle.String())
	}
}

// TestHubRegisterAfterShutdown verifies that the hub refuses connections
// once shutdown has started.
func TestHubRegisterAfterShutdown(t *testing.T) {
	srv := testServer(nil)
	hub := srv.Hub()

	c := newConnection(srv, nil, "test")
	require.True(t, hub.register(c))
	assert.Equal(t, 1, hub.Len())
	hub.unregister(c)
	hub.unregister(c)
	assert.Zero(t, hub.Len())

	require.NoError(t, hub.Shutdown(time.Second))
	assert.False(t, hub.register(newConnection(srv, nil, "late")))
	assert.Error(t, hub.Context().Err())
}

// TestNormalizeOrigin verifies origin normalization.
func TestNormalizeOrigin(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://Example.COM", "http://example.com", true},
		{"HTTPS://example.com:8443/path", "https://example.com:8443", true},
		{"example.com", "", false},
		{"http://", "", false},
		{"://missing-scheme", "", false},
	}
	for _, tc := range cases {
		got, ok := normalizeOrigin(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

// TestOriginPolicy verifies allow-list matching and the wildcard.
func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{" https://chat.example ", "", "bogus"}, zap.NewNop())
	assert.False(t, p.allowAll)
	assert.Len(t, p.allowed, 1)

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.False(t, p.allows(req), "missing origin")

	req.Header.Set("Origin", "https://CHAT.example")
	assert.True(t, p.allows(req))

	req.Header.Set("Origin", "https://other.example")
	assert.False(t, p.checkOrigin(req))

	wildcard := newOriginPolicy([]string{"*"}, zap.NewNop())
	assert.True(t, wildcard.allows(req))
}

// TestIsExpectedCloseError verifies classification of socket errors seen
// while closing.
func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(websocket.ErrCloseSent))
	assert.False(t, isExpectedCloseError(websocket.ErrReadLimit))
}
