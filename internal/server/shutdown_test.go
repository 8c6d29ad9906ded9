package server_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/testutil"
)

// TestShutdownClosesConnections verifies that shutdown closes every client
// with 1001, empties the registry and refuses new handshakes.
func TestShutdownClosesConnections(t *testing.T) {
	issuer := testutil.NewTokenIssuer(t)
	node := startNode(t, issuer, nil)

	alice := node.connect(t, issuer, "alice")
	bob := node.connect(t, issuer, "bob")
	join(t, bob, "lobby", "bob")

	require.NoError(t, node.Server.Hub().Shutdown(2*time.Second))

	expectClose(t, alice, websocket.CloseGoingAway, "server shutdown")
	expectClose(t, bob, websocket.CloseGoingAway, "server shutdown")
	assert.Zero(t, node.Registry.Count())
	assert.Zero(t, node.Server.Hub().Len())

	conn, resp, err := testutil.ConnectWebSocket(node.WSURL, issuer.Mint(t, "carol", time.Hour))
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestShutdownWithoutConnections verifies that an idle hub shuts down at once.
func TestShutdownWithoutConnections(t *testing.T) {
	issuer := testutil.NewTokenIssuer(t)
	node := startNode(t, issuer, nil)

	start := time.Now()
	require.NoError(t, node.Server.Hub().Shutdown(time.Second))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, node.Server.Hub().Closing())
}
