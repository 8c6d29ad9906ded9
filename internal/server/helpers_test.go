package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/app"
	"github.com/Tyrowin/gochat-relay/internal/broker"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/testutil"
)

const readTimeout = 3 * time.Second

// testNode is a relay node served by httptest with its background
// components running.
type testNode struct {
	*app.Node
	URL   string
	WSURL string
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.NodeID = "test-node"
	cfg.Server.AllowedOrigins = []string{testutil.TestOrigin}
	cfg.Server.WriteWait = 2 * time.Second
	cfg.Broker.ProbeInterval = 50 * time.Millisecond
	cfg.Broker.RetryInitial = 10 * time.Millisecond
	cfg.Broker.RetryMax = 50 * time.Millisecond
	return cfg
}

// startNode starts a node trusting issuer's key. A nil broker gives the node
// its own in-process broker; pass a shared one to cluster nodes.
func startNode(t *testing.T, issuer *testutil.TokenIssuer, b broker.Broker, mutate ...func(*config.Config)) *testNode {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	if b == nil {
		b = broker.NewMemoryBroker(0)
	}

	node, err := app.New(cfg, app.Options{Keys: issuer.KeySet(t), Broker: b})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Background(ctx) }()

	ts := httptest.NewServer(node.Server.Handler())
	t.Cleanup(func() {
		_ = node.Server.Hub().Shutdown(2 * time.Second)
		ts.Close()
		cancel()
		<-done
	})

	require.Eventually(t, node.Bridge.Connected, 2*time.Second, 10*time.Millisecond)
	return &testNode{Node: node, URL: ts.URL, WSURL: testutil.WebSocketURL(ts.URL, "/ws")}
}

// connect dials the node as userID and waits until the connection is active.
func (n *testNode) connect(t *testing.T, issuer *testutil.TokenIssuer, userID string) *websocket.Conn {
	t.Helper()
	before := n.Registry.UserConnections(userID)

	conn, _, err := testutil.ConnectWebSocket(n.WSURL, issuer.Mint(t, userID, time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return n.Registry.UserConnections(userID) > before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

// join joins room and waits for the connection's own presence announcement.
func join(t *testing.T, conn *websocket.Conn, room, userID string) {
	t.Helper()
	require.NoError(t, testutil.SendEnvelope(conn, envelope.Inbound{Type: envelope.TypeJoin, Room: room}))
	testutil.ReadUntil(t, conn, readTimeout, func(e envelope.Envelope) bool {
		return e.Type == envelope.TypeJoin && e.Room == room && e.Sender == userID
	})
}

func textPayload(text string) json.RawMessage {
	p, _ := json.Marshal(map[string]string{"text": text})
	return p
}

func sendText(t *testing.T, conn *websocket.Conn, room, text string) {
	t.Helper()
	require.NoError(t, testutil.SendEnvelope(conn, envelope.Inbound{
		Type:    envelope.TypeMessage,
		Room:    room,
		Payload: textPayload(text),
	}))
}

func isMessage(e envelope.Envelope) bool { return e.Type == envelope.TypeMessage }

// readMessages collects n chat messages, skipping presence frames.
func readMessages(t *testing.T, conn *websocket.Conn, n int) []envelope.Envelope {
	t.Helper()
	out := make([]envelope.Envelope, 0, n)
	for len(out) < n {
		out = append(out, testutil.ReadUntil(t, conn, readTimeout, isMessage))
	}
	return out
}

// assertNoMessage fails if a chat message arrives within wait. The
// connection cannot be read from afterwards.
func assertNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		env, err := testutil.ReadEnvelope(conn, time.Until(deadline))
		if err != nil {
			var netErr net.Error
			require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
			return
		}
		assert.NotEqual(t, envelope.TypeMessage, env.Type, "unexpected message %+v", env)
	}
}

// expectClose reads until the server's close frame and checks it.
func expectClose(t *testing.T, conn *websocket.Conn, code int, text string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		assert.Equal(t, text, closeErr.Text)
		return
	}
}
