package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/broker"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/ratelimit"
	"github.com/Tyrowin/gochat-relay/internal/router"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// handleWebSocket upgrades the request, authenticates it and serves the
// connection until it closes. Authentication happens after the upgrade so the
// client learns the reason from the close frame; a rejected connection is
// never registered.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if s.hub.Closing() {
		http.Error(w, "Server shutting down.", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConnection(s, ws, r.RemoteAddr)
	if !s.authenticate(c, auth.TokenFromRequest(r)) {
		return
	}
	if !s.hub.register(c) {
		s.reject(c, websocket.CloseGoingAway, reasonShutdown)
		return
	}
	if !c.activate() {
		s.hub.unregister(c)
		s.reject(c, websocket.CloseInternalServerErr, string(envelope.CodeSocketError))
		return
	}

	c.serve(s.hub.Context())
}

// authenticate verifies the token and the connect rate. On failure the
// connection is closed with 1008 and the error code as reason.
func (s *Server) authenticate(c *Connection, token string) bool {
	c.state.transition(StateConnecting, StateAuthenticating)

	identity, err := s.verifier.Verify(token)
	if err == nil {
		decision := s.limits.Admit(ratelimit.ClassConnect, identity.UserID, string(ratelimit.ClassConnect))
		if !decision.Allowed {
			s.metrics.Limited(string(ratelimit.ClassConnect))
			err = decision.Reason
		}
	}
	if err != nil {
		code := envelope.CodeFor(err)
		s.metrics.HandshakeRejected(string(code))
		c.log.Info("Handshake rejected", zap.String("code", string(code)))
		s.reject(c, websocket.ClosePolicyViolation, string(code))
		return false
	}

	c.identity = identity
	c.log = c.log.With(zap.String("user_id", identity.UserID))
	return true
}

// reject closes a connection that never became active.
func (s *Server) reject(c *Connection, code int, reason string) {
	c.state.transition(StateAuthenticating, StateRejected)

	deadline := time.Now().Add(s.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Writing rejection close frame failed", zap.Error(err))
	}
	c.closeSocket()
}

// RootHandler provides a simple liveness endpoint that returns plain text.
func RootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}

type alertRequest struct {
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type alertResponse struct {
	ID       string `json:"id"`
	Degraded bool   `json:"degraded,omitempty"`
}

type errorResponse struct {
	Code   envelope.Code `json:"code"`
	Detail string        `json:"detail"`
}

// handleAlert publishes a system_alert on behalf of an admin token: to every
// connection when user_id is empty, otherwise to each of that user's
// connections on every node.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, envelope.CodeFor(err))
		return
	}
	if !identity.HasRole(AdminRole) {
		writeError(w, http.StatusForbidden, envelope.CodeInvalidToken)
		return
	}

	var req alertRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxMessageSize)
	if err := jsonAPI.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, envelope.CodeInvalidEnvelope)
		return
	}

	env, err := s.router.Alert(r.Context(), req.UserID, req.Payload)
	switch {
	case err == nil:
	case router.IsInvalid(err):
		writeError(w, http.StatusBadRequest, envelope.CodeInvalidEnvelope)
		return
	case errors.Is(err, broker.ErrBrokerUnavailable):
		// Delivered to this node only.
		s.log.Warn("Alert published locally only", zap.String("id", env.ID), zap.Error(err))
		writeJSON(w, http.StatusAccepted, alertResponse{ID: env.ID, Degraded: true})
		return
	default:
		s.log.Error("Publishing alert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, envelope.CodeFor(err))
		return
	}

	s.log.Info("Alert published",
		zap.String("id", env.ID),
		zap.String("by", identity.UserID),
		zap.String("to", req.UserID))
	writeJSON(w, http.StatusAccepted, alertResponse{ID: env.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonAPI.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code envelope.Code) {
	writeJSON(w, status, errorResponse{Code: code, Detail: code.Detail()})
}

// TestPageHandler serves an HTML page for trying the relay from a browser:
// paste a token, connect, join a room and send messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="roomInput" placeholder="Room" value="lobby" disabled>
        <button id="joinButton" onclick="joinRoom()" disabled>Join</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const controls = ['roomInput', 'joinButton', 'messageInput', 'sendButton'].map(id => document.getElementById(id));
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color || 'gray';
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            controls.forEach(el => el.disabled = !connected);
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(document.getElementById('tokenInput').value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?token=' + token);

            ws.onopen = () => { addLine('Connected'); updateStatus(true); };
            ws.onmessage = (event) => {
                const env = JSON.parse(event.data);
                if (env.type === 'error') {
                    addLine('error ' + env.code + ': ' + env.detail, 'red');
                } else {
                    addLine('[' + (env.room || env.to || '') + '] ' + env.type + ' ' + (env.sender || 'system') + ': ' + JSON.stringify(env.payload || ''), 'green');
                }
            };
            ws.onclose = (event) => {
                addLine('Connection closed (' + event.code + (event.reason ? ' ' + event.reason : '') + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function currentRoom() {
            return document.getElementById('roomInput').value.trim();
        }

        function joinRoom() {
            if (ws && currentRoom()) {
                ws.send(JSON.stringify({type: 'join', room: currentRoom()}));
            }
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const text = input.value.trim();
            if (text && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({type: 'message', room: currentRoom(), payload: {text: text}}));
                input.value = '';
            }
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
