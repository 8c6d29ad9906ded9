package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/ratelimit"
	"github.com/Tyrowin/gochat-relay/internal/router"
)

// Connection is one WebSocket client. The read pump runs on the handler
// goroutine; the write pump owns every write to the socket once the
// connection is active. The send queue is never closed: shutdown is signalled
// through done so that late deliveries fail instead of panicking.
type Connection struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	addr     string
	srv      *Server
	log      *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	state      lifecycle
	lastRead   atomic.Int64
	violations *ratelimit.Violations
	invalid    int
}

func newConnection(srv *Server, ws *websocket.Conn, addr string) *Connection {
	id := uuid.NewString()
	if ws != nil {
		ws.SetReadLimit(srv.cfg.MaxMessageSize)
	}
	return &Connection{
		id:         id,
		ws:         ws,
		addr:       addr,
		srv:        srv,
		log:        srv.log.With(zap.String("conn_id", id), zap.String("remote", addr)),
		send:       make(chan []byte, srv.cfg.SendQueueSize),
		done:       make(chan struct{}),
		violations: ratelimit.NewViolations(srv.policy),
	}
}

// ID returns the connection id assigned at handshake.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated subject.
func (c *Connection) UserID() string { return c.identity.UserID }

// Username returns the display name carried by the token, if any.
func (c *Connection) Username() string { return c.identity.Username }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state.load() }

// Deliver queues an encoded frame. A connection whose queue is full is closed
// as a slow consumer rather than blocking the sender.
func (c *Connection) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("Send queue full; closing slow consumer", zap.Int("queue", cap(c.send)))
		c.closeWith(websocket.CloseTryAgainLater, reasonSlowConsumer)
		return false
	}
}

// Send encodes env and queues it for this connection only.
func (c *Connection) Send(env envelope.Envelope) bool {
	frame, err := envelope.Marshal(env)
	if err != nil {
		c.log.Error("Encoding envelope failed", zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	if !c.Deliver(frame) {
		return false
	}
	c.srv.metrics.Envelope(string(env.Type), metrics.DirectionOut)
	return true
}

// closeWith starts closing the connection with the given close frame. Only
// the first call has any effect.
func (c *Connection) closeWith(code int, text string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closeCode = code
		c.closeText = text
		c.state.transition(StateActive, StateClosing)
		close(c.done)
	})
	return first
}

func (c *Connection) isOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Connection) touch() {
	c.lastRead.Store(time.Now().UnixNano())
}

func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastRead.Load()))
}

// activate registers the connection and joins it to the global room.
func (c *Connection) activate() bool {
	if !c.srv.registry.Add(c) {
		c.log.Error("Connection id already registered")
		return false
	}
	c.srv.registry.Join(c, envelope.GlobalRoom)
	c.touch()
	if !c.state.transition(StateAuthenticating, StateActive) {
		c.srv.registry.RemoveAll(c)
		return false
	}
	c.srv.metrics.ConnectionOpened()
	c.log.Info("Connection established", zap.Int("connections", c.srv.registry.Count()))
	return true
}

// serve runs both pumps and blocks until the connection is fully torn down.
func (c *Connection) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx)
	c.closeWith(websocket.CloseNormalClosure, "")
	<-writerDone
	c.finish(ctx)
}

// finish removes the connection from every room and announces its departure.
func (c *Connection) finish(ctx context.Context) {
	rooms := c.srv.registry.RemoveAll(c)

	departCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.srv.cfg.WriteWait)
	c.srv.router.Departed(departCtx, c, rooms)
	cancel()

	c.srv.hub.unregister(c)
	c.srv.metrics.ConnectionClosed()
	c.state.transition(StateClosing, StateClosed)
	c.log.Info("Connection closed",
		zap.Int("close_code", c.closeCode),
		zap.String("close_reason", c.closeText),
		zap.Int("connections", c.srv.registry.Count()))
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Connection) setupReadConnection() {
	pongWait := c.srv.cfg.PongWait
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Setting initial read deadline failed", zap.Error(err))
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Connection) readPump(ctx context.Context) {
	c.setupReadConnection()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.touch()
		if !c.processFrame(ctx, raw) {
			return
		}
	}
}

// handleReadError logs why the read loop stopped.
func (c *Connection) handleReadError(err error) {
	switch {
	case !c.isOpen():
		// Closed locally; the socket error is the expected consequence.
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("Frame exceeded maximum size", zap.Int64("limit", c.srv.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("Connection dropped", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Info("Unexpected close from client", zap.Error(err))
	default:
		c.log.Info("WebSocket read error", zap.Error(err))
	}
}

// processFrame decodes, admits and dispatches one client frame. It returns
// false when the read loop should stop.
func (c *Connection) processFrame(ctx context.Context, raw []byte) bool {
	env, err := c.srv.router.Decode(raw)
	if err != nil {
		return c.protocolViolation(err)
	}
	c.srv.metrics.Envelope(string(env.Type), metrics.DirectionIn)

	if !c.admit(env) {
		return c.isOpen()
	}

	if err := c.srv.router.Dispatch(ctx, c, env); err != nil {
		if router.IsInvalid(err) {
			return c.protocolViolation(err)
		}
		// Delivery degraded to this node; the client is not told.
		c.log.Debug("Dispatch degraded", zap.String("type", string(env.Type)), zap.Error(err))
	}
	c.invalid = 0
	return true
}

// admit charges env against the sender's bucket and applies the violation
// policy on denial.
func (c *Connection) admit(env envelope.Envelope) bool {
	class := router.Class(env)
	decision := c.srv.limits.Admit(class, c.UserID(), router.Scope(env))
	if decision.Allowed {
		c.violations.Allowed()
		return true
	}

	c.srv.metrics.Limited(string(class))
	verdict := c.violations.Denied()
	c.log.Debug("Rate limited",
		zap.String("class", string(class)),
		zap.Duration("retry_after", decision.RetryAfter),
		zap.Int("consecutive", c.violations.Consecutive()))

	if verdict.Warn {
		c.srv.router.Reject(c, decision.Reason)
	}
	if verdict.Disconnect {
		c.log.Info("Closing connection after repeated rate violations")
		c.closeWith(websocket.ClosePolicyViolation, string(envelope.CodeRateExceeded))
	}
	return false
}

// protocolViolation reports an invalid envelope and closes the connection
// once too many arrive in a row.
func (c *Connection) protocolViolation(err error) bool {
	c.srv.router.Reject(c, err)
	c.invalid++
	c.log.Debug("Invalid envelope", zap.Int("consecutive", c.invalid), zap.Error(err))

	if limit := c.srv.cfg.MaxProtocolViolations; limit > 0 && c.invalid >= limit {
		c.log.Info("Closing connection after repeated invalid envelopes", zap.Int("violations", c.invalid))
		c.closeWith(websocket.ClosePolicyViolation, string(envelope.CodeInvalidEnvelope))
		return false
	}
	return true
}

func (c *Connection) writePump() {
	ping := time.NewTicker(c.srv.pingPeriod())
	idle := time.NewTicker(c.srv.idleCheckInterval())
	defer func() {
		ping.Stop()
		idle.Stop()
		c.closeSocket()
	}()

	for c.processWriteEvent(ping, idle) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Connection) processWriteEvent(ping, idle *time.Ticker) bool {
	select {
	case frame := <-c.send:
		return c.writeFrames(frame)
	case <-ping.C:
		return c.handlePing()
	case now := <-idle.C:
		c.checkIdle(now)
		return true
	case <-c.done:
		c.drainAndClose()
		return false
	}
}

// writeFrames writes frame and whatever else is already queued, one envelope
// per WebSocket message.
func (c *Connection) writeFrames(frame []byte) bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteWait)); err != nil {
		c.log.Debug("Setting write deadline failed", zap.Error(err))
		return false
	}
	if !c.writeText(frame) {
		return false
	}
	return c.writeQueuedFrames()
}

func (c *Connection) writeQueuedFrames() bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		if !c.writeText(<-c.send) {
			return false
		}
	}
	return true
}

func (c *Connection) writeText(frame []byte) bool {
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("Writing frame failed", zap.Error(err))
		}
		c.closeWith(websocket.CloseAbnormalClosure, "")
		return false
	}
	return true
}

// drainAndClose flushes queued frames and sends the close frame chosen by
// closeWith, all within one write deadline.
func (c *Connection) drainAndClose() {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteWait)); err != nil {
		return
	}
	if !c.writeQueuedFrames() {
		return
	}
	if c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	if err := c.ws.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Writing close frame failed", zap.Error(err))
	}
}

// handlePing sends a ping message to keep the connection alive.
func (c *Connection) handlePing() bool {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteWait)); err != nil {
		return false
	}
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("Writing ping failed", zap.Error(err))
		}
		c.closeWith(websocket.CloseAbnormalClosure, "")
		return false
	}
	return true
}

// checkIdle closes connections that sent no application frame for too long.
func (c *Connection) checkIdle(now time.Time) {
	if timeout := c.srv.cfg.IdleTimeout; timeout > 0 && c.idleFor(now) >= timeout {
		c.log.Info("Closing idle connection", zap.Duration("idle_timeout", timeout))
		c.closeWith(websocket.CloseGoingAway, reasonIdleTimeout)
	}
}

func (c *Connection) closeSocket() {
	if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Closing socket failed", zap.Error(err))
	}
}
