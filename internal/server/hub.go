package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub tracks the live connections of a node so that shutdown can close them
// and wait for their pumps. Fanout does not go through the hub; it is served
// by the registry.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Connection]struct{}
	closing bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewHub creates an empty hub whose context is cancelled by Shutdown.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		conns:  make(map[*Connection]struct{}),
		ctx:    ctx,
		cancel: cancel,
		log:    log.With(zap.String("component", "hub")),
	}
}

// Context is cancelled when the hub shuts down. Connections dispatch under it.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// register adds c. It fails once shutdown has started.
func (h *Hub) register(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *Connection) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		h.wg.Done()
	}
}

// Len returns the number of tracked connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Closing reports whether shutdown has started.
func (h *Hub) Closing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closing
}

// snapshot returns the tracked connections.
func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// shutdownConnections asks every connection to close with 1001.
func (h *Hub) shutdownConnections() int {
	conns := h.snapshot()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, reasonShutdown)
	}
	return len(conns)
}

// Shutdown stops accepting connections, closes every live one and waits for
// their pumps to finish, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	h.log.Info("Initiating hub shutdown")
	h.cancel()
	closed := h.shutdownConnections()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed", zap.Int("closed", closed))
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timed out", zap.Int("remaining", h.Len()))
		return context.DeadlineExceeded
	}
}
