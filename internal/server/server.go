package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/ratelimit"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/router"
)

// Deps are the node components the server hands connections to. Health and
// Metrics are optional.
type Deps struct {
	Verifier *auth.Verifier
	Registry *registry.Registry
	Router   *router.Router
	Limits   *ratelimit.Set
	Policy   ratelimit.Policy
	Health   http.Handler
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

// Server accepts WebSocket connections and serves the node's HTTP endpoints.
type Server struct {
	cfg      config.ServerConfig
	verifier *auth.Verifier
	registry *registry.Registry
	router   *router.Router
	limits   *ratelimit.Set
	policy   ratelimit.Policy
	health   http.Handler
	metrics  *metrics.Metrics
	log      *zap.Logger

	origins  *originPolicy
	upgrader websocket.Upgrader
	hub      *Hub
	http     *http.Server
}

// New builds a server. cfg is expected to be sanitized.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewSet(nil)
	}
	log := deps.Log.With(zap.String("component", "server"))

	s := &Server{
		cfg:      cfg,
		verifier: deps.Verifier,
		registry: deps.Registry,
		router:   deps.Router,
		limits:   deps.Limits,
		policy:   deps.Policy,
		health:   deps.Health,
		metrics:  deps.Metrics,
		log:      log,
		origins:  newOriginPolicy(cfg.AllowedOrigins, log),
		hub:      NewHub(deps.Log),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: cfg.WriteWait,
		CheckOrigin:      s.origins.checkOrigin,
	}
	s.http = newHTTPServer(cfg, s.routes())
	return s
}

// Hub returns the connection tracker.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) pingPeriod() time.Duration {
	return s.cfg.PongWait * 9 / 10
}

// idleCheckInterval is how often the write pump looks for idle connections.
func (s *Server) idleCheckInterval() time.Duration {
	interval := s.cfg.IdleTimeout / 4
	switch {
	case interval <= 0:
		return time.Minute
	case interval < 10*time.Millisecond:
		return 10 * time.Millisecond
	case interval > 30*time.Second:
		return 30 * time.Second
	}
	return interval
}
