// Package app wires the components of one relay node from its configuration
// and runs them under a single errgroup.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/broker"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/health"
	"github.com/Tyrowin/gochat-relay/internal/history"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/ratelimit"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/router"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

// Options override components that New would otherwise build from config.
// Every field is optional.
type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Keys    *auth.KeySet
	Broker  broker.Broker
	History history.Store
}

// Node is a fully wired relay node.
type Node struct {
	Config    config.Config
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Registry  *registry.Registry
	Bridge    *broker.Bridge
	Limits    *ratelimit.Set
	Forwarder *history.Forwarder
	Router    *router.Router
	Health    *health.Checker
	Server    *server.Server

	broker broker.Broker
	redis  redis.UniversalClient
}

// New builds a node. cfg is sanitized; missing keys and unknown drivers are
// reported before anything is started.
func New(cfg config.Config, opts Options) (*Node, error) {
	cfg = config.Sanitize(cfg)
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	n := &Node{Config: cfg, Log: opts.Log, Metrics: opts.Metrics}

	keys := opts.Keys
	if keys == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		var err error
		if keys, err = loadKeys(cfg.Auth); err != nil {
			return nil, err
		}
	}
	verifier, err := auth.NewVerifier(keys, auth.Options{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	action, err := ratelimit.ParseAction(cfg.RateLimit.Action)
	if err != nil {
		return nil, err
	}

	if err := n.connectBroker(opts.Broker); err != nil {
		return nil, err
	}

	n.Registry = registry.New(0)
	n.Bridge = broker.NewBridge(n.broker, n.Registry, broker.BridgeOptions{
		Prefix:        cfg.Broker.Prefix,
		ProbeInterval: cfg.Broker.ProbeInterval,
		RetryInitial:  cfg.Broker.RetryInitial,
		RetryMax:      cfg.Broker.RetryMax,
	}, n.Log, n.Metrics)

	n.Limits = ratelimit.NewSet(map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassMessage: bucket(cfg.RateLimit.Message),
		ratelimit.ClassTyping:  bucket(cfg.RateLimit.Typing),
		ratelimit.ClassConnect: bucket(cfg.RateLimit.Connect),
	})

	deps := router.Deps{
		Registry:  n.Registry,
		Publisher: n.Bridge,
		Log:       n.Log,
		Metrics:   n.Metrics,
	}
	if store := n.historyStore(opts.History); store != nil {
		n.Forwarder = history.NewForwarder(store, history.ForwarderOptions{
			QueueSize:      cfg.History.QueueSize,
			FailuresToTrip: cfg.History.FailuresToTrip,
			OpenTimeout:    cfg.History.OpenTimeout,
		}, n.Log, n.Metrics)
		deps.History = n.Forwarder
		deps.Reader = n.Forwarder
	}
	n.Router = router.New(deps, router.Options{
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		ReplayLimit:     cfg.History.ReplayLimit,
	})

	n.Health = health.NewChecker(cfg.NodeID, n.Bridge, n.Registry)
	n.Server = server.New(cfg.Server, server.Deps{
		Verifier: verifier,
		Registry: n.Registry,
		Router:   n.Router,
		Limits:   n.Limits,
		Policy:   ratelimit.Policy{Action: action, DisconnectAfter: cfg.RateLimit.DisconnectAfter},
		Health:   n.Health,
		Metrics:  n.Metrics,
		Log:      n.Log,
	})
	return n, nil
}

func bucket(b config.BucketConfig) ratelimit.Config {
	return ratelimit.Config{Burst: b.Burst, RefillInterval: b.RefillInterval, IdleTTL: b.IdleTTL}
}

func loadKeys(cfg config.AuthConfig) (*auth.KeySet, error) {
	keys := auth.NewKeySet()
	if len(cfg.PublicKeyFiles) > 0 {
		loaded, err := auth.LoadKeySetFromFiles(cfg.PublicKeyFiles)
		if err != nil {
			return nil, err
		}
		keys = loaded
	}
	if cfg.PublicKeyPEM != "" {
		key, err := auth.ParsePublicKeyPEM([]byte(cfg.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("auth: public key: %w", err)
		}
		if err := keys.Add("", key); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// connectBroker selects the broker: the one given, Redis, or in-process.
func (n *Node) connectBroker(b broker.Broker) error {
	if b != nil {
		n.broker = b
		return nil
	}
	if n.Config.Broker.Driver != config.DriverRedis {
		n.Log.Info("Using in-process broker; messages stay on this node")
		n.broker = broker.NewMemoryBroker(0)
		return nil
	}

	redisOpts, err := redis.ParseURL(n.Config.Broker.RedisURL)
	if err != nil {
		return fmt.Errorf("broker: redis url: %w", err)
	}
	n.redis = redis.NewClient(redisOpts)
	n.broker = broker.NewRedisBroker(n.redis, n.Log)
	n.Log.Info("Using Redis broker", zap.String("addr", redisOpts.Addr), zap.Int("db", redisOpts.DB))
	return nil
}

func (n *Node) historyStore(s history.Store) history.Store {
	if !n.Config.History.Enabled {
		return nil
	}
	if s != nil {
		return s
	}
	if n.redis != nil {
		return history.NewRedisStore(n.redis, n.Config.Broker.Prefix, n.Config.History.MaxLen)
	}
	return history.NewMemoryStore(int(n.Config.History.MaxLen))
}

// Background runs everything except the HTTP listener: the broker bridge,
// the limiter sweepers and the history forwarder.
func (n *Node) Background(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Bridge.Run(ctx) })
	g.Go(func() error { return n.Limits.Run(ctx, n.Config.RateLimit.SweepInterval) })
	if n.Forwarder != nil {
		g.Go(func() error { return n.Forwarder.Run(ctx) })
	}
	return g.Wait()
}

// Run serves until ctx is done. Shutdown order: HTTP listener and
// connections first, then background components, then the broker.
func (n *Node) Run(ctx context.Context) error {
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	bgErr := make(chan error, 1)
	go func() { bgErr <- n.Background(bgCtx) }()

	serveErr := n.Server.Run(ctx)

	stopBackground()
	err := errors.Join(serveErr, <-bgErr, n.Close())
	if err != nil {
		n.Log.Error("Node stopped with errors", zap.Error(err))
	}
	return err
}

// Close releases the broker and the Redis client.
func (n *Node) Close() error {
	var errs []error
	if err := n.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker close: %w", err))
	}
	if n.redis != nil {
		if err := n.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	return errors.Join(errs...)
}
