package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// Fanout is the local delivery target, normally the connection registry.
type Fanout interface {
	LocalFanout(room string, frame []byte) int
	DeliverToUser(userID string, frame []byte) int
}

// BridgeOptions tunes the bridge.
type BridgeOptions struct {
	Prefix         string
	ProbeInterval  time.Duration
	PublishTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

func (o BridgeOptions) withDefaults() BridgeOptions {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 100 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 10 * time.Second
	}
	return o
}

// Status is a point-in-time view of the bridge's health.
type Status struct {
	Reachable  bool      `json:"reachable"`
	Subscribed bool      `json:"subscribed"`
	LastError  string    `json:"last_error,omitempty"`
	Since      time.Time `json:"since"`
}

// Bridge publishes envelopes to the broker and feeds every envelope received
// from the broker, including this node's own, into the local Fanout.
type Bridge struct {
	broker   Broker
	local    Fanout
	channels Channels
	opts     BridgeOptions
	log      *zap.Logger
	metrics  *metrics.Metrics

	reachable  atomic.Bool
	subscribed atomic.Bool

	mu        sync.Mutex
	lastErr   string
	since     time.Time
	activeSub Subscription
}

// NewBridge wires b to local. m may be nil.
func NewBridge(b Broker, local Fanout, opts BridgeOptions, log *zap.Logger, m *metrics.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	br := &Bridge{
		broker:   b,
		local:    local,
		channels: NewChannels(opts.Prefix),
		opts:     opts,
		log:      log.With(zap.String("component", "bridge")),
		metrics:  m,
		since:    time.Now(),
	}
	br.reachable.Store(true)
	br.metrics.SetBrokerConnected(false)
	return br
}

// Channels returns the channel namer used by the bridge.
func (b *Bridge) Channels() Channels { return b.channels }

// Connected reports whether cross-node delivery is currently working.
func (b *Bridge) Connected() bool {
	return b.reachable.Load() && b.subscribed.Load()
}

// Status returns the current health of the bridge.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Reachable:  b.reachable.Load(),
		Subscribed: b.subscribed.Load(),
		LastError:  b.lastErr,
		Since:      b.since,
	}
}

func (b *Bridge) setReachable(ok bool, err error) {
	b.mu.Lock()
	was := b.Connected()
	b.reachable.Store(ok)
	if err != nil {
		b.lastErr = err.Error()
	}
	b.transitionLocked(was)
	b.mu.Unlock()
}

func (b *Bridge) setSubscribed(sub Subscription, err error) {
	b.mu.Lock()
	was := b.Connected()
	b.activeSub = sub
	b.subscribed.Store(sub != nil)
	if err != nil {
		b.lastErr = err.Error()
	}
	b.transitionLocked(was)
	b.mu.Unlock()
}

func (b *Bridge) transitionLocked(was bool) {
	now := b.Connected()
	if now == was {
		return
	}
	b.since = time.Now()
	b.metrics.SetBrokerConnected(now)
	if now {
		b.lastErr = ""
		b.log.Info("Broker connected")
	} else {
		b.log.Warn("Broker degraded; delivering to local connections only", zap.String("last_error", b.lastErr))
	}
}

// Publish sends env on every channel its scope maps to. If the broker is
// unreachable the envelope is delivered to local connections directly and
// ErrBrokerUnavailable is returned; peers on other nodes miss it.
func (b *Bridge) Publish(ctx context.Context, env envelope.Envelope) error {
	frame, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	channels := b.channels.For(env)
	for i, ch := range channels {
		pctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
		err := b.broker.Publish(pctx, ch, frame)
		cancel()
		if err != nil {
			b.setReachable(false, err)
			for _, rest := range channels[i:] {
				b.deliverLocal(rest, frame)
			}
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		if !b.reachable.Load() {
			b.setReachable(true, nil)
		}
		if !b.subscribed.Load() {
			// Our own subscription is down, so the broker will not echo this
			// back to local members.
			b.deliverLocal(ch, frame)
		}
	}
	b.metrics.Envelope(string(env.Type), metrics.DirectionOut)
	return nil
}

func (b *Bridge) deliverLocal(channel string, frame []byte) int {
	kind, key, ok := b.channels.Parse(channel)
	if !ok {
		return 0
	}
	var n int
	if kind == envelope.KindPrivate {
		n = b.local.DeliverToUser(key, frame)
	} else {
		n = b.local.LocalFanout(key, frame)
	}
	b.metrics.Delivered(n)
	return n
}

// Run holds the node's subscription until ctx is done, resubscribing with
// exponential backoff whenever it breaks, and probes the broker periodically.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.subscribeLoop(ctx) })
	g.Go(func() error { return b.probeLoop(ctx) })
	return g.Wait()
}

func (b *Bridge) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.RetryInitial
	bo.MaxInterval = b.opts.RetryMax
	bo.MaxElapsedTime = 0
	return backoff.WithContext(bo, ctx)
}

func (b *Bridge) subscribeLoop(ctx context.Context) error {
	patterns := b.channels.Patterns()
	for {
		var sub Subscription
		op := func() error {
			s, err := b.broker.Subscribe(ctx, patterns...)
			if err != nil {
				b.setSubscribed(nil, err)
				b.log.Warn("Subscribe failed, retrying", zap.Error(err))
				return err
			}
			sub = s
			return nil
		}
		if err := backoff.Retry(op, b.newBackOff(ctx)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe: %w", err)
		}

		b.setSubscribed(sub, nil)
		b.consume(ctx, sub)
		_ = sub.Close()
		b.setSubscribed(nil, ErrBrokerUnavailable)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// consume delivers messages in arrival order until the subscription ends.
func (b *Bridge) consume(ctx context.Context, sub Subscription) {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.handle(msg)
		}
	}
}

func (b *Bridge) handle(msg Message) {
	env, err := envelope.Unmarshal(msg.Payload)
	if err != nil {
		b.log.Debug("Discarding undecodable broker message", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if b.deliverLocal(msg.Channel, msg.Payload) == 0 {
		b.log.Debug("No local recipients", zap.String("channel", msg.Channel), zap.String("id", env.ID))
	}
}

func (b *Bridge) probeLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.probe(ctx)
		}
	}
}

func (b *Bridge) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	err := b.broker.Ping(pctx)
	cancel()

	if err == nil {
		b.setReachable(true, nil)
		return
	}
	if ctx.Err() != nil {
		return
	}
	b.setReachable(false, err)

	// A subscription on a dead connection may block forever; break it so the
	// subscribe loop starts retrying.
	b.mu.Lock()
	sub := b.activeSub
	b.mu.Unlock()
	if sub != nil {
		_ = sub.Close()
	}
}
