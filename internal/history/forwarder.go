package history

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// ForwarderOptions tunes the forwarder.
type ForwarderOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	// FailuresToTrip consecutive store failures open the breaker for
	// OpenTimeout.
	FailuresToTrip uint32
	OpenTimeout    time.Duration
}

func (o ForwarderOptions) withDefaults() ForwarderOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.FailuresToTrip == 0 {
		o.FailuresToTrip = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	return o
}

// Forwarder persists envelopes asynchronously. Submit never blocks; envelopes
// that cannot be queued or written are counted and dropped.
type Forwarder struct {
	store   Store
	queue   chan envelope.Envelope
	breaker *gobreaker.CircuitBreaker
	opts    ForwarderOptions
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewForwarder wraps store. m may be nil.
func NewForwarder(store Store, opts ForwarderOptions, log *zap.Logger, m *metrics.Metrics) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	log = log.With(zap.String("component", "history"))

	trip := opts.FailuresToTrip
	settings := gobreaker.Settings{
		Name:        "history-store",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Forwarder{
		store:   store,
		queue:   make(chan envelope.Envelope, opts.QueueSize),
		breaker: gobreaker.NewCircuitBreaker(settings),
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Submit queues env for persistence and reports whether it was accepted.
func (f *Forwarder) Submit(env envelope.Envelope) bool {
	select {
	case f.queue <- env:
		return true
	default:
		f.metrics.HistoryDrop()
		f.log.Debug("History queue full, dropping envelope", zap.String("id", env.ID))
		return false
	}
}

// Run writes queued envelopes until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-f.queue:
			f.write(ctx, env)
		}
	}
}

func (f *Forwarder) write(ctx context.Context, env envelope.Envelope) {
	wctx, cancel := context.WithTimeout(ctx, f.opts.WriteTimeout)
	defer cancel()

	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.store.Append(wctx, env)
	})
	if err != nil {
		f.metrics.HistoryDrop()
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.log.Warn("History append failed", zap.String("id", env.ID), zap.Error(err))
		}
	}
}

// Recent reads through the breaker so a dead store fails fast on join.
func (f *Forwarder) Recent(ctx context.Context, scope string, limit int) ([]envelope.Envelope, error) {
	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.store.Recent(ctx, scope, limit)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrStoreUnavailable
		}
		return nil, err
	}
	envs, _ := res.([]envelope.Envelope)
	return envs, nil
}

// State returns the breaker state, for logs and tests.
func (f *Forwarder) State() gobreaker.State {
	return f.breaker.State()
}
