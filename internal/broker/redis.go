package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker publishes with PUBLISH and subscribes with PSUBSCRIBE.
type RedisBroker struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewRedisBroker wraps client. The broker does not own the client; Close is a
// no-op so the client can be shared with the history store.
func NewRedisBroker(client redis.UniversalClient, log *zap.Logger) *RedisBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBroker{client: client, log: log.With(zap.String("component", "redis-broker"))}
}

// Publish sends payload to every node subscribed to channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Ping checks that Redis answers.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close leaves the shared client open.
func (b *RedisBroker) Close() error { return nil }

// Subscribe waits for the PSUBSCRIBE confirmation before returning, so no
// message published after Subscribe returns can be missed.
func (b *RedisBroker) Subscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	go sub.pump(b.log)
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// pump reads until the connection breaks. go-redis would silently reconnect
// behind PubSub.Channel; reading with ReceiveMessage surfaces the outage to
// the bridge instead.
func (s *redisSubscription) pump(log *zap.Logger) {
	defer close(s.out)

	ctx := context.Background()
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Warn("Subscription lost", zap.Error(err))
			}
			return
		}
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}
