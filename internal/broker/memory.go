package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process broker for single-node deployments and tests.
// Several bridges sharing one MemoryBroker behave like nodes sharing Redis.
// SetDown simulates an outage.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	down   bool
	closed bool
	buffer int
}

// NewMemoryBroker returns a broker whose subscriptions buffer up to buffer
// messages. A subscription whose buffer is full is dropped.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryBroker{subs: make(map[*memorySubscription]struct{}), buffer: buffer}
}

// Publish delivers payload to every matching subscription. The broker lock is
// held across delivery so publish order is delivery order for all subscribers.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.down {
		return ErrBrokerUnavailable
	}

	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			// Like Redis' output buffer limit: a subscriber that cannot keep
			// up is disconnected and has to resubscribe.
			delete(b.subs, sub)
			close(sub.out)
		}
	}
	return nil
}

// Subscribe registers a subscription for patterns. It fails while the
// broker is down or closed.
func (b *MemoryBroker) Subscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.down {
		return nil, ErrBrokerUnavailable
	}

	sub := &memorySubscription{
		broker:   b,
		patterns: append([]string(nil), patterns...),
		out:      make(chan Message, b.buffer),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Ping reports ErrBrokerUnavailable during a simulated outage.
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.down {
		return ErrBrokerUnavailable
	}
	return nil
}

// SetDown switches the simulated outage. Going down breaks every live
// subscription.
func (b *MemoryBroker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.down = down
	if down {
		b.dropAllLocked()
	}
}

// Close ends every subscription and refuses further use.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.dropAllLocked()
	return nil
}

func (b *MemoryBroker) dropAllLocked() {
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.out)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type memorySubscription struct {
	broker   *MemoryBroker
	patterns []string
	out      chan Message
}

func (s *memorySubscription) matches(channel string) bool {
	for _, p := range s.patterns {
		if matchPattern(p, channel) {
			return true
		}
	}
	return false
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.out)
	}
	return nil
}
