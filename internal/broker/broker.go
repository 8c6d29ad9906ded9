// Package broker carries envelopes between relay nodes. A Broker is the raw
// publish/subscribe substrate; the Bridge routes envelopes onto broker
// channels and fans received envelopes out to the local registry.
package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// ErrBrokerUnavailable reports that cross-node delivery is currently impossible.
var ErrBrokerUnavailable = envelope.NewError(envelope.CodeBrokerUnavailable, "broker: unavailable")

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("broker: closed")

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription streams messages matching its patterns. Messages is closed
// when the subscription breaks or is closed; the caller then resubscribes.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is a publish/subscribe transport. Messages published to one channel
// are delivered to every subscription in publish order.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe matches channels against glob patterns. Only exact names and
	// a single trailing "*" are used by the relay.
	Subscribe(ctx context.Context, patterns ...string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

func matchPattern(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}
