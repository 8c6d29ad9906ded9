package broker

import (
	"strings"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// DefaultPrefix namespaces every channel the relay uses.
const DefaultPrefix = "chat"

// Channels names broker channels: {prefix}:room:{room}, {prefix}:global and
// {prefix}:user:{id}.
type Channels struct {
	prefix string
}

// NewChannels returns a namer for prefix; an empty prefix uses DefaultPrefix.
func NewChannels(prefix string) Channels {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Channels{prefix: prefix}
}

func (c Channels) Room(room string) string { return c.prefix + ":room:" + room }
func (c Channels) Global() string          { return c.prefix + ":global" }
func (c Channels) User(id string) string   { return c.prefix + ":user:" + id }

// Patterns returns the subscriptions every node holds.
func (c Channels) Patterns() []string {
	return []string{c.Room("*"), c.User("*"), c.Global()}
}

// For returns the channels env must be published on. A private envelope goes
// to the recipient and is echoed to the sender's other connections.
func (c Channels) For(env envelope.Envelope) []string {
	switch env.Kind() {
	case envelope.KindPrivate:
		if env.Sender == "" || env.Sender == env.To {
			return []string{c.User(env.To)}
		}
		return []string{c.User(env.To), c.User(env.Sender)}
	case envelope.KindGlobal:
		return []string{c.Global()}
	default:
		return []string{c.Room(env.Room)}
	}
}

// Parse maps a channel back to its scope and key (room or user id).
func (c Channels) Parse(channel string) (envelope.Kind, string, bool) {
	rest, ok := strings.CutPrefix(channel, c.prefix+":")
	if !ok {
		return 0, "", false
	}
	if rest == "global" {
		return envelope.KindGlobal, envelope.GlobalRoom, true
	}
	if room, ok := strings.CutPrefix(rest, "room:"); ok && room != "" {
		return envelope.KindRoom, room, true
	}
	if user, ok := strings.CutPrefix(rest, "user:"); ok && user != "" {
		return envelope.KindPrivate, user, true
	}
	return 0, "", false
}
