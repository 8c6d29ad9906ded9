package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

var roomPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

const maxRecipientLen = 128

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEnvelope, fmt.Sprintf(format, args...))
}

// validRoom checks a room a client may join, leave or write to.
func validRoom(room string) error {
	switch {
	case room == "":
		return invalid("room required")
	case room == envelope.GlobalRoom:
		return invalid("room %q is broadcast-only", room)
	case strings.HasPrefix(room, envelope.ReservedUserPrefix):
		return invalid("room prefix %q is reserved", envelope.ReservedUserPrefix)
	case !roomPattern.MatchString(room):
		return invalid("room name not allowed")
	}
	return nil
}

func validRecipient(to string) error {
	if len(to) > maxRecipientLen {
		return invalid("recipient too long")
	}
	return nil
}

// validTarget requires exactly one of room or to.
func validTarget(in envelope.Inbound) error {
	switch {
	case in.Room != "" && in.To != "":
		return invalid("room and to are exclusive")
	case in.Room != "":
		return validRoom(in.Room)
	case in.To != "":
		return validRecipient(in.To)
	default:
		return invalid("room or to required")
	}
}

func (r *Router) validate(in envelope.Inbound) error {
	if in.Type == "" {
		return invalid("type required")
	}
	if !in.Type.ClientSendable() {
		return invalid("type %q not accepted", in.Type)
	}
	if len(in.Payload) > r.opts.MaxPayloadBytes {
		return invalid("payload exceeds %d bytes", r.opts.MaxPayloadBytes)
	}

	switch in.Type {
	case envelope.TypeMessage:
		if envelope.PayloadEmpty(in.Payload) {
			return invalid("payload required")
		}
		return validTarget(in)
	case envelope.TypeJoin, envelope.TypeLeave:
		if in.To != "" {
			return invalid("%s takes a room", in.Type)
		}
		return validRoom(in.Room)
	case envelope.TypeTyping:
		return validTarget(in)
	}
	return invalid("type %q not accepted", in.Type)
}
