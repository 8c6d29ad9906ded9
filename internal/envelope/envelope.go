// Package envelope defines the wire format exchanged with WebSocket clients and
// published to the broker: one JSON object per frame.
package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Type enumerates the envelope kinds understood by the relay.
type Type string

const (
	TypeMessage     Type = "message"
	TypeJoin        Type = "join"
	TypeLeave       Type = "leave"
	TypeTyping      Type = "typing"
	TypeSystemAlert Type = "system_alert"
	TypeError       Type = "error"
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeJoin, TypeLeave, TypeTyping, TypeSystemAlert, TypeError:
		return true
	}
	return false
}

// ClientSendable reports whether a client may submit envelopes of type t.
// system_alert and error are produced by the server only.
func (t Type) ClientSendable() bool {
	switch t {
	case TypeMessage, TypeJoin, TypeLeave, TypeTyping:
		return true
	}
	return false
}

// GlobalRoom is the reserved room every authenticated connection belongs to.
const GlobalRoom = "global"

// ReservedUserPrefix marks identifiers that belong to per-user channels and
// can never be used as room names.
const ReservedUserPrefix = "user:"

// Kind classifies the delivery scope of an envelope.
type Kind int

const (
	KindRoom Kind = iota
	KindGlobal
	KindPrivate
)

func (k Kind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindPrivate:
		return "private"
	default:
		return "room"
	}
}

// Envelope is the unit of transport and fanout. Once published it must not be
// mutated; copies are cheap because Payload is shared read-only.
type Envelope struct {
	Type      Type            `json:"type"`
	Room      string          `json:"room,omitempty"`
	To        string          `json:"to,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ID        string          `json:"id,omitempty"`
	Code      Code            `json:"code,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// Kind returns the delivery scope of the envelope.
func (e Envelope) Kind() Kind {
	switch {
	case e.Room == GlobalRoom:
		return KindGlobal
	case e.Room == "" && e.To != "":
		return KindPrivate
	case e.Room == "":
		return KindGlobal
	default:
		return KindRoom
	}
}

// Stamp returns a copy of e carrying the server-assigned id and timestamp.
func (e Envelope) Stamp(id string, now time.Time) Envelope {
	e.ID = id
	e.Timestamp = now.UTC().Format(time.RFC3339Nano)
	return e
}

// Inbound is the subset of fields a client may set. Server-owned fields such
// as sender, id and timestamp are never read from the wire.
type Inbound struct {
	Type    Type            `json:"type"`
	Room    string          `json:"room"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// ErrMalformedFrame is returned when a frame is not a JSON object.
var ErrMalformedFrame = errors.New("malformed frame")

// DecodeInbound parses a raw client frame. Unknown fields are ignored.
func DecodeInbound(raw []byte) (Inbound, error) {
	var in Inbound
	if err := codec.Unmarshal(raw, &in); err != nil {
		return Inbound{}, ErrMalformedFrame
	}
	in.Type = Type(strings.TrimSpace(string(in.Type)))
	in.Room = strings.TrimSpace(in.Room)
	in.To = strings.TrimSpace(in.To)
	return in, nil
}

// Marshal encodes an envelope for the wire or the broker.
func Marshal(e Envelope) ([]byte, error) {
	return codec.Marshal(e)
}

// Unmarshal decodes an envelope previously produced by Marshal.
func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if !e.Type.Valid() {
		return Envelope{}, ErrMalformedFrame
	}
	return e, nil
}

// PayloadEmpty reports whether a raw payload carries no content: absent, JSON
// null, an empty or blank string, or an empty object/array.
func PayloadEmpty(p json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(p))
	switch trimmed {
	case "", "null", `""`, "{}", "[]":
		return true
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := codec.Unmarshal([]byte(trimmed), &s); err == nil {
			return strings.TrimSpace(s) == ""
		}
	}
	return false
}
