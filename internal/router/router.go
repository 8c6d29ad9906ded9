// Package router validates inbound client envelopes and dispatches them by
// type: chat messages and typing notices are published through the broker
// bridge, joins and leaves update the local registry and announce presence.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/history"
	"github.com/Tyrowin/gochat-relay/internal/metrics"
	"github.com/Tyrowin/gochat-relay/internal/ratelimit"
	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// ErrInvalidEnvelope is returned for any frame that fails validation.
var ErrInvalidEnvelope = envelope.NewError(envelope.CodeInvalidEnvelope, "router: invalid envelope")

// Client is the connection an envelope arrived on.
type Client interface {
	registry.Subscriber
	Username() string
	// Send queues env for this connection only.
	Send(env envelope.Envelope) bool
}

// Publisher hands envelopes to the broker bridge.
type Publisher interface {
	Publish(ctx context.Context, env envelope.Envelope) error
}

// HistorySink receives routed messages for persistence. Submit must not block.
type HistorySink interface {
	Submit(env envelope.Envelope) bool
}

// HistoryReader serves recent messages for replay on join.
type HistoryReader interface {
	Recent(ctx context.Context, scope string, limit int) ([]envelope.Envelope, error)
}

// Deps are the collaborators of a Router. History and Reader are optional.
type Deps struct {
	Registry  *registry.Registry
	Publisher Publisher
	History   HistorySink
	Reader    HistoryReader
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	NewID     func() string
	Now       func() time.Time
}

// Options bounds what clients may send.
type Options struct {
	MaxPayloadBytes int
	// ReplayLimit is the number of recent messages sent to a connection
	// joining a room. Zero disables replay.
	ReplayLimit int
}

// Router is safe for concurrent use by every connection of a node.
type Router struct {
	reg     *registry.Registry
	pub     Publisher
	sink    HistorySink
	reader  HistoryReader
	log     *zap.Logger
	metrics *metrics.Metrics
	newID   func() string
	now     func() time.Time
	opts    Options
}

// New builds a router.
func New(deps Deps, opts Options) *Router {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 4096
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.NewID == nil {
		deps.NewID = NewMessageID
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Router{
		reg:     deps.Registry,
		pub:     deps.Publisher,
		sink:    deps.History,
		reader:  deps.Reader,
		log:     deps.Log.With(zap.String("component", "router")),
		metrics: deps.Metrics,
		newID:   deps.NewID,
		now:     deps.Now,
		opts:    opts,
	}
}

// NewMessageID returns a time-ordered UUIDv7, falling back to a random UUID.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Decode parses and validates a raw client frame. Server-owned fields are
// never taken from the wire.
func (r *Router) Decode(raw []byte) (envelope.Envelope, error) {
	in, err := envelope.DecodeInbound(raw)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := r.validate(in); err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Envelope{
		Type:    in.Type,
		Room:    in.Room,
		To:      in.To,
		Payload: in.Payload,
	}, nil
}

// Class returns the limiter class charged for env.
func Class(env envelope.Envelope) ratelimit.Class {
	if env.Type == envelope.TypeTyping {
		return ratelimit.ClassTyping
	}
	return ratelimit.ClassMessage
}

// PrivateScope is the single limiter scope every private frame of a user is
// charged to, whoever the recipient is.
const PrivateScope = "private"

// Scope returns the limiter scope key of env: its room, or PrivateScope for
// frames addressed to a user. Joins and leaves share one membership bucket per
// user so that they never consume a room's message allowance.
func Scope(env envelope.Envelope) string {
	switch {
	case env.Type == envelope.TypeJoin || env.Type == envelope.TypeLeave:
		return "membership"
	case env.Room != "":
		return env.Room
	default:
		return PrivateScope
	}
}

// Dispatch stamps a decoded envelope and routes it. Errors wrapping
// ErrInvalidEnvelope should be reported to the client with Reject; any other
// error is infrastructure trouble the client is not told about.
func (r *Router) Dispatch(ctx context.Context, c Client, env envelope.Envelope) error {
	start := r.now()
	env.Sender = c.UserID()
	env = env.Stamp(r.newID(), start)

	var err error
	switch env.Type {
	case envelope.TypeMessage:
		err = r.handleMessage(ctx, c, env)
	case envelope.TypeJoin:
		err = r.handleJoin(ctx, c, env)
	case envelope.TypeLeave:
		err = r.handleLeave(ctx, c, env)
	case envelope.TypeTyping:
		err = r.handleTyping(ctx, c, env)
	default:
		err = invalid("type %q not accepted", env.Type)
	}

	r.metrics.ObserveDispatch(string(env.Type), time.Since(start).Seconds())
	return err
}

func (r *Router) requireMember(c Client, room string) error {
	if room != "" && !r.reg.IsMember(c.ID(), room) {
		return invalid("not joined to %q", room)
	}
	return nil
}

func (r *Router) handleMessage(ctx context.Context, c Client, env envelope.Envelope) error {
	if err := r.requireMember(c, env.Room); err != nil {
		return err
	}
	err := r.pub.Publish(ctx, env)
	if r.sink != nil {
		r.sink.Submit(env)
	}
	return err
}

func (r *Router) handleTyping(ctx context.Context, c Client, env envelope.Envelope) error {
	if err := r.requireMember(c, env.Room); err != nil {
		return err
	}
	return r.pub.Publish(ctx, env)
}

func (r *Router) handleJoin(ctx context.Context, c Client, env envelope.Envelope) error {
	if !r.reg.Join(c, env.Room) {
		return nil
	}
	r.replay(ctx, c, env.Room)
	return r.pub.Publish(ctx, r.presence(env, c.Username()))
}

func (r *Router) handleLeave(ctx context.Context, c Client, env envelope.Envelope) error {
	if !r.reg.Leave(c, env.Room) {
		return nil
	}
	return r.pub.Publish(ctx, r.presence(env, c.Username()))
}

type presencePayload struct {
	Username string `json:"username,omitempty"`
	// Count is the number of connections in the room on this node.
	Count int `json:"count"`
}

func (r *Router) presence(env envelope.Envelope, username string) envelope.Envelope {
	p, err := json.Marshal(presencePayload{Username: username, Count: r.reg.RoomSize(env.Room)})
	if err == nil {
		env.Payload = p
	}
	return env
}

func (r *Router) replay(ctx context.Context, c Client, room string) {
	if r.reader == nil || r.opts.ReplayLimit <= 0 {
		return
	}
	recent, err := r.reader.Recent(ctx, history.RoomScope(room), r.opts.ReplayLimit)
	if err != nil {
		r.log.Debug("History replay unavailable", zap.String("room", room), zap.Error(err))
		return
	}
	for _, env := range recent {
		if !c.Send(env) {
			return
		}
	}
}

// Reject sends the client an error frame for err. Only the error's code and
// its fixed description leave the server.
func (r *Router) Reject(c Client, err error) {
	code := envelope.CodeFor(err)
	c.Send(envelope.ErrorFrame(code, ""))
	r.metrics.Envelope(string(envelope.TypeError), metrics.DirectionOut)
}

// Departed announces that a disconnected client left rooms. The global room
// is implicit and never announced.
func (r *Router) Departed(ctx context.Context, c Client, rooms []string) {
	for _, room := range rooms {
		if room == envelope.GlobalRoom {
			continue
		}
		env := envelope.Envelope{Type: envelope.TypeLeave, Room: room, Sender: c.UserID()}.Stamp(r.newID(), r.now())
		if err := r.pub.Publish(ctx, r.presence(env, c.Username())); err != nil {
			r.log.Debug("Departure not published", zap.String("room", room), zap.Error(err))
		}
	}
}

// Alert publishes a system notification: to every connection when userID is
// empty, otherwise to every connection of that user.
func (r *Router) Alert(ctx context.Context, userID string, payload json.RawMessage) (envelope.Envelope, error) {
	if envelope.PayloadEmpty(payload) {
		return envelope.Envelope{}, invalid("payload required")
	}
	env := envelope.Envelope{Type: envelope.TypeSystemAlert, Payload: payload}
	if userID != "" {
		env.To = userID
	} else {
		env.Room = envelope.GlobalRoom
	}
	env = env.Stamp(r.newID(), r.now())
	return env, r.pub.Publish(ctx, env)
}

// IsInvalid reports whether err is a validation failure the client caused.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidEnvelope)
}
