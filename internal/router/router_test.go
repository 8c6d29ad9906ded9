package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
	"github.com/Tyrowin/gochat-relay/internal/history"
	"github.com/Tyrowin/gochat-relay/internal/ratelimit"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/testutil"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []envelope.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return p.err
}

func (p *recordingPublisher) published() []envelope.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]envelope.Envelope(nil), p.sent...)
}

type recordingSink struct {
	mu  sync.Mutex
	got []envelope.Envelope
}

func (s *recordingSink) Submit(env envelope.Envelope) bool {
	s.mu.Lock()
	s.got = append(s.got, env)
	s.mu.Unlock()
	return true
}

type fixture struct {
	router *Router
	reg    *registry.Registry
	pub    *recordingPublisher
	sink   *recordingSink
	store  *history.MemoryStore
}

var fixedNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:   registry.New(4),
		pub:   &recordingPublisher{},
		sink:  &recordingSink{},
		store: history.NewMemoryStore(10),
	}
	seq := 0
	f.router = New(Deps{
		Registry:  f.reg,
		Publisher: f.pub,
		History:   f.sink,
		Reader:    f.store,
		NewID: func() string {
			seq++
			return "id-" + string(rune('0'+seq))
		},
		Now: func() time.Time { return fixedNow },
	}, Options{MaxPayloadBytes: 64, ReplayLimit: 5})
	return f
}

func (f *fixture) client(t *testing.T, id, user string) *testutil.Recorder {
	t.Helper()
	c := testutil.NewRecorder(id, user)
	require.True(t, f.reg.Add(c))
	require.True(t, f.reg.Join(c, envelope.GlobalRoom))
	return c
}

func (f *fixture) decodeDispatch(t *testing.T, c Client, raw string) error {
	t.Helper()
	env, err := f.router.Decode([]byte(raw))
	if err != nil {
		return err
	}
	return f.router.Dispatch(context.Background(), c, env)
}

func TestDecodeRejections(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"not json":          `hello`,
		"missing type":      `{"room":"lobby","payload":"x"}`,
		"unknown type":      `{"type":"shout","room":"lobby","payload":"x"}`,
		"server-only alert": `{"type":"system_alert","payload":"x"}`,
		"server-only error": `{"type":"error","code":"x"}`,
		"empty payload":     `{"type":"message","room":"lobby","payload":"  "}`,
		"no target":         `{"type":"message","payload":"hi"}`,
		"both targets":      `{"type":"message","room":"lobby","to":"bob","payload":"hi"}`,
		"global message":    `{"type":"message","room":"global","payload":"hi"}`,
		"oversized":         `{"type":"message","room":"lobby","payload":"` + strings.Repeat("x", 100) + `"}`,
		"join global":       `{"type":"join","room":"global"}`,
		"leave global":      `{"type":"leave","room":"global"}`,
		"reserved prefix":   `{"type":"join","room":"user:42"}`,
		"bad room chars":    `{"type":"join","room":"a b"}`,
		"join without room": `{"type":"join"}`,
		"join with to":      `{"type":"join","room":"lobby","to":"bob"}`,
		"typing no target":  `{"type":"typing"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.router.Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
			assert.Equal(t, envelope.CodeInvalidEnvelope, envelope.CodeFor(err))
		})
	}
}

func TestDecodeIgnoresForgedServerFields(t *testing.T) {
	f := newFixture(t)
	env, err := f.router.Decode([]byte(`{"type":"typing","room":"lobby","sender":"mallory","id":"x","timestamp":"y"}`))
	require.NoError(t, err)
	assert.Empty(t, env.Sender)
	assert.Empty(t, env.ID)
	assert.Empty(t, env.Timestamp)
}

func TestMessageStampedPublishedAndPersisted(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"join","room":"lobby"}`))

	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"message","room":"lobby","payload":"hi"}`))

	sent := f.pub.published()
	require.Len(t, sent, 2)
	msg := sent[1]
	assert.Equal(t, envelope.TypeMessage, msg.Type)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "id-2", msg.ID)
	assert.Equal(t, "2026-10-17T12:00:00Z", msg.Timestamp)
	assert.JSONEq(t, `"hi"`, string(msg.Payload))

	require.Len(t, f.sink.got, 1)
	assert.Equal(t, msg.ID, f.sink.got[0].ID)
}

func TestMessageRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")

	err := f.decodeDispatch(t, alice, `{"type":"message","room":"lobby","payload":"hi"}`)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
	assert.Empty(t, f.pub.published())
	assert.Empty(t, f.sink.got)
}

func TestPrivateMessageNeedsNoMembership(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")

	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"message","to":"bob","payload":{"text":"psst"}}`))
	sent := f.pub.published()
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.KindPrivate, sent[0].Kind())
	assert.Equal(t, "bob", sent[0].To)
}

func TestJoinAnnouncesPresenceAndReplaysHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 7; i++ {
		require.NoError(t, f.store.Append(context.Background(), envelope.Envelope{
			Type: envelope.TypeMessage, Room: "lobby", Sender: "bob", ID: string(rune('a' + i)),
		}))
	}
	alice := f.client(t, "c1", "alice")

	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"join","room":"lobby"}`))
	assert.True(t, f.reg.IsMember("c1", "lobby"))

	replayed := alice.Envelopes(t)
	require.Len(t, replayed, 5)
	assert.Equal(t, "c", replayed[0].ID)
	assert.Equal(t, "g", replayed[4].ID)

	sent := f.pub.published()
	require.Len(t, sent, 1)
	assert.Equal(t, envelope.TypeJoin, sent[0].Type)
	assert.Equal(t, "alice", sent[0].Sender)
	assert.JSONEq(t, `{"username":"alice","count":1}`, string(sent[0].Payload))

	// Joining again is a no-op.
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"join","room":"lobby"}`))
	assert.Len(t, f.pub.published(), 1)
}

func TestLeaveAndDeparted(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"join","room":"lobby"}`))
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"join","room":"dev"}`))

	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"leave","room":"lobby"}`))
	assert.False(t, f.reg.IsMember("c1", "lobby"))
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"leave","room":"lobby"}`), "leaving twice is a no-op")

	before := len(f.pub.published())
	f.router.Departed(context.Background(), alice, f.reg.RemoveAll(alice))

	sent := f.pub.published()[before:]
	require.Len(t, sent, 1, "global is never announced")
	assert.Equal(t, envelope.TypeLeave, sent[0].Type)
	assert.Equal(t, "dev", sent[0].Room)
	assert.JSONEq(t, `{"username":"alice","count":0}`, string(sent[0].Payload))
}

func TestTypingIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"join","room":"lobby"}`))
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"typing","room":"lobby"}`))

	assert.Len(t, f.pub.published(), 2)
	assert.Empty(t, f.sink.got)
}

func TestBrokerFailureIsReturnedButStillPersisted(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")
	f.pub.err = errors.New("broker down")

	err := f.decodeDispatch(t, alice, `{"type":"message","to":"bob","payload":"hi"}`)
	assert.Error(t, err)
	assert.False(t, IsInvalid(err))
	assert.Len(t, f.sink.got, 1)
}

func TestRejectSendsOnlyTheCode(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")

	f.router.Reject(alice, invalid("room %q is secret internal detail", "x"))
	got := alice.Envelopes(t)
	require.Len(t, got, 1)
	assert.Equal(t, envelope.TypeError, got[0].Type)
	assert.Equal(t, envelope.CodeInvalidEnvelope, got[0].Code)
	assert.NotContains(t, got[0].Detail, "secret")

	f.router.Reject(alice, ratelimit.ErrRateExceeded)
	got = alice.Envelopes(t)
	assert.Equal(t, envelope.CodeRateExceeded, got[1].Code)
}

func TestAlert(t *testing.T) {
	f := newFixture(t)

	env, err := f.router.Alert(context.Background(), "", json.RawMessage(`"maintenance at noon"`))
	require.NoError(t, err)
	assert.Equal(t, envelope.KindGlobal, env.Kind())
	assert.Empty(t, env.Sender)

	env, err = f.router.Alert(context.Background(), "bob", json.RawMessage(`{"kind":"mention"}`))
	require.NoError(t, err)
	assert.Equal(t, envelope.KindPrivate, env.Kind())
	assert.Equal(t, envelope.TypeSystemAlert, env.Type)

	_, err = f.router.Alert(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestClassAndScope(t *testing.T) {
	assert.Equal(t, ratelimit.ClassTyping, Class(envelope.Envelope{Type: envelope.TypeTyping}))
	assert.Equal(t, ratelimit.ClassMessage, Class(envelope.Envelope{Type: envelope.TypeMessage}))
	assert.Equal(t, "lobby", Scope(envelope.Envelope{Room: "lobby"}))
	assert.Equal(t, PrivateScope, Scope(envelope.Envelope{To: "bob"}))
	assert.Equal(t, PrivateScope, Scope(envelope.Envelope{Type: envelope.TypeTyping, To: "carol"}))
	assert.Equal(t, "membership", Scope(envelope.Envelope{Type: envelope.TypeJoin, Room: "lobby"}))
	assert.Equal(t, "membership", Scope(envelope.Envelope{Type: envelope.TypeLeave, Room: "lobby"}))
}

// TestPrivateFramesShareOneBucket verifies that addressing many different
// recipients does not multiply a sender's allowance.
func TestPrivateFramesShareOneBucket(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{
		Burst:          10,
		RefillInterval: 10 * time.Second,
		Now:            func() time.Time { return fixedNow },
	})
	f := newFixture(t)

	admitted := 0
	for i := 0; i < 200; i++ {
		env, err := f.router.Decode([]byte(fmt.Sprintf(`{"type":"message","to":"ghost-%d","payload":"spam"}`, i)))
		require.NoError(t, err)
		if l.Admit("alice", Scope(env)).Allowed {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)
	assert.Equal(t, 1, l.Len())
}

// TestRoomNamedLikeConversationReplaysNothing verifies that joining a room
// whose name mimics a private history key never serves that conversation.
func TestRoomNamedLikeConversationReplaysNothing(t *testing.T) {
	f := newFixture(t)
	alice := f.client(t, "c1", "alice")
	require.NoError(t, f.decodeDispatch(t, alice, `{"type":"message","to":"bob","payload":"secret"}`))
	require.Len(t, f.sink.got, 1)
	require.NoError(t, f.store.Append(context.Background(), f.sink.got[0]))

	mallory := f.client(t, "c2", "mallory")
	for _, room := range []string{"dm:alice:bob", history.PrivateScope("alice", "bob")} {
		require.NoError(t, f.decodeDispatch(t, mallory, `{"type":"join","room":"`+room+`"}`))
	}
	assert.Empty(t, mallory.Envelopes(t))

	room := history.PrivateScope("alice", "bob")
	require.NoError(t, f.decodeDispatch(t, mallory, `{"type":"message","room":"`+room+`","payload":"planted"}`))
	require.NoError(t, f.store.Append(context.Background(), f.sink.got[1]))

	private, err := f.store.Recent(context.Background(), history.PrivateScope("alice", "bob"), 10)
	require.NoError(t, err)
	require.Len(t, private, 1)
	assert.JSONEq(t, `"secret"`, string(private[0].Payload))
}

func TestMessageIDsAreUniqueAndOrdered(t *testing.T) {
	seen := make(map[string]bool)
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		require.False(t, seen[id])
		seen[id] = true
		assert.GreaterOrEqual(t, id, prev)
		prev = id
	}
}
