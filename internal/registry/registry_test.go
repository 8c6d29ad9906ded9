package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id, user string
	closed   atomic.Bool

	mu     sync.Mutex
	frames [][]byte
}

func newStub(id, user string) *stubConn { return &stubConn{id: id, user: user} }

func (s *stubConn) ID() string     { return s.id }
func (s *stubConn) UserID() string { return s.user }

func (s *stubConn) Deliver(frame []byte) bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return true
}

func (s *stubConn) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

func TestJoinLeaveFanout(t *testing.T) {
	r := New(4)
	a, b, c := newStub("a", "alice"), newStub("b", "bob"), newStub("c", "carol")
	for _, s := range []*stubConn{a, b, c} {
		require.True(t, r.Add(s))
	}
	assert.False(t, r.Add(a), "duplicate id")

	assert.True(t, r.Join(a, "lobby"))
	assert.False(t, r.Join(a, "lobby"), "already joined")
	assert.True(t, r.Join(b, "lobby"))
	assert.True(t, r.Join(c, "other"))

	assert.Equal(t, 2, r.LocalFanout("lobby", []byte("hi")))
	assert.Equal(t, []string{"hi"}, a.received())
	assert.Equal(t, []string{"hi"}, b.received())
	assert.Empty(t, c.received())

	assert.True(t, r.Leave(b, "lobby"))
	assert.False(t, r.Leave(b, "lobby"))
	assert.Equal(t, 1, r.LocalFanout("lobby", []byte("again")))
	assert.Equal(t, 1, r.RoomSize("lobby"))
	assert.Zero(t, r.LocalFanout("empty", []byte("x")))
}

func TestJoinRequiresRegistration(t *testing.T) {
	r := New(4)
	ghost := newStub("g", "ghost")
	assert.False(t, r.Join(ghost, "lobby"))
	assert.Zero(t, r.RoomSize("lobby"))
}

func TestRemoveAllLeavesEveryRoom(t *testing.T) {
	r := New(4)
	a := newStub("a", "alice")
	r.Add(a)
	r.Join(a, "global")
	r.Join(a, "lobby")
	r.Join(a, "dev")

	assert.Equal(t, []string{"dev", "global", "lobby"}, r.Rooms("a"))
	assert.True(t, r.IsMember("a", "dev"))

	left := r.RemoveAll(a)
	assert.Equal(t, []string{"dev", "global", "lobby"}, left)
	assert.Nil(t, r.RemoveAll(a), "second call is a no-op")
	assert.False(t, r.IsMember("a", "dev"))
	assert.Zero(t, r.Count())
	assert.Zero(t, r.UserConnections("alice"))
	for _, room := range left {
		assert.Zero(t, r.RoomSize(room))
	}
}

func TestDeliverToUserReachesEveryDevice(t *testing.T) {
	r := New(4)
	phone, laptop, other := newStub("p", "alice"), newStub("l", "alice"), newStub("o", "bob")
	r.Add(phone)
	r.Add(laptop)
	r.Add(other)

	assert.Equal(t, 2, r.UserConnections("alice"))
	assert.Equal(t, 2, r.DeliverToUser("alice", []byte("dm")))
	assert.Equal(t, []string{"dm"}, phone.received())
	assert.Equal(t, []string{"dm"}, laptop.received())
	assert.Empty(t, other.received())

	r.RemoveAll(phone)
	assert.Equal(t, 1, r.DeliverToUser("alice", []byte("dm2")))
}

func TestFanoutSkipsClosingConnections(t *testing.T) {
	r := New(4)
	a, b := newStub("a", "alice"), newStub("b", "bob")
	r.Add(a)
	r.Add(b)
	r.Join(a, "lobby")
	r.Join(b, "lobby")

	b.closed.Store(true)
	assert.Equal(t, 1, r.LocalFanout("lobby", []byte("x")))
	assert.Len(t, r.Snapshot("lobby"), 2)
}

func TestConcurrentMembershipChanges(t *testing.T) {
	r := New(8)
	const conns = 64

	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newStub(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i%8))
			r.Add(s)
			for j := 0; j < 10; j++ {
				room := fmt.Sprintf("room-%d", j)
				r.Join(s, room)
				r.LocalFanout(room, []byte("x"))
			}
			if i%2 == 0 {
				r.RemoveAll(s)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, conns/2, r.Count())
	for j := 0; j < 10; j++ {
		assert.Equal(t, conns/2, r.RoomSize(fmt.Sprintf("room-%d", j)))
	}
}
