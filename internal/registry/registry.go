// Package registry indexes the live connections of one node by room and by
// user so that envelopes arriving from the broker can be fanned out locally.
//
// All three indexes are sharded and every shard has its own lock, so joins and
// fanouts for unrelated rooms never contend. Fanout copies the member set
// under a read lock and delivers after releasing it.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultShards = 32

// Subscriber is a connection as seen by the registry. Deliver must not block
// and must return false, without panicking, once the connection is closing.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(frame []byte) bool
}

type memberSet map[string]Subscriber

type memberShard struct {
	mu      sync.RWMutex
	members map[string]memberSet
}

type connEntry struct {
	sub   Subscriber
	rooms map[string]struct{}
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

// Registry is the node-local connection index.
type Registry struct {
	rooms []*memberShard
	users []*memberShard
	conns []*connShard
}

// New returns a registry with the given number of shards per index.
func New(shards int) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{
		rooms: make([]*memberShard, shards),
		users: make([]*memberShard, shards),
		conns: make([]*connShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.rooms[i] = &memberShard{members: make(map[string]memberSet)}
		r.users[i] = &memberShard{members: make(map[string]memberSet)}
		r.conns[i] = &connShard{conns: make(map[string]*connEntry)}
	}
	return r
}

func index(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) roomShard(room string) *memberShard { return r.rooms[index(room, len(r.rooms))] }
func (r *Registry) userShard(user string) *memberShard { return r.users[index(user, len(r.users))] }
func (r *Registry) connShard(id string) *connShard     { return r.conns[index(id, len(r.conns))] }

func (s *memberShard) add(key string, sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[key]
	if !ok {
		set = make(memberSet)
		s.members[key] = set
	}
	set[sub.ID()] = sub
}

func (s *memberShard) remove(key, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.members, key)
	}
}

func (s *memberShard) snapshot(key string) []Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.members[key]
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

func (s *memberShard) size(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members[key])
}

// Add registers sub. It returns false if a connection with the same id is
// already registered.
func (r *Registry) Add(sub Subscriber) bool {
	cs := r.connShard(sub.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, exists := cs.conns[sub.ID()]; exists {
		return false
	}
	cs.conns[sub.ID()] = &connEntry{sub: sub, rooms: make(map[string]struct{})}
	r.userShard(sub.UserID()).add(sub.UserID(), sub)
	return true
}

// Join subscribes sub to room. It reports whether the membership is new;
// joining twice, or joining with an unregistered connection, returns false.
func (r *Registry) Join(sub Subscriber, room string) bool {
	cs := r.connShard(sub.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.conns[sub.ID()]
	if !ok {
		return false
	}
	if _, joined := entry.rooms[room]; joined {
		return false
	}
	entry.rooms[room] = struct{}{}
	r.roomShard(room).add(room, entry.sub)
	return true
}

// Leave unsubscribes sub from room and reports whether it was a member.
func (r *Registry) Leave(sub Subscriber, room string) bool {
	cs := r.connShard(sub.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.conns[sub.ID()]
	if !ok {
		return false
	}
	if _, joined := entry.rooms[room]; !joined {
		return false
	}
	delete(entry.rooms, room)
	r.roomShard(room).remove(room, sub.ID())
	return true
}

// RemoveAll unregisters sub and removes it from every room it had joined. It
// returns those rooms, sorted. Calling it twice is harmless.
func (r *Registry) RemoveAll(sub Subscriber) []string {
	cs := r.connShard(sub.ID())
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.conns[sub.ID()]
	if !ok {
		return nil
	}
	delete(cs.conns, sub.ID())

	rooms := make([]string, 0, len(entry.rooms))
	for room := range entry.rooms {
		r.roomShard(room).remove(room, sub.ID())
		rooms = append(rooms, room)
	}
	r.userShard(sub.UserID()).remove(sub.UserID(), sub.ID())

	sort.Strings(rooms)
	return rooms
}

// LocalFanout delivers frame to every connection in room on this node and
// returns the number of successful deliveries. Connections that join while
// the fanout runs may or may not receive the frame.
func (r *Registry) LocalFanout(room string, frame []byte) int {
	return deliver(r.roomShard(room).snapshot(room), frame)
}

// DeliverToUser delivers frame to every connection of userID on this node.
func (r *Registry) DeliverToUser(userID string, frame []byte) int {
	return deliver(r.userShard(userID).snapshot(userID), frame)
}

func deliver(subs []Subscriber, frame []byte) int {
	n := 0
	for _, sub := range subs {
		if sub.Deliver(frame) {
			n++
		}
	}
	return n
}

// Snapshot returns the connections currently in room.
func (r *Registry) Snapshot(room string) []Subscriber {
	return r.roomShard(room).snapshot(room)
}

// IsMember reports whether connID has joined room.
func (r *Registry) IsMember(connID, room string) bool {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	entry, ok := cs.conns[connID]
	if !ok {
		return false
	}
	_, joined := entry.rooms[room]
	return joined
}

// Rooms returns the rooms connID has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	cs := r.connShard(connID)
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	entry, ok := cs.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(entry.rooms))
	for room := range entry.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, cs := range r.conns {
		cs.mu.RLock()
		n += len(cs.conns)
		cs.mu.RUnlock()
	}
	return n
}

// RoomSize returns the number of local connections in room.
func (r *Registry) RoomSize(room string) int {
	return r.roomShard(room).size(room)
}

// UserConnections returns the number of local connections of userID.
func (r *Registry) UserConnections(userID string) int {
	return r.userShard(userID).size(userID)
}
