// Package history forwards routed chat messages to the external history store
// and reads recent history back for replay on join. Persistence is best
// effort: a slow or failing store never delays delivery.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// ErrStoreUnavailable is returned while the store's circuit breaker is open.
var ErrStoreUnavailable = errors.New("history: store unavailable")

// Store is the external persisted-history collaborator.
type Store interface {
	Append(ctx context.Context, env envelope.Envelope) error
	// Recent returns up to limit envelopes of scope, oldest first.
	Recent(ctx context.Context, scope string, limit int) ([]envelope.Envelope, error)
}

// Scope returns the history key of env: RoomScope for room messages and
// PrivateScope for private ones. Global envelopes have no scope.
func Scope(env envelope.Envelope) string {
	switch env.Kind() {
	case envelope.KindRoom:
		return RoomScope(env.Room)
	case envelope.KindPrivate:
		return PrivateScope(env.Sender, env.To)
	default:
		return ""
	}
}

// RoomScope is the history key of a room. Room and private keys never collide
// whatever the room is named.
func RoomScope(room string) string {
	return "room:" + room
}

// PrivateScope is the history key of a conversation between two users,
// independent of who sent. The first id is length-prefixed so that ids
// containing ':' cannot alias another pair.
func PrivateScope(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "dm:" + strconv.Itoa(len(pair[0])) + ":" + pair[0] + ":" + pair[1]
}

// RedisStore keeps one capped stream per scope, {prefix}:history:{scope}.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisStore returns a store capping each stream at roughly maxLen entries.
func NewRedisStore(client redis.UniversalClient, prefix string, maxLen int64) *RedisStore {
	if prefix == "" {
		prefix = "chat"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisStore{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *RedisStore) key(scope string) string {
	return s.prefix + ":history:" + scope
}

// Append adds env to its scope's stream. Envelopes without a scope are
// ignored.
func (s *RedisStore) Append(ctx context.Context, env envelope.Envelope) error {
	scope := Scope(env)
	if scope == "" {
		return nil
	}
	frame, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(scope),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":       env.ID,
			"envelope": frame,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("history append %s: %w", scope, err)
	}
	return nil
}

// Recent reads the newest limit entries of scope, oldest first.
func (s *RedisStore) Recent(ctx context.Context, scope string, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 {
		return nil, nil
	}
	entries, err := s.client.XRevRangeN(ctx, s.key(scope), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("history recent %s: %w", scope, err)
	}

	out := make([]envelope.Envelope, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		raw, ok := entries[i].Values["envelope"].(string)
		if !ok {
			continue
		}
		env, err := envelope.Unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// MemoryStore is a bounded in-process Store for single-node runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	maxLen int
	scopes map[string][]envelope.Envelope
}

// NewMemoryStore keeps up to maxLen envelopes per scope.
func NewMemoryStore(maxLen int) *MemoryStore {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &MemoryStore{maxLen: maxLen, scopes: make(map[string][]envelope.Envelope)}
}

// Append adds env to its scope, dropping the oldest beyond the cap.
func (s *MemoryStore) Append(_ context.Context, env envelope.Envelope) error {
	scope := Scope(env)
	if scope == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.scopes[scope], env)
	if len(list) > s.maxLen {
		list = list[len(list)-s.maxLen:]
	}
	s.scopes[scope] = list
	return nil
}

// Recent returns up to limit envelopes of scope, oldest first.
func (s *MemoryStore) Recent(_ context.Context, scope string, limit int) ([]envelope.Envelope, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.scopes[scope]
	if limit < len(list) {
		list = list[len(list)-limit:]
	}
	return append([]envelope.Envelope(nil), list...), nil
}
