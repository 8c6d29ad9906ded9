// Package ratelimit implements the per-sender token buckets that protect the
// relay from flooding. Buckets are keyed by (user, scope), created lazily, and
// evicted once they have been idle long enough to have refilled completely.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat-relay/internal/envelope"
)

// ErrRateExceeded is the deny reason returned when a bucket is empty.
var ErrRateExceeded = envelope.NewError(envelope.CodeRateExceeded, "ratelimit: rate exceeded")

const defaultShards = 64

// Config defines one bucket class. Burst is the bucket capacity and
// RefillInterval the time an empty bucket needs to refill completely, so the
// sustained rate is Burst/RefillInterval.
type Config struct {
	Burst          int
	RefillInterval time.Duration
	// IdleTTL is how long an untouched bucket is kept. It is never shorter
	// than RefillInterval: an evicted bucket must already have been full.
	IdleTTL time.Duration
	Shards  int
	Now     func() time.Time
}

func (c Config) sanitize() Config {
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if c.IdleTTL < c.RefillInterval {
		c.IdleTTL = c.RefillInterval
	}
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Limit returns the sustained refill rate in tokens per second.
func (c Config) Limit() rate.Limit {
	return rate.Limit(float64(c.Burst) / c.RefillInterval.Seconds())
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Reason     error
	RetryAfter time.Duration
}

type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	lastSeen time.Time
	evicted  bool
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a sharded set of token buckets sharing one Config.
type Limiter struct {
	cfg    Config
	limit  rate.Limit
	shards []*shard
}

// New creates a limiter for cfg.
func New(cfg Config) *Limiter {
	cfg = cfg.sanitize()
	l := &Limiter{
		cfg:    cfg,
		limit:  cfg.Limit(),
		shards: make([]*shard, cfg.Shards),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func bucketKey(userID, scopeKey string) string {
	return userID + "\x00" + scopeKey
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (s *shard) bucket(key string, limit rate.Limit, burst int, now time.Time) *bucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(limit, burst), lastSeen: now}
		s.buckets[key] = b
	}
	return b
}

// Admit consumes one token from the (userID, scopeKey) bucket. Admission is
// linearizable per bucket: concurrent callers never both take the last token.
func (l *Limiter) Admit(userID, scopeKey string) Decision {
	key := bucketKey(userID, scopeKey)
	sh := l.shardFor(key)

	for {
		now := l.cfg.Now()
		b := sh.bucket(key, l.limit, l.cfg.Burst, now)

		b.mu.Lock()
		if b.evicted {
			// Swept between lookup and lock; the shard already holds a fresh bucket.
			b.mu.Unlock()
			continue
		}
		b.lastSeen = now
		if b.lim.AllowN(now, 1) {
			b.mu.Unlock()
			return Decision{Allowed: true}
		}
		missing := 1 - b.lim.TokensAt(now)
		b.mu.Unlock()

		return Decision{
			Reason:     ErrRateExceeded,
			RetryAfter: time.Duration(missing / float64(l.limit) * float64(time.Second)),
		}
	}
}

// Sweep evicts buckets idle for at least IdleTTL at now and returns how many
// were removed.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			b.mu.Lock()
			if now.Sub(b.lastSeen) >= l.cfg.IdleTTL {
				b.evicted = true
				delete(sh.buckets, key)
				removed++
			}
			b.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Run sweeps idle buckets every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = l.cfg.IdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep(l.cfg.Now())
		}
	}
}
