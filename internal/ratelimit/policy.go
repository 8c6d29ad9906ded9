package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Class names a bucket family with its own capacity and refill rate.
type Class string

const (
	ClassMessage Class = "message"
	ClassTyping  Class = "typing"
	ClassConnect Class = "connect"
)

// Set holds one Limiter per class.
type Set struct {
	limiters map[Class]*Limiter
}

// NewSet builds a limiter for every configured class.
func NewSet(classes map[Class]Config) *Set {
	s := &Set{limiters: make(map[Class]*Limiter, len(classes))}
	for class, cfg := range classes {
		s.limiters[class] = New(cfg)
	}
	return s
}

// Admit checks the bucket of class for (userID, scopeKey). Classes without a
// configured limiter always admit.
func (s *Set) Admit(class Class, userID, scopeKey string) Decision {
	l, ok := s.limiters[class]
	if !ok {
		return Decision{Allowed: true}
	}
	return l.Admit(userID, scopeKey)
}

// Limiter returns the limiter for class, or nil.
func (s *Set) Limiter(class Class) *Limiter {
	return s.limiters[class]
}

// Run sweeps every class until ctx is done.
func (s *Set) Run(ctx context.Context, interval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.limiters {
		l := l
		g.Go(func() error { return l.Run(ctx, interval) })
	}
	return g.Wait()
}

// Action is what a connection does when one of its messages is denied.
type Action string

const (
	ActionDrop       Action = "drop"
	ActionWarn       Action = "warn"
	ActionDisconnect Action = "disconnect"
)

// ParseAction parses a configured action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionDrop, ActionWarn, ActionDisconnect:
		return a, nil
	}
	return "", fmt.Errorf("ratelimit: unknown action %q", s)
}

// Policy decides the response to denied messages. Every action except drop
// warns the client; once DisconnectAfter consecutive denials have been seen
// the connection is closed. DisconnectAfter <= 0 never disconnects.
type Policy struct {
	Action          Action
	DisconnectAfter int
}

// Verdict is the response chosen for one denial.
type Verdict struct {
	Warn       bool
	Disconnect bool
}

// Violations counts consecutive denials for one connection. It is owned by the
// connection's read loop and is not safe for concurrent use.
type Violations struct {
	policy      Policy
	consecutive int
}

// NewViolations returns a counter applying p.
func NewViolations(p Policy) *Violations {
	return &Violations{policy: p}
}

// Allowed resets the streak after an admitted message.
func (v *Violations) Allowed() {
	v.consecutive = 0
}

// Denied records a denial and returns the response to apply.
func (v *Violations) Denied() Verdict {
	v.consecutive++
	switch v.policy.Action {
	case ActionDrop:
		return Verdict{}
	case ActionDisconnect:
		limit := v.policy.DisconnectAfter
		if limit <= 0 {
			limit = 1
		}
		return Verdict{Warn: true, Disconnect: v.consecutive >= limit}
	default:
		return Verdict{
			Warn:       true,
			Disconnect: v.policy.DisconnectAfter > 0 && v.consecutive >= v.policy.DisconnectAfter,
		}
	}
}

// Consecutive returns the current streak length.
func (v *Violations) Consecutive() int {
	return v.consecutive
}
