// Package ratelimit implements a sliding-window log limiter keyed by an
// arbitrary string, typically a (match, actor) pair.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Mode decides what happens when the backing store is unavailable.
type Mode int

const (
	// FailOpen admits requests when the store errors.
	FailOpen Mode = iota
	// FailClosed rejects requests when the store errors.
	FailClosed
)

func (m Mode) String() string {
	if m == FailClosed {
		return "fail-closed"
	}
	return "fail-open"
}

// Store records hits. Take prunes hits at or before now-window, and records a
// new hit only when fewer than limit remain. It returns the number of hits in
// the window after the call and the oldest of them.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (allowed bool, count int, oldest time.Time, err error)
}

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when the store failed and Mode decided the outcome.
	Degraded bool
}

type Guard struct {
	Store  Store
	Limit  int
	Window time.Duration
	Mode   Mode
	Now    func() time.Time
	Logger *log.Logger
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) logger() *log.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return log.Default()
}

// Allow records an attempt for key. A nil Guard or a non-positive Limit admits
// everything.
func (g *Guard) Allow(ctx context.Context, key string) Decision {
	if g == nil || g.Limit <= 0 || g.Store == nil {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := g.now()
	allowed, count, oldest, err := g.Store.Take(ctx, key, now, g.Window, g.Limit)
	if err != nil {
		g.logger().Printf("ratelimit: %s store error for %s: %v", g.Mode, key, err)
		return Decision{Allowed: g.Mode == FailOpen, Degraded: true}
	}
	d := Decision{Allowed: allowed, Remaining: g.Limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		d.RetryAfter = oldest.Add(g.Window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}

// MatchActorKey is the key used for proposals.
func MatchActorKey(matchID, actorID string) string {
	return fmt.Sprintf("match:%s:actor:%s", matchID, actorID)
}
