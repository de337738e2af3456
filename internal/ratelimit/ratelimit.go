// Package ratelimit provides per-connection token buckets keyed by event
// category. Exhausted buckets drop events silently; realtime traffic is
// lossy-tolerant and dropping excess keeps fan-out bounded.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Category identifies a rate-limited class of inbound events.
type Category string

const (
	Chat     Category = "chat"
	Typing   Category = "typing"
	Presence Category = "presence"
	Scene    Category = "scene"
	Gameplay Category = "gameplay"
	Social   Category = "social"
	Global   Category = "global"
	Private  Category = "private"
)

// Limit declares one bucket: capacity is the burst size, Refill the
// sustained events-per-second rate.
type Limit struct {
	Capacity int
	Refill   rate.Limit
}

// Config maps categories to their bucket limits. Categories absent from
// the config are not limited.
type Config map[Category]Limit

// DefaultConfig returns the stock per-category budgets.
func DefaultConfig() Config {
	return Config{
		Chat:     {Capacity: 3, Refill: 3},
		Typing:   {Capacity: 10, Refill: 10},
		Presence: {Capacity: 20, Refill: 20},
		Scene:    {Capacity: 30, Refill: 30},
		Gameplay: {Capacity: 60, Refill: 60},
		Social:   {Capacity: 5, Refill: 1},
		Global:   {Capacity: 3, Refill: 3},
		Private:  {Capacity: 5, Refill: 5},
	}
}

// Limiter holds one connection's buckets. Buckets are created lazily on
// first use and live for the lifetime of the connection.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[Category]*rate.Limiter
}

// New builds a Limiter for one connection.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[Category]*rate.Limiter),
	}
}

// Allow consumes one token from the category's bucket, reporting whether
// the event should be processed. Unconfigured categories always pass.
func (l *Limiter) Allow(c Category) bool {
	lim, ok := l.cfg[c]
	if !ok {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[c]
	if !ok {
		b = rate.NewLimiter(lim.Refill, lim.Capacity)
		l.buckets[c] = b
	}
	l.mu.Unlock()

	return b.Allow()
}
