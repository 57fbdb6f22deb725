// Package ratelimit implements per-identity sliding-window rate limiting
// using an exact log of request timestamps.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter tracks request instants per client identity within a trailing
// window. An exact timestamp log is kept rather than an approximate
// counter; at ~100 requests per identity per minute the memory cost is
// irrelevant next to the correctness win.
type Limiter struct {
	mu         sync.Mutex
	window     time.Duration
	maxRequest int
	seen       map[string][]time.Time

	now func() time.Time
}

// New creates a limiter allowing maxRequest calls per identity per window
func New(window time.Duration, maxRequest int) *Limiter {
	return &Limiter{
		window:     window,
		maxRequest: maxRequest,
		seen:       make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow reports whether identity may make a request now. Timestamps older
// than the window are pruned first; a denied request is not recorded, so
// hammering while blocked does not extend the block.
func (l *Limiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	log := l.seen[identity]
	valid := log[:0]
	for _, ts := range log {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= l.maxRequest {
		l.seen[identity] = valid
		return false
	}

	l.seen[identity] = append(valid, now)
	return true
}

// ActiveIdentities returns how many identities still have requests inside
// the window
func (l *Limiter) ActiveIdentities() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	active := 0
	for _, log := range l.seen {
		for _, ts := range log {
			if ts.After(cutoff) {
				active++
				break
			}
		}
	}
	return active
}

// Sweep drops identities whose whole log has aged out of the window. The
// map would otherwise grow with every distinct client seen for the life of
// the process.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for identity, log := range l.seen {
		idle := true
		for _, ts := range log {
			if ts.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(l.seen, identity)
		}
	}
}

// Run sweeps periodically until ctx is cancelled
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
