package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/gophcal/internal/clock"
)

// Memory is an in-process limiter for the embedded storage drivers.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	clock   clock.Clock
	entries map[string]*attempts
}

type attempts struct {
	fails        int
	last         time.Time
	blockedUntil time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(policy Policy, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{policy: policy, clock: clk, entries: make(map[string]*attempts)}
}

func key(username string, peerHash []byte) string { return username + "\x00" + string(peerHash) }

func (l *Memory) Allow(_ context.Context, username string, peerHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.entries[key(username, peerHash)]
	if !ok {
		return true, 0, nil
	}
	now := l.clock.Now()
	if a.blockedUntil.After(now) {
		return false, a.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Memory) Success(_ context.Context, username string, peerHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key(username, peerHash))
	return nil
}

func (l *Memory) Failure(_ context.Context, username string, peerHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	k := key(username, peerHash)
	a, ok := l.entries[k]
	if !ok || now.Sub(a.last) > l.policy.Window {
		a = &attempts{}
		l.entries[k] = a
	}
	a.fails++
	a.last = now
	if a.fails < l.policy.MaxFails {
		return false, 0, nil
	}
	a.blockedUntil = now.Add(l.policy.BlockFor)
	return true, l.policy.BlockFor, nil
}
