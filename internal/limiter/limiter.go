// Package limiter throttles owner login attempts per (username, peer address).
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, username string, peerHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string, peerHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, username string, peerHash []byte) (bool, time.Duration, error)
}

// Policy is the lockout rule: MaxFails failures within Window block logins for BlockFor.
type Policy struct {
	Window   time.Duration
	MaxFails int
	BlockFor time.Duration
}

// DefaultPolicy is used when the configuration leaves the limiter unset.
var DefaultPolicy = Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}

// HashPeer returns a stable hash of a peer address so raw addresses are never stored.
func HashPeer(addr string) []byte {
	h := sha256.Sum256([]byte(addr))
	return h[:]
}
