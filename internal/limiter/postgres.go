package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/gophcal/internal/clock"
)

// PG is a PostgreSQL-backed limiter with a sliding failure window and lockout.
type PG struct {
	q      querier
	policy Policy
	clock  clock.Clock
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over a pool or transaction.
func NewPG(q querier, policy Policy, clk clock.Clock) *PG {
	if clk == nil {
		clk = clock.System{}
	}
	return &PG{q: q, policy: policy, clock: clk}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, username string, peerHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username=$1 AND peer_hash=$2`
	var blockedUntil time.Time
	err := l.q.QueryRow(ctx, q, username, peerHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		now := l.clock.Now()
		if blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (username, peer).
func (l *PG) Success(ctx context.Context, username string, peerHash []byte) error {
	const q = `
INSERT INTO auth_limiter (username, peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',$3)
ON CONFLICT (username, peer_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=$3`
	_, err := l.q.Exec(ctx, q, username, peerHash, l.clock.Now())
	return err
}

// Failure records a failed attempt and blocks once the policy threshold is reached.
func (l *PG) Failure(ctx context.Context, username string, peerHash []byte) (bool, time.Duration, error) {
	now := l.clock.Now()

	const q = `
INSERT INTO auth_limiter (username, peer_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',$3)
ON CONFLICT (username, peer_hash) DO UPDATE
SET
  fail_count = CASE WHEN $3 - auth_limiter.updated_at > $4::interval THEN 1 ELSE auth_limiter.fail_count + 1 END,
  updated_at = $3
RETURNING fail_count`
	var fails int
	if err := l.q.QueryRow(ctx, q, username, peerHash, now, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}
	const upd = `UPDATE auth_limiter SET blocked_until=$3 WHERE username=$1 AND peer_hash=$2`
	if _, err := l.q.Exec(ctx, upd, username, peerHash, now.Add(l.policy.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}
