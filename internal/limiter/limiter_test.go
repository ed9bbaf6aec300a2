package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophcal/internal/clock"
)

var (
	now    = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	policy = Policy{Window: 5 * time.Minute, MaxFails: 3, BlockFor: 10 * time.Minute}
	peer   = HashPeer("10.0.0.1:5555")
)

func newPG(t *testing.T) (*PG, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPG(mock, policy, clock.Fixed{T: now}), mock
}

func TestPG_Allow(t *testing.T) {
	l, mock := newPG(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter WHERE username=\$1 AND peer_hash=\$2`).
		WithArgs("u", peer).WillReturnError(pgx.ErrNoRows)
	ok, dur, err := l.Allow(ctx, "u", peer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, dur)

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", peer).WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(time.Minute)))
	ok, dur, err = l.Allow(ctx, "u", peer)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, time.Minute, dur)

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", peer).WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(now.Add(-time.Minute)))
	ok, _, err = l.Allow(ctx, "u", peer)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).
		WithArgs("u", peer).WillReturnError(errors.New("db boom"))
	ok, _, err = l.Allow(ctx, "u", peer)
	require.Error(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_SuccessAndFailure(t *testing.T) {
	l, mock := newPG(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO auth_limiter .* DO UPDATE SET fail_count=0`).
		WithArgs("u", peer, now).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, l.Success(ctx, "u", peer))

	mock.ExpectQuery(`INSERT INTO auth_limiter .* RETURNING fail_count`).
		WithArgs("u", peer, now, policy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(1))
	blocked, dur, err := l.Failure(ctx, "u", peer)
	require.NoError(t, err)
	require.False(t, blocked)
	require.Zero(t, dur)

	mock.ExpectQuery(`INSERT INTO auth_limiter .* RETURNING fail_count`).
		WithArgs("u", peer, now, policy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectExec(`UPDATE auth_limiter SET blocked_until=\$3 WHERE username=\$1 AND peer_hash=\$2`).
		WithArgs("u", peer, now.Add(policy.BlockFor)).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	blocked, dur, err = l.Failure(ctx, "u", peer)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, policy.BlockFor, dur)

	mock.ExpectQuery(`RETURNING fail_count`).
		WithArgs("u", peer, now, policy.Window).WillReturnError(errors.New("query error"))
	_, _, err = l.Failure(ctx, "u", peer)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type steppingClock struct{ t time.Time }

func (c *steppingClock) Now() time.Time { return c.t }

func TestMemory_BlocksAndResets(t *testing.T) {
	clk := &steppingClock{t: now}
	l := NewMemory(policy, clk)
	ctx := context.Background()

	for i := 0; i < policy.MaxFails-1; i++ {
		blocked, _, err := l.Failure(ctx, "u", peer)
		require.NoError(t, err)
		require.False(t, blocked)
	}
	blocked, dur, err := l.Failure(ctx, "u", peer)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, policy.BlockFor, dur)

	ok, retry, err := l.Allow(ctx, "u", peer)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, policy.BlockFor, retry)

	ok, _, _ = l.Allow(ctx, "u", HashPeer("10.0.0.2:1"))
	require.True(t, ok)

	clk.t = clk.t.Add(policy.BlockFor + time.Second)
	ok, _, _ = l.Allow(ctx, "u", peer)
	require.True(t, ok)

	require.NoError(t, l.Success(ctx, "u", peer))
	blocked, _, _ = l.Failure(ctx, "u", peer)
	require.False(t, blocked)
}

func TestMemory_WindowExpiry(t *testing.T) {
	clk := &steppingClock{t: now}
	l := NewMemory(policy, clk)
	ctx := context.Background()

	for i := 0; i < policy.MaxFails-1; i++ {
		_, _, _ = l.Failure(ctx, "u", peer)
	}
	clk.t = clk.t.Add(policy.Window + time.Second)
	blocked, _, err := l.Failure(ctx, "u", peer)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestHashPeer_Determinism(t *testing.T) {
	a := HashPeer("1.2.3.4:123")
	require.Equal(t, a, HashPeer("1.2.3.4:123"))
	require.NotEqual(t, a, HashPeer("5.6.7.8:321"))
	require.Len(t, a, 32)
}
