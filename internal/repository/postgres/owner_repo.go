package postgres

import (
	"context"
	"errors"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// OwnerRepo implements OwnerRepository using PostgreSQL.
type OwnerRepo struct{ db *DB }

// NewOwnerRepo constructs an owner repository.
func NewOwnerRepo(db *DB) *OwnerRepo { return &OwnerRepo{db: db} }

// Create inserts a new owner row.
func (r *OwnerRepo) Create(ctx context.Context, o *model.Owner) error {
	const q = `
INSERT INTO owners (id, username, pwd_hash, salt_auth, time_zone)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, o.ID, o.Username, o.PwdHash, o.SaltAuth, o.TimeZone)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects an owner by ID.
func (r *OwnerRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Owner, error) {
	const q = `
SELECT id, username, pwd_hash, salt_auth, time_zone, created_at
FROM owners WHERE id=$1`
	return scanOwner(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByUsername selects an owner by username.
func (r *OwnerRepo) GetByUsername(ctx context.Context, username string) (*model.Owner, error) {
	const q = `
SELECT id, username, pwd_hash, salt_auth, time_zone, created_at
FROM owners WHERE username=$1`
	return scanOwner(r.db.Pool.QueryRow(ctx, q, username))
}

func scanOwner(row pgx.Row) (*model.Owner, error) {
	var o model.Owner
	if err := row.Scan(&o.ID, &o.Username, &o.PwdHash, &o.SaltAuth, &o.TimeZone, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}
