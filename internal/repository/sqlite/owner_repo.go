package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
)

// OwnerRepo implements OwnerRepository on SQLite.
type OwnerRepo struct{ db *DB }

// NewOwnerRepo constructs an owner repository.
func NewOwnerRepo(db *DB) *OwnerRepo { return &OwnerRepo{db: db} }

// Create inserts a new owner.
func (r *OwnerRepo) Create(ctx context.Context, o *model.Owner) error {
	if _, err := r.db.Bun.NewInsert().Model(fromOwner(o)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetByID loads an owner by ID.
func (r *OwnerRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Owner, error) {
	return r.get(ctx, "id = ?", id.String())
}

// GetByUsername loads an owner by username.
func (r *OwnerRepo) GetByUsername(ctx context.Context, username string) (*model.Owner, error) {
	return r.get(ctx, "username = ?", username)
}

func (r *OwnerRepo) get(ctx context.Context, where string, arg any) (*model.Owner, error) {
	var row ownerRow
	if err := r.db.Bun.NewSelect().Model(&row).Where(where, arg).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return row.toModel()
}
