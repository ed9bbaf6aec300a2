package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/uptrace/bun"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/repository"
)

// EventRepo implements repository.Store on SQLite.
type EventRepo struct {
	db    *DB
	idb   bun.IDB
	locks *repository.OwnerLocks
}

var _ repository.Store = (*EventRepo)(nil)

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db, idb: db.Bun, locks: &repository.OwnerLocks{}}
}

// WithOwnerLock runs fn in a transaction while holding the owner's in-process lock.
func (r *EventRepo) WithOwnerLock(
	ctx context.Context, ownerID uuid.UUID, fn func(repo repository.EventRepository) error,
) error {
	unlock := r.locks.Lock(ownerID)
	defer unlock()

	return r.db.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(&EventRepo{db: r.db, idb: tx, locks: r.locks})
	})
}

// Get loads an event by ID.
func (r *EventRepo) Get(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	var row eventRow
	if err := r.idb.NewSelect().Model(&row).Where("id = ?", id.String()).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	ex, err := r.exceptions(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	return row.toModel(ex[row.ID])
}

// ListByOwner loads the owner's live events that may produce occurrences in [from, to].
func (r *EventRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]model.Event, error) {
	var rows []eventRow
	lo, hi := toMillis(from), toMillis(to)
	if err := r.idb.NewSelect().
		Model(&rows).
		Where("owner_id = ?", ownerID.String()).
		Where("deleted = ?", false).
		Where("start_at <= ?", hi).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereOr("recurring = ? AND end_at >= ?", false, lo).
				WhereOr("recurring = ? AND (recurrence_end IS NULL OR recurrence_end >= ?)", true, lo)
		}).
		OrderExpr("start_at ASC, id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	ex, err := r.exceptions(ctx, ids...)
	if err != nil {
		return nil, err
	}

	out := make([]model.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toModel(ex[rows[i].ID])
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, nil
}

// Create inserts the event and its exception dates.
func (r *EventRepo) Create(ctx context.Context, e *model.Event) error {
	if _, err := r.idb.NewInsert().Model(fromEvent(e)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	for _, at := range e.ExceptionDates {
		if err := r.AppendExceptionDate(ctx, e.ID, at); err != nil {
			return err
		}
	}
	return nil
}

// Update overwrites the mutable columns.
func (r *EventRepo) Update(ctx context.Context, e *model.Event) error {
	res, err := r.idb.NewUpdate().
		Model(fromEvent(e)).
		Column("title", "description", "location", "start_at", "end_at", "all_day",
			"time_zone", "recurring", "rrule", "recurrence_end", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return affected(res)
}

// SoftDelete marks the event deleted.
func (r *EventRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.idb.NewUpdate().
		Model((*eventRow)(nil)).
		Set("deleted = ?", true).
		Set("updated_at = ?", toMillis(at)).
		Where("id = ?", id.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return affected(res)
}

// AppendExceptionDate records at for the event; duplicates are ignored.
func (r *EventRepo) AppendExceptionDate(ctx context.Context, id uuid.UUID, at time.Time) error {
	exists, err := r.idb.NewSelect().Model((*eventRow)(nil)).Where("id = ?", id.String()).Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return errs.ErrNotFound
	}
	_, err = r.idb.NewInsert().
		Model(&exceptionRow{EventID: id.String(), At: toMillis(at)}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	return err
}

// exceptions loads exception dates keyed by event ID, ascending.
func (r *EventRepo) exceptions(ctx context.Context, ids ...string) (map[string][]time.Time, error) {
	var rows []exceptionRow
	if err := r.idb.NewSelect().
		Model(&rows).
		Where("event_id IN (?)", bun.In(ids)).
		OrderExpr("event_id ASC, at ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make(map[string][]time.Time, len(ids))
	for _, row := range rows {
		out[row.EventID] = append(out[row.EventID], fromMillis(row.At))
	}
	return out, nil
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// isUniqueViolation matches the constraint error text both sqliteshim drivers produce.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
