package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
	"github.com/and161185/gophcal/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// EventRepo implements repository.Store using PostgreSQL.
type EventRepo struct {
	db *DB
	q  querier
}

var _ repository.Store = (*EventRepo)(nil)

// NewEventRepo constructs an event repository.
func NewEventRepo(db *DB) *EventRepo { return &EventRepo{db: db, q: db.Pool} }

const eventColumns = `id, owner_id, title, description, location, start_at, end_at, all_day, time_zone,
recurring, rrule, recurrence_end, exception_dates, parent_event_id, deleted, created_at, updated_at`

// WithOwnerLock runs fn inside a transaction holding the owner's advisory lock.
func (r *EventRepo) WithOwnerLock(
	ctx context.Context, ownerID uuid.UUID, fn func(repo repository.EventRepository) error,
) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		const lock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
		if _, err := tx.Exec(ctx, lock, ownerID.String()); err != nil {
			return fmt.Errorf("owner lock: %w", err)
		}
		return fn(&EventRepo{db: r.db, q: tx})
	})
}

// Get selects an event by ID.
func (r *EventRepo) Get(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id=$1`
	e, err := scanEvent(r.q.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// ListByOwner selects the owner's live events that may produce occurrences in [from, to].
func (r *EventRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events
WHERE owner_id=$1 AND NOT deleted AND start_at<=$3
AND (
  (NOT recurring AND end_at>=$2)
  OR (recurring AND (recurrence_end IS NULL OR recurrence_end>=$2))
)
ORDER BY start_at ASC, id ASC`
	rows, err := r.q.Query(ctx, q, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Create inserts a new event row.
func (r *EventRepo) Create(ctx context.Context, e *model.Event) error {
	const q = `
INSERT INTO events (id, owner_id, title, description, location, start_at, end_at, all_day, time_zone,
recurring, rrule, recurrence_end, exception_dates, parent_event_id, deleted, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := r.q.Exec(ctx, q,
		e.ID, e.OwnerID, e.Title, e.Description, e.Location, e.Start, e.End, e.AllDay, e.TimeZone,
		e.Recurring, ruleText(e.Rule), e.RecurrenceEnd, exceptionDates(e.ExceptionDates), e.ParentEventID,
		e.Deleted, e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Update overwrites the mutable fields of an event.
func (r *EventRepo) Update(ctx context.Context, e *model.Event) error {
	const q = `
UPDATE events SET title=$2, description=$3, location=$4, start_at=$5, end_at=$6, all_day=$7,
time_zone=$8, recurring=$9, rrule=$10, recurrence_end=$11, updated_at=$12
WHERE id=$1`
	tag, err := r.q.Exec(ctx, q,
		e.ID, e.Title, e.Description, e.Location, e.Start, e.End, e.AllDay,
		e.TimeZone, e.Recurring, ruleText(e.Rule), e.RecurrenceEnd, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SoftDelete marks an event as deleted.
func (r *EventRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE events SET deleted=true, updated_at=$2 WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// AppendExceptionDate adds at to exception_dates unless it is already there.
func (r *EventRepo) AppendExceptionDate(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE events SET exception_dates = CASE
  WHEN $2 = ANY(exception_dates) THEN exception_dates
  ELSE array_append(exception_dates, $2)
END
WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		e        model.Event
		rule     *string
		recEnd   *time.Time
		parentID *uuid.UUID
		exDates  []time.Time
	)
	if err := row.Scan(
		&e.ID, &e.OwnerID, &e.Title, &e.Description, &e.Location, &e.Start, &e.End, &e.AllDay, &e.TimeZone,
		&e.Recurring, &rule, &recEnd, &exDates, &parentID, &e.Deleted, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if rule != nil && *rule != "" {
		rr, err := recurrence.Parse(*rule, time.Time{}, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("event %s: stored rule: %w", e.ID, err)
		}
		e.Rule = &rr
	}
	e.RecurrenceEnd = recEnd
	e.ParentEventID = parentID
	e.ExceptionDates = exDates
	return &e, nil
}

func ruleText(rule *model.RecurrenceRule) *string {
	if rule == nil {
		return nil
	}
	s := recurrence.Serialize(*rule)
	return &s
}

func exceptionDates(dates []time.Time) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.UTC())
	}
	return out
}
