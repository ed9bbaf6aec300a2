package sqlite

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/uptrace/bun"

	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

type ownerRow struct {
	bun.BaseModel `bun:"table:owners"`

	ID        string `bun:"id,pk,notnull"`
	Username  string `bun:"username,notnull,unique"`
	PwdHash   []byte `bun:"pwd_hash,notnull"`
	SaltAuth  []byte `bun:"salt_auth,notnull"`
	TimeZone  string `bun:"time_zone,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:events"`

	ID            string `bun:"id,pk,notnull"`
	OwnerID       string `bun:"owner_id,notnull"`
	Title         string `bun:"title,notnull"`
	Description   string `bun:"description"`
	Location      string `bun:"location"`
	StartAt       int64  `bun:"start_at,notnull"`
	EndAt         int64  `bun:"end_at,notnull"`
	AllDay        bool   `bun:"all_day,notnull"`
	TimeZone      string `bun:"time_zone,notnull"`
	Recurring     bool   `bun:"recurring,notnull"`
	RRule         string `bun:"rrule"`
	RecurrenceEnd *int64 `bun:"recurrence_end"`
	ParentEventID string `bun:"parent_event_id"`
	Deleted       bool   `bun:"deleted,notnull"`
	CreatedAt     int64  `bun:"created_at,notnull"`
	UpdatedAt     int64  `bun:"updated_at,notnull"`
}

type exceptionRow struct {
	bun.BaseModel `bun:"table:event_exceptions"`

	EventID string `bun:"event_id,pk,notnull"`
	At      int64  `bun:"at,pk,notnull"`
}

func fromOwner(o *model.Owner) *ownerRow {
	return &ownerRow{
		ID:        o.ID.String(),
		Username:  o.Username,
		PwdHash:   o.PwdHash,
		SaltAuth:  o.SaltAuth,
		TimeZone:  o.TimeZone,
		CreatedAt: toMillis(o.CreatedAt),
	}
}

func (r *ownerRow) toModel() (*model.Owner, error) {
	id, err := uuid.FromString(r.ID)
	if err != nil {
		return nil, fmt.Errorf("owner id %q: %w", r.ID, err)
	}
	return &model.Owner{
		ID:        id,
		Username:  r.Username,
		PwdHash:   r.PwdHash,
		SaltAuth:  r.SaltAuth,
		TimeZone:  r.TimeZone,
		CreatedAt: fromMillis(r.CreatedAt),
	}, nil
}

func fromEvent(e *model.Event) *eventRow {
	row := &eventRow{
		ID:          e.ID.String(),
		OwnerID:     e.OwnerID.String(),
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		StartAt:     toMillis(e.Start),
		EndAt:       toMillis(e.End),
		AllDay:      e.AllDay,
		TimeZone:    e.TimeZone,
		Recurring:   e.Recurring,
		Deleted:     e.Deleted,
		CreatedAt:   toMillis(e.CreatedAt),
		UpdatedAt:   toMillis(e.UpdatedAt),
	}
	if e.Rule != nil {
		row.RRule = recurrence.Serialize(*e.Rule)
	}
	if e.RecurrenceEnd != nil {
		ms := toMillis(*e.RecurrenceEnd)
		row.RecurrenceEnd = &ms
	}
	if e.ParentEventID != nil {
		row.ParentEventID = e.ParentEventID.String()
	}
	return row
}

func (r *eventRow) toModel(exceptions []time.Time) (*model.Event, error) {
	id, err := uuid.FromString(r.ID)
	if err != nil {
		return nil, fmt.Errorf("event id %q: %w", r.ID, err)
	}
	owner, err := uuid.FromString(r.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("event %s owner id: %w", r.ID, err)
	}
	e := &model.Event{
		ID:             id,
		OwnerID:        owner,
		Title:          r.Title,
		Description:    r.Description,
		Location:       r.Location,
		Start:          fromMillis(r.StartAt),
		End:            fromMillis(r.EndAt),
		AllDay:         r.AllDay,
		TimeZone:       r.TimeZone,
		Recurring:      r.Recurring,
		ExceptionDates: exceptions,
		Deleted:        r.Deleted,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
	if r.RRule != "" {
		rule, err := recurrence.Parse(r.RRule, time.Time{}, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("event %s: stored rule: %w", r.ID, err)
		}
		e.Rule = &rule
	}
	if r.RecurrenceEnd != nil {
		t := fromMillis(*r.RecurrenceEnd)
		e.RecurrenceEnd = &t
	}
	if r.ParentEventID != "" {
		p, err := uuid.FromString(r.ParentEventID)
		if err != nil {
			return nil, fmt.Errorf("event %s parent id: %w", r.ID, err)
		}
		e.ParentEventID = &p
	}
	return e, nil
}
