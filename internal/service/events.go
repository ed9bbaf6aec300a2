package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/clock"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/metrics"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/occurrence"
	"github.com/and161185/gophcal/internal/recurrence"
	"github.com/and161185/gophcal/internal/repository"
	"github.com/and161185/gophcal/internal/syncer"
)

// EventService defines the calendar operations over an owner's events.
type EventService interface {
	// List expands the owner's events over window, ordered by start.
	List(ctx context.Context, ownerID uuid.UUID, window model.Window, filters model.Filters) ([]model.Occurrence, error)
	// Get returns the master behind id and, for occurrence ids, the occurrence itself.
	Get(ctx context.Context, ownerID uuid.UUID, id string) (*model.Event, *model.Occurrence, error)
	// Create validates, conflict-checks and stores a new event.
	Create(ctx context.Context, ownerID uuid.UUID, in model.NewEvent) (*model.Event, error)
	// Update applies upd to a master or occurrence according to scope and returns the written event.
	Update(ctx context.Context, ownerID uuid.UUID, id string, upd model.Update, scope model.Scope) (*model.Event, error)
	// Remove deletes a series or excepts a single occurrence according to scope.
	Remove(ctx context.Context, ownerID uuid.UUID, id string, scope model.Scope) (model.Removal, error)
}

// Notifier receives committed changes. Implementations must not block.
type Notifier interface {
	Notify(ch syncer.Change)
}

// EventDeps wires EventServiceImpl. Owners, Sync and Metrics are optional.
type EventDeps struct {
	Store     repository.Store
	Owners    repository.OwnerRepository
	Expander  *occurrence.Expander
	Conflicts *ConflictDetector
	Codec     recurrence.Codec
	Clock     clock.Clock
	Sync      Notifier
	Metrics   *metrics.Recorder
	Log       *zap.Logger
	// DefaultZone applies when neither the payload nor the owner names a zone.
	DefaultZone string
}

type EventServiceImpl struct {
	store       repository.Store
	owners      repository.OwnerRepository
	expander    *occurrence.Expander
	conflicts   *ConflictDetector
	codec       recurrence.Codec
	clock       clock.Clock
	sync        Notifier
	log         *zap.Logger
	defaultZone string
}

var _ EventService = (*EventServiceImpl)(nil)

// NewEventService constructs EventService, filling unset optional dependencies with defaults.
func NewEventService(d EventDeps) *EventServiceImpl {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Codec == nil {
		d.Codec = recurrence.RRule{}
	}
	if d.Expander == nil {
		d.Expander = occurrence.NewExpander(d.Log, d.Metrics, 0)
	}
	if d.Conflicts == nil {
		d.Conflicts = NewConflictDetector(d.Expander, d.Metrics, d.Log)
	}
	if d.DefaultZone == "" {
		d.DefaultZone = "UTC"
	}
	return &EventServiceImpl{
		store:       d.Store,
		owners:      d.Owners,
		expander:    d.Expander,
		conflicts:   d.Conflicts,
		codec:       d.Codec,
		clock:       d.Clock,
		sync:        d.Sync,
		log:         d.Log,
		defaultZone: d.DefaultZone,
	}
}

// List expands every live event of the owner over window and applies filters.
func (s *EventServiceImpl) List(
	ctx context.Context, ownerID uuid.UUID, window model.Window, filters model.Filters,
) ([]model.Occurrence, error) {
	if ownerID == uuid.Nil {
		return nil, errs.Validationf("empty owner")
	}
	if window.End.Before(window.Start) {
		return nil, errs.Validationf("window end before start")
	}
	masters, err := s.store.ListByOwner(ctx, ownerID, window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	out := make([]model.Occurrence, 0, len(masters))
	for i := range masters {
		occs, err := s.expander.Expand(&masters[i], window.Start, window.End)
		if err != nil {
			return nil, fmt.Errorf("list: %w", err)
		}
		for _, o := range occs {
			if filters.Match(o) {
				out = append(out, o)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get resolves id to its master and, for occurrence ids, the live occurrence.
func (s *EventServiceImpl) Get(ctx context.Context, ownerID uuid.UUID, id string) (*model.Event, *model.Occurrence, error) {
	t, err := ParseTarget(id)
	if err != nil {
		return nil, nil, err
	}
	master, err := s.loadMaster(ctx, s.store, ownerID, t.MasterID)
	if err != nil {
		return nil, nil, err
	}
	if !t.IsOccurrence() {
		return master, nil, nil
	}
	occs, err := s.expander.Expand(master, *t.Instant, *t.Instant)
	if err != nil {
		return nil, nil, err
	}
	for i := range occs {
		if occs[i].Start.Equal(*t.Instant) {
			return master, &occs[i], nil
		}
	}
	return nil, nil, fmt.Errorf("occurrence %s: %w", id, errs.ErrNotFound)
}

// Create validates the payload, checks conflicts and stores the event under the owner lock.
func (s *EventServiceImpl) Create(ctx context.Context, ownerID uuid.UUID, in model.NewEvent) (*model.Event, error) {
	if ownerID == uuid.Nil {
		return nil, errs.Validationf("empty owner")
	}
	zone, err := s.zoneFor(ctx, ownerID, in.TimeZone)
	if err != nil {
		return nil, err
	}
	loc, err := civil.LoadZone(zone)
	if err != nil {
		return nil, errs.Validationf("%v", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	e := &model.Event{
		ID:            id,
		OwnerID:       ownerID,
		Title:         in.Title,
		Description:   in.Description,
		Location:      in.Location,
		Start:         in.Start,
		End:           in.End,
		AllDay:        in.AllDay,
		TimeZone:      zone,
		Recurring:     in.Rule != nil,
		RecurrenceEnd: cloneTime(in.RecurrenceEnd),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Rule != nil {
		r := in.Rule.Clone()
		e.Rule = &r
	}
	if e.AllDay {
		e.Start, e.End = allDayBounds(e.Start, e.End, loc)
	}
	normalize(e)
	if err := validateEvent(e); err != nil {
		return nil, err
	}

	err = s.store.WithOwnerLock(ctx, ownerID, func(repo repository.EventRepository) error {
		if err := s.conflicts.Check(ctx, repo, ownerID, proposalFor(e, "")); err != nil {
			return err
		}
		return repo.Create(ctx, e)
	})
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	s.log.Info("event created",
		zap.String("owner_id", ownerID.String()),
		zap.String("event_id", e.ID.String()),
		zap.Bool("recurring", e.Recurring),
	)
	s.notify(syncer.OpUpsert, e)
	return e, nil
}

// Update routes the payload through the update state machine.
func (s *EventServiceImpl) Update(
	ctx context.Context, ownerID uuid.UUID, id string, upd model.Update, scope model.Scope,
) (*model.Event, error) {
	if len(upd.Changes) == 0 {
		return nil, errs.Validationf("empty update")
	}
	t, err := ParseTarget(id)
	if err != nil {
		return nil, err
	}
	action, err := ResolveUpdate(t, scope)
	if err != nil {
		return nil, err
	}

	var written, master *model.Event
	err = s.store.WithOwnerLock(ctx, ownerID, func(repo repository.EventRepository) error {
		m, err := s.loadMaster(ctx, repo, ownerID, t.MasterID)
		if err != nil {
			return err
		}
		now := s.clock.Now()

		switch action {
		case ActionDetachOccurrence:
			if err := s.requireOccurrence(m, *t.Instant); err != nil {
				return err
			}
			standalone, err := detachOccurrence(m, *t.Instant, upd.Changes)
			if err != nil {
				return err
			}
			if standalone.ID, err = uuid.NewV4(); err != nil {
				return err
			}
			standalone.CreatedAt, standalone.UpdatedAt = now, now
			normalize(standalone)
			if _, moved := upd.Timing(); moved {
				if err := s.conflicts.Check(ctx, repo, ownerID, proposalFor(standalone, t.ID)); err != nil {
					return err
				}
			}
			if err := repo.AppendExceptionDate(ctx, m.ID, *t.Instant); err != nil {
				return err
			}
			if err := repo.Create(ctx, standalone); err != nil {
				return err
			}
			if master, err = repo.Get(ctx, m.ID); err != nil {
				return err
			}
			written = standalone

		default:
			next, timingChanged, err := applyToMaster(m, upd.Changes, s.codec)
			if err != nil {
				return err
			}
			next.UpdatedAt = now
			normalize(next)
			if timingChanged {
				if err := s.conflicts.Check(ctx, repo, ownerID, proposalFor(next, m.ID.String())); err != nil {
					return err
				}
			}
			if err := repo.Update(ctx, next); err != nil {
				return err
			}
			written = next
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}

	s.log.Info("event updated",
		zap.String("owner_id", ownerID.String()),
		zap.String("target", id),
		zap.String("scope", scope.String()),
		zap.String("action", action.String()),
		zap.String("event_id", written.ID.String()),
	)
	if master != nil {
		s.notify(syncer.OpUpsert, master)
	}
	s.notify(syncer.OpUpsert, written)
	return written, nil
}

// Remove soft-deletes the series or excepts one occurrence.
func (s *EventServiceImpl) Remove(ctx context.Context, ownerID uuid.UUID, id string, scope model.Scope) (model.Removal, error) {
	t, err := ParseTarget(id)
	if err != nil {
		return model.Removal{}, err
	}
	action, err := ResolveRemoval(t, scope)
	if err != nil {
		return model.Removal{}, err
	}

	res := model.Removal{ID: id, Scope: scope}
	var after *model.Event
	err = s.store.WithOwnerLock(ctx, ownerID, func(repo repository.EventRepository) error {
		m, err := s.loadMaster(ctx, repo, ownerID, t.MasterID)
		if err != nil {
			return err
		}
		switch action {
		case ActionExceptOccurrence:
			if !hasException(m, *t.Instant) {
				if err := s.requireOccurrence(m, *t.Instant); err != nil {
					return err
				}
			}
			if err := repo.AppendExceptionDate(ctx, m.ID, *t.Instant); err != nil {
				return err
			}
			at := *t.Instant
			res.ExceptionAt = &at
		default:
			if err := repo.SoftDelete(ctx, m.ID, s.clock.Now()); err != nil {
				return err
			}
			res.SeriesDeleted = true
		}
		after, err = repo.Get(ctx, m.ID)
		return err
	})
	if err != nil {
		return model.Removal{}, fmt.Errorf("remove %s: %w", id, err)
	}

	s.log.Info("event removed",
		zap.String("owner_id", ownerID.String()),
		zap.String("target", id),
		zap.String("scope", scope.String()),
		zap.Bool("series_deleted", res.SeriesDeleted),
	)
	if res.SeriesDeleted {
		s.notify(syncer.OpDelete, after)
	} else {
		s.notify(syncer.OpUpsert, after)
	}
	return res, nil
}

// loadMaster reads a live master owned by ownerID; anything else is not found.
func (s *EventServiceImpl) loadMaster(
	ctx context.Context, repo repository.EventRepository, ownerID, id uuid.UUID,
) (*model.Event, error) {
	m, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != ownerID || m.Deleted {
		return nil, fmt.Errorf("event %s: %w", id, errs.ErrNotFound)
	}
	return m, nil
}

// requireOccurrence fails with ErrNotFound unless instant is a live occurrence of a recurring master.
func (s *EventServiceImpl) requireOccurrence(m *model.Event, instant time.Time) error {
	if !m.Recurring {
		return fmt.Errorf("event %s is not recurring: %w", m.ID, errs.ErrNotFound)
	}
	ok, err := s.expander.Contains(m, instant)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("occurrence %s: %w", occurrence.Encode(m.ID.String(), instant), errs.ErrNotFound)
	}
	return nil
}

// zoneFor picks the payload zone, then the owner's, then the service default.
func (s *EventServiceImpl) zoneFor(ctx context.Context, ownerID uuid.UUID, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if s.owners != nil {
		o, err := s.owners.GetByID(ctx, ownerID)
		if err != nil {
			return "", fmt.Errorf("owner %s: %w", ownerID, err)
		}
		if o.TimeZone != "" {
			return o.TimeZone, nil
		}
	}
	return s.defaultZone, nil
}

func (s *EventServiceImpl) notify(op syncer.Op, e *model.Event) {
	if s.sync == nil || e == nil {
		return
	}
	s.sync.Notify(syncer.Change{Op: op, Event: *e.Clone()})
}

func proposalFor(e *model.Event, excludeID string) Proposal {
	return Proposal{Start: e.Start, End: e.End, AllDay: e.AllDay, TimeZone: e.TimeZone, ExcludeID: excludeID}
}

func hasException(m *model.Event, instant time.Time) bool {
	for _, d := range m.ExceptionDates {
		if d.Equal(instant) {
			return true
		}
	}
	return false
}

// normalize keeps instants at the millisecond precision of occurrence ids, in UTC.
func normalize(e *model.Event) {
	e.Start = e.Start.UTC().Truncate(time.Millisecond)
	e.End = e.End.UTC().Truncate(time.Millisecond)
	if e.RecurrenceEnd != nil {
		t := e.RecurrenceEnd.UTC().Truncate(time.Millisecond)
		e.RecurrenceEnd = &t
	}
}
