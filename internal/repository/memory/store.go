// Package memory contains in-process implementations of repository interfaces
// for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/repository"
)

// Store keeps events in a map. Values handed out are copies.
type Store struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*model.Event
	locks  repository.OwnerLocks
}

var _ repository.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{events: make(map[uuid.UUID]*model.Event)}
}

// Get returns a copy of the event.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return e.Clone(), nil
}

// ListByOwner returns the owner's live events that may produce occurrences in [from, to].
func (s *Store) ListByOwner(_ context.Context, ownerID uuid.UUID, from, to time.Time) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectWindow(s.events, ownerID, from, to), nil
}

// Create inserts a copy of e.
func (s *Store) Create(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return errs.ErrAlreadyExists
	}
	s.events[e.ID] = normalize(e.Clone())
	return nil
}

// Update replaces the mutable fields, keeping stored exception dates.
func (s *Store) Update(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.events, e)
}

// SoftDelete marks the event deleted.
func (s *Store) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return softDelete(s.events, id, at)
}

// AppendExceptionDate records an exception instant once.
func (s *Store) AppendExceptionDate(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendException(s.events, id, at)
}

// WithOwnerLock runs fn against a staged view that is applied only when fn succeeds.
func (s *Store) WithOwnerLock(
	ctx context.Context, ownerID uuid.UUID, fn func(repo repository.EventRepository) error,
) error {
	unlock := s.locks.Lock(ownerID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &stagedTx{base: s, writes: make(map[uuid.UUID]*model.Event)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range tx.writes {
		s.events[id] = e
	}
	return nil
}

// stagedTx overlays uncommitted writes on top of the store.
type stagedTx struct {
	base   *Store
	writes map[uuid.UUID]*model.Event
}

func (tx *stagedTx) lookup(id uuid.UUID) (*model.Event, bool) {
	if e, ok := tx.writes[id]; ok {
		return e, true
	}
	tx.base.mu.RLock()
	defer tx.base.mu.RUnlock()
	e, ok := tx.base.events[id]
	return e, ok
}

// view merges the overlay into a fresh map of the base events.
func (tx *stagedTx) view() map[uuid.UUID]*model.Event {
	tx.base.mu.RLock()
	out := make(map[uuid.UUID]*model.Event, len(tx.base.events)+len(tx.writes))
	for id, e := range tx.base.events {
		out[id] = e
	}
	tx.base.mu.RUnlock()
	for id, e := range tx.writes {
		out[id] = e
	}
	return out
}

// stage copies a stored event into the overlay so it can be mutated.
func (tx *stagedTx) stage(id uuid.UUID) map[uuid.UUID]*model.Event {
	if _, ok := tx.writes[id]; !ok {
		if e, ok := tx.lookup(id); ok {
			tx.writes[id] = e.Clone()
		}
	}
	return tx.writes
}

func (tx *stagedTx) Get(_ context.Context, id uuid.UUID) (*model.Event, error) {
	e, ok := tx.lookup(id)
	if !ok {
		return nil, errs.ErrNotFound
	}
	return e.Clone(), nil
}

func (tx *stagedTx) ListByOwner(_ context.Context, ownerID uuid.UUID, from, to time.Time) ([]model.Event, error) {
	return selectWindow(tx.view(), ownerID, from, to), nil
}

func (tx *stagedTx) Create(_ context.Context, e *model.Event) error {
	if _, ok := tx.lookup(e.ID); ok {
		return errs.ErrAlreadyExists
	}
	tx.writes[e.ID] = normalize(e.Clone())
	return nil
}

func (tx *stagedTx) Update(_ context.Context, e *model.Event) error {
	return update(tx.stage(e.ID), e)
}

func (tx *stagedTx) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	return softDelete(tx.stage(id), id, at)
}

func (tx *stagedTx) AppendExceptionDate(_ context.Context, id uuid.UUID, at time.Time) error {
	return appendException(tx.stage(id), id, at)
}

func selectWindow(events map[uuid.UUID]*model.Event, ownerID uuid.UUID, from, to time.Time) []model.Event {
	var out []model.Event
	for _, e := range events {
		if e.OwnerID != ownerID || e.Deleted || e.Start.After(to) {
			continue
		}
		if e.Recurring {
			if e.RecurrenceEnd != nil && e.RecurrenceEnd.Before(from) {
				continue
			}
		} else if e.End.Before(from) {
			continue
		}
		out = append(out, *e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func update(events map[uuid.UUID]*model.Event, e *model.Event) error {
	cur, ok := events[e.ID]
	if !ok {
		return errs.ErrNotFound
	}
	next := e.Clone()
	next.OwnerID = cur.OwnerID
	next.ExceptionDates = cur.ExceptionDates
	next.ParentEventID = cur.ParentEventID
	next.Deleted = cur.Deleted
	next.CreatedAt = cur.CreatedAt
	events[e.ID] = normalize(next)
	return nil
}

func softDelete(events map[uuid.UUID]*model.Event, id uuid.UUID, at time.Time) error {
	e, ok := events[id]
	if !ok {
		return errs.ErrNotFound
	}
	e.Deleted = true
	e.UpdatedAt = at
	return nil
}

func appendException(events map[uuid.UUID]*model.Event, id uuid.UUID, at time.Time) error {
	e, ok := events[id]
	if !ok {
		return errs.ErrNotFound
	}
	for _, d := range e.ExceptionDates {
		if d.Equal(at) {
			return nil
		}
	}
	e.ExceptionDates = append(e.ExceptionDates, at.UTC())
	return nil
}

func normalize(e *model.Event) *model.Event {
	for i, d := range e.ExceptionDates {
		e.ExceptionDates[i] = d.UTC()
	}
	return e
}
