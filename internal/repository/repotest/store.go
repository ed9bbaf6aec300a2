// Package repotest holds behaviour tests shared by every repository.Store implementation.
package repotest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/repository"
)

// NewEvent builds a valid event for owner starting at start.
func NewEvent(owner uuid.UUID, start time.Time, rule *model.RecurrenceRule) *model.Event {
	return &model.Event{
		ID:        uuid.Must(uuid.NewV4()),
		OwnerID:   owner,
		Title:     "Planning",
		Location:  "Room 2",
		Start:     start,
		End:       start.Add(time.Hour),
		TimeZone:  "UTC",
		Recurring: rule != nil,
		Rule:      rule,
		CreatedAt: start,
		UpdatedAt: start,
	}
}

// RunStore exercises a Store built fresh by newStore for every subtest.
func RunStore(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		start := time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)
		until := start.AddDate(0, 1, 0)
		e := NewEvent(uuid.Must(uuid.NewV4()), start, &model.RecurrenceRule{
			Freq: model.Weekly, Interval: 1, ByWeekday: []time.Weekday{time.Monday, time.Friday}, Until: &until,
		})
		parent := uuid.Must(uuid.NewV4())
		e.ParentEventID = &parent

		require.NoError(t, s.Create(ctx, e))
		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, e.ID, got.ID)
		require.Equal(t, e.OwnerID, got.OwnerID)
		require.Equal(t, "Planning", got.Title)
		require.True(t, got.Start.Equal(start))
		require.True(t, got.End.Equal(e.End))
		require.NotNil(t, got.Rule)
		require.Equal(t, []time.Weekday{time.Monday, time.Friday}, got.Rule.ByWeekday)
		require.NotNil(t, got.Rule.Until)
		require.True(t, got.Rule.Until.Equal(until))
		require.Equal(t, parent, *got.ParentEventID)

		require.ErrorIs(t, s.Create(ctx, e), errs.ErrAlreadyExists)
		_, err = s.Get(ctx, uuid.Must(uuid.NewV4()))
		require.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("ListByOwnerWindow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := uuid.Must(uuid.NewV4())
		day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		inside := NewEvent(owner, day.Add(10*time.Hour), nil)
		before := NewEvent(owner, day.AddDate(0, 0, -2), nil)
		after := NewEvent(owner, day.AddDate(0, 0, 3), nil)
		series := NewEvent(owner, day.AddDate(0, -1, 0), &model.RecurrenceRule{Freq: model.Daily, Interval: 1})
		ended := NewEvent(owner, day.AddDate(0, -1, 0), &model.RecurrenceRule{Freq: model.Daily, Interval: 1})
		end := day.AddDate(0, 0, -7)
		ended.RecurrenceEnd = &end
		gone := NewEvent(owner, day.Add(12*time.Hour), nil)
		other := NewEvent(uuid.Must(uuid.NewV4()), day.Add(10*time.Hour), nil)

		for _, e := range []*model.Event{inside, before, after, series, ended, gone, other} {
			require.NoError(t, s.Create(ctx, e))
		}
		require.NoError(t, s.SoftDelete(ctx, gone.ID, day))

		got, err := s.ListByOwner(ctx, owner, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		ids := map[uuid.UUID]bool{}
		for _, e := range got {
			ids[e.ID] = true
		}
		require.Equal(t, map[uuid.UUID]bool{inside.ID: true, series.ID: true}, ids)
	})

	t.Run("UpdateAndSoftDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := NewEvent(uuid.Must(uuid.NewV4()), time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC), nil)
		require.NoError(t, s.Create(ctx, e))

		e.Title = "Renamed"
		e.Start = e.Start.Add(time.Hour)
		e.End = e.End.Add(time.Hour)
		e.Recurring = true
		e.Rule = &model.RecurrenceRule{Freq: model.Monthly, Interval: 1, Count: 4}
		require.NoError(t, s.Update(ctx, e))

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, "Renamed", got.Title)
		require.True(t, got.Start.Equal(e.Start))
		require.Equal(t, 4, got.Rule.Count)

		require.NoError(t, s.SoftDelete(ctx, e.ID, e.Start))
		got, err = s.Get(ctx, e.ID)
		require.NoError(t, err)
		require.True(t, got.Deleted)

		missing := NewEvent(e.OwnerID, e.Start, nil)
		require.ErrorIs(t, s.Update(ctx, missing), errs.ErrNotFound)
		require.ErrorIs(t, s.SoftDelete(ctx, missing.ID, e.Start), errs.ErrNotFound)
	})

	t.Run("AppendExceptionDateIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		start := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
		e := NewEvent(uuid.Must(uuid.NewV4()), start, &model.RecurrenceRule{Freq: model.Daily, Interval: 1})
		require.NoError(t, s.Create(ctx, e))

		at := start.AddDate(0, 0, 2)
		require.NoError(t, s.AppendExceptionDate(ctx, e.ID, at))
		require.NoError(t, s.AppendExceptionDate(ctx, e.ID, at))
		require.NoError(t, s.AppendExceptionDate(ctx, e.ID, start.AddDate(0, 0, 1)))

		got, err := s.Get(ctx, e.ID)
		require.NoError(t, err)
		require.Len(t, got.ExceptionDates, 2)

		require.ErrorIs(t, s.AppendExceptionDate(ctx, uuid.Must(uuid.NewV4()), at), errs.ErrNotFound)
	})

	t.Run("WithOwnerLockRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		e := NewEvent(uuid.Must(uuid.NewV4()), time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC), nil)

		err := s.WithOwnerLock(ctx, e.OwnerID, func(repo repository.EventRepository) error {
			if err := repo.Create(ctx, e); err != nil {
				return err
			}
			return errs.ErrConflict
		})
		require.ErrorIs(t, err, errs.ErrConflict)
		_, err = s.Get(ctx, e.ID)
		require.ErrorIs(t, err, errs.ErrNotFound)

		require.NoError(t, s.WithOwnerLock(ctx, e.OwnerID, func(repo repository.EventRepository) error {
			return repo.Create(ctx, e)
		}))
		_, err = s.Get(ctx, e.ID)
		require.NoError(t, err)
	})

	t.Run("WithOwnerLockSerializes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := uuid.Must(uuid.NewV4())
		slot := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithOwnerLock(ctx, owner, func(repo repository.EventRepository) error {
					existing, err := repo.ListByOwner(ctx, owner, slot, slot.Add(time.Hour))
					if err != nil {
						return err
					}
					if len(existing) > 0 {
						return errs.ErrConflict
					}
					return repo.Create(ctx, NewEvent(owner, slot, nil))
				})
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, created)
	})
}
