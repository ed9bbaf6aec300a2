package service

import (
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/occurrence"
	"github.com/and161185/gophcal/internal/recurrence"
)

func TestParseTarget(t *testing.T) {
	id := uuid.Must(uuid.NewV4())
	at := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)

	got, err := ParseTarget(id.String())
	require.NoError(t, err)
	require.False(t, got.IsOccurrence())
	require.Equal(t, id, got.MasterID)

	got, err = ParseTarget(occurrence.Encode(id.String(), at))
	require.NoError(t, err)
	require.True(t, got.IsOccurrence())
	require.Equal(t, id, got.MasterID)
	require.True(t, got.Instant.Equal(at))

	for _, bad := range []string{"", "nope", "abc_2026-01-05T18:00:00.000Z", id.String() + "_yesterday"} {
		_, err := ParseTarget(bad)
		require.True(t, errors.Is(err, errs.ErrInvalidOccurrenceID), "id %q: %v", bad, err)
	}
}

func TestResolve(t *testing.T) {
	master := Target{MasterID: uuid.Must(uuid.NewV4())}
	at := time.Now()
	occ := Target{MasterID: master.MasterID, Instant: &at}

	tests := []struct {
		name   string
		target Target
		scope  model.Scope
		update Action
		remove Action
	}{
		{"occurrence this only", occ, model.ScopeThisOnly, ActionDetachOccurrence, ActionExceptOccurrence},
		{"occurrence all future", occ, model.ScopeAllFuture, ActionEditMaster, ActionDeleteSeries},
		{"master this only", master, model.ScopeThisOnly, ActionEditMaster, ActionDeleteSeries},
		{"master all future", master, model.ScopeAllFuture, ActionEditMaster, ActionDeleteSeries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ResolveUpdate(tt.target, tt.scope)
			require.NoError(t, err)
			require.Equal(t, tt.update, a)
			a, err = ResolveRemoval(tt.target, tt.scope)
			require.NoError(t, err)
			require.Equal(t, tt.remove, a)
		})
	}

	_, err := ResolveUpdate(occ, model.Scope(0))
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = ResolveRemoval(master, model.Scope(9))
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestApplyToMaster_ShiftsWeekdays(t *testing.T) {
	ny := mustZone(t, "America/New_York")
	m := recurringEvent(time.Date(2026, 1, 5, 13, 0, 0, 0, ny), time.Hour, model.Weekly, time.Monday, time.Wednesday, time.Friday)

	newStart := time.Date(2026, 1, 6, 15, 0, 0, 0, ny) // Tuesday
	next, timing, err := applyToMaster(m, []model.Change{model.SetTiming{Start: &newStart}}, recurrence.RRule{})
	require.NoError(t, err)
	require.True(t, timing)
	require.Equal(t, []time.Weekday{time.Tuesday, time.Thursday, time.Saturday}, next.Rule.ByWeekday)
	require.Equal(t, time.Hour, next.Duration())
	require.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, m.Rule.ByWeekday, "master untouched")
}

func TestApplyToMaster_ReplacedRuleIsNotShifted(t *testing.T) {
	m := recurringEvent(time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), time.Hour, model.Weekly, time.Monday)
	newStart := m.Start.AddDate(0, 0, 1)
	rule := &model.RecurrenceRule{Freq: model.Weekly, Interval: 2, ByWeekday: []time.Weekday{time.Monday}}

	next, _, err := applyToMaster(m, []model.Change{
		model.SetTiming{Start: &newStart},
		model.SetRecurrence{Rule: rule},
	}, recurrence.RRule{})
	require.NoError(t, err)
	require.Equal(t, []time.Weekday{time.Monday}, next.Rule.ByWeekday)
	require.Equal(t, 2, next.Rule.Interval)
}

func TestApplyToMaster_Details(t *testing.T) {
	m := recurringEvent(time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), time.Hour, model.Daily)
	title, loc := "Retro", "Room 9"
	next, timing, err := applyToMaster(m, []model.Change{model.SetDetails{Title: &title, Location: &loc}}, recurrence.RRule{})
	require.NoError(t, err)
	require.False(t, timing)
	require.Equal(t, "Retro", next.Title)
	require.Equal(t, "Room 9", next.Location)
	require.True(t, next.Start.Equal(m.Start))
}

func TestApplyToMaster_ClearRule(t *testing.T) {
	m := recurringEvent(time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), time.Hour, model.Daily)
	next, timing, err := applyToMaster(m, []model.Change{model.SetRecurrence{}}, recurrence.RRule{})
	require.NoError(t, err)
	require.True(t, timing)
	require.False(t, next.Recurring)
	require.Nil(t, next.Rule)
}

func TestApplyToMaster_Invalid(t *testing.T) {
	m := recurringEvent(time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), time.Hour, model.Daily)
	empty := ""
	early := m.Start.Add(-time.Hour)

	for name, changes := range map[string][]model.Change{
		"empty title": {model.SetDetails{Title: &empty}},
		"inverted":    {model.SetTiming{End: &early}},
		"bad rule":    {model.SetRecurrence{Rule: &model.RecurrenceRule{Freq: model.Daily, Interval: 0}}},
	} {
		_, _, err := applyToMaster(m, changes, recurrence.RRule{})
		require.ErrorIs(t, err, errs.ErrValidation, name)
	}

	parent := uuid.Must(uuid.NewV4())
	ex := singleEvent(m.OwnerID, m.Start, m.End)
	ex.ParentEventID = &parent
	_, _, err := applyToMaster(ex, []model.Change{model.SetRecurrence{Rule: &model.RecurrenceRule{Freq: model.Daily, Interval: 1}}}, recurrence.RRule{})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestDetachOccurrence(t *testing.T) {
	m := recurringEvent(time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), time.Hour, model.Daily)
	at := m.Start.AddDate(0, 0, 2)
	title := "Moved"
	newStart := at.Add(2 * time.Hour)

	e, err := detachOccurrence(m, at, []model.Change{model.SetDetails{Title: &title}, model.SetTiming{Start: &newStart}})
	require.NoError(t, err)
	require.Equal(t, m.ID, *e.ParentEventID)
	require.False(t, e.Recurring)
	require.Equal(t, "Moved", e.Title)
	require.Equal(t, m.Location, e.Location)
	require.True(t, e.Start.Equal(newStart))
	require.Equal(t, time.Hour, e.Duration())

	_, err = detachOccurrence(m, at, []model.Change{model.SetRecurrence{Rule: m.Rule}})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestAllDayBounds(t *testing.T) {
	tokyo := mustZone(t, "Asia/Tokyo")
	s, e := allDayBounds(time.Date(2026, 4, 6, 10, 0, 0, 0, tokyo), time.Date(2026, 4, 6, 11, 0, 0, 0, tokyo), tokyo)
	require.True(t, s.Equal(time.Date(2026, 4, 6, 0, 0, 0, 0, tokyo)))
	require.True(t, e.Equal(time.Date(2026, 4, 7, 0, 0, 0, 0, tokyo)))

	s, e = allDayBounds(time.Date(2026, 4, 6, 0, 0, 0, 0, tokyo), time.Date(2026, 4, 8, 0, 0, 0, 0, tokyo), tokyo)
	require.Equal(t, 48*time.Hour, e.Sub(s))
}
