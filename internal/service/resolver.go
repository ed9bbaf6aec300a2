package service

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/occurrence"
	"github.com/and161185/gophcal/internal/recurrence"
)

// Target is a parsed event reference: a master id, or a master id plus an occurrence instant.
type Target struct {
	ID       string
	MasterID uuid.UUID
	Instant  *time.Time
}

// IsOccurrence reports whether the reference names one virtual occurrence.
func (t Target) IsOccurrence() bool { return t.Instant != nil }

// ParseTarget accepts a master uuid or an encoded occurrence id.
func ParseTarget(id string) (Target, error) {
	if u, err := uuid.FromString(id); err == nil {
		return Target{ID: id, MasterID: u}, nil
	}
	parent, at, ok := occurrence.Decode(id)
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", errs.ErrInvalidOccurrenceID, id)
	}
	u, err := uuid.FromString(parent)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q: parent is not an event id", errs.ErrInvalidOccurrenceID, id)
	}
	return Target{ID: id, MasterID: u, Instant: &at}, nil
}

// Action is what an update or removal does to storage.
type Action int

const (
	// ActionEditMaster applies the payload to the master.
	ActionEditMaster Action = iota + 1
	// ActionDetachOccurrence excepts the instant and writes a standalone event in its place.
	ActionDetachOccurrence
	// ActionExceptOccurrence only excepts the instant.
	ActionExceptOccurrence
	// ActionDeleteSeries soft-deletes the master.
	ActionDeleteSeries
)

func (a Action) String() string {
	switch a {
	case ActionEditMaster:
		return "edit-master"
	case ActionDetachOccurrence:
		return "detach-occurrence"
	case ActionExceptOccurrence:
		return "except-occurrence"
	case ActionDeleteSeries:
		return "delete-series"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ResolveUpdate maps (target kind, scope) to the update action.
// Scope only matters for occurrence targets.
func ResolveUpdate(t Target, scope model.Scope) (Action, error) {
	if err := checkScope(scope); err != nil {
		return 0, err
	}
	if t.IsOccurrence() && scope == model.ScopeThisOnly {
		return ActionDetachOccurrence, nil
	}
	return ActionEditMaster, nil
}

// ResolveRemoval maps (target kind, scope) to the removal action.
func ResolveRemoval(t Target, scope model.Scope) (Action, error) {
	if err := checkScope(scope); err != nil {
		return 0, err
	}
	if t.IsOccurrence() && scope == model.ScopeThisOnly {
		return ActionExceptOccurrence, nil
	}
	return ActionDeleteSeries, nil
}

func checkScope(scope model.Scope) error {
	switch scope {
	case model.ScopeThisOnly, model.ScopeAllFuture:
		return nil
	}
	return errs.Validationf("unknown scope %d", int(scope))
}

// applyToMaster returns a copy of master with the changes applied. A moved start on a weekly rule
// with explicit weekdays shifts the weekday set unless the same update replaces the rule.
// timingChanged reports whether the occurrence windows may have moved.
func applyToMaster(
	master *model.Event, changes []model.Change, codec recurrence.Codec,
) (next *model.Event, timingChanged bool, err error) {
	loc, err := civil.LoadZone(master.TimeZone)
	if err != nil {
		return nil, false, errs.Validationf("%v", err)
	}
	next = master.Clone()
	dur := master.Duration()
	ruleReplaced := false

	for _, c := range changes {
		switch ch := c.(type) {
		case model.SetDetails:
			applyDetails(next, ch)
		case model.SetTiming:
			timingChanged = true
			if ch.AllDay != nil {
				next.AllDay = *ch.AllDay
			}
			if ch.Start != nil {
				next.Start = *ch.Start
				if ch.End == nil {
					next.End = next.Start.Add(dur)
				}
			}
			if ch.End != nil {
				next.End = *ch.End
			}
		case model.SetRecurrence:
			timingChanged = true
			ruleReplaced = true
			if next.IsException() && ch.Rule != nil {
				return nil, false, errs.Validationf("a detached occurrence cannot recur")
			}
			if ch.Rule == nil {
				next.Recurring, next.Rule, next.RecurrenceEnd = false, nil, nil
				continue
			}
			if err := recurrence.Validate(*ch.Rule); err != nil {
				return nil, false, err
			}
			r := ch.Rule.Clone()
			next.Recurring, next.Rule = true, &r
			next.RecurrenceEnd = cloneTime(ch.RecurrenceEnd)
		default:
			return nil, false, errs.Validationf("unsupported change %T", c)
		}
	}

	if next.AllDay {
		next.Start, next.End = allDayBounds(next.Start, next.End, loc)
	}
	if !ruleReplaced && next.Rule != nil && !next.Start.Equal(master.Start) {
		shifted := codec.ShiftWeekdays(*next.Rule, master.Start.In(loc), next.Start.In(loc))
		next.Rule = &shifted
	}
	if err := validateEvent(next); err != nil {
		return nil, false, err
	}
	return next, timingChanged, nil
}

// detachOccurrence builds the standalone event that replaces one occurrence of master.
func detachOccurrence(master *model.Event, instant time.Time, changes []model.Change) (*model.Event, error) {
	loc, err := civil.LoadZone(master.TimeZone)
	if err != nil {
		return nil, errs.Validationf("%v", err)
	}
	dur := master.Duration()
	parent := master.ID
	e := &model.Event{
		OwnerID:       master.OwnerID,
		Title:         master.Title,
		Description:   master.Description,
		Location:      master.Location,
		Start:         instant,
		End:           instant.Add(dur),
		AllDay:        master.AllDay,
		TimeZone:      master.TimeZone,
		ParentEventID: &parent,
	}
	for _, c := range changes {
		switch ch := c.(type) {
		case model.SetDetails:
			applyDetails(e, ch)
		case model.SetTiming:
			if ch.AllDay != nil {
				e.AllDay = *ch.AllDay
			}
			if ch.Start != nil {
				e.Start = *ch.Start
				if ch.End == nil {
					e.End = e.Start.Add(dur)
				}
			}
			if ch.End != nil {
				e.End = *ch.End
			}
		case model.SetRecurrence:
			return nil, errs.Validationf("a single occurrence cannot carry a recurrence rule")
		default:
			return nil, errs.Validationf("unsupported change %T", c)
		}
	}
	if e.AllDay {
		e.Start, e.End = allDayBounds(e.Start, e.End, loc)
	}
	if err := validateEvent(e); err != nil {
		return nil, err
	}
	return e, nil
}

func applyDetails(e *model.Event, d model.SetDetails) {
	if d.Title != nil {
		e.Title = *d.Title
	}
	if d.Description != nil {
		e.Description = *d.Description
	}
	if d.Location != nil {
		e.Location = *d.Location
	}
}

// allDayBounds snaps an all-day range to civil midnights in loc; the end is exclusive and at least a day later.
func allDayBounds(start, end time.Time, loc *time.Location) (time.Time, time.Time) {
	s := civil.ToCivil(start, loc).DateOnly()
	e := civil.ToCivil(end, loc)
	ed := e.DateOnly()
	if e != ed {
		ed = ed.AddDays(1)
	}
	if ed.Compare(s) <= 0 {
		ed = s.AddDays(1)
	}
	return civil.FromCivil(s, loc), civil.FromCivil(ed, loc)
}

// validateEvent enforces the master invariants before anything is written.
func validateEvent(e *model.Event) error {
	if e.Title == "" {
		return errs.Validationf("title is required")
	}
	if e.Start.IsZero() || e.End.IsZero() {
		return errs.Validationf("start and end are required")
	}
	if e.End.Before(e.Start) {
		return errs.Validationf("end %s before start %s", e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	if e.Recurring != (e.Rule != nil) {
		return errs.Validationf("recurring events need a rule and singular events must not have one")
	}
	if e.Rule != nil {
		if err := recurrence.Validate(*e.Rule); err != nil {
			return err
		}
		if e.Rule.Until != nil && e.Rule.Until.Before(e.Start) {
			return &errs.RuleError{Rule: recurrence.Serialize(*e.Rule), Reason: "UNTIL precedes the event start"}
		}
	}
	if e.RecurrenceEnd != nil && e.RecurrenceEnd.Before(e.Start) {
		return errs.Validationf("recurrence end precedes the event start")
	}
	if e.IsException() && e.Recurring {
		return errs.Validationf("a detached occurrence cannot recur")
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
