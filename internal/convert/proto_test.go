package convert

import (
	"errors"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

func mustUUID(t *testing.T, s string) u.UUID {
	t.Helper()
	id, err := u.FromString(s)
	if err != nil {
		t.Fatalf("bad uuid %q: %v", s, err)
	}
	return id
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func TestFromStructNewEvent_OK(t *testing.T) {
	t.Parallel()

	in := mustStruct(t, map[string]any{
		"title":     "Standup",
		"start":     "2026-01-05T09:00:00-05:00",
		"end":       "2026-01-05T09:15:00-05:00",
		"time_zone": "America/New_York",
		"rrule":     "RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR",
	})
	got, err := FromStructNewEvent(in, recurrence.RRule{})
	if err != nil {
		t.Fatalf("FromStructNewEvent: %v", err)
	}
	if got.Title != "Standup" || got.TimeZone != "America/New_York" {
		t.Fatalf("fields mismatch: %+v", got)
	}
	if got.Rule == nil || got.Rule.Freq != model.Weekly || len(got.Rule.ByWeekday) != 3 {
		t.Fatalf("rule mismatch: %+v", got.Rule)
	}
	if !got.Start.Equal(time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("start mismatch: %v", got.Start)
	}
}

func TestFromStructNewEvent_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"missing start": {"title": "x", "end": "2026-01-05T09:15:00Z"},
		"bad time":      {"title": "x", "start": "monday", "end": "2026-01-05T09:15:00Z"},
		"title type":    {"title": 12.0, "start": "2026-01-05T09:00:00Z", "end": "2026-01-05T09:15:00Z"},
		"bad rule":      {"title": "x", "start": "2026-01-05T09:00:00Z", "end": "2026-01-05T09:15:00Z", "rrule": "BYDAY=MO"},
		"bad zone":      {"title": "x", "start": "2026-01-05T09:00:00Z", "end": "2026-01-05T09:15:00Z", "rrule": "FREQ=DAILY", "time_zone": "Mars/Base"},
	}
	for name, m := range cases {
		_, err := FromStructNewEvent(mustStruct(t, m), recurrence.RRule{})
		if !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%s: want ErrValidation, got %v", name, err)
		}
	}
}

func TestFromStructUpdate_Changes(t *testing.T) {
	t.Parallel()

	in := mustStruct(t, map[string]any{
		"id":    "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11_2026-01-08T14:00:00.000Z",
		"scope": "this_only",
		"changes": []any{
			map[string]any{"kind": "details", "title": "Moved"},
			map[string]any{"kind": "timing", "start": "2026-01-08T15:00:00Z", "end": "2026-01-08T15:15:00Z"},
		},
	})
	id, upd, scope, err := FromStructUpdate(in, recurrence.RRule{})
	if err != nil {
		t.Fatalf("FromStructUpdate: %v", err)
	}
	if id == "" || scope != model.ScopeThisOnly || len(upd.Changes) != 2 {
		t.Fatalf("mismatch: id=%q scope=%v changes=%d", id, scope, len(upd.Changes))
	}
	d, ok := upd.Changes[0].(model.SetDetails)
	if !ok || d.Title == nil || *d.Title != "Moved" || d.Location != nil {
		t.Fatalf("details mismatch: %+v", upd.Changes[0])
	}
	tm, ok := upd.Timing()
	if !ok || tm.Start == nil || tm.AllDay != nil {
		t.Fatalf("timing mismatch: %+v", tm)
	}
}

func TestFromStructUpdate_ClearRecurrence(t *testing.T) {
	t.Parallel()

	in := mustStruct(t, map[string]any{
		"id":      "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11",
		"scope":   "ALL_FUTURE",
		"changes": []any{map[string]any{"kind": "recurrence"}},
	})
	_, upd, _, err := FromStructUpdate(in, recurrence.RRule{})
	if err != nil {
		t.Fatalf("FromStructUpdate: %v", err)
	}
	r, ok := upd.Changes[0].(model.SetRecurrence)
	if !ok || r.Rule != nil {
		t.Fatalf("want clearing SetRecurrence, got %+v", upd.Changes[0])
	}
}

func TestFromStructUpdate_Errors(t *testing.T) {
	t.Parallel()

	id := "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11"
	cases := map[string]map[string]any{
		"no id":         {"scope": "ALL_FUTURE", "changes": []any{map[string]any{"kind": "details", "title": "x"}}},
		"no scope":      {"id": id, "changes": []any{map[string]any{"kind": "details", "title": "x"}}},
		"bad scope":     {"id": id, "scope": "EVERYTHING", "changes": []any{map[string]any{"kind": "details", "title": "x"}}},
		"no changes":    {"id": id, "scope": "ALL_FUTURE"},
		"unknown kind":  {"id": id, "scope": "ALL_FUTURE", "changes": []any{map[string]any{"kind": "colour"}}},
		"empty details": {"id": id, "scope": "ALL_FUTURE", "changes": []any{map[string]any{"kind": "details"}}},
		"empty timing":  {"id": id, "scope": "ALL_FUTURE", "changes": []any{map[string]any{"kind": "timing"}}},
		"change type":   {"id": id, "scope": "ALL_FUTURE", "changes": []any{"details"}},
	}
	for name, m := range cases {
		_, _, _, err := FromStructUpdate(mustStruct(t, m), recurrence.RRule{})
		if !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%s: want ErrValidation, got %v", name, err)
		}
	}
}

func TestEventStruct_Decode(t *testing.T) {
	t.Parallel()

	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := &model.Event{
		ID:             mustUUID(t, "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11"),
		OwnerID:        mustUUID(t, "0c6a7a83-4c55-4a4e-8d8b-33c1f34b7e70"),
		Title:          "Review",
		Start:          time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC),
		End:            time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC),
		TimeZone:       "America/New_York",
		Recurring:      true,
		Rule:           &model.RecurrenceRule{Freq: model.Weekly, Interval: 2, ByWeekday: []time.Weekday{time.Monday}, Until: &until},
		ExceptionDates: []time.Time{time.Date(2026, 1, 19, 14, 0, 0, 0, time.UTC)},
	}
	s := ToStructEvent(e)
	if got := s.GetFields()["rrule"].GetStringValue(); got != "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO;UNTIL=20260301T000000Z" {
		t.Fatalf("rrule = %q", got)
	}
	if _, ok := s.GetFields()["parent_event_id"]; ok {
		t.Fatalf("master must not carry parent_event_id")
	}

	back, err := FromStructEvent(s)
	if err != nil {
		t.Fatalf("FromStructEvent: %v", err)
	}
	if back.ID != e.ID || !back.Start.Equal(e.Start) || len(back.ExceptionDates) != 1 {
		t.Fatalf("decode mismatch: %+v", back)
	}
	if back.Rule == nil || back.Rule.Interval != 2 || back.Rule.Until == nil || !back.Rule.Until.Equal(until) {
		t.Fatalf("rule mismatch: %+v", back.Rule)
	}
}

func TestOccurrences_Decode(t *testing.T) {
	t.Parallel()

	parent := mustUUID(t, "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11")
	occs := []model.Occurrence{
		{ID: "a", MasterID: parent, Title: "One", Start: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)},
		{ID: "b", MasterID: parent, ParentEventID: &parent, AllDay: true, Start: time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), End: time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)},
	}
	got, err := FromStructOccurrences(ToStructOccurrences(occs))
	if err != nil {
		t.Fatalf("FromStructOccurrences: %v", err)
	}
	if len(got) != 2 || got[1].ParentEventID == nil || !got[1].AllDay || got[0].Title != "One" {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestToStructRemoval(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 8, 14, 0, 0, 0, time.UTC)
	s := ToStructRemoval(model.Removal{ID: "x", Scope: model.ScopeThisOnly, ExceptionAt: &at})
	f := s.GetFields()
	if f["scope"].GetStringValue() != "THIS_ONLY" || f["series_deleted"].GetBoolValue() {
		t.Fatalf("removal mismatch: %v", f)
	}
	if f["exception_at"].GetStringValue() != "2026-01-08T14:00:00Z" {
		t.Fatalf("exception_at = %q", f["exception_at"].GetStringValue())
	}
}

func TestFromStructWindowAndFilters(t *testing.T) {
	t.Parallel()

	if _, err := FromStructWindow(mustStruct(t, map[string]any{"start": "2026-01-02T00:00:00Z", "end": "2026-01-01T00:00:00Z"})); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("inverted window must fail, got %v", err)
	}
	f, err := FromStructFilters(mustStruct(t, map[string]any{
		"title":              "sync",
		"master_id":          "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11",
		"exclude_exceptions": true,
	}))
	if err != nil {
		t.Fatalf("FromStructFilters: %v", err)
	}
	if f.Title != "sync" || f.MasterID == nil || !f.ExcludeExceptions {
		t.Fatalf("filters mismatch: %+v", f)
	}
	if _, err := FromStructFilters(mustStruct(t, map[string]any{"master_id": "nope"})); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("bad master_id must fail, got %v", err)
	}
}
