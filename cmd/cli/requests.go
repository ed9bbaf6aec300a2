package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/convert"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

// ------- request builders -------

type windowOpts struct {
	From, To     string
	Title        string
	Series       string
	NoExceptions bool
}

// eventOpts holds the event flags. Nil pointers and empty strings mean "not given".
type eventOpts struct {
	Title, Description, Location *string
	AllDay                       *bool
	Start, End                   string
	Zone                         string
	Rule                         string
	RecurrenceEnd                string
	ClearRule                    bool
}

func ptr[T any](v T) *T { return &v }

func str(s string) *structpb.Value { return structpb.NewStringValue(s) }

func rfc(t time.Time) *structpb.Value { return str(t.Format(time.RFC3339)) }

var whenLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", time.DateOnly}

// parseWhen reads RFC3339, or a wall-clock time / date in loc.
func parseWhen(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range whenLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot read time %q", s)
}

func zoneOrLocal(zone string) *time.Location {
	if zone == "" {
		return time.Local
	}
	loc, err := civil.LoadZone(zone)
	if err != nil {
		return time.Local
	}
	return loc
}

func eventZone(o eventOpts, accountZone string) (*time.Location, error) {
	zone := o.Zone
	if zone == "" {
		zone = accountZone
	}
	if zone == "" {
		return time.Local, nil
	}
	return civil.LoadZone(zone)
}

// windowRequest builds a ListOccurrences / ExportICS payload. The window defaults to the seven days
// starting at today's midnight in loc.
func windowRequest(o windowOpts, loc *time.Location, now time.Time) (*structpb.Struct, error) {
	y, m, d := now.In(loc).Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, loc)
	if o.From != "" {
		t, err := parseWhen(o.From, loc)
		if err != nil {
			return nil, err
		}
		from = t
	}
	to := from.AddDate(0, 0, 7)
	if o.To != "" {
		t, err := parseWhen(o.To, loc)
		if err != nil {
			return nil, err
		}
		to = t
	}
	if to.Before(from) {
		return nil, errors.New("--to is before --from")
	}
	f := map[string]*structpb.Value{"start": rfc(from), "end": rfc(to)}
	if o.Title != "" {
		f["title"] = str(o.Title)
	}
	if o.Series != "" {
		f["master_id"] = str(o.Series)
	}
	if o.NoExceptions {
		f["exclude_exceptions"] = structpb.NewBoolValue(true)
	}
	return &structpb.Struct{Fields: f}, nil
}

// createRequest builds a CreateEvent payload. An all-day event without --end lasts one day.
func createRequest(o eventOpts, accountZone string) (*structpb.Struct, error) {
	if o.Start == "" {
		return nil, errors.New("--start is required")
	}
	loc, err := eventZone(o, accountZone)
	if err != nil {
		return nil, err
	}
	start, err := parseWhen(o.Start, loc)
	if err != nil {
		return nil, err
	}
	allDay := o.AllDay != nil && *o.AllDay
	var end time.Time
	switch {
	case o.End != "":
		if end, err = parseWhen(o.End, loc); err != nil {
			return nil, err
		}
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		return nil, errors.New("--end is required")
	}

	f := map[string]*structpb.Value{
		"start":   rfc(start),
		"end":     rfc(end),
		"all_day": structpb.NewBoolValue(allDay),
	}
	for key, v := range map[string]*string{"title": o.Title, "description": o.Description, "location": o.Location} {
		if v != nil {
			f[key] = str(*v)
		}
	}
	if o.Zone != "" {
		f["time_zone"] = str(o.Zone)
	}
	if err := addRule(f, o, loc, start); err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: f}, nil
}

// updateRequest builds an UpdateEvent payload with one change per flag group given.
func updateRequest(id, scope string, o eventOpts, accountZone string) (*structpb.Struct, error) {
	if _, err := model.ParseScope(scope); err != nil {
		return nil, err
	}
	loc, err := eventZone(o, accountZone)
	if err != nil {
		return nil, err
	}
	var changes []any

	if o.Title != nil || o.Description != nil || o.Location != nil {
		ch := map[string]any{"kind": convert.KindDetails}
		for key, v := range map[string]*string{"title": o.Title, "description": o.Description, "location": o.Location} {
			if v != nil {
				ch[key] = *v
			}
		}
		changes = append(changes, ch)
	}

	if o.Start != "" || o.End != "" || o.AllDay != nil {
		ch := map[string]any{"kind": convert.KindTiming}
		for key, raw := range map[string]string{"start": o.Start, "end": o.End} {
			if raw == "" {
				continue
			}
			t, err := parseWhen(raw, loc)
			if err != nil {
				return nil, err
			}
			ch[key] = t.Format(time.RFC3339)
		}
		if o.AllDay != nil {
			ch["all_day"] = *o.AllDay
		}
		changes = append(changes, ch)
	}

	switch {
	case o.ClearRule && o.Rule != "":
		return nil, errors.New("--rrule and --clear-rrule are mutually exclusive")
	case o.ClearRule:
		changes = append(changes, map[string]any{"kind": convert.KindRecurrence})
	case o.Rule != "":
		f := map[string]*structpb.Value{}
		if err := addRule(f, o, loc, time.Time{}); err != nil {
			return nil, err
		}
		ch := map[string]any{"kind": convert.KindRecurrence, "time_zone": loc.String()}
		for k, v := range f {
			ch[k] = v.GetStringValue()
		}
		changes = append(changes, ch)
	}

	if len(changes) == 0 {
		return nil, errors.New("nothing to update")
	}
	return structpb.NewStruct(map[string]any{"id": id, "scope": scope, "changes": changes})
}

// addRule checks the rule locally so typos fail before a round trip.
func addRule(f map[string]*structpb.Value, o eventOpts, loc *time.Location, start time.Time) error {
	if o.Rule == "" {
		if o.RecurrenceEnd != "" {
			return errors.New("--recurrence-end needs --rrule")
		}
		return nil
	}
	rule, err := recurrence.Parse(o.Rule, start, loc)
	if err != nil {
		return err
	}
	f["rrule"] = str("RRULE:" + recurrence.Serialize(rule))
	if o.RecurrenceEnd != "" {
		t, err := parseWhen(o.RecurrenceEnd, loc)
		if err != nil {
			return err
		}
		f["recurrence_end"] = rfc(t)
	}
	return nil
}

// ------- responses -------

func tokenFromLogin(out *structpb.Struct) (tokenFile, error) {
	tok, _ := convert.String(out, "access_token")
	if tok == "" {
		return tokenFile{}, errors.New("login response carries no token")
	}
	tf := tokenFile{AccessToken: tok, ExpiresAt: time.Now().Add(15 * time.Minute)}
	if exp, err := convert.Time(out, "expires_at"); err == nil && exp != nil {
		tf.ExpiresAt = *exp
	}
	tf.OwnerID, _ = convert.String(out, "owner_id")
	tf.TimeZone, _ = convert.String(out, "time_zone")
	return tf, nil
}

type occurrenceRow struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	End      string `json:"end"`
	AllDay   bool   `json:"all_day,omitempty"`
	Series   string `json:"series,omitempty"`
	Detached bool   `json:"detached,omitempty"`
}

func convertOne(o model.Occurrence) []model.Occurrence { return []model.Occurrence{o} }

// occurrenceRows renders occurrences in loc; all-day rows show dates only.
func occurrenceRows(occs []model.Occurrence, loc *time.Location) []occurrenceRow {
	rows := make([]occurrenceRow, 0, len(occs))
	for _, o := range occs {
		r := occurrenceRow{ID: o.ID, Title: o.Title, AllDay: o.AllDay, Detached: o.ParentEventID != nil}
		if o.AllDay {
			zl := zoneOrLocal(o.TimeZone)
			r.Start = o.Start.In(zl).Format(time.DateOnly)
			r.End = o.End.In(zl).Format(time.DateOnly)
		} else {
			r.Start = o.Start.In(loc).Format(time.RFC3339)
			r.End = o.End.In(loc).Format(time.RFC3339)
		}
		if o.Recurring {
			r.Series = o.MasterID.String()
		} else if o.ParentEventID != nil {
			r.Series = o.ParentEventID.String()
		}
		rows = append(rows, r)
	}
	return rows
}

type eventRow struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Location      string   `json:"location,omitempty"`
	Start         string   `json:"start"`
	End           string   `json:"end"`
	AllDay        bool     `json:"all_day,omitempty"`
	TimeZone      string   `json:"time_zone"`
	RRule         string   `json:"rrule,omitempty"`
	RecurrenceEnd string   `json:"recurrence_end,omitempty"`
	Exceptions    []string `json:"exception_dates,omitempty"`
	Parent        string   `json:"parent_event_id,omitempty"`
}

func eventView(e *model.Event) eventRow {
	loc := zoneOrLocal(e.TimeZone)
	r := eventRow{
		ID:          e.ID.String(),
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       e.Start.In(loc).Format(time.RFC3339),
		End:         e.End.In(loc).Format(time.RFC3339),
		AllDay:      e.AllDay,
		TimeZone:    e.TimeZone,
		RRule:       recurrence.String(e.Rule),
	}
	if e.RecurrenceEnd != nil {
		r.RecurrenceEnd = e.RecurrenceEnd.In(loc).Format(time.RFC3339)
	}
	for _, d := range e.ExceptionDates {
		r.Exceptions = append(r.Exceptions, d.In(loc).Format(time.RFC3339))
	}
	if e.ParentEventID != nil {
		r.Parent = e.ParentEventID.String()
	}
	return r
}
