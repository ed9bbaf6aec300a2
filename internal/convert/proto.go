// Package convert maps domain values to and from the google.protobuf.Struct documents carried by
// the gophcal.v1.Calendar service, and validates request payloads at that boundary.
package convert

import (
	"fmt"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

// Change kinds accepted in an UpdateEvent "changes" list.
const (
	KindDetails    = "details"
	KindTiming     = "timing"
	KindRecurrence = "recurrence"
)

// --- helpers ---

func ts(t time.Time) *structpb.Value {
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func str(s string) *structpb.Value { return structpb.NewStringValue(s) }

func field(s *structpb.Struct, key string) (*structpb.Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.GetFields()[key]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

// String returns a string field; absent or null gives "".
func String(s *structpb.Struct, key string) (string, error) {
	v, ok := field(s, key)
	if !ok {
		return "", nil
	}
	sv, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", errs.Validationf("%s must be a string", key)
	}
	return sv.StringValue, nil
}

func optString(s *structpb.Struct, key string) (*string, error) {
	if _, ok := field(s, key); !ok {
		return nil, nil
	}
	v, err := String(s, key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Bool returns a bool field; absent or null gives false.
func Bool(s *structpb.Struct, key string) (bool, error) {
	v, ok := field(s, key)
	if !ok {
		return false, nil
	}
	bv, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, errs.Validationf("%s must be a bool", key)
	}
	return bv.BoolValue, nil
}

func optBool(s *structpb.Struct, key string) (*bool, error) {
	if _, ok := field(s, key); !ok {
		return nil, nil
	}
	v, err := Bool(s, key)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Time parses an RFC3339 field; absent or null gives nil.
func Time(s *structpb.Struct, key string) (*time.Time, error) {
	raw, err := String(s, key)
	if err != nil || raw == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, errs.Validationf("%s: %v", key, err)
	}
	return &t, nil
}

func requireTime(s *structpb.Struct, key string) (time.Time, error) {
	t, err := Time(s, key)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, errs.Validationf("%s is required", key)
	}
	return *t, nil
}

// UUID parses an optional uuid field.
func UUID(s *structpb.Struct, key string) (*u.UUID, error) {
	raw, err := String(s, key)
	if err != nil || raw == "" {
		return nil, err
	}
	id, err := u.FromString(raw)
	if err != nil {
		return nil, errs.Validationf("%s: %v", key, err)
	}
	return &id, nil
}

func structList(s *structpb.Struct, key string) ([]*structpb.Struct, error) {
	v, ok := field(s, key)
	if !ok {
		return nil, nil
	}
	lv, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, errs.Validationf("%s must be a list", key)
	}
	out := make([]*structpb.Struct, 0, len(lv.ListValue.GetValues()))
	for i, item := range lv.ListValue.GetValues() {
		sv, isStruct := item.GetKind().(*structpb.Value_StructValue)
		if !isStruct {
			return nil, errs.Validationf("%s[%d] must be an object", key, i)
		}
		out = append(out, sv.StructValue)
	}
	return out, nil
}

// --- Event / Occurrence (server -> client) ---

// ToStructEvent renders a master event.
func ToStructEvent(e *model.Event) *structpb.Struct {
	f := map[string]*structpb.Value{
		"id":          str(e.ID.String()),
		"owner_id":    str(e.OwnerID.String()),
		"title":       str(e.Title),
		"description": str(e.Description),
		"location":    str(e.Location),
		"start":       ts(e.Start),
		"end":         ts(e.End),
		"all_day":     structpb.NewBoolValue(e.AllDay),
		"time_zone":   str(e.TimeZone),
		"recurring":   structpb.NewBoolValue(e.Recurring),
		"created_at":  ts(e.CreatedAt),
		"updated_at":  ts(e.UpdatedAt),
	}
	if e.Rule != nil {
		f["rrule"] = str(recurrence.Serialize(*e.Rule))
	}
	if e.RecurrenceEnd != nil {
		f["recurrence_end"] = ts(*e.RecurrenceEnd)
	}
	if e.ParentEventID != nil {
		f["parent_event_id"] = str(e.ParentEventID.String())
	}
	exdates := make([]*structpb.Value, 0, len(e.ExceptionDates))
	for _, d := range e.ExceptionDates {
		exdates = append(exdates, ts(d))
	}
	f["exception_dates"] = structpb.NewListValue(&structpb.ListValue{Values: exdates})
	return &structpb.Struct{Fields: f}
}

// ToStructOccurrence renders one occurrence.
func ToStructOccurrence(o *model.Occurrence) *structpb.Struct {
	f := map[string]*structpb.Value{
		"id":          str(o.ID),
		"master_id":   str(o.MasterID.String()),
		"title":       str(o.Title),
		"description": str(o.Description),
		"location":    str(o.Location),
		"start":       ts(o.Start),
		"end":         ts(o.End),
		"all_day":     structpb.NewBoolValue(o.AllDay),
		"time_zone":   str(o.TimeZone),
		"recurring":   structpb.NewBoolValue(o.Recurring),
	}
	if o.ParentEventID != nil {
		f["parent_event_id"] = str(o.ParentEventID.String())
	}
	return &structpb.Struct{Fields: f}
}

// ToStructOccurrences renders a ListOccurrences response.
func ToStructOccurrences(occs []model.Occurrence) *structpb.Struct {
	items := make([]*structpb.Value, 0, len(occs))
	for i := range occs {
		items = append(items, structpb.NewStructValue(ToStructOccurrence(&occs[i])))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"occurrences": structpb.NewListValue(&structpb.ListValue{Values: items}),
	}}
}

// ToStructGet renders a GetEvent response; occ may be nil.
func ToStructGet(e *model.Event, occ *model.Occurrence) *structpb.Struct {
	f := map[string]*structpb.Value{"event": structpb.NewStructValue(ToStructEvent(e))}
	if occ != nil {
		f["occurrence"] = structpb.NewStructValue(ToStructOccurrence(occ))
	}
	return &structpb.Struct{Fields: f}
}

// ToStructRemoval renders a DeleteEvent response.
func ToStructRemoval(r model.Removal) *structpb.Struct {
	f := map[string]*structpb.Value{
		"id":             str(r.ID),
		"scope":          str(r.Scope.String()),
		"series_deleted": structpb.NewBoolValue(r.SeriesDeleted),
	}
	if r.ExceptionAt != nil {
		f["exception_at"] = ts(*r.ExceptionAt)
	}
	return &structpb.Struct{Fields: f}
}

// --- Event / Occurrence (client side) ---

// FromStructEvent decodes a document produced by ToStructEvent.
func FromStructEvent(s *structpb.Struct) (*model.Event, error) {
	e := &model.Event{}
	id, err := UUID(s, "id")
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errs.Validationf("id is required")
	}
	e.ID = *id
	if owner, err := UUID(s, "owner_id"); err != nil {
		return nil, err
	} else if owner != nil {
		e.OwnerID = *owner
	}
	if e.ParentEventID, err = UUID(s, "parent_event_id"); err != nil {
		return nil, err
	}
	if err := decodeCommon(s, &e.Title, &e.Description, &e.Location, &e.Start, &e.End, &e.AllDay, &e.TimeZone, &e.Recurring); err != nil {
		return nil, err
	}
	if e.RecurrenceEnd, err = Time(s, "recurrence_end"); err != nil {
		return nil, err
	}
	rule, err := String(s, "rrule")
	if err != nil {
		return nil, err
	}
	if rule != "" {
		r, err := recurrence.Parse(rule, e.Start, time.UTC)
		if err != nil {
			return nil, err
		}
		e.Rule = &r
	}
	if t, err := Time(s, "created_at"); err != nil {
		return nil, err
	} else if t != nil {
		e.CreatedAt = *t
	}
	if t, err := Time(s, "updated_at"); err != nil {
		return nil, err
	} else if t != nil {
		e.UpdatedAt = *t
	}
	if v, ok := field(s, "exception_dates"); ok {
		for i, item := range v.GetListValue().GetValues() {
			d, err := time.Parse(time.RFC3339Nano, item.GetStringValue())
			if err != nil {
				return nil, errs.Validationf("exception_dates[%d]: %v", i, err)
			}
			e.ExceptionDates = append(e.ExceptionDates, d)
		}
	}
	return e, nil
}

// FromStructOccurrence decodes a document produced by ToStructOccurrence.
func FromStructOccurrence(s *structpb.Struct) (model.Occurrence, error) {
	var o model.Occurrence
	var err error
	if o.ID, err = String(s, "id"); err != nil {
		return o, err
	}
	if o.ID == "" {
		return o, errs.Validationf("id is required")
	}
	if m, err := UUID(s, "master_id"); err != nil {
		return o, err
	} else if m != nil {
		o.MasterID = *m
	}
	if o.ParentEventID, err = UUID(s, "parent_event_id"); err != nil {
		return o, err
	}
	err = decodeCommon(s, &o.Title, &o.Description, &o.Location, &o.Start, &o.End, &o.AllDay, &o.TimeZone, &o.Recurring)
	return o, err
}

// FromStructOccurrences decodes a ListOccurrences response.
func FromStructOccurrences(s *structpb.Struct) ([]model.Occurrence, error) {
	items, err := structList(s, "occurrences")
	if err != nil {
		return nil, err
	}
	out := make([]model.Occurrence, 0, len(items))
	for i, it := range items {
		o, err := FromStructOccurrence(it)
		if err != nil {
			return nil, fmt.Errorf("occurrence[%d]: %w", i, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func decodeCommon(
	s *structpb.Struct, title, desc, loc *string, start, end *time.Time, allDay *bool, zone *string, recurring *bool,
) error {
	var err error
	for key, dst := range map[string]*string{"title": title, "description": desc, "location": loc, "time_zone": zone} {
		if *dst, err = String(s, key); err != nil {
			return err
		}
	}
	if *start, err = requireTime(s, "start"); err != nil {
		return err
	}
	if *end, err = requireTime(s, "end"); err != nil {
		return err
	}
	if *allDay, err = Bool(s, "all_day"); err != nil {
		return err
	}
	*recurring, err = Bool(s, "recurring")
	return err
}

// --- Requests (client -> server) ---

// FromStructNewEvent validates a CreateEvent payload. The rule text is read in the payload's zone.
func FromStructNewEvent(s *structpb.Struct, codec recurrence.Codec) (model.NewEvent, error) {
	var in model.NewEvent
	var err error
	if in.Title, err = String(s, "title"); err != nil {
		return in, err
	}
	if in.Description, err = String(s, "description"); err != nil {
		return in, err
	}
	if in.Location, err = String(s, "location"); err != nil {
		return in, err
	}
	if in.TimeZone, err = String(s, "time_zone"); err != nil {
		return in, err
	}
	if in.Start, err = requireTime(s, "start"); err != nil {
		return in, err
	}
	if in.End, err = requireTime(s, "end"); err != nil {
		return in, err
	}
	if in.AllDay, err = Bool(s, "all_day"); err != nil {
		return in, err
	}
	if in.RecurrenceEnd, err = Time(s, "recurrence_end"); err != nil {
		return in, err
	}
	if in.Rule, err = parseRule(s, codec, in.Start, in.TimeZone); err != nil {
		return in, err
	}
	return in, nil
}

// FromStructUpdate validates an UpdateEvent payload: {id, scope, changes: [{kind, ...}]}.
func FromStructUpdate(s *structpb.Struct, codec recurrence.Codec) (string, model.Update, model.Scope, error) {
	id, err := String(s, "id")
	if err != nil {
		return "", model.Update{}, 0, err
	}
	if id == "" {
		return "", model.Update{}, 0, errs.Validationf("id is required")
	}
	scope, err := FromStructScope(s)
	if err != nil {
		return "", model.Update{}, 0, err
	}
	items, err := structList(s, "changes")
	if err != nil {
		return "", model.Update{}, 0, err
	}
	if len(items) == 0 {
		return "", model.Update{}, 0, errs.Validationf("changes are required")
	}
	var upd model.Update
	for i, it := range items {
		c, err := fromStructChange(it, codec)
		if err != nil {
			return "", model.Update{}, 0, fmt.Errorf("changes[%d]: %w", i, err)
		}
		upd.Changes = append(upd.Changes, c)
	}
	return id, upd, scope, nil
}

func fromStructChange(s *structpb.Struct, codec recurrence.Codec) (model.Change, error) {
	kind, err := String(s, "kind")
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(kind) {
	case KindDetails:
		var d model.SetDetails
		if d.Title, err = optString(s, "title"); err != nil {
			return nil, err
		}
		if d.Description, err = optString(s, "description"); err != nil {
			return nil, err
		}
		if d.Location, err = optString(s, "location"); err != nil {
			return nil, err
		}
		if d.Title == nil && d.Description == nil && d.Location == nil {
			return nil, errs.Validationf("details change sets nothing")
		}
		return d, nil
	case KindTiming:
		var t model.SetTiming
		if t.Start, err = Time(s, "start"); err != nil {
			return nil, err
		}
		if t.End, err = Time(s, "end"); err != nil {
			return nil, err
		}
		if t.AllDay, err = optBool(s, "all_day"); err != nil {
			return nil, err
		}
		if t.Start == nil && t.End == nil && t.AllDay == nil {
			return nil, errs.Validationf("timing change sets nothing")
		}
		return t, nil
	case KindRecurrence:
		var r model.SetRecurrence
		zone, err := String(s, "time_zone")
		if err != nil {
			return nil, err
		}
		if r.Rule, err = parseRule(s, codec, time.Time{}, zone); err != nil {
			return nil, err
		}
		if r.RecurrenceEnd, err = Time(s, "recurrence_end"); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, errs.Validationf("unknown change kind %q", kind)
	}
}

// FromStructScope reads the "scope" field; it is required.
func FromStructScope(s *structpb.Struct) (model.Scope, error) {
	raw, err := String(s, "scope")
	if err != nil {
		return 0, err
	}
	scope, err := model.ParseScope(raw)
	if err != nil {
		return 0, errs.Validationf("%v", err)
	}
	return scope, nil
}

// FromStructWindow reads {start, end}.
func FromStructWindow(s *structpb.Struct) (model.Window, error) {
	start, err := requireTime(s, "start")
	if err != nil {
		return model.Window{}, err
	}
	end, err := requireTime(s, "end")
	if err != nil {
		return model.Window{}, err
	}
	if end.Before(start) {
		return model.Window{}, errs.Validationf("window end before start")
	}
	return model.Window{Start: start, End: end}, nil
}

// FromStructFilters reads the optional list filters.
func FromStructFilters(s *structpb.Struct) (model.Filters, error) {
	var f model.Filters
	var err error
	if f.Title, err = String(s, "title"); err != nil {
		return f, err
	}
	if f.MasterID, err = UUID(s, "master_id"); err != nil {
		return f, err
	}
	f.ExcludeExceptions, err = Bool(s, "exclude_exceptions")
	return f, err
}

func parseRule(s *structpb.Struct, codec recurrence.Codec, start time.Time, zone string) (*model.RecurrenceRule, error) {
	text, err := String(s, "rrule")
	if err != nil || strings.TrimSpace(text) == "" {
		return nil, err
	}
	loc, err := civil.LoadZone(zone)
	if err != nil {
		return nil, errs.Validationf("%v", err)
	}
	r, err := codec.Parse(text, start, loc)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
