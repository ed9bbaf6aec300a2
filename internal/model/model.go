// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects an issued access token.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// Owner is the account that owns events. Conflicts are scoped per owner.
type Owner struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-owner auth salt
	TimeZone  string    // IANA zone used when an event names none
	CreatedAt time.Time
}

// Frequency is the recurrence step unit.
type Frequency int

const (
	Daily Frequency = iota + 1
	Weekly
	Monthly
	Yearly
)

func (f Frequency) String() string {
	switch f {
	case Daily:
		return "DAILY"
	case Weekly:
		return "WEEKLY"
	case Monthly:
		return "MONTHLY"
	case Yearly:
		return "YEARLY"
	default:
		return fmt.Sprintf("Frequency(%d)", int(f))
	}
}

// RecurrenceRule is the supported RFC5545 subset. Count and Until are mutually exclusive;
// both zero means the series never terminates on its own.
type RecurrenceRule struct {
	Freq      Frequency
	Interval  int            // >= 1
	ByWeekday []time.Weekday // empty: same weekday as start
	Count     int
	Until     *time.Time
}

// Clone returns a deep copy.
func (r RecurrenceRule) Clone() RecurrenceRule {
	out := r
	if r.ByWeekday != nil {
		out.ByWeekday = append([]time.Weekday(nil), r.ByWeekday...)
	}
	if r.Until != nil {
		u := *r.Until
		out.Until = &u
	}
	return out
}

// HasWeekday reports whether d is in the explicit weekday set.
func (r RecurrenceRule) HasWeekday(d time.Weekday) bool {
	for _, w := range r.ByWeekday {
		if w == d {
			return true
		}
	}
	return false
}

// Event is the persisted master record: a singular event, a recurring series,
// or a standalone exception detached from a series (ParentEventID set).
type Event struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	TimeZone       string
	Recurring      bool
	Rule           *RecurrenceRule
	RecurrenceEnd  *time.Time
	ExceptionDates []time.Time // append-only
	ParentEventID  *uuid.UUID
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Duration is the length every occurrence of the event inherits.
func (e *Event) Duration() time.Duration { return e.End.Sub(e.Start) }

// IsException reports whether e is a standalone exception of another series.
func (e *Event) IsException() bool { return e.ParentEventID != nil }

// Clone returns a deep copy so callers can mutate without aliasing repository state.
func (e *Event) Clone() *Event {
	out := *e
	if e.Rule != nil {
		r := e.Rule.Clone()
		out.Rule = &r
	}
	if e.RecurrenceEnd != nil {
		t := *e.RecurrenceEnd
		out.RecurrenceEnd = &t
	}
	if e.ParentEventID != nil {
		p := *e.ParentEventID
		out.ParentEventID = &p
	}
	out.ExceptionDates = append([]time.Time(nil), e.ExceptionDates...)
	return &out
}

// Occurrence is a derived, never persisted instance of an event.
type Occurrence struct {
	ID            string // master id for singular events, encoded virtual id otherwise
	MasterID      uuid.UUID
	OwnerID       uuid.UUID
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time
	AllDay        bool
	TimeZone      string
	Recurring     bool
	ParentEventID *uuid.UUID
}

// Window is an inclusive time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Filters narrow List results.
type Filters struct {
	Title             string     // case-insensitive substring
	MasterID          *uuid.UUID // only this series (and its standalone exceptions)
	ExcludeExceptions bool       // hide standalone exception events
}

// Match reports whether o passes the filters.
func (f Filters) Match(o Occurrence) bool {
	if f.Title != "" && !strings.Contains(strings.ToLower(o.Title), strings.ToLower(f.Title)) {
		return false
	}
	if f.ExcludeExceptions && o.ParentEventID != nil {
		return false
	}
	if f.MasterID != nil {
		if o.MasterID != *f.MasterID && (o.ParentEventID == nil || *o.ParentEventID != *f.MasterID) {
			return false
		}
	}
	return true
}

// NewEvent is a validated create payload.
type NewEvent struct {
	Title         string
	Description   string
	Location      string
	Start         time.Time
	End           time.Time
	AllDay        bool
	TimeZone      string // empty: owner's zone
	Rule          *RecurrenceRule
	RecurrenceEnd *time.Time
}

// Scope selects between a single-occurrence and a whole-series edit.
type Scope int

const (
	ScopeThisOnly Scope = iota + 1
	ScopeAllFuture
)

func (s Scope) String() string {
	switch s {
	case ScopeThisOnly:
		return "THIS_ONLY"
	case ScopeAllFuture:
		return "ALL_FUTURE"
	default:
		return "UNSPECIFIED"
	}
}

// ParseScope accepts THIS_ONLY / ALL_FUTURE (case-insensitive).
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "THIS_ONLY":
		return ScopeThisOnly, nil
	case "ALL_FUTURE":
		return ScopeAllFuture, nil
	}
	return 0, fmt.Errorf("unknown scope %q", s)
}

// Change is one variant of an update payload. The set of variants is closed.
type Change interface{ isChange() }

// SetDetails overrides display fields; nil leaves a field untouched.
type SetDetails struct {
	Title       *string
	Description *string
	Location    *string
}

// SetTiming moves or resizes the event; nil leaves a bound untouched.
type SetTiming struct {
	Start  *time.Time
	End    *time.Time
	AllDay *bool
}

// SetRecurrence replaces the rule. A nil Rule turns the event into a singular one.
type SetRecurrence struct {
	Rule          *RecurrenceRule
	RecurrenceEnd *time.Time
}

func (SetDetails) isChange()    {}
func (SetTiming) isChange()     {}
func (SetRecurrence) isChange() {}

// Update is a validated update payload.
type Update struct {
	Changes []Change
}

// Timing returns the merged timing change, if any.
func (u Update) Timing() (SetTiming, bool) {
	var out SetTiming
	found := false
	for _, c := range u.Changes {
		if t, ok := c.(SetTiming); ok {
			found = true
			if t.Start != nil {
				out.Start = t.Start
			}
			if t.End != nil {
				out.End = t.End
			}
			if t.AllDay != nil {
				out.AllDay = t.AllDay
			}
		}
	}
	return out, found
}

// Removal reports what a remove call did.
type Removal struct {
	ID            string
	Scope         Scope
	SeriesDeleted bool       // master soft-deleted
	ExceptionAt   *time.Time // occurrence instant added to the exception dates
}
