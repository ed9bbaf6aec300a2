package syncer

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

const productID = "-//gophcal//EN"

// CalDAVConfig points the adapter at one calendar collection.
type CalDAVConfig struct {
	Endpoint     string // server root, e.g. https://caldav.example.com/
	CalendarPath string // collection path relative to Endpoint
	Username     string
	Password     string
}

// calendarStore is the part of *caldav.Client the adapter needs.
type calendarStore interface {
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, name string) error
}

// CalDAV mirrors masters into a CalDAV collection, one object per event keyed by its id.
type CalDAV struct {
	client calendarStore
	dir    string
	now    func() time.Time
}

// basicAuth adds credentials to every request.
type basicAuth struct {
	username, password string
	next               http.RoundTripper
}

func (t *basicAuth) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "gophcal/1.0")
	return t.next.RoundTrip(req)
}

// NewCalDAV builds the adapter. httpClient may be nil.
func NewCalDAV(cfg CalDAVConfig, httpClient *http.Client) (*CalDAV, error) {
	if cfg.Endpoint == "" || cfg.CalendarPath == "" {
		return nil, fmt.Errorf("caldav: endpoint and calendar path are required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.Username != "" {
		hc := *httpClient
		hc.Transport = &basicAuth{username: cfg.Username, password: cfg.Password, next: transport}
		httpClient = &hc
	}
	c, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}
	return &CalDAV{client: c, dir: cfg.CalendarPath, now: time.Now}, nil
}

func (c *CalDAV) Name() string { return "caldav" }

// Push writes or removes the calendar object of ch.Event.
func (c *CalDAV) Push(ctx context.Context, ch Change) error {
	p := c.objectPath(ch.Event.ID.String())
	switch ch.Op {
	case OpDelete:
		if err := c.client.RemoveAll(ctx, p); err != nil {
			return fmt.Errorf("caldav delete %s: %w", p, err)
		}
		return nil
	case OpUpsert:
		cal, err := toCalendar(&ch.Event, c.now())
		if err != nil {
			return err
		}
		if _, err := c.client.PutCalendarObject(ctx, p, cal); err != nil {
			return fmt.Errorf("caldav put %s: %w", p, err)
		}
		return nil
	default:
		return fmt.Errorf("caldav: unsupported op %s", ch.Op)
	}
}

func (c *CalDAV) objectPath(uid string) string {
	return path.Join("/", strings.Trim(c.dir, "/"), uid+".ics")
}

// toCalendar renders e as a single-VEVENT calendar with its rule and exception dates.
func toCalendar(e *model.Event, stamp time.Time) (*ical.Calendar, error) {
	loc, err := civil.LoadZone(e.TimeZone)
	if err != nil {
		return nil, err
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.ID.String())
	ve.Props.SetText(ical.PropSummary, e.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	if e.AllDay {
		ve.Props.SetDate(ical.PropDateTimeStart, e.Start.In(loc))
		ve.Props.SetDate(ical.PropDateTimeEnd, e.End.In(loc))
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, e.Start.In(loc))
		ve.Props.SetDateTime(ical.PropDateTimeEnd, e.End.In(loc))
	}
	if e.ParentEventID != nil {
		ve.Props.SetText(ical.PropRelatedTo, e.ParentEventID.String())
	}

	if e.Recurring && e.Rule != nil {
		rule := e.Rule.Clone()
		// the engine's own series end has no RRULE slot; fold it into UNTIL
		if e.RecurrenceEnd != nil && rule.Count == 0 && (rule.Until == nil || e.RecurrenceEnd.Before(*rule.Until)) {
			until := e.RecurrenceEnd.UTC()
			rule.Until = &until
		}
		rr := ical.NewProp(ical.PropRecurrenceRule)
		rr.Value = recurrence.Serialize(rule)
		ve.Props.Set(rr)

		if len(e.ExceptionDates) > 0 {
			ve.Props.Set(exceptionProp(e.ExceptionDates, e.AllDay, loc))
		}
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve)
	return cal, nil
}

func exceptionProp(dates []time.Time, allDay bool, loc *time.Location) *ical.Prop {
	p := ical.NewProp(ical.PropExceptionDates)
	values := make([]string, 0, len(dates))
	for _, d := range dates {
		if allDay {
			values = append(values, d.In(loc).Format("20060102"))
		} else {
			values = append(values, d.UTC().Format("20060102T150405Z"))
		}
	}
	if allDay {
		p.Params.Set(ical.ParamValue, string(ical.ValueDate))
	}
	p.Value = strings.Join(values, ",")
	return p
}
