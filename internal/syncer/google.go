package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

// GoogleConfig selects the credentials and the target calendar.
type GoogleConfig struct {
	CredentialsFile string // OAuth client JSON downloaded from the cloud console
	TokenFile       string // previously authorized token JSON
	CalendarID      string // "primary" when empty
}

// Google mirrors masters into a Google calendar. Remote ids are the event uuid without dashes,
// which is a valid base32hex Google event id.
type Google struct {
	svc        *calendar.Service
	calendarID string
}

// NewGoogle authorizes with the stored token and builds the adapter.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	oc, err := google.ConfigFromJSON(creds, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("google credentials: %w", err)
	}
	tok, err := tokenFromFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("google token %s: %w", cfg.TokenFile, err)
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(oc.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("google calendar service: %w", err)
	}
	return newGoogle(svc, cfg.CalendarID), nil
}

// NewGoogleWithClient builds the adapter on an already authorized client, pointed at endpoint
// when it is not empty.
func NewGoogleWithClient(ctx context.Context, hc *http.Client, endpoint, calendarID string) (*Google, error) {
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google calendar service: %w", err)
	}
	return newGoogle(svc, calendarID), nil
}

func newGoogle(svc *calendar.Service, calendarID string) *Google {
	if calendarID == "" {
		calendarID = "primary"
	}
	return &Google{svc: svc, calendarID: calendarID}
}

func (g *Google) Name() string { return "google" }

// Push updates the remote event, inserting it when it does not exist yet.
func (g *Google) Push(ctx context.Context, ch Change) error {
	id := remoteID(ch.Event.ID.String())
	switch ch.Op {
	case OpDelete:
		err := g.svc.Events.Delete(g.calendarID, id).Context(ctx).Do()
		if err != nil && !isGone(err) {
			return fmt.Errorf("google delete %s: %w", id, err)
		}
		return nil
	case OpUpsert:
		ev, err := toGoogleEvent(&ch.Event)
		if err != nil {
			return err
		}
		_, err = g.svc.Events.Update(g.calendarID, id, ev).Context(ctx).Do()
		if err == nil {
			return nil
		}
		if !isGone(err) {
			return fmt.Errorf("google update %s: %w", id, err)
		}
		if _, err := g.svc.Events.Insert(g.calendarID, ev).Context(ctx).Do(); err != nil {
			return fmt.Errorf("google insert %s: %w", id, err)
		}
		return nil
	default:
		return fmt.Errorf("google: unsupported op %s", ch.Op)
	}
}

func remoteID(id string) string { return strings.ReplaceAll(id, "-", "") }

func isGone(err error) bool {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code == http.StatusNotFound || ge.Code == http.StatusGone
	}
	return false
}

func toGoogleEvent(e *model.Event) (*calendar.Event, error) {
	loc, err := civil.LoadZone(e.TimeZone)
	if err != nil {
		return nil, err
	}
	ev := &calendar.Event{
		Id:          remoteID(e.ID.String()),
		Summary:     e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       googleTime(e.Start, e.AllDay, e.TimeZone, loc),
		End:         googleTime(e.End, e.AllDay, e.TimeZone, loc),
	}
	if e.Recurring && e.Rule != nil {
		rule := e.Rule.Clone()
		if e.RecurrenceEnd != nil && rule.Count == 0 && (rule.Until == nil || e.RecurrenceEnd.Before(*rule.Until)) {
			until := e.RecurrenceEnd.UTC()
			rule.Until = &until
		}
		ev.Recurrence = []string{"RRULE:" + recurrence.Serialize(rule)}
		if len(e.ExceptionDates) > 0 {
			p := exceptionProp(e.ExceptionDates, e.AllDay, loc)
			prefix := "EXDATE:"
			if e.AllDay {
				prefix = "EXDATE;VALUE=DATE:"
			}
			ev.Recurrence = append(ev.Recurrence, prefix+p.Value)
		}
	}
	return ev, nil
}

func googleTime(t time.Time, allDay bool, zone string, loc *time.Location) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.In(loc).Format(time.DateOnly)}
	}
	if zone == "" {
		zone = "UTC"
	}
	return &calendar.EventDateTime{DateTime: t.In(loc).Format(time.RFC3339), TimeZone: zone}
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
