// Package ics renders expanded occurrences as an iCalendar feed.
package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/model"
)

// Service is the product name written to PRODID.
const Service = "gophcal"

// Build returns a VCALENDAR with one VEVENT per occurrence. Occurrences of a series keep their
// virtual id as UID and point at the master through RELATED-TO and RECURRENCE-ID.
func Build(occs []model.Occurrence, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendarFor(Service)
	cal.SetMethod(ical.MethodPublish)
	for i := range occs {
		cal.AddVEvent(vevent(&occs[i], stamp))
	}
	return cal
}

// Write serializes Build(occs, stamp) to w. Lines end in CRLF.
func Write(w io.Writer, occs []model.Occurrence, stamp time.Time) error {
	return Build(occs, stamp).SerializeTo(w)
}

func vevent(o *model.Occurrence, stamp time.Time) *ical.VEvent {
	ev := ical.NewEvent(o.ID)
	ev.SetDtStampTime(stamp)
	ev.SetSummary(o.Title)
	if o.Description != "" {
		ev.SetDescription(o.Description)
	}
	if o.Location != "" {
		ev.SetLocation(o.Location)
	}

	if o.AllDay {
		loc, err := civil.LoadZone(o.TimeZone)
		if err != nil {
			loc = time.UTC
		}
		ev.SetAllDayStartAt(o.Start.In(loc))
		ev.SetAllDayEndAt(o.End.In(loc))
	} else {
		ev.SetStartAt(o.Start)
		ev.SetEndAt(o.End)
	}

	switch {
	case o.Recurring:
		ev.SetProperty(ical.ComponentPropertyRelatedTo, o.MasterID.String())
		ev.SetProperty(ical.ComponentPropertyRecurrenceId, o.Start.UTC().Format("20060102T150405Z"))
	case o.ParentEventID != nil:
		ev.SetProperty(ical.ComponentPropertyRelatedTo, o.ParentEventID.String())
	}
	return ev
}
