package occurrence

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/metrics"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/recurrence"
)

// DefaultMaxPerMaster caps the occurrences produced for a single master in one call.
const DefaultMaxPerMaster = 5000

// Expander turns masters into occurrences. It holds no state besides configuration.
type Expander struct {
	log          *zap.Logger
	rec          *metrics.Recorder
	maxPerMaster int
}

// NewExpander constructs an Expander; maxPerMaster <= 0 selects DefaultMaxPerMaster.
func NewExpander(log *zap.Logger, rec *metrics.Recorder, maxPerMaster int) *Expander {
	if log == nil {
		log = zap.NewNop()
	}
	if maxPerMaster <= 0 {
		maxPerMaster = DefaultMaxPerMaster
	}
	return &Expander{log: log, rec: rec, maxPerMaster: maxPerMaster}
}

// Expand returns the occurrences of master inside [from, to], ascending by start.
// Singular events yield themselves when they intersect the window; recurring masters yield
// the instances whose start lies in the window.
func (x *Expander) Expand(master *model.Event, from, to time.Time) ([]model.Occurrence, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("expand: window end %s before start %s", to, from)
	}
	if master.Deleted {
		return nil, nil
	}
	if !master.Recurring || master.Rule == nil {
		if master.Start.After(to) || master.End.Before(from) {
			return nil, nil
		}
		x.rec.Occurrences("single", 1)
		return []model.Occurrence{Single(master)}, nil
	}

	loc, err := civil.LoadZone(master.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", master.ID, err)
	}

	lo, hi := from, to
	if master.Start.After(lo) {
		lo = master.Start
	}
	if master.RecurrenceEnd != nil && master.RecurrenceEnd.Before(hi) {
		hi = *master.RecurrenceEnd
	}
	if hi.Before(lo) {
		return nil, nil
	}

	// Civil bounds are padded by a day: an instance in a DST gap maps to an instant whose wall
	// clock differs from the generated one. The absolute filter below trims the padding.
	start := civil.ToCivil(master.Start, loc)
	instances, err := recurrence.Between(*master.Rule, start, loc,
		civil.ToCivil(lo, loc).AddDays(-1), civil.ToCivil(hi, loc).AddDays(1))
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", master.ID, err)
	}

	// The literal start is part of the series even when the weekday filter would skip it.
	if !master.Start.Before(lo) && !master.Start.After(hi) && !recurrence.Covers(*master.Rule, start.Weekday()) {
		present := false
		for _, c := range instances {
			if c == start {
				present = true
				break
			}
		}
		if !present {
			instances = append(instances, start)
		}
	}

	excluded := exceptionKeys(master.ExceptionDates, loc)
	dur := master.Duration()
	out := make([]model.Occurrence, 0, len(instances))
	for _, c := range instances {
		at := civil.FromCivil(c, loc)
		if at.Before(lo) || at.After(hi) || excluded[civil.ToCivil(at, loc)] {
			continue
		}
		occ := fromMaster(master, at, at.Add(dur))
		occ.ID = Encode(master.ID.String(), at)
		out = append(out, occ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	if len(out) > x.maxPerMaster {
		out = out[:x.maxPerMaster]
		x.rec.Truncated()
		x.log.Warn("expand: occurrence cap reached",
			zap.String("event_id", master.ID.String()),
			zap.Int("cap", x.maxPerMaster),
			zap.Time("from", from),
			zap.Time("to", to),
		)
	}
	x.rec.Occurrences("recurring", len(out))
	return out, nil
}

// Contains reports whether instant is a live (not excepted) occurrence of master.
func (x *Expander) Contains(master *model.Event, instant time.Time) (bool, error) {
	occs, err := x.Expand(master, instant, instant)
	if err != nil {
		return false, err
	}
	for _, o := range occs {
		if o.Start.Equal(instant) {
			return true, nil
		}
	}
	return false, nil
}

// Single renders a non-recurring event as its own occurrence.
func Single(e *model.Event) model.Occurrence {
	occ := fromMaster(e, e.Start, e.End)
	occ.ID = e.ID.String()
	return occ
}

// exceptionKeys keys exception dates by wall clock in the event's zone. Instances are matched on
// the wall clock of the instant they map to, so a gap-shifted instance matches its own id.
func exceptionKeys(dates []time.Time, loc *time.Location) map[civil.Time]bool {
	keys := make(map[civil.Time]bool, len(dates))
	for _, d := range dates {
		keys[civil.ToCivil(d, loc)] = true
	}
	return keys
}

func fromMaster(e *model.Event, start, end time.Time) model.Occurrence {
	occ := model.Occurrence{
		MasterID:    e.ID,
		OwnerID:     e.OwnerID,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		Start:       start,
		End:         end,
		AllDay:      e.AllDay,
		TimeZone:    e.TimeZone,
		Recurring:   e.Recurring,
	}
	if e.ParentEventID != nil {
		p := *e.ParentEventID
		occ.ParentEventID = &p
	}
	return occ
}
