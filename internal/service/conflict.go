package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/metrics"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/occurrence"
	"github.com/and161185/gophcal/internal/repository"
)

// conflictLookback widens the candidate query. Singular events are selected by their end and
// recurring masters by their recurrence end, and each master is expanded from the proposal start
// minus its own duration, so long occurrences are found. Only a series whose recurrence end lies
// more than this before the proposal is left out of the query.
const conflictLookback = 7 * 24 * time.Hour

// Proposal is a window about to be written.
type Proposal struct {
	Start    time.Time
	End      time.Time
	AllDay   bool
	TimeZone string // zone of the all-day dates
	// ExcludeID skips a master (and all its occurrences) or, for an occurrence id, that occurrence only.
	ExcludeID string
}

// ConflictDetector rejects proposals that overlap another event of the same owner.
type ConflictDetector struct {
	expander *occurrence.Expander
	rec      *metrics.Recorder
	log      *zap.Logger
}

// NewConflictDetector constructs a ConflictDetector.
func NewConflictDetector(x *occurrence.Expander, rec *metrics.Recorder, log *zap.Logger) *ConflictDetector {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConflictDetector{expander: x, rec: rec, log: log}
}

// Check returns a *errs.SchedulingConflictError for the earliest colliding occurrence, if any.
// All-day proposals collide only with all-day events sharing a date; timed ones only with timed
// events whose half-open windows overlap.
func (d *ConflictDetector) Check(ctx context.Context, repo repository.EventRepository, ownerID uuid.UUID, p Proposal) error {
	if p.End.Before(p.Start) {
		return errs.Validationf("end before start")
	}
	ploc, err := civil.LoadZone(p.TimeZone)
	if err != nil {
		return errs.Validationf("%v", err)
	}
	excludeMaster, _ := uuid.FromString(p.ExcludeID)

	// all-day dates can sit up to a day away from the instants once zones differ
	from, to := p.Start.Add(-conflictLookback), p.End.Add(24*time.Hour)
	candidates, err := repo.ListByOwner(ctx, ownerID, from, to)
	if err != nil {
		return fmt.Errorf("conflict candidates: %w", err)
	}

	var hit *model.Occurrence
	for i := range candidates {
		m := &candidates[i]
		if m.Deleted || m.OwnerID != ownerID || m.AllDay != p.AllDay {
			continue
		}
		if excludeMaster != uuid.Nil && m.ID == excludeMaster {
			continue
		}
		lo := p.Start.Add(-m.Duration() - 24*time.Hour)
		occs, err := d.expander.Expand(m, lo, to)
		if err != nil {
			return fmt.Errorf("conflict expand %s: %w", m.ID, err)
		}
		for j := range occs {
			o := &occs[j]
			if o.ID == p.ExcludeID {
				continue
			}
			if !overlaps(p, ploc, o) {
				continue
			}
			if hit == nil || o.Start.Before(hit.Start) {
				hit = o
			}
			break
		}
	}
	if hit == nil {
		return nil
	}

	d.rec.Conflict()
	d.log.Info("scheduling conflict",
		zap.String("owner_id", ownerID.String()),
		zap.String("conflicting_id", hit.ID),
		zap.Time("proposed_start", p.Start),
		zap.Time("proposed_end", p.End),
		zap.Bool("all_day", p.AllDay),
	)
	return &errs.SchedulingConflictError{
		EventID: hit.ID,
		Title:   hit.Title,
		Start:   hit.Start,
		End:     hit.End,
		AllDay:  hit.AllDay,
	}
}

func overlaps(p Proposal, ploc *time.Location, o *model.Occurrence) bool {
	if !p.AllDay {
		return p.Start.Before(o.End) && p.End.After(o.Start)
	}
	oloc, err := civil.LoadZone(o.TimeZone)
	if err != nil {
		oloc = time.UTC
	}
	pFirst, pLast := dateSpan(p.Start, p.End, ploc)
	oFirst, oLast := dateSpan(o.Start, o.End, oloc)
	return pFirst.Compare(oLast) <= 0 && oFirst.Compare(pLast) <= 0
}

// dateSpan returns the first and last civil dates an all-day range covers; end is exclusive.
func dateSpan(start, end time.Time, loc *time.Location) (civil.Time, civil.Time) {
	first := civil.ToCivil(start, loc).DateOnly()
	if !end.After(start) {
		return first, first
	}
	last := civil.ToCivil(end.Add(-time.Nanosecond), loc).DateOnly()
	return first, last
}
