package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/clock"
	"github.com/and161185/gophcal/internal/model"
	"github.com/and161185/gophcal/internal/repository/memory"
	"github.com/and161185/gophcal/internal/syncer"
)

func mustZone(t *testing.T, id string) *time.Location {
	t.Helper()
	loc, err := civil.LoadZone(id)
	require.NoError(t, err)
	return loc
}

func singleEvent(owner uuid.UUID, start, end time.Time) *model.Event {
	return &model.Event{
		ID:       uuid.Must(uuid.NewV4()),
		OwnerID:  owner,
		Title:    "Standup",
		Location: "Room 1",
		Start:    start,
		End:      end,
		TimeZone: start.Location().String(),
	}
}

func recurringEvent(start time.Time, dur time.Duration, freq model.Frequency, days ...time.Weekday) *model.Event {
	e := singleEvent(uuid.Must(uuid.NewV4()), start, start.Add(dur))
	e.Recurring = true
	e.Rule = &model.RecurrenceRule{Freq: freq, Interval: 1, ByWeekday: days}
	return e
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []syncer.Change
}

func (n *recordingNotifier) Notify(ch syncer.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, ch)
}

func (n *recordingNotifier) ops() []syncer.Op {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]syncer.Op, 0, len(n.changes))
	for _, c := range n.changes {
		out = append(out, c.Op)
	}
	return out
}

type env struct {
	svc   *EventServiceImpl
	store *memory.Store
	sync  *recordingNotifier
	owner uuid.UUID
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	n := &recordingNotifier{}
	return &env{
		svc: NewEventService(EventDeps{
			Store: store,
			Clock: clock.Fixed{T: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)},
			Sync:  n,
		}),
		store: store,
		sync:  n,
		owner: uuid.Must(uuid.NewV4()),
		ctx:   context.Background(),
	}
}
