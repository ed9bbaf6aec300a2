// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/gophcal/internal/model"
	"github.com/gofrs/uuid/v5"
)

// EventRepository provides access to persisted master events.
type EventRepository interface {
	// Get loads an event by ID, including soft-deleted ones.
	Get(ctx context.Context, id uuid.UUID) (*model.Event, error)

	// ListByOwner returns the owner's non-deleted events that can produce an occurrence in [from, to]:
	// singular events intersecting the window and recurring masters started by to and not ended before from.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]model.Event, error)

	// Create inserts a new event.
	Create(ctx context.Context, e *model.Event) error

	// Update overwrites the mutable fields of an event. Exception dates are not touched.
	Update(ctx context.Context, e *model.Event) error

	// SoftDelete marks an event deleted.
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error

	// AppendExceptionDate adds an instant to the event's exception dates; appending an existing one is a no-op.
	AppendExceptionDate(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store is an EventRepository that can run a check-then-write sequence for one owner atomically.
type Store interface {
	EventRepository

	// WithOwnerLock runs fn with a repository bound to a unit of work that excludes concurrent
	// WithOwnerLock calls for the same owner. fn's error rolls the unit back.
	WithOwnerLock(ctx context.Context, ownerID uuid.UUID, fn func(repo EventRepository) error) error
}
