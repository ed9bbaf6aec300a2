package memory

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
)

// Owners keeps owners in maps keyed by ID and username.
type Owners struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]model.Owner
	byName map[string]uuid.UUID
}

// NewOwners returns an empty owner repository.
func NewOwners() *Owners {
	return &Owners{byID: make(map[uuid.UUID]model.Owner), byName: make(map[string]uuid.UUID)}
}

func (r *Owners) Create(_ context.Context, o *model.Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[o.Username]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := r.byID[o.ID]; ok {
		return errs.ErrAlreadyExists
	}
	r.byID[o.ID] = *o
	r.byName[o.Username] = o.ID
	return nil
}

func (r *Owners) GetByID(_ context.Context, id uuid.UUID) (*model.Owner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &o, nil
}

func (r *Owners) GetByUsername(_ context.Context, username string) (*model.Owner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	o := r.byID[id]
	return &o, nil
}
