package resource

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type key struct{ typ, id string }

type repoMemory struct {
	mu    sync.RWMutex
	items map[key]*Resource
	now   func() time.Time
}

// NewRepoMemory creates an in-process repository.
func NewRepoMemory() Repository {
	return &repoMemory{items: make(map[key]*Resource), now: time.Now}
}

func clone(r *Resource) *Resource {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

func (m *repoMemory) Create(_ context.Context, r *Resource, prepare PrepareFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.FHIRID == "" {
		r.FHIRID = uuid.NewString()
	}
	k := key{r.ResourceType, r.FHIRID}
	if _, ok := m.items[k]; ok {
		return errors.Wrap(ErrAlreadyExists, r.Reference())
	}
	now := m.now().UTC()
	r.VersionID = 1
	r.CreatedAt = now
	r.LastUpdated = now
	r.Deleted = false
	if err := prepare(r); err != nil {
		return err
	}
	m.items[k] = clone(r)
	return nil
}

func (m *repoMemory) Get(_ context.Context, resourceType, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[key{resourceType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Deleted {
		return nil, ErrGone
	}
	return clone(r), nil
}

func (m *repoMemory) Update(_ context.Context, r *Resource, expectedVersion int, prepare PrepareFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{r.ResourceType, r.FHIRID}
	cur, ok := m.items[k]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion != 0 && cur.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	r.VersionID = cur.VersionID + 1
	r.CreatedAt = cur.CreatedAt
	r.LastUpdated = m.now().UTC()
	r.Deleted = false
	if err := prepare(r); err != nil {
		return err
	}
	m.items[k] = clone(r)
	return nil
}

func (m *repoMemory) Delete(_ context.Context, resourceType, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[key{resourceType, id}]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Deleted {
		return nil, ErrGone
	}
	cur.Deleted = true
	cur.VersionID++
	cur.LastUpdated = m.now().UTC()
	return clone(cur), nil
}

func (m *repoMemory) List(_ context.Context, resourceType string) ([]*Resource, error) {
	m.mu.RLock()
	var out []*Resource
	for k, r := range m.items {
		if k.typ == resourceType && !r.Deleted {
			out = append(out, clone(r))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].FHIRID < out[j].FHIRID
	})
	return out, nil
}
