package resource

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when no resource has the requested id.
	ErrNotFound = errors.New("resource not found")
	// ErrGone is returned for a resource that has been deleted.
	ErrGone = errors.New("resource deleted")
	// ErrVersionConflict is returned when an update names a stale version.
	ErrVersionConflict = errors.New("resource version conflict")
	// ErrAlreadyExists is returned when creating a resource whose id is taken.
	ErrAlreadyExists = errors.New("resource already exists")
)

// Repository stores resources keyed by (type, id). Implementations assign
// VersionID, CreatedAt and LastUpdated, and call prepare with the final
// version and timestamp so the body can be stamped inside the write.
type Repository interface {
	Create(ctx context.Context, r *Resource, prepare PrepareFunc) error
	Get(ctx context.Context, resourceType, id string) (*Resource, error)
	// Update replaces the stored body. A non-zero expectedVersion must
	// match the stored version. A deleted resource is revived.
	Update(ctx context.Context, r *Resource, expectedVersion int, prepare PrepareFunc) error
	// Delete marks the resource deleted and returns the tombstone.
	Delete(ctx context.Context, resourceType, id string) (*Resource, error)
	// List returns every live resource of a type, oldest first.
	List(ctx context.Context, resourceType string) ([]*Resource, error)
}

// PrepareFunc stamps r.Body once the repository has chosen the version.
type PrepareFunc func(r *Resource) error
