package subscription

import (
	"context"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

var (
	// ErrNotFound is returned when no subscription has the requested id.
	ErrNotFound = errors.New("subscription not found")
	// ErrVersionConflict is returned when an update names a stale version.
	ErrVersionConflict = errors.New("subscription version conflict")
	// ErrAlreadyExists is returned when creating a subscription whose id is taken.
	ErrAlreadyExists = errors.New("subscription already exists")
)

// SearchQuery carries the filters and paging of a subscription search.
type SearchQuery struct {
	Params url.Values
	Sort   []fhir.SortSpec
	Limit  int
	Offset int
}

// SubscriptionRepository defines the data access interface for subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByFHIRID(ctx context.Context, fhirID string) (*Subscription, error)
	// Update replaces the stored row and bumps VersionID. A non-zero
	// expectedVersion must match the stored version.
	Update(ctx context.Context, sub *Subscription, expectedVersion int) error
	Delete(ctx context.Context, fhirID string) error
	Search(ctx context.Context, q SearchQuery) ([]*Subscription, int, error)
	ListActive(ctx context.Context) ([]*Subscription, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Subscription, error)
	UpdateStatus(ctx context.Context, fhirID, status string, errorText *string) error
}

// searchParams lists the supported search parameters and their columns.
var searchParams = map[string]fhir.SearchParamConfig{
	"_id":      {Type: fhir.SearchParamToken, Column: "fhir_id"},
	"status":   {Type: fhir.SearchParamToken, Column: "status"},
	"type":     {Type: fhir.SearchParamToken, Column: "channel_type"},
	"payload":  {Type: fhir.SearchParamToken, Column: "channel_payload"},
	"criteria": {Type: fhir.SearchParamString, Column: "criteria"},
	"url":      {Type: fhir.SearchParamURI, Column: "channel_endpoint"},
}

// sortColumns maps _sort fields to columns.
var sortColumns = map[string]string{
	"_id":          "fhir_id",
	"_lastUpdated": "updated_at",
	"status":       "status",
	"type":         "channel_type",
	"criteria":     "criteria",
}
