package resource

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/pkg/fhirmodels"
)

var (
	// ErrValidation marks a request rejected before it reached the store.
	ErrValidation = errors.New("invalid resource")
	// ErrUnsupportedType is returned for resource types the server does not host.
	ErrUnsupportedType = errors.New("unsupported resource type")
)

// SearchResult is one page of a search.
type SearchResult struct {
	Items []*Resource
	Total int
}

// Service is the resource write path. Every committed write is published to
// the registered listeners.
type Service struct {
	repo   Repository
	types  map[string]bool
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []fhir.ResourceEventListener
}

// NewService creates a service hosting the given resource types.
func NewService(repo Repository, resourceTypes []string, logger zerolog.Logger) *Service {
	types := make(map[string]bool, len(resourceTypes))
	for _, t := range resourceTypes {
		types[t] = true
	}
	return &Service{repo: repo, types: types, logger: logger}
}

// AddListener registers l for resource events.
func (s *Service) AddListener(l fhir.ResourceEventListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Supports reports whether resourceType is hosted.
func (s *Service) Supports(resourceType string) bool {
	return s.types[resourceType]
}

// ResourceTypes returns the hosted types in name order.
func (s *Service) ResourceTypes() []string {
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Service) checkType(resourceType string) error {
	if !s.types[resourceType] {
		return errors.Wrap(ErrUnsupportedType, resourceType)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, action string, r *Resource) {
	event := fhir.ResourceEvent{
		ResourceType: r.ResourceType,
		ResourceID:   r.FHIRID,
		VersionID:    strconv.Itoa(r.VersionID),
		Action:       action,
		Resource:     r.Body,
		OccurredAt:   r.LastUpdated,
	}
	s.mu.RLock()
	listeners := append([]fhir.ResourceEventListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OnResourceEvent(ctx, event)
	}
}

func prepareBody(doc map[string]interface{}) PrepareFunc {
	return func(r *Resource) error {
		body, err := stamp(doc, r.FHIRID, r.VersionID, r.LastUpdated)
		if err != nil {
			return err
		}
		r.Body = body
		return nil
	}
}

// Create stores a new resource under a server assigned id.
func (s *Service) Create(ctx context.Context, resourceType string, body []byte) (*Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	doc, err := decodeBody(resourceType, body)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}

	r := &Resource{ResourceType: resourceType}
	if err := s.repo.Create(ctx, r, prepareBody(doc)); err != nil {
		return nil, err
	}
	s.logger.Debug().Str("resource", r.Reference()).Int("version", r.VersionID).Msg("resource created")
	s.publish(ctx, fhirmodels.ActionCreate, r)
	return r, nil
}

// Update replaces the resource at id, creating it when absent. created
// reports which happened.
func (s *Service) Update(ctx context.Context, resourceType, id string, body []byte, expectedVersion int) (r *Resource, created bool, err error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, false, err
	}
	doc, err := decodeBody(resourceType, body)
	if err != nil {
		return nil, false, errors.Wrap(ErrValidation, err.Error())
	}
	if bodyID, _ := doc["id"].(string); bodyID != "" && bodyID != id {
		return nil, false, errors.Wrapf(ErrValidation, "resource id %q does not match URL id %q", bodyID, id)
	}

	r = &Resource{ResourceType: resourceType, FHIRID: id}
	err = s.repo.Update(ctx, r, expectedVersion, prepareBody(doc))
	if errors.Is(err, ErrNotFound) {
		if expectedVersion != 0 {
			return nil, false, err
		}
		created = true
		err = s.repo.Create(ctx, r, prepareBody(doc))
	}
	if err != nil {
		return nil, false, err
	}

	action := fhirmodels.ActionUpdate
	if created {
		action = fhirmodels.ActionCreate
	}
	s.logger.Debug().Str("resource", r.Reference()).Int("version", r.VersionID).Str("action", action).Msg("resource written")
	s.publish(ctx, action, r)
	return r, created, nil
}

// Delete removes a resource.
func (s *Service) Delete(ctx context.Context, resourceType, id string) error {
	if err := s.checkType(resourceType); err != nil {
		return err
	}
	r, err := s.repo.Delete(ctx, resourceType, id)
	if err != nil {
		return err
	}
	s.logger.Debug().Str("resource", r.Reference()).Msg("resource deleted")
	s.publish(ctx, fhirmodels.ActionDelete, r)
	return nil
}

// Get reads one resource.
func (s *Service) Get(ctx context.Context, resourceType, id string) (*Resource, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, resourceType, id)
}

// Search filters resources with the same matcher used for subscription
// criteria, then sorts and pages the result.
func (s *Service) Search(ctx context.Context, resourceType string, filters url.Values, specs []fhir.SortSpec, limit, offset int) (*SearchResult, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	params, err := fhir.ParseSearchQuery(filters.Encode())
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	if err := fhir.CheckSupported(params); err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}

	all, err := s.repo.List(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, r := range all {
		if len(params) == 0 {
			matched = append(matched, r)
			continue
		}
		doc, err := decodeBody(resourceType, r.Body)
		if err != nil {
			s.logger.Warn().Err(err).Str("resource", r.Reference()).Msg("skipping undecodable resource")
			continue
		}
		if fhir.MatchResource(doc, params) {
			matched = append(matched, r)
		}
	}
	sortResources(matched, specs)

	res := &SearchResult{Total: len(matched), Items: []*Resource{}}
	if offset < len(matched) {
		end := len(matched)
		if limit > 0 && offset+limit < end {
			end = offset + limit
		}
		res.Items = matched[offset:end]
	}
	return res, nil
}

var resourceSorter = fhir.Sorter[*Resource]{
	Keys: map[string]func(a, b *Resource) int{
		"_id":          func(a, b *Resource) int { return strings.Compare(a.FHIRID, b.FHIRID) },
		"_lastUpdated": func(a, b *Resource) int { return a.LastUpdated.Compare(b.LastUpdated) },
	},
	Default:  func(a, b *Resource) int { return b.LastUpdated.Compare(a.LastUpdated) },
	TieBreak: func(a, b *Resource) int { return strings.Compare(a.FHIRID, b.FHIRID) },
}

// sortResources supports _id and _lastUpdated. Without a usable sort key the
// newest resource comes first.
func sortResources(items []*Resource, specs []fhir.SortSpec) {
	resourceSorter.Sort(items, specs)
}
