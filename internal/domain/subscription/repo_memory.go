package subscription

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/pkg/fhirmodels"
)

type subscriptionRepoMemory struct {
	mu    sync.RWMutex
	items map[string]*Subscription
	now   func() time.Time
}

// NewSubscriptionRepoMemory creates an in-process repository.
func NewSubscriptionRepoMemory() SubscriptionRepository {
	return &subscriptionRepoMemory{items: make(map[string]*Subscription), now: time.Now}
}

func clone(s *Subscription) *Subscription {
	c := *s
	c.ChannelHeaders = append([]string(nil), s.ChannelHeaders...)
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.ErrorText != nil {
		e := *s.ErrorText
		c.ErrorText = &e
	}
	return &c
}

func (r *subscriptionRepoMemory) Create(_ context.Context, sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.ID = uuid.New()
	if sub.FHIRID == "" {
		sub.FHIRID = sub.ID.String()
	}
	if _, ok := r.items[sub.FHIRID]; ok {
		return errors.Wrap(ErrAlreadyExists, sub.FHIRID)
	}
	now := r.now()
	sub.VersionID = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	r.items[sub.FHIRID] = clone(sub)
	return nil
}

func (r *subscriptionRepoMemory) GetByFHIRID(_ context.Context, fhirID string) (*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[fhirID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (r *subscriptionRepoMemory) Update(_ context.Context, sub *Subscription, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[sub.FHIRID]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion != 0 && cur.VersionID != expectedVersion {
		return ErrVersionConflict
	}
	sub.ID = cur.ID
	sub.CreatedAt = cur.CreatedAt
	sub.VersionID = cur.VersionID + 1
	sub.UpdatedAt = r.now()
	r.items[sub.FHIRID] = clone(sub)
	return nil
}

func (r *subscriptionRepoMemory) Delete(_ context.Context, fhirID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[fhirID]; !ok {
		return ErrNotFound
	}
	delete(r.items, fhirID)
	return nil
}

func (r *subscriptionRepoMemory) Search(_ context.Context, q SearchQuery) ([]*Subscription, int, error) {
	r.mu.RLock()
	var matched []*Subscription
	for _, s := range r.items {
		if matchesSearch(s, q) {
			matched = append(matched, clone(s))
		}
	}
	r.mu.RUnlock()

	subscriptionSorter.Sort(matched, q.Sort)

	total := len(matched)
	if q.Offset >= total {
		return []*Subscription{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func (r *subscriptionRepoMemory) ListActive(_ context.Context) ([]*Subscription, error) {
	r.mu.RLock()
	var out []*Subscription
	for _, s := range r.items {
		if s.Status == fhirmodels.SubscriptionStatusActive {
			out = append(out, clone(s))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].FHIRID < out[j].FHIRID
	})
	return out, nil
}

func (r *subscriptionRepoMemory) ListExpired(_ context.Context, now time.Time) ([]*Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Subscription
	for _, s := range r.items {
		if (s.Status == fhirmodels.SubscriptionStatusActive || s.Status == fhirmodels.SubscriptionStatusRequested) && s.Expired(now) {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (r *subscriptionRepoMemory) UpdateStatus(_ context.Context, fhirID, status string, errorText *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[fhirID]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.ErrorText = errorText
	s.VersionID++
	s.UpdatedAt = r.now()
	return nil
}

func fieldValue(s *Subscription, column string) string {
	switch column {
	case "fhir_id":
		return s.FHIRID
	case "status":
		return s.Status
	case "channel_type":
		return s.ChannelType
	case "channel_payload":
		return s.ChannelPayload
	case "criteria":
		return s.Criteria
	case "channel_endpoint":
		return s.ChannelEndpoint
	}
	return ""
}

func matchesSearch(s *Subscription, q SearchQuery) bool {
	for key, values := range q.Params {
		name, modifier, _ := strings.Cut(key, ":")
		cfg, ok := searchParams[name]
		if !ok {
			continue
		}
		field := fieldValue(s, cfg.Column)
		for _, value := range values {
			hit := false
			for _, v := range strings.Split(value, ",") {
				if v != "" && valueMatches(cfg.Type, modifier, field, v) {
					hit = true
					break
				}
			}
			if hit == (modifier == "not") {
				return false
			}
		}
	}
	return true
}

func valueMatches(typ fhir.SearchParamType, modifier, field, v string) bool {
	if typ != fhir.SearchParamString {
		return field == v
	}
	switch modifier {
	case "exact":
		return field == v
	case "contains":
		return strings.Contains(strings.ToLower(field), strings.ToLower(v))
	default:
		return strings.HasPrefix(strings.ToLower(field), strings.ToLower(v))
	}
}

func byColumn(column string) func(a, b *Subscription) int {
	return func(a, b *Subscription) int {
		return strings.Compare(fieldValue(a, column), fieldValue(b, column))
	}
}

// subscriptionSorter mirrors sortColumns and the SQL fallback order.
var subscriptionSorter = fhir.Sorter[*Subscription]{
	Keys: map[string]func(a, b *Subscription) int{
		"_id":          byColumn("fhir_id"),
		"status":       byColumn("status"),
		"type":         byColumn("channel_type"),
		"criteria":     byColumn("criteria"),
		"_lastUpdated": func(a, b *Subscription) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
	},
	Default:  func(a, b *Subscription) int { return b.CreatedAt.Compare(a.CreatedAt) },
	TieBreak: func(a, b *Subscription) int { return strings.Compare(a.FHIRID, b.FHIRID) },
}
