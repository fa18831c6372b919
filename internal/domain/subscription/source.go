package subscription

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/websocket"
	"github.com/ehr/fhirsub/pkg/fhirmodels"
)

// Source exposes the repository to the notification engine and to the
// websocket registry.
type Source struct {
	repo SubscriptionRepository
}

var (
	_ fhir.SubscriptionSource       = (*Source)(nil)
	_ websocket.SubscriptionChecker = (*Source)(nil)
)

// NewSource creates a new adapter.
func NewSource(repo SubscriptionRepository) *Source {
	return &Source{repo: repo}
}

// ListActive returns every ACTIVE subscription.
func (a *Source) ListActive(ctx context.Context) ([]fhir.ActiveSubscription, error) {
	subs, err := a.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]fhir.ActiveSubscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, fhir.ActiveSubscription{
			FHIRID:          s.FHIRID,
			Status:          s.Status,
			Criteria:        s.Criteria,
			ChannelType:     s.ChannelType,
			ChannelEndpoint: s.ChannelEndpoint,
			ChannelPayload:  s.ChannelPayload,
			ChannelHeaders:  s.ChannelHeaders,
		})
	}
	return out, nil
}

// ListExpired returns the ids of subscriptions whose end time is before now.
func (a *Source) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	subs, err := a.repo.ListExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.FHIRID
	}
	return ids, nil
}

// MarkStatus records a status change made by the engine.
func (a *Source) MarkStatus(ctx context.Context, fhirID, status string, errorText *string) error {
	return a.repo.UpdateStatus(ctx, fhirID, status, errorText)
}

// ActiveEncoding implements websocket.SubscriptionChecker.
func (a *Source) ActiveEncoding(ctx context.Context, fhirID string) (string, bool, error) {
	sub, err := a.repo.GetByFHIRID(ctx, fhirID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if sub.Status != fhirmodels.SubscriptionStatusActive {
		return "", false, nil
	}
	return sub.ChannelPayload, true, nil
}
