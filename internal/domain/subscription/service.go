package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsub/internal/platform/webhook"
	"github.com/ehr/fhirsub/pkg/fhirmodels"
)

// ErrValidation marks a subscription rejected before it reached the store.
var ErrValidation = errors.New("invalid subscription")

// CriteriaValidator rejects criteria the matcher cannot evaluate.
type CriteriaValidator interface {
	Validate(criteria string) error
}

// Handshaker performs the rest-hook activation POST.
type Handshaker interface {
	Handshake(ctx context.Context, endpoint string, headers []string) error
}

// ChangeHook runs after every committed subscription mutation.
type ChangeHook func(ctx context.Context)

// Service provides business logic for subscription management.
type Service struct {
	repo       SubscriptionRepository
	validator  CriteriaValidator
	handshaker Handshaker
	logger     zerolog.Logger

	// RequireHTTPS rejects plain http rest-hook endpoints.
	RequireHTTPS bool

	mu    sync.RWMutex
	hooks []ChangeHook
}

// NewService creates a new subscription service. handshaker may be nil, in
// which case requested rest-hook subscriptions are activated without a POST.
func NewService(repo SubscriptionRepository, validator CriteriaValidator, handshaker Handshaker, logger zerolog.Logger) *Service {
	return &Service{repo: repo, validator: validator, handshaker: handshaker, logger: logger}
}

// OnChange registers a hook run after create, update and delete.
func (s *Service) OnChange(h ChangeHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

func (s *Service) changed(ctx context.Context) {
	s.mu.RLock()
	hooks := append([]ChangeHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx)
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Validate normalises defaults and checks a subscription before it is stored.
func (s *Service) Validate(sub *Subscription) error {
	sub.Criteria = strings.TrimSpace(sub.Criteria)
	if sub.Criteria == "" {
		return invalid("criteria is required")
	}
	if s.validator != nil {
		if err := s.validator.Validate(sub.Criteria); err != nil {
			return invalid("criteria: %v", err)
		}
	}

	if sub.Status == "" {
		sub.Status = fhirmodels.SubscriptionStatusRequested
	}
	if !oneOf(sub.Status, fhirmodels.SubscriptionStatuses) {
		return invalid("invalid status: %s", sub.Status)
	}
	if sub.ChannelType == "" {
		return invalid("channel.type is required")
	}
	if !oneOf(sub.ChannelType, fhirmodels.ChannelTypes) {
		return invalid("invalid channel type: %s", sub.ChannelType)
	}
	if sub.ChannelPayload != "" && !oneOf(sub.ChannelPayload, []string{fhirmodels.PayloadJSON, fhirmodels.PayloadFHIRJSON, fhirmodels.PayloadFHIRXML}) {
		return invalid("unsupported channel payload: %s", sub.ChannelPayload)
	}
	for _, h := range sub.ChannelHeaders {
		if name, _, ok := strings.Cut(h, ":"); !ok || strings.TrimSpace(name) == "" {
			return invalid("channel header %q must be \"Name: value\"", h)
		}
	}

	if sub.ChannelType == fhirmodels.ChannelTypeRestHook {
		if err := webhook.ValidateEndpointURL(sub.ChannelEndpoint); err != nil {
			return invalid("channel.endpoint: %v", err)
		}
		if s.RequireHTTPS && !strings.HasPrefix(strings.ToLower(sub.ChannelEndpoint), "https://") {
			return invalid("channel.endpoint must use https")
		}
	}
	return nil
}

// activate moves a requested subscription to active, or to error when the
// rest-hook handshake fails.
func (s *Service) activate(ctx context.Context, sub *Subscription) {
	if sub.Status != fhirmodels.SubscriptionStatusRequested {
		return
	}
	if sub.ChannelType == fhirmodels.ChannelTypeRestHook && s.handshaker != nil {
		if err := s.handshaker.Handshake(ctx, sub.ChannelEndpoint, sub.ChannelHeaders); err != nil {
			msg := fmt.Sprintf("handshake with %s failed: %v", sub.ChannelEndpoint, err)
			sub.Status = fhirmodels.SubscriptionStatusError
			sub.ErrorText = &msg
			s.logger.Warn().Str("subscription", sub.FHIRID).Err(err).Msg("rest-hook handshake failed")
			return
		}
	}
	sub.Status = fhirmodels.SubscriptionStatusActive
	sub.ErrorText = nil
}

// CreateSubscription validates, activates and stores a new subscription.
func (s *Service) CreateSubscription(ctx context.Context, sub *Subscription) error {
	if err := s.Validate(sub); err != nil {
		return err
	}
	s.activate(ctx, sub)
	if err := s.repo.Create(ctx, sub); err != nil {
		return err
	}
	s.logger.Info().
		Str("subscription", sub.FHIRID).
		Str("status", sub.Status).
		Str("channel", sub.ChannelType).
		Str("criteria", sub.Criteria).
		Msg("subscription created")
	s.changed(ctx)
	return nil
}

// GetSubscription returns one subscription by its FHIR id.
func (s *Service) GetSubscription(ctx context.Context, fhirID string) (*Subscription, error) {
	return s.repo.GetByFHIRID(ctx, fhirID)
}

// UpdateSubscription replaces a stored subscription. A non-zero
// expectedVersion must match the stored version.
func (s *Service) UpdateSubscription(ctx context.Context, sub *Subscription, expectedVersion int) error {
	if err := s.Validate(sub); err != nil {
		return err
	}
	if _, err := s.repo.GetByFHIRID(ctx, sub.FHIRID); err != nil {
		return err
	}
	s.activate(ctx, sub)
	if err := s.repo.Update(ctx, sub, expectedVersion); err != nil {
		return err
	}
	s.logger.Info().Str("subscription", sub.FHIRID).Str("status", sub.Status).Int("version", sub.VersionID).Msg("subscription updated")
	s.changed(ctx)
	return nil
}

// DeleteSubscription removes a subscription. Bound sessions stop receiving
// notifications once the engine refreshes.
func (s *Service) DeleteSubscription(ctx context.Context, fhirID string) error {
	if err := s.repo.Delete(ctx, fhirID); err != nil {
		return err
	}
	s.logger.Info().Str("subscription", fhirID).Msg("subscription deleted")
	s.changed(ctx)
	return nil
}

// SearchSubscriptions lists subscriptions matching the query.
func (s *Service) SearchSubscriptions(ctx context.Context, q SearchQuery) ([]*Subscription, int, error) {
	return s.repo.Search(ctx, q)
}
