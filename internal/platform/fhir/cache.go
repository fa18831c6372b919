package fhir

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ehr/fhirsub/pkg/fhirmodels"
	"github.com/rs/zerolog"
)

// ActiveSubscription holds the data the notification engine needs from a subscription.
type ActiveSubscription struct {
	FHIRID          string
	Status          string
	Criteria        string
	ChannelType     string
	ChannelEndpoint string
	ChannelPayload  string
	ChannelHeaders  []string

	// ResourceType is the criteria prefix, resolved when the snapshot is built.
	ResourceType string
}

// SubscriptionSource is the subset of the subscription store the engine needs.
type SubscriptionSource interface {
	ListActive(ctx context.Context) ([]ActiveSubscription, error)
	ListExpired(ctx context.Context, now time.Time) ([]string, error)
	StatusMarker
}

// StatusMarker records subscription status transitions made by the engine.
type StatusMarker interface {
	MarkStatus(ctx context.Context, fhirID, status string, errorText *string) error
}

// SubscriptionCache is a point-in-time view of the ACTIVE subscriptions.
// Snapshots are immutable; a refresh swaps in a new slice.
type SubscriptionCache struct {
	source SubscriptionSource
	logger zerolog.Logger
	now    func() time.Time

	// refreshMu orders loads so an older ListActive never replaces a newer one.
	refreshMu sync.Mutex
	mu        sync.RWMutex
	snapshot  []ActiveSubscription

	// RefreshInterval controls how often the cache is reloaded from the source.
	RefreshInterval time.Duration
	// ExpiryInterval controls how often subscriptions past their end time are turned off.
	ExpiryInterval time.Duration
}

// NewSubscriptionCache creates an empty cache. Call RefreshCache or Start to populate it.
func NewSubscriptionCache(source SubscriptionSource, logger zerolog.Logger) *SubscriptionCache {
	return &SubscriptionCache{
		source:          source,
		logger:          logger,
		now:             time.Now,
		RefreshInterval: 30 * time.Second,
		ExpiryInterval:  time.Minute,
	}
}

// Snapshot returns the current ACTIVE set. Callers must not modify it.
func (c *SubscriptionCache) Snapshot() []ActiveSubscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Len returns the number of subscriptions in the current snapshot.
func (c *SubscriptionCache) Len() int {
	return len(c.Snapshot())
}

// Start runs the refresh and expiry loops. It blocks until ctx is cancelled.
func (c *SubscriptionCache) Start(ctx context.Context) {
	c.RefreshCache(ctx)

	refreshTicker := time.NewTicker(c.RefreshInterval)
	expiryTicker := time.NewTicker(c.ExpiryInterval)
	defer refreshTicker.Stop()
	defer expiryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refreshTicker.C:
			c.RefreshCache(ctx)
		case <-expiryTicker.C:
			c.ExpireSubscriptions(ctx)
		}
	}
}

// RefreshCache reloads the ACTIVE set. On error the previous snapshot is kept.
func (c *SubscriptionCache) RefreshCache(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	subs, err := c.source.ListActive(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to refresh subscription cache")
		return
	}
	snapshot := make([]ActiveSubscription, 0, len(subs))
	for _, s := range subs {
		if s.Status == "" {
			s.Status = fhirmodels.SubscriptionStatusActive
		}
		if crit, err := ParseCriteria(s.Criteria); err == nil {
			s.ResourceType = crit.ResourceType
		} else {
			// Kept so the evaluator logs the failure once per event.
			typ, _, _ := strings.Cut(s.Criteria, "?")
			s.ResourceType = strings.TrimSpace(typ)
		}
		snapshot = append(snapshot, s)
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	c.logger.Debug().Int("active", len(snapshot)).Msg("subscription cache refreshed")
}

// ExpireSubscriptions turns off subscriptions whose end time has passed.
func (c *SubscriptionCache) ExpireSubscriptions(ctx context.Context) {
	expired, err := c.source.ListExpired(ctx, c.now())
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list expired subscriptions")
		return
	}
	for _, id := range expired {
		if err := c.source.MarkStatus(ctx, id, fhirmodels.SubscriptionStatusOff, nil); err != nil {
			c.logger.Error().Err(err).Str("subscription", id).Msg("failed to expire subscription")
			continue
		}
		c.logger.Info().Str("subscription", id).Msg("subscription expired")
	}
	if len(expired) > 0 {
		c.RefreshCache(ctx)
	}
}
