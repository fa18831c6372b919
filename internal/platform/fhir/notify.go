package fhir

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// EngineConfig configures the notification pipeline.
type EngineConfig struct {
	Trigger              TriggerConfig
	Dispatcher           DispatcherConfig
	CacheRefreshInterval time.Duration
	ExpiryInterval       time.Duration
}

// NotificationEngine listens for resource events, evaluates them against the
// cached ACTIVE subscriptions and dispatches a notification per match.
type NotificationEngine struct {
	cache      *SubscriptionCache
	evaluator  *Evaluator
	dispatcher *Dispatcher
	trigger    *Trigger
	logger     zerolog.Logger
}

// NewNotificationEngine wires cache, evaluator, dispatcher and trigger.
// hooks may be nil when rest-hook delivery is disabled.
func NewNotificationEngine(source SubscriptionSource, matcher CriterionMatcher, sessions SessionSender, hooks RestHookQueue, cfg EngineConfig, logger zerolog.Logger) *NotificationEngine {
	cache := NewSubscriptionCache(source, logger.With().Str("component", "subscription-cache").Logger())
	if cfg.CacheRefreshInterval > 0 {
		cache.RefreshInterval = cfg.CacheRefreshInterval
	}
	if cfg.ExpiryInterval > 0 {
		cache.ExpiryInterval = cfg.ExpiryInterval
	}

	dispatcher := NewDispatcher(sessions, hooks, source, cfg.Dispatcher, logger.With().Str("component", "dispatcher").Logger())
	dispatcher.OnStatusChange(cache.RefreshCache)

	ne := &NotificationEngine{
		cache:      cache,
		evaluator:  NewEvaluator(cache, matcher, logger.With().Str("component", "evaluator").Logger()),
		dispatcher: dispatcher,
		logger:     logger,
	}
	ne.trigger = NewTrigger(ne, cfg.Trigger, logger.With().Str("component", "trigger").Logger())
	return ne
}

// OnResourceEvent implements ResourceEventListener.
func (ne *NotificationEngine) OnResourceEvent(ctx context.Context, event ResourceEvent) {
	ne.trigger.OnResourceEvent(ctx, event)
}

// HandleEvent implements EventHandler: evaluate, then dispatch each match.
func (ne *NotificationEngine) HandleEvent(ctx context.Context, event ResourceEvent) {
	for _, m := range ne.evaluator.OnResourceWritten(ctx, event) {
		ne.dispatcher.OnMatch(ctx, m.Subscription, m.Event)
	}
}

// Start runs the cache and trigger loops. It blocks until ctx is cancelled.
func (ne *NotificationEngine) Start(ctx context.Context) {
	var g errgroup.Group
	g.Go(func() error {
		ne.cache.Start(ctx)
		return nil
	})
	g.Go(func() error {
		ne.trigger.Start(ctx)
		return nil
	})
	_ = g.Wait()
	ne.logger.Info().Msg("notification engine stopped")
}

// RefreshCache forces an immediate cache refresh. Useful after subscription CRUD.
func (ne *NotificationEngine) RefreshCache(ctx context.Context) {
	ne.cache.RefreshCache(ctx)
}

// Flush evaluates any queued events now.
func (ne *NotificationEngine) Flush(ctx context.Context) {
	ne.trigger.Flush(ctx)
}

// ActiveCount returns the number of subscriptions in the current snapshot.
func (ne *NotificationEngine) ActiveCount() int {
	return ne.cache.Len()
}

// Trigger exposes the polling loop state.
func (ne *NotificationEngine) Trigger() *Trigger {
	return ne.trigger
}
