package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ehr/fhirsub/internal/platform/webhook"
	"github.com/ehr/fhirsub/internal/platform/websocket"
	"github.com/ehr/fhirsub/pkg/fhirmodels"
	"github.com/rs/zerolog"
)

// SessionSender pushes a frame to every session bound to a subscription.
type SessionSender interface {
	Send(ctx context.Context, subscriptionID string, msg websocket.Message) websocket.DeliveryReport
}

// RestHookQueue accepts rest-hook notifications for asynchronous delivery.
type RestHookQueue interface {
	Enqueue(n webhook.Notification) error
}

// DispatcherConfig controls the delivery failure policy.
type DispatcherConfig struct {
	// FailureThreshold is the number of consecutive failed deliveries after
	// which a subscription is set to error. Zero disables the policy.
	FailureThreshold int
}

// Dispatcher turns confirmed matches into channel notifications. Delivery is
// best effort: a failed notification is never re-queued by the dispatcher.
type Dispatcher struct {
	sessions SessionSender
	hooks    RestHookQueue
	marker   StatusMarker
	cfg      DispatcherConfig
	logger   zerolog.Logger

	onStatusChange func(ctx context.Context)

	mu       sync.Mutex
	failures map[string]int
}

// NewDispatcher creates a dispatcher. hooks and marker may be nil.
func NewDispatcher(sessions SessionSender, hooks RestHookQueue, marker StatusMarker, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		hooks:    hooks,
		marker:   marker,
		cfg:      cfg,
		logger:   logger,
		failures: make(map[string]int),
	}
}

// OnStatusChange registers a callback run after the dispatcher changes a
// subscription's status.
func (d *Dispatcher) OnStatusChange(fn func(ctx context.Context)) {
	d.onStatusChange = fn
}

// OnMatch sends exactly one notification for one match.
func (d *Dispatcher) OnMatch(ctx context.Context, sub ActiveSubscription, event ResourceEvent) {
	switch sub.ChannelType {
	case fhirmodels.ChannelTypeWebsocket, "":
		d.sendWebsocket(ctx, sub, event)
	case fhirmodels.ChannelTypeRestHook:
		d.enqueueRestHook(ctx, sub, event)
	default:
		d.logger.Warn().
			Str("subscription", sub.FHIRID).
			Str("channel", sub.ChannelType).
			Msg("channel type not supported for delivery")
	}
}

func (d *Dispatcher) sendWebsocket(ctx context.Context, sub ActiveSubscription, event ResourceEvent) {
	msg := websocket.PingMessage(sub.FHIRID)
	if fhirmodels.IsResourcePayload(sub.ChannelPayload) {
		msg = websocket.PayloadMessage(sub.FHIRID, event.Resource)
	}

	report := d.sessions.Send(ctx, sub.FHIRID, msg)
	d.logger.Debug().
		Str("subscription", sub.FHIRID).
		Str("resource", event.Reference()).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("websocket notification sent")

	switch {
	case report.Delivered > 0:
		d.recordSuccess(sub.FHIRID)
	case report.Failed > 0:
		d.recordFailure(ctx, sub.FHIRID, fmt.Sprintf("websocket delivery failed for %d session(s)", report.Failed))
	}
}

func (d *Dispatcher) enqueueRestHook(ctx context.Context, sub ActiveSubscription, event ResourceEvent) {
	if d.hooks == nil {
		d.logger.Warn().Str("subscription", sub.FHIRID).Msg("rest-hook delivery not configured")
		return
	}

	var body []byte
	if sub.ChannelPayload != "" {
		b, err := json.Marshal(NewNotificationBundle(event))
		if err != nil {
			d.logger.Error().Err(err).Str("subscription", sub.FHIRID).Msg("failed to marshal notification bundle")
			return
		}
		body = b
	}

	id := sub.FHIRID
	n := webhook.Notification{
		SubscriptionID: id,
		Endpoint:       sub.ChannelEndpoint,
		ContentType:    sub.ChannelPayload,
		Headers:        sub.ChannelHeaders,
		Body:           body,
		Done: func(err error) {
			if err != nil {
				d.recordFailure(context.Background(), id, err.Error())
				return
			}
			d.recordSuccess(id)
		},
	}
	if err := d.hooks.Enqueue(n); err != nil {
		d.logger.Warn().Err(err).Str("subscription", id).Msg("rest-hook notification dropped")
		d.recordFailure(ctx, id, err.Error())
	}
}

func (d *Dispatcher) recordSuccess(id string) {
	d.mu.Lock()
	delete(d.failures, id)
	d.mu.Unlock()
}

func (d *Dispatcher) recordFailure(ctx context.Context, id, reason string) {
	if d.cfg.FailureThreshold <= 0 || d.marker == nil {
		return
	}

	d.mu.Lock()
	d.failures[id]++
	count := d.failures[id]
	if count < d.cfg.FailureThreshold {
		d.mu.Unlock()
		return
	}
	delete(d.failures, id)
	d.mu.Unlock()

	errText := fmt.Sprintf("%d consecutive delivery failures: %s", count, reason)
	if err := d.marker.MarkStatus(ctx, id, fhirmodels.SubscriptionStatusError, &errText); err != nil {
		d.logger.Error().Err(err).Str("subscription", id).Msg("failed to set subscription to error")
		return
	}
	d.logger.Warn().Str("subscription", id).Str("reason", errText).Msg("subscription set to error")
	if d.onStatusChange != nil {
		d.onStatusChange(ctx)
	}
}

// FailureCount returns the current consecutive failure count for a subscription.
func (d *Dispatcher) FailureCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[id]
}
