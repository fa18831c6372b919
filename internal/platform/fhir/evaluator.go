package fhir

import (
	"context"
	"fmt"

	"github.com/ehr/fhirsub/pkg/fhirmodels"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MatchEvent is one confirmed (subscription, resource) match. It lives only
// for the duration of a dispatch.
type MatchEvent struct {
	Subscription ActiveSubscription
	Event        ResourceEvent
}

// SnapshotProvider yields the current ACTIVE subscription set.
type SnapshotProvider interface {
	Snapshot() []ActiveSubscription
}

// Evaluator matches written resources against the ACTIVE snapshot.
type Evaluator struct {
	subs    SnapshotProvider
	matcher CriterionMatcher
	logger  zerolog.Logger
}

func NewEvaluator(subs SnapshotProvider, matcher CriterionMatcher, logger zerolog.Logger) *Evaluator {
	return &Evaluator{subs: subs, matcher: matcher, logger: logger}
}

// OnResourceWritten returns one MatchEvent per subscription whose criteria
// the resource satisfies. A failing subscription is logged and skipped; it
// never affects the others.
func (ev *Evaluator) OnResourceWritten(ctx context.Context, event ResourceEvent) []MatchEvent {
	if event.Action == fhirmodels.ActionDelete {
		return nil
	}

	snapshot := ev.subs.Snapshot()
	var matches []MatchEvent
	for _, sub := range snapshot {
		if sub.Status != fhirmodels.SubscriptionStatusActive {
			continue
		}
		if sub.ResourceType != event.ResourceType {
			continue
		}
		ok, err := ev.evaluate(ctx, sub, event)
		if err != nil {
			ev.logger.Warn().Err(err).
				Str("subscription", sub.FHIRID).
				Str("resource", event.Reference()).
				Msg("subscription criteria evaluation failed")
			continue
		}
		if ok {
			matches = append(matches, MatchEvent{Subscription: sub, Event: event})
		}
	}
	return matches
}

func (ev *Evaluator) evaluate(ctx context.Context, sub ActiveSubscription, event ResourceEvent) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = errors.Wrapf(ErrPredicateEvaluation, "panic: %v", r)
		}
	}()

	ok, err = ev.matcher.Matches(ctx, event, sub.Criteria)
	if err != nil {
		return false, errors.Wrap(ErrPredicateEvaluation, fmt.Sprintf("%s: %v", sub.Criteria, err))
	}
	return ok, nil
}
