package fhir

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_ReportsEachMatchOnce(t *testing.T) {
	subs := staticSnapshot{
		activeWebsocketSub("s1", "Observation?code=SNOMED-CT|82313006"),
		activeWebsocketSub("s2", "Observation?code=82313006"),
		activeWebsocketSub("s3", "Observation?code=SNOMED-CT|8231"),
		activeWebsocketSub("s4", "Patient?gender=male"),
	}
	ev := NewEvaluator(subs, NewSearchMatcher(), zerolog.Nop())

	matches := ev.OnResourceWritten(context.Background(), observationEvent())

	require.Len(t, matches, 2)
	assert.Equal(t, "s1", matches[0].Subscription.FHIRID)
	assert.Equal(t, "s2", matches[1].Subscription.FHIRID)
	assert.Equal(t, "Observation/obs-1", matches[0].Event.Reference())
}

func TestEvaluator_SkipsInactiveEvenIfInSnapshot(t *testing.T) {
	off := activeWebsocketSub("s1", "Observation")
	off.Status = "off"
	errored := activeWebsocketSub("s2", "Observation")
	errored.Status = "error"
	requested := activeWebsocketSub("s3", "Observation")
	requested.Status = "requested"

	matcher := &funcMatcher{fn: func(ResourceEvent, string) (bool, error) { return true, nil }}
	ev := NewEvaluator(staticSnapshot{off, errored, requested}, matcher, zerolog.Nop())

	assert.Empty(t, ev.OnResourceWritten(context.Background(), observationEvent()))
	assert.Equal(t, 0, matcher.Calls())
}

func TestEvaluator_OnlyConsultsMatcherForSameType(t *testing.T) {
	matcher := &funcMatcher{fn: func(ResourceEvent, string) (bool, error) { return true, nil }}
	ev := NewEvaluator(staticSnapshot{
		activeWebsocketSub("s1", "Patient"),
		activeWebsocketSub("s2", "Observation"),
	}, matcher, zerolog.Nop())

	matches := ev.OnResourceWritten(context.Background(), observationEvent())

	require.Len(t, matches, 1)
	assert.Equal(t, "s2", matches[0].Subscription.FHIRID)
	assert.Equal(t, 1, matcher.Calls())
}

func TestEvaluator_PredicateErrorIsolated(t *testing.T) {
	matcher := &funcMatcher{fn: func(_ ResourceEvent, criteria string) (bool, error) {
		if criteria == "Observation?bad=1" {
			return false, fmt.Errorf("boom")
		}
		return true, nil
	}}
	ev := NewEvaluator(staticSnapshot{
		activeWebsocketSub("bad", "Observation?bad=1"),
		activeWebsocketSub("good", "Observation?good=1"),
	}, matcher, zerolog.Nop())

	matches := ev.OnResourceWritten(context.Background(), observationEvent())

	require.Len(t, matches, 1)
	assert.Equal(t, "good", matches[0].Subscription.FHIRID)
}

func TestEvaluator_PredicatePanicIsolated(t *testing.T) {
	matcher := &funcMatcher{fn: func(_ ResourceEvent, criteria string) (bool, error) {
		if criteria == "Observation?bad=1" {
			panic("nil map")
		}
		return true, nil
	}}
	ev := NewEvaluator(staticSnapshot{
		activeWebsocketSub("bad", "Observation?bad=1"),
		activeWebsocketSub("good", "Observation?good=1"),
	}, matcher, zerolog.Nop())

	var matches []MatchEvent
	require.NotPanics(t, func() {
		matches = ev.OnResourceWritten(context.Background(), observationEvent())
	})
	require.Len(t, matches, 1)
	assert.Equal(t, "good", matches[0].Subscription.FHIRID)
}

func TestEvaluator_PredicateErrorWrapped(t *testing.T) {
	matcher := &funcMatcher{fn: func(ResourceEvent, string) (bool, error) { return false, fmt.Errorf("boom") }}
	ev := NewEvaluator(nil, matcher, zerolog.Nop())

	_, err := ev.evaluate(context.Background(), activeWebsocketSub("s1", "Observation"), observationEvent())

	assert.ErrorIs(t, err, ErrPredicateEvaluation)
}

func TestEvaluator_IgnoresDeletes(t *testing.T) {
	matcher := &funcMatcher{fn: func(ResourceEvent, string) (bool, error) { return true, nil }}
	ev := NewEvaluator(staticSnapshot{activeWebsocketSub("s1", "Observation")}, matcher, zerolog.Nop())
	event := observationEvent()
	event.Action = "delete"

	assert.Empty(t, ev.OnResourceWritten(context.Background(), event))
}

func TestEvaluator_EmptySnapshot(t *testing.T) {
	matcher := &funcMatcher{fn: func(ResourceEvent, string) (bool, error) { return true, nil }}
	ev := NewEvaluator(staticSnapshot{}, matcher, zerolog.Nop())

	assert.Empty(t, ev.OnResourceWritten(context.Background(), observationEvent()))
	assert.Equal(t, 0, matcher.Calls())
}
