package resource

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []fhir.ResourceEvent
}

func (r *eventRecorder) OnResourceEvent(_ context.Context, e fhir.ResourceEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []fhir.ResourceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fhir.ResourceEvent(nil), r.events...)
}

func newTestService() (*Service, *eventRecorder) {
	repo := NewRepoMemory().(*repoMemory)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	repo.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	svc := NewService(repo, []string{"Observation", "Patient"}, zerolog.Nop())
	rec := &eventRecorder{}
	svc.AddListener(rec)
	return svc, rec
}

func observation(code string) []byte {
	return []byte(`{"resourceType":"Observation","status":"final","code":{"coding":[{"system":"SNOMED-CT","code":"` + code + `"}]},"subject":{"reference":"Patient/p1"}}`)
}

func bodyOf(t *testing.T, r *Resource) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Body, &doc))
	return doc
}

func TestService_CreatePublishes(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService()

	r, err := svc.Create(ctx, "Observation", observation("82313006"))
	require.NoError(t, err)
	assert.NotEmpty(t, r.FHIRID)
	assert.Equal(t, 1, r.VersionID)

	doc := bodyOf(t, r)
	assert.Equal(t, r.FHIRID, doc["id"])
	meta := doc["meta"].(map[string]interface{})
	assert.Equal(t, "1", meta["versionId"])
	assert.NotEmpty(t, meta["lastUpdated"])

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "Observation", events[0].ResourceType)
	assert.Equal(t, r.FHIRID, events[0].ResourceID)
	assert.Equal(t, "create", events[0].Action)
	assert.Equal(t, "1", events[0].VersionID)
	assert.JSONEq(t, string(r.Body), string(events[0].Resource))
}

func TestService_CreateRejects(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService()

	_, err := svc.Create(ctx, "Medication", []byte(`{"resourceType":"Medication"}`))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = svc.Create(ctx, "Observation", []byte(`{"resourceType":"Patient"}`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "Observation", []byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "Observation", []byte(`{"status":"final"}`))
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, rec.all(), "rejected writes publish nothing")
}

func TestService_UpdateUpsert(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService()

	r, created, err := svc.Update(ctx, "Observation", "obs-1", observation("1"), 0)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "obs-1", r.FHIRID)

	r, created, err = svc.Update(ctx, "Observation", "obs-1", observation("2"), 1)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, r.VersionID)

	_, _, err = svc.Update(ctx, "Observation", "obs-1", observation("3"), 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, _, err = svc.Update(ctx, "Observation", "missing", observation("3"), 4)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = svc.Update(ctx, "Observation", "obs-1", []byte(`{"resourceType":"Observation","id":"other"}`), 0)
	assert.ErrorIs(t, err, ErrValidation)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "create", events[0].Action)
	assert.Equal(t, "update", events[1].Action)
	assert.Equal(t, "2", events[1].VersionID)
}

func TestService_DeleteAndGet(t *testing.T) {
	ctx := context.Background()
	svc, rec := newTestService()

	_, _, err := svc.Update(ctx, "Patient", "p1", []byte(`{"resourceType":"Patient","name":[{"family":"Smith"}]}`), 0)
	require.NoError(t, err)

	got, err := svc.Get(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Smith", bodyOf(t, got)["name"].([]interface{})[0].(map[string]interface{})["family"])

	require.NoError(t, svc.Delete(ctx, "Patient", "p1"))
	_, err = svc.Get(ctx, "Patient", "p1")
	assert.ErrorIs(t, err, ErrGone)
	assert.ErrorIs(t, svc.Delete(ctx, "Patient", "p1"), ErrGone)
	assert.ErrorIs(t, svc.Delete(ctx, "Patient", "nope"), ErrNotFound)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "delete", events[1].Action)
	assert.Equal(t, "2", events[1].VersionID)

	// A PUT revives a deleted resource with the next version.
	r, created, err := svc.Update(ctx, "Patient", "p1", []byte(`{"resourceType":"Patient"}`), 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 3, r.VersionID)
}

func TestService_Search(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	for id, code := range map[string]string{"a": "82313006", "b": "8231", "c": "82313006"} {
		_, _, err := svc.Update(ctx, "Observation", id, observation(code), 0)
		require.NoError(t, err)
	}

	res, err := svc.Search(ctx, "Observation", url.Values{"code": {"SNOMED-CT|82313006"}}, fhir.ParseSort("_id"), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "a", res.Items[0].FHIRID)
	assert.Equal(t, "c", res.Items[1].FHIRID)

	res, err = svc.Search(ctx, "Observation", url.Values{"subject": {"Patient/p1"}}, fhir.ParseSort("-_id"), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "b", res.Items[0].FHIRID)

	res, err = svc.Search(ctx, "Observation", url.Values{}, nil, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Empty(t, res.Items)

	_, err = svc.Search(ctx, "Observation", url.Values{"date": {"ge2024-01-01"}}, nil, 10, 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Search(ctx, "Device", url.Values{}, nil, 10, 0)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestSortResources_DefaultNewestFirst(t *testing.T) {
	base := time.Now()
	items := []*Resource{
		{FHIRID: "old", LastUpdated: base},
		{FHIRID: "new", LastUpdated: base.Add(time.Minute)},
	}
	sortResources(items, []fhir.SortSpec{{Field: "status"}})
	assert.Equal(t, "new", items[0].FHIRID)
}

func TestService_ResourceTypes(t *testing.T) {
	svc, _ := newTestService()
	assert.Equal(t, []string{"Observation", "Patient"}, svc.ResourceTypes())
	assert.True(t, svc.Supports("Patient"))
	assert.False(t, svc.Supports("Subscription"))
}
