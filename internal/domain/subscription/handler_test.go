package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/webhook"
)

type fakeDeliveries struct {
	items []*webhook.DeliveryAttempt
}

func (f *fakeDeliveries) Deliveries(_ context.Context, subscriptionID string, limit, offset int) ([]*webhook.DeliveryAttempt, int, error) {
	var out []*webhook.DeliveryAttempt
	for _, a := range f.items {
		if a.SubscriptionID == subscriptionID {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func newTestServer(t *testing.T, roles ...string) (*echo.Echo, *Service) {
	t.Helper()
	svc, _ := newTestService(nil)
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "tester", roles)))
			return next(c)
		}
	})
	deliveries := &fakeDeliveries{items: []*webhook.DeliveryAttempt{
		{ID: "d1", SubscriptionID: "hook", StatusCode: 200, Status: "success"},
		{ID: "d2", SubscriptionID: "other", StatusCode: 500, Status: "failed"},
	}}
	NewHandler(svc, deliveries).RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))
	return e, svc
}

func do(e *echo.Echo, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const glucoseBody = `{
	"resourceType": "Subscription",
	"status": "requested",
	"reason": "glucose",
	"criteria": "Observation?code=SNOMED-CT|82313006",
	"channel": {"type": "websocket", "payload": "application/fhir+json"}
}`

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandler_CreateAndRead(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleSubscriber)

	rec := do(e, http.MethodPost, "/fhir/Subscription", glucoseBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"1"`, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Location"), "/fhir/Subscription/")
	assert.Contains(t, rec.Header().Get("Location"), "/_history/1")

	created := decode(t, rec)
	assert.Equal(t, "active", created["status"])
	id := created["id"].(string)
	require.NotEmpty(t, id)

	rec = do(e, http.MethodGet, "/fhir/Subscription/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "Observation?code=SNOMED-CT|82313006", got["criteria"])

	rec = do(e, http.MethodGet, "/fhir/Subscription/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "OperationOutcome", decode(t, rec)["resourceType"])
}

func TestHandler_CreateInvalid(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleSubscriber)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"resourceType":`},
		{"wrong type", `{"resourceType":"Patient"}`},
		{"no criteria", `{"resourceType":"Subscription","status":"requested","channel":{"type":"websocket"}}`},
		{"unsupported criteria", `{"resourceType":"Subscription","status":"requested","criteria":"Patient?_has:Observation:subject:code=1","channel":{"type":"websocket"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/fhir/Subscription", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "OperationOutcome", decode(t, rec)["resourceType"])
		})
	}
}

func TestHandler_UpdateUpsertAndVersioning(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleSubscriber)

	rec := do(e, http.MethodPut, "/fhir/Subscription/glucose", glucoseBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "glucose", decode(t, rec)["id"])

	off := strings.Replace(glucoseBody, `"requested"`, `"off"`, 1)
	rec = do(e, http.MethodPut, "/fhir/Subscription/glucose", off, "If-Match", `W/"1"`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"2"`, rec.Header().Get("ETag"))
	assert.Equal(t, "off", decode(t, rec)["status"])

	rec = do(e, http.MethodPut, "/fhir/Subscription/glucose", off, "If-Match", `W/"1"`)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = do(e, http.MethodPut, "/fhir/Subscription/glucose", off, "If-Match", `W/"abc"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	mismatched := strings.Replace(glucoseBody, `"resourceType": "Subscription",`, `"resourceType": "Subscription", "id": "other",`, 1)
	rec = do(e, http.MethodPut, "/fhir/Subscription/glucose", mismatched)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Delete(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleSubscriber)
	require.Equal(t, http.StatusCreated, do(e, http.MethodPut, "/fhir/Subscription/s1", glucoseBody).Code)

	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/fhir/Subscription/s1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/fhir/Subscription/s1", "").Code)
}

func TestHandler_Search(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleSubscriber)
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusCreated, do(e, http.MethodPut, "/fhir/Subscription/"+id, glucoseBody).Code)
	}
	off := strings.Replace(glucoseBody, `"requested"`, `"off"`, 1)
	require.Equal(t, http.StatusOK, do(e, http.MethodPut, "/fhir/Subscription/c", off).Code)

	rec := do(e, http.MethodGet, "/fhir/Subscription?status=active&_sort=_id&_count=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bundle := decode(t, rec)
	assert.Equal(t, "searchset", bundle["type"])
	assert.EqualValues(t, 2, bundle["total"])

	entries := bundle["entry"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "/fhir/Subscription/a", entry["fullUrl"])

	var relations []string
	for _, l := range bundle["link"].([]interface{}) {
		link := l.(map[string]interface{})
		relations = append(relations, link["relation"].(string))
		if link["relation"] == "next" {
			assert.Contains(t, link["url"], "_offset=1")
			assert.Contains(t, link["url"], "status=active")
			assert.Contains(t, link["url"], "_sort=_id")
		}
	}
	assert.Contains(t, relations, "self")
	assert.Contains(t, relations, "next")
}

func TestHandler_RoleRequired(t *testing.T) {
	e, _ := newTestServer(t, "reader")

	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/fhir/Subscription", "").Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodPost, "/fhir/Subscription", glucoseBody).Code)
}

func TestHandler_ListDeliveries(t *testing.T) {
	e, _ := newTestServer(t, auth.RoleSubscriber)
	require.Equal(t, http.StatusCreated, do(e, http.MethodPut, "/fhir/Subscription/hook", glucoseBody).Code)

	// subscriber is not enough for the admin route
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/api/v1/subscriptions/hook/deliveries", "").Code)

	admin, svc := newTestServer(t, auth.RoleAdmin)
	require.NoError(t, svc.CreateSubscription(context.Background(), &Subscription{
		FHIRID: "hook", Criteria: "Observation?", ChannelType: "websocket",
	}))

	rec := do(admin, http.MethodGet, "/api/v1/subscriptions/hook/deliveries", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["total"])
	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "d1", data[0].(map[string]interface{})["id"])

	assert.Equal(t, http.StatusNotFound, do(admin, http.MethodGet, "/api/v1/subscriptions/missing/deliveries", "").Code)
}
