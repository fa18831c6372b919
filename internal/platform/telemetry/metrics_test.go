package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

func newTestEcho(m *Metrics) *echo.Echo {
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/fhir/:type/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusForbidden, "no")
	})
	e.GET("/metrics", m.Handler())
	return e
}

func serve(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMiddleware_RecordsByRoutePattern(t *testing.T) {
	m := NewMetrics()
	e := newTestEcho(m)

	serve(e, "/fhir/Observation/1")
	serve(e, "/fhir/Patient/2")
	serve(e, "/fail")

	if got := m.RequestCount(LabelsKey("GET", "/fhir/:type/:id", "200")); got != 2 {
		t.Errorf("route count = %d, want 2", got)
	}
	if got := m.RequestCount(LabelsKey("GET", "/fail", "403")); got != 1 {
		t.Errorf("error count = %d, want 1", got)
	}
}

func TestOnResourceEvent_Counts(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	m.OnResourceEvent(ctx, fhir.ResourceEvent{ResourceType: "Observation", Action: "create"})
	m.OnResourceEvent(ctx, fhir.ResourceEvent{ResourceType: "Observation", Action: "create"})
	m.OnResourceEvent(ctx, fhir.ResourceEvent{ResourceType: "Observation", Action: "delete"})

	if got := m.EventCount("Observation", "create"); got != 2 {
		t.Errorf("create count = %d, want 2", got)
	}
	if got := m.EventCount("Patient", "create"); got != 0 {
		t.Errorf("patient count = %d, want 0", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	m := NewMetrics()
	e := newTestEcho(m)
	sessions := int64(3)
	m.RegisterGauge("fhir_websocket_sessions", "Bound websocket sessions.", func() int64 { return sessions })
	m.OnResourceEvent(context.Background(), fhir.ResourceEvent{ResourceType: "Patient", Action: "update"})
	serve(e, "/fhir/Patient/1")

	body := serve(e, "/metrics").Body.String()
	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/fhir/:type/:id",status_code="200"} 1`,
		`le="+Inf"`,
		`fhir_resource_events_total{resource_type="Patient",action="update"} 1`,
		"# TYPE fhir_websocket_sessions gauge",
		"fhir_websocket_sessions 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{1, 5})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(10)

	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("cumulative buckets = %v, want [1 2]", cum)
	}
	if h.Count() != 3 || h.Sum() != 13.5 {
		t.Errorf("count=%d sum=%g, want 3 and 13.5", h.Count(), h.Sum())
	}
}
