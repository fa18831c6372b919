package subscription

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/internal/platform/webhook"
	"github.com/ehr/fhirsub/pkg/pagination"
)

// DeliveryLister exposes the rest-hook delivery log.
type DeliveryLister interface {
	Deliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*webhook.DeliveryAttempt, int, error)
}

// Handler provides HTTP endpoints for Subscription management.
type Handler struct {
	svc        *Service
	deliveries DeliveryLister
}

// NewHandler creates a new subscription handler. deliveries may be nil.
func NewHandler(svc *Service, deliveries DeliveryLister) *Handler {
	return &Handler{svc: svc, deliveries: deliveries}
}

// RegisterRoutes registers the FHIR endpoints and the admin delivery log.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	fg := fhirGroup.Group("", auth.RequireRole(auth.RoleSubscriber))
	fg.GET("/Subscription", h.SearchSubscriptionsFHIR)
	fg.POST("/Subscription/_search", h.SearchSubscriptionsFHIR)
	fg.GET("/Subscription/:id", h.GetSubscriptionFHIR)
	fg.POST("/Subscription", h.CreateSubscriptionFHIR)
	fg.PUT("/Subscription/:id", h.UpdateSubscriptionFHIR)
	fg.DELETE("/Subscription/:id", h.DeleteSubscriptionFHIR)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/subscriptions/:id/deliveries", h.ListDeliveries)
}

func (h *Handler) fail(c echo.Context, err error) error {
	id := c.Param("id")
	switch {
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", id))
	case errors.Is(err, ErrValidation):
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error()))
	case errors.Is(err, ErrVersionConflict):
		return c.JSON(http.StatusPreconditionFailed, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeConflict, err.Error()))
	case errors.Is(err, ErrAlreadyExists):
		return c.JSON(http.StatusConflict, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeConflict, err.Error()))
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
}

func (h *Handler) respond(c echo.Context, status int, sub *Subscription) error {
	body, err := sub.MarshalFHIR()
	if err != nil {
		return h.fail(c, err)
	}
	fhir.SetVersionHeaders(c, sub.VersionID, sub.UpdatedAt)
	return c.JSONBlob(status, body)
}

func readSubscription(c echo.Context) (*Subscription, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	sub, err := ParseFHIR(body)
	if err != nil {
		return nil, errors.Wrap(ErrValidation, err.Error())
	}
	return sub, nil
}

// SearchSubscriptionsFHIR handles GET /fhir/Subscription.
func (h *Handler) SearchSubscriptionsFHIR(c echo.Context) error {
	query := c.QueryParams()
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return h.fail(c, errors.Wrap(ErrValidation, err.Error()))
		}
		query = form
	}
	pg := pagination.FromValues(query)
	filters := fhir.SearchFilters(query)

	items, total, err := h.svc.SearchSubscriptions(c.Request().Context(), SearchQuery{
		Params: filters,
		Sort:   fhir.ParseSort(query.Get("_sort")),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return h.fail(c, err)
	}

	entries := make([]fhir.SearchEntry, 0, len(items))
	for _, item := range items {
		raw, err := item.MarshalFHIR()
		if err != nil {
			return h.fail(c, err)
		}
		entries = append(entries, fhir.SearchEntry{Reference: "Subscription/" + item.FHIRID, Resource: raw})
	}
	if s := query.Get("_sort"); s != "" {
		filters.Set("_sort", s)
	}
	links := fhir.PageLinks(pg.FHIRLinks("/fhir/Subscription", filters, total))
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(entries, total, "/fhir", links))
}

// GetSubscriptionFHIR handles GET /fhir/Subscription/:id.
func (h *Handler) GetSubscriptionFHIR(c echo.Context) error {
	sub, err := h.svc.GetSubscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, sub)
}

// CreateSubscriptionFHIR handles POST /fhir/Subscription. The server assigns the id.
func (h *Handler) CreateSubscriptionFHIR(c echo.Context) error {
	sub, err := readSubscription(c)
	if err != nil {
		return h.fail(c, err)
	}
	sub.FHIRID = ""
	if err := h.svc.CreateSubscription(c.Request().Context(), sub); err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/Subscription/"+sub.FHIRID+"/_history/"+strconv.Itoa(sub.VersionID))
	return h.respond(c, http.StatusCreated, sub)
}

// UpdateSubscriptionFHIR handles PUT /fhir/Subscription/:id. An unknown id
// is created with that id.
func (h *Handler) UpdateSubscriptionFHIR(c echo.Context) error {
	sub, err := readSubscription(c)
	if err != nil {
		return h.fail(c, err)
	}
	id := c.Param("id")
	if sub.FHIRID != "" && sub.FHIRID != id {
		return h.fail(c, errors.Wrapf(ErrValidation, "resource id %q does not match URL id %q", sub.FHIRID, id))
	}
	sub.FHIRID = id

	version, err := fhir.IfMatchVersion(c)
	if err != nil {
		return h.fail(c, err)
	}

	ctx := c.Request().Context()
	if _, err := h.svc.GetSubscription(ctx, id); errors.Is(err, ErrNotFound) {
		if err := h.svc.CreateSubscription(ctx, sub); err != nil {
			return h.fail(c, err)
		}
		return h.respond(c, http.StatusCreated, sub)
	} else if err != nil {
		return h.fail(c, err)
	}

	if err := h.svc.UpdateSubscription(ctx, sub, version); err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, sub)
}

// DeleteSubscriptionFHIR handles DELETE /fhir/Subscription/:id.
func (h *Handler) DeleteSubscriptionFHIR(c echo.Context) error {
	if err := h.svc.DeleteSubscription(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListDeliveries handles GET /api/v1/subscriptions/:id/deliveries.
func (h *Handler) ListDeliveries(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.svc.GetSubscription(ctx, id); err != nil {
		return h.fail(c, err)
	}
	pg := pagination.FromContext(c)
	if h.deliveries == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"data": []*webhook.DeliveryAttempt{}, "total": 0})
	}
	items, total, err := h.deliveries.Deliveries(ctx, id, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":   items,
		"total":  total,
		"limit":  pg.Limit,
		"offset": pg.Offset,
	})
}
