package resource

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/ehr/fhirsub/internal/platform/fhir"
	"github.com/ehr/fhirsub/pkg/pagination"
)

// Handler serves the generic FHIR REST interactions for hosted types.
type Handler struct {
	svc *Service
}

// NewHandler creates a new resource handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts /:type routes on the FHIR group. Static routes such
// as /Subscription and /metadata take precedence in echo's router.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	read := fhirGroup.Group("", auth.RequireRole(auth.RoleSubscriber, auth.RoleWriter))
	read.GET("/:type", h.Search)
	read.POST("/:type/_search", h.Search)
	read.GET("/:type/:id", h.Read)

	write := fhirGroup.Group("", auth.RequireRole(auth.RoleWriter))
	write.POST("/:type", h.Create)
	write.PUT("/:type/:id", h.Update)
	write.DELETE("/:type/:id", h.Delete)
}

func (h *Handler) fail(c echo.Context, err error) error {
	typ, id := c.Param("type"), c.Param("id")
	switch {
	case errors.Is(err, ErrUnsupportedType):
		return c.JSON(http.StatusNotFound, fhir.NotSupportedOutcome("resource type "+typ+" is not supported"))
	case errors.Is(err, ErrNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(typ, id))
	case errors.Is(err, ErrGone):
		return c.JSON(http.StatusGone, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, typ+"/"+id+" has been deleted"))
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

func (h *Handler) respond(c echo.Context, status int, r *Resource) error {
	fhir.SetVersionHeaders(c, r.VersionID, r.LastUpdated)
	return c.Blob(status, "application/fhir+json", r.Body)
}

func (h *Handler) location(c echo.Context, r *Resource) {
	c.Response().Header().Set("Location", "/fhir/"+r.Reference()+"/_history/"+strconv.Itoa(r.VersionID))
}

// Create handles POST /fhir/:type.
func (h *Handler) Create(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.fail(c, errors.Wrap(err, "read request body"))
	}
	r, err := h.svc.Create(c.Request().Context(), c.Param("type"), body)
	if err != nil {
		return h.fail(c, err)
	}
	h.location(c, r)
	return h.respond(c, http.StatusCreated, r)
}

// Update handles PUT /fhir/:type/:id.
func (h *Handler) Update(c echo.Context) error {
	version, err := fhir.IfMatchVersion(c)
	if err != nil {
		return h.fail(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return h.fail(c, errors.Wrap(err, "read request body"))
	}
	r, created, err := h.svc.Update(c.Request().Context(), c.Param("type"), c.Param("id"), body, version)
	if err != nil {
		return h.fail(c, err)
	}
	if created {
		h.location(c, r)
		return h.respond(c, http.StatusCreated, r)
	}
	return h.respond(c, http.StatusOK, r)
}

// Read handles GET /fhir/:type/:id.
func (h *Handler) Read(c echo.Context) error {
	r, err := h.svc.Get(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.respond(c, http.StatusOK, r)
}

// Delete handles DELETE /fhir/:type/:id.
func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Search handles GET /fhir/:type and POST /fhir/:type/_search.
func (h *Handler) Search(c echo.Context) error {
	typ := c.Param("type")
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
	res, err := h.svc.Search(c.Request().Context(), typ, filters, fhir.ParseSort(query.Get("_sort")), pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}

	entries := make([]fhir.SearchEntry, len(res.Items))
	for i, r := range res.Items {
		entries[i] = fhir.SearchEntry{Reference: r.Reference(), Resource: r.Body}
	}
	if s := query.Get("_sort"); s != "" {
		filters.Set("_sort", s)
	}
	links := fhir.PageLinks(pg.FHIRLinks("/fhir/"+typ, filters, res.Total))
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(entries, res.Total, "/fhir", links))
}
