package fhir

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

// WeakETag renders a version id as W/"n".
func WeakETag(versionID int) string {
	return `W/"` + strconv.Itoa(versionID) + `"`
}

// SetVersionHeaders writes ETag, and Last-Modified when lastModified is set.
func SetVersionHeaders(c echo.Context, versionID int, lastModified time.Time) {
	h := c.Response().Header()
	h.Set("ETag", WeakETag(versionID))
	if !lastModified.IsZero() {
		h.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// IfMatchVersion returns the version named by If-Match, or 0 without one.
func IfMatchVersion(c echo.Context) (int, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return 0, nil
	}
	v, err := ParseETag(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, nil
}

// ParseETag accepts W/"3", "3" and 3.
func ParseETag(etag string) (int, error) {
	v := strings.Trim(strings.TrimPrefix(strings.TrimSpace(etag), "W/"), `"`)
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.Errorf("version must be a positive integer, got %q", v)
	}
	return n, nil
}
