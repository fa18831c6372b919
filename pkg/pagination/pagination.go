package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts _count and _offset from the echo context.
func FromContext(c echo.Context) Params {
	return FromValues(c.QueryParams())
}

// FromValues is FromContext for an already parsed query string.
func FromValues(q url.Values) Params {
	limit, _ := strconv.Atoi(q.Get("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(q.Get("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Bounds returns the half-open [start, end) window of a result set of the given size.
func (p Params) Bounds(total int) (int, int) {
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return start, end
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// FHIRLinks generates Bundle links for a search result. Filters are carried
// over into every link; their own _count and _offset are replaced.
func (p Params) FHIRLinks(basePath string, filters url.Values, total int) []FHIRLink {
	links := []FHIRLink{{Relation: "self", URL: p.link(basePath, filters, p.Offset)}}

	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: p.link(basePath, filters, p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: p.link(basePath, filters, p.PreviousOffset())})
	}
	return links
}

func (p Params) link(basePath string, filters url.Values, offset int) string {
	q := url.Values{}
	for k, v := range filters {
		if k == "_count" || k == "_offset" {
			continue
		}
		q[k] = v
	}
	q.Set("_offset", strconv.Itoa(offset))
	q.Set("_count", strconv.Itoa(p.Limit))
	return fmt.Sprintf("%s?%s", basePath, q.Encode())
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
