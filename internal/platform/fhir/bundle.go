package fhir

import (
	"encoding/json"
	"time"

	"github.com/ehr/fhirsub/pkg/fhirmodels"
	"github.com/ehr/fhirsub/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// SearchEntry is one resource in a search result.
type SearchEntry struct {
	Reference string
	Resource  json.RawMessage
}

// NewSearchBundle creates a searchset Bundle. Links are supplied by the caller.
func NewSearchBundle(entries []SearchEntry, total int, baseURL string, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	out := make([]BundleEntry, len(entries))
	for i, e := range entries {
		out[i] = BundleEntry{
			FullURL:  baseURL + "/" + e.Reference,
			Resource: e.Resource,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         links,
		Entry:        out,
	}
}

// PageLinks converts paging links into Bundle links.
func PageLinks(links []pagination.FHIRLink) []BundleLink {
	out := make([]BundleLink, len(links))
	for i, l := range links {
		out[i] = BundleLink{Relation: l.Relation, URL: l.URL}
	}
	return out
}

// NewNotificationBundle wraps a written resource in the history Bundle
// posted to rest-hook endpoints.
func NewNotificationBundle(event ResourceEvent) *Bundle {
	now := time.Now().UTC()
	total := 1
	ref := event.Reference()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry: []BundleEntry{
			{
				FullURL:  ref,
				Resource: event.Resource,
				Request: &BundleRequest{
					Method: actionToMethod(event.Action),
					URL:    ref,
				},
			},
		},
	}
}

func actionToMethod(action string) string {
	switch action {
	case fhirmodels.ActionCreate:
		return "POST"
	case fhirmodels.ActionDelete:
		return "DELETE"
	default:
		return "PUT"
	}
}
