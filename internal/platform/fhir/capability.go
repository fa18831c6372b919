package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// WebsocketExtensionURL advertises the subscription websocket endpoint.
const WebsocketExtensionURL = "http://hl7.org/fhir/StructureDefinition/capabilitystatement-websocket"

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Software       *CSSoftware       `json:"software,omitempty"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSSoftware struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode      string       `json:"mode"`
	Extension []Extension  `json:"extension,omitempty"`
	Security  *CSSecurity  `json:"security,omitempty"`
	Resource  []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
	SearchParam []CSSearchParam `json:"searchParam,omitempty"`
	Versioning  string          `json:"versioning,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type CSSecurity struct {
	CORS bool `json:"cors"`
}

// DefaultInteractions is the interaction set of a writable resource type.
func DefaultInteractions() []string {
	return []string{"read", "search-type", "create", "update", "delete"}
}

// CapabilityBuilder accumulates resource registrations made while routes are
// registered, so /metadata reflects only what the server actually serves.
type CapabilityBuilder struct {
	mu           sync.RWMutex
	resources    map[string]CSResource
	baseURL      string
	version      string
	websocketURL string
}

// NewCapabilityBuilder creates a new builder. The baseURL is the FHIR server
// base URL (e.g., "http://localhost:8000/fhir").
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources: make(map[string]CSResource),
		baseURL:   baseURL,
		version:   version,
	}
}

// AddResource registers (or replaces) a resource type.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, searchParams []CSSearchParam) {
	res := CSResource{
		Type:        resourceType,
		SearchParam: searchParams,
		Versioning:  "versioned",
	}
	for _, code := range interactions {
		res.Interaction = append(res.Interaction, CSInteraction{Code: code})
	}

	b.mu.Lock()
	b.resources[resourceType] = res
	b.mu.Unlock()
}

// SetWebsocketURL adds the websocket extension to the rest entry.
func (b *CapabilityBuilder) SetWebsocketURL(url string) {
	b.mu.Lock()
	b.websocketURL = url
	b.mu.Unlock()
}

// ResourceTypes returns the registered types, sorted.
func (b *CapabilityBuilder) ResourceTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.resources))
	for t := range b.resources {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build produces the CapabilityStatement.
func (b *CapabilityBuilder) Build() *CapabilityStatement {
	types := b.ResourceTypes()

	b.mu.RLock()
	defer b.mu.RUnlock()

	rest := CSRest{
		Mode:     "server",
		Security: &CSSecurity{CORS: true},
		Resource: make([]CSResource, 0, len(types)),
	}
	for _, t := range types {
		rest.Resource = append(rest.Resource, b.resources[t])
	}
	if b.websocketURL != "" {
		rest.Extension = []Extension{{URL: WebsocketExtensionURL, ValueURI: b.websocketURL}}
	}

	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Software:     &CSSoftware{Name: "fhirsub", Version: b.version},
		Implementation: &CSImplementation{
			Description: "FHIR subscription notification server",
			URL:         b.baseURL,
		},
		Rest: []CSRest{rest},
	}
}

// CapabilityHandler serves the CapabilityStatement.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

// NewCapabilityHandler creates a handler backed by the given builder.
func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

// RegisterRoutes registers the metadata endpoint on the FHIR group.
func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

// GetMetadata returns the full CapabilityStatement.
func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.builder.Build())
}
