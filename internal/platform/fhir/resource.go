package fhir

import (
	"context"
	"encoding/json"
	"time"
)

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
	ValueURI    string `json:"valueUri,omitempty"`
}

// ResourceEvent is published by the write path once a resource change is
// durably committed.
type ResourceEvent struct {
	ResourceType string
	ResourceID   string
	VersionID    string
	Action       string // create, update, delete
	Resource     json.RawMessage
	OccurredAt   time.Time
}

// Reference returns the relative literal reference, e.g. "Observation/123".
func (e ResourceEvent) Reference() string {
	return e.ResourceType + "/" + e.ResourceID
}

// ResourceEventListener is notified after every committed resource write.
// Implementations must not block the writer for long.
type ResourceEventListener interface {
	OnResourceEvent(ctx context.Context, event ResourceEvent)
}
