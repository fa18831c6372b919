package resource

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Resource is one stored FHIR resource. The body is kept as opaque JSON; only
// id and meta are maintained by the server.
type Resource struct {
	ResourceType string          `db:"resource_type" json:"resourceType"`
	FHIRID       string          `db:"fhir_id" json:"id"`
	VersionID    int             `db:"version_id" json:"versionId"`
	Body         json.RawMessage `db:"resource" json:"resource"`
	Deleted      bool            `db:"deleted" json:"deleted"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
	LastUpdated  time.Time       `db:"last_updated" json:"lastUpdated"`
}

// Reference returns "Type/id".
func (r *Resource) Reference() string {
	return r.ResourceType + "/" + r.FHIRID
}

// decodeBody checks that body is a JSON object of the expected type.
func decodeBody(resourceType string, body []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	if doc == nil {
		return nil, errors.New("resource must be a JSON object")
	}
	rt, _ := doc["resourceType"].(string)
	if rt == "" {
		return nil, errors.New("resourceType is required")
	}
	if rt != resourceType {
		return nil, errors.Errorf("resourceType %q does not match %q", rt, resourceType)
	}
	return doc, nil
}

// stamp writes id, meta.versionId and meta.lastUpdated into doc and
// re-encodes it.
func stamp(doc map[string]interface{}, id string, version int, updated time.Time) (json.RawMessage, error) {
	doc["id"] = id
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = updated.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta
	b, err := json.Marshal(doc)
	return b, errors.Wrap(err, "encode resource")
}
