package subscription

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/caramel/to"
	r4 "github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/ehr/fhirsub/pkg/fhirmodels"
)

// Subscription maps to the subscription table (FHIR Subscription resource).
type Subscription struct {
	ID              uuid.UUID  `db:"id" json:"id" yaml:"-"`
	FHIRID          string     `db:"fhir_id" json:"fhir_id" yaml:"id"`
	Status          string     `db:"status" json:"status" yaml:"status"`
	Reason          string     `db:"reason" json:"reason" yaml:"reason"`
	Criteria        string     `db:"criteria" json:"criteria" yaml:"criteria"`
	ChannelType     string     `db:"channel_type" json:"channel_type" yaml:"channelType"`
	ChannelEndpoint string     `db:"channel_endpoint" json:"channel_endpoint" yaml:"endpoint"`
	ChannelPayload  string     `db:"channel_payload" json:"channel_payload" yaml:"payload"`
	ChannelHeaders  []string   `db:"channel_headers" json:"channel_headers,omitempty" yaml:"headers"`
	EndTime         *time.Time `db:"end_time" json:"end_time,omitempty" yaml:"end"`
	ErrorText       *string    `db:"error_text" json:"error_text,omitempty" yaml:"-"`
	VersionID       int        `db:"version_id" json:"version_id" yaml:"-"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at" yaml:"-"`
}

// Expired reports whether the subscription's end time is before now.
func (s *Subscription) Expired(now time.Time) bool {
	return s.EndTime != nil && s.EndTime.Before(now)
}

// ToFHIR converts the Subscription to a FHIR R4 Subscription resource.
func (s *Subscription) ToFHIR() r4.Subscription {
	out := r4.Subscription{
		Id:       to.Ptr(s.FHIRID),
		Status:   statusToFHIR(s.Status),
		Reason:   s.Reason,
		Criteria: s.Criteria,
		Error:    s.ErrorText,
		Channel: r4.SubscriptionChannel{
			Type:   channelTypeToFHIR(s.ChannelType),
			Header: s.ChannelHeaders,
		},
		Meta: &r4.Meta{
			VersionId:   to.Ptr(strconv.Itoa(s.VersionID)),
			LastUpdated: to.Ptr(s.UpdatedAt.UTC().Format(time.RFC3339)),
		},
	}
	if s.ChannelEndpoint != "" {
		out.Channel.Endpoint = to.Ptr(s.ChannelEndpoint)
	}
	if s.ChannelPayload != "" {
		out.Channel.Payload = to.Ptr(s.ChannelPayload)
	}
	if s.EndTime != nil {
		out.End = to.Ptr(s.EndTime.UTC().Format(time.RFC3339))
	}
	return out
}

// MarshalFHIR renders the FHIR JSON form.
func (s *Subscription) MarshalFHIR() ([]byte, error) {
	return json.Marshal(s.ToFHIR())
}

// FromFHIR converts a FHIR R4 Subscription into the domain model.
func FromFHIR(res r4.Subscription) (*Subscription, error) {
	sub := &Subscription{
		Status:         res.Status.Code(),
		Reason:         res.Reason,
		Criteria:       res.Criteria,
		ChannelType:    res.Channel.Type.Code(),
		ChannelHeaders: res.Channel.Header,
		ErrorText:      res.Error,
	}
	if res.Id != nil {
		sub.FHIRID = *res.Id
	}
	if res.Channel.Endpoint != nil {
		sub.ChannelEndpoint = *res.Channel.Endpoint
	}
	if res.Channel.Payload != nil {
		sub.ChannelPayload = *res.Channel.Payload
	}
	if res.End != nil && *res.End != "" {
		end, err := parseInstant(*res.End)
		if err != nil {
			return nil, errors.Wrap(err, "end")
		}
		sub.EndTime = &end
	}
	return sub, nil
}

// ParseFHIR decodes a FHIR JSON Subscription body.
func ParseFHIR(body []byte) (*Subscription, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	if head.ResourceType != "" && head.ResourceType != "Subscription" {
		return nil, errors.Errorf("expected resourceType Subscription, got %q", head.ResourceType)
	}

	var res r4.Subscription
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, errors.Wrap(err, "invalid Subscription")
	}
	return FromFHIR(res)
}

func parseInstant(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognised instant %q", v)
}

func statusToFHIR(status string) r4.SubscriptionStatus {
	switch status {
	case fhirmodels.SubscriptionStatusActive:
		return r4.SubscriptionStatusActive
	case fhirmodels.SubscriptionStatusError:
		return r4.SubscriptionStatusError
	case fhirmodels.SubscriptionStatusOff:
		return r4.SubscriptionStatusOff
	default:
		return r4.SubscriptionStatusRequested
	}
}

func channelTypeToFHIR(channelType string) r4.SubscriptionChannelType {
	switch channelType {
	case fhirmodels.ChannelTypeWebsocket:
		return r4.SubscriptionChannelTypeWebsocket
	case fhirmodels.ChannelTypeEmail:
		return r4.SubscriptionChannelTypeEmail
	case fhirmodels.ChannelTypeSMS:
		return r4.SubscriptionChannelTypeSms
	case fhirmodels.ChannelTypeMessage:
		return r4.SubscriptionChannelTypeMessage
	default:
		return r4.SubscriptionChannelTypeRestHook
	}
}
