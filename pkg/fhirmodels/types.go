package fhirmodels

// Value set constants shared by the subscription domain and the notification engine.

// SubscriptionStatus values per FHIR R4.
const (
	SubscriptionStatusRequested = "requested"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusError     = "error"
	SubscriptionStatusOff       = "off"
)

// SubscriptionChannelType values per FHIR R4.
const (
	ChannelTypeRestHook  = "rest-hook"
	ChannelTypeWebsocket = "websocket"
	ChannelTypeEmail     = "email"
	ChannelTypeSMS       = "sms"
	ChannelTypeMessage   = "message"
)

// Channel payload mime types.
const (
	PayloadJSON     = "application/json"
	PayloadFHIRJSON = "application/fhir+json"
	PayloadFHIRXML  = "application/fhir+xml"
)

// Resource write actions carried on resource events.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// SubscriptionStatuses lists every valid subscription status.
var SubscriptionStatuses = []string{
	SubscriptionStatusRequested,
	SubscriptionStatusActive,
	SubscriptionStatusError,
	SubscriptionStatusOff,
}

// ChannelTypes lists every channel type accepted on write.
var ChannelTypes = []string{
	ChannelTypeRestHook,
	ChannelTypeWebsocket,
	ChannelTypeEmail,
	ChannelTypeSMS,
	ChannelTypeMessage,
}

// IsResourcePayload reports whether a channel payload asks for the full
// resource body instead of a bare ping.
func IsResourcePayload(payload string) bool {
	return payload == PayloadFHIRJSON
}
