// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTenantID  = "tenant_id"
	FieldDeviceID  = "device_id"
	FieldMessageID = "message_id"
	FieldAPIKeyID  = "api_key_id"
	FieldWebhookID = "webhook_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Messaging fields
	FieldStatus    = "status"
	FieldAttempts  = "attempts"
	FieldErrorCode = "error_code"
	FieldEventType = "event_type"
)
