package billing

import (
	"net/http"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// Parser turns a provider's webhook body into an entitlement event.
// Unknown event types must come back as entitlement.Unrecognized, not an error.
type Parser interface {
	// Name returns the provider name (e.g., "revenuecat")
	Name() string

	// Parse decodes body. Returns ErrInvalidPayload for malformed input.
	Parse(body []byte) (entitlement.Event, error)
}

// Provider exposes a billing backend's webhook endpoint.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler
}
