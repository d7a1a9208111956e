package billing

import (
	"context"
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// WebhookEvent describes an entitlement change caused by a webhook.
// It is passed to the WebhookCallback after the change is committed.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	PreviousTier entitlement.Tier
	NewTier      entitlement.Tier

	// Provider is the billing provider name ("revenuecat")
	Provider string

	// EventID and EventType are the provider's identifiers
	EventID   string
	EventType string

	// ProcessedAt is when the event was ledgered
	ProcessedAt time.Time

	// ExpiresAt is the event's expiration field (nil when absent)
	ExpiresAt *time.Time

	ProductID string
}

// WebhookCallback runs after an entitlement change is committed.
// Errors are logged; they never fail the webhook.
type WebhookCallback func(ctx context.Context, event WebhookEvent) error
