package revenuecat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/billing"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const providerName = "revenuecat"

// webhookPayload is the RevenueCat webhook envelope. Unknown fields are ignored.
type webhookPayload struct {
	APIVersion string          `json:"api_version"`
	Event      json.RawMessage `json:"event"`
}

type webhookEvent struct {
	ID                    string   `json:"id"`
	Type                  string   `json:"type"`
	AppUserID             string   `json:"app_user_id"`
	ProductID             string   `json:"product_id"`
	TransactionID         string   `json:"transaction_id"`
	OriginalTransactionID string   `json:"original_transaction_id"`
	PurchasedAtMs         *int64   `json:"purchased_at_ms"`
	ExpirationAtMs        *int64   `json:"expiration_at_ms"`
	Price                 *float64 `json:"price"`
	Currency              string   `json:"currency"`
}

// Parser decodes RevenueCat webhook bodies into entitlement events
type Parser struct{}

// NewParser creates a RevenueCat payload parser
func NewParser() *Parser {
	return &Parser{}
}

// Name returns "revenuecat"
func (p *Parser) Name() string {
	return providerName
}

// Parse decodes body. Event types this system does not know are returned as
// entitlement.Unrecognized; only malformed payloads are errors.
func (p *Parser) Parse(body []byte) (entitlement.Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}
	raw := bytes.TrimSpace(payload.Event)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing event", billing.ErrInvalidPayload)
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}

	meta := entitlement.EventMeta{
		ID:                    strings.TrimSpace(ev.ID),
		Type:                  strings.TrimSpace(ev.Type),
		AppUserID:             strings.TrimSpace(ev.AppUserID),
		ProductID:             strings.TrimSpace(ev.ProductID),
		TransactionID:         ev.TransactionID,
		OriginalTransactionID: ev.OriginalTransactionID,
		PurchasedAt:           parseEventTimestamp(ev.PurchasedAtMs),
		ExpiresAt:             parseEventTimestamp(ev.ExpirationAtMs),
		Price:                 ev.Price,
		Currency:              ev.Currency,
	}
	switch {
	case meta.ID == "":
		return nil, fmt.Errorf("%w: missing event.id", billing.ErrInvalidPayload)
	case meta.Type == "":
		return nil, fmt.Errorf("%w: missing event.type", billing.ErrInvalidPayload)
	case meta.AppUserID == "":
		return nil, fmt.Errorf("%w: missing event.app_user_id", billing.ErrInvalidPayload)
	}

	return toEvent(meta, raw), nil
}

func toEvent(meta entitlement.EventMeta, raw json.RawMessage) entitlement.Event {
	switch strings.ToUpper(meta.Type) {
	case "INITIAL_PURCHASE":
		return entitlement.Purchase{EventMeta: meta, Kind: entitlement.PurchaseInitial}
	case "RENEWAL":
		return entitlement.Purchase{EventMeta: meta, Kind: entitlement.PurchaseRenewal}
	case "UNCANCELLATION":
		return entitlement.Purchase{EventMeta: meta, Kind: entitlement.PurchaseUncancellation}
	case "PRODUCT_CHANGE":
		return entitlement.Purchase{EventMeta: meta, Kind: entitlement.PurchaseProductChange}
	case "NON_RENEWING_PURCHASE":
		return entitlement.NonRenewingPurchase{EventMeta: meta}
	case "EXPIRATION":
		return entitlement.Expiration{EventMeta: meta}
	case "CANCELLATION":
		return entitlement.StatusUpdate{EventMeta: meta, Kind: entitlement.StatusCancellation}
	case "BILLING_ISSUE":
		return entitlement.StatusUpdate{EventMeta: meta, Kind: entitlement.StatusBillingIssue}
	case "SUBSCRIPTION_PAUSED":
		return entitlement.StatusUpdate{EventMeta: meta, Kind: entitlement.StatusSubscriptionPaused}
	case "TRANSFER":
		return entitlement.Transfer{EventMeta: meta}
	case "TEST":
		return entitlement.TestEvent{EventMeta: meta}
	default:
		return entitlement.Unrecognized{EventMeta: meta, Raw: append(json.RawMessage(nil), raw...)}
	}
}

// parseEventTimestamp converts a millisecond timestamp to time.Time.
// Absent, null and non-positive values yield nil.
func parseEventTimestamp(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
