package entitlement

import (
	"encoding/json"
	"time"
)

// EventMeta carries the fields common to every provider event
type EventMeta struct {
	ID        string
	Type      string
	AppUserID string

	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           *time.Time
	ExpiresAt             *time.Time
	Price                 *float64
	Currency              string
}

// Meta returns the common event fields
func (m EventMeta) Meta() EventMeta { return m }

// Event is a provider event. The set of implementations is closed:
// Purchase, NonRenewingPurchase, Expiration, StatusUpdate, Transfer,
// TestEvent and Unrecognized.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// PurchaseKind distinguishes the purchase-family events
type PurchaseKind string

const (
	PurchaseInitial        PurchaseKind = "INITIAL_PURCHASE"
	PurchaseRenewal        PurchaseKind = "RENEWAL"
	PurchaseUncancellation PurchaseKind = "UNCANCELLATION"
	PurchaseProductChange  PurchaseKind = "PRODUCT_CHANGE"
)

// Purchase grants paid or lifetime access depending on the product
type Purchase struct {
	EventMeta
	Kind PurchaseKind
}

// NonRenewingPurchase is a one-time purchase, treated as lifetime
type NonRenewingPurchase struct {
	EventMeta
}

// Expiration ends paid access
type Expiration struct {
	EventMeta
}

// StatusKind distinguishes events that keep the tier but may move the expiry
type StatusKind string

const (
	StatusCancellation       StatusKind = "CANCELLATION"
	StatusBillingIssue       StatusKind = "BILLING_ISSUE"
	StatusSubscriptionPaused StatusKind = "SUBSCRIPTION_PAUSED"
)

// StatusUpdate keeps the current tier; access lasts until the provider sends Expiration
type StatusUpdate struct {
	EventMeta
	Kind StatusKind
}

// Transfer moves a subscription between provider subscribers. Not implemented.
type Transfer struct {
	EventMeta
}

// TestEvent is sent from the provider dashboard to check connectivity
type TestEvent struct {
	EventMeta
}

// Unrecognized is any event type this system does not know.
// It is ledgered but never mutates an entitlement.
type Unrecognized struct {
	EventMeta
	Raw json.RawMessage
}

func (Purchase) isEvent()            {}
func (NonRenewingPurchase) isEvent() {}
func (Expiration) isEvent()          {}
func (StatusUpdate) isEvent()        {}
func (Transfer) isEvent()            {}
func (TestEvent) isEvent()           {}
func (Unrecognized) isEvent()        {}
