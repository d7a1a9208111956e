package entitlement

import (
	"encoding/json"
	"time"
)

// Tier is a user's entitlement level
type Tier string

const (
	// TierFree is the default tier for every new user
	TierFree Tier = "free"
	// TierPaid is an active recurring subscription
	TierPaid Tier = "paid"
	// TierLifetime is a one-time purchase that does not expire
	TierLifetime Tier = "lifetime"
)

// Valid reports whether t is one of the known tiers
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPaid, TierLifetime:
		return true
	}
	return false
}

// Premium reports whether t unlocks paid features and the paid ceiling
func (t Tier) Premium() bool {
	return t == TierPaid || t == TierLifetime
}

// DateLayout is the calendar date format used for usage windows and view dates
const DateLayout = "2006-01-02"

// DefaultTimezone is used when a user has no timezone or an unloadable one
const DefaultTimezone = "UTC"

// Entitlement is the per-user subscription record
type Entitlement struct {
	UserID string

	// SubscriberID links the user to the payment provider. Empty means unlinked.
	SubscriberID string

	Tier      Tier
	ProductID string

	// ExpiresAt is nil when the entitlement does not expire
	ExpiresAt   *time.Time
	TrialEndsAt *time.Time

	// DailyCount counts content views against WindowDate (YYYY-MM-DD, user local)
	DailyCount int
	WindowDate string
	Timezone   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the entitlement
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	c := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	if e.TrialEndsAt != nil {
		t := *e.TrialEndsAt
		c.TrialEndsAt = &t
	}
	return &c
}

// Features are the capabilities unlocked by a tier
type Features struct {
	UnlimitedAffirmations bool `json:"unlimitedAffirmations"`
	PremiumAffirmations   bool `json:"premiumAffirmations"`
	DownloadBackgrounds   bool `json:"downloadBackgrounds"`
}

// Status is the client-facing view of an entitlement
type Status struct {
	Status        Tier       `json:"status"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	TrialEndsAt   *time.Time `json:"trialEndsAt"`
	IsTrialActive bool       `json:"isTrialActive"`
	Features      Features   `json:"features"`
}

// StatusOf derives the client status of ent at now
func StatusOf(ent *Entitlement, now time.Time) *Status {
	premium := ent.Tier.Premium()
	return &Status{
		Status:        ent.Tier,
		ExpiresAt:     ent.ExpiresAt,
		TrialEndsAt:   ent.TrialEndsAt,
		IsTrialActive: ent.TrialEndsAt != nil && ent.TrialEndsAt.After(now),
		Features: Features{
			UnlimitedAffirmations: premium,
			PremiumAffirmations:   premium,
			DownloadBackgrounds:   premium,
		},
	}
}

// ViewSource is where a content view happened
type ViewSource string

const (
	ViewSourceApp          ViewSource = "app"
	ViewSourceWidget       ViewSource = "widget"
	ViewSourceNotification ViewSource = "notification"
)

// Valid reports whether s is a known view source
func (s ViewSource) Valid() bool {
	switch s {
	case ViewSourceApp, ViewSourceWidget, ViewSourceNotification:
		return true
	}
	return false
}

// View is one append-only content view record.
// UserID is empty for anonymous views.
type View struct {
	ID            string
	UserID        string
	AffirmationID string
	Source        ViewSource
	ViewedAt      time.Time
}

// LedgerEntry is one processed provider event
type LedgerEntry struct {
	EventID   string
	EventType string
	AppUserID string

	// ResolvedUserID is empty when no local user matched at processing time
	ResolvedUserID string

	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           *time.Time
	ExpirationAt          *time.Time
	Price                 *float64
	Currency              string

	// RawPayload is the verbatim request body
	RawPayload  json.RawMessage
	ProcessedAt time.Time
}

// EntryFor builds the ledger entry recorded for ev
func EntryFor(ev Event, raw []byte, now time.Time) LedgerEntry {
	m := ev.Meta()
	return LedgerEntry{
		EventID:               m.ID,
		EventType:             m.Type,
		AppUserID:             m.AppUserID,
		ProductID:             m.ProductID,
		TransactionID:         m.TransactionID,
		OriginalTransactionID: m.OriginalTransactionID,
		PurchasedAt:           m.PurchasedAt,
		ExpirationAt:          m.ExpiresAt,
		Price:                 m.Price,
		Currency:              m.Currency,
		RawPayload:            json.RawMessage(raw),
		ProcessedAt:           now,
	}
}

// ApplyRequest asks a store to ledger an event and apply its transition
// to the user linked to Entry.AppUserID, in one atomic unit.
type ApplyRequest struct {
	Entry      LedgerEntry
	Event      Event
	Classifier Classifier
}

// TransitionFor runs the state machine against the user's current tier.
// Stores call it inside the same transaction that writes the ledger row.
func (r *ApplyRequest) TransitionFor(current Tier) Transition {
	if r.Event == nil {
		return Transition{From: current}
	}
	return Next(current, r.Event, r.Classifier)
}

// ApplyResult reports what ApplyEvent did
type ApplyResult struct {
	// Duplicate is true when the event id was already in the ledger; nothing changed
	Duplicate bool

	// UserID is the resolved local user, empty when the subscriber is not linked
	UserID string

	// Changed is true when the entitlement row was modified
	Changed bool

	PreviousTier Tier
	Tier         Tier
}

// ConsumeRequest asks a store to atomically take one unit of daily quota
type ConsumeRequest struct {
	UserID string

	// Now is evaluated in the user's timezone to find today's window
	Now time.Time

	FreeLimit int
	PaidLimit int
}

// ConsumeResult is the outcome of a ConsumeDaily call
type ConsumeResult struct {
	Allowed bool

	// Count is the usage count for today after the call
	Count int
	Tier  Tier

	// WindowDate is the local day (YYYY-MM-DD) the count belongs to
	WindowDate string
}

// Decision is the quota gate's answer
type Decision struct {
	Allowed bool `json:"allowed"`

	// Remaining is -1 for unlimited (premium) users
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
	Tier      Tier `json:"tier"`

	// WindowDate is the day a unit was taken from. Empty when nothing was consumed.
	WindowDate string `json:"-"`
}

// Streak holds consecutive-day engagement statistics
type Streak struct {
	CurrentStreak int      `json:"currentStreak"`
	LongestStreak int      `json:"longestStreak"`
	ViewDates     []string `json:"viewDates"`
}
