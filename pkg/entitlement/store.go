package entitlement

import "context"

// EntitlementStore persists per-user entitlement records
type EntitlementStore interface {
	// GetEntitlement retrieves a user's entitlement.
	// Returns ErrNotFound if the user has no record.
	GetEntitlement(ctx context.Context, userID string) (*Entitlement, error)

	// CreateEntitlement inserts ent unless a record for ent.UserID already exists.
	// Returns the stored record in either case.
	CreateEntitlement(ctx context.Context, ent *Entitlement) (*Entitlement, error)

	// LinkSubscriber sets the provider subscriber id on a user's record.
	// Returns ErrNotFound for an unknown user and ErrConflict if another
	// user already owns subscriberID.
	LinkSubscriber(ctx context.Context, userID, subscriberID string) error

	// SetTimezone updates the zone used for the user's daily window
	SetTimezone(ctx context.Context, userID, tz string) error

	// DeleteEntitlement removes the record and the user's views.
	// Ledger rows keep the event but lose the resolved user.
	DeleteEntitlement(ctx context.Context, userID string) error

	// ConsumeDaily atomically takes one unit of today's quota.
	// The window resets lazily when the stored date differs from today.
	// When the ceiling is reached nothing is written and Allowed is false.
	// Returns ErrNotFound if the user has no record.
	ConsumeDaily(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error)

	// ReleaseDaily gives back one unit taken by ConsumeDaily on windowDate.
	// Nothing changes if the window has since rolled over or the count is zero.
	ReleaseDaily(ctx context.Context, userID, windowDate string) error
}

// Ledger records processed provider events
type Ledger interface {
	// HasProcessed reports whether eventID is already in the ledger
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// ApplyEvent records req.Entry and applies req.Event's transition to the user
	// linked to req.Entry.AppUserID, in a single atomic unit. A duplicate
	// event id is not an error: the result has Duplicate set and nothing changes.
	ApplyEvent(ctx context.Context, req *ApplyRequest) (*ApplyResult, error)

	// GetLedgerEntry returns a processed event.
	// Returns nil if the event is not in the ledger (not an error).
	GetLedgerEntry(ctx context.Context, eventID string) (*LedgerEntry, error)
}

// ViewLog records content views
type ViewLog interface {
	// RecordView appends a view record
	RecordView(ctx context.Context, v *View) error

	// ViewDates returns the distinct dates (YYYY-MM-DD in tz) on which the
	// user viewed content, most recent first
	ViewDates(ctx context.Context, userID, tz string) ([]string, error)
}

// Store is the full persistence contract of the entitlement pipeline
type Store interface {
	EntitlementStore
	Ledger
	ViewLog

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error
}
