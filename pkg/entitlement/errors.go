package entitlement

import "errors"

var (
	// ErrUnauthorized is returned when a caller cannot be authenticated
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a user has no entitlement record
	ErrNotFound = errors.New("entitlement not found")

	// ErrConflict is returned when a subscriber id is already linked to another user
	ErrConflict = errors.New("subscriber already linked to another user")

	// ErrTransient is returned when the store is unavailable or timed out; safe to retry
	ErrTransient = errors.New("transient storage failure")

	// ErrQuotaExceeded is returned when the daily ceiling is reached
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrInvalidSubscriberID is returned for an empty provider subscriber id
	ErrInvalidSubscriberID = errors.New("invalid subscriber id")

	// ErrInvalidTimezone is returned for a timezone name the runtime cannot load
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidViewSource is returned for a view source other than app, widget or notification
	ErrInvalidViewSource = errors.New("invalid view source")

	// ErrInvalidUserID is returned for an empty user id
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrStorageUnavailable is returned when a component is built without a store
	ErrStorageUnavailable = errors.New("storage unavailable")
)
