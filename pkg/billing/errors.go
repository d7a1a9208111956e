package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when the ingestor is built without a store or parser
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrSecretNotConfigured is returned when no webhook secret is set outside test mode
	ErrSecretNotConfigured = errors.New("webhook secret not configured")

	// ErrTestModeInProduction is returned when test mode is requested in production
	ErrTestModeInProduction = errors.New("billing test mode is not allowed in production")

	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")
)
