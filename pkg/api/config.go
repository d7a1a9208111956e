package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	quotahttp "github.com/Elisa-Alvarez/Starlight/middleware/http"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// DefaultUserHeader is the header an upstream gateway sets to the authenticated user id
const DefaultUserHeader = "X-User-ID"

// EntitlementService is the user-facing entitlement API. *entitlement.Service implements it.
type EntitlementService interface {
	Status(ctx context.Context, userID string) (*entitlement.Status, error)
	LinkSubscriber(ctx context.Context, userID, subscriberID string) error
	Restore(ctx context.Context, userID string) (*entitlement.Status, error)
	SetTimezone(ctx context.Context, userID, tz string) error
	TrackView(ctx context.Context, v *entitlement.View) error
	Streak(ctx context.Context, userID string) (*entitlement.Streak, error)
	Delete(ctx context.Context, userID string) error
}

// QuotaGate is the daily quota gate. *entitlement.Gate implements it.
type QuotaGate interface {
	quotahttp.Gate
	Peek(ctx context.Context, userID string) (*entitlement.Decision, error)
	Release(ctx context.Context, userID string, d *entitlement.Decision) error
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Config holds configuration for the API handler
type Config struct {
	// Service serves status, linking, timezone, views and streaks (required)
	Service EntitlementService

	// Gate enforces the daily view quota (required)
	Gate QuotaGate

	// Authenticator resolves the caller. Default: gateway header X-User-ID
	Authenticator Authenticator

	// Webhook is mounted at POST /v1/subscriptions/webhook when set
	Webhook http.Handler

	// Metrics is mounted at GET /metrics when set
	Metrics http.Handler

	// HealthChecks are run by GET /healthz, keyed by dependency name
	HealthChecks map[string]HealthCheck

	// RequestTimeout bounds each API request (default: 10s)
	RequestTimeout time.Duration

	// FreeDailyLimit is reported to anonymous callers of /daily (default: 3)
	FreeDailyLimit int

	// Middlewares run before routing, e.g. an access logger
	Middlewares []func(http.Handler) http.Handler

	Logger entitlement.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Authenticator == nil {
		c.Authenticator = HeaderAuthenticator{Header: DefaultUserHeader}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.FreeDailyLimit <= 0 {
		c.FreeDailyLimit = entitlement.DefaultFreeDailyLimit
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.setDefaults()
	return &Handler{config: config}, nil
}

// Authenticator resolves the user making a request.
// It returns entitlement.ErrUnauthorized when the request carries no identity.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator
type AuthenticatorFunc func(r *http.Request) (string, error)

// Authenticate implements Authenticator
func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// HeaderAuthenticator trusts a user id header set by an upstream gateway
type HeaderAuthenticator struct {
	Header string
}

// Authenticate implements Authenticator
func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(a.Header))
	if userID == "" {
		return "", entitlement.ErrUnauthorized
	}
	return userID, nil
}
