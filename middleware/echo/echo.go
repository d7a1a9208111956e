// Package echo provides Echo middleware for daily quota enforcement
package echo

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const (
	// DecisionKey is the Echo context key holding the admitted *entitlement.Decision
	DecisionKey = "starlight.decision"

	codePremiumRequired = "PREMIUM_REQUIRED"
	premiumMessage      = "Daily affirmation limit reached. Upgrade to premium for unlimited access."
)

// Gate decides and consumes the daily quota. *entitlement.Gate implements it.
type Gate interface {
	CheckAndConsume(ctx context.Context, userID string) (*entitlement.Decision, error)
}

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate is the quota gate (required)
	Gate Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the daily quota is spent
	// If nil, responds 403 PREMIUM_REQUIRED
	OnQuotaExceeded func(c echo.Context, d *entitlement.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the gate fails
	// If nil, returns 503 Service Unavailable
	OnError func(c echo.Context, err error) error
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success         bool      `json:"success"`
	Error           errorBody `json:"error"`
	RequiresPremium bool      `json:"requiresPremium,omitempty"`
}

// Middleware creates an Echo middleware that consumes one unit of daily quota per request
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("starlight/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("starlight/echo: Config.GetUserID is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, errorResponse{
					Error: errorBody{Code: "UNAUTHORIZED", Message: "Authentication required"},
				})
			}

			d, err := cfg.Gate.CheckAndConsume(c.Request().Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusServiceUnavailable, errorResponse{
					Error: errorBody{Code: "SERVICE_UNAVAILABLE", Message: "Quota check unavailable, try again"},
				})
			}

			h := c.Response().Header()
			h.Set("X-Quota-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-Quota-Limit", strconv.Itoa(d.Limit))

			if !d.Allowed {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, d)
				}
				return c.JSON(http.StatusForbidden, errorResponse{
					Error:           errorBody{Code: codePremiumRequired, Message: premiumMessage},
					RequiresPremium: true,
				})
			}

			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

// DecisionFrom returns the decision the middleware admitted the request with
func DecisionFrom(c echo.Context) (*entitlement.Decision, bool) {
	d, ok := c.Get(DecisionKey).(*entitlement.Decision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
