// Package fiber provides Fiber middleware for daily quota enforcement
package fiber

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const (
	// DecisionKey is the Fiber locals key holding the admitted *entitlement.Decision
	DecisionKey = "starlight.decision"

	codePremiumRequired = "PREMIUM_REQUIRED"
	premiumMessage      = "Daily affirmation limit reached. Upgrade to premium for unlimited access."
)

// Gate decides and consumes the daily quota. *entitlement.Gate implements it.
type Gate interface {
	CheckAndConsume(ctx context.Context, userID string) (*entitlement.Decision, error)
}

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Gate is the quota gate (required)
	Gate Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the daily quota is spent
	// If nil, responds 403 PREMIUM_REQUIRED
	OnQuotaExceeded func(c *fiber.Ctx, d *entitlement.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the gate fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that consumes one unit of daily quota per request
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("starlight/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("starlight/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"code": "UNAUTHORIZED", "message": "Authentication required"},
			})
		}

		// Fiber uses fasthttp, so the request context comes from c.UserContext()
		d, err := cfg.Gate.CheckAndConsume(c.UserContext(), userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"success": false,
				"error":   fiber.Map{"code": "SERVICE_UNAVAILABLE", "message": "Quota check unavailable, try again"},
			})
		}

		c.Set("X-Quota-Remaining", strconv.Itoa(d.Remaining))
		c.Set("X-Quota-Limit", strconv.Itoa(d.Limit))

		if !d.Allowed {
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, d)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success":         false,
				"error":           fiber.Map{"code": codePremiumRequired, "message": premiumMessage},
				"requiresPremium": true,
			})
		}

		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

// DecisionFrom returns the decision the middleware admitted the request with
func DecisionFrom(c *fiber.Ctx) (*entitlement.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(*entitlement.Decision)
	return d, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
