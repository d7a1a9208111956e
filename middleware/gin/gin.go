// Package gin provides Gin middleware for daily quota enforcement
package gin

import (
	"context"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const (
	// DecisionKey is the Gin context key holding the admitted *entitlement.Decision
	DecisionKey = "starlight.decision"

	codePremiumRequired = "PREMIUM_REQUIRED"
	premiumMessage      = "Daily affirmation limit reached. Upgrade to premium for unlimited access."
)

// Gate decides and consumes the daily quota. *entitlement.Gate implements it.
type Gate interface {
	CheckAndConsume(ctx context.Context, userID string) (*entitlement.Decision, error)
}

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate is the quota gate (required)
	Gate Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the daily quota is spent
	// If nil, responds 403 PREMIUM_REQUIRED
	OnQuotaExceeded func(c *gongin.Context, d *entitlement.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the gate fails
	// If nil, returns 503 Service Unavailable
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that consumes one unit of daily quota per request
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("starlight/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("starlight/gin: Config.GetUserID is required")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		d, err := cfg.Gate.CheckAndConsume(c.Request.Context(), userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		c.Header("X-Quota-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-Quota-Limit", strconv.Itoa(d.Limit))

		if !d.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, d)
			} else {
				defaultQuotaExceeded(c)
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		c.Next()
	}
}

// DecisionFrom returns the decision the middleware admitted the request with
func DecisionFrom(c *gongin.Context) (*entitlement.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*entitlement.Decision)
	return d, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{
		"success": false,
		"error":   gongin.H{"code": "UNAUTHORIZED", "message": "Authentication required"},
	})
}

func defaultQuotaExceeded(c *gongin.Context) {
	c.JSON(http.StatusForbidden, gongin.H{
		"success":         false,
		"error":           gongin.H{"code": codePremiumRequired, "message": premiumMessage},
		"requiresPremium": true,
	})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusServiceUnavailable, gongin.H{
		"success": false,
		"error":   gongin.H{"code": "SERVICE_UNAVAILABLE", "message": "Quota check unavailable, try again"},
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In quota middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
