// Package http provides net/http middleware for daily quota enforcement
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const (
	// HeaderQuotaRemaining carries the views left today, -1 for unlimited
	HeaderQuotaRemaining = "X-Quota-Remaining"
	// HeaderQuotaLimit carries the user's daily ceiling
	HeaderQuotaLimit = "X-Quota-Limit"

	// CodePremiumRequired is the error code returned when the daily quota is spent
	CodePremiumRequired = "PREMIUM_REQUIRED"
	// PremiumRequiredMessage is the default deny message
	PremiumRequiredMessage = "Daily affirmation limit reached. Upgrade to premium for unlimited access."
)

// Gate decides and consumes the daily quota. *entitlement.Gate implements it.
type Gate interface {
	CheckAndConsume(ctx context.Context, userID string) (*entitlement.Decision, error)
}

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate is the quota gate (required)
	Gate Gate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// AllowAnonymous passes requests without a user through ungated.
	// If false, they get 401.
	AllowAnonymous bool

	// OnQuotaExceeded is called when the daily quota is spent
	// If nil, returns 403 PREMIUM_REQUIRED
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, d *entitlement.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the gate fails
	// If nil, returns 503 Service Unavailable
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that consumes one unit of daily quota per request
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Gate == nil {
		panic("starlight/http: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("starlight/http: Config.GetUserID is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				if cfg.AllowAnonymous {
					next.ServeHTTP(w, r)
					return
				}
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
				} else {
					WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				}
				return
			}

			d, err := cfg.Gate.CheckAndConsume(r.Context(), userID)
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					WriteError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Quota check unavailable, try again")
				}
				return
			}

			SetQuotaHeaders(w.Header(), d)
			if !d.Allowed {
				if cfg.OnQuotaExceeded != nil {
					cfg.OnQuotaExceeded(w, r, d)
				} else {
					WritePremiumRequired(w, PremiumRequiredMessage)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits (HandlerFunc version)
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// SetQuotaHeaders writes the remaining and limit headers for d
func SetQuotaHeaders(h http.Header, d *entitlement.Decision) {
	h.Set(HeaderQuotaRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderQuotaLimit, strconv.Itoa(d.Limit))
}

// ErrorBody is the error object of a failed response
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the failed response envelope
type ErrorResponse struct {
	Success         bool      `json:"success"`
	Error           ErrorBody `json:"error"`
	RequiresPremium bool      `json:"requiresPremium,omitempty"`
}

// WriteError writes a failed response envelope
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// WritePremiumRequired writes the 403 response sent when the daily quota is spent
func WritePremiumRequired(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, ErrorResponse{
		Error:           ErrorBody{Code: CodePremiumRequired, Message: message},
		RequiresPremium: true,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "starlight:userID"

	decisionKey ContextKey = "starlight:decision"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithDecision stores the gate decision in ctx
func WithDecision(ctx context.Context, d *entitlement.Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision the middleware admitted the request with
func DecisionFromContext(ctx context.Context) (*entitlement.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(*entitlement.Decision)
	return d, ok
}
