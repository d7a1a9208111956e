package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	quotahttp "github.com/Elisa-Alvarez/Starlight/middleware/http"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeForbidden          = "FORBIDDEN"
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodePremiumRequired    = quotahttp.CodePremiumRequired

	maxRequestBody     = 64 << 10
	healthCheckTimeout = 2 * time.Second
)

type viewSourceKey struct{}

// Handler serves the subscription, user and affirmation endpoints
type Handler struct {
	config Config
}

// Router builds the chi router for every endpoint
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	for _, mw := range h.config.Middlewares {
		r.Use(mw)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	if h.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.config.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(h.config.RequestTimeout))

		r.Route("/subscriptions", func(r chi.Router) {
			if h.config.Webhook != nil {
				r.Handle("/webhook", h.config.Webhook)
			}
			r.Group(func(r chi.Router) {
				r.Use(h.requireAuth)
				r.Get("/status", h.GetStatus)
				r.Post("/link", h.LinkSubscriber)
				r.Post("/restore", h.Restore)
			})
		})

		r.Route("/users/me", func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/streak", h.GetStreak)
			r.Put("/timezone", h.SetTimezone)
			r.Delete("/", h.DeleteAccount)
		})

		r.Route("/affirmations", func(r chi.Router) {
			r.Use(h.optionalAuth)
			r.Get("/daily", h.GetDaily)
			r.With(h.decodeView, quotahttp.Middleware(quotahttp.Config{
				Gate:           h.config.Gate,
				GetUserID:      quotahttp.FromContext(quotahttp.UserIDKey),
				AllowAnonymous: true,
				OnError: func(w http.ResponseWriter, r *http.Request, err error) {
					h.handleError(w, r, err)
				},
			})).Post("/{id}/view", h.TrackView)
		})
	})

	return r
}

// GetStatus returns the caller's subscription status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.config.Service.Status(r.Context(), userIDFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithData(w, http.StatusOK, status)
}

// LinkSubscriber attaches the caller's provider subscriber id
func (h *Handler) LinkSubscriber(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RevenueCatUserID == "" {
		respondWithError(w, http.StatusBadRequest, CodeValidation, "revenuecatUserId is required")
		return
	}

	if err := h.config.Service.LinkSubscriber(r.Context(), userIDFrom(r), req.RevenueCatUserID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restore refreshes and returns the caller's subscription status
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	status, err := h.config.Service.Restore(r.Context(), userIDFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithData(w, http.StatusOK, status)
}

// GetStreak returns the caller's engagement streak
func (h *Handler) GetStreak(w http.ResponseWriter, r *http.Request) {
	streak, err := h.config.Service.Streak(r.Context(), userIDFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithData(w, http.StatusOK, streak)
}

// SetTimezone changes the caller's timezone
func (h *Handler) SetTimezone(w http.ResponseWriter, r *http.Request) {
	var req TimezoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Timezone == "" {
		respondWithError(w, http.StatusBadRequest, CodeValidation, "timezone is required")
		return
	}

	if err := h.config.Service.SetTimezone(r.Context(), userIDFrom(r), req.Timezone); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAccount removes the caller's entitlement and view history
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Service.Delete(r.Context(), userIDFrom(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, Response{Success: true})
}

// GetDaily reports how many views the caller has left today without consuming any
func (h *Handler) GetDaily(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		respondWithData(w, http.StatusOK, DailyResponse{RemainingViews: h.config.FreeDailyLimit})
		return
	}

	d, err := h.config.Gate.Peek(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	quotahttp.SetQuotaHeaders(w.Header(), d)
	respondWithData(w, http.StatusOK, DailyResponse{
		RemainingViews:  d.Remaining,
		RequiresPremium: !d.Allowed && !d.Tier.Premium(),
	})
}

// TrackView records a content view. The quota middleware has already admitted it;
// the unit it took is given back when the view cannot be recorded.
func (h *Handler) TrackView(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	source, _ := r.Context().Value(viewSourceKey{}).(entitlement.ViewSource)
	err := h.config.Service.TrackView(r.Context(), &entitlement.View{
		UserID:        userID,
		AffirmationID: chi.URLParam(r, "id"),
		Source:        source,
	})
	if err != nil {
		if d, ok := quotahttp.DecisionFromContext(r.Context()); ok {
			if relErr := h.config.Gate.Release(context.WithoutCancel(r.Context()), userID, d); relErr != nil {
				h.config.Logger.Warn("failed to release daily quota",
					entitlement.Field{Key: "user_id", Value: userID},
					entitlement.Field{Key: "error", Value: relErr.Error()},
				)
			}
		}
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz pings every configured dependency
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		g       errgroup.Group
		healthy = true
		checks  = make(map[string]string, len(h.config.HealthChecks))
	)
	for name, check := range h.config.HealthChecks {
		g.Go(func() error {
			result := "ok"
			if err := check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			checks[name] = result
			if result != "ok" {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	if !healthy {
		names := make([]string, 0, len(checks))
		for name, result := range checks {
			if result != "ok" {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		h.config.Logger.Warn("health check failed", entitlement.Field{Key: "failing", Value: names})
		respondWithJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Checks: checks})
		return
	}
	respondWithJSON(w, http.StatusOK, HealthResponse{Status: "ok", Checks: checks})
}

// requireAuth rejects requests the authenticator cannot resolve
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.config.Authenticator.Authenticate(r)
		if err != nil {
			h.handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(quotahttp.WithUserID(r.Context(), userID)))
	})
}

// optionalAuth resolves the caller when possible and lets anonymous requests through
func (h *Handler) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.config.Authenticator.Authenticate(r)
		switch {
		case err == nil:
			r = r.WithContext(quotahttp.WithUserID(r.Context(), userID))
		case !errors.Is(err, entitlement.ErrUnauthorized):
			h.handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decodeView validates the view body before any quota is consumed
func (h *Handler) decodeView(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ViewRequest
		if !h.decodeOptional(w, r, &req) {
			return
		}
		source := entitlement.ViewSource(req.Source)
		if source == "" {
			source = entitlement.ViewSourceApp
		}
		if !source.Valid() {
			respondWithError(w, http.StatusBadRequest, CodeValidation, "source must be app, widget or notification")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), viewSourceKey{}, source)))
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body and leaves v at its zero value
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "Invalid request body")
		return false
	}
	return true
}

// handleError maps domain errors to HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entitlement.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required")
	case errors.Is(err, entitlement.ErrNotFound):
		respondWithError(w, http.StatusNotFound, CodeNotFound, "Not found")
	case errors.Is(err, entitlement.ErrConflict):
		respondWithError(w, http.StatusConflict, CodeConflict, "Subscriber is already linked to another account")
	case errors.Is(err, entitlement.ErrInvalidSubscriberID),
		errors.Is(err, entitlement.ErrInvalidTimezone),
		errors.Is(err, entitlement.ErrInvalidViewSource),
		errors.Is(err, entitlement.ErrInvalidUserID):
		respondWithError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, entitlement.ErrQuotaExceeded):
		quotahttp.WritePremiumRequired(w, quotahttp.PremiumRequiredMessage)
	case errors.Is(err, entitlement.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		h.config.Logger.Warn("request failed on unavailable dependency",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		respondWithError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "Service temporarily unavailable")
	default:
		h.config.Logger.Error("request failed",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "request_id", Value: middleware.GetReqID(r.Context())},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Internal server error")
	}
}

func userIDFrom(r *http.Request) string {
	userID, _ := r.Context().Value(quotahttp.UserIDKey).(string)
	return userID
}

// Helper functions for JSON responses

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithData(w http.ResponseWriter, code int, data any) {
	respondWithJSON(w, code, Response{Success: true, Data: data})
}

func respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	quotahttp.WriteError(w, code, errCode, message)
}
