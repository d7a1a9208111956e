package revenuecat

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/billing"
	"github.com/Elisa-Alvarez/Starlight/pkg/billing/internal"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

const (
	// DefaultSignatureHeader carries the hex HMAC of the body
	DefaultSignatureHeader = "X-Signature"

	// DefaultRateLimit is the number of webhook requests allowed per IP per minute
	DefaultRateLimit = 50
)

// Config configures the RevenueCat webhook endpoint
type Config struct {
	// Ingestor processes verified deliveries (required)
	Ingestor *billing.Ingestor

	// SignatureHeader names the request header holding the signature (default: X-Signature)
	SignatureHeader string

	// RateLimit is the per-IP limit per minute (default: 50)
	RateLimit int

	Logger entitlement.Logger
}

// Provider serves the RevenueCat webhook endpoint
type Provider struct {
	ingestor  *billing.Ingestor
	sigHeader string
	limiter   *internal.RateLimiter
	logger    entitlement.Logger
}

// NewProvider creates the RevenueCat webhook provider
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Ingestor == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if strings.TrimSpace(cfg.SignatureHeader) == "" {
		cfg.SignatureHeader = DefaultSignatureHeader
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}
	return &Provider{
		ingestor:  cfg.Ingestor,
		sigHeader: cfg.SignatureHeader,
		limiter:   internal.NewRateLimiter(cfg.RateLimit, time.Minute),
		logger:    cfg.Logger,
	}, nil
}

// Name returns "revenuecat"
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the rate-limited webhook handler
func (p *Provider) WebhookHandler() http.Handler {
	return p.limiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, internal.CodeBadRequest, "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, internal.MaxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, internal.CodeBadRequest, "payload too large")
			return
		}
		_ = internal.WriteError(w, http.StatusBadRequest, internal.CodeBadRequest, "invalid payload")
		return
	}

	outcome, err := p.ingestor.Handle(r.Context(), body, r.Header.Get(p.sigHeader))
	switch {
	case err == nil:
		_ = internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true, Outcome: string(outcome)})
	case errors.Is(err, entitlement.ErrUnauthorized):
		_ = internal.WriteError(w, http.StatusUnauthorized, internal.CodeUnauthorized, "invalid webhook signature")
	case errors.Is(err, billing.ErrInvalidPayload):
		_ = internal.WriteError(w, http.StatusBadRequest, internal.CodeBadRequest, err.Error())
	default:
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "provider", Value: providerName},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		_ = internal.WriteError(w, http.StatusInternalServerError, internal.CodeInternal, "failed to process webhook")
	}
}
