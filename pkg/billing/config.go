package billing

import (
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// DefaultTimeout bounds the whole webhook handling chain
const DefaultTimeout = 5 * time.Second

// Config configures the webhook ingestor
type Config struct {
	// Store is the ledger the ingestor writes to (required)
	Store entitlement.Ledger

	// Parser decodes provider payloads (required)
	Parser Parser

	// Verifier authenticates payloads (required)
	Verifier *Verifier

	// Cache is invalidated after an entitlement changes (default: NoopCache)
	Cache entitlement.Cache

	// Classifier decides which products grant lifetime access
	Classifier entitlement.Classifier

	// Timeout bounds a single Handle call (default: 5s)
	Timeout time.Duration

	// OnEntitlementChanged is called after a committed change (optional)
	OnEntitlementChanged WebhookCallback

	Clock   entitlement.Clock
	Logger  entitlement.Logger
	Metrics Metrics
}

func (c *Config) validate() error {
	if c.Store == nil || c.Parser == nil || c.Verifier == nil {
		return ErrProviderNotConfigured
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Cache == nil {
		c.Cache = entitlement.NewNoopCache()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Clock == nil {
		c.Clock = entitlement.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}
