package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// cacheInvalidationTimeout bounds the detached cache invalidation after a commit
const cacheInvalidationTimeout = 2 * time.Second

// Outcome is what an accepted webhook delivery did
type Outcome string

const (
	// OutcomeApplied means the event was ledgered and reached a linked user
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already in the ledger
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUnmatched means the event was ledgered but no local user is linked
	OutcomeUnmatched Outcome = "unmatched"
	// OutcomeIgnored means the event was ledgered and has no entitlement effect
	OutcomeIgnored Outcome = "ignored"
)

// Ingestor authenticates, ledgers and applies provider webhook deliveries.
// It is safe for concurrent use; the ledger serializes duplicate deliveries.
type Ingestor struct {
	cfg Config
}

// NewIngestor creates an ingestor from cfg
func NewIngestor(cfg Config) (*Ingestor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &Ingestor{cfg: cfg}, nil
}

// Name returns the provider name of the configured parser
func (i *Ingestor) Name() string {
	return i.cfg.Parser.Name()
}

// Handle processes one delivery. Errors wrap entitlement.ErrUnauthorized,
// ErrInvalidPayload or entitlement.ErrTransient.
func (i *Ingestor) Handle(ctx context.Context, body []byte, signature string) (Outcome, error) {
	start := time.Now()
	provider := i.cfg.Parser.Name()

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	if err := i.cfg.Verifier.Verify(body, signature); err != nil {
		i.cfg.Metrics.RecordWebhookError(provider, "auth_failed")
		i.cfg.Logger.Warn("webhook signature rejected",
			entitlement.Field{Key: "provider", Value: provider},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		return "", fmt.Errorf("%w: %w", entitlement.ErrUnauthorized, err)
	}

	ev, err := i.cfg.Parser.Parse(body)
	if err != nil {
		i.cfg.Metrics.RecordWebhookError(provider, "invalid_payload")
		if !errors.Is(err, ErrInvalidPayload) {
			err = fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return "", err
	}

	meta := ev.Meta()
	defer func() {
		i.cfg.Metrics.RecordWebhookProcessingDuration(provider, meta.Type, time.Since(start))
	}()

	processed, err := i.cfg.Store.HasProcessed(ctx, meta.ID)
	if err != nil {
		return "", i.transient(provider, meta, "ledger lookup failed", err)
	}
	if processed {
		i.duplicate(provider, meta)
		return OutcomeDuplicate, nil
	}

	res, err := i.cfg.Store.ApplyEvent(ctx, &entitlement.ApplyRequest{
		Entry:      entitlement.EntryFor(ev, body, i.cfg.Clock.Now()),
		Event:      ev,
		Classifier: i.cfg.Classifier,
	})
	if err != nil {
		return "", i.transient(provider, meta, "apply event failed", err)
	}
	if res.Duplicate {
		i.duplicate(provider, meta)
		return OutcomeDuplicate, nil
	}

	if _, ok := ev.(entitlement.Transfer); ok {
		i.cfg.Logger.Error("transfer events are not implemented",
			entitlement.Field{Key: "event_id", Value: meta.ID},
			entitlement.Field{Key: "app_user_id", Value: meta.AppUserID},
		)
		i.cfg.Metrics.RecordUnimplementedEvent(provider, meta.Type)
	}

	outcome := outcomeOf(ev, res)
	i.cfg.Metrics.RecordWebhookEvent(provider, meta.Type, string(outcome))
	i.cfg.Logger.Info("webhook event processed",
		entitlement.Field{Key: "provider", Value: provider},
		entitlement.Field{Key: "event_id", Value: meta.ID},
		entitlement.Field{Key: "event_type", Value: meta.Type},
		entitlement.Field{Key: "user_id", Value: res.UserID},
		entitlement.Field{Key: "outcome", Value: string(outcome)},
	)

	if res.UserID != "" && res.Changed {
		if res.PreviousTier != res.Tier {
			i.cfg.Metrics.RecordTierChange(provider, string(res.PreviousTier), string(res.Tier))
		}
		i.invalidate(ctx, provider, res.UserID)
		i.notify(ctx, provider, ev, res)
	}

	return outcome, nil
}

func outcomeOf(ev entitlement.Event, res *entitlement.ApplyResult) Outcome {
	switch ev.(type) {
	case entitlement.Transfer, entitlement.TestEvent, entitlement.Unrecognized:
		return OutcomeIgnored
	}
	if res.UserID == "" {
		return OutcomeUnmatched
	}
	return OutcomeApplied
}

func (i *Ingestor) duplicate(provider string, meta entitlement.EventMeta) {
	i.cfg.Metrics.RecordWebhookEvent(provider, meta.Type, string(OutcomeDuplicate))
	i.cfg.Logger.Info("webhook event already processed",
		entitlement.Field{Key: "provider", Value: provider},
		entitlement.Field{Key: "event_id", Value: meta.ID},
	)
}

func (i *Ingestor) transient(provider string, meta entitlement.EventMeta, msg string, err error) error {
	i.cfg.Metrics.RecordWebhookEvent(provider, meta.Type, "error")
	i.cfg.Metrics.RecordWebhookError(provider, "processing_error")
	i.cfg.Logger.Error(msg,
		entitlement.Field{Key: "provider", Value: provider},
		entitlement.Field{Key: "event_id", Value: meta.ID},
		entitlement.Field{Key: "error", Value: err.Error()},
	)
	if errors.Is(err, entitlement.ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", entitlement.ErrTransient, err)
}

// invalidate runs detached from the request so a slow cache never fails a committed event
func (i *Ingestor) invalidate(ctx context.Context, provider, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheInvalidationTimeout)
	defer cancel()

	if err := i.cfg.Cache.InvalidateEntitlement(ctx, userID); err != nil {
		i.cfg.Metrics.RecordWebhookError(provider, "cache_invalidation")
		i.cfg.Logger.Warn("failed to invalidate entitlement cache",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
}

func (i *Ingestor) notify(ctx context.Context, provider string, ev entitlement.Event, res *entitlement.ApplyResult) {
	if i.cfg.OnEntitlementChanged == nil {
		return
	}
	meta := ev.Meta()
	err := i.cfg.OnEntitlementChanged(context.WithoutCancel(ctx), WebhookEvent{
		UserID:       res.UserID,
		PreviousTier: res.PreviousTier,
		NewTier:      res.Tier,
		Provider:     provider,
		EventID:      meta.ID,
		EventType:    meta.Type,
		ProcessedAt:  i.cfg.Clock.Now(),
		ExpiresAt:    meta.ExpiresAt,
		ProductID:    meta.ProductID,
	})
	if err != nil {
		i.cfg.Logger.Warn("entitlement change callback failed",
			entitlement.Field{Key: "user_id", Value: res.UserID},
			entitlement.Field{Key: "event_id", Value: meta.ID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
}
