package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailurePolicy decides what the gate answers when the store fails
type FailurePolicy string

const (
	// FailClosed denies the request and returns ErrTransient
	FailClosed FailurePolicy = "closed"
	// FailOpen admits the request and logs the store failure
	FailOpen FailurePolicy = "open"
)

const (
	DefaultFreeDailyLimit = 3
	DefaultPaidDailyLimit = 50
	DefaultTrialDays      = 3
)

// GateConfig configures the quota gate
type GateConfig struct {
	// FreeDailyLimit is the daily ceiling for free users (default: 3)
	FreeDailyLimit int

	// PaidDailyLimit is the daily ceiling for paid and lifetime users (default: 50).
	// Callers see these users as unlimited.
	PaidDailyLimit int

	// TrialDays sets trialEndsAt on lazily created records (default: 3)
	TrialDays int

	// FailurePolicy applies when the store errors (default: FailClosed)
	FailurePolicy FailurePolicy

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

func (c *GateConfig) setDefaults() {
	if c.FreeDailyLimit <= 0 {
		c.FreeDailyLimit = DefaultFreeDailyLimit
	}
	if c.PaidDailyLimit <= 0 {
		c.PaidDailyLimit = DefaultPaidDailyLimit
	}
	if c.TrialDays < 0 {
		c.TrialDays = 0
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = FailClosed
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
}

// Gate decides whether a user may view more content today
type Gate struct {
	store EntitlementStore
	cfg   GateConfig
}

// NewGate creates a quota gate over store
func NewGate(store EntitlementStore, cfg GateConfig) (*Gate, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.FailurePolicy != "" && cfg.FailurePolicy != FailClosed && cfg.FailurePolicy != FailOpen {
		return nil, fmt.Errorf("unknown failure policy %q", cfg.FailurePolicy)
	}
	cfg.setDefaults()
	return &Gate{store: store, cfg: cfg}, nil
}

// CheckAndConsume takes one unit of the user's daily allowance if any is left.
// A denied call changes nothing, so repeating it is safe.
func (g *Gate) CheckAndConsume(ctx context.Context, userID string) (*Decision, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	now := g.cfg.Clock.Now()
	req := &ConsumeRequest{
		UserID:    userID,
		Now:       now,
		FreeLimit: g.cfg.FreeDailyLimit,
		PaidLimit: g.cfg.PaidDailyLimit,
	}

	res, err := g.consume(ctx, req)
	if errors.Is(err, ErrNotFound) {
		if _, err = provision(ctx, g.store, userID, now, g.cfg.TrialDays); err == nil {
			res, err = g.consume(ctx, req)
		}
	}
	if err != nil {
		return g.failure(userID, "consume", err)
	}

	d := g.decide(res.Tier, res.Count, res.Allowed)
	if d.Allowed {
		d.WindowDate = res.WindowDate
	}
	g.cfg.Metrics.RecordQuotaDecision(res.Tier, d.Allowed)
	if !d.Allowed {
		g.cfg.Logger.Debug("daily quota exhausted",
			Field{"user_id", userID},
			Field{"tier", res.Tier},
			Field{"limit", d.Limit},
		)
	}
	return d, nil
}

// Release returns the unit d consumed, for a view that could not be recorded.
// Decisions that consumed nothing are ignored.
func (g *Gate) Release(ctx context.Context, userID string, d *Decision) (err error) {
	if userID == "" || d == nil || !d.Allowed || d.WindowDate == "" {
		return nil
	}

	defer observe(g.cfg.Metrics, "release_daily", time.Now(), &err)
	return g.store.ReleaseDaily(ctx, userID, d.WindowDate)
}

// Peek reports the user's allowance without consuming any of it.
// Paid and lifetime users are always reported as unlimited.
func (g *Gate) Peek(ctx context.Context, userID string) (*Decision, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	now := g.cfg.Clock.Now()
	ent, err := provision(ctx, g.store, userID, now, g.cfg.TrialDays)
	if err != nil {
		return g.failure(userID, "peek", err)
	}

	count := CountFor(ent, now)
	limit := g.ceiling(ent.Tier)
	d := g.decide(ent.Tier, count, count < limit)
	if ent.Tier.Premium() {
		d.Remaining = -1
	}
	return d, nil
}

func (g *Gate) consume(ctx context.Context, req *ConsumeRequest) (res *ConsumeResult, err error) {
	defer observe(g.cfg.Metrics, "consume_daily", time.Now(), &err)
	return g.store.ConsumeDaily(ctx, req)
}

func (g *Gate) ceiling(tier Tier) int {
	if tier.Premium() {
		return g.cfg.PaidDailyLimit
	}
	return g.cfg.FreeDailyLimit
}

func (g *Gate) decide(tier Tier, count int, allowed bool) *Decision {
	d := &Decision{Allowed: allowed, Limit: g.ceiling(tier), Tier: tier}
	switch {
	case !allowed:
		d.Remaining = 0
	case tier.Premium():
		d.Remaining = -1
	default:
		d.Remaining = max(d.Limit-count, 0)
	}
	return d
}

func (g *Gate) failure(userID, op string, err error) (*Decision, error) {
	if g.cfg.FailurePolicy == FailOpen {
		g.cfg.Logger.Warn("quota store failed, admitting request",
			Field{"user_id", userID},
			Field{"operation", op},
			Field{"error", err.Error()},
		)
		return &Decision{Allowed: true, Remaining: -1, Limit: g.cfg.FreeDailyLimit}, nil
	}

	g.cfg.Logger.Error("quota store failed, denying request",
		Field{"user_id", userID},
		Field{"operation", op},
		Field{"error", err.Error()},
	)
	if errors.Is(err, ErrTransient) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %w", ErrTransient, err)
}

// provision returns the user's entitlement, creating the default record on first access
func provision(ctx context.Context, store EntitlementStore, userID string, now time.Time, trialDays int) (*Entitlement, error) {
	ent, err := store.GetEntitlement(ctx, userID)
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return store.CreateEntitlement(ctx, NewEntitlement(userID, now, trialDays))
}
