package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config configures the entitlement service
type Config struct {
	// TrialDays sets trialEndsAt on lazily created records (default: 3)
	TrialDays int

	// Cache holds entitlements for status reads (default: NoopCache)
	Cache Cache

	// CacheTTL is how long a cached entitlement is served (default: 5 minutes)
	CacheTTL time.Duration

	Clock   Clock
	Logger  Logger
	Metrics Metrics
}

func (c *Config) setDefaults() {
	if c.TrialDays < 0 {
		c.TrialDays = 0
	}
	if c.Cache == nil {
		c.Cache = NewNoopCache()
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
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

// Service is the user-facing side of the entitlement record: status reads,
// subscriber linking, timezone, view tracking and streaks
type Service struct {
	store Store
	cfg   Config
}

// NewService creates a service over store
func NewService(store Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	cfg.setDefaults()
	return &Service{store: store, cfg: cfg}, nil
}

// Get returns the user's entitlement, creating it on first access.
// Reads are served from the cache when possible.
func (s *Service) Get(ctx context.Context, userID string) (*Entitlement, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	if ent, ok := s.cfg.Cache.GetEntitlement(ctx, userID); ok {
		s.cfg.Metrics.RecordCacheHit("entitlement")
		return ent, nil
	}
	s.cfg.Metrics.RecordCacheMiss("entitlement")

	ent, err := s.provision(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cfg.Cache.SetEntitlement(ctx, ent, s.cfg.CacheTTL)
	return ent, nil
}

// Status returns the client-facing subscription status
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	ent, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return StatusOf(ent, s.cfg.Clock.Now()), nil
}

// LinkSubscriber attaches the provider subscriber id to the user's record.
// Linking the id the user already has is a no-op.
func (s *Service) LinkSubscriber(ctx context.Context, userID, subscriberID string) (err error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return ErrInvalidSubscriberID
	}

	ent, err := s.provision(ctx, userID)
	if err != nil {
		return err
	}
	if ent.SubscriberID == subscriberID {
		return nil
	}

	defer observe(s.cfg.Metrics, "link_subscriber", time.Now(), &err)
	if err := s.store.LinkSubscriber(ctx, userID, subscriberID); err != nil {
		return err
	}

	s.cfg.Logger.Info("subscriber linked",
		Field{"user_id", userID},
		Field{"subscriber_id", subscriberID},
	)
	s.invalidate(ctx, userID)
	return nil
}

// Restore drops any cached entitlement and returns the stored status.
// The provider remains the source of truth; its webhooks keep the record current.
func (s *Service) Restore(ctx context.Context, userID string) (*Status, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	s.invalidate(ctx, userID)
	return s.Status(ctx, userID)
}

// SetTimezone changes the zone used for the daily window and streaks
func (s *Service) SetTimezone(ctx context.Context, userID, tz string) error {
	if err := ValidateTimezone(tz); err != nil {
		return err
	}
	if _, err := s.provision(ctx, userID); err != nil {
		return err
	}
	if err := s.store.SetTimezone(ctx, userID, tz); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// TrackView appends a content view. Views without a user are recorded anonymously.
func (s *Service) TrackView(ctx context.Context, v *View) (err error) {
	if v == nil || v.AffirmationID == "" {
		return fmt.Errorf("view requires an affirmation id")
	}
	if v.Source == "" {
		v.Source = ViewSourceApp
	}
	if !v.Source.Valid() {
		return ErrInvalidViewSource
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ViewedAt.IsZero() {
		v.ViewedAt = s.cfg.Clock.Now()
	}
	if v.UserID != "" {
		if _, err := s.provision(ctx, v.UserID); err != nil {
			return err
		}
	}

	defer observe(s.cfg.Metrics, "record_view", time.Now(), &err)
	return s.store.RecordView(ctx, v)
}

// Streak computes the user's consecutive-day engagement in their timezone
func (s *Service) Streak(ctx context.Context, userID string) (*Streak, error) {
	ent, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	dates, err := s.store.ViewDates(ctx, userID, ent.Timezone)
	if err != nil {
		return nil, err
	}

	streak := ComputeStreak(dates, s.cfg.Clock.Now().In(Location(ent.Timezone)))
	return &streak, nil
}

// Delete removes the user's entitlement and views
func (s *Service) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	if err := s.store.DeleteEntitlement(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// Ping checks the store is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) provision(ctx context.Context, userID string) (ent *Entitlement, err error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	defer observe(s.cfg.Metrics, "provision", time.Now(), &err)
	return provision(ctx, s.store, userID, s.cfg.Clock.Now(), s.cfg.TrialDays)
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cfg.Cache.InvalidateEntitlement(ctx, userID); err != nil {
		s.cfg.Logger.Warn("failed to invalidate entitlement cache",
			Field{"user_id", userID},
			Field{"error", err.Error()},
		)
	}
}
