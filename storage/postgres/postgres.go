// Package postgres provides a PostgreSQL implementation of entitlement.Store.
// Idempotency rests on the subscription_events primary key and the daily
// quota on a single conditional UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

// Storage implements entitlement.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger entitlement.Logger
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration

	// Migrate applies the embedded migrations on New
	Migrate bool

	Logger entitlement.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config, logger: config.Logger}
	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements entitlement.Store
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const entitlementColumns = `user_id, subscriber_id, tier, product_id, expires_at, trial_ends_at,
	daily_count, window_date, timezone, created_at, updated_at`

func scanEntitlement(row pgx.Row) (*entitlement.Entitlement, error) {
	var (
		ent          entitlement.Entitlement
		subscriberID *string
		productID    *string
		windowDate   time.Time
	)
	err := row.Scan(
		&ent.UserID,
		&subscriberID,
		&ent.Tier,
		&productID,
		&ent.ExpiresAt,
		&ent.TrialEndsAt,
		&ent.DailyCount,
		&windowDate,
		&ent.Timezone,
		&ent.CreatedAt,
		&ent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if subscriberID != nil {
		ent.SubscriberID = *subscriberID
	}
	if productID != nil {
		ent.ProductID = *productID
	}
	ent.WindowDate = windowDate.Format(entitlement.DateLayout)
	return &ent, nil
}

// GetEntitlement implements entitlement.Store
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	ent, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM user_entitlements WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent, nil
}

// CreateEntitlement implements entitlement.Store
func (s *Storage) CreateEntitlement(ctx context.Context, ent *entitlement.Entitlement) (*entitlement.Entitlement, error) {
	if ent == nil || ent.UserID == "" {
		return nil, fmt.Errorf("invalid entitlement")
	}
	tz := ent.Timezone
	if tz == "" {
		tz = entitlement.DefaultTimezone
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_entitlements
				(user_id, subscriber_id, tier, product_id, expires_at, trial_ends_at,
				daily_count, window_date, timezone, created_at, updated_at)
			VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, $7, $8::date, $9, $10, $10)
			ON CONFLICT (user_id) DO NOTHING`,
		ent.UserID, ent.SubscriberID, string(ent.Tier), ent.ProductID, ent.ExpiresAt, ent.TrialEndsAt,
		ent.DailyCount, ent.WindowDate, tz, ent.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, entitlement.ErrConflict
		}
		return nil, fmt.Errorf("failed to create entitlement: %w", err)
	}
	return s.GetEntitlement(ctx, ent.UserID)
}

// LinkSubscriber implements entitlement.Store
func (s *Storage) LinkSubscriber(ctx context.Context, userID, subscriberID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_entitlements SET subscriber_id = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, subscriberID)
	if err != nil {
		if isUniqueViolation(err) {
			return entitlement.ErrConflict
		}
		return fmt.Errorf("failed to link subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

// SetTimezone implements entitlement.Store
func (s *Storage) SetTimezone(ctx context.Context, userID, tz string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_entitlements SET timezone = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, tz)
	if err != nil {
		return fmt.Errorf("failed to set timezone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

// DeleteEntitlement implements entitlement.Store.
// Views cascade; ledger rows keep the event with resolved_user_id set to NULL.
func (s *Storage) DeleteEntitlement(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_entitlements WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrNotFound
	}
	return nil
}

// ConsumeDaily implements entitlement.Store.
// Rollover, ceiling selection and increment happen in one statement; the row
// lock taken by UPDATE serializes concurrent callers for the same user.
func (s *Storage) ConsumeDaily(ctx context.Context, req *entitlement.ConsumeRequest) (*entitlement.ConsumeResult, error) {
	var (
		count  int
		tier   string
		window string
	)
	err := s.pool.QueryRow(ctx,
		`UPDATE user_entitlements AS e SET
				daily_count = CASE WHEN e.window_date = t.today THEN e.daily_count + 1 ELSE 1 END,
				window_date = t.today,
				updated_at = $2
			FROM (
				SELECT user_id, ($2::timestamptz AT TIME ZONE timezone)::date AS today
				FROM user_entitlements WHERE user_id = $1
			) AS t
			WHERE e.user_id = t.user_id
				AND (e.window_date <> t.today
					OR e.daily_count < CASE WHEN e.tier IN ('paid', 'lifetime') THEN $4 ELSE $3 END)
			RETURNING e.daily_count, e.tier, to_char(t.today, 'YYYY-MM-DD')`,
		req.UserID, req.Now.UTC(), req.FreeLimit, req.PaidLimit,
	).Scan(&count, &tier, &window)
	if err == nil {
		return &entitlement.ConsumeResult{
			Allowed:    true,
			Count:      count,
			Tier:       entitlement.Tier(tier),
			WindowDate: window,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume daily quota: %w", err)
	}

	// Nothing updated: either the user is missing or the ceiling is reached.
	err = s.pool.QueryRow(ctx,
		`SELECT daily_count, tier, to_char(window_date, 'YYYY-MM-DD')
			FROM user_entitlements WHERE user_id = $1`, req.UserID,
	).Scan(&count, &tier, &window)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read daily quota: %w", err)
	}
	return &entitlement.ConsumeResult{
		Allowed:    false,
		Count:      count,
		Tier:       entitlement.Tier(tier),
		WindowDate: window,
	}, nil
}

// ReleaseDaily implements entitlement.Store.
// The window check keeps a late release from touching the next day's count.
func (s *Storage) ReleaseDaily(ctx context.Context, userID, windowDate string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE user_entitlements
			SET daily_count = daily_count - 1
			WHERE user_id = $1 AND window_date = $2::date AND daily_count > 0`,
		userID, windowDate,
	)
	if err != nil {
		return fmt.Errorf("failed to release daily quota: %w", err)
	}
	return nil
}

// HasProcessed implements entitlement.Store
func (s *Storage) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscription_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return exists, nil
}

// ApplyEvent implements entitlement.Store.
// The linked user row is locked first, then the ledger insert decides
// whether this delivery is the first one.
func (s *Storage) ApplyEvent(ctx context.Context, req *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	if req == nil || req.Entry.EventID == "" {
		return nil, fmt.Errorf("invalid apply request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback after Commit is a no-op
		_ = tx.Rollback(ctx)
	}()

	result := &entitlement.ApplyResult{}
	entry := req.Entry

	var ent *entitlement.Entitlement
	if entry.AppUserID != "" {
		ent, err = scanEntitlement(tx.QueryRow(ctx,
			`SELECT `+entitlementColumns+` FROM user_entitlements WHERE subscriber_id = $1 FOR UPDATE`,
			entry.AppUserID))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			ent = nil
		case err != nil:
			return nil, fmt.Errorf("failed to resolve subscriber: %w", err)
		default:
			entry.ResolvedUserID = ent.UserID
		}
	}

	var inserted string
	err = tx.QueryRow(ctx,
		`INSERT INTO subscription_events
				(event_id, event_type, app_user_id, resolved_user_id, product_id, transaction_id,
				original_transaction_id, purchased_at, expiration_at, price, currency, raw_payload, processed_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
				NULLIF($7, ''), $8, $9, $10, NULLIF($11, ''), $12, $13)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING event_id`,
		entry.EventID, entry.EventType, entry.AppUserID, entry.ResolvedUserID, entry.ProductID,
		entry.TransactionID, entry.OriginalTransactionID, entry.PurchasedAt, entry.ExpirationAt,
		entry.Price, entry.Currency, []byte(entry.RawPayload), entry.ProcessedAt,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return &entitlement.ApplyResult{Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record event: %w", err)
	}

	if ent != nil {
		result.UserID = ent.UserID
		result.PreviousTier = ent.Tier
		result.Changed = req.TransitionFor(ent.Tier).Apply(ent)
		result.Tier = ent.Tier

		if result.Changed {
			_, err = tx.Exec(ctx,
				`UPDATE user_entitlements
					SET tier = $2, expires_at = $3, product_id = NULLIF($4, ''), updated_at = $5
					WHERE user_id = $1`,
				ent.UserID, string(ent.Tier), ent.ExpiresAt, ent.ProductID, entry.ProcessedAt)
			if err != nil {
				return nil, fmt.Errorf("failed to update entitlement: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return result, nil
}

// GetLedgerEntry implements entitlement.Store
func (s *Storage) GetLedgerEntry(ctx context.Context, eventID string) (*entitlement.LedgerEntry, error) {
	var (
		e                                             entitlement.LedgerEntry
		resolved, productID, txID, origTxID, currency *string
		raw                                           []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, app_user_id, resolved_user_id, product_id, transaction_id,
				original_transaction_id, purchased_at, expiration_at, price, currency, raw_payload, processed_at
			FROM subscription_events WHERE event_id = $1`, eventID,
	).Scan(
		&e.EventID, &e.EventType, &e.AppUserID, &resolved, &productID, &txID,
		&origTxID, &e.PurchasedAt, &e.ExpirationAt, &e.Price, &currency, &raw, &e.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	e.ResolvedUserID = deref(resolved)
	e.ProductID = deref(productID)
	e.TransactionID = deref(txID)
	e.OriginalTransactionID = deref(origTxID)
	e.Currency = deref(currency)
	e.RawPayload = raw
	return &e, nil
}

// RecordView implements entitlement.Store
func (s *Storage) RecordView(ctx context.Context, v *entitlement.View) error {
	var userID *string
	if v.UserID != "" {
		userID = &v.UserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO affirmation_views (id, user_id, affirmation_id, source, viewed_at)
			VALUES ($1, $2, $3, $4, $5)`,
		v.ID, userID, v.AffirmationID, string(v.Source), v.ViewedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record view: %w", err)
	}
	return nil
}

// ViewDates implements entitlement.Store
func (s *Storage) ViewDates(ctx context.Context, userID, tz string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT to_char(viewed_at AT TIME ZONE $2, 'YYYY-MM-DD') AS view_date
			FROM affirmation_views
			WHERE user_id = $1
			ORDER BY view_date DESC`,
		userID, entitlement.Location(tz).String())
	if err != nil {
		return nil, fmt.Errorf("failed to query view dates: %w", err)
	}
	dates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan view dates: %w", err)
	}
	return dates, nil
}

// isUniqueViolation detects PostgreSQL unique constraint violations (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
