package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Elisa-Alvarez/Starlight/pkg/billing"
	"github.com/Elisa-Alvarez/Starlight/pkg/billing/revenuecat"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
	"github.com/Elisa-Alvarez/Starlight/storage/memory"
)

const testSecret = "whsec_test"

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingMetrics struct {
	billing.NoopMetrics
	mu            sync.Mutex
	events        map[string]int
	errors        map[string]int
	tierChanges   []string
	unimplemented []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{events: map[string]int{}, errors: map[string]int{}}
}

func (m *recordingMetrics) RecordWebhookEvent(_, eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventType+"/"+outcome]++
}

func (m *recordingMetrics) RecordWebhookError(_, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[errorType]++
}

func (m *recordingMetrics) RecordTierChange(_, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierChanges = append(m.tierChanges, from+"->"+to)
}

func (m *recordingMetrics) RecordUnimplementedEvent(_, eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unimplemented = append(m.unimplemented, eventType)
}

type recordingLogger struct {
	entitlement.NoopLogger
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Error(msg string, _ ...entitlement.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

type failingCache struct {
	entitlement.NoopCache
	calls int
}

func (c *failingCache) InvalidateEntitlement(_ context.Context, _ string) error {
	c.calls++
	return errors.New("redis: connection refused")
}

type failingLedger struct {
	*memory.Storage
}

func (l failingLedger) ApplyEvent(_ context.Context, _ *entitlement.ApplyRequest) (*entitlement.ApplyResult, error) {
	return nil, errors.New("connection reset")
}

// staleLedger misses every pre-check, as a racing duplicate delivery would
type staleLedger struct {
	*memory.Storage
}

func (staleLedger) HasProcessed(context.Context, string) (bool, error) {
	return false, nil
}

type fixture struct {
	store    *memory.Storage
	ingestor *billing.Ingestor
	verifier *billing.Verifier
	metrics  *recordingMetrics
	logger   *recordingLogger
}

func newFixture(t *testing.T, mutate func(*billing.Config)) *fixture {
	t.Helper()
	store := memory.New()
	verifier, err := billing.NewVerifier(testSecret, false)
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		verifier: verifier,
		metrics:  newRecordingMetrics(),
		logger:   &recordingLogger{},
	}
	cfg := billing.Config{
		Store:    store,
		Parser:   revenuecat.NewParser(),
		Verifier: verifier,
		Clock:    entitlement.ClockFunc(func() time.Time { return testNow }),
		Logger:   f.logger,
		Metrics:  f.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.ingestor, err = billing.NewIngestor(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) linkUser(t *testing.T, userID, subscriberID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateEntitlement(ctx, entitlement.NewEntitlement(userID, testNow, 3))
	require.NoError(t, err)
	require.NoError(t, f.store.LinkSubscriber(ctx, userID, subscriberID))
}

func (f *fixture) handle(t *testing.T, body string) (billing.Outcome, error) {
	t.Helper()
	return f.ingestor.Handle(context.Background(), []byte(body), f.verifier.Sign([]byte(body)))
}

func payload(id, typ, appUserID, productID string, expirationMs int64) string {
	exp := "null"
	if expirationMs > 0 {
		exp = fmt.Sprint(expirationMs)
	}
	return fmt.Sprintf(`{"api_version":"1.0","event":{"id":%q,"type":%q,"app_user_id":%q,"product_id":%q,"purchased_at_ms":1717243200000,"expiration_at_ms":%s,"price":4.99,"currency":"USD"}}`,
		id, typ, appUserID, productID, exp)
}

func TestIngestor_InitialPurchase(t *testing.T) {
	f := newFixture(t, nil)
	f.linkUser(t, "u1", "rc_1")

	expMs := testNow.Add(30 * 24 * time.Hour).UnixMilli()
	outcome, err := f.handle(t, payload("evt-1", "INITIAL_PURCHASE", "rc_1", "starlight_monthly", expMs))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)

	ent, err := f.store.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPaid, ent.Tier)
	require.NotNil(t, ent.ExpiresAt)
	assert.Equal(t, expMs, ent.ExpiresAt.UnixMilli())

	entry, err := f.store.GetLedgerEntry(context.Background(), "evt-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "u1", entry.ResolvedUserID)
	assert.Equal(t, "INITIAL_PURCHASE", entry.EventType)
	assert.Equal(t, testNow, entry.ProcessedAt)

	assert.Equal(t, []string{"free->paid"}, f.metrics.tierChanges)
	assert.Equal(t, 1, f.metrics.events["INITIAL_PURCHASE/applied"])
}

func TestIngestor_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.linkUser(t, "u1", "rc_1")
	body := payload("evt-1", "INITIAL_PURCHASE", "rc_1", "starlight_monthly", testNow.Add(time.Hour).UnixMilli())

	outcome, err := f.handle(t, body)
	require.NoError(t, err)
	require.Equal(t, billing.OutcomeApplied, outcome)
	before, err := f.store.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		outcome, err := f.handle(t, body)
		require.NoError(t, err)
		assert.Equal(t, billing.OutcomeDuplicate, outcome)
	}

	after, err := f.store.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.store.LedgerSize())
	assert.Equal(t, 5, f.metrics.events["INITIAL_PURCHASE/duplicate"])
}

func TestIngestor_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	f.linkUser(t, "u1", "rc_1")
	body := payload("evt-1", "NON_RENEWING_PURCHASE", "rc_1", "starlight_lifetime", 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := f.handle(t, body)
			assert.NoError(t, err)
			if outcome == billing.OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.store.LedgerSize())
}

func TestIngestor_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	body := payload("evt-1", "INITIAL_PURCHASE", "rc_1", "starlight_monthly", 0)

	_, err := f.ingestor.Handle(context.Background(), []byte(body), "deadbeef")
	assert.ErrorIs(t, err, entitlement.ErrUnauthorized)
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = f.handle(t, `{"api_version":"1.0","event":{"type":"RENEWAL"}}`)
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)

	_, err = f.handle(t, `not json`)
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)

	assert.Zero(t, f.store.LedgerSize())
	assert.Equal(t, 1, f.metrics.errors["auth_failed"])
	assert.Equal(t, 2, f.metrics.errors["invalid_payload"])
}

func TestIngestor_UnmatchedSubscriberIsLedgered(t *testing.T) {
	f := newFixture(t, nil)

	outcome, err := f.handle(t, payload("evt-9", "RENEWAL", "rc_unknown", "starlight_monthly", 0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeUnmatched, outcome)

	entry, err := f.store.GetLedgerEntry(context.Background(), "evt-9")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Empty(t, entry.ResolvedUserID)
}

func TestIngestor_IgnoredEvents(t *testing.T) {
	tests := []struct {
		typ           string
		unimplemented bool
	}{
		{"TEST", false},
		{"SUBSCRIBER_ALIAS", false},
		{"TRANSFER", true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			f := newFixture(t, nil)
			f.linkUser(t, "u1", "rc_1")

			outcome, err := f.handle(t, payload("evt-"+tt.typ, tt.typ, "rc_1", "starlight_monthly", 0))
			require.NoError(t, err)
			assert.Equal(t, billing.OutcomeIgnored, outcome)
			assert.Equal(t, 1, f.store.LedgerSize())

			ent, err := f.store.GetEntitlement(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, entitlement.TierFree, ent.Tier)

			if tt.unimplemented {
				assert.Equal(t, []string{"TRANSFER"}, f.metrics.unimplemented)
				assert.Contains(t, f.logger.errors, "transfer events are not implemented")
			} else {
				assert.Empty(t, f.metrics.unimplemented)
			}
		})
	}
}

func TestIngestor_DuplicateTransferCountedOnce(t *testing.T) {
	store := memory.New()
	f := newFixture(t, func(cfg *billing.Config) {
		cfg.Store = staleLedger{Storage: store}
	})
	body := payload("evt-t", "TRANSFER", "rc_1", "starlight_monthly", 0)

	outcome, err := f.handle(t, body)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeIgnored, outcome)

	outcome, err = f.handle(t, body)
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeDuplicate, outcome)

	assert.Equal(t, []string{"TRANSFER"}, f.metrics.unimplemented)
	assert.Len(t, f.logger.errors, 1)
}

func TestIngestor_StoreErrorIsTransient(t *testing.T) {
	f := newFixture(t, func(cfg *billing.Config) {
		cfg.Store = failingLedger{Storage: memory.New()}
	})

	_, err := f.handle(t, payload("evt-1", "RENEWAL", "rc_1", "starlight_monthly", 0))
	assert.ErrorIs(t, err, entitlement.ErrTransient)
	assert.Equal(t, 1, f.metrics.errors["processing_error"])
}

func TestIngestor_CacheFailureDoesNotFailDelivery(t *testing.T) {
	cache := &failingCache{}
	f := newFixture(t, func(cfg *billing.Config) {
		cfg.Cache = cache
	})
	f.linkUser(t, "u1", "rc_1")

	outcome, err := f.handle(t, payload("evt-1", "EXPIRATION", "rc_1", "starlight_monthly", 0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)
	assert.Equal(t, 1, cache.calls)
	assert.Equal(t, 1, f.metrics.errors["cache_invalidation"])
}

func TestIngestor_NoInvalidationWithoutChange(t *testing.T) {
	cache := &failingCache{}
	f := newFixture(t, func(cfg *billing.Config) {
		cfg.Cache = cache
	})
	f.linkUser(t, "u1", "rc_1")

	// a free user expiring stays free with no expiry
	outcome, err := f.handle(t, payload("evt-1", "EXPIRATION", "rc_1", "", 0))
	require.NoError(t, err)
	assert.Equal(t, billing.OutcomeApplied, outcome)
	assert.Zero(t, cache.calls)
}

func TestIngestor_CallbackOnChange(t *testing.T) {
	var got []billing.WebhookEvent
	f := newFixture(t, func(cfg *billing.Config) {
		cfg.OnEntitlementChanged = func(_ context.Context, ev billing.WebhookEvent) error {
			got = append(got, ev)
			return errors.New("downstream unavailable")
		}
	})
	f.linkUser(t, "u1", "rc_1")

	_, err := f.handle(t, payload("evt-1", "NON_RENEWING_PURCHASE", "rc_1", "starlight_lifetime", 0))
	require.NoError(t, err, "callback errors never fail the webhook")

	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, entitlement.TierFree, got[0].PreviousTier)
	assert.Equal(t, entitlement.TierLifetime, got[0].NewTier)
	assert.Equal(t, "revenuecat", got[0].Provider)
	assert.Equal(t, "evt-1", got[0].EventID)
}

func TestNewIngestor_Validation(t *testing.T) {
	_, err := billing.NewIngestor(billing.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
