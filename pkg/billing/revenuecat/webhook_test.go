package revenuecat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Elisa-Alvarez/Starlight/pkg/billing"
	"github.com/Elisa-Alvarez/Starlight/pkg/billing/revenuecat"
	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
	"github.com/Elisa-Alvarez/Starlight/storage/memory"
)

const secret = "whsec_test"

func newHandler(t *testing.T, store *memory.Storage, rateLimit int) (http.Handler, *billing.Verifier) {
	t.Helper()
	verifier, err := billing.NewVerifier(secret, false)
	require.NoError(t, err)

	ing, err := billing.NewIngestor(billing.Config{
		Store:    store,
		Parser:   revenuecat.NewParser(),
		Verifier: verifier,
	})
	require.NoError(t, err)

	p, err := revenuecat.NewProvider(revenuecat.Config{Ingestor: ing, RateLimit: rateLimit})
	require.NoError(t, err)
	assert.Equal(t, "revenuecat", p.Name())
	return p.WebhookHandler(), verifier
}

func post(h http.Handler, body, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(revenuecat.DefaultSignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_EndToEndPurchase(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Now().UTC()
	_, err := store.CreateEntitlement(ctx, entitlement.NewEntitlement("U", now, 3))
	require.NoError(t, err)
	require.NoError(t, store.LinkSubscriber(ctx, "U", "rc_U"))

	h, verifier := newHandler(t, store, 0)
	expires := now.Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	body := `{"api_version":"1.0","event":{"id":"evt-1","type":"INITIAL_PURCHASE","app_user_id":"rc_U","product_id":"starlight_monthly","expiration_at_ms":` +
		jsonInt(expires.UnixMilli()) + `}}`

	rec := post(h, body, verifier.Sign([]byte(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	ent, err := store.GetEntitlement(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPaid, ent.Tier)
	require.NotNil(t, ent.ExpiresAt)
	assert.True(t, expires.Equal(*ent.ExpiresAt))
	assert.Equal(t, 1, store.LedgerSize())

	// replay: still 200, nothing changes
	rec = post(h, body, verifier.Sign([]byte(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.LedgerSize())

	// tampered body
	rec = post(h, strings.Replace(body, "evt-1", "evt-2", 1), verifier.Sign([]byte(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":{"code":"UNAUTHORIZED","message":"invalid webhook signature"}}`, rec.Body.String())
	assert.Equal(t, 1, store.LedgerSize())
}

func TestWebhook_StatusMapping(t *testing.T) {
	h, verifier := newHandler(t, memory.New(), 0)

	t.Run("method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions/webhook", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		rec := post(h, `{"event":{}}`, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid payload", func(t *testing.T) {
		body := `{"api_version":"1.0","event":{"type":"RENEWAL"}}`
		rec := post(h, body, verifier.Sign([]byte(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := post(h, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		body := `{"pad":"` + strings.Repeat("x", 300<<10) + `"}`
		rec := post(h, body, verifier.Sign([]byte(body)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestWebhook_RateLimited(t *testing.T) {
	h, verifier := newHandler(t, memory.New(), 2)
	body := `{"api_version":"1.0","event":{"id":"evt-t","type":"TEST","app_user_id":"rc_x"}}`
	sig := verifier.Sign([]byte(body))

	assert.Equal(t, http.StatusOK, post(h, body, sig).Code)
	assert.Equal(t, http.StatusOK, post(h, body, sig).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(h, body, sig).Code)
}

func TestNewProvider_RequiresIngestor(t *testing.T) {
	_, err := revenuecat.NewProvider(revenuecat.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
