package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
	"github.com/Elisa-Alvarez/Starlight/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

type errorGate struct{}

func (errorGate) CheckAndConsume(context.Context, string) (*entitlement.Decision, error) {
	return nil, entitlement.ErrTransient
}

func setupTestGate(t *testing.T) *entitlement.Gate {
	t.Helper()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	gate, err := entitlement.NewGate(memory.New(), entitlement.GateConfig{
		FreeDailyLimit: 2,
		Clock:          entitlement.ClockFunc(func() time.Time { return now }),
	})
	require.NoError(t, err)
	return gate
}

func setupRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.Use(Middleware(cfg))
	r.GET("/api/test", func(c *gongin.Context) {
		d, _ := DecisionFrom(c)
		c.JSON(http.StatusOK, gongin.H{"remaining": d.Remaining})
	})
	return r
}

func doRequest(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_AllowsUntilCeiling(t *testing.T) {
	r := setupRouter(Config{Gate: setupTestGate(t), GetUserID: FromHeader("X-User-ID")})

	w := doRequest(r, "user1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Quota-Remaining"))
	assert.Equal(t, "2", w.Header().Get("X-Quota-Limit"))
	assert.JSONEq(t, `{"remaining":1}`, w.Body.String())

	assert.Equal(t, http.StatusOK, doRequest(r, "user1").Code)

	w = doRequest(r, "user1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Quota-Remaining"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, true, body["requiresPremium"])
	assert.Equal(t, "PREMIUM_REQUIRED", body["error"].(map[string]any)["code"])
}

func TestMiddleware_MissingAuth(t *testing.T) {
	r := setupRouter(Config{Gate: setupTestGate(t), GetUserID: FromHeader("X-User-ID")})
	assert.Equal(t, http.StatusUnauthorized, doRequest(r, "").Code)
}

func TestMiddleware_GateError(t *testing.T) {
	r := setupRouter(Config{Gate: errorGate{}, GetUserID: FromHeader("X-User-ID")})
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(r, "user1").Code)
}

func TestMiddleware_CustomQuotaExceeded(t *testing.T) {
	r := setupRouter(Config{
		Gate:      setupTestGate(t),
		GetUserID: FromHeader("X-User-ID"),
		OnQuotaExceeded: func(c *gongin.Context, d *entitlement.Decision) {
			c.JSON(http.StatusPaymentRequired, gongin.H{"limit": d.Limit})
		},
	})

	doRequest(r, "user1")
	doRequest(r, "user1")
	w := doRequest(r, "user1")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.JSONEq(t, `{"limit":2}`, w.Body.String())
}

func TestMiddleware_FromContext(t *testing.T) {
	r := gongin.New()
	r.Use(func(c *gongin.Context) {
		c.Set("UserID", "user1")
		c.Next()
	})
	r.Use(Middleware(Config{Gate: setupTestGate(t), GetUserID: FromContext("UserID")}))
	r.GET("/api/test", func(c *gongin.Context) { c.Status(http.StatusNoContent) })

	w := doRequest(r, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Quota-Remaining"))
}

func TestMiddleware_ConfigValidation(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X-User-ID")}) })
	assert.Panics(t, func() { Middleware(Config{Gate: errorGate{}}) })
}
