package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
	"github.com/Elisa-Alvarez/Starlight/storage/memory"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// Test helper to create a gate over a fresh memory store
func setupTestGate(t *testing.T) (*entitlement.Gate, *memory.Storage) {
	t.Helper()

	store := memory.New()
	gate, err := entitlement.NewGate(store, entitlement.GateConfig{
		FreeDailyLimit: 3,
		PaidDailyLimit: 50,
		Clock:          entitlement.ClockFunc(func() time.Time { return testNow }),
	})
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}
	return gate, store
}

type errorGate struct{}

func (errorGate) CheckAndConsume(context.Context, string) (*entitlement.Decision, error) {
	return nil, entitlement.ErrTransient
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	gate, _ := setupTestGate(t)

	handler := Middleware(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler())

	rec := serve(handler, "user1")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "success" {
		t.Errorf("Expected 'success', got %s", rec.Body.String())
	}
	if got := rec.Header().Get(HeaderQuotaRemaining); got != "2" {
		t.Errorf("Expected remaining 2, got %q", got)
	}
	if got := rec.Header().Get(HeaderQuotaLimit); got != "3" {
		t.Errorf("Expected limit 3, got %q", got)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	gate, _ := setupTestGate(t)

	handler := Middleware(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler())

	for i := 0; i < 3; i++ {
		if rec := serve(handler, "user1"); rec.Code != http.StatusOK {
			t.Fatalf("view %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := serve(handler, "user1")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderQuotaRemaining); got != "0" {
		t.Errorf("Expected remaining 0, got %q", got)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Success || body.Error.Code != CodePremiumRequired || !body.RequiresPremium {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestMiddleware_PremiumUserIsUnlimited(t *testing.T) {
	gate, store := setupTestGate(t)
	ctx := context.Background()

	if _, err := store.CreateEntitlement(ctx, entitlement.NewEntitlement("pro1", testNow, 0)); err != nil {
		t.Fatalf("Failed to create entitlement: %v", err)
	}
	if err := store.LinkSubscriber(ctx, "pro1", "rc_pro1"); err != nil {
		t.Fatalf("Failed to link: %v", err)
	}
	_, err := store.ApplyEvent(ctx, &entitlement.ApplyRequest{
		Entry: entitlement.LedgerEntry{EventID: "evt-pro", EventType: "INITIAL_PURCHASE", AppUserID: "rc_pro1"},
		Event: entitlement.Purchase{
			EventMeta: entitlement.EventMeta{ID: "evt-pro", Type: "INITIAL_PURCHASE", AppUserID: "rc_pro1", ProductID: "starlight_monthly"},
			Kind:      entitlement.PurchaseInitial,
		},
	})
	if err != nil {
		t.Fatalf("Failed to apply purchase: %v", err)
	}

	handler := Middleware(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler())

	rec := serve(handler, "pro1")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderQuotaRemaining); got != "-1" {
		t.Errorf("Expected remaining -1, got %q", got)
	}
	if got := rec.Header().Get(HeaderQuotaLimit); got != "50" {
		t.Errorf("Expected limit 50, got %q", got)
	}
}

func TestMiddleware_MissingAuth(t *testing.T) {
	gate, _ := setupTestGate(t)

	handler := Middleware(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
	})(okHandler())

	rec := serve(handler, "")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_AllowAnonymous(t *testing.T) {
	handler := Middleware(Config{
		Gate:           errorGate{},
		GetUserID:      FromHeader("X-User-ID"),
		AllowAnonymous: true,
	})(okHandler())

	rec := serve(handler, "")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderQuotaRemaining) != "" {
		t.Error("Anonymous requests should not carry quota headers")
	}
}

func TestMiddleware_GateErrorFailsClosed(t *testing.T) {
	called := false
	handler := Middleware(Config{
		Gate:      errorGate{},
		GetUserID: FromHeader("X-User-ID"),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := serve(handler, "user1")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if called {
		t.Error("Handler must not run when the gate fails")
	}
}

// brokenStore fails every quota read and write
type brokenStore struct {
	*memory.Storage
}

func (brokenStore) ConsumeDaily(context.Context, *entitlement.ConsumeRequest) (*entitlement.ConsumeResult, error) {
	return nil, errors.New("connection refused")
}

func TestMiddleware_FailOpenHeaders(t *testing.T) {
	gate, err := entitlement.NewGate(brokenStore{memory.New()}, entitlement.GateConfig{
		FreeDailyLimit: 3,
		FailurePolicy:  entitlement.FailOpen,
		Clock:          entitlement.ClockFunc(func() time.Time { return testNow }),
	})
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}

	rec := serve(Middleware(Config{Gate: gate, GetUserID: FromHeader("X-User-ID")})(okHandler()), "user1")

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(HeaderQuotaLimit); got != "3" {
		t.Errorf("Expected limit 3 on an admitted request, got %q", got)
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	gate, _ := setupTestGate(t)

	var gotErr error
	errHandler := Middleware(Config{
		Gate:      errorGate{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusTeapot)
		},
	})(okHandler())

	if rec := serve(errHandler, "user1"); rec.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rec.Code)
	}
	if !errors.Is(gotErr, entitlement.ErrTransient) {
		t.Errorf("Expected ErrTransient, got %v", gotErr)
	}

	var denied *entitlement.Decision
	quotaHandler := Middleware(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
		OnQuotaExceeded: func(w http.ResponseWriter, r *http.Request, d *entitlement.Decision) {
			denied = d
			w.WriteHeader(http.StatusPaymentRequired)
		},
		OnUnauthorized: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusProxyAuthRequired)
		},
	})(okHandler())

	for i := 0; i < 3; i++ {
		serve(quotaHandler, "user1")
	}
	if rec := serve(quotaHandler, "user1"); rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if denied == nil || denied.Allowed || denied.Limit != 3 {
		t.Errorf("Unexpected decision: %+v", denied)
	}
	if rec := serve(quotaHandler, ""); rec.Code != http.StatusProxyAuthRequired {
		t.Errorf("Expected status 407, got %d", rec.Code)
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	gate, _ := setupTestGate(t)

	var decision *entitlement.Decision
	handler := Middleware(Config{
		Gate:      gate,
		GetUserID: FromContext(UserIDKey),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, _ = DecisionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "user1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if decision == nil || !decision.Allowed || decision.Remaining != 2 {
		t.Errorf("Unexpected decision in context: %+v", decision)
	}
}

func TestMiddleware_ConcurrentRequests(t *testing.T) {
	gate, _ := setupTestGate(t)

	handler := HandlerFunc(Config{
		Gate:      gate,
		GetUserID: FromHeader("X-User-ID"),
	})(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var allowed, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch serve(handler, "user1").Code {
			case http.StatusOK:
				allowed.Add(1)
			case http.StatusForbidden:
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 3 {
		t.Errorf("Expected exactly 3 admitted requests, got %d", allowed.Load())
	}
	if denied.Load() != 17 {
		t.Errorf("Expected 17 denied requests, got %d", denied.Load())
	}
}

func TestMiddleware_ConfigValidation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Gate")
		}
	}()
	Middleware(Config{GetUserID: FromHeader("X-User-ID")})
}
