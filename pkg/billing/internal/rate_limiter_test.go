package internal

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *time.Time) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(limit, window)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_WindowLimit(t *testing.T) {
	rl, now := newTestLimiter(50, time.Minute)

	for i := 0; i < 50; i++ {
		require.True(t, rl.Allow("1.2.3.4"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "other IPs have their own bucket")

	*now = now.Add(time.Minute)
	assert.True(t, rl.Allow("1.2.3.4"), "window resets")
}

func TestRateLimiter_CleanupRemovesExpired(t *testing.T) {
	rl, now := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		rl.Allow("192.168.1." + strconv.Itoa(i))
	}
	require.Len(t, rl.requests, 150)

	*now = now.Add(2 * time.Minute)
	rl.Cleanup()
	assert.Empty(t, rl.requests)
}

func TestRateLimiter_CleanupDeterministic(t *testing.T) {
	rl, now := newTestLimiter(10, time.Minute)

	for i := 0; i < 50; i++ {
		rl.Allow("10.0.0." + strconv.Itoa(i))
	}
	*now = now.Add(2 * time.Minute)

	// the 100th request triggers a sweep
	for i := 0; i < 50; i++ {
		rl.Allow("10.0.1.1")
	}
	assert.Len(t, rl.requests, 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"code":"TOO_MANY_REQUESTS"`)

	// a rotating X-Forwarded-For does not reset the budget
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		remoteAddr string
		want       string
	}{
		{"forwarded header ignored", "203.0.113.7, 10.0.0.1", "10.0.0.2:443", "10.0.0.2"},
		{"remote with port", "", "198.51.100.4:5555", "198.51.100.4"},
		{"remote without port", "", "198.51.100.4", "198.51.100.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}
