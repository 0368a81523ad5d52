package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuth(t *testing.T) {
	h := BearerAuth("tok")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rr.Code)
	}
}

func TestBearerAuthDisabledWhenEmpty(t *testing.T) {
	h := BearerAuth("")(okHandler())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("empty token config: status = %d, want 200", rr.Code)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	limiter := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	defer limiter.Stop()
	h := RateLimit(limiter)(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send("198.51.100.1:1000"); code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", code)
	}
	if code := send("198.51.100.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", code)
	}
	// A different client is not affected.
	if code := send("198.51.100.2:1000"); code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", code)
	}
}
