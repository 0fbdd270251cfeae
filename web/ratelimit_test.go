package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newLimitedHandler(m *RateLimiter) http.Handler {
	return m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func doRequest(handler http.Handler, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	m := NewRateLimiter(rate.Every(time.Hour), 3)
	defer m.StopCleanup()
	handler := newLimitedHandler(m)

	for i := 0; i < 3; i++ {
		if code := doRequest(handler, "10.0.0.1:1000"); code != http.StatusOK {
			t.Fatalf("Expected request %d allowed, got %d", i+1, code)
		}
	}
	if code := doRequest(handler, "10.0.0.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 past the burst, got %d", code)
	}
}

func TestRateLimiterIsPerIP(t *testing.T) {
	m := NewRateLimiter(rate.Every(time.Hour), 1)
	defer m.StopCleanup()
	handler := newLimitedHandler(m)

	if code := doRequest(handler, "10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("Expected first IP allowed, got %d", code)
	}
	if code := doRequest(handler, "10.0.0.1:2000"); code != http.StatusTooManyRequests {
		t.Errorf("Expected same IP on a new port limited, got %d", code)
	}
	if code := doRequest(handler, "10.0.0.2:1000"); code != http.StatusOK {
		t.Errorf("Expected a different IP unaffected, got %d", code)
	}
}

func TestRateLimiterHandlesBareAddr(t *testing.T) {
	m := NewRateLimiter(rate.Every(time.Hour), 1)
	defer m.StopCleanup()
	handler := newLimitedHandler(m)

	// RemoteAddr without a port still limits on the raw value
	if code := doRequest(handler, "10.0.0.9"); code != http.StatusOK {
		t.Fatalf("Expected allowed, got %d", code)
	}
	if code := doRequest(handler, "10.0.0.9"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}
}

func TestCleanupInactiveRemovesIdleEntries(t *testing.T) {
	m := NewRateLimiter(rate.Every(time.Hour), 1)
	defer m.StopCleanup()
	handler := newLimitedHandler(m)

	doRequest(handler, "10.0.0.1:1000")
	doRequest(handler, "10.0.0.2:1000")

	m.mu.Lock()
	m.limiters["10.0.0.1"].lastAccess = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.cleanupInactive(time.Hour)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limiters["10.0.0.1"]; ok {
		t.Error("Expected the idle entry removed")
	}
	if _, ok := m.limiters["10.0.0.2"]; !ok {
		t.Error("Expected the active entry kept")
	}
}
