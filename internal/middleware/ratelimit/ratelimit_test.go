package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(t *testing.T, perMinute int) (*Limiter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rl := NewLimiter(Config{RequestsPerMinute: perMinute, CleanupInterval: time.Hour, Clock: clock})
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestAllowWithinWindow(t *testing.T) {
	rl, clock := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("fourth request in the same minute should be refused")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other clients have their own window")
	}

	clock.Advance(time.Minute)
	if !rl.Allow("10.0.0.1") {
		t.Error("a new window should admit the client again")
	}

	if got := rl.GetMetrics().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestRefusedRequestsDoNotExtendWindow(t *testing.T) {
	rl, clock := newTestLimiter(t, 1)

	rl.Allow("ip")
	clock.Advance(30 * time.Second)
	rl.Allow("ip")
	clock.Advance(30 * time.Second)
	if !rl.Allow("ip") {
		t.Error("window should reset one minute after it opened")
	}
}

func TestRetryAfter(t *testing.T) {
	rl, clock := newTestLimiter(t, 1)

	if got := rl.RetryAfter("unknown"); got != 0 {
		t.Errorf("RetryAfter(unknown) = %v, want 0", got)
	}
	rl.Allow("ip")
	clock.Advance(20 * time.Second)
	if got := rl.RetryAfter("ip"); got != 40*time.Second {
		t.Errorf("RetryAfter = %v, want 40s", got)
	}
}

func TestCleanupStaleEntries(t *testing.T) {
	rl, clock := newTestLimiter(t, 10)

	rl.Allow("old")
	clock.Advance(11 * time.Minute)
	rl.Allow("fresh")

	if removed := rl.CleanupStaleEntries(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if got := rl.ActiveClients(); got != 1 {
		t.Errorf("ActiveClients = %d, want 1", got)
	}
}

func TestMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := rl.Middleware(func(*http.Request) string { return "1.2.3.4" }, nil)(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}
}

func TestMiddlewareCustomResponse(t *testing.T) {
	rl, _ := newTestLimiter(t, 1)
	called := false
	h := rl.Middleware(
		func(*http.Request) string { return "ip" },
		func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		},
	)(http.NotFoundHandler())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called || rec.Code != http.StatusTeapot {
		t.Errorf("custom handler not used: called=%v status=%d", called, rec.Code)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	rl := NewLimiter(Config{})
	rl.Stop()
	rl.Stop()
}
