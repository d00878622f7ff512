package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/chronicle/internal/config"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func newLimiter(t *testing.T, rps float64, burst int) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.New(client, rps, burst)
}

func opsDefaults() config.OpsConfig {
	return config.DefaultConfig().Ops
}

func TestKillSwitchBypassesAdmission(t *testing.T) {
	cfg := opsDefaults()
	cfg.DisableNewMW = true
	cfg.EnableReqSizeCap = true
	cfg.ReqSizeBytes = 10
	cfg.EnableSecHeaders = true

	mw := NewOpsMiddleware(cfg, nil, metrics.New(nil))
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	// A body far over the cap sails through under the kill switch.
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(strings.Repeat("x", 100)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	// Security headers still attach under the kill switch.
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing under kill switch")
	}
}

func TestSizeCapBoundary(t *testing.T) {
	cfg := opsDefaults()
	cfg.EnableReqSizeCap = true
	cfg.ReqSizeBytes = 16

	reg := metrics.New(nil)
	mw := NewOpsMiddleware(cfg, nil, reg)
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	// Exactly at the cap: allowed.
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(strings.Repeat("x", 16)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("body equal to cap rejected: %d", resp.StatusCode)
	}

	// One byte over: rejected.
	resp, err = http.Post(srv.URL, "application/json", strings.NewReader(strings.Repeat("x", 17)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("body over cap got %d, want 413", resp.StatusCode)
	}
	if got := reg.Get("request_size_exceeded_total", nil); got != 1 {
		t.Fatalf("request_size_exceeded_total = %d", got)
	}
}

func TestSizeCapWarnOnlyWhenNotEnforced(t *testing.T) {
	cfg := opsDefaults()
	cfg.EnableReqSizeCap = false
	cfg.ReqSizeBytes = 16

	reg := metrics.New(nil)
	mw := NewOpsMiddleware(cfg, nil, reg)
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(strings.Repeat("x", 17)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unenforced cap rejected request: %d", resp.StatusCode)
	}
	if got := reg.Get("request_size_exceeded_total", nil); got != 1 {
		t.Fatalf("exceeded counter = %d, want 1 even without enforcement", got)
	}
}

func TestRateLimitEnforcedInCanary(t *testing.T) {
	// Rate limiting is globally off, but the full-canary cohort gets it.
	cfg := opsDefaults()
	cfg.EnableRateLimit = false
	cfg.EnableCanary = true
	cfg.CanaryPercent = 100
	cfg.RateLimitBurst = 3

	reg := metrics.New(nil)
	mw := NewOpsMiddleware(cfg, newLimiter(t, 10, 3), reg)
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	client := srv.Client()
	var last *http.Response
	for i := 0; i < 4; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		req.Header.Set(sessionHeader, "s1")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		last = resp
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("burst+1 request got %d, want 429", last.StatusCode)
	}
	if last.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", last.Header.Get("Retry-After"))
	}
	if got := reg.Get("rate_limit_exceeded_total", map[string]string{"identifier": "s1"}); got != 1 {
		t.Fatalf("rate_limit_exceeded_total = %d", got)
	}
}

func TestNoRateLimitOutsideCanary(t *testing.T) {
	cfg := opsDefaults()
	cfg.EnableRateLimit = false
	cfg.EnableCanary = false
	cfg.RateLimitBurst = 1

	mw := NewOpsMiddleware(cfg, newLimiter(t, 10, 1), metrics.New(nil))
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		req.Header.Set(sessionHeader, "s1")
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d got %d with limiting disabled", i, resp.StatusCode)
		}
	}
}

func TestRateLimiterBackendFailureFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.New(client, 10, 1)
	mr.Close()
	client.Close()

	cfg := opsDefaults()
	cfg.EnableRateLimit = true

	mw := NewOpsMiddleware(cfg, limiter, metrics.New(nil))
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("broken limiter backend blocked traffic: %d", resp.StatusCode)
	}
}

func TestSecurityHeadersAndHSTS(t *testing.T) {
	cfg := opsDefaults()
	cfg.EnableSecHeaders = true

	mw := NewOpsMiddleware(cfg, nil, metrics.New(nil))
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	resp, _ := http.Get(srv.URL)
	resp.Body.Close()
	if resp.Header.Get("X-Frame-Options") != "DENY" || resp.Header.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("security headers missing: %v", resp.Header)
	}
	if resp.Header.Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS attached without ENABLE_HSTS")
	}

	cfg.EnableHSTS = true
	mw2 := NewOpsMiddleware(cfg, nil, metrics.New(nil))
	srv2 := httptest.NewServer(mw2.Wrap(okHandler()))
	defer srv2.Close()

	resp2, _ := http.Get(srv2.URL)
	resp2.Body.Close()
	if resp2.Header.Get("Strict-Transport-Security") == "" {
		t.Fatal("HSTS missing with ENABLE_HSTS")
	}
}

func TestCORSAllowList(t *testing.T) {
	cfg := opsDefaults()
	cfg.CORSAllowOrigins = []string{"https://allowed.example"}

	mw := NewOpsMiddleware(cfg, nil, metrics.New(nil))
	srv := httptest.NewServer(mw.Wrap(okHandler()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Origin", "https://allowed.example")
	resp, _ := srv.Client().Do(req)
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://allowed.example" {
		t.Fatal("allowed origin not reflected")
	}

	req2, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req2.Header.Set("Origin", "https://evil.example")
	resp2, _ := srv.Client().Do(req2)
	resp2.Body.Close()
	if resp2.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin reflected")
	}
}

func TestCanaryCohortDeterministic(t *testing.T) {
	first := inCanaryCohort("session-abc", 50)
	for i := 0; i < 10; i++ {
		if inCanaryCohort("session-abc", 50) != first {
			t.Fatal("cohort assignment not stable")
		}
	}
	if inCanaryCohort("anything", 0) {
		t.Fatal("0 percent put identity in canary")
	}
	if !inCanaryCohort("anything", 100) {
		t.Fatal("100 percent left identity out of canary")
	}
}
