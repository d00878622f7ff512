package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"github.com/oriys/chronicle/internal/config"
	"github.com/oriys/chronicle/internal/logging"
	"github.com/oriys/chronicle/internal/metrics"
	"github.com/oriys/chronicle/internal/ratelimit"
)

// sessionHeader carries the client's session grouping key.
const sessionHeader = "X-Session-ID"

// OpsMiddleware is the per-request admission chain: kill switch, canary
// cohorting, rate limit, size cap, then security and CORS headers on the
// way out. Any internal failure falls back to serving the request raw.
type OpsMiddleware struct {
	cfg     config.OpsConfig
	limiter *ratelimit.Limiter // nil when the KV store is unbound
	metrics *metrics.Registry
}

// NewOpsMiddleware assembles the chain.
func NewOpsMiddleware(cfg config.OpsConfig, limiter *ratelimit.Limiter, reg *metrics.Registry) *OpsMiddleware {
	return &OpsMiddleware{cfg: cfg, limiter: limiter, metrics: reg}
}

// Wrap applies the admission chain around next.
func (m *OpsMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Headers are attached before the handler runs so they precede
		// the first WriteHeader, kill switch included.
		m.applyResponseHeaders(w, r)

		if m.cfg.DisableNewMW {
			next.ServeHTTP(w, r)
			return
		}

		verdict := m.admit(r)
		switch verdict.status {
		case http.StatusTooManyRequests:
			w.Header().Set("Retry-After", "60")
			writeJSONError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "too many requests, please retry later")
			return
		case http.StatusRequestEntityTooLarge:
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", m.cfg.ReqSizeBytes))
			return
		}

		next.ServeHTTP(w, r)
	})
}

type admission struct {
	status int // 0 = admitted
}

// admit runs canary assignment, rate limiting, and the size cap. A panic
// anywhere inside degrades to admission.
func (m *OpsMiddleware) admit(r *http.Request) (verdict admission) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Op().Warn("ops middleware failure, serving request raw", "panic", rec)
			verdict = admission{}
		}
	}()

	identity := clientIdentity(r)
	inCanary := m.cfg.EnableCanary && inCanaryCohort(canaryIdentity(r), m.cfg.CanaryPercent)

	if m.limiter != nil {
		enforced := m.cfg.EnableRateLimit || inCanary
		res, err := m.limiter.Allow(r.Context(), identity)
		if err != nil {
			// Fail open: a broken limiter backend must not block traffic.
			logging.Op().Warn("rate limit check failed, allowing", "identity", identity, "error", err)
		} else if !res.Allowed {
			m.metrics.Inc("rate_limit_exceeded_total", map[string]string{"identifier": identity})
			if enforced {
				return admission{status: http.StatusTooManyRequests}
			}
		}
	}

	if r.ContentLength > 0 && r.ContentLength > m.cfg.ReqSizeBytes {
		m.metrics.Inc("request_size_exceeded_total", nil)
		if m.cfg.EnableReqSizeCap || inCanary {
			return admission{status: http.StatusRequestEntityTooLarge}
		}
		logging.Op().Warn("request over size cap, cap not enforced",
			"content_length", r.ContentLength, "cap", m.cfg.ReqSizeBytes)
	}

	return admission{}
}

func (m *OpsMiddleware) applyResponseHeaders(w http.ResponseWriter, r *http.Request) {
	if m.cfg.EnableSecHeaders {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if m.cfg.EnableHSTS {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
	}

	// Empty allow-list passes through untouched.
	if len(m.cfg.CORSAllowOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range m.cfg.CORSAllowOrigins {
		if allowed == "*" || allowed == origin {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, "+sessionHeader)
			return
		}
	}
}

// clientIdentity picks the rate-limit bucket key: session id, then client
// IP, then the shared unknown bucket.
func clientIdentity(r *http.Request) string {
	if sid := r.Header.Get(sessionHeader); sid != "" {
		return sid
	}
	if ip := clientIP(r); ip != "" {
		return ip
	}
	return "unknown"
}

// canaryIdentity is the string hashed for cohort assignment: the session id
// when present, otherwise client IP plus a truncated user agent.
func canaryIdentity(r *http.Request) string {
	if sid := r.Header.Get(sessionHeader); sid != "" {
		return sid
	}
	ua := r.UserAgent()
	if len(ua) > 32 {
		ua = ua[:32]
	}
	return clientIP(r) + ua
}

// inCanaryCohort deterministically maps an identity to [0,100) and compares
// against the rollout percentage, so an identity's cohort is stable for the
// lifetime of the percent value.
func inCanaryCohort(identity string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(identity))
	return h.Sum32()%100 < uint32(percent)
}

// clientIP extracts the client IP from forwarding headers or RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")
	return ip
}
