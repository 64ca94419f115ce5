package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/hottubd/internal/logging"
)

// bearerAuth enforces Authorization: Bearer against the user and runner
// tokens. Comparison is constant-time; failures are rate limited per IP.
func (s *Server) bearerAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("httpapi: rate limited", "ip", clientIP)
			writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later", "")
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required", "")
			return
		}

		if !tokenMatches(token, s.deps.Config.BearerToken) &&
			!tokenMatches(token, s.deps.Config.RunnerBearerToken) {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("httpapi: auth failed", "ip", clientIP)
			writeError(w, http.StatusUnauthorized, "invalid credentials", "")
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		handler(w, r)
	}
}

// apiKeyAuth enforces the X-API-Key header on microcontroller endpoints.
func (s *Server) apiKeyAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)

		if s.rateLimiter.IsLimited(clientIP) {
			L_warn("httpapi: rate limited", "ip", clientIP)
			writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later", "")
			return
		}

		if !tokenMatches(r.Header.Get("X-API-Key"), s.deps.Config.ESP32APIKey) {
			s.rateLimiter.RecordFailure(clientIP)
			L_warn("httpapi: device auth failed", "ip", clientIP)
			writeError(w, http.StatusUnauthorized, "invalid credentials", "")
			return
		}

		s.rateLimiter.ClearFailure(clientIP)
		handler(w, r)
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// tokenMatches compares tokens in constant time. An empty configured token
// never matches, so an unset credential cannot be bypassed with an empty
// header.
func tokenMatches(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// RateLimiter tracks failed auth attempts and blocks IPs temporarily.
type RateLimiter struct {
	failures map[string]time.Time
	mu       sync.RWMutex
	delay    time.Duration
}

// NewRateLimiter creates a rate limiter with the given lockout delay.
func NewRateLimiter(delay time.Duration) *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]time.Time),
		delay:    delay,
	}
}

// RecordFailure records a failed auth attempt for an IP.
func (r *RateLimiter) RecordFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[ip] = time.Now()
}

// ClearFailure clears the failure record for an IP.
func (r *RateLimiter) ClearFailure(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, ip)
}

// IsLimited returns true while the IP is locked out.
func (r *RateLimiter) IsLimited(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	failTime, exists := r.failures[ip]
	if !exists {
		return false
	}
	return time.Since(failTime) <= r.delay
}
