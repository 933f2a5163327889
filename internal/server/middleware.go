package server

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"warden/internal/auth"
	"warden/internal/crypto"
	"warden/internal/events"
	"warden/internal/registry"
	"warden/internal/tenant"
)

type contextKey string

const (
	deviceContextKey contextKey = "device"
	claimsContextKey contextKey = "claims"
)

// Logging logs request details
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

// ─── Device Authentication ───────────────────────────────────────────────────

// deviceAuth verifies the HMAC request signature carried by every agent
// call. The body is buffered before verification so the bytes MACed are
// exactly the bytes the handler reads. Every failure mode gets the same
// generic 401; the distinguishing detail goes to the event bus instead
// of the attacker.
func (s *Server) deviceAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(crypto.HeaderDeviceID)
		tsHeader := r.Header.Get(crypto.HeaderTimestamp)
		signature := r.Header.Get(crypto.HeaderSignature)
		if deviceID == "" || tsHeader == "" || signature == "" {
			s.rejectSignature(w, r, deviceID, "missing headers")
			return
		}

		unixTS, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil || !crypto.TimestampFresh(unixTS, time.Now()) {
			s.rejectSignature(w, r, deviceID, "timestamp outside window")
			return
		}

		dev, err := registry.GetDeviceByID(s.db, deviceID)
		if err != nil {
			log.Printf("[Auth] device lookup failed: %v", err)
			s.rejectSignature(w, r, deviceID, "lookup failed")
			return
		}
		if dev == nil {
			s.rejectSignature(w, r, deviceID, "unknown device")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.rejectSignature(w, r, deviceID, "unreadable body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !crypto.VerifyRequest([]byte(dev.Secret), r.Method, r.URL.Path, unixTS, body, signature) {
			s.rejectSignature(w, r, deviceID, "bad signature")
			return
		}

		// A decommissioned device's identity is retired for good; its
		// secret no longer opens any door.
		if dev.Status == registry.StatusDecommissioned {
			s.rejectSignature(w, r, deviceID, "decommissioned")
			return
		}

		ctx := context.WithValue(r.Context(), deviceContextKey, dev)
		next(w, r.WithContext(ctx))
	}
}

func (s *Server) rejectSignature(w http.ResponseWriter, r *http.Request, deviceID, reason string) {
	s.bus.Publish(events.Event{
		Type:     events.SignatureRejected,
		Severity: events.SeverityWarning,
		DeviceID: deviceID,
		Message:  "request signature rejected",
		Metadata: map[string]string{
			"reason": reason,
			"ip":     extractIP(r),
			"path":   r.URL.Path,
		},
	})
	JSONErrorCode(w, "invalid request signature", CodeSignatureInvalid, http.StatusUnauthorized)
}

// deviceFrom returns the authenticated device placed by deviceAuth.
func deviceFrom(r *http.Request) *registry.Device {
	dev, _ := r.Context().Value(deviceContextKey).(*registry.Device)
	return dev
}

// ─── Admin Authentication ────────────────────────────────────────────────────

// adminAuth validates the Bearer token and stores the claims for the
// handler. Tenant scoping is derived from the claims, never from request
// parameters.
func (s *Server) adminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			JSONError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims, err := s.tokens.Validate(token)
		if err != nil {
			JSONError(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next(w, r.WithContext(ctx))
	}
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*auth.Claims)
	return claims
}

// scopeFrom derives the tenant scope of the authenticated admin. With no
// claims in the context the zero scope matches nothing.
func scopeFrom(r *http.Request) tenant.Scope {
	return auth.ScopeFor(claimsFrom(r))
}

// ─── Rate Limiter ────────────────────────────────────────────────────────────

type visitor struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter implements a per-IP token bucket rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64 // tokens replenished per second
	burst    float64 // max tokens (bucket size)
}

// NewRateLimiter creates a rate limiter that allows `limit` requests per `window` per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     float64(limit) / window.Seconds(),
		burst:    float64(limit),
	}

	// Cleanup stale entries every 5 minutes
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		for range ticker.C {
			rl.cleanup()
		}
	}()

	return rl
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.burst - 1, lastSeen: now}
		return true
	}

	// Replenish tokens based on elapsed time
	elapsed := now.Sub(v.lastSeen).Seconds()
	v.tokens += elapsed * rl.rate
	if v.tokens > rl.burst {
		v.tokens = rl.burst
	}
	v.lastSeen = now

	if v.tokens >= 1 {
		v.tokens--
		return true
	}

	return false
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

// Limit wraps an http.HandlerFunc with rate limiting.
func (rl *RateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Too many requests. Please try again later."}`))
			log.Printf("[HTTP] rate limited: %s %s from %s", r.Method, r.URL.Path, ip)
			return
		}
		next(w, r)
	}
}

func extractIP(r *http.Request) string {
	// Check X-Forwarded-For for reverse proxy setups
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the client
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
