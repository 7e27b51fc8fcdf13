package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ratelimit"
)

type requestIDKey struct{}

// RequestIDMiddleware injects a unique X-Request-ID into every request
// context and response header. A client-supplied X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ipVisitor tracks the limiter and last-seen time for one remote IP.
type ipVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter is the transport-level guard: a token bucket per remote IP in
// front of everything, independent of the per-identity domain limiter.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*ipVisitor
	rps      rate.Limit
	burst    int
}

// NewIPRateLimiter creates a per-IP limiter allowing rps requests per second
// with the given burst.
func NewIPRateLimiter(rps int, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*ipVisitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *IPRateLimiter) visitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &ipVisitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanup removes stale visitor entries every minute.
func (rl *IPRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP limit.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.visitor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}

// DomainRateLimit applies the fixed-window domain limiter for class against
// the caller's identity (authenticated subject, else remote IP). The request
// is counted whether or not it is admitted.
func DomainRateLimit(limiter *ratelimit.Limiter, class string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := SubjectFromContext(r.Context())
		if identity == "" {
			identity = clientIP(r)
		}
		decision, err := limiter.CheckAndRecord(r.Context(), identity, class)
		if err != nil {
			// Fail open on limiter store errors rather than blocking traffic.
			next(w, r)
			return
		}
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			WriteTooManyRequests(w, retryAfter)
			return
		}
		next(w, r)
	}
}

type subjectKey struct{}

// SubjectFromContext returns the authenticated subject, or "".
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey{}).(string); ok {
		return s
	}
	return ""
}

// JWTAuth validates a Bearer token signed with the shared HMAC secret and
// stores its subject in the request context. An empty secret disables auth
// (dev mode). Webhook and health paths never pass through this middleware.
func JWTAuth(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if tokenStr == header {
			WriteUnauthorized(w, "Authorization header must be a Bearer token")
			return
		}
		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			WriteUnauthorized(w, "Invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}
