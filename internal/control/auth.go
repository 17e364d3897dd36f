package control

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// =============================================================================
// JWT Claims
// =============================================================================

// SessionClaims identifies which control session a bearer token authorizes.
// The claim's Session field is the session tag carried on every job and event
// the holder is permitted to act on (§3's "session" tag).
type SessionClaims struct {
	Session string `json:"session"`
	jwt.RegisteredClaims
}

type sessionContextKey struct{}

// SessionFromContext returns the authenticated caller's session, or "" if
// the request was not authenticated (--no-sessions mode).
func SessionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionContextKey{}).(string)
	return s
}

// =============================================================================
// Authenticator
// =============================================================================

// Authenticator validates bearer tokens against a signing secret and issues
// new tokens for a session. With --no-sessions set, Middleware is a no-op:
// every request is treated as the empty (global) session.
type Authenticator struct {
	secret        []byte
	sessionsOff   bool
	tokenLifetime time.Duration
}

// NewAuthenticator returns an Authenticator signing/verifying tokens with
// secret. sessionsOff mirrors --no-sessions: ownership checks are skipped
// and the middleware does not require a bearer token at all.
func NewAuthenticator(secret []byte, sessionsOff bool) *Authenticator {
	return &Authenticator{secret: secret, sessionsOff: sessionsOff, tokenLifetime: 24 * time.Hour}
}

// IssueToken signs a token authorizing its holder to act as session.
func (a *Authenticator) IssueToken(session string) (string, error) {
	claims := &SessionClaims{
		Session: session,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "jobd",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *Authenticator) validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.Session, nil
}

// Middleware authenticates the bearer token on every request, stashing the
// resolved session in the request context for handlers (and the downstream
// RPC layer's ownership check, §7 PermissionDenied) to read back out.
func (a *Authenticator) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.sessionsOff {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				jsonError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			session, err := a.validate(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// =============================================================================
// Per-session rate limiting
// =============================================================================

// SessionLimiter bounds how often one authenticated session may call a
// goal-changing RPC (start/stop/restart/emit), independent of the
// respawn-rate limiter domain/job applies to a job's own restart loop --
// this one guards the control surface, not a job's spawn loop.
type SessionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewSessionLimiter returns a limiter allowing each session ratePerSecond
// requests/sec, with burst tokens banked for bursts of rapid calls.
func NewSessionLimiter(ratePerSecond float64, burst int) *SessionLimiter {
	return &SessionLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (s *SessionLimiter) limiterFor(session string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[session]
	if !ok {
		l = rate.NewLimiter(s.rate, s.burst)
		s.limiters[session] = l
	}
	return l
}

// Middleware rejects a request with 429 once its session has exhausted its
// token bucket. Runs after Authenticator.Middleware so SessionFromContext
// is already populated.
func (s *SessionLimiter) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := SessionFromContext(r.Context())
			if !s.limiterFor(session).Allow() {
				jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
