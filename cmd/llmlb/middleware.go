package main

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/api"
	"github.com/BaSui01/llmlb/audit"
	"github.com/BaSui01/llmlb/internal/httpapi"
	"github.com/BaSui01/llmlb/internal/metrics"
	"github.com/BaSui01/llmlb/types"
)

// Chain composes middlewares so the first listed runs outermost.
func Chain(mws ...api.Middleware) api.Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// statusWriter captures the response status for logging and metrics while
// passing Flush through so streamed responses are not buffered.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Recovery turns handler panics into 500 responses instead of dropped
// connections.
func Recovery(logger *zap.Logger) api.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					httpapi.WriteError(w, types.NewError(types.ErrInternalError, "internal server error"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns each request an identifier, honoring one supplied by the
// client, and echoes it back on the response.
func RequestID() api.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
				r.Header.Set("X-Request-ID", id)
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets conservative browser protections on every response.
func SecurityHeaders() api.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured line per completed request.
func RequestLogger(logger *zap.Logger) api.Middleware {
	logger = logger.With(zap.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			started := time.Now()
			next.ServeHTTP(sw, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(started)),
				zap.String("client_ip", httpapi.ClientIP(r)),
				zap.String("request_id", r.Header.Get("X-Request-ID")),
			)
		})
	}
}

// Metrics records per-request counters and latency histograms.
func Metrics(collector *metrics.Collector) api.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			started := time.Now()
			next.ServeHTTP(sw, r)
			collector.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(started))
		})
	}
}

// routePattern prefers the matched mux pattern over the raw path to keep the
// metric label cardinality bounded.
func routePattern(r *http.Request) string {
	if p := r.Pattern; p != "" {
		if _, path, ok := strings.Cut(p, " "); ok {
			return path
		}
		return p
	}
	return r.URL.Path
}

// Tracing opens one server span per request.
func Tracing() api.Middleware {
	tracer := otel.Tracer("llmlb/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.Int("http.status_code", sw.status),
			)
			if sw.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// RateLimiter throttles per client IP with a token bucket.
func RateLimiter(rps float64, burst int) api.Middleware {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
		lastSeen = make(map[string]time.Time)
	)

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		lim, ok := limiters[ip]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[ip] = lim
		}
		lastSeen[ip] = time.Now()
		if len(limiters) > 10000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, seen := range lastSeen {
				if seen.Before(cutoff) {
					delete(limiters, k)
					delete(lastSeen, k)
				}
			}
		}
		return lim
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiterFor(httpapi.ClientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				httpapi.WriteError(w, types.NewError(types.ErrRateLimited, "rate limit exceeded").WithRetryable(true))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// JWTAuth guards the management API with an HS256 bearer token. Claims carry
// the user identity and role.
func JWTAuth(secret string, logger *zap.Logger) api.Middleware {
	logger = logger.With(zap.String("component", "auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				httpapi.WriteError(w, types.NewError(types.ErrAuthentication, "missing bearer token"))
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !parsed.Valid {
				logger.Debug("jwt rejected", zap.Error(err))
				httpapi.WriteError(w, types.NewError(types.ErrAuthentication, "invalid or expired token"))
				return
			}

			userID, _ := claims["sub"].(string)
			ctx := types.WithActor(r.Context(), types.Actor{Kind: types.ActorUser, ID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// apiKeyCache avoids a COUNT query per unauthenticated request when no keys
// are provisioned yet.
type apiKeyCache struct {
	mu        sync.Mutex
	checkedAt time.Time
	anyKeys   bool
}

// APIKeyAuth guards the OpenAI-protocol routes. Credentials arrive as a
// bearer token or X-API-Key header and are matched by SHA-256 against the
// api_keys table. While no keys are provisioned, requests pass through as
// system traffic so a fresh install works out of the box.
func APIKeyAuth(db *gorm.DB, logger *zap.Logger) api.Middleware {
	logger = logger.With(zap.String("component", "auth"))
	cache := &apiKeyCache{}

	keysProvisioned := func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		if time.Since(cache.checkedAt) < 30*time.Second {
			return cache.anyKeys
		}
		var n int64
		if err := db.Model(&types.APIKey{}).Count(&n).Error; err != nil {
			logger.Warn("api key count failed", zap.Error(err))
			return cache.anyKeys
		}
		cache.checkedAt = time.Now()
		cache.anyKeys = n > 0
		return cache.anyKeys
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = r.Header.Get("X-API-Key")
			}
			if raw == "" {
				if !keysProvisioned() {
					next.ServeHTTP(w, r)
					return
				}
				httpapi.WriteError(w, types.NewError(types.ErrAuthentication, "API key required"))
				return
			}

			sum := sha256.Sum256([]byte(raw))
			hash := hex.EncodeToString(sum[:])

			var key types.APIKey
			if err := db.Where("key_hash = ?", hash).First(&key).Error; err != nil {
				httpapi.WriteError(w, types.NewError(types.ErrAuthentication, "invalid API key"))
				return
			}
			if key.Disabled {
				httpapi.WriteError(w, types.NewError(types.ErrAuthentication, "API key is disabled"))
				return
			}

			now := time.Now().Unix()
			db.Model(&types.APIKey{}).Where("id = ?", key.ID).Update("last_used_at", now)

			ctx := types.WithActor(r.Context(), types.Actor{Kind: types.ActorAPIKey, ID: key.ID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuditTrail records completed management requests. Proxy traffic is audited
// by the dispatcher with richer fields, so this wraps the /api group only.
func AuditTrail(writer *audit.Writer) api.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w}
			started := time.Now()
			next.ServeHTTP(sw, r)

			actor := types.ActorFromContext(r.Context())
			writer.Record(types.AuditLogEntry{
				Timestamp:  time.Now().UTC(),
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: sw.status,
				ActorKind:  actor.Kind,
				ActorID:    actor.ID,
				ClientIP:   httpapi.ClientIP(r),
				DurationMs: time.Since(started).Milliseconds(),
			})
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
