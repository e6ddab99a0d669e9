package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagedoor/internal/auth"
	"stagedoor/internal/config"
	"stagedoor/internal/rate"
	"stagedoor/internal/util"
)

func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := uuid.NewString()
		r = r.WithContext(WithRequestID(r.Context(), rid))
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r)
	})
}

// Authn resolves the caller identity from the Authorization header.
//
// In jwt mode every request must carry a bearer token minted by the
// external IdP; the token's role claim decides whether the caller is a
// wrangler or a performer. In key mode a bearer token, when present, is
// checked against the configured operator key and grants the wrangler
// role; requests without a token proceed as anonymous performers and
// identify themselves in the request body.
func Authn(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			switch cfg.AuthMode {
			case "jwt":
				if raw == "" {
					util.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", RequestID(r.Context()))
					return
				}
				id, err := auth.ParseIdentityToken(cfg.IDPJWTSecret, cfg.IDPIssuer, raw)
				if err != nil {
					util.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token", RequestID(r.Context()))
					return
				}
				r = r.WithContext(WithIdentity(r.Context(), id))
			default: // key
				if raw != "" {
					if !auth.VerifyOperatorKey(cfg.OperatorKeyHash, raw) {
						util.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid operator key", RequestID(r.Context()))
						return
					}
					r = r.WithContext(WithIdentity(r.Context(), auth.Identity{SubjectID: "operator", Role: auth.RoleWrangler}))
				} else {
					r = r.WithContext(WithIdentity(r.Context(), auth.Identity{Role: auth.RolePerformer}))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WranglerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := CallerIdentity(r.Context())
		if !ok || id.Role != auth.RoleWrangler {
			util.WriteError(w, http.StatusForbidden, "forbidden", "wrangler role required", RequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RateLimit(l *rate.Limiter, route string, limit int, span time.Duration, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + ":" + ClientIP(r, trustProxy)
			if !l.Allow(key, limit, span) {
				util.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", RequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		rid := RequestID(r.Context())
		log.Printf("request method=%s path=%s status=%d duration_ms=%d request_id=%s remote_ip=%s",
			r.Method, r.URL.Path, sr.status, time.Since(start).Milliseconds(), rid, ClientIP(r, false))
	})
}
