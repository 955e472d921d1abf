package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// actorHeader names the reviewer when no JWT secret is configured.
const actorHeader = "X-Actor-ID"

type ctxKey int

const actorKey ctxKey = iota

// ActorFrom returns the caller identity set by the actor middleware.
func ActorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorKey).(string)
	return a
}

// actor resolves the caller identity. With a JWT secret configured a
// bearer token is required to be valid when present and its subject
// becomes the actor; otherwise the X-Actor-ID header is trusted.
func (s *Server) actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if s.auth.JWTSecret == "" {
			id = strings.TrimSpace(r.Header.Get(actorHeader))
		} else if h := r.Header.Get("Authorization"); h != "" {
			sub, err := s.subject(h)
			if err != nil {
				zap.L().Debug("api: rejected token", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
				return
			}
			id = sub
		}
		if id != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) subject(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", eris.New("api: authorization is not a bearer token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.auth.Issuer))
	}
	token, err := jwt.Parse(strings.TrimSpace(raw), func(*jwt.Token) (any, error) {
		return []byte(s.auth.JWTSecret), nil
	}, opts...)
	if err != nil {
		return "", eris.Wrap(err, "api: parse token")
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", eris.New("api: token has no subject")
	}
	return sub, nil
}

// rateLimit applies the limiter per actor, falling back to the client IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ActorFrom(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		res, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			zap.L().Warn("api: rate limiter failed, allowing request", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if res.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		}
		if !res.Allowed {
			secs := int(math.Ceil(res.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			zap.L().Error("http request", fields...)
			return
		}
		zap.L().Debug("http request", fields...)
	})
}
