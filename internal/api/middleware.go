package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quistapp/keygate/internal/license"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

const (
	maxBodyBytes = 1 << 20
	maxVisitors  = 4096
	visitorIdle  = 10 * time.Minute
)

// fieldError names the first request field that failed validation.
type fieldError struct {
	Field string
	Tag   string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s failed %s validation", e.Field, e.Tag)
}

// decodeJSON reads a bounded JSON body into dst and applies its validate tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &fieldError{Field: strings.ToLower(verrs[0].Field()), Tag: verrs[0].Tag()}
		}
		return err
	}
	return nil
}

func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context())))

			status := ww.Status()
			ev := logger.Debug()
			if status >= http.StatusInternalServerError {
				ev = logger.Warn()
			}
			ev.Int("status", status).Dur("duration", time.Since(start)).Str("remote", r.RemoteAddr).Msg("request")
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client address.
type ipRateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 10
	}
	return &ipRateLimiter{rps: rate.Limit(rps), burst: burst, visitors: make(map[string]*visitor)}
}

func (l *ipRateLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	if len(l.visitors) > maxVisitors {
		l.pruneLocked(now.Add(-visitorIdle))
	}
	return v.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) pruneLocked(before time.Time) {
	for ip, v := range l.visitors {
		if v.lastSeen.Before(before) {
			delete(l.visitors, ip)
		}
	}
}

func (l *ipRateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r), time.Now()) {
			zerolog.Ctx(r.Context()).Warn().Str("ip", clientIP(r)).Msg("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, validateError{Error: "Too many requests", Code: "RATE_LIMITED"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the caller address after RealIP has rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr == "" {
		return "unknown"
	}
	return r.RemoteAddr
}

type licenseCtxKey struct{}

// requireLicense admits requests carrying a currently usable key in
// X-License-Key (or ?key=). The normalised code is stored in the context.
func (s *Server) requireLicense(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-License-Key")
		if raw == "" {
			raw = r.URL.Query().Get("key")
		}
		code := license.NormalizeCode(raw)
		if code == "" {
			writeAPIError(w, r, http.StatusUnauthorized, "no_key", "No key")
			return
		}
		if _, err := s.licenses.CheckUsable(r.Context(), code); err != nil {
			reason, ok := license.DenialReason(err)
			if !ok {
				writeInternalError(w, r, err, "failed to check key")
				return
			}
			status := http.StatusUnauthorized
			if reason == license.ReasonBanned {
				status = http.StatusForbidden
			}
			writeAPIError(w, r, status, string(reason), denialMessage(err))
			return
		}
		ctx := context.WithValue(r.Context(), licenseCtxKey{}, code)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func licenseFromContext(ctx context.Context) string {
	code, _ := ctx.Value(licenseCtxKey{}).(string)
	return code
}

func denialMessage(err error) string {
	var d *license.DenialError
	if errors.As(err, &d) {
		return d.Message()
	}
	return err.Error()
}
