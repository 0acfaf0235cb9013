package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
	"github.com/cloakroom-chat/cloakroom/internal/idempotency"
	"github.com/cloakroom-chat/cloakroom/internal/identity"
)

type contextKey string

const contextKeyPrincipal contextKey = "principal"

// PrincipalFromContext retrieves the verified principal injected by the auth
// middleware. The zero value means the request is unauthenticated.
func PrincipalFromContext(ctx context.Context) identity.Principal {
	p, _ := ctx.Value(contextKeyPrincipal).(identity.Principal)
	return p
}

// authed wraps a handler with bearer-token verification and the per-(DID,
// method) rate limiter. The method name is what tokens bind to and what the
// limiter buckets by.
func (s *Server) authed(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		principal, err := s.Verifier.Verify(r.Context(), token, method)
		if err != nil {
			if s.Metrics != nil && dserr.From(err).Code == "replayed" {
				s.Metrics.Replays.Inc()
			}
			WriteServiceError(w, err)
			return
		}

		if ok, retry := s.Limiter.AllowPrincipal(principal.DID, method); !ok {
			if s.Metrics != nil {
				s.Metrics.RateLimited.Inc()
			}
			WriteServiceError(w, dserr.RateLimited(retry))
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyPrincipal, principal)
		next(w, r.WithContext(ctx))
	}
}

// ipLimited wraps unauthenticated endpoints with the per-client-IP bucket.
func (s *Server) ipLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, retry := s.Limiter.AllowIP(s.clientIP(r)); !ok {
			WriteServiceError(w, dserr.RateLimited(retry))
			return
		}
		next(w, r)
	}
}

// idempotent wraps a write handler with the idempotency cache. The key comes
// from the Idempotency-Key header and is mandatory; the cached response is
// replayed for repeats, and a repeat with a different payload conflicts.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if key == "" {
			WriteServiceError(w, dserr.Validation("Idempotency-Key header is required"))
			return
		}
		principal := PrincipalFromContext(r.Context())

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteServiceError(w, dserr.Validation("unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fingerprint := idempotency.Fingerprint(r.Method, r.URL.Path, body)
		rec, err := s.Idempotency.Do(r.Context(), principal.DID, key, fingerprint, func() (idempotency.Record, error) {
			recorder := &responseRecorder{header: make(http.Header)}
			next(recorder, r)
			return idempotency.Record{Status: recorder.status, Body: recorder.body.Bytes()}, nil
		})
		if err != nil {
			WriteServiceError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.Status)
		w.Write(rec.Body)
	}
}

// responseRecorder captures a handler's response for the idempotency cache.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// clientIP derives the client address from the configured trusted proxy
// headers, in order; the socket address is used only when no trusted header
// is present. Arbitrary client-supplied forwarding headers are never
// consulted.
func (s *Server) clientIP(r *http.Request) string {
	for _, header := range s.Config.HTTP.TrustedProxyHeaders {
		if v := r.Header.Get(header); v != "" {
			// The first entry is the original client in a trusted chain.
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			return strings.TrimSpace(v)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// slogMiddleware logs each request with latency and status.
func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Websocket upgrades need the raw ResponseWriter (Hijacker).
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

// maxBodySize limits request body size.
func maxBodySize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
