package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/thebosco/library-server/internal/store"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyPrincipal holds the *principal resolved by ResolveSession.
	contextKeyPrincipal contextKey = iota
)

// principal is the per-request authentication state, resolved at most once.
type principal struct {
	user *store.User
	sess *store.Session
}

// ResolveSession reads the session cookie, resolves it to a user, touches the
// session, and memoizes the result in the request context. It never rejects;
// guards downstream decide what an absent principal means.
func (s *Server) ResolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cfg.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := s.sessions.GetByToken(r.Context(), cookie.Value)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		u, err := s.users.GetByID(r.Context(), sess.UserID)
		if err != nil {
			// Orphaned session; drop it.
			_ = s.sessions.Invalidate(r.Context(), sess)
			next.ServeHTTP(w, r)
			return
		}

		if err := s.sessions.Touch(r.Context(), sess); err != nil {
			s.log.Warn("session touch failed", zap.Int64("session_id", sess.ID), zap.Error(err))
		}

		ctx := context.WithValue(r.Context(), contextKeyPrincipal, &principal{user: u, sess: sess})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principalFromCtx returns the resolved principal, or nil when the request is
// unauthenticated.
func principalFromCtx(ctx context.Context) *principal {
	p, _ := ctx.Value(contextKeyPrincipal).(*principal)
	return p
}

// LoginRequired rejects unauthenticated requests with 401.
func (s *Server) LoginRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFromCtx(r.Context()) == nil {
			ErrUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminRequired rejects unauthenticated requests with 401 and authenticated
// non-admins with 403.
func (s *Server) AdminRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromCtx(r.Context())
		if p == nil {
			ErrUnauthorized(w)
			return
		}
		if !p.user.IsAdmin {
			ErrForbidden(w, msgAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// DownloadPermissionRequired rejects users without the download flag.
func (s *Server) DownloadPermissionRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFromCtx(r.Context())
		if p == nil {
			ErrUnauthorized(w)
			return
		}
		if !p.user.CanDownload {
			ErrForbidden(w, "Download permission required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LocalhostOnly answers 404 to any request not originating from loopback, so
// guarded endpoints do not reveal their existence. The first X-Forwarded-For
// hop takes precedence over the socket address when present.
func (s *Server) LocalhostOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(clientIP(r)) {
			ErrNotFound(w, "Not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoginRequiredIfEnabled behaves as LoginRequired when authentication is
// enabled and passes everything through otherwise. Single-user deployments
// run with the gateway disabled.
func (s *Server) LoginRequiredIfEnabled(next http.Handler) http.Handler {
	if !s.cfg.AuthEnabled {
		return next
	}
	return s.LoginRequired(next)
}

// AdminRequiredIfEnabled is the mode-conditional variant of AdminRequired.
func (s *Server) AdminRequiredIfEnabled(next http.Handler) http.Handler {
	if !s.cfg.AuthEnabled {
		return next
	}
	return s.AdminRequired(next)
}

// RequestLogger logs each request with method, path, status, and latency.
// Runs after chi's RequestID middleware so the id is in context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Instrument records request counts and latency per route pattern.
func (s *Server) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// chi exposes the matched pattern only after routing completes.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		s.metrics.ObserveRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}

// clientIP returns the effective client address: the first X-Forwarded-For
// hop when present, otherwise the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// sessionFromCtx returns the current session, or nil.
func sessionFromCtx(ctx context.Context) *store.Session {
	if p := principalFromCtx(ctx); p != nil {
		return p.sess
	}
	return nil
}
