package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"VPN-Outline-backend/internal/apperr"
	"VPN-Outline-backend/internal/metrics"
)

// requestLog logs every request and counts it by route pattern.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		metrics.HTTPRequest(route, status)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

// bearer requires the shared secret in the Authorization header.
func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.Token)) != 1 {
			s.writeError(w, r, apperr.Unauthorized("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminHeader carries the acting administrator's id.
const adminHeader = "X-Admin-ID"

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(adminHeader), 10, 64)
		if err != nil {
			s.writeError(w, r, apperr.Unauthorized("missing "+adminHeader))
			return
		}
		ok, err := s.Admin.IsAdmin(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, apperr.Forbidden("not_admin", "not an administrator"))
			return
		}
		// Admin operations open only after the first login has set a password.
		if has, err := s.Admin.HasPassword(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		} else if !has {
			s.writeError(w, r, apperr.Forbidden("password_required", "log in to set a password first"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func adminID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get(adminHeader), 10, 64)
	return id
}
