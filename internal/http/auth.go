package http

import (
	"context"
	"errors"
	"net/http"

	"rupeek/internal/auth"
	applog "rupeek/internal/log"
	"rupeek/internal/services"
)

type contextKey string

const sessionContextKey contextKey = "session"

// requireUser authenticates the bearer token and attaches the user's
// session to the request. Browsers cannot set headers on EventSource, so
// GET requests may pass the token as access_token instead.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if raw == "" && r.Method == http.MethodGet {
			raw = r.URL.Query().Get("access_token")
		}

		userID, err := s.deps.Verifier.Verify(raw)
		if err != nil {
			s.logger.WarnContext(r.Context(), "Authentication failed",
				applog.FieldComponent, applog.ComponentAuth,
				applog.FieldPath, r.URL.Path,
				applog.FieldError, err)
			msg := "invalid token"
			if errors.Is(err, auth.ErrMissingToken) {
				msg = "missing bearer token"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="rupeek"`)
			writeErrorMessage(w, http.StatusUnauthorized, applog.ErrorTypeAuth, msg)
			return
		}

		if s.deps.Auth != nil {
			s.deps.Auth.SignIn(userID)
		}
		sess, ok := s.deps.Manager.Get(userID)
		if !ok {
			sess, err = s.deps.Manager.Open(r.Context(), userID)
			if err != nil {
				s.structured.LogError(r.Context(), "Failed to open session", err,
					applog.ComponentSession, applog.OpStartup, applog.NewFields().WithUser(userID))
				writeErrorMessage(w, http.StatusServiceUnavailable, applog.ErrorTypeDatabase, "session unavailable")
				return
			}
		}

		logger := applog.FromContext(r.Context()).With(applog.FieldUserID, userID)
		ctx := context.WithValue(r.Context(), applog.LoggerContextKey, logger)
		ctx = context.WithValue(ctx, sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) *services.Session {
	sess, _ := ctx.Value(sessionContextKey).(*services.Session)
	return sess
}

// userKey keys per-user rate limiting.
func userKey(r *http.Request) string {
	if sess := sessionFrom(r.Context()); sess != nil {
		return sess.UserID()
	}
	return ""
}
