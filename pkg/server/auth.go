package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wattwindow/wattwindow/pkg/log"
)

// authMiddleware verifies an optional bearer ID token against the configured
// OIDC audiences and stores the verified email in the request context.
// Requests without a token pass through; handlers that mutate state decide
// whether an email is required.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" && len(s.oidcVerifiers) > 0 {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			var email string
			var lastErr error
			for name, verify := range s.oidcVerifiers {
				idToken, err := verify(ctx, parts[1])
				if err != nil {
					lastErr = err
					continue
				}
				var claims struct {
					Email string `json:"email"`
				}
				if err := idToken.Claims(&claims); err != nil {
					lastErr = err
					continue
				}
				log.Ctx(ctx).DebugContext(ctx, "verified id token", slog.String("provider", name))
				email = claims.Email
				break
			}
			if email == "" {
				log.Ctx(ctx).WarnContext(ctx, "failed to validate id token", slog.Any("error", lastErr))
				writeJSONError(w, "invalid id token", http.StatusUnauthorized)
				return
			}
			ctx = context.WithValue(ctx, emailContextKey, email)
			r = r.WithContext(ctx)
		}

		next.ServeHTTP(w, r)
	})
}

// authorizedEmail returns the verified email from the request context, if any.
func (s *Server) authorizedEmail(r *http.Request) string {
	if email, ok := r.Context().Value(emailContextKey).(string); ok {
		return email
	}
	return ""
}

// requireUpdater checks that the request may trigger updates or change
// config. It writes the error response itself and returns false when not
// allowed.
func (s *Server) requireUpdater(w http.ResponseWriter, r *http.Request) bool {
	if s.bypassAuth {
		return true
	}

	email := s.authorizedEmail(r)
	if email == "" {
		log.Ctx(r.Context()).WarnContext(r.Context(), "missing authentication")
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return false
	}

	if s.updateSpecificEmail != "" && email == s.updateSpecificEmail {
		return true
	}
	for _, admin := range s.adminEmails {
		if email == admin {
			return true
		}
	}

	log.Ctx(r.Context()).WarnContext(r.Context(), "unauthorized email", slog.String("email", email))
	writeJSONError(w, "unauthorized email", http.StatusForbidden)
	return false
}
