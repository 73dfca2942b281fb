package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/support-bridge/internal/audit"
	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/httputil"
	"github.com/openclaw/support-bridge/internal/util"
)

// ServiceAuthMiddleware admits callers presenting the shared service token,
// i.e. the support backend issuing codes and attaching consoles.
type ServiceAuthMiddleware struct {
	tokenHash string
}

// NewServiceAuthMiddleware with an empty token admits every request.
func NewServiceAuthMiddleware(token string) *ServiceAuthMiddleware {
	m := &ServiceAuthMiddleware{}
	if token != "" {
		m.tokenHash = util.HashToken(token)
	}
	return m
}

func (m *ServiceAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.InvalidToken("Missing authentication token"))
			return
		}

		if !util.ConstantTimeEqual(util.HashToken(token), m.tokenHash) {
			log.Warn().Str("path", r.URL.Path).Msg("auth middleware: invalid service token")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			httputil.WriteError(w, apperrors.InvalidToken("Invalid token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken reads a bearer header, falling back to a token query
// parameter for websocket clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
