package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/openclaw/support-bridge/internal/config"
	"github.com/openclaw/support-bridge/internal/middleware"
)

type Middleware func(http.Handler) http.Handler

// Sessions is the live tunnel registry, *session.Manager in production.
type Sessions interface {
	SessionManager
	SessionRegistry
}

type RouterDeps struct {
	Pairing        PairingService
	Sessions       Sessions
	Events         EventSource
	Health         http.Handler
	AllowedOrigins []string

	ServiceAuth     Middleware
	VerifyRateLimit Middleware
	BodyLimit       Middleware
	SecurityHeaders Middleware
}

func passthrough(next http.Handler) http.Handler { return next }

func orPassthrough(m Middleware) Middleware {
	if m == nil {
		return passthrough
	}
	return m
}

// NewRouter mounts the HTTP API. Streaming routes (tunnels and event
// streams) skip the request timeout.
func NewRouter(deps RouterDeps) chi.Router {
	pairingHandler := NewPairingHandler(deps.Pairing)
	sessionHandler := NewSessionHandler(deps.Pairing, deps.Sessions)
	eventsHandler := NewEventsHandler(deps.Events, deps.Pairing)
	tunnelHandler := NewTunnelHandler(deps.Sessions, deps.AllowedOrigins)

	serviceAuth := orPassthrough(deps.ServiceAuth)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Use(orPassthrough(deps.BodyLimit))
			r.Use(orPassthrough(deps.SecurityHeaders))

			r.With(serviceAuth).Post("/pairing/codes", pairingHandler.IssueCode)
			r.With(orPassthrough(deps.VerifyRateLimit)).Post("/pairing/verify", pairingHandler.VerifyCode)
			r.With(serviceAuth).Get("/sessions/{sessionID}", sessionHandler.GetSession)
		})

		r.With(serviceAuth).Get("/sessions/{sessionID}/events", eventsHandler.ServeHTTP)
		r.Get("/tunnel/remote", tunnelHandler.Remote)
		r.With(serviceAuth).Get("/tunnel/console", tunnelHandler.Console)
	})

	return r
}
