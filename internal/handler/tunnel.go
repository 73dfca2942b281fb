package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/httputil"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/tunnel"
	"github.com/openclaw/support-bridge/internal/util"
)

// SessionManager runs the two sides of a tunnel over upgraded connections.
type SessionManager interface {
	HandleRemote(ctx context.Context, conn *tunnel.Conn) error
	HandleConsole(ctx context.Context, sessionID string, role model.Role, conn *tunnel.Conn) error
}

type TunnelHandler struct {
	manager  SessionManager
	upgrader websocket.Upgrader
}

func NewTunnelHandler(manager SessionManager, allowedOrigins []string) *TunnelHandler {
	return &TunnelHandler{
		manager:  manager,
		upgrader: tunnel.NewUpgrader(allowedOrigins),
	}
}

// GET /v1/tunnel/remote
func (h *TunnelHandler) Remote(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("remote websocket upgrade failed")
		return
	}

	if err := h.manager.HandleRemote(r.Context(), tunnel.NewConn(ws)); err != nil {
		log.Info().Err(err).Str("ip", r.RemoteAddr).Msg("remote tunnel rejected")
	}
}

// GET /v1/tunnel/console?session_id=&role=
func (h *TunnelHandler) Console(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session_id")
	role := model.Role(q.Get("role"))

	if !util.IsValidUUID(sessionID) {
		httputil.WriteError(w, apperrors.InvalidInput("session_id", "must be a UUID"))
		return
	}
	if !role.Valid() {
		httputil.WriteError(w, apperrors.InvalidInput("role", "must be requester, agent or admin"))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("console websocket upgrade failed")
		return
	}

	if err := h.manager.HandleConsole(r.Context(), sessionID, role, tunnel.NewConn(ws)); err != nil {
		log.Info().Err(err).Str("sessionId", sessionID).Msg("console attach rejected")
	}
}
