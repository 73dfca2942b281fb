package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/support-bridge/internal/httputil"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/session"
)

// SessionRegistry reports live tunnel state held in memory.
type SessionRegistry interface {
	Lookup(sessionID string) (session.Info, bool)
}

type SessionHandler struct {
	pairing  PairingService
	registry SessionRegistry
}

func NewSessionHandler(pairing PairingService, registry SessionRegistry) *SessionHandler {
	return &SessionHandler{
		pairing:  pairing,
		registry: registry,
	}
}

type sessionResponse struct {
	Success       bool               `json:"success"`
	SessionID     string             `json:"session_id"`
	State         model.PairingState `json:"state"`
	Owner         model.Owner        `json:"owner"`
	ChatSessionID *string            `json:"chat_session_id,omitempty"`
	CreatedAt     string             `json:"created_at"`
	ExpiresAt     string             `json:"expires_at"`
	VerifiedAt    any                `json:"verified_at"`
	ActivatedAt   any                `json:"activated_at"`
	ClosedAt      any                `json:"closed_at"`
	CloseReason   *string            `json:"close_reason,omitempty"`
	Live          *session.Info      `json:"live,omitempty"`
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.pairing.GetSession(r.Context(), sessionID)
	if err != nil {
		logFailure(err, "failed to get session")
		httputil.WriteError(w, err)
		return
	}

	resp := sessionResponse{
		Success:       true,
		SessionID:     rec.SessionID,
		State:         rec.State,
		Owner:         rec.Owner,
		ChatSessionID: rec.ChatSessionID,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     rec.ExpiresAt.Format(time.RFC3339),
		VerifiedAt:    formatTime(rec.VerifiedAt),
		ActivatedAt:   formatTime(rec.ActivatedAt),
		ClosedAt:      formatTime(rec.ClosedAt),
		CloseReason:   rec.CloseReason,
	}
	if info, ok := h.registry.Lookup(rec.SessionID); ok {
		resp.Live = &info
	}

	writeJSON(w, http.StatusOK, resp)
}
