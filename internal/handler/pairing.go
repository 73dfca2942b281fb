package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/httputil"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/service"
)

// PairingService is the subset of *service.PairingService the HTTP layer uses.
type PairingService interface {
	IssueCode(ctx context.Context, params service.IssueParams) (*service.IssueResult, error)
	VerifyCode(ctx context.Context, params service.VerifyParams) (*service.VerifyResult, error)
	GetSession(ctx context.Context, sessionID string) (*model.PairingRecord, error)
}

type PairingHandler struct {
	pairing PairingService
}

func NewPairingHandler(pairing PairingService) *PairingHandler {
	return &PairingHandler{pairing: pairing}
}

type issueCodeRequest struct {
	UserID         int64  `json:"user_id"`
	DeviceID       int64  `json:"device_id"`
	OrganizationID int64  `json:"organization_id"`
	ChatSessionID  string `json:"chat_session_id"`
	SessionID      string `json:"session_id"`
}

type issueCodeResponse struct {
	Success bool `json:"success"`
	*service.IssueResult
}

// POST /v1/pairing/codes
func (h *PairingHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	var req issueCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	result, err := h.pairing.IssueCode(r.Context(), service.IssueParams{
		Owner: model.Owner{
			UserID:         req.UserID,
			DeviceID:       req.DeviceID,
			OrganizationID: req.OrganizationID,
		},
		ChatSessionID: req.ChatSessionID,
		SessionID:     req.SessionID,
	})
	if err != nil {
		logFailure(err, "failed to issue pairing code")
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueCodeResponse{Success: true, IssueResult: result})
}

type verifyCodeRequest struct {
	UserID         *int64 `json:"user_id"`
	DeviceID       *int64 `json:"device_id"`
	OrganizationID *int64 `json:"organization_id"`
	Code           string `json:"six_digit_code"`
}

type verifyCodeResponse struct {
	Success bool `json:"success"`
	*service.VerifyResult
}

// POST /v1/pairing/verify
func (h *PairingHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.Code == "" {
		httputil.WriteError(w, apperrors.MissingRequired("six_digit_code"))
		return
	}

	result, err := h.pairing.VerifyCode(r.Context(), service.VerifyParams{
		Owner: model.OwnerFilter{
			UserID:         req.UserID,
			DeviceID:       req.DeviceID,
			OrganizationID: req.OrganizationID,
		},
		Code: req.Code,
	})
	if err != nil {
		logFailure(err, "failed to verify pairing code")
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyCodeResponse{Success: true, VerifyResult: result})
}

// logFailure logs unexpected errors loudly and expected rejections quietly.
func logFailure(err error, msg string) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok || httputil.StatusFromCode(appErr.Code) >= http.StatusInternalServerError {
		log.Error().Err(err).Msg(msg)
		return
	}
	log.Debug().Str("code", string(appErr.Code)).Msg(msg)
}
