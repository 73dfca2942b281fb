package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/support-bridge/internal/audit"
	"github.com/openclaw/support-bridge/internal/config"
	"github.com/openclaw/support-bridge/internal/database"
	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/repository"
	"github.com/openclaw/support-bridge/internal/util"
)

// pairingCodeChars omits I, O, 0 and 1 so codes survive being read aloud.
const pairingCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Transactor runs fn inside a database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type PairingOptions struct {
	Pepper                 string
	TunnelEndpointTemplate string
	CodeTTL                time.Duration
	RequireChatSession     bool
}

type IssueParams struct {
	Owner         model.Owner
	ChatSessionID string
	// SessionID is optional; a fresh UUID is generated when empty.
	SessionID string
}

type IssueResult struct {
	Code           string    `json:"code"`
	SessionID      string    `json:"session_id"`
	TunnelEndpoint string    `json:"-"`
	ExpiresIn      int       `json:"expires_in_seconds"`
	ExpiresAt      time.Time `json:"-"`
}

type VerifyParams struct {
	Owner model.OwnerFilter
	Code  string
}

type VerifyResult struct {
	SessionID      string `json:"session_id"`
	TunnelEndpoint string `json:"tunnel_endpoint"`
	ExpiresIn      int    `json:"expires_in_seconds"`
}

type PairingService struct {
	db        Transactor
	codeRepo  repository.PairingRepository
	directory repository.DirectoryRepository
	opts      PairingOptions
	now       func() time.Time
	generate  func() (string, error)
}

func NewPairingService(
	db Transactor,
	codeRepo repository.PairingRepository,
	directory repository.DirectoryRepository,
	opts PairingOptions,
) *PairingService {
	return &PairingService{
		db:        db,
		codeRepo:  codeRepo,
		directory: directory,
		opts:      opts,
		now:       time.Now,
		generate:  generatePairingCode,
	}
}

// IssueCode creates a pending pairing record for the owner's device and
// returns the plaintext code. Any earlier live record for the device is
// retired in the same transaction.
func (s *PairingService) IssueCode(ctx context.Context, params IssueParams) (*IssueResult, error) {
	if err := validateOwner(params.Owner); err != nil {
		return nil, err
	}

	chatSessionID := strings.TrimSpace(params.ChatSessionID)
	if s.opts.RequireChatSession && chatSessionID == "" {
		return nil, apperrors.MissingRequired("chat_session_id")
	}

	sessionID := strings.TrimSpace(params.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if !util.IsValidUUID(sessionID) {
		return nil, apperrors.InvalidInput("session_id", "must be a lowercase UUID")
	}

	if err := s.checkOwner(ctx, params.Owner); err != nil {
		return nil, err
	}

	var chatRef *string
	if chatSessionID != "" {
		chatRef = &chatSessionID
	}

	var (
		code string
		rec  *model.PairingRecord
	)
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		repo := s.codeRepo.WithTx(tx)

		if err := repo.LockDevice(ctx, params.Owner.DeviceID); err != nil {
			return apperrors.Database(err)
		}

		retired, err := repo.RetireLiveByDevice(ctx, params.Owner.DeviceID, model.CloseReasonSuperseded)
		if err != nil {
			return apperrors.Database(err)
		}
		if retired > 0 {
			log.Info().
				Int64("deviceId", params.Owner.DeviceID).
				Int64("count", retired).
				Msg("retired previous pairing records")
		}

		var codeHash string
		for attempt := 0; attempt < config.PairingCodeMaxRetries; attempt++ {
			candidate, err := s.generate()
			if err != nil {
				return apperrors.Internal("failed to generate pairing code").WithCause(err)
			}
			candidateHash := util.HashCode(s.opts.Pepper, candidate)

			exists, err := repo.ExistsPendingCodeHash(ctx, candidateHash)
			if err != nil {
				return apperrors.Database(err)
			}
			if !exists {
				code, codeHash = candidate, candidateHash
				break
			}
			log.Warn().Int("attempt", attempt+1).Msg("pairing code collision, regenerating")
		}
		if code == "" {
			return apperrors.Internal("could not allocate a unique pairing code")
		}

		rec, err = repo.Create(ctx, model.CreatePairingRecordParams{
			SessionID:      sessionID,
			Owner:          params.Owner,
			CodeHash:       codeHash,
			TunnelEndpoint: s.tunnelEndpoint(sessionID),
			ChatSessionID:  chatRef,
			ExpiresAt:      s.now().Add(s.opts.CodeTTL),
		})
		if err != nil {
			return apperrors.Database(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("code", util.MaskCode(code)).
		Str("sessionId", rec.SessionID).
		Int64("deviceId", rec.DeviceID).
		Time("expiresAt", rec.ExpiresAt).
		Msg("pairing code issued")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventCodeIssue,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		SessionID: rec.SessionID,
	})

	return &IssueResult{
		Code:           code,
		SessionID:      rec.SessionID,
		TunnelEndpoint: rec.TunnelEndpoint,
		ExpiresIn:      rec.ExpiresIn(s.now()),
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

// VerifyCode consumes a pairing code. A code verifies at most once: the
// stored hash is cleared on success, so a replay reports CodeInvalid.
func (s *PairingService) VerifyCode(ctx context.Context, params VerifyParams) (*VerifyResult, error) {
	code, err := NormalizeCode(params.Code)
	if err != nil {
		return nil, err
	}

	rec, err := s.codeRepo.FindByCodeHash(ctx, util.HashCode(s.opts.Pepper, code))
	if err != nil {
		log.Error().Err(err).Msg("verify code: database error")
		return nil, apperrors.Database(err)
	}

	if rec == nil || !params.Owner.Matches(rec.Owner) {
		log.Warn().Str("code", util.MaskCode(code)).Msg("invalid pairing code")
		return nil, apperrors.CodeInvalid()
	}

	now := s.now()
	switch rec.State {
	case model.PairingStatePending:
		if rec.IsExpired(now) {
			return nil, s.rejectExpired(ctx, rec)
		}
	case model.PairingStateExpired:
		return nil, s.rejectExpired(ctx, rec)
	default:
		log.Warn().Str("sessionId", rec.SessionID).Str("state", string(rec.State)).Msg("pairing code reused")
		return nil, apperrors.CodeAlreadyUsed()
	}

	ok, err := s.codeRepo.MarkVerified(ctx, rec.ID)
	if err != nil {
		log.Error().Err(err).Msg("verify code: mark verified")
		return nil, apperrors.Database(err)
	}
	if !ok {
		// Lost a race against another verifier or the expiry boundary.
		current, err := s.codeRepo.FindBySessionID(ctx, rec.SessionID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if current != nil && (current.State == model.PairingStateExpired || current.IsExpired(s.now())) {
			return nil, apperrors.CodeExpired()
		}
		return nil, apperrors.CodeAlreadyUsed()
	}

	log.Info().
		Str("sessionId", rec.SessionID).
		Int64("deviceId", rec.DeviceID).
		Msg("pairing code verified")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventCodeVerify,
		UserID:    rec.UserID,
		DeviceID:  rec.DeviceID,
		SessionID: rec.SessionID,
	})

	return &VerifyResult{
		SessionID:      rec.SessionID,
		TunnelEndpoint: rec.TunnelEndpoint,
		ExpiresIn:      rec.ExpiresIn(now),
	}, nil
}

// GetSession returns the pairing record behind a session id.
func (s *PairingService) GetSession(ctx context.Context, sessionID string) (*model.PairingRecord, error) {
	if !util.IsValidUUID(sessionID) {
		return nil, apperrors.InvalidInput("session_id", "must be a lowercase UUID")
	}
	rec, err := s.codeRepo.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if rec == nil {
		return nil, apperrors.NotFound("Session")
	}
	return rec, nil
}

func (s *PairingService) rejectExpired(ctx context.Context, rec *model.PairingRecord) error {
	log.Warn().Str("sessionId", rec.SessionID).Time("expiresAt", rec.ExpiresAt).Msg("expired pairing code")
	audit.Log(ctx, audit.Event{
		Type:      audit.EventCodeRejected,
		DeviceID:  rec.DeviceID,
		SessionID: rec.SessionID,
		Details:   map[string]interface{}{"reason": "expired"},
	})
	return apperrors.CodeExpired()
}

func (s *PairingService) checkOwner(ctx context.Context, owner model.Owner) error {
	ok, err := s.directory.DeviceBelongsTo(ctx, owner.DeviceID, owner.OrganizationID)
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.InvalidOwner("device does not belong to organization")
	}

	ok, err = s.directory.IsActiveMember(ctx, owner.UserID, owner.OrganizationID)
	if err != nil {
		return apperrors.Database(err)
	}
	if !ok {
		return apperrors.InvalidOwner("user is not a member of organization")
	}
	return nil
}

func (s *PairingService) tunnelEndpoint(sessionID string) string {
	return strings.ReplaceAll(s.opts.TunnelEndpointTemplate, config.SessionIDPlaceholder, sessionID)
}

func validateOwner(owner model.Owner) error {
	switch {
	case owner.UserID <= 0:
		return apperrors.MissingRequired("user_id")
	case owner.DeviceID <= 0:
		return apperrors.MissingRequired("device_id")
	case owner.OrganizationID <= 0:
		return apperrors.MissingRequired("organization_id")
	}
	return nil
}

// NormalizeCode uppercases a typed code and strips surrounding whitespace
// and the separators people add while typing. It rejects anything that
// could not have been issued.
func NormalizeCode(code string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	normalized = strings.NewReplacer("-", "", " ", "").Replace(normalized)

	if len(normalized) != config.PairingCodeLength {
		return "", apperrors.InvalidInput("six_digit_code", fmt.Sprintf("must be %d characters", config.PairingCodeLength))
	}
	for _, c := range normalized {
		if !strings.ContainsRune(pairingCodeChars, c) {
			return "", apperrors.InvalidInput("six_digit_code", "contains characters that are never issued")
		}
	}
	return normalized, nil
}

func generatePairingCode() (string, error) {
	chars := []byte(pairingCodeChars)
	code := make([]byte, config.PairingCodeLength)
	max := big.NewInt(int64(len(chars)))

	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = chars[n.Int64()]
	}

	return string(code), nil
}
