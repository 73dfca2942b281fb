package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/support-bridge/internal/model"
)

type PairingRepository interface {
	// LockDevice serializes issuance for a device until the surrounding
	// transaction ends. Only meaningful on a repository bound with WithTx.
	LockDevice(ctx context.Context, deviceID int64) error
	RetireLiveByDevice(ctx context.Context, deviceID int64, reason string) (int64, error)
	ExistsPendingCodeHash(ctx context.Context, codeHash string) (bool, error)
	Create(ctx context.Context, params model.CreatePairingRecordParams) (*model.PairingRecord, error)
	FindByCodeHash(ctx context.Context, codeHash string) (*model.PairingRecord, error)
	FindBySessionID(ctx context.Context, sessionID string) (*model.PairingRecord, error)
	// MarkVerified moves a pending, unexpired record to verified and clears
	// its code hash. It reports false when another caller got there first.
	MarkVerified(ctx context.Context, id string) (bool, error)
	Activate(ctx context.Context, sessionID string) (bool, error)
	Close(ctx context.Context, sessionID string, reason string) (bool, error)
	ExpireStale(ctx context.Context) (int64, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingRepository
}

// pairingDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type pairingDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type pairingRepo struct {
	db pairingDB
}

func NewPairingRepository(db *sqlx.DB) PairingRepository {
	return &pairingRepo{db: db}
}

func (r *pairingRepo) WithTx(tx *sqlx.Tx) PairingRepository {
	return &pairingRepo{db: tx}
}

func (r *pairingRepo) LockDevice(ctx context.Context, deviceID int64) error {
	_, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, deviceID)
	return err
}

func (r *pairingRepo) RetireLiveByDevice(ctx context.Context, deviceID int64, reason string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_records SET
			state = 'consumed',
			code_hash = NULL,
			closed_at = NOW(),
			close_reason = $2
		WHERE device_id = $1 AND state IN ('pending', 'verified', 'active')
	`, deviceID, reason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *pairingRepo) ExistsPendingCodeHash(ctx context.Context, codeHash string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM pairing_records
			WHERE code_hash = $1 AND state = 'pending'
		)
	`, codeHash)
	return exists, err
}

func (r *pairingRepo) Create(ctx context.Context, params model.CreatePairingRecordParams) (*model.PairingRecord, error) {
	var rec model.PairingRecord
	err := r.db.GetContext(ctx, &rec, `
		INSERT INTO pairing_records (
			session_id, user_id, device_id, organization_id,
			code_hash, tunnel_endpoint, chat_session_id, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`,
		params.SessionID, params.Owner.UserID, params.Owner.DeviceID, params.Owner.OrganizationID,
		params.CodeHash, params.TunnelEndpoint, params.ChatSessionID, params.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *pairingRepo) FindByCodeHash(ctx context.Context, codeHash string) (*model.PairingRecord, error) {
	var rec model.PairingRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT * FROM pairing_records
		WHERE code_hash = $1
		ORDER BY (state = 'pending') DESC, created_at DESC
		LIMIT 1
	`, codeHash)
	return HandleNotFound(&rec, err)
}

func (r *pairingRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.PairingRecord, error) {
	var rec model.PairingRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT * FROM pairing_records WHERE session_id = $1
	`, sessionID)
	return HandleNotFound(&rec, err)
}

func (r *pairingRepo) MarkVerified(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_records SET
			state = 'verified',
			code_hash = NULL,
			verified_at = NOW()
		WHERE id = $1 AND state = 'pending' AND expires_at > NOW()
	`, id)
	return affectedOne(result, err)
}

func (r *pairingRepo) Activate(ctx context.Context, sessionID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_records SET
			state = 'active',
			activated_at = NOW()
		WHERE session_id = $1 AND state = 'verified' AND expires_at > NOW()
	`, sessionID)
	return affectedOne(result, err)
}

func (r *pairingRepo) Close(ctx context.Context, sessionID string, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_records SET
			state = 'consumed',
			code_hash = NULL,
			closed_at = NOW(),
			close_reason = $2
		WHERE session_id = $1 AND state IN ('verified', 'active')
	`, sessionID, reason)
	return affectedOne(result, err)
}

func (r *pairingRepo) ExpireStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pairing_records SET
			state = 'expired',
			closed_at = NOW(),
			close_reason = 'expired'
		WHERE state IN ('pending', 'verified') AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *pairingRepo) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_records
		WHERE state IN ('consumed', 'expired') AND closed_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
