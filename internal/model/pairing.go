package model

import (
	"time"
)

// Owner is the principal a pairing code is issued for.
type Owner struct {
	UserID         int64 `db:"user_id" json:"user_id"`
	DeviceID       int64 `db:"device_id" json:"device_id"`
	OrganizationID int64 `db:"organization_id" json:"organization_id"`
}

// OwnerFilter scopes verification. Nil fields are not checked.
type OwnerFilter struct {
	UserID         *int64
	DeviceID       *int64
	OrganizationID *int64
}

// Matches reports whether every supplied field equals the owner's.
func (f OwnerFilter) Matches(o Owner) bool {
	if f.UserID != nil && *f.UserID != o.UserID {
		return false
	}
	if f.DeviceID != nil && *f.DeviceID != o.DeviceID {
		return false
	}
	if f.OrganizationID != nil && *f.OrganizationID != o.OrganizationID {
		return false
	}
	return true
}

type PairingRecord struct {
	Owner `json:"owner"`

	ID             string       `db:"id" json:"id"`
	SessionID      string       `db:"session_id" json:"sessionId"`
	CodeHash       *string      `db:"code_hash" json:"-"`
	TunnelEndpoint string       `db:"tunnel_endpoint" json:"tunnelEndpoint"`
	State          PairingState `db:"state" json:"state"`
	ChatSessionID  *string      `db:"chat_session_id" json:"chatSessionId,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time    `db:"expires_at" json:"expiresAt"`
	VerifiedAt     *time.Time   `db:"verified_at" json:"verifiedAt,omitempty"`
	ActivatedAt    *time.Time   `db:"activated_at" json:"activatedAt,omitempty"`
	ClosedAt       *time.Time   `db:"closed_at" json:"closedAt,omitempty"`
	CloseReason    *string      `db:"close_reason" json:"closeReason,omitempty"`
}

// IsExpired reports whether the hard wall-clock expiry has passed.
func (r *PairingRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime in whole seconds, never negative.
func (r *PairingRecord) ExpiresIn(now time.Time) int {
	remaining := r.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(remaining / time.Second)
}

type CreatePairingRecordParams struct {
	SessionID      string
	Owner          Owner
	CodeHash       string
	TunnelEndpoint string
	ChatSessionID  *string
	ExpiresAt      time.Time
}
