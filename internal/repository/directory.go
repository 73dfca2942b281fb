package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// DirectoryRepository answers identity questions owned by the surrounding
// support application: which organization a device belongs to and whether
// a user may act for that organization.
type DirectoryRepository interface {
	DeviceBelongsTo(ctx context.Context, deviceID, organizationID int64) (bool, error)
	IsActiveMember(ctx context.Context, userID, organizationID int64) (bool, error)
}

type directoryRepo struct {
	db *sqlx.DB
}

func NewDirectoryRepository(db *sqlx.DB) DirectoryRepository {
	return &directoryRepo{db: db}
}

func (r *directoryRepo) DeviceBelongsTo(ctx context.Context, deviceID, organizationID int64) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM devices
			WHERE id = $1 AND organization_id = $2 AND revoked_at IS NULL
		)
	`, deviceID, organizationID)
	return ok, err
}

func (r *directoryRepo) IsActiveMember(ctx context.Context, userID, organizationID int64) (bool, error) {
	var ok bool
	err := r.db.GetContext(ctx, &ok, `
		SELECT EXISTS (
			SELECT 1 FROM organization_members
			WHERE user_id = $1 AND organization_id = $2 AND disabled_at IS NULL
		)
	`, userID, organizationID)
	return ok, err
}
