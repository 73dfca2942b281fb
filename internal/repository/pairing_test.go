package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/support-bridge/internal/database"
	"github.com/openclaw/support-bridge/internal/model"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(url)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	_, err = db.Exec(`TRUNCATE pairing_records, devices, organization_members, organizations RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

func createRecord(t *testing.T, repo PairingRepository, deviceID int64, hash string, expiresAt time.Time) *model.PairingRecord {
	t.Helper()
	rec, err := repo.Create(context.Background(), model.CreatePairingRecordParams{
		SessionID:      uuid.NewString(),
		Owner:          model.Owner{UserID: 1, DeviceID: deviceID, OrganizationID: 2},
		CodeHash:       hash,
		TunnelEndpoint: "ws://localhost/v1/tunnel/remote",
		ExpiresAt:      expiresAt,
	})
	require.NoError(t, err)
	return rec
}

func TestPairingRepository_Create(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewPairingRepository(db.DB)
	rec := createRecord(t, repo, 5, "hash-1", time.Now().Add(15*time.Minute))

	assert.Equal(t, model.PairingStatePending, rec.State)
	assert.Equal(t, int64(5), rec.DeviceID)
	require.NotNil(t, rec.CodeHash)
	assert.Equal(t, "hash-1", *rec.CodeHash)
	assert.Nil(t, rec.VerifiedAt)
}

func TestPairingRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewPairingRepository(db.DB)
	ctx := context.Background()
	rec := createRecord(t, repo, 5, "hash-1", time.Now().Add(15*time.Minute))

	t.Run("verifies exactly once and clears the hash", func(t *testing.T) {
		ok, err := repo.MarkVerified(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.MarkVerified(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := repo.FindByCodeHash(ctx, "hash-1")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("activates a verified session once", func(t *testing.T) {
		ok, err := repo.Activate(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Activate(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("closes idempotently", func(t *testing.T) {
		ok, err := repo.Close(ctx, rec.SessionID, model.CloseReasonDisconnect)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Close(ctx, rec.SessionID, model.CloseReasonDisconnect)
		require.NoError(t, err)
		assert.False(t, ok)

		found, err := repo.FindBySessionID(ctx, rec.SessionID)
		require.NoError(t, err)
		assert.Equal(t, model.PairingStateConsumed, found.State)
	})

	t.Run("stamps transitions with the database clock", func(t *testing.T) {
		found, err := repo.FindBySessionID(ctx, rec.SessionID)
		require.NoError(t, err)
		require.NotNil(t, found.VerifiedAt)
		require.NotNil(t, found.ActivatedAt)
		require.NotNil(t, found.ClosedAt)

		var dbNow time.Time
		require.NoError(t, db.GetContext(ctx, &dbNow, `SELECT clock_timestamp()`))

		assert.False(t, found.VerifiedAt.Before(found.CreatedAt))
		assert.False(t, found.ActivatedAt.Before(*found.VerifiedAt))
		assert.False(t, found.ClosedAt.Before(*found.ActivatedAt))
		assert.False(t, found.ClosedAt.After(dbNow))
	})
}

func TestPairingRepository_RetireLiveByDevice(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewPairingRepository(db.DB)
	ctx := context.Background()
	createRecord(t, repo, 5, "hash-1", time.Now().Add(15*time.Minute))

	n, err := repo.RetireLiveByDevice(ctx, 5, model.CloseReasonSuperseded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := repo.ExistsPendingCodeHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.False(t, exists)

	createRecord(t, repo, 5, "hash-2", time.Now().Add(15*time.Minute))
	exists, err = repo.ExistsPendingCodeHash(ctx, "hash-2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPairingRepository_ExpireStale(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewPairingRepository(db.DB)
	ctx := context.Background()
	rec := createRecord(t, repo, 7, "hash-old", time.Now().Add(-time.Minute))

	ok, err := repo.MarkVerified(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "expired records cannot be verified")

	n, err := repo.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByCodeHash(ctx, "hash-old")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, model.PairingStateExpired, found.State)

	deleted, err := repo.DeleteClosedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestDirectoryRepository(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	db.MustExec(`INSERT INTO organizations (id, name) VALUES (2, 'acme')`)
	db.MustExec(`INSERT INTO devices (id, organization_id, name) VALUES (5, 2, 'laptop')`)
	db.MustExec(`INSERT INTO organization_members (organization_id, user_id) VALUES (2, 1)`)

	repo := NewDirectoryRepository(db.DB)

	ok, err := repo.DeviceBelongsTo(ctx, 5, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.DeviceBelongsTo(ctx, 5, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.IsActiveMember(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsActiveMember(ctx, 9, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}
