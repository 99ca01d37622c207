package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/models"
)

func TestEntityStore_SoftDeleteEtagCAS(t *testing.T) {
	store := NewEntityStore()
	worldID := uuid.New()
	entity := store.Put(models.Entity{WorldID: worldID, Name: "keep", Kind: "location", OwnerID: "u1"})

	_, err := store.SoftDeleteOne(context.Background(), worldID, entity.ID, "stale-etag", "u1")
	assert.ErrorIs(t, err, deletion.ErrConflict)

	newEtag, err := store.SoftDeleteOne(context.Background(), worldID, entity.ID, entity.Etag, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, entity.Etag, newEtag)

	stored, err := store.GetByID(context.Background(), worldID, entity.ID, true)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	require.NotNil(t, stored.DeletedBy)
	assert.Equal(t, "u1", *stored.DeletedBy)

	_, err = store.GetByID(context.Background(), worldID, entity.ID, false)
	assert.ErrorIs(t, err, deletion.ErrNotFound)
}

func TestOperationLog_UpdateHeartbeatCAS(t *testing.T) {
	log := NewOperationLog()
	now := time.Now().UTC()
	op := &models.DeleteOperation{
		ID:            uuid.New(),
		WorldID:       uuid.New(),
		RootEntityID:  uuid.New(),
		Status:        models.OperationStatusPending,
		CreatedBy:     "u1",
		CreatedAt:     now,
		TTLSeconds:    86400,
		LastHeartbeat: now,
	}
	require.NoError(t, log.Create(context.Background(), op))
	assert.ErrorIs(t, log.Create(context.Background(), op), deletion.ErrDuplicate)

	stale := now.Add(-time.Minute)
	op.DeletedCount = 3
	assert.ErrorIs(t, log.Update(context.Background(), op, stale), deletion.ErrConflict)

	require.NoError(t, log.Update(context.Background(), op, now))
	stored, err := log.GetByID(context.Background(), op.WorldID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.DeletedCount)
}

func TestOperationLog_ClaimOnlyTransitionsPending(t *testing.T) {
	log := NewOperationLog()
	now := time.Now().UTC()
	op := &models.DeleteOperation{
		ID:            uuid.New(),
		WorldID:       uuid.New(),
		RootEntityID:  uuid.New(),
		Status:        models.OperationStatusPending,
		CreatedBy:     "u1",
		CreatedAt:     now,
		TTLSeconds:    86400,
		LastHeartbeat: now,
	}
	require.NoError(t, log.Create(context.Background(), op))

	claimed, err := log.Claim(context.Background(), op.WorldID, op.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claimer loses.
	claimed, err = log.Claim(context.Background(), op.WorldID, op.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	stored, err := log.GetByID(context.Background(), op.WorldID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusInProgress, stored.Status)
	assert.NotNil(t, stored.StartedAt)
}

func TestEntityStore_PathDoesNotAliasCallerSlices(t *testing.T) {
	store := NewEntityStore()
	worldID := uuid.New()
	rootID := uuid.New()

	path := []uuid.UUID{rootID}
	child := store.Put(models.Entity{WorldID: worldID, Name: "child", Kind: "location", OwnerID: "u1", Path: path})

	// Mutating the slice handed to Put must not reach the record.
	path[0] = uuid.New()

	stored, err := store.GetByID(context.Background(), worldID, child.ID, true)
	require.NoError(t, err)
	require.Len(t, stored.Path, 1)
	assert.Equal(t, rootID, stored.Path[0])

	// Nor must mutating a read result.
	stored.Path[0] = uuid.New()

	again, err := store.GetByID(context.Background(), worldID, child.ID, true)
	require.NoError(t, err)
	assert.Equal(t, rootID, again.Path[0])
}
