package deletion_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/willow/internal/repositories/memory"
	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/models"
)

func newTestService(t *testing.T) (*deletion.Service, *memory.EntityStore, *memory.OperationLog) {
	t.Helper()
	entities := memory.NewEntityStore()
	ops := memory.NewOperationLog()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	svc := deletion.NewService(entities, ops, deletion.DefaultPolicy(), nil, logger)
	return svc, entities, ops
}

func seedEntity(entities *memory.EntityStore, worldID uuid.UUID, parent *models.Entity) models.Entity {
	e := models.Entity{
		WorldID: worldID,
		Name:    "somewhere",
		Kind:    "location",
		OwnerID: "user-1",
	}
	if parent != nil {
		e.ParentID = &parent.ID
		e.Path = append(append([]uuid.UUID{}, parent.Path...), parent.ID)
	}
	return entities.Put(e)
}

func TestInitiate_AdmitsPendingOperation(t *testing.T) {
	svc, entities, ops := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.OperationStatusPending, op.Status)
	assert.Equal(t, root.ID, op.RootEntityID)
	assert.Equal(t, root.Name, op.RootEntityName)
	assert.True(t, op.Cascade)
	assert.Equal(t, "user-1", op.CreatedBy)
	assert.Equal(t, 86400, op.TTLSeconds)

	stored, err := ops.GetByID(context.Background(), worldID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusPending, stored.Status)
}

func TestInitiate_MissingRootIs404(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Initiate(context.Background(), uuid.New(), uuid.New(), true, "user-1")
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestInitiate_NonCascadeWithChildrenIs400(t *testing.T) {
	svc, entities, _ := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)
	seedEntity(entities, worldID, &root)

	_, err := svc.Initiate(context.Background(), worldID, root.ID, false, "user-1")
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestInitiate_AlreadyDeletedRootIsStillAdmitted(t *testing.T) {
	svc, entities, _ := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	_, err := entities.SoftDeleteOne(context.Background(), worldID, root.ID, root.Etag, "user-1")
	require.NoError(t, err)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusPending, op.Status)
}

func TestInitiate_ConcurrencyCapReturns429WithRetryAfter(t *testing.T) {
	entities := memory.NewEntityStore()
	ops := memory.NewOperationLog()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	policy := deletion.Policy{
		MaxConcurrentPerPrincipalPerWorld: 2,
		RetryAfterSeconds:                 30,
		OperationTTLSeconds:               86400,
	}
	svc := deletion.NewService(entities, ops, policy, nil, logger)

	worldID := uuid.New()
	for i := 0; i < 2; i++ {
		root := seedEntity(entities, worldID, nil)
		_, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
		require.NoError(t, err)
	}

	root := seedEntity(entities, worldID, nil)
	_, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusTooManyRequests, httperror.GetStatusCode(err))
	assert.Equal(t, 30, httperror.ToHTTPError(err).Meta["retry_after_seconds"])

	// Another principal in the same world is unaffected.
	_, err = svc.Initiate(context.Background(), worldID, root.ID, true, "user-2")
	assert.NoError(t, err)
}

func TestGetStatus_UnknownOperationIs404(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetStatus(context.Background(), uuid.New(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestGetStatus_ExpiredOperationIs404(t *testing.T) {
	svc, entities, ops := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	// Finish the operation, then move the clock past its TTL.
	completed := time.Now().UTC()
	op.Status = models.OperationStatusCompleted
	op.CompletedAt = &completed
	require.NoError(t, ops.Update(context.Background(), op, op.LastHeartbeat))

	ops.SetClock(func() time.Time { return completed.Add(25 * time.Hour) })

	_, err = svc.GetStatus(context.Background(), worldID, op.ID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestListRecent_ReturnsNewestFirst(t *testing.T) {
	svc, entities, _ := newTestService(t)
	worldID := uuid.New()

	var created []uuid.UUID
	for i := 0; i < 3; i++ {
		root := seedEntity(entities, worldID, nil)
		op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
		require.NoError(t, err)
		created = append(created, op.ID)
		time.Sleep(time.Millisecond)
	}

	listed, err := svc.ListRecent(context.Background(), worldID, 0)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, created[2], listed[0].ID)

	listed, err = svc.ListRecent(context.Background(), worldID, 2)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestRetry_ResetsCountersAndArchivesAttempt(t *testing.T) {
	svc, entities, ops := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	completed := time.Now().UTC()
	failed := []uuid.UUID{uuid.New()}
	op.Status = models.OperationStatusPartial
	op.TotalEntities = 10
	op.DeletedCount = 8
	op.FailedCount = 2
	op.FailedEntityIDs = failed
	op.CompletedAt = &completed
	require.NoError(t, ops.Update(context.Background(), op, op.LastHeartbeat))

	retried, err := svc.Retry(context.Background(), worldID, op.ID)
	require.NoError(t, err)

	assert.Equal(t, models.OperationStatusPending, retried.Status)
	assert.Zero(t, retried.TotalEntities)
	assert.Zero(t, retried.DeletedCount)
	assert.Zero(t, retried.FailedCount)
	assert.Empty(t, retried.FailedEntityIDs)
	assert.Nil(t, retried.CompletedAt)

	require.Len(t, retried.RetryHistory, 1)
	record := retried.RetryHistory[0]
	assert.Equal(t, models.OperationStatusPartial, record.PriorStatus)
	assert.Equal(t, 10, record.TotalEntities)
	assert.Equal(t, 8, record.DeletedCount)
	assert.Equal(t, 2, record.FailedCount)
}

func TestRetry_OnlyFailedOrPartialCanRetry(t *testing.T) {
	svc, entities, ops := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	for _, status := range []models.OperationStatus{
		models.OperationStatusPending,
		models.OperationStatusInProgress,
		models.OperationStatusCompleted,
		models.OperationStatusCancelled,
	} {
		op.Status = status
		require.NoError(t, ops.Update(context.Background(), op, op.LastHeartbeat))

		_, err := svc.Retry(context.Background(), worldID, op.ID)
		require.Error(t, err, "status %s should not be retryable", status)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	}
}

func TestCancel_SetsFlagOnActiveOperation(t *testing.T) {
	svc, entities, ops := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	cancelled, err := svc.Cancel(context.Background(), worldID, op.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	assert.Equal(t, models.OperationStatusPending, cancelled.Status)

	stored, err := ops.GetByID(context.Background(), worldID, op.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)
}

func TestCancel_TerminalOperationIsRejected(t *testing.T) {
	svc, entities, ops := newTestService(t)
	worldID := uuid.New()
	root := seedEntity(entities, worldID, nil)

	op, err := svc.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	completed := time.Now().UTC()
	op.Status = models.OperationStatusCompleted
	op.CompletedAt = &completed
	require.NoError(t, ops.Update(context.Background(), op, op.LastHeartbeat))

	_, err = svc.Cancel(context.Background(), worldID, op.ID)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}
