package integration

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
	"github.com/Ramsey-B/willow/pkg/scheduler"
)

type harness struct {
	entities *memory.EntityStore
	ops      *memory.OperationLog
	service  *deletion.Service
	sched    *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	entities := memory.NewEntityStore()
	ops := memory.NewOperationLog()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	planner := deletion.NewPlanner(entities, logger)

	service := deletion.NewService(entities, ops, deletion.DefaultPolicy(), nil, logger)
	sched := scheduler.NewScheduler(ops, entities, planner, nil, nil, nil, scheduler.Config{
		PollInterval:      10 * time.Millisecond,
		WorkerCount:       2,
		BatchSize:         3,
		SoftDeleteRetries: 1,
	}, logger)

	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	return &harness{entities: entities, ops: ops, service: service, sched: sched}
}

func (h *harness) seed(t *testing.T, worldID uuid.UUID, parent *models.Entity, name string) models.Entity {
	t.Helper()
	e := models.Entity{
		WorldID: worldID,
		Name:    name,
		Kind:    "location",
		OwnerID: "user-1",
	}
	if parent != nil {
		e.ParentID = &parent.ID
		e.Path = append(append([]uuid.UUID{}, parent.Path...), parent.ID)
	}
	return h.entities.Put(e)
}

func (h *harness) waitTerminal(t *testing.T, worldID, opID uuid.UUID) *models.DeleteOperation {
	t.Helper()
	var final *models.DeleteOperation
	require.Eventually(t, func() bool {
		op, err := h.service.GetStatus(context.Background(), worldID, opID)
		if err != nil {
			return false
		}
		final = op
		return op.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return final
}

func TestCascadeDelete_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	worldID := uuid.New()

	continent := h.seed(t, worldID, nil, "continent")
	kingdom := h.seed(t, worldID, &continent, "kingdom")
	city := h.seed(t, worldID, &kingdom, "city")
	tavern := h.seed(t, worldID, &city, "tavern")
	village := h.seed(t, worldID, &kingdom, "village")

	op, err := h.service.Initiate(context.Background(), worldID, continent.ID, true, "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusPending, op.Status)
	assert.Equal(t, "continent", op.RootEntityName)

	final := h.waitTerminal(t, worldID, op.ID)
	assert.Equal(t, models.OperationStatusCompleted, final.Status)
	assert.Equal(t, 5, final.TotalEntities)
	assert.Equal(t, 5, final.DeletedCount)
	assert.Zero(t, final.FailedCount)

	for _, e := range []models.Entity{continent, kingdom, city, tavern, village} {
		stored, err := h.entities.GetByID(context.Background(), worldID, e.ID, true)
		require.NoError(t, err)
		assert.True(t, stored.IsDeleted, "%s should be soft-deleted", stored.Name)
	}
}

func TestCascadeDelete_PartialThenRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	worldID := uuid.New()

	root := h.seed(t, worldID, nil, "region")
	h.seed(t, worldID, &root, "town")
	keep := h.seed(t, worldID, &root, "fortress")

	h.entities.FailDeletesFor(keep.ID, assert.AnError)

	op, err := h.service.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	final := h.waitTerminal(t, worldID, op.ID)
	assert.Equal(t, models.OperationStatusPartial, final.Status)
	assert.Equal(t, 3, final.TotalEntities)
	assert.Equal(t, 2, final.DeletedCount)
	assert.Equal(t, 1, final.FailedCount)
	assert.Contains(t, final.FailedEntityIDs, keep.ID)

	// The backend recovers; a retry picks up just the leftover entity.
	h.entities.FailDeletesFor(keep.ID, nil)

	retried, err := h.service.Retry(context.Background(), worldID, op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusPending, retried.Status)
	require.Len(t, retried.RetryHistory, 1)
	assert.Equal(t, models.OperationStatusPartial, retried.RetryHistory[0].PriorStatus)

	final = h.waitTerminal(t, worldID, op.ID)
	assert.Equal(t, models.OperationStatusCompleted, final.Status)
	assert.Equal(t, 1, final.TotalEntities)
	assert.Equal(t, 1, final.DeletedCount)

	stored, err := h.entities.GetByID(context.Background(), worldID, keep.ID, true)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
}

func TestCascadeDelete_CancelPendingOperation(t *testing.T) {
	h := newHarness(t)
	worldID := uuid.New()

	root := h.seed(t, worldID, nil, "region")
	for i := 0; i < 10; i++ {
		h.seed(t, worldID, &root, "settlement")
	}

	op, err := h.service.Initiate(context.Background(), worldID, root.ID, true, "user-1")
	require.NoError(t, err)

	// The cancel races the scheduler; whichever wins, the operation must
	// land in a terminal status and a cancelled one must leave no half
	// progress unaccounted for.
	_, cancelErr := h.service.Cancel(context.Background(), worldID, op.ID)

	final := h.waitTerminal(t, worldID, op.ID)
	if cancelErr != nil {
		// Lost the race to a finished operation.
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(cancelErr))
		assert.Equal(t, models.OperationStatusCompleted, final.Status)
		return
	}

	assert.Contains(t, []models.OperationStatus{
		models.OperationStatusCancelled,
		models.OperationStatusCompleted,
	}, final.Status)
	if final.Status == models.OperationStatusCancelled {
		assert.Less(t, final.DeletedCount, 11)
	}
}

func TestCascadeDelete_NonCascadeRefusedForParent(t *testing.T) {
	h := newHarness(t)
	worldID := uuid.New()

	root := h.seed(t, worldID, nil, "region")
	h.seed(t, worldID, &root, "town")

	_, err := h.service.Initiate(context.Background(), worldID, root.ID, false, "user-1")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestCascadeDelete_ConcurrencyCapAcrossLifecycle(t *testing.T) {
	h := newHarness(t)
	worldID := uuid.New()

	// Fill the cap with pending work, then watch it drain.
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		root := h.seed(t, worldID, nil, "region")
		op, err := h.service.Initiate(context.Background(), worldID, root.ID, false, "user-1")
		require.NoError(t, err)
		ids = append(ids, op.ID)
	}

	extra := h.seed(t, worldID, nil, "region")
	_, err := h.service.Initiate(context.Background(), worldID, extra.ID, false, "user-1")
	if err != nil {
		assert.Equal(t, http.StatusTooManyRequests, httperror.GetStatusCode(err))
	}

	for _, id := range ids {
		final := h.waitTerminal(t, worldID, id)
		assert.Equal(t, models.OperationStatusCompleted, final.Status)
	}

	// With every operation terminal the principal is under the cap again.
	require.Eventually(t, func() bool {
		_, err := h.service.Initiate(context.Background(), worldID, extra.ID, false, "user-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCascadeDelete_StatusVisibleUntilTTL(t *testing.T) {
	h := newHarness(t)
	worldID := uuid.New()

	leaf := h.seed(t, worldID, nil, "shrine")
	op, err := h.service.Initiate(context.Background(), worldID, leaf.ID, false, "user-1")
	require.NoError(t, err)

	final := h.waitTerminal(t, worldID, op.ID)
	require.NotNil(t, final.CompletedAt)

	h.ops.SetClock(func() time.Time { return final.CompletedAt.Add(25 * time.Hour) })

	_, err = h.service.GetStatus(context.Background(), worldID, op.ID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}
