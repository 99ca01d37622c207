package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"

	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/kafka"
	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// errAbandoned means another writer owns the operation record now; the
// worker drops it without touching anything else.
var errAbandoned = errors.New("operation abandoned: claimed by another worker")

// softDeleteBackoff is the wait before each retry of a transient failure.
var softDeleteBackoff = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}

// entity delete outcomes
const (
	outcomeDeleted        = "deleted"
	outcomeAlreadyDeleted = "already_deleted"
	outcomeMissing        = "missing"
	outcomeFailed         = "failed"
	// outcomeAbandoned means shutdown interrupted the attempt; the entity is
	// neither a success nor a failure and the operation stays in_progress.
	outcomeAbandoned = "abandoned"
)

// worker processes claimed operations from the channel
func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	s.logger.WithContext(ctx).Debugf("Worker %d started", id)

	for op := range s.jobsCh {
		s.processOperation(ctx, &op)
	}

	s.logger.WithContext(ctx).Debugf("Worker %d stopped", id)
}

// processOperation drives one claimed operation to a terminal status. Every
// step is safe to repeat: soft delete is idempotent and the plan can be
// rebuilt, so a crash anywhere resumes cleanly from the last checkpoint.
func (s *Scheduler) processOperation(ctx context.Context, op *models.DeleteOperation) {
	ctx, span := tracing.StartSpan(ctx, "Scheduler.processOperation")
	defer span.End()

	start := time.Now()
	metrics.OperationsInFlight.Inc()
	defer metrics.OperationsInFlight.Dec()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"operation_id": op.ID,
		"world_id":     op.WorldID,
		"root_id":      op.RootEntityID,
		"cascade":      op.Cascade,
	})
	log.Info("Processing delete operation")

	s.publishEvent(ctx, "operation.started", op)

	// A cancel that landed while the operation was pending wins before any
	// entity is touched.
	if op.CancelRequested {
		s.finalize(ctx, op, models.OperationStatusCancelled, nil, start)
		return
	}

	plan, err := s.buildPlan(ctx, op)
	if err != nil {
		if errors.Is(err, deletion.ErrNotFound) {
			log.Warn("Root entity not found, failing operation")
			msg := "root not found"
			s.finalize(ctx, op, models.OperationStatusFailed, &msg, start)
			return
		}
		log.WithError(err).Error("Failed to plan delete operation")
		msg := fmt.Sprintf("failed to enumerate entities: %v", err)
		s.finalize(ctx, op, models.OperationStatusFailed, &msg, start)
		return
	}

	// On resume the plan only contains what is still undeleted, so the
	// already-checkpointed counts carry forward into the total.
	op.TotalEntities = op.DeletedCount + op.FailedCount + len(plan)
	if err := s.checkpoint(ctx, op, op.DeletedCount, op.FailedCount); err != nil {
		if !errors.Is(err, errAbandoned) {
			log.WithError(err).Error("Failed to record operation total")
		}
		return
	}

	for batchStart := 0; batchStart < len(plan); batchStart += s.config.BatchSize {
		if abandoned := s.refresh(ctx, op); abandoned {
			log.Debug("Operation taken over by another worker, abandoning")
			return
		}
		if op.CancelRequested {
			s.finalize(ctx, op, models.OperationStatusCancelled, nil, start)
			return
		}

		batchEnd := batchStart + s.config.BatchSize
		if batchEnd > len(plan) {
			batchEnd = len(plan)
		}

		prevDeleted, prevFailed := op.DeletedCount, op.FailedCount
		deletedIDs := make([]uuid.UUID, 0, batchEnd-batchStart)

		for _, entity := range plan[batchStart:batchEnd] {
			outcome := s.deleteEntity(ctx, op, entity.ID)
			if outcome == outcomeAbandoned {
				// Graceful shutdown mid-entity: checkpoint what finished and
				// leave the operation in_progress for restart recovery.
				log.Debug("Shutdown interrupted entity delete, leaving operation in progress")
				s.mirrorDeleted(ctx, op.WorldID, deletedIDs)
				if err := s.checkpoint(ctx, op, prevDeleted, prevFailed); err != nil && !errors.Is(err, errAbandoned) {
					log.WithError(err).Error("Failed to checkpoint operation")
				}
				return
			}
			metrics.RecordEntityDelete(outcome)

			switch outcome {
			case outcomeDeleted:
				op.DeletedCount++
				deletedIDs = append(deletedIDs, entity.ID)
			case outcomeAlreadyDeleted, outcomeMissing:
				// Idempotent no-ops still count as successes.
				op.DeletedCount++
			case outcomeFailed:
				op.FailedCount++
				if len(op.FailedEntityIDs) < s.config.MaxFailedEntityIDs {
					op.FailedEntityIDs = append(op.FailedEntityIDs, entity.ID)
				}
			}
		}

		s.mirrorDeleted(ctx, op.WorldID, deletedIDs)

		if err := s.checkpoint(ctx, op, prevDeleted, prevFailed); err != nil {
			if !errors.Is(err, errAbandoned) {
				log.WithError(err).Error("Failed to checkpoint operation")
			}
			return
		}
		if op.CancelRequested {
			s.finalize(ctx, op, models.OperationStatusCancelled, nil, start)
			return
		}
	}

	switch {
	case op.FailedCount == 0:
		s.finalize(ctx, op, models.OperationStatusCompleted, nil, start)
	case op.DeletedCount == 0:
		msg := fmt.Sprintf("all %d entities failed to delete", op.FailedCount)
		s.finalize(ctx, op, models.OperationStatusFailed, &msg, start)
	default:
		msg := fmt.Sprintf("%d of %d entities failed to delete", op.FailedCount, op.TotalEntities)
		s.finalize(ctx, op, models.OperationStatusPartial, &msg, start)
	}
}

// buildPlan re-reads the root and enumerates the subtree. A missing root
// is a NotFound error. An already-deleted root is dropped from its own
// plan but its live descendants are still enumerated, so a retried partial
// operation reaches the entities the prior attempt left behind.
func (s *Scheduler) buildPlan(ctx context.Context, op *models.DeleteOperation) ([]models.Entity, error) {
	root, err := s.entities.GetByID(ctx, op.WorldID, op.RootEntityID, true)
	if err != nil {
		return nil, err
	}
	if root.IsDeleted && !op.Cascade {
		return nil, nil
	}

	plan, err := s.planner.Plan(ctx, root, op.Cascade)
	if err != nil {
		return nil, err
	}
	if root.IsDeleted {
		plan = plan[:len(plan)-1]
	}
	return plan, nil
}

// deleteEntity soft-deletes one entity with the per-entity retry budget.
// Transient store errors back off and retry; an etag conflict is retried
// once after a re-read, and a second conflict counts as a failure.
func (s *Scheduler) deleteEntity(ctx context.Context, op *models.DeleteOperation, entityID uuid.UUID) string {
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"operation_id": op.ID,
		"world_id":     op.WorldID,
		"entity_id":    entityID,
	})

	for attempt := 0; attempt < s.config.SoftDeleteRetries; attempt++ {
		if attempt > 0 {
			if !s.sleep(ctx, softDeleteBackoff[(attempt-1)%len(softDeleteBackoff)]) {
				return outcomeAbandoned
			}
		}

		entity, err := s.entities.GetByID(ctx, op.WorldID, entityID, true)
		if err != nil {
			if errors.Is(err, deletion.ErrNotFound) {
				log.Warn("Entity vanished before delete, counting as success")
				return outcomeMissing
			}
			log.WithError(err).Debugf("Transient error reading entity (attempt %d)", attempt+1)
			continue
		}
		if entity.IsDeleted {
			return outcomeAlreadyDeleted
		}

		_, err = s.entities.SoftDeleteOne(ctx, op.WorldID, entityID, entity.Etag, op.CreatedBy)
		if err == nil {
			return outcomeDeleted
		}
		if errors.Is(err, deletion.ErrNotFound) {
			return outcomeMissing
		}
		if errors.Is(err, deletion.ErrConflict) {
			return s.deleteAfterConflict(ctx, op, entityID)
		}
		log.WithError(err).Debugf("Transient error deleting entity (attempt %d)", attempt+1)
	}

	log.Warn("Entity failed all delete attempts")
	return outcomeFailed
}

// deleteAfterConflict is the single re-read retry after an etag conflict.
func (s *Scheduler) deleteAfterConflict(ctx context.Context, op *models.DeleteOperation, entityID uuid.UUID) string {
	entity, err := s.entities.GetByID(ctx, op.WorldID, entityID, true)
	if err != nil {
		if errors.Is(err, deletion.ErrNotFound) {
			return outcomeMissing
		}
		return outcomeFailed
	}
	if entity.IsDeleted {
		return outcomeAlreadyDeleted
	}

	_, err = s.entities.SoftDeleteOne(ctx, op.WorldID, entityID, entity.Etag, op.CreatedBy)
	if err == nil {
		return outcomeDeleted
	}
	if errors.Is(err, deletion.ErrNotFound) {
		return outcomeMissing
	}
	return outcomeFailed
}

// refresh re-reads the operation record at a batch boundary to pick up
// cancel requests. A record whose counters moved underneath us belongs to
// another worker now.
func (s *Scheduler) refresh(ctx context.Context, op *models.DeleteOperation) (abandoned bool) {
	fresh, err := s.ops.GetByID(ctx, op.WorldID, op.ID)
	if err != nil {
		return true
	}
	if fresh.LastHeartbeat.Equal(op.LastHeartbeat) {
		return false
	}

	if fresh.Status == models.OperationStatusInProgress &&
		fresh.DeletedCount == op.DeletedCount && fresh.FailedCount == op.FailedCount {
		// Control-plane write only (a cancel request); adopt it.
		op.CancelRequested = fresh.CancelRequested
		op.LastHeartbeat = fresh.LastHeartbeat
		return false
	}

	return true
}

// checkpoint persists progress with the heartbeat CAS. prevDeleted and
// prevFailed are the counters as of the last successful checkpoint; they
// let a conflict distinguish a concurrent cancel request (merged and
// retried) from a takeover by another worker (abandoned).
func (s *Scheduler) checkpoint(ctx context.Context, op *models.DeleteOperation, prevDeleted, prevFailed int) error {
	expected := op.LastHeartbeat
	op.LastHeartbeat = time.Now().UTC()

	err := s.ops.Update(ctx, op, expected)
	if err == nil {
		return nil
	}
	if !errors.Is(err, deletion.ErrConflict) {
		op.LastHeartbeat = expected
		return err
	}

	fresh, gerr := s.ops.GetByID(ctx, op.WorldID, op.ID)
	if gerr != nil {
		return errAbandoned
	}
	if fresh.Status == models.OperationStatusInProgress &&
		fresh.DeletedCount == prevDeleted && fresh.FailedCount == prevFailed {
		op.CancelRequested = op.CancelRequested || fresh.CancelRequested
		op.LastHeartbeat = time.Now().UTC()
		if uerr := s.ops.Update(ctx, op, fresh.LastHeartbeat); uerr == nil {
			return nil
		}
	}

	return errAbandoned
}

// finalize moves the operation to a terminal status and records it.
func (s *Scheduler) finalize(ctx context.Context, op *models.DeleteOperation, status models.OperationStatus, errDetails *string, start time.Time) {
	now := time.Now().UTC()
	op.Status = status
	op.CompletedAt = &now
	op.ErrorDetails = errDetails

	// Deletes checkpointed before a crash are invisible to re-enumeration;
	// fold any shortfall back into the derived counter.
	if status == models.OperationStatusCompleted && op.DeletedCount+op.FailedCount < op.TotalEntities {
		op.DeletedCount = op.TotalEntities - op.FailedCount
	}

	if err := s.checkpoint(ctx, op, op.DeletedCount, op.FailedCount); err != nil {
		if !errors.Is(err, errAbandoned) {
			s.logger.WithContext(ctx).WithError(err).Errorf("Failed to finalize operation %s", op.ID)
		}
		return
	}

	metrics.RecordOperationFinished(string(status), time.Since(start).Seconds())
	s.publishEvent(ctx, "operation."+string(status), op)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"operation_id": op.ID,
		"world_id":     op.WorldID,
		"status":       status,
		"total":        op.TotalEntities,
		"deleted":      op.DeletedCount,
		"failed":       op.FailedCount,
		"duration":     time.Since(start).String(),
	}).Info("Delete operation finished")
}

// mirrorDeleted notifies the graph mirror; failures are logged and dropped.
func (s *Scheduler) mirrorDeleted(ctx context.Context, worldID uuid.UUID, entityIDs []uuid.UUID) {
	if s.mirror == nil || len(entityIDs) == 0 {
		return
	}
	ids := ectolinq.Map(entityIDs, func(id uuid.UUID) string { return id.String() })
	if err := s.mirror.MarkDeleted(ctx, worldID.String(), ids); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to mirror deletes to graph")
	}
}

func (s *Scheduler) publishEvent(ctx context.Context, eventType string, op *models.DeleteOperation) {
	if s.events == nil {
		return
	}
	event := &kafka.OperationEvent{
		EventType:      eventType,
		WorldID:        op.WorldID.String(),
		OperationID:    op.ID.String(),
		RootEntityID:   op.RootEntityID.String(),
		RootEntityName: op.RootEntityName,
		Status:         string(op.Status),
		TotalEntities:  op.TotalEntities,
		DeletedCount:   op.DeletedCount,
		FailedCount:    op.FailedCount,
		CreatedBy:      op.CreatedBy,
	}
	if err := s.events.PublishOperationEvent(ctx, event); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to publish operation event")
	}
}

// sleep waits for d unless the scheduler is stopping or the context ends.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
