// Package deletion implements the cascade-delete engine: admission and
// control of delete operations, cascade planning, and the stores they run
// against.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/willow/pkg/kafka"
	"github.com/Ramsey-B/willow/pkg/metrics"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// EventPublisher emits operation lifecycle events. Publishing is best
// effort; a publish failure never fails the operation itself.
type EventPublisher interface {
	PublishOperationEvent(ctx context.Context, event *kafka.OperationEvent) error
}

// Service is the admission and control plane for delete operations. All
// entity work is deferred to the scheduler; the service only checks the
// root, enforces the concurrency cap, and writes the operation record.
type Service struct {
	entities EntityStore
	ops      OperationLog
	policy   Policy
	events   EventPublisher
	logger   ectologger.Logger
}

func NewService(entities EntityStore, ops OperationLog, policy Policy, events EventPublisher, logger ectologger.Logger) *Service {
	return &Service{
		entities: entities,
		ops:      ops,
		policy:   policy,
		events:   events,
		logger:   logger,
	}
}

// Initiate admits a new delete operation for the entity. The returned
// record is in pending status; deletion happens asynchronously.
func (s *Service) Initiate(ctx context.Context, worldID, entityID uuid.UUID, cascade bool, principalID string) (*models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "deletion.Service.Initiate")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"world_id":  worldID,
		"entity_id": entityID,
		"cascade":   cascade,
		"principal": principalID,
	})

	active, err := s.ops.CountActiveByPrincipal(ctx, worldID, principalID)
	if err != nil {
		return nil, err
	}
	if active >= s.policy.MaxConcurrentPerPrincipalPerWorld {
		metrics.RateLimitRejections.Inc()
		log.WithFields(map[string]any{"active": active}).Warn("Delete operation refused by concurrency cap")
		e := httperror.NewHTTPErrorf(http.StatusTooManyRequests, "too many active delete operations in this world (limit %d)", s.policy.MaxConcurrentPerPrincipalPerWorld)
		httperror.ToHTTPError(e).Meta = map[string]any{"retry_after_seconds": s.policy.RetryAfterSeconds}
		return nil, e
	}

	// Already-deleted roots are still admitted; the worker completes the
	// operation idempotently with nothing to delete.
	root, err := s.entities.GetByID(ctx, worldID, entityID, true)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "entity %s not found", entityID)
		}
		return nil, err
	}

	if !cascade {
		children, err := s.entities.CountChildren(ctx, worldID, entityID)
		if err != nil {
			return nil, err
		}
		if children > 0 {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "entity %s has %d children; use cascade to delete the subtree", entityID, children)
		}
	}

	now := time.Now().UTC()
	op := &models.DeleteOperation{
		ID:             uuid.New(),
		WorldID:        worldID,
		RootEntityID:   entityID,
		RootEntityName: root.Name,
		Cascade:        cascade,
		Status:         models.OperationStatusPending,
		CreatedBy:      principalID,
		CreatedAt:      now,
		TTLSeconds:     s.policy.OperationTTLSeconds,
		LastHeartbeat:  now,
	}

	if err := s.ops.Create(ctx, op); err != nil {
		return nil, err
	}

	metrics.OperationsInitiated.WithLabelValues(fmt.Sprintf("%t", cascade)).Inc()
	s.publishEvent(ctx, "operation.admitted", op)
	log.WithFields(map[string]any{"operation_id": op.ID}).Info("Delete operation admitted")

	return op, nil
}

// GetStatus returns the operation, or a 404 error after TTL expiry.
func (s *Service) GetStatus(ctx context.Context, worldID, opID uuid.UUID) (*models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "deletion.Service.GetStatus")
	defer span.End()

	op, err := s.ops.GetByID(ctx, worldID, opID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "operation %s not found", opID)
		}
		return nil, err
	}
	return op, nil
}

// ListRecent returns the world's most recent unexpired operations. The
// limit is clamped to [1, 100]; zero or negative means the default of 20.
func (s *Service) ListRecent(ctx context.Context, worldID uuid.UUID, limit int) ([]models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "deletion.Service.ListRecent")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.ops.ListRecentByWorld(ctx, worldID, limit)
}

// Retry resets a failed or partial operation back to pending. The finished
// attempt's counters are archived so repeated retries keep their history.
func (s *Service) Retry(ctx context.Context, worldID, opID uuid.UUID) (*models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "deletion.Service.Retry")
	defer span.End()

	op, err := s.ops.GetByID(ctx, worldID, opID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "operation %s not found", opID)
		}
		return nil, err
	}
	if !op.CanRetry() {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "operation %s is %s; only failed or partial operations can be retried", opID, op.Status)
	}

	expected := op.LastHeartbeat
	op.RetryHistory = append(op.RetryHistory, models.RetryRecord{
		RetriedAt:     time.Now().UTC(),
		PriorStatus:   op.Status,
		TotalEntities: op.TotalEntities,
		DeletedCount:  op.DeletedCount,
		FailedCount:   op.FailedCount,
		ErrorDetails:  op.ErrorDetails,
		StartedAt:     op.StartedAt,
		CompletedAt:   op.CompletedAt,
	})

	op.Status = models.OperationStatusPending
	op.TotalEntities = 0
	op.DeletedCount = 0
	op.FailedCount = 0
	op.FailedEntityIDs = nil
	op.ErrorDetails = nil
	op.CancelRequested = false
	op.StartedAt = nil
	op.CompletedAt = nil
	op.LastHeartbeat = time.Now().UTC()

	if err := s.ops.Update(ctx, op, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, httperror.NewHTTPError(http.StatusConflict, "operation was modified concurrently; retry the request")
		}
		return nil, err
	}

	s.publishEvent(ctx, "operation.retried", op)
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"world_id":     worldID,
		"operation_id": opID,
	}).Info("Delete operation reset for retry")

	return op, nil
}

// Cancel requests cooperative cancellation. The scheduler honours the flag
// at its next batch boundary; a pending operation is cancelled before any
// entity is touched.
func (s *Service) Cancel(ctx context.Context, worldID, opID uuid.UUID) (*models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "deletion.Service.Cancel")
	defer span.End()

	// The worker advances lastHeartbeat at every checkpoint, so the CAS can
	// lose to an active operation. Re-read and reapply a bounded number of
	// times.
	for attempt := 0; attempt < 3; attempt++ {
		op, err := s.ops.GetByID(ctx, worldID, opID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "operation %s not found", opID)
			}
			return nil, err
		}
		if !op.CanCancel() {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "operation %s is %s; only pending or in_progress operations can be cancelled", opID, op.Status)
		}

		// Bump the heartbeat so an active worker's next checkpoint conflicts
		// and re-reads the flag instead of overwriting it.
		expected := op.LastHeartbeat
		op.CancelRequested = true
		op.LastHeartbeat = time.Now().UTC()

		err = s.ops.Update(ctx, op, expected)
		if err == nil {
			s.publishEvent(ctx, "operation.cancel_requested", op)
			s.logger.WithContext(ctx).WithFields(map[string]any{
				"world_id":     worldID,
				"operation_id": opID,
			}).Info("Cancel requested for delete operation")
			return op, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}

	return nil, httperror.NewHTTPError(http.StatusConflict, "operation is being updated concurrently; retry the request")
}

func (s *Service) publishEvent(ctx context.Context, eventType string, op *models.DeleteOperation) {
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
