// Package operation persists delete-operation records in Postgres.
package operation

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/willow/pkg/database"
	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// notExpired filters out records whose TTL elapsed; the scheduler sweeps
// them later, but reads must never resurrect them.
const notExpired = "(completed_at IS NULL OR completed_at + ttl_seconds * INTERVAL '1 second' > NOW())"

var operationColumns = []string{
	"id", "world_id", "root_entity_id", "root_entity_name", "cascade", "status",
	"total_entities", "deleted_count", "failed_count", "failed_entity_ids",
	"error_details", "cancel_requested", "created_by", "created_at",
	"started_at", "completed_at", "ttl_seconds", "last_heartbeat", "retry_history",
}

// Repository handles delete-operation persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new operation repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type operationRow struct {
	ID              uuid.UUID                            `db:"id"`
	WorldID         uuid.UUID                            `db:"world_id"`
	RootEntityID    uuid.UUID                            `db:"root_entity_id"`
	RootEntityName  string                               `db:"root_entity_name"`
	Cascade         bool                                 `db:"cascade"`
	Status          string                               `db:"status"`
	TotalEntities   int                                  `db:"total_entities"`
	DeletedCount    int                                  `db:"deleted_count"`
	FailedCount     int                                  `db:"failed_count"`
	FailedEntityIDs database.JSONB[[]uuid.UUID]          `db:"failed_entity_ids"`
	ErrorDetails    *string                              `db:"error_details"`
	CancelRequested bool                                 `db:"cancel_requested"`
	CreatedBy       string                               `db:"created_by"`
	CreatedAt       time.Time                            `db:"created_at"`
	StartedAt       *time.Time                           `db:"started_at"`
	CompletedAt     *time.Time                           `db:"completed_at"`
	TTLSeconds      int                                  `db:"ttl_seconds"`
	LastHeartbeat   time.Time                            `db:"last_heartbeat"`
	RetryHistory    database.JSONB[[]models.RetryRecord] `db:"retry_history"`
}

func (r operationRow) toModel() models.DeleteOperation {
	return models.DeleteOperation{
		ID:              r.ID,
		WorldID:         r.WorldID,
		RootEntityID:    r.RootEntityID,
		RootEntityName:  r.RootEntityName,
		Cascade:         r.Cascade,
		Status:          models.OperationStatus(r.Status),
		TotalEntities:   r.TotalEntities,
		DeletedCount:    r.DeletedCount,
		FailedCount:     r.FailedCount,
		FailedEntityIDs: r.FailedEntityIDs.GetValue(),
		ErrorDetails:    r.ErrorDetails,
		CancelRequested: r.CancelRequested,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		TTLSeconds:      r.TTLSeconds,
		LastHeartbeat:   r.LastHeartbeat,
		RetryHistory:    r.RetryHistory.GetValue(),
	}
}

// Create inserts a new operation record; a duplicate id is rejected.
func (r *Repository) Create(ctx context.Context, op *models.DeleteOperation) error {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.Create")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("delete_operations")
	sb.Cols(operationColumns...)
	sb.Values(
		op.ID, op.WorldID, op.RootEntityID, op.RootEntityName, op.Cascade, string(op.Status),
		op.TotalEntities, op.DeletedCount, op.FailedCount, database.JSONB[[]uuid.UUID]{Data: op.FailedEntityIDs},
		op.ErrorDetails, op.CancelRequested, op.CreatedBy, op.CreatedAt,
		op.StartedAt, op.CompletedAt, op.TTLSeconds, op.LastHeartbeat,
		database.JSONB[[]models.RetryRecord]{Data: op.RetryHistory},
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return deletion.ErrDuplicate
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create delete operation")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create delete operation")
	}

	return nil
}

// GetByID returns the operation, treating expired records as missing.
func (r *Repository) GetByID(ctx context.Context, worldID, opID uuid.UUID) (*models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(operationColumns...)
	sb.From("delete_operations")
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Equal("id", opID),
		notExpired,
	)

	query, args := sb.Build()
	var row operationRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, deletion.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get delete operation")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get delete operation")
	}

	op := row.toModel()
	return &op, nil
}

// Update replaces the whole record, guarded by the heartbeat CAS.
func (r *Repository) Update(ctx context.Context, op *models.DeleteOperation, expectedHeartbeat time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.Update")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("delete_operations")
	sb.Set(
		sb.Assign("status", string(op.Status)),
		sb.Assign("total_entities", op.TotalEntities),
		sb.Assign("deleted_count", op.DeletedCount),
		sb.Assign("failed_count", op.FailedCount),
		sb.Assign("failed_entity_ids", database.JSONB[[]uuid.UUID]{Data: op.FailedEntityIDs}),
		sb.Assign("error_details", op.ErrorDetails),
		sb.Assign("cancel_requested", op.CancelRequested),
		sb.Assign("started_at", op.StartedAt),
		sb.Assign("completed_at", op.CompletedAt),
		sb.Assign("ttl_seconds", op.TTLSeconds),
		sb.Assign("last_heartbeat", op.LastHeartbeat),
		sb.Assign("retry_history", database.JSONB[[]models.RetryRecord]{Data: op.RetryHistory}),
	)
	sb.Where(
		sb.Equal("world_id", op.WorldID),
		sb.Equal("id", op.ID),
		sb.Equal("last_heartbeat", expectedHeartbeat),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update delete operation")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update delete operation")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update delete operation")
	}
	if affected == 0 {
		if _, err := r.GetByID(ctx, op.WorldID, op.ID); err != nil {
			return err
		}
		return deletion.ErrConflict
	}

	return nil
}

// Claim transitions pending -> in_progress. The status predicate is the
// compare-and-swap; only one caller sees a row affected.
func (r *Repository) Claim(ctx context.Context, worldID, opID uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.Claim")
	defer span.End()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("delete_operations")
	sb.Set(
		sb.Assign("status", string(models.OperationStatusInProgress)),
		sb.Assign("started_at", now),
		sb.Assign("last_heartbeat", now),
	)
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Equal("id", opID),
		sb.Equal("status", string(models.OperationStatusPending)),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to claim delete operation")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim delete operation")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim delete operation")
	}

	return affected > 0, nil
}

// ListRecentByWorld returns unexpired operations newest first
func (r *Repository) ListRecentByWorld(ctx context.Context, worldID uuid.UUID, limit int) ([]models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.ListRecentByWorld")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(operationColumns...)
	sb.From("delete_operations")
	sb.Where(
		sb.Equal("world_id", worldID),
		notExpired,
	)
	sb.OrderBy("created_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	return r.selectOperations(ctx, query, args, "failed to list delete operations")
}

// CountActiveByPrincipal counts pending and in_progress operations created
// by the principal in the world
func (r *Repository) CountActiveByPrincipal(ctx context.Context, worldID uuid.UUID, principalID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.CountActiveByPrincipal")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("delete_operations")
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Equal("created_by", principalID),
		sb.In("status", string(models.OperationStatusPending), string(models.OperationStatusInProgress)),
	)

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count active delete operations")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count active delete operations")
	}

	return count, nil
}

// ListPending returns pending operations across all worlds, oldest first
func (r *Repository) ListPending(ctx context.Context) ([]models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.ListPending")
	defer span.End()

	return r.listByStatus(ctx, models.OperationStatusPending)
}

// ListInProgress returns in_progress operations across all worlds
func (r *Repository) ListInProgress(ctx context.Context) ([]models.DeleteOperation, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.ListInProgress")
	defer span.End()

	return r.listByStatus(ctx, models.OperationStatusInProgress)
}

func (r *Repository) listByStatus(ctx context.Context, status models.OperationStatus) ([]models.DeleteOperation, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(operationColumns...)
	sb.From("delete_operations")
	sb.Where(sb.Equal("status", string(status)))
	sb.OrderBy("created_at ASC")

	query, args := sb.Build()
	return r.selectOperations(ctx, query, args, "failed to list delete operations")
}

// DeleteExpired removes terminal records whose TTL elapsed
func (r *Repository) DeleteExpired(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "operation.Repository.DeleteExpired")
	defer span.End()

	query := "DELETE FROM delete_operations WHERE completed_at IS NOT NULL AND completed_at + ttl_seconds * INTERVAL '1 second' <= NOW()"
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete expired operations")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete expired operations")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete expired operations")
	}

	return int(affected), nil
}

func (r *Repository) selectOperations(ctx context.Context, query string, args []any, errMsg string) ([]models.DeleteOperation, error) {
	var rows []operationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error(errMsg)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, errMsg)
	}

	ops := make([]models.DeleteOperation, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, row.toModel())
	}
	return ops, nil
}
