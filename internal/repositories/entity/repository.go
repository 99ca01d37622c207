// Package entity persists world entities in Postgres.
package entity

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

var entityColumns = []string{
	"id", "world_id", "parent_id", "path", "depth", "name", "kind",
	"owner_id", "data", "is_deleted", "deleted_by", "etag", "created_at", "modified_at",
}

// Repository handles entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// entityRow is the scan target; path is a uuid[] column.
type entityRow struct {
	ID         uuid.UUID      `db:"id"`
	WorldID    uuid.UUID      `db:"world_id"`
	ParentID   *uuid.UUID     `db:"parent_id"`
	Path       pq.StringArray `db:"path"`
	Depth      int            `db:"depth"`
	Name       string         `db:"name"`
	Kind       string         `db:"kind"`
	OwnerID    string         `db:"owner_id"`
	Data       []byte         `db:"data"`
	IsDeleted  bool           `db:"is_deleted"`
	DeletedBy  *string        `db:"deleted_by"`
	Etag       string         `db:"etag"`
	CreatedAt  time.Time      `db:"created_at"`
	ModifiedAt time.Time      `db:"modified_at"`
}

func (r entityRow) toModel() (models.Entity, error) {
	path := make([]uuid.UUID, 0, len(r.Path))
	for _, p := range r.Path {
		id, err := uuid.Parse(p)
		if err != nil {
			return models.Entity{}, err
		}
		path = append(path, id)
	}

	return models.Entity{
		ID:         r.ID,
		WorldID:    r.WorldID,
		ParentID:   r.ParentID,
		Path:       path,
		Depth:      r.Depth,
		Name:       r.Name,
		Kind:       r.Kind,
		OwnerID:    r.OwnerID,
		Data:       r.Data,
		IsDeleted:  r.IsDeleted,
		DeletedBy:  r.DeletedBy,
		Etag:       r.Etag,
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
	}, nil
}

func pathArray(path []uuid.UUID) pq.StringArray {
	out := make(pq.StringArray, 0, len(path))
	for _, id := range path {
		out = append(out, id.String())
	}
	return out
}

// Create inserts a new entity
func (r *Repository) Create(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Create")
	defer span.End()

	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.ModifiedAt = now
	entity.Etag = uuid.NewString()
	entity.Depth = len(entity.Path)

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols(entityColumns...)
	sb.Values(
		entity.ID, entity.WorldID, entity.ParentID, pathArray(entity.Path), entity.Depth,
		entity.Name, entity.Kind, entity.OwnerID, entity.Data,
		entity.IsDeleted, entity.DeletedBy, entity.Etag, entity.CreatedAt, entity.ModifiedAt,
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	return nil
}

// GetByID returns the entity scoped to the world. When includeDeleted is
// false, soft-deleted entities report as missing.
func (r *Repository) GetByID(ctx context.Context, worldID, entityID uuid.UUID, includeDeleted bool) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Equal("id", entityID),
	)
	if !includeDeleted {
		sb.Where(sb.Equal("is_deleted", false))
	}

	query, args := sb.Build()
	var row entityRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, deletion.ErrNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	entity, err := row.toModel()
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to decode entity path")
	}
	return &entity, nil
}

// CountChildren returns the number of non-deleted direct children
func (r *Repository) CountChildren(ctx context.Context, worldID, parentID uuid.UUID) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CountChildren")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("COUNT(*)")
	sb.From("entities")
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Equal("parent_id", parentID),
		sb.Equal("is_deleted", false),
	)

	query, args := sb.Build()
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count children")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count children")
	}

	return count, nil
}

// ListDescendants returns every non-deleted descendant of rootID ordered by
// depth ascending then id ascending. The path column makes this a single
// indexed query.
func (r *Repository) ListDescendants(ctx context.Context, worldID, rootID uuid.UUID) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListDescendants")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Var(rootID)+" = ANY(path)",
		sb.Equal("is_deleted", false),
	)
	sb.OrderBy("depth ASC", "id ASC")

	query, args := sb.Build()
	var rows []entityRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list descendants")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list descendants")
	}

	entities := make([]models.Entity, 0, len(rows))
	for _, row := range rows {
		entity, err := row.toModel()
		if err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to decode entity path")
		}
		entities = append(entities, entity)
	}

	return entities, nil
}

// SoftDeleteOne flips is_deleted when the etag still matches. The rows
// affected count is the concurrency check.
func (r *Repository) SoftDeleteOne(ctx context.Context, worldID, entityID uuid.UUID, expectedEtag, deletedBy string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SoftDeleteOne")
	defer span.End()

	newEtag := uuid.NewString()
	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("is_deleted", true),
		sb.Assign("deleted_by", deletedBy),
		sb.Assign("etag", newEtag),
		sb.Assign("modified_at", now),
	)
	sb.Where(
		sb.Equal("world_id", worldID),
		sb.Equal("id", entityID),
		sb.Equal("etag", expectedEtag),
	)

	query, args := sb.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to soft delete entity")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to soft delete entity")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to soft delete entity")
	}
	if affected == 0 {
		// Distinguish a missing row from a stale etag.
		if _, err := r.GetByID(ctx, worldID, entityID, true); err != nil {
			return "", err
		}
		return "", deletion.ErrConflict
	}

	return newEtag, nil
}
