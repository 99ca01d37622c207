package deletion

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/willow/pkg/models"
)

var (
	// ErrNotFound is returned when an entity or operation does not exist in
	// the requested world.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic-concurrency check fails:
	// an etag mismatch on soft delete, a stale heartbeat on an operation
	// update, or a lost claim race.
	ErrConflict = errors.New("conflict")
	// ErrDuplicate is returned when creating a record whose id already
	// exists.
	ErrDuplicate = errors.New("duplicate id")
)

// EntityStore is the durable, world-partitioned view of entities the delete
// engine consumes. Every call is scoped to a single world.
type EntityStore interface {
	// GetByID returns the entity, or ErrNotFound. When includeDeleted is
	// false, soft-deleted entities are treated as missing.
	GetByID(ctx context.Context, worldID, entityID uuid.UUID, includeDeleted bool) (*models.Entity, error)

	// CountChildren returns the number of non-deleted direct children.
	CountChildren(ctx context.Context, worldID, parentID uuid.UUID) (int, error)

	// ListDescendants returns every non-deleted descendant of rootID,
	// ordered by depth ascending then id ascending. The root itself is not
	// included. The result is a point-in-time snapshot and may be requested
	// again after a resume.
	ListDescendants(ctx context.Context, worldID, rootID uuid.UUID) ([]models.Entity, error)

	// SoftDeleteOne flips isDeleted and returns the new etag. Returns
	// ErrConflict when expectedEtag no longer matches, ErrNotFound when the
	// entity is missing.
	SoftDeleteOne(ctx context.Context, worldID, entityID uuid.UUID, expectedEtag, deletedBy string) (string, error)
}

// OperationLog is the durable record of delete operations. Updates replace
// the whole record; the expectedHeartbeat argument is the lastHeartbeat the
// caller read, and a mismatch fails with ErrConflict.
type OperationLog interface {
	Create(ctx context.Context, op *models.DeleteOperation) error
	GetByID(ctx context.Context, worldID, opID uuid.UUID) (*models.DeleteOperation, error)

	// Update replaces the stored record. ErrConflict means another writer
	// advanced lastHeartbeat since the caller's read.
	Update(ctx context.Context, op *models.DeleteOperation, expectedHeartbeat time.Time) error

	// Claim transitions pending -> in_progress, setting startedAt and
	// lastHeartbeat. Returns false when another worker won the race.
	Claim(ctx context.Context, worldID, opID uuid.UUID) (bool, error)

	// ListRecentByWorld returns unexpired operations ordered by createdAt
	// descending, at most limit.
	ListRecentByWorld(ctx context.Context, worldID uuid.UUID, limit int) ([]models.DeleteOperation, error)

	// CountActiveByPrincipal counts pending and in_progress operations
	// created by the principal in the world.
	CountActiveByPrincipal(ctx context.Context, worldID uuid.UUID, principalID string) (int, error)

	// ListPending and ListInProgress enumerate across worlds for the
	// scheduler's claim loop and restart recovery.
	ListPending(ctx context.Context) ([]models.DeleteOperation, error)
	ListInProgress(ctx context.Context) ([]models.DeleteOperation, error)

	// DeleteExpired removes terminal records whose TTL elapsed and returns
	// how many were removed.
	DeleteExpired(ctx context.Context) (int, error)
}
