package models

import (
	"time"

	"github.com/google/uuid"
)

// OperationStatus tracks a delete operation through its lifecycle.
type OperationStatus string

const (
	// OperationStatusPending means the operation was admitted but no worker
	// has claimed it yet.
	OperationStatusPending OperationStatus = "pending"
	// OperationStatusInProgress means a worker claimed the operation and is
	// deleting entities.
	OperationStatusInProgress OperationStatus = "in_progress"
	// OperationStatusCompleted means every targeted entity was soft deleted.
	OperationStatusCompleted OperationStatus = "completed"
	// OperationStatusPartial means the operation finished but some entities
	// exhausted their retries.
	OperationStatusPartial OperationStatus = "partial"
	// OperationStatusFailed means no entity was deleted, or a fatal error
	// stopped the operation.
	OperationStatusFailed OperationStatus = "failed"
	// OperationStatusCancelled means a cancel request was honoured at a
	// batch boundary.
	OperationStatusCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether the status is one a worker never leaves on its
// own. Retry is the only way out of a terminal status.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusPartial, OperationStatusFailed, OperationStatusCancelled:
		return true
	}
	return false
}

// RetryRecord is the audit entry archived when a terminal operation is
// retried. It snapshots the counters of the finished attempt.
type RetryRecord struct {
	RetriedAt     time.Time       `json:"retried_at"`
	PriorStatus   OperationStatus `json:"prior_status"`
	TotalEntities int             `json:"total_entities"`
	DeletedCount  int             `json:"deleted_count"`
	FailedCount   int             `json:"failed_count"`
	ErrorDetails  *string         `json:"error_details,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// DeleteOperation is the durable record of one cascade-delete request. The
// record is always replaced whole; writers pass the lastHeartbeat they read
// so the store can reject concurrent updates.
type DeleteOperation struct {
	ID      uuid.UUID `json:"id" db:"id"`
	WorldID uuid.UUID `json:"world_id" db:"world_id"`

	RootEntityID   uuid.UUID `json:"root_entity_id" db:"root_entity_id"`
	RootEntityName string    `json:"root_entity_name" db:"root_entity_name"`
	Cascade        bool      `json:"cascade" db:"cascade"`

	Status OperationStatus `json:"status" db:"status"`

	TotalEntities int `json:"total_entities" db:"total_entities"`
	DeletedCount  int `json:"deleted_count" db:"deleted_count"`
	FailedCount   int `json:"failed_count" db:"failed_count"`
	// FailedEntityIDs is capped by the scheduler's MaxFailedEntityIDs;
	// failures past the cap only bump FailedCount.
	FailedEntityIDs []uuid.UUID `json:"failed_entity_ids,omitempty" db:"failed_entity_ids"`
	ErrorDetails    *string     `json:"error_details,omitempty" db:"error_details"`

	CancelRequested bool `json:"cancel_requested" db:"cancel_requested"`

	CreatedBy   string     `json:"created_by" db:"created_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// TTLSeconds counts from CompletedAt; expired records are swept by the
	// scheduler and filtered from reads.
	TTLSeconds int `json:"ttl_seconds" db:"ttl_seconds"`

	LastHeartbeat time.Time `json:"last_heartbeat" db:"last_heartbeat"`

	RetryHistory []RetryRecord `json:"retry_history,omitempty" db:"retry_history"`
}

// CanRetry reports whether a retry request is valid for the current status.
func (op *DeleteOperation) CanRetry() bool {
	return op.Status == OperationStatusFailed || op.Status == OperationStatusPartial
}

// CanCancel reports whether a cancel request is valid for the current status.
func (op *DeleteOperation) CanCancel() bool {
	return op.Status == OperationStatusPending || op.Status == OperationStatusInProgress
}

// IsExpired reports whether the record's TTL has elapsed as of now.
func (op *DeleteOperation) IsExpired(now time.Time) bool {
	if op.CompletedAt == nil || op.TTLSeconds <= 0 {
		return false
	}
	return now.After(op.CompletedAt.Add(time.Duration(op.TTLSeconds) * time.Second))
}
