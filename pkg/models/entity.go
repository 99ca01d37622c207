package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entity is a single node in a world's content tree (a character, location,
// item, note, or folder). The world is the partition key for all storage;
// entities never reference anything outside their world.
type Entity struct {
	ID       uuid.UUID  `json:"id" db:"id"`
	WorldID  uuid.UUID  `json:"world_id" db:"world_id"`
	ParentID *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`
	// Path holds the ancestor ids from the root down to (but excluding) this
	// entity. len(Path) == Depth, and Depth == 0 marks a world root.
	Path  []uuid.UUID `json:"path" db:"path"`
	Depth int         `json:"depth" db:"depth"`

	Name    string          `json:"name" db:"name"`
	Kind    string          `json:"kind" db:"kind"`
	OwnerID string          `json:"owner_id" db:"owner_id"`
	Data    json.RawMessage `json:"data,omitempty" db:"data"`

	IsDeleted bool    `json:"is_deleted" db:"is_deleted"`
	DeletedBy *string `json:"deleted_by,omitempty" db:"deleted_by"`

	// Etag is an opaque version token; it changes on every persisted
	// mutation and backs the optimistic-concurrency check on soft delete.
	Etag string `json:"etag" db:"etag"`

	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	ModifiedAt time.Time `json:"modified_at" db:"modified_at"`
}

// IsRoot reports whether the entity is a world root.
func (e *Entity) IsRoot() bool {
	return e.ParentID == nil
}
