// Package memory provides in-memory implementations of the deletion stores.
// They back unit and scenario tests and the local development mode, and
// keep the same concurrency semantics as the Postgres repositories.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/models"
)

// EntityStore is a mutex-guarded in-memory entity store.
type EntityStore struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]map[uuid.UUID]*models.Entity

	// FailDeletes makes SoftDeleteOne return the given error for the listed
	// entity ids; tests use it to simulate transient backend failures.
	failMu      sync.Mutex
	failDeletes map[uuid.UUID]error
}

// NewEntityStore creates an empty in-memory entity store.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		entities:    make(map[uuid.UUID]map[uuid.UUID]*models.Entity),
		failDeletes: make(map[uuid.UUID]error),
	}
}

// Put inserts or replaces an entity, assigning a fresh etag.
func (s *EntityStore) Put(entity models.Entity) models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	entity.Etag = uuid.NewString()
	entity.Depth = len(entity.Path)
	now := time.Now().UTC()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.ModifiedAt = now

	world, ok := s.entities[entity.WorldID]
	if !ok {
		world = make(map[uuid.UUID]*models.Entity)
		s.entities[entity.WorldID] = world
	}
	// Copy Path so callers mutating their slice cannot alias the record.
	stored := entity
	stored.Path = append([]uuid.UUID(nil), entity.Path...)
	world[entity.ID] = &stored
	return entity
}

// FailDeletesFor makes the next SoftDeleteOne calls for the entity fail
// with err until cleared with err == nil.
func (s *EntityStore) FailDeletesFor(entityID uuid.UUID, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.failDeletes, entityID)
		return
	}
	s.failDeletes[entityID] = err
}

func (s *EntityStore) GetByID(_ context.Context, worldID, entityID uuid.UUID, includeDeleted bool) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[worldID][entityID]
	if !ok || (!includeDeleted && entity.IsDeleted) {
		return nil, deletion.ErrNotFound
	}
	copied := *entity
	copied.Path = append([]uuid.UUID(nil), entity.Path...)
	return &copied, nil
}

func (s *EntityStore) CountChildren(_ context.Context, worldID, parentID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entity := range s.entities[worldID] {
		if entity.ParentID != nil && *entity.ParentID == parentID && !entity.IsDeleted {
			count++
		}
	}
	return count, nil
}

func (s *EntityStore) ListDescendants(_ context.Context, worldID, rootID uuid.UUID) ([]models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Entity
	for _, entity := range s.entities[worldID] {
		if entity.IsDeleted {
			continue
		}
		for _, ancestor := range entity.Path {
			if ancestor == rootID {
				out = append(out, *entity)
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].ID.String() < out[j].ID.String()
	})

	return out, nil
}

func (s *EntityStore) SoftDeleteOne(_ context.Context, worldID, entityID uuid.UUID, expectedEtag, deletedBy string) (string, error) {
	s.failMu.Lock()
	if err, ok := s.failDeletes[entityID]; ok {
		s.failMu.Unlock()
		return "", err
	}
	s.failMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[worldID][entityID]
	if !ok {
		return "", deletion.ErrNotFound
	}
	if entity.Etag != expectedEtag {
		return "", deletion.ErrConflict
	}

	entity.IsDeleted = true
	entity.DeletedBy = &deletedBy
	entity.Etag = uuid.NewString()
	entity.ModifiedAt = time.Now().UTC()
	return entity.Etag, nil
}
