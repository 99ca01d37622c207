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

// OperationLog is a mutex-guarded in-memory operation log with the same
// heartbeat compare-and-swap semantics as the Postgres repository.
type OperationLog struct {
	mu  sync.RWMutex
	ops map[uuid.UUID]*models.DeleteOperation

	// now is swappable so tests can control TTL expiry.
	now func() time.Time
}

// NewOperationLog creates an empty in-memory operation log.
func NewOperationLog() *OperationLog {
	return &OperationLog{
		ops: make(map[uuid.UUID]*models.DeleteOperation),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the log's clock; tests use it to force TTL expiry.
func (l *OperationLog) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *OperationLog) Create(_ context.Context, op *models.DeleteOperation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.ops[op.ID]; exists {
		return deletion.ErrDuplicate
	}
	stored := *op
	l.ops[op.ID] = &stored
	return nil
}

func (l *OperationLog) GetByID(_ context.Context, worldID, opID uuid.UUID) (*models.DeleteOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	op, ok := l.ops[opID]
	if !ok || op.WorldID != worldID || op.IsExpired(l.now()) {
		return nil, deletion.ErrNotFound
	}
	copied := *op
	return &copied, nil
}

func (l *OperationLog) Update(_ context.Context, op *models.DeleteOperation, expectedHeartbeat time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.ops[op.ID]
	if !ok || current.WorldID != op.WorldID || current.IsExpired(l.now()) {
		return deletion.ErrNotFound
	}
	if !current.LastHeartbeat.Equal(expectedHeartbeat) {
		return deletion.ErrConflict
	}

	stored := *op
	l.ops[op.ID] = &stored
	return nil
}

func (l *OperationLog) Claim(_ context.Context, worldID, opID uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	op, ok := l.ops[opID]
	if !ok || op.WorldID != worldID || op.Status != models.OperationStatusPending {
		return false, nil
	}

	now := l.now()
	op.Status = models.OperationStatusInProgress
	op.StartedAt = &now
	op.LastHeartbeat = now
	return true, nil
}

func (l *OperationLog) ListRecentByWorld(_ context.Context, worldID uuid.UUID, limit int) ([]models.DeleteOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.DeleteOperation
	for _, op := range l.ops {
		if op.WorldID == worldID && !op.IsExpired(l.now()) {
			out = append(out, *op)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *OperationLog) CountActiveByPrincipal(_ context.Context, worldID uuid.UUID, principalID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, op := range l.ops {
		if op.WorldID == worldID && op.CreatedBy == principalID &&
			(op.Status == models.OperationStatusPending || op.Status == models.OperationStatusInProgress) {
			count++
		}
	}
	return count, nil
}

func (l *OperationLog) ListPending(_ context.Context) ([]models.DeleteOperation, error) {
	return l.listByStatus(models.OperationStatusPending), nil
}

func (l *OperationLog) ListInProgress(_ context.Context) ([]models.DeleteOperation, error) {
	return l.listByStatus(models.OperationStatusInProgress), nil
}

func (l *OperationLog) listByStatus(status models.OperationStatus) []models.DeleteOperation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.DeleteOperation
	for _, op := range l.ops {
		if op.Status == status {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (l *OperationLog) DeleteExpired(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, op := range l.ops {
		if op.IsExpired(l.now()) {
			delete(l.ops, id)
			removed++
		}
	}
	return removed, nil
}
