package deletion

import (
	"context"
	"sort"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/willow/pkg/models"
)

type stubEntityStore struct {
	descendants []models.Entity
	err         error
}

func (s *stubEntityStore) GetByID(context.Context, uuid.UUID, uuid.UUID, bool) (*models.Entity, error) {
	return nil, ErrNotFound
}

func (s *stubEntityStore) CountChildren(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	return 0, nil
}

func (s *stubEntityStore) ListDescendants(context.Context, uuid.UUID, uuid.UUID) ([]models.Entity, error) {
	return s.descendants, s.err
}

func (s *stubEntityStore) SoftDeleteOne(context.Context, uuid.UUID, uuid.UUID, string, string) (string, error) {
	return "", ErrNotFound
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func entityWithParent(worldID uuid.UUID, parent *models.Entity) models.Entity {
	e := models.Entity{
		ID:      uuid.New(),
		WorldID: worldID,
		Kind:    "location",
	}
	if parent != nil {
		e.ParentID = &parent.ID
		e.Path = append(append([]uuid.UUID{}, parent.Path...), parent.ID)
		e.Depth = len(e.Path)
	}
	return e
}

func planIndex(plan []models.Entity) map[uuid.UUID]int {
	idx := make(map[uuid.UUID]int, len(plan))
	for i, e := range plan {
		idx[e.ID] = i
	}
	return idx
}

func TestPlan_NonCascadeIsJustTheRoot(t *testing.T) {
	worldID := uuid.New()
	root := entityWithParent(worldID, nil)

	p := NewPlanner(&stubEntityStore{descendants: []models.Entity{entityWithParent(worldID, &root)}}, testLogger())

	plan, err := p.Plan(context.Background(), &root, false)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, root.ID, plan[0].ID)
}

func TestPlan_ChildrenComeBeforeParents(t *testing.T) {
	worldID := uuid.New()
	root := entityWithParent(worldID, nil)
	child1 := entityWithParent(worldID, &root)
	child2 := entityWithParent(worldID, &root)
	grandchild := entityWithParent(worldID, &child1)

	p := NewPlanner(&stubEntityStore{descendants: []models.Entity{child1, child2, grandchild}}, testLogger())

	plan, err := p.Plan(context.Background(), &root, true)
	require.NoError(t, err)
	require.Len(t, plan, 4)

	idx := planIndex(plan)
	assert.Less(t, idx[grandchild.ID], idx[child1.ID])
	assert.Less(t, idx[child1.ID], idx[root.ID])
	assert.Less(t, idx[child2.ID], idx[root.ID])
	assert.Equal(t, root.ID, plan[len(plan)-1].ID)
}

func TestPlan_SiblingsOrderedByAscendingID(t *testing.T) {
	worldID := uuid.New()
	root := entityWithParent(worldID, nil)

	siblings := make([]models.Entity, 5)
	for i := range siblings {
		siblings[i] = entityWithParent(worldID, &root)
	}

	p := NewPlanner(&stubEntityStore{descendants: siblings}, testLogger())

	plan, err := p.Plan(context.Background(), &root, true)
	require.NoError(t, err)
	require.Len(t, plan, 6)

	ids := make([]string, 0, 5)
	for _, e := range plan[:5] {
		ids = append(ids, e.ID.String())
	}
	assert.True(t, sort.StringsAreSorted(ids), "siblings should be planned in ascending id order: %v", ids)
}

func TestPlan_OrphanedDescendantReparentsToRoot(t *testing.T) {
	worldID := uuid.New()
	root := entityWithParent(worldID, nil)
	vanished := entityWithParent(worldID, &root)
	orphan := entityWithParent(worldID, &vanished)

	// vanished is not in the snapshot; orphan still must be planned.
	p := NewPlanner(&stubEntityStore{descendants: []models.Entity{orphan}}, testLogger())

	plan, err := p.Plan(context.Background(), &root, true)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, orphan.ID, plan[0].ID)
	assert.Equal(t, root.ID, plan[1].ID)
}
