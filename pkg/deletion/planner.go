package deletion

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/willow/pkg/models"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// Planner turns a root entity into an ordered deletion plan. Children are
// always deleted before their parents so a crash mid-operation never leaves
// an orphaned subtree under a deleted ancestor; the root is deleted last.
type Planner struct {
	entities EntityStore
	logger   ectologger.Logger
}

func NewPlanner(entities EntityStore, logger ectologger.Logger) *Planner {
	return &Planner{
		entities: entities,
		logger:   logger,
	}
}

// Plan enumerates the subtree under root and returns the entities in
// deletion order: post-order over the tree, siblings visited by ascending
// id, the root last. When cascade is false the plan is just the root.
//
// The enumeration is a point-in-time snapshot. Entities created under the
// subtree after enumeration begins are not part of the plan; a resumed
// operation re-plans and picks them up then.
func (p *Planner) Plan(ctx context.Context, root *models.Entity, cascade bool) ([]models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "deletion.Planner.Plan")
	defer span.End()

	if !cascade {
		return []models.Entity{*root}, nil
	}

	descendants, err := p.entities.ListDescendants(ctx, root.WorldID, root.ID)
	if err != nil {
		return nil, err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"world_id":    root.WorldID,
		"root_id":     root.ID,
		"descendants": len(descendants),
	}).Debug("planned cascade delete")

	return orderPostOrder(root, descendants), nil
}

// orderPostOrder arranges the subtree depth-first, children before parents,
// siblings by ascending id. Descendants whose parent is missing from the
// snapshot (deleted mid-enumeration) are treated as children of the root so
// they are still planned.
func orderPostOrder(root *models.Entity, descendants []models.Entity) []models.Entity {
	known := make(map[uuid.UUID]bool, len(descendants)+1)
	known[root.ID] = true
	for _, e := range descendants {
		known[e.ID] = true
	}

	children := make(map[uuid.UUID][]models.Entity, len(descendants))
	for _, e := range descendants {
		parent := root.ID
		if e.ParentID != nil && known[*e.ParentID] {
			parent = *e.ParentID
		}
		children[parent] = append(children[parent], e)
	}
	for _, siblings := range children {
		sort.Slice(siblings, func(i, j int) bool {
			return siblings[i].ID.String() < siblings[j].ID.String()
		})
	}

	plan := make([]models.Entity, 0, len(descendants)+1)
	var visit func(e models.Entity)
	visit = func(e models.Entity) {
		for _, child := range children[e.ID] {
			visit(child)
		}
		plan = append(plan, e)
	}
	visit(*root)

	return plan
}
