package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/willow/pkg/tracing"
)

// Mirror keeps the relationship graph in step with the entity store. The
// graph is a read-model; mirror writes are best effort and the caller never
// fails an operation because of them.
type Mirror struct {
	client *Client
	logger ectologger.Logger
}

// NewMirror creates a new graph mirror
func NewMirror(client *Client, logger ectologger.Logger) *Mirror {
	return &Mirror{
		client: client,
		logger: logger,
	}
}

// MarkDeleted flags the entity nodes as deleted and detaches their
// relationships, so graph queries stop returning links into a deleted
// subtree.
func (m *Mirror) MarkDeleted(ctx context.Context, worldID string, entityIDs []string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.MarkDeleted")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil
	}

	cypher := `
		UNWIND $ids AS eid
		MATCH (e:Entity {id: eid, world_id: $world_id})
		SET e.deleted_at = datetime()
		WITH e
		MATCH (e)-[r]-()
		DELETE r
	`

	_, err := m.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"ids":      entityIDs,
			"world_id": worldID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"world_id": worldID,
			"count":    len(entityIDs),
		}).Error("Failed to mark entities deleted in graph")
		return fmt.Errorf("failed to mark entities deleted in graph: %w", err)
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"world_id": worldID,
		"count":    len(entityIDs),
	}).Debug("Marked entities deleted in graph")

	return nil
}
