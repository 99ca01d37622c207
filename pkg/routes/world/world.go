package world

import (
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/willow/pkg/context"
	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// Register registers world entity routes
func Register(g *echo.Group) {
	g.DELETE("/:world_id/entities/:entity_id", DeleteEntity)
}

// DeleteEntity admits an asynchronous delete of an entity, optionally
// cascading over its subtree. Responds 202 with the pending operation and a
// Location header pointing at its status endpoint.
func DeleteEntity(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "world.DeleteEntity")
	defer span.End()

	worldID, err := uuid.Parse(c.Param("world_id"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid world id")
	}
	entityID, err := uuid.Parse(c.Param("entity_id"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid entity id")
	}
	cascade := c.QueryParam("cascade") == "true"

	principal := appctx.GetUserID(ctx)
	if principal == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}

	ctx, svc, err := ectoinject.GetContext[*deletion.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	op, err := svc.Initiate(ctx, worldID, entityID, cascade, principal)
	if err != nil {
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusTooManyRequests {
			if retryAfter, ok := httperror.ToHTTPError(err).Meta["retry_after_seconds"]; ok {
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%v", retryAfter))
			}
		}
		return err
	}

	c.Response().Header().Set("Location", fmt.Sprintf("/api/v1/worlds/%s/delete-operations/%s", worldID, op.ID))
	return c.JSON(http.StatusAccepted, op)
}
