package deleteops

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/willow/pkg/deletion"
	"github.com/Ramsey-B/willow/pkg/tracing"
)

// Register registers delete-operation routes
func Register(g *echo.Group) {
	g.GET("/:world_id/delete-operations", ListOperations)
	g.GET("/:world_id/delete-operations/:op_id", GetOperation)
	g.POST("/:world_id/delete-operations/:op_id/retry", RetryOperation)
	g.POST("/:world_id/delete-operations/:op_id/cancel", CancelOperation)
}

// ListOperations lists the world's most recent delete operations
func ListOperations(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "deleteops.ListOperations")
	defer span.End()

	worldID, err := uuid.Parse(c.Param("world_id"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid world id")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	ctx, svc, err := ectoinject.GetContext[*deletion.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	ops, err := svc.ListRecent(ctx, worldID, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{"operations": ops})
}

// GetOperation returns a delete operation by id
func GetOperation(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "deleteops.GetOperation")
	defer span.End()

	worldID, opID, err := parseIDs(c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*deletion.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	op, err := svc.GetStatus(ctx, worldID, opID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, op)
}

// RetryOperation resets a failed or partial operation back to pending
func RetryOperation(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "deleteops.RetryOperation")
	defer span.End()

	worldID, opID, err := parseIDs(c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*deletion.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	op, err := svc.Retry(ctx, worldID, opID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, op)
}

// CancelOperation requests cooperative cancellation of an operation
func CancelOperation(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "deleteops.CancelOperation")
	defer span.End()

	worldID, opID, err := parseIDs(c)
	if err != nil {
		return err
	}

	ctx, svc, err := ectoinject.GetContext[*deletion.Service](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	op, err := svc.Cancel(ctx, worldID, opID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, op)
}

func parseIDs(c echo.Context) (worldID, opID uuid.UUID, err error) {
	worldID, err = uuid.Parse(c.Param("world_id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid world id")
	}
	opID, err = uuid.Parse(c.Param("op_id"))
	if err != nil {
		return uuid.Nil, uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "invalid operation id")
	}
	return worldID, opID, nil
}
